package abaichat

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"sync"
	"time"
)

const (
	pendingMessageTimeout = 10 * time.Second
	typingTTL             = 3 * time.Second
	defaultPageLimit      = 50
)

// ============================================================================
// ChatSync
// ============================================================================

// ChatSync is the synchronization controller: the single mediator between
// caller intents, optimistic local state, and the transport's asynchronous
// event stream. It owns the conversation list, the open chat's message log
// and the typing set; callers only read snapshots.
//
// All state mutation is funneled through an internal event queue consumed by
// one goroutine, so every handler runs to completion before the next queued
// event is processed. Operations that await the REST collaborator release the
// queue while waiting, which means a pushed confirmation may be applied
// before the operation's own success branch runs; reconciliation is
// idempotent under that interleaving.
type ChatSync struct {
	api       API
	transport Transport
	session   Session
	sched     Scheduler
	ownSched  bool
	logger    *log.Logger
	now       func() time.Time
	pageLimit int

	events  chan func()
	closing chan struct{}

	startOnce sync.Once
	closeOnce sync.Once

	// Everything below is owned by the event loop.
	chats       *chatList
	msgs        *messageLog
	typing      *typingSet
	current     *Chat
	connected   bool
	loading     bool
	sending     bool
	lastErr     string
	lastLocalID int64
}

type SyncOption func(*ChatSync)

// WithLogger directs advisory output; the default discards it.
func WithLogger(l *log.Logger) SyncOption {
	return func(s *ChatSync) { s.logger = l }
}

// WithScheduler substitutes the expiry scheduler (virtual time in tests).
func WithScheduler(sched Scheduler) SyncOption {
	return func(s *ChatSync) { s.sched = sched }
}

// WithClock substitutes the time source used for provisional ids and
// timestamps.
func WithClock(now func() time.Time) SyncOption {
	return func(s *ChatSync) { s.now = now }
}

// WithPageLimit sets the message page size fetched on open.
func WithPageLimit(limit int) SyncOption {
	return func(s *ChatSync) {
		if limit > 0 {
			s.pageLimit = limit
		}
	}
}

// NewChatSync creates a controller for one authenticated session. Call Start
// to connect and Close to tear down.
func NewChatSync(api API, transport Transport, session Session, opts ...SyncOption) *ChatSync {
	s := &ChatSync{
		api:       api,
		transport: transport,
		session:   session,
		logger:    log.New(io.Discard, "", 0),
		now:       time.Now,
		pageLimit: defaultPageLimit,
		events:    make(chan func()),
		closing:   make(chan struct{}),
		chats:     newChatList(),
		msgs:      newMessageLog(),
		typing:    newTypingSet(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sched == nil {
		s.sched = newWallScheduler()
		s.ownSched = true
	}
	return s
}

// ============================================================================
// Event loop
// ============================================================================

func (s *ChatSync) run() {
	for {
		select {
		case <-s.closing:
			return
		case fn := <-s.events:
			fn()
		}
	}
}

// post queues a mutation for the event loop.
func (s *ChatSync) post(fn func()) {
	select {
	case <-s.closing:
	case s.events <- fn:
	}
}

// exec queues a mutation and waits for it to run.
func (s *ChatSync) exec(fn func()) {
	done := make(chan struct{})
	s.post(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-s.closing:
	}
}

// schedule arms an expiry whose callback runs on the event loop.
func (s *ChatSync) schedule(kind timerKind, id string, d time.Duration, fn func()) {
	s.sched.After(kind, id, d, func() {
		s.post(fn)
	})
}

// ============================================================================
// Lifecycle
// ============================================================================

// Start launches the event loop, installs the transport subscriptions and
// connects. With no valid session it is a silent no-op. A failed initial dial
// is logged, not returned: the transport keeps reconnecting on its own.
func (s *ChatSync) Start(ctx context.Context) {
	if !s.session.Valid() {
		s.logger.Printf("chat sync: no session, not connecting")
		return
	}
	s.startOnce.Do(func() {
		go s.run()
		s.transport.OnStateChange(s.onStateChange)
		s.bindTransport()
		if err := s.transport.Connect(ctx); err != nil {
			s.logger.Printf("chat sync: connect: %v", err)
		}
	})
}

// Close tears the connection down and stops the event loop.
func (s *ChatSync) Close() {
	s.closeOnce.Do(func() {
		if err := s.transport.Disconnect(); err != nil {
			s.logger.Printf("chat sync: disconnect: %v", err)
		}
		close(s.closing)
		if s.ownSched {
			s.sched.Stop()
		}
	})
}

// bindTransport installs all inbound event handlers. Subscriptions do not
// survive a reconnect, so this runs again on every connection instance.
func (s *ChatSync) bindTransport() {
	t := s.transport
	t.On(EventNewMessage, s.onNewMessage)
	t.On(EventMessageSent, s.onMessageSent)
	t.On(EventTyping, s.onTyping)
	t.On(EventNewChat, s.onNewChat)
	t.On(EventUserJoined, s.advisory("user joined"))
	t.On(EventUserLeft, s.advisory("user left"))
	t.On(EventJoinedChat, s.advisory("joined chat"))
	t.On(EventLeftChat, s.advisory("left chat"))
	t.On(EventSessionAck, s.advisory("session acknowledged"))
	t.On(EventTransportError, s.advisory("transport error"))
}

func (s *ChatSync) onStateChange(connected bool) {
	if connected {
		s.bindTransport()
	}
	s.post(func() {
		s.connected = connected
		if connected && s.current != nil {
			s.emit(EventJoinChat, wireChatRef{ChatID: s.current.ID})
		}
	})
}

// emit is fire-and-forget: a failed emit is advisory, never fatal.
func (s *ChatSync) emit(event string, payload interface{}) {
	if err := s.transport.Emit(event, payload); err != nil {
		s.logger.Printf("chat sync: emit %s: %v", event, err)
	}
}

// ============================================================================
// Operations
// ============================================================================

// LoadChats fetches the conversation list and installs it.
func (s *ChatSync) LoadChats(ctx context.Context) error {
	chats, err := s.api.ListChats(ctx)
	if err != nil {
		s.exec(func() { s.lastErr = err.Error() })
		return err
	}
	s.exec(func() {
		s.chats.replaceAll(chats)
		if s.current != nil {
			s.chats.clearUnread(s.current.ID)
		}
	})
	return nil
}

// Open makes the chat current: clears the previous message and typing state,
// signals join over the transport, fetches the message page and zeroes the
// unread counter. The counter is zeroed optimistically; a failed mark-read
// request is logged, not surfaced, and never rolls the counter back.
func (s *ChatSync) Open(ctx context.Context, chat Chat) error {
	var prevID int64
	s.exec(func() {
		if s.current != nil {
			prevID = s.current.ID
		}
		c := chat
		c.UnreadCount = 0
		s.current = &c
		s.msgs.clear()
		s.typing.clear()
		s.loading = true
		s.lastErr = ""
		s.chats.add(c)
		s.chats.clearUnread(c.ID)
	})

	if s.transport.Connected() {
		if prevID != 0 && prevID != chat.ID {
			s.emit(EventLeaveChat, wireChatRef{ChatID: prevID})
		}
		s.emit(EventJoinChat, wireChatRef{ChatID: chat.ID})
	}

	go func() {
		mrCtx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
		defer cancel()
		if err := s.api.MarkRead(mrCtx, chat.ID); err != nil {
			s.logger.Printf("chat sync: mark read chat %d: %v", chat.ID, err)
		}
	}()

	page, err := s.api.GetMessages(ctx, chat.ID, &PageOptions{Limit: s.pageLimit})
	if err != nil {
		s.exec(func() {
			if s.current != nil && s.current.ID == chat.ID {
				s.loading = false
				s.lastErr = err.Error()
			}
		})
		return err
	}
	s.exec(func() {
		if s.current == nil || s.current.ID != chat.ID {
			return // switched away while the fetch was in flight
		}
		s.msgs.replaceAll(page)
		s.loading = false
	})
	return nil
}

// Send appends a provisional message immediately, then either emits over the
// transport (arming the confirmation timeout) or, when disconnected, falls
// back to the direct request path. The fallback success replaces the
// provisional entry in place; failure removes it and surfaces the error.
func (s *ChatSync) Send(ctx context.Context, content string, replyToID *int64) error {
	var (
		provisional Message
		chatID      int64
		accepted    bool
	)
	s.exec(func() {
		if s.current == nil || !s.session.Valid() {
			return
		}
		accepted = true
		chatID = s.current.ID
		provisional = Message{
			ID:        s.nextLocalID(),
			ChatID:    chatID,
			SenderID:  s.session.UserID,
			Content:   content,
			CreatedAt: s.now(),
			ReplyToID: replyToID,
			Pending:   true,
		}
		s.msgs.append(provisional)
		s.chats.setLastMessage(chatID, provisional)
		s.sending = true
	})
	if !accepted {
		return nil
	}
	defer s.exec(func() { s.sending = false })

	if s.transport.Connected() {
		payload := map[string]interface{}{"chatId": chatID, "content": content}
		if replyToID != nil {
			payload["replyToId"] = *replyToID
		}
		if err := s.transport.Emit(EventSendMessage, payload); err == nil {
			id := provisional.ID
			s.schedule(timerPendingMessage, timerID(id), pendingMessageTimeout, func() {
				if s.msgs.removeIfPending(id) {
					s.logger.Printf("chat sync: send of provisional %d not confirmed in %s, dropped", id, pendingMessageTimeout)
				}
			})
			return nil
		}
		s.logger.Printf("chat sync: send emit failed, using direct path")
	}

	msg, err := s.api.SendMessage(ctx, chatID, content, replyToID)
	if err != nil {
		s.exec(func() {
			s.msgs.removeByID(provisional.ID)
			s.lastErr = err.Error()
		})
		return err
	}
	s.exec(func() { s.applyConfirmed(*msg, true) })
	return nil
}

// Edit updates a message through the direct path. No optimistic mutation:
// only send is optimistic.
func (s *ChatSync) Edit(ctx context.Context, messageID int64, content string) error {
	msg, err := s.api.UpdateMessage(ctx, messageID, content)
	if err != nil {
		s.exec(func() { s.lastErr = err.Error() })
		return err
	}
	s.exec(func() {
		s.msgs.replaceByID(msg.ID, *msg)
		if c := s.chats.get(msg.ChatID); c != nil && c.LastMessage != nil && c.LastMessage.ID == msg.ID {
			s.chats.setLastMessage(msg.ChatID, *msg)
		}
	})
	return nil
}

// Delete removes a message through the direct path.
func (s *ChatSync) Delete(ctx context.Context, messageID int64) error {
	if err := s.api.DeleteMessage(ctx, messageID); err != nil {
		s.exec(func() { s.lastErr = err.Error() })
		return err
	}
	s.exec(func() { s.msgs.removeByID(messageID) })
	return nil
}

// CreateChat creates a conversation and adds it to the list.
func (s *ChatSync) CreateChat(ctx context.Context, participantIDs []int64, name string, isGroup bool) (*Chat, error) {
	chat, err := s.api.CreateChat(ctx, participantIDs, name, isGroup)
	if err != nil {
		s.exec(func() { s.lastErr = err.Error() })
		return nil, err
	}
	s.exec(func() { s.chats.add(*chat) })
	return chat, nil
}

// OpenOrCreateDirect resolves the direct chat with the user, creating it if
// needed, and opens it.
func (s *ChatSync) OpenOrCreateDirect(ctx context.Context, userID int64) (*Chat, error) {
	chat, err := s.api.CreateDirectChat(ctx, userID)
	if err != nil {
		s.exec(func() { s.lastErr = err.Error() })
		return nil, err
	}
	if err := s.Open(ctx, *chat); err != nil {
		return chat, err
	}
	return chat, nil
}

// SearchUsers queries the backend user directory.
func (s *ChatSync) SearchUsers(ctx context.Context, query string) ([]ChatUser, error) {
	return s.api.SearchUsers(ctx, query)
}

// SetTyping signals the local user's typing state for the open chat.
// No-op without an open chat or a live connection.
func (s *ChatSync) SetTyping(isTyping bool) {
	var chatID int64
	s.exec(func() {
		if s.current != nil {
			chatID = s.current.ID
		}
	})
	if chatID == 0 || !s.transport.Connected() {
		return
	}
	s.emit(EventTyping, map[string]interface{}{"chatId": chatID, "isTyping": isTyping})
}

// ============================================================================
// Inbound events
// ============================================================================

func (s *ChatSync) onNewMessage(data json.RawMessage) {
	m, ok := s.decodeMessageEvent(EventNewMessage, data)
	if !ok {
		return
	}
	s.post(func() { s.applyConfirmed(m, m.SenderID == s.session.UserID) })
}

// message-sent confirms the local user's own send; it never counts as unread.
func (s *ChatSync) onMessageSent(data json.RawMessage) {
	m, ok := s.decodeMessageEvent(EventMessageSent, data)
	if !ok {
		return
	}
	s.post(func() { s.applyConfirmed(m, true) })
}

func (s *ChatSync) onTyping(data json.RawMessage) {
	var w wireTyping
	if json.Unmarshal(data, &w) != nil || w.ChatID == 0 || w.UserID == 0 {
		s.logger.Printf("chat sync: malformed typing payload ignored")
		return
	}
	s.post(func() {
		if s.current == nil || s.current.ID != w.ChatID || w.UserID == s.session.UserID {
			return
		}
		key := typingKey{ChatID: w.ChatID, UserID: w.UserID}
		if w.IsTyping {
			s.typing.set(w.ChatID, w.UserID)
			s.schedule(timerTyping, key.timerID(), typingTTL, func() {
				s.typing.remove(w.ChatID, w.UserID)
			})
		} else {
			s.typing.remove(w.ChatID, w.UserID)
			s.sched.Cancel(timerTyping, key.timerID())
		}
	})
}

// Conversation creation is rare relative to messaging, so a full reload is
// simpler and safer than an incremental merge.
func (s *ChatSync) onNewChat(data json.RawMessage) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
		defer cancel()
		if err := s.LoadChats(ctx); err != nil {
			s.logger.Printf("chat sync: reload after new-chat: %v", err)
		}
	}()
}

func (s *ChatSync) advisory(what string) EventHandler {
	return func(data json.RawMessage) {
		s.logger.Printf("chat sync: %s: %s", what, data)
	}
}

func (s *ChatSync) decodeMessageEvent(event string, data json.RawMessage) (Message, bool) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		s.logger.Printf("chat sync: malformed %s payload ignored: %v", event, err)
		return Message{}, false
	}
	m, err := w.normalize()
	if err != nil {
		s.logger.Printf("chat sync: malformed %s payload ignored: %v", event, err)
		return Message{}, false
	}
	return m, true
}

// applyConfirmed folds a server-confirmed message into the stores. Runs on
// the event loop. Idempotent: a confirmed id already present changes nothing,
// so the broadcast and the direct-path response for the same send converge to
// one stored message regardless of arrival order.
func (s *ChatSync) applyConfirmed(m Message, mine bool) {
	open := s.current != nil && s.current.ID == m.ChatID
	if open {
		if provisional := s.msgs.reconcile(m); provisional != 0 {
			s.sched.Cancel(timerPendingMessage, timerID(provisional))
		}
	}
	s.chats.setLastMessage(m.ChatID, m)
	if !open && !mine {
		s.chats.incrementUnread(m.ChatID)
	}
}

func (s *ChatSync) nextLocalID() int64 {
	id := s.now().UnixMilli()
	if id <= s.lastLocalID {
		id = s.lastLocalID + 1
	}
	s.lastLocalID = id
	return id
}

// ============================================================================
// Snapshots
// ============================================================================

// Chats returns the conversation list ordered by last activity, newest first.
func (s *ChatSync) Chats() []Chat {
	var out []Chat
	s.exec(func() { out = s.chats.snapshot() })
	return out
}

// Messages returns the open chat's messages, ascending by creation time.
func (s *ChatSync) Messages() []Message {
	var out []Message
	s.exec(func() { out = s.msgs.snapshot() })
	return out
}

// CurrentChat returns a copy of the open chat, or nil.
func (s *ChatSync) CurrentChat() *Chat {
	var out *Chat
	s.exec(func() {
		if s.current != nil {
			c := *s.current
			out = &c
		}
	})
	return out
}

// TypingUsers returns the ids of users typing in the open chat.
func (s *ChatSync) TypingUsers() []int64 {
	var out []int64
	s.exec(func() {
		if s.current != nil {
			out = s.typing.users(s.current.ID)
		}
	})
	return out
}

// Connected reports the transport state as last observed.
func (s *ChatSync) Connected() bool {
	var out bool
	s.exec(func() { out = s.connected })
	return out
}

// Loading reports whether a message page fetch is in flight.
func (s *ChatSync) Loading() bool {
	var out bool
	s.exec(func() { out = s.loading })
	return out
}

// Sending reports whether a send operation is in flight.
func (s *ChatSync) Sending() bool {
	var out bool
	s.exec(func() { out = s.sending })
	return out
}

// Err returns the last user-visible error, empty when none.
func (s *ChatSync) Err() string {
	var out string
	s.exec(func() { out = s.lastErr })
	return out
}
