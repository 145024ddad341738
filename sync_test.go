package abaichat

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Fakes
// ============================================================================

var testBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: testBase}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeScheduler drives expiry with virtual time.
type fakeScheduler struct {
	mu     sync.Mutex
	now    time.Duration
	timers map[timerKey]fakeTimer
}

type fakeTimer struct {
	deadline time.Duration
	fn       func()
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{timers: make(map[timerKey]fakeTimer)}
}

func (f *fakeScheduler) After(kind timerKind, id string, d time.Duration, fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timers[timerKey{Kind: kind, ID: id}] = fakeTimer{deadline: f.now + d, fn: fn}
}

func (f *fakeScheduler) Cancel(kind timerKind, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.timers, timerKey{Kind: kind, ID: id})
}

func (f *fakeScheduler) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timers = make(map[timerKey]fakeTimer)
}

func (f *fakeScheduler) armed(kind timerKind, id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.timers[timerKey{Kind: kind, ID: id}]
	return ok
}

// Advance moves virtual time forward and fires due timers in deadline order.
func (f *fakeScheduler) Advance(d time.Duration) {
	f.mu.Lock()
	f.now += d
	type due struct {
		deadline time.Duration
		fn       func()
	}
	var fire []due
	for key, t := range f.timers {
		if t.deadline <= f.now {
			fire = append(fire, due{t.deadline, t.fn})
			delete(f.timers, key)
		}
	}
	f.mu.Unlock()
	sort.Slice(fire, func(i, j int) bool { return fire[i].deadline < fire[j].deadline })
	for _, t := range fire {
		t.fn()
	}
}

type emitted struct {
	Event   string
	Payload []byte
}

// fakeTransport simulates the duplex channel. With dropHandlers set it
// forgets event subscriptions on every connection loss, modelling a transport
// whose connection identity is not stable across reconnects.
type fakeTransport struct {
	mu            sync.Mutex
	connected     bool
	dropHandlers  bool
	handlers      map[string]EventHandler
	stateHandlers []func(bool)
	emits         []emitted
	emitErr       error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string]EventHandler)}
}

func (t *fakeTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	t.connected = true
	handlers := append([]func(bool){}, t.stateHandlers...)
	t.mu.Unlock()
	for _, h := range handlers {
		h(true)
	}
	return nil
}

func (t *fakeTransport) Disconnect() error {
	t.lose()
	return nil
}

// lose simulates an unexpected connection drop.
func (t *fakeTransport) lose() {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return
	}
	t.connected = false
	if t.dropHandlers {
		t.handlers = make(map[string]EventHandler)
	}
	handlers := append([]func(bool){}, t.stateHandlers...)
	t.mu.Unlock()
	for _, h := range handlers {
		h(false)
	}
}

// restore simulates a successful automatic reconnect.
func (t *fakeTransport) restore() {
	t.Connect(context.Background())
}

func (t *fakeTransport) Emit(event string, payload interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return errors.New("not connected")
	}
	if t.emitErr != nil {
		return t.emitErr
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	t.emits = append(t.emits, emitted{Event: event, Payload: b})
	return nil
}

func (t *fakeTransport) On(event string, h EventHandler) {
	t.mu.Lock()
	t.handlers[event] = h
	t.mu.Unlock()
}

func (t *fakeTransport) OnStateChange(h func(bool)) {
	t.mu.Lock()
	t.stateHandlers = append(t.stateHandlers, h)
	t.mu.Unlock()
}

func (t *fakeTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// deliver pushes a named inbound event, as the server would.
func (t *fakeTransport) deliver(event string, payload interface{}) bool {
	t.mu.Lock()
	h := t.handlers[event]
	t.mu.Unlock()
	if h == nil {
		return false
	}
	b, _ := json.Marshal(payload)
	h(b)
	return true
}

func (t *fakeTransport) emittedEvents(event string) []emitted {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []emitted
	for _, e := range t.emits {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

// fakeAPI is the scripted REST collaborator.
type fakeAPI struct {
	mu        sync.Mutex
	chats     []Chat
	pages     map[int64][]Message
	listErr   error
	pageErr   error
	markErr   error
	sendFn    func(chatID int64, content string, replyToID *int64) (*Message, error)
	updateFn  func(messageID int64, content string) (*Message, error)
	deleteErr error
	markReads []int64
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{pages: make(map[int64][]Message)}
}

func (a *fakeAPI) ListChats(ctx context.Context) ([]Chat, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listErr != nil {
		return nil, a.listErr
	}
	return append([]Chat(nil), a.chats...), nil
}

func (a *fakeAPI) GetMessages(ctx context.Context, chatID int64, opts *PageOptions) ([]Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pageErr != nil {
		return nil, a.pageErr
	}
	return append([]Message(nil), a.pages[chatID]...), nil
}

func (a *fakeAPI) CreateChat(ctx context.Context, participantIDs []int64, name string, isGroup bool) (*Chat, error) {
	return &Chat{ID: 500, Name: name, IsGroup: isGroup, CreatedAt: testBase}, nil
}

func (a *fakeAPI) CreateDirectChat(ctx context.Context, userID int64) (*Chat, error) {
	return &Chat{
		ID:           600,
		Participants: []Participant{{UserID: 1, Name: "Self"}, {UserID: userID, Name: "Peer"}},
		CreatedAt:    testBase,
	}, nil
}

func (a *fakeAPI) SendMessage(ctx context.Context, chatID int64, content string, replyToID *int64) (*Message, error) {
	a.mu.Lock()
	fn := a.sendFn
	a.mu.Unlock()
	if fn != nil {
		return fn(chatID, content, replyToID)
	}
	return nil, errors.New("send not scripted")
}

func (a *fakeAPI) UpdateMessage(ctx context.Context, messageID int64, content string) (*Message, error) {
	a.mu.Lock()
	fn := a.updateFn
	a.mu.Unlock()
	if fn != nil {
		return fn(messageID, content)
	}
	return nil, errors.New("update not scripted")
}

func (a *fakeAPI) DeleteMessage(ctx context.Context, messageID int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.deleteErr
}

func (a *fakeAPI) MarkRead(ctx context.Context, chatID int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.markReads = append(a.markReads, chatID)
	return a.markErr
}

func (a *fakeAPI) SearchUsers(ctx context.Context, query string) ([]ChatUser, error) {
	return []ChatUser{{ID: 2, Name: "Found"}}, nil
}

func (a *fakeAPI) markReadCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.markReads)
}

// ============================================================================
// Test Harness
// ============================================================================

const selfID = int64(1)

type harness struct {
	sync  *ChatSync
	api   *fakeAPI
	tr    *fakeTransport
	sched *fakeScheduler
	clock *fakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	api := newFakeAPI()
	tr := newFakeTransport()
	sched := newFakeScheduler()
	clock := newFakeClock()
	s := NewChatSync(api, tr, Session{UserID: selfID, Token: "tok"},
		WithScheduler(sched),
		WithClock(clock.Now),
	)
	s.Start(context.Background())
	t.Cleanup(s.Close)
	return &harness{sync: s, api: api, tr: tr, sched: sched, clock: clock}
}

func wirePayload(m Message) map[string]interface{} {
	p := map[string]interface{}{
		"id":        m.ID,
		"chatId":    m.ChatID,
		"senderId":  m.SenderID,
		"content":   m.Content,
		"createdAt": m.CreatedAt.Format(time.RFC3339Nano),
	}
	if m.ReplyToID != nil {
		p["replyToId"] = *m.ReplyToID
	}
	return p
}

func testChat(id int64) Chat {
	return Chat{
		ID:        id,
		IsGroup:   false,
		CreatedAt: testBase.Add(-time.Hour),
		Participants: []Participant{
			{UserID: selfID, Name: "Self"},
			{UserID: 99, Name: "Peer"},
		},
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ============================================================================
// Send + Reconciliation
// ============================================================================

func TestSendReconciliation(t *testing.T) {
	h := newHarness(t)
	if err := h.sync.Open(context.Background(), testChat(10)); err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := h.sync.Send(context.Background(), "hi", nil); err != nil {
		t.Fatalf("send: %v", err)
	}

	msgs := h.sync.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message after optimistic send, got %d", len(msgs))
	}
	if msgs[0].Content != "hi" || !msgs[0].Pending {
		t.Fatalf("expected pending 'hi', got %+v", msgs[0])
	}
	if !isProvisionalID(msgs[0].ID) {
		t.Fatalf("expected provisional id, got %d", msgs[0].ID)
	}

	// Server confirms the send with the authoritative id.
	h.tr.deliver(EventMessageSent, wirePayload(Message{
		ID: 42, ChatID: 10, SenderID: selfID, Content: "hi", CreatedAt: h.clock.Now(),
	}))

	msgs = h.sync.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected exactly 1 message after confirmation, got %d", len(msgs))
	}
	if msgs[0].ID != 42 || msgs[0].Pending {
		t.Fatalf("expected confirmed id 42, got %+v", msgs[0])
	}
	if h.sched.armed(timerPendingMessage, timerID(42)) {
		t.Fatal("no pending timer should reference the confirmed id")
	}
}

func TestSendConfirmationViaBroadcast(t *testing.T) {
	h := newHarness(t)
	h.sync.Open(context.Background(), testChat(10))
	h.sync.Send(context.Background(), "ping", nil)

	// The room broadcast can arrive instead of (or before) the direct
	// confirmation; both reconcile the same way.
	h.tr.deliver(EventNewMessage, wirePayload(Message{
		ID: 7, ChatID: 10, SenderID: selfID, Content: "ping", CreatedAt: h.clock.Now(),
	}))
	h.tr.deliver(EventMessageSent, wirePayload(Message{
		ID: 7, ChatID: 10, SenderID: selfID, Content: "ping", CreatedAt: h.clock.Now(),
	}))

	msgs := h.sync.Messages()
	if len(msgs) != 1 || msgs[0].ID != 7 {
		t.Fatalf("expected single confirmed message id 7, got %+v", msgs)
	}
}

func TestPendingExpiry(t *testing.T) {
	h := newHarness(t)
	h.sync.Open(context.Background(), testChat(10))
	h.sync.Send(context.Background(), "lost", nil)

	if got := len(h.sync.Messages()); got != 1 {
		t.Fatalf("expected 1 pending message, got %d", got)
	}

	h.sched.Advance(pendingMessageTimeout)

	if got := len(h.sync.Messages()); got != 0 {
		t.Fatalf("expected pending message dropped after timeout, got %d", got)
	}

	// A confirmation after expiry must not resurrect the provisional entry;
	// the server message is simply appended as authoritative state.
	h.tr.deliver(EventMessageSent, wirePayload(Message{
		ID: 43, ChatID: 10, SenderID: selfID, Content: "lost", CreatedAt: h.clock.Now(),
	}))
	msgs := h.sync.Messages()
	if len(msgs) != 1 || msgs[0].ID != 43 || msgs[0].Pending {
		t.Fatalf("expected late confirmation stored as new, got %+v", msgs)
	}
}

func TestSendFallbackWhenDisconnected(t *testing.T) {
	h := newHarness(t)
	h.sync.Open(context.Background(), testChat(10))
	h.tr.lose()

	h.api.mu.Lock()
	h.api.sendFn = func(chatID int64, content string, replyToID *int64) (*Message, error) {
		return &Message{ID: 55, ChatID: chatID, SenderID: selfID, Content: content, CreatedAt: testBase}, nil
	}
	h.api.mu.Unlock()

	if err := h.sync.Send(context.Background(), "direct", nil); err != nil {
		t.Fatalf("fallback send: %v", err)
	}
	msgs := h.sync.Messages()
	if len(msgs) != 1 || msgs[0].ID != 55 || msgs[0].Pending {
		t.Fatalf("expected provisional replaced in place by id 55, got %+v", msgs)
	}
}

func TestSendFallbackFailureRemovesProvisional(t *testing.T) {
	h := newHarness(t)
	h.sync.Open(context.Background(), testChat(10))
	h.tr.lose()

	h.api.mu.Lock()
	h.api.sendFn = func(chatID int64, content string, replyToID *int64) (*Message, error) {
		return nil, errors.New("backend down")
	}
	h.api.mu.Unlock()

	if err := h.sync.Send(context.Background(), "doomed", nil); err == nil {
		t.Fatal("expected fallback send error")
	}
	if got := len(h.sync.Messages()); got != 0 {
		t.Fatalf("expected provisional removed on failure, got %d entries", got)
	}
	if h.sync.Err() == "" {
		t.Fatal("expected user-visible error after fallback failure")
	}
}

// The transport can come back between issuing the fallback call and its
// response; the broadcast then races the response for the same send. Both
// paths must converge to one stored message.
func TestFallbackBroadcastRace(t *testing.T) {
	h := newHarness(t)
	h.sync.Open(context.Background(), testChat(10))
	h.tr.lose()

	release := make(chan struct{})
	h.api.mu.Lock()
	h.api.sendFn = func(chatID int64, content string, replyToID *int64) (*Message, error) {
		<-release
		return &Message{ID: 100, ChatID: chatID, SenderID: selfID, Content: content, CreatedAt: testBase}, nil
	}
	h.api.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- h.sync.Send(context.Background(), "race", nil) }()

	waitFor(t, "optimistic append", func() bool { return len(h.sync.Messages()) == 1 })

	// Reconnect mid-flight; the broadcast for the same send lands first.
	h.tr.restore()
	h.tr.deliver(EventNewMessage, wirePayload(Message{
		ID: 100, ChatID: 10, SenderID: selfID, Content: "race", CreatedAt: testBase,
	}))

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("send: %v", err)
	}

	msgs := h.sync.Messages()
	if len(msgs) != 1 || msgs[0].ID != 100 {
		t.Fatalf("expected exactly one message id 100 after race, got %+v", msgs)
	}
}

func TestSendWithoutOpenChatIsNoop(t *testing.T) {
	h := newHarness(t)
	if err := h.sync.Send(context.Background(), "nowhere", nil); err != nil {
		t.Fatalf("expected silent no-op, got %v", err)
	}
	if got := len(h.sync.Messages()); got != 0 {
		t.Fatalf("expected no messages, got %d", got)
	}
}

// ============================================================================
// Unread Accounting
// ============================================================================

func TestUnreadAccounting(t *testing.T) {
	h := newHarness(t)
	h.api.mu.Lock()
	h.api.chats = []Chat{testChat(1), testChat(2)}
	h.api.mu.Unlock()
	if err := h.sync.LoadChats(context.Background()); err != nil {
		t.Fatalf("load chats: %v", err)
	}

	inbound := Message{ID: 9, ChatID: 2, SenderID: 99, Content: "hey", CreatedAt: h.clock.Now()}
	h.tr.deliver(EventNewMessage, wirePayload(inbound))

	chats := h.sync.Chats()
	var c2 *Chat
	for i := range chats {
		if chats[i].ID == 2 {
			c2 = &chats[i]
		}
	}
	if c2 == nil {
		t.Fatal("chat 2 missing")
	}
	if c2.UnreadCount != 1 {
		t.Fatalf("expected unread 1, got %d", c2.UnreadCount)
	}
	if c2.LastMessage == nil || c2.LastMessage.ID != 9 {
		t.Fatalf("expected lastMessage id 9, got %+v", c2.LastMessage)
	}
	if chats[0].ID != 2 {
		t.Fatalf("expected chat 2 first by last activity, got %d", chats[0].ID)
	}

	// A second inbound message increments by exactly one more.
	h.tr.deliver(EventNewMessage, wirePayload(Message{
		ID: 10, ChatID: 2, SenderID: 99, Content: "again", CreatedAt: h.clock.Now(),
	}))

	// Opening resets to exactly zero.
	if err := h.sync.Open(context.Background(), testChat(2)); err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, c := range h.sync.Chats() {
		if c.ID == 2 && c.UnreadCount != 0 {
			t.Fatalf("expected unread reset to 0, got %d", c.UnreadCount)
		}
	}
	waitFor(t, "mark read call", func() bool { return h.api.markReadCount() > 0 })
}

func TestOwnMessageNeverIncrementsUnread(t *testing.T) {
	h := newHarness(t)
	h.api.mu.Lock()
	h.api.chats = []Chat{testChat(1)}
	h.api.mu.Unlock()
	h.sync.LoadChats(context.Background())

	h.tr.deliver(EventNewMessage, wirePayload(Message{
		ID: 11, ChatID: 1, SenderID: selfID, Content: "mine", CreatedAt: h.clock.Now(),
	}))

	for _, c := range h.sync.Chats() {
		if c.ID == 1 {
			if c.UnreadCount != 0 {
				t.Fatalf("own message must not count as unread, got %d", c.UnreadCount)
			}
			if c.LastMessage == nil || c.LastMessage.ID != 11 {
				t.Fatalf("lastMessage should still update, got %+v", c.LastMessage)
			}
		}
	}
}

func TestInboundForOpenChatNoUnread(t *testing.T) {
	h := newHarness(t)
	h.api.mu.Lock()
	h.api.chats = []Chat{testChat(3)}
	h.api.mu.Unlock()
	h.sync.LoadChats(context.Background())
	h.sync.Open(context.Background(), testChat(3))

	h.tr.deliver(EventNewMessage, wirePayload(Message{
		ID: 12, ChatID: 3, SenderID: 99, Content: "visible", CreatedAt: h.clock.Now(),
	}))

	msgs := h.sync.Messages()
	if len(msgs) != 1 || msgs[0].ID != 12 {
		t.Fatalf("expected inbound message in open chat, got %+v", msgs)
	}
	for _, c := range h.sync.Chats() {
		if c.ID == 3 && c.UnreadCount != 0 {
			t.Fatalf("open chat must not accumulate unread, got %d", c.UnreadCount)
		}
	}
}

// ============================================================================
// Open
// ============================================================================

func TestOpenInstallsSortedPage(t *testing.T) {
	h := newHarness(t)
	h.api.mu.Lock()
	h.api.pages[10] = []Message{
		{ID: 3, ChatID: 10, SenderID: 99, Content: "c", CreatedAt: testBase.Add(3 * time.Minute)},
		{ID: 1, ChatID: 10, SenderID: 99, Content: "a", CreatedAt: testBase.Add(1 * time.Minute)},
		{ID: 2, ChatID: 10, SenderID: selfID, Content: "b", CreatedAt: testBase.Add(2 * time.Minute)},
		{ID: 1, ChatID: 10, SenderID: 99, Content: "a", CreatedAt: testBase.Add(1 * time.Minute)},
	}
	h.api.mu.Unlock()

	if err := h.sync.Open(context.Background(), testChat(10)); err != nil {
		t.Fatalf("open: %v", err)
	}

	msgs := h.sync.Messages()
	if len(msgs) != 3 {
		t.Fatalf("expected 3 unique messages, got %d", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Fatalf("messages out of order at %d: %+v", i, msgs)
		}
	}
	if h.sync.Loading() {
		t.Fatal("loading flag should clear after open resolves")
	}
}

func TestOpenSwitchClearsStateAndSignalsRooms(t *testing.T) {
	h := newHarness(t)
	h.sync.Open(context.Background(), testChat(10))
	h.tr.deliver(EventTyping, wireTyping{ChatID: 10, UserID: 99, IsTyping: true})
	h.sync.Send(context.Background(), "stale", nil)

	h.sync.Open(context.Background(), testChat(20))

	if got := len(h.sync.Messages()); got != 0 {
		t.Fatalf("expected message set cleared on switch, got %d", got)
	}
	if got := len(h.sync.TypingUsers()); got != 0 {
		t.Fatalf("expected typing set cleared on switch, got %d", got)
	}

	joins := h.tr.emittedEvents(EventJoinChat)
	if len(joins) != 2 {
		t.Fatalf("expected join-chat per open, got %d", len(joins))
	}
	leaves := h.tr.emittedEvents(EventLeaveChat)
	if len(leaves) != 1 {
		t.Fatalf("expected leave-chat for previous chat, got %d", len(leaves))
	}
	var ref wireChatRef
	json.Unmarshal(leaves[0].Payload, &ref)
	if ref.ChatID != 10 {
		t.Fatalf("expected leave-chat for chat 10, got %d", ref.ChatID)
	}
}

func TestOpenFetchFailureKeepsErrorVisible(t *testing.T) {
	h := newHarness(t)
	h.api.mu.Lock()
	h.api.pageErr = errors.New("fetch failed")
	h.api.mu.Unlock()

	if err := h.sync.Open(context.Background(), testChat(10)); err == nil {
		t.Fatal("expected open error")
	}
	if h.sync.Err() == "" {
		t.Fatal("expected user-visible error")
	}
	if h.sync.Loading() {
		t.Fatal("loading flag should clear on failure")
	}
}

func TestMarkReadFailureDoesNotRollBackUnread(t *testing.T) {
	h := newHarness(t)
	h.api.mu.Lock()
	h.api.chats = []Chat{testChat(4)}
	h.api.markErr = errors.New("read receipt rejected")
	h.api.mu.Unlock()
	h.sync.LoadChats(context.Background())

	h.tr.deliver(EventNewMessage, wirePayload(Message{
		ID: 14, ChatID: 4, SenderID: 99, Content: "x", CreatedAt: h.clock.Now(),
	}))
	h.sync.Open(context.Background(), testChat(4))
	waitFor(t, "mark read attempt", func() bool { return h.api.markReadCount() > 0 })

	for _, c := range h.sync.Chats() {
		if c.ID == 4 && c.UnreadCount != 0 {
			t.Fatalf("unread stays zeroed despite mark-read failure, got %d", c.UnreadCount)
		}
	}
}

// ============================================================================
// Typing
// ============================================================================

func TestTypingExpiry(t *testing.T) {
	h := newHarness(t)
	h.sync.Open(context.Background(), testChat(10))

	h.tr.deliver(EventTyping, wireTyping{ChatID: 10, UserID: 99, IsTyping: true})
	if got := h.sync.TypingUsers(); len(got) != 1 || got[0] != 99 {
		t.Fatalf("expected user 99 typing, got %v", got)
	}

	h.sched.Advance(typingTTL)
	if got := h.sync.TypingUsers(); len(got) != 0 {
		t.Fatalf("expected typing entry expired, got %v", got)
	}
}

func TestTypingReArm(t *testing.T) {
	h := newHarness(t)
	h.sync.Open(context.Background(), testChat(10))

	h.tr.deliver(EventTyping, wireTyping{ChatID: 10, UserID: 99, IsTyping: true})
	h.sched.Advance(2 * time.Second)
	h.tr.deliver(EventTyping, wireTyping{ChatID: 10, UserID: 99, IsTyping: true})
	h.sched.Advance(2 * time.Second)

	if got := h.sync.TypingUsers(); len(got) != 1 {
		t.Fatalf("fresh signal must re-arm the TTL, got %v", got)
	}

	h.sched.Advance(time.Second)
	if got := h.sync.TypingUsers(); len(got) != 0 {
		t.Fatalf("expected expiry after re-armed TTL, got %v", got)
	}
}

func TestTypingStopRemovesImmediately(t *testing.T) {
	h := newHarness(t)
	h.sync.Open(context.Background(), testChat(10))

	h.tr.deliver(EventTyping, wireTyping{ChatID: 10, UserID: 99, IsTyping: true})
	h.tr.deliver(EventTyping, wireTyping{ChatID: 10, UserID: 98, IsTyping: true})
	if got := h.sync.TypingUsers(); len(got) != 2 {
		t.Fatalf("expected two concurrent typers, got %v", got)
	}

	h.tr.deliver(EventTyping, wireTyping{ChatID: 10, UserID: 99, IsTyping: false})
	got := h.sync.TypingUsers()
	if len(got) != 1 || got[0] != 98 {
		t.Fatalf("expected only user 98 left typing, got %v", got)
	}
}

func TestTypingIgnoresSelfAndOtherChats(t *testing.T) {
	h := newHarness(t)
	h.sync.Open(context.Background(), testChat(10))

	h.tr.deliver(EventTyping, wireTyping{ChatID: 10, UserID: selfID, IsTyping: true})
	h.tr.deliver(EventTyping, wireTyping{ChatID: 77, UserID: 99, IsTyping: true})

	if got := h.sync.TypingUsers(); len(got) != 0 {
		t.Fatalf("expected no typing entries, got %v", got)
	}
}

func TestSetTypingRequiresOpenChatAndConnection(t *testing.T) {
	h := newHarness(t)
	h.sync.SetTyping(true)
	if got := h.tr.emittedEvents(EventTyping); len(got) != 0 {
		t.Fatalf("expected no typing emit without open chat, got %d", len(got))
	}

	h.sync.Open(context.Background(), testChat(10))
	h.sync.SetTyping(true)
	if got := h.tr.emittedEvents(EventTyping); len(got) != 1 {
		t.Fatalf("expected one typing emit, got %d", len(got))
	}

	h.tr.lose()
	h.sync.SetTyping(false)
	if got := h.tr.emittedEvents(EventTyping); len(got) != 1 {
		t.Fatalf("expected no typing emit while disconnected, got %d", len(got))
	}
}

// ============================================================================
// Reconnect
// ============================================================================

func TestReconnectResubscribesAndRejoins(t *testing.T) {
	h := newHarness(t)
	h.tr.mu.Lock()
	h.tr.dropHandlers = true
	h.tr.mu.Unlock()

	h.sync.Open(context.Background(), testChat(10))

	h.tr.lose()
	waitFor(t, "disconnect observed", func() bool { return !h.sync.Connected() })

	h.tr.restore()
	waitFor(t, "reconnect observed", func() bool { return h.sync.Connected() })

	// Handlers were dropped with the old connection; the controller must have
	// re-registered them on the new instance.
	if !h.tr.deliver(EventNewMessage, wirePayload(Message{
		ID: 21, ChatID: 10, SenderID: 99, Content: "after", CreatedAt: h.clock.Now(),
	})) {
		t.Fatal("new-message handler missing after reconnect")
	}
	waitFor(t, "message routed", func() bool { return len(h.sync.Messages()) == 1 })

	joins := h.tr.emittedEvents(EventJoinChat)
	if len(joins) < 2 {
		t.Fatalf("expected re-join of open chat after reconnect, got %d joins", len(joins))
	}
	var ref wireChatRef
	json.Unmarshal(joins[len(joins)-1].Payload, &ref)
	if ref.ChatID != 10 {
		t.Fatalf("expected re-join for chat 10, got %d", ref.ChatID)
	}
}

// ============================================================================
// Edit / Delete / Chat list
// ============================================================================

func TestEditReplacesByID(t *testing.T) {
	h := newHarness(t)
	h.api.mu.Lock()
	h.api.pages[10] = []Message{
		{ID: 1, ChatID: 10, SenderID: selfID, Content: "old", CreatedAt: testBase},
	}
	h.api.updateFn = func(messageID int64, content string) (*Message, error) {
		return &Message{ID: messageID, ChatID: 10, SenderID: selfID, Content: content,
			CreatedAt: testBase, IsEdited: true}, nil
	}
	h.api.mu.Unlock()
	h.sync.Open(context.Background(), testChat(10))

	if err := h.sync.Edit(context.Background(), 1, "new"); err != nil {
		t.Fatalf("edit: %v", err)
	}
	msgs := h.sync.Messages()
	if len(msgs) != 1 || msgs[0].Content != "new" || !msgs[0].IsEdited {
		t.Fatalf("expected edited message, got %+v", msgs)
	}
}

func TestDeleteRemovesByID(t *testing.T) {
	h := newHarness(t)
	h.api.mu.Lock()
	h.api.pages[10] = []Message{
		{ID: 1, ChatID: 10, SenderID: selfID, Content: "bye", CreatedAt: testBase},
	}
	h.api.mu.Unlock()
	h.sync.Open(context.Background(), testChat(10))

	if err := h.sync.Delete(context.Background(), 1); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got := len(h.sync.Messages()); got != 0 {
		t.Fatalf("expected message removed, got %d", got)
	}
}

func TestNewChatTriggersReload(t *testing.T) {
	h := newHarness(t)
	h.api.mu.Lock()
	h.api.chats = []Chat{testChat(1), testChat(2), testChat(3)}
	h.api.mu.Unlock()

	h.tr.deliver(EventNewChat, wireChatRef{ChatID: 3})
	waitFor(t, "chat list reload", func() bool { return len(h.sync.Chats()) == 3 })
}

func TestCreateChatPrependsToList(t *testing.T) {
	h := newHarness(t)
	chat, err := h.sync.CreateChat(context.Background(), []int64{selfID, 99}, "Staff", true)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	chats := h.sync.Chats()
	if len(chats) != 1 || chats[0].ID != chat.ID {
		t.Fatalf("expected created chat in list, got %+v", chats)
	}
}

func TestOpenOrCreateDirectOpens(t *testing.T) {
	h := newHarness(t)
	chat, err := h.sync.OpenOrCreateDirect(context.Background(), 99)
	if err != nil {
		t.Fatalf("open direct: %v", err)
	}
	cur := h.sync.CurrentChat()
	if cur == nil || cur.ID != chat.ID {
		t.Fatalf("expected direct chat opened, got %+v", cur)
	}
	if name := cur.DisplayName(selfID); name != "Peer" {
		t.Fatalf("expected direct chat named after peer, got %q", name)
	}
}

// ============================================================================
// Defensive handling
// ============================================================================

func TestMalformedPayloadsIgnored(t *testing.T) {
	h := newHarness(t)
	h.sync.Open(context.Background(), testChat(10))

	h.tr.deliver(EventNewMessage, map[string]interface{}{"id": 0})
	h.tr.deliver(EventNewMessage, "not an object")
	h.tr.deliver(EventTyping, map[string]interface{}{"chatId": "NaN"})
	h.tr.deliver(EventMessageSent, map[string]interface{}{
		"id": 5, "chatId": 10, "senderId": 99, "content": "x", "createdAt": "yesterday",
	})

	if got := len(h.sync.Messages()); got != 0 {
		t.Fatalf("malformed payloads must not mutate state, got %d messages", got)
	}
}

func TestStartWithoutSessionIsNoop(t *testing.T) {
	tr := newFakeTransport()
	s := NewChatSync(newFakeAPI(), tr, Session{}, WithScheduler(newFakeScheduler()))
	s.Start(context.Background())
	if tr.Connected() {
		t.Fatal("expected no connection without a session")
	}
}
