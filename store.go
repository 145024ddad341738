package abaichat

import (
	"sort"
	"strconv"
)

// Server message ids are database integers; provisional ids are drawn from
// the Unix-millisecond clock, which sits far above any plausible row id. The
// two spaces therefore never collide and a message's origin is decidable from
// its id alone.
const provisionalIDFloor = int64(1_000_000_000_000)

func isProvisionalID(id int64) bool {
	return id >= provisionalIDFloor
}

func timerID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// ============================================================================
// Message Log
// ============================================================================

// messageLog is the ordered, unique-by-id message set for the currently open
// chat. It is owned by the sync controller's event loop and is not safe for
// concurrent use on its own.
type messageLog struct {
	list []Message
}

func newMessageLog() *messageLog {
	return &messageLog{}
}

func (l *messageLog) clear() {
	l.list = nil
}

func (l *messageLog) len() int {
	return len(l.list)
}

// replaceAll installs a fetched page: ascending by creation time, ties broken
// by id, duplicates dropped.
func (l *messageLog) replaceAll(msgs []Message) {
	sorted := append([]Message(nil), msgs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].ID < sorted[j].ID
		}
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})
	seen := make(map[int64]struct{}, len(sorted))
	l.list = l.list[:0]
	for _, m := range sorted {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		l.list = append(l.list, m)
	}
}

func (l *messageLog) has(id int64) bool {
	return l.indexOf(id) >= 0
}

func (l *messageLog) indexOf(id int64) int {
	for i := range l.list {
		if l.list[i].ID == id {
			return i
		}
	}
	return -1
}

func (l *messageLog) append(m Message) {
	l.list = append(l.list, m)
}

// reconcile folds a server-confirmed message into the log. If the confirmed
// id is already present nothing changes. Otherwise the first provisional
// entry with the same sender, chat and content is replaced in place;
// with no structural match the message is appended as new.
//
// Returns the provisional id that was collapsed, or 0.
func (l *messageLog) reconcile(confirmed Message) (matchedProvisional int64) {
	if l.has(confirmed.ID) {
		return 0
	}
	for i := range l.list {
		m := &l.list[i]
		if isProvisionalID(m.ID) &&
			m.SenderID == confirmed.SenderID &&
			m.ChatID == confirmed.ChatID &&
			m.Content == confirmed.Content {
			provisional := m.ID
			l.list[i] = confirmed
			return provisional
		}
	}
	l.list = append(l.list, confirmed)
	return 0
}

// replaceByID swaps the entry with the given id, keeping its position.
func (l *messageLog) replaceByID(id int64, m Message) bool {
	if i := l.indexOf(id); i >= 0 {
		l.list[i] = m
		return true
	}
	return false
}

func (l *messageLog) removeByID(id int64) bool {
	if i := l.indexOf(id); i >= 0 {
		l.list = append(l.list[:i], l.list[i+1:]...)
		return true
	}
	return false
}

// removeIfPending drops the entry only while it is still awaiting
// confirmation. A reconciled entry stays.
func (l *messageLog) removeIfPending(id int64) bool {
	if i := l.indexOf(id); i >= 0 && l.list[i].Pending {
		l.list = append(l.list[:i], l.list[i+1:]...)
		return true
	}
	return false
}

func (l *messageLog) snapshot() []Message {
	return append([]Message(nil), l.list...)
}

// ============================================================================
// Chat List
// ============================================================================

// chatList is the conversation collection keyed by id. Display order is
// derived at read time, not stored.
type chatList struct {
	byID map[int64]*Chat
}

func newChatList() *chatList {
	return &chatList{byID: make(map[int64]*Chat)}
}

func (cl *chatList) replaceAll(chats []Chat) {
	cl.byID = make(map[int64]*Chat, len(chats))
	for i := range chats {
		c := chats[i]
		cl.byID[c.ID] = &c
	}
}

func (cl *chatList) get(id int64) *Chat {
	return cl.byID[id]
}

func (cl *chatList) add(c Chat) {
	if _, exists := cl.byID[c.ID]; exists {
		return
	}
	cl.byID[c.ID] = &c
}

func (cl *chatList) setLastMessage(chatID int64, m Message) {
	if c := cl.byID[chatID]; c != nil {
		msg := m
		c.LastMessage = &msg
	}
}

func (cl *chatList) incrementUnread(chatID int64) {
	if c := cl.byID[chatID]; c != nil {
		c.UnreadCount++
	}
}

func (cl *chatList) clearUnread(chatID int64) {
	if c := cl.byID[chatID]; c != nil {
		c.UnreadCount = 0
	}
}

// snapshot returns the chats ordered by last activity, most recent first.
func (cl *chatList) snapshot() []Chat {
	out := make([]Chat, 0, len(cl.byID))
	for _, c := range cl.byID {
		chat := *c
		if c.LastMessage != nil {
			msg := *c.LastMessage
			chat.LastMessage = &msg
		}
		chat.Participants = append([]Participant(nil), c.Participants...)
		out = append(out, chat)
	}
	sort.SliceStable(out, func(i, j int) bool {
		ti, tj := out[i].LastActivity(), out[j].LastActivity()
		if ti.Equal(tj) {
			return out[i].ID > out[j].ID
		}
		return ti.After(tj)
	})
	return out
}
