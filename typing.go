package abaichat

import (
	"fmt"
	"sort"
)

// typingSet tracks which users are currently typing, keyed by
// (chatID, userID). Entries are a liveness signal only: the controller arms a
// TTL timer per entry through the expiry registry, and an entry vanishes on
// an explicit stop signal or when its timer fires, whichever comes first.
type typingKey struct {
	ChatID int64
	UserID int64
}

func (k typingKey) timerID() string {
	return fmt.Sprintf("%d:%d", k.ChatID, k.UserID)
}

type typingSet struct {
	entries map[typingKey]struct{}
}

func newTypingSet() *typingSet {
	return &typingSet{entries: make(map[typingKey]struct{})}
}

func (t *typingSet) set(chatID, userID int64) {
	t.entries[typingKey{ChatID: chatID, UserID: userID}] = struct{}{}
}

func (t *typingSet) remove(chatID, userID int64) {
	delete(t.entries, typingKey{ChatID: chatID, UserID: userID})
}

func (t *typingSet) clear() {
	t.entries = make(map[typingKey]struct{})
}

// users returns the ids of users typing in the chat, ascending.
func (t *typingSet) users(chatID int64) []int64 {
	var out []int64
	for k := range t.entries {
		if k.ChatID == chatID {
			out = append(out, k.UserID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
