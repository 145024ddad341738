package abaichat

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents a backend error response.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Session identifies the locally authenticated user.
type Session struct {
	UserID int64
	Token  string
}

// Valid reports whether the session carries both an identity and a credential.
func (s Session) Valid() bool {
	return s.UserID != 0 && s.Token != ""
}

// ============================================================================
// Domain Types
// ============================================================================

// Participant is a chat member as resolved by the backend.
type Participant struct {
	UserID int64  `json:"userId"`
	Name   string `json:"name"`
}

// Message is a normalized chat message. Provisional (not yet confirmed)
// messages carry an id from the local clock-based id space and Pending=true.
type Message struct {
	ID        int64     `json:"id"`
	ChatID    int64     `json:"chatId"`
	SenderID  int64     `json:"senderId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
	IsEdited  bool      `json:"isEdited,omitempty"`
	IsRead    bool      `json:"isRead,omitempty"`
	ReplyToID *int64    `json:"replyToId,omitempty"`
	Pending   bool      `json:"-"`
}

// Chat is a conversation with its list-view bookkeeping.
type Chat struct {
	ID           int64         `json:"id"`
	Name         string        `json:"name,omitempty"`
	IsGroup      bool          `json:"isGroup"`
	Participants []Participant `json:"participants,omitempty"`
	LastMessage  *Message      `json:"lastMessage,omitempty"`
	UnreadCount  int           `json:"unreadCount"`
	CreatedAt    time.Time     `json:"createdAt"`
}

// DisplayName resolves the name shown for the chat: the stored title when one
// exists, otherwise the other participant's identity for direct chats.
func (c *Chat) DisplayName(selfID int64) string {
	if c.Name != "" {
		return c.Name
	}
	if !c.IsGroup {
		for _, p := range c.Participants {
			if p.UserID != selfID {
				return p.Name
			}
		}
	}
	return fmt.Sprintf("Chat %d", c.ID)
}

// LastActivity is the timestamp the conversation list is ordered by.
func (c *Chat) LastActivity() time.Time {
	if c.LastMessage != nil {
		return c.LastMessage.CreatedAt
	}
	return c.CreatedAt
}

// ChatUser is a user record returned by search.
type ChatUser struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

// ============================================================================
// Wire Types
// ============================================================================

// The backend serializes timestamps as RFC 3339 strings and may omit or
// mistype optional fields. Wire shapes are closed schemas normalized into the
// domain types above before they reach any store, so internal logic never
// handles loose data. A payload that fails normalization is dropped by the
// caller rather than crashing the controller.

type wireMessage struct {
	ID        int64  `json:"id"`
	ChatID    int64  `json:"chatId"`
	SenderID  int64  `json:"senderId"`
	Content   string `json:"content"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt,omitempty"`
	IsEdited  bool   `json:"isEdited,omitempty"`
	IsRead    bool   `json:"isRead,omitempty"`
	ReplyToID *int64 `json:"replyToId,omitempty"`
}

func (w *wireMessage) normalize() (Message, error) {
	if w.ID == 0 || w.ChatID == 0 {
		return Message{}, fmt.Errorf("message missing id or chatId")
	}
	created, err := parseWireTime(w.CreatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("message %d: %w", w.ID, err)
	}
	updated, _ := parseWireTime(w.UpdatedAt)
	return Message{
		ID:        w.ID,
		ChatID:    w.ChatID,
		SenderID:  w.SenderID,
		Content:   w.Content,
		CreatedAt: created,
		UpdatedAt: updated,
		IsEdited:  w.IsEdited,
		IsRead:    w.IsRead,
		ReplyToID: w.ReplyToID,
	}, nil
}

type wireParticipant struct {
	UserID int64  `json:"userId"`
	Name   string `json:"name"`
}

type wireChat struct {
	ID           int64             `json:"id"`
	Name         string            `json:"name,omitempty"`
	IsGroup      bool              `json:"isGroup"`
	Participants []wireParticipant `json:"participants,omitempty"`
	LastMessage  *wireMessage      `json:"lastMessage,omitempty"`
	UnreadCount  int               `json:"unreadCount,omitempty"`
	CreatedAt    string            `json:"createdAt"`
}

func (w *wireChat) normalize() (Chat, error) {
	if w.ID == 0 {
		return Chat{}, fmt.Errorf("chat missing id")
	}
	created, err := parseWireTime(w.CreatedAt)
	if err != nil {
		return Chat{}, fmt.Errorf("chat %d: %w", w.ID, err)
	}
	c := Chat{
		ID:          w.ID,
		Name:        w.Name,
		IsGroup:     w.IsGroup,
		UnreadCount: w.UnreadCount,
		CreatedAt:   created,
	}
	if c.UnreadCount < 0 {
		c.UnreadCount = 0
	}
	for _, p := range w.Participants {
		c.Participants = append(c.Participants, Participant{UserID: p.UserID, Name: p.Name})
	}
	if w.LastMessage != nil {
		if m, err := w.LastMessage.normalize(); err == nil {
			c.LastMessage = &m
		}
	}
	return c, nil
}

type wireTyping struct {
	ChatID   int64 `json:"chatId"`
	UserID   int64 `json:"userId"`
	IsTyping bool  `json:"isTyping"`
}

type wireChatRef struct {
	ChatID int64 `json:"chatId"`
}

func parseWireTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q", s)
	}
	return t, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}
