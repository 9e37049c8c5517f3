package model

import (
	"sort"
	"strings"
	"time"
)

// Participant is the public identity of a chat user.
type Participant struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// ChatMessage is a persisted direct message between two users.
type ChatMessage struct {
	ID             int64       `json:"id,string"`
	ConversationID string      `json:"conversationId"`
	Sender         Participant `json:"sender"`
	Receiver       Participant `json:"receiver"`
	Body           string      `json:"message"`
	Read           bool        `json:"read"`
	CreatedAt      time.Time   `json:"createdAt"`
	// Timestamp mirrors CreatedAt for clients that read the older field name.
	Timestamp time.Time `json:"timestamp"`
}

// LastMessage is the compact form of a message used in conversation lists.
type LastMessage struct {
	ID         int64     `json:"id,string"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	Read       bool      `json:"read"`
}

// ConversationSummary is derived on demand: the newest message of a
// conversation plus the viewer's unread count.
type ConversationSummary struct {
	ConversationID   string      `json:"conversationId"`
	LastMessage      LastMessage `json:"lastMessage"`
	OtherParticipant Participant `json:"otherParticipant"`
	UnreadCount      int         `json:"unreadCount"`
}

// HistoryPage is one page of a conversation, oldest message first.
type HistoryPage struct {
	Messages      []ChatMessage `json:"messages"`
	CurrentPage   int           `json:"currentPage"`
	TotalPages    int           `json:"totalPages"`
	TotalMessages int           `json:"totalMessages"`
}

// User is the user-store record the relay resolves identities against.
type User struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	PasswordHash string `json:"-"`
	Role         string `json:"role,omitempty"`
}

// Participant returns the public part of u.
func (u *User) Participant() Participant {
	return Participant{ID: u.ID, Username: u.Username}
}

// ConversationID returns the key shared by both directions of a pair.
func ConversationID(userID1, userID2 string) string {
	ids := []string{userID1, userID2}
	sort.Strings(ids)
	return strings.Join(ids, "_")
}

// Summarize builds the compact list form of m.
func (m *ChatMessage) Summarize() LastMessage {
	return LastMessage{
		ID:         m.ID,
		Text:       m.Body,
		Timestamp:  m.CreatedAt,
		SenderID:   m.Sender.ID,
		ReceiverID: m.Receiver.ID,
		Read:       m.Read,
	}
}

// Peer returns the participant of m that is not userID.
func (m *ChatMessage) Peer(userID string) Participant {
	if m.Sender.ID == userID {
		return m.Receiver
	}
	return m.Sender
}
