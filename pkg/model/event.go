package model

import "encoding/json"

type EventType string

const (
	EventActiveUserList EventType = "activeUserList"
	EventInfo           EventType = "info"
	EventUserJoined     EventType = "userJoined"
	EventUserLeft       EventType = "userLeft"
	EventNewMessage     EventType = "newMessage"
	EventError          EventType = "error"
)

// Event is the envelope of every server-to-client frame.
type Event struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// UserLeft is the payload of a userLeft event.
type UserLeft struct {
	UserID string `json:"userId"`
}

// SendRequest is the only frame shape clients may send.
type SendRequest struct {
	ReceiverID string `json:"receiverId"`
	Text       string `json:"text"`
}

// Encode marshals an event envelope.
func Encode(t EventType, payload any) ([]byte, error) {
	return json.Marshal(Event{Type: t, Payload: payload})
}
