// Package store defines the persistence contracts of the chat relay.
package store

import (
	"context"
	"errors"
	"strings"

	"github.com/mahaj/clinic-chat/pkg/model"
)

var (
	ErrNotFound       = errors.New("store: not found")
	ErrForbidden      = errors.New("store: forbidden")
	ErrInvalidMessage = errors.New("store: invalid message")
)

const (
	DefaultPage     = 1
	DefaultPageSize = 20

	// MaxPageSize bounds one history read; larger limits are clamped.
	MaxPageSize = 100
)

// MessageStore is the conversation log.
type MessageStore interface {
	// Append assigns ID and CreatedAt, stores m with Read=false and returns
	// the stored record.
	Append(ctx context.Context, m *model.ChatMessage) (*model.ChatMessage, error)
	// History returns one page of the conversation, oldest first within the
	// page, and marks viewerID's unread messages in it as read.
	History(ctx context.Context, conversationID, viewerID string, page, pageSize int) (*model.HistoryPage, error)
	// MarkRead marks one message read on behalf of its receiver.
	MarkRead(ctx context.Context, messageID int64, userID string) (*model.ChatMessage, error)
	// ListConversations summarizes every conversation userID takes part in,
	// newest activity first.
	ListConversations(ctx context.Context, userID string) ([]model.ConversationSummary, error)
}

type UserStore interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)
	CreateUser(ctx context.Context, u *model.User) error
}

type Store interface {
	MessageStore
	UserStore
	Close() error
}

// Validate checks the fields a caller must set before Append.
func Validate(m *model.ChatMessage) error {
	switch {
	case m.Sender.ID == "" || m.Receiver.ID == "":
		return ErrInvalidMessage
	case m.Sender.ID == m.Receiver.ID:
		return ErrInvalidMessage
	case strings.TrimSpace(m.Body) == "":
		return ErrInvalidMessage
	}
	return nil
}

// TotalPages is ceil(total/pageSize).
func TotalPages(total, pageSize int) int {
	if pageSize <= 0 {
		return 0
	}
	return (total + pageSize - 1) / pageSize
}

// NormalizePage applies defaults and bounds to paging arguments.
func NormalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = DefaultPage
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	return page, pageSize
}
