// Package sqlstore implements the store contracts on SQLite. It backs
// single-node development and the test suites.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/mahaj/clinic-chat/pkg/model"
	"github.com/mahaj/clinic-chat/pkg/snowflake"
	"github.com/mahaj/clinic-chat/pkg/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	username TEXT UNIQUE NOT NULL,
	password_hash TEXT NOT NULL DEFAULT '',
	role TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	sender_id TEXT NOT NULL,
	sender_name TEXT NOT NULL,
	receiver_id TEXT NOT NULL,
	receiver_name TEXT NOT NULL,
	body TEXT NOT NULL,
	read INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id DESC);
CREATE INDEX IF NOT EXISTS idx_messages_receiver ON messages(receiver_id, read);
`

const messageColumns = `id, conversation_id, sender_id, sender_name, receiver_id, receiver_name, body, read, created_at`

type SQLStore struct {
	db   *sql.DB
	node *snowflake.Node
}

var _ store.Store = (*SQLStore)(nil)

// New opens dsn (a file path or ":memory:") and creates the schema.
func New(dsn string, node *snowflake.Node) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// One connection: an in-memory database is private to its connection,
	// and SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: create schema: %w", err)
	}
	return &SQLStore{db: db, node: node}, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, username, password_hash, role) VALUES (?, ?, ?, ?)",
		u.ID, strings.TrimSpace(u.Username), u.PasswordHash, u.Role)
	return err
}

func (s *SQLStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	return s.queryUser(ctx, "SELECT id, username, password_hash, role FROM users WHERE id = ?", id)
}

func (s *SQLStore) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	return s.queryUser(ctx, "SELECT id, username, password_hash, role FROM users WHERE username = ?", username)
}

func (s *SQLStore) queryUser(ctx context.Context, query string, arg string) (*model.User, error) {
	var u model.User
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *SQLStore) Append(ctx context.Context, m *model.ChatMessage) (*model.ChatMessage, error) {
	if err := store.Validate(m); err != nil {
		return nil, err
	}

	saved := *m
	saved.ID = s.node.Generate()
	saved.ConversationID = model.ConversationID(m.Sender.ID, m.Receiver.ID)
	saved.Body = strings.TrimSpace(m.Body)
	saved.Read = false
	saved.CreatedAt = snowflake.Time(saved.ID)
	saved.Timestamp = saved.CreatedAt

	_, err := s.db.ExecContext(ctx, "INSERT INTO messages ("+messageColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		saved.ID, saved.ConversationID, saved.Sender.ID, saved.Sender.Username,
		saved.Receiver.ID, saved.Receiver.Username, saved.Body, false, saved.CreatedAt.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("sqlstore: append: %w", err)
	}
	return &saved, nil
}

func (s *SQLStore) History(ctx context.Context, conversationID, viewerID string, page, pageSize int) (*model.HistoryPage, error) {
	page, pageSize = store.NormalizePage(page, pageSize)

	var total int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages WHERE conversation_id = ?", conversationID).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: count: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE conversation_id = ? ORDER BY id DESC LIMIT ? OFFSET ?",
		conversationID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: history: %w", err)
	}
	messages, err := scanMessages(rows)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: history: %w", err)
	}
	// Fetched newest first; the page is delivered oldest first.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	_, err = s.db.ExecContext(ctx,
		"UPDATE messages SET read = 1 WHERE conversation_id = ? AND receiver_id = ? AND read = 0",
		conversationID, viewerID)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: mark conversation read: %w", err)
	}

	return &model.HistoryPage{
		Messages:      messages,
		CurrentPage:   page,
		TotalPages:    store.TotalPages(total, pageSize),
		TotalMessages: total,
	}, nil
}

func (s *SQLStore) MarkRead(ctx context.Context, messageID int64, userID string) (*model.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+messageColumns+" FROM messages WHERE id = ?", messageID)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: mark read: %w", err)
	}
	messages, err := scanMessages(rows)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: mark read: %w", err)
	}
	if len(messages) == 0 {
		return nil, store.ErrNotFound
	}
	m := messages[0]
	if m.Receiver.ID != userID {
		return nil, store.ErrForbidden
	}
	if m.Read {
		return &m, nil
	}

	if _, err := s.db.ExecContext(ctx, "UPDATE messages SET read = 1 WHERE id = ?", messageID); err != nil {
		return nil, fmt.Errorf("sqlstore: mark read: %w", err)
	}
	m.Read = true
	return &m, nil
}

func (s *SQLStore) ListConversations(ctx context.Context, userID string) ([]model.ConversationSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+prefixed("m", messageColumns)+`,
			(SELECT COUNT(*) FROM messages u
			 WHERE u.conversation_id = m.conversation_id AND u.receiver_id = ? AND u.read = 0)
		FROM messages m
		WHERE m.id IN (
			SELECT MAX(id) FROM messages
			WHERE sender_id = ? OR receiver_id = ?
			GROUP BY conversation_id
		)
		ORDER BY m.id DESC
	`, userID, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: conversations: %w", err)
	}
	defer rows.Close()

	summaries := []model.ConversationSummary{}
	for rows.Next() {
		var (
			m      model.ChatMessage
			unread int
		)
		if err := scanMessage(rows, &m, &unread); err != nil {
			return nil, fmt.Errorf("sqlstore: conversations: %w", err)
		}
		summaries = append(summaries, model.ConversationSummary{
			ConversationID:   m.ConversationID,
			LastMessage:      m.Summarize(),
			OtherParticipant: m.Peer(userID),
			UnreadCount:      unread,
		})
	}
	return summaries, rows.Err()
}

func scanMessages(rows *sql.Rows) ([]model.ChatMessage, error) {
	defer rows.Close()

	messages := []model.ChatMessage{}
	for rows.Next() {
		var m model.ChatMessage
		if err := scanMessage(rows, &m); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func scanMessage(rows *sql.Rows, m *model.ChatMessage, extra ...any) error {
	var createdAt int64
	dest := []any{&m.ID, &m.ConversationID, &m.Sender.ID, &m.Sender.Username,
		&m.Receiver.ID, &m.Receiver.Username, &m.Body, &m.Read, &createdAt}
	if err := rows.Scan(append(dest, extra...)...); err != nil {
		return err
	}
	m.CreatedAt = time.UnixMilli(createdAt).UTC()
	m.Timestamp = m.CreatedAt
	return nil
}

func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ", ")
	for i, p := range parts {
		parts[i] = alias + "." + p
	}
	return strings.Join(parts, ", ")
}
