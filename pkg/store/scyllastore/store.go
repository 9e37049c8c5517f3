// Package scyllastore implements the store contracts on ScyllaDB.
//
// Messages are partitioned by conversation id and clustered by snowflake id
// descending, so the newest message of a thread is the first row of its
// partition. messages_by_id resolves a bare id to its partition and
// user_conversations indexes the threads a user takes part in.
package scyllastore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gocql/gocql"
	"github.com/mahaj/clinic-chat/pkg/db"
	"github.com/mahaj/clinic-chat/pkg/model"
	"github.com/mahaj/clinic-chat/pkg/snowflake"
	"github.com/mahaj/clinic-chat/pkg/store"
)

const (
	messageColumns = `conversation_id, id, sender_id, sender_name, receiver_id, receiver_name, body, read, created_at`
	// markReadChunk bounds the IN list of a single read-state update.
	markReadChunk = 100
)

var ErrUsernameTaken = errors.New("scyllastore: username already exists")

type Store struct {
	session *db.Session
	node    *snowflake.Node
}

var _ store.Store = (*Store)(nil)

func New(session *db.Session, node *snowflake.Node) *Store {
	return &Store{session: session, node: node}
}

func (s *Store) Close() error {
	s.session.Close()
	return nil
}

func (s *Store) CreateUser(ctx context.Context, u *model.User) error {
	username := strings.TrimSpace(u.Username)
	existing := map[string]interface{}{}
	applied, err := s.session.Query(`INSERT INTO users_by_username (username, id) VALUES (?, ?) IF NOT EXISTS`,
		username, u.ID).WithContext(ctx).MapScanCAS(existing)
	if err != nil {
		return fmt.Errorf("scyllastore: create user: %w", err)
	}
	if !applied {
		return ErrUsernameTaken
	}

	err = s.session.Query(`INSERT INTO users (id, username, password_hash, role) VALUES (?, ?, ?, ?)`,
		u.ID, username, u.PasswordHash, u.Role).WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("scyllastore: create user: %w", err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	err := s.session.Query(`SELECT id, username, password_hash, role FROM users WHERE id = ?`, id).
		WithContext(ctx).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scyllastore: get user: %w", err)
	}
	return &u, nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	var id string
	err := s.session.Query(`SELECT id FROM users_by_username WHERE username = ?`, username).
		WithContext(ctx).Scan(&id)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scyllastore: get user by username: %w", err)
	}
	return s.GetUser(ctx, id)
}

func (s *Store) Append(ctx context.Context, m *model.ChatMessage) (*model.ChatMessage, error) {
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

	b := s.session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	b.Query(`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		saved.ConversationID, saved.ID, saved.Sender.ID, saved.Sender.Username,
		saved.Receiver.ID, saved.Receiver.Username, saved.Body, false, saved.CreatedAt)
	b.Query(`INSERT INTO messages_by_id (id, conversation_id) VALUES (?, ?)`, saved.ID, saved.ConversationID)
	b.Query(`INSERT INTO user_conversations (user_id, conversation_id) VALUES (?, ?)`, saved.Sender.ID, saved.ConversationID)
	b.Query(`INSERT INTO user_conversations (user_id, conversation_id) VALUES (?, ?)`, saved.Receiver.ID, saved.ConversationID)

	if err := s.session.ExecuteBatch(b); err != nil {
		return nil, fmt.Errorf("scyllastore: append: %w", err)
	}
	return &saved, nil
}

func (s *Store) History(ctx context.Context, conversationID, viewerID string, page, pageSize int) (*model.HistoryPage, error) {
	page, pageSize = store.NormalizePage(page, pageSize)

	var total int64
	err := s.session.Query(`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID).
		WithContext(ctx).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("scyllastore: count: %w", err)
	}

	// The partition is clustered newest first: skip whole pages, then take one.
	iter := s.session.Query(`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ?`, conversationID).
		WithContext(ctx).PageSize(pageSize).Iter()
	skip := (page - 1) * pageSize
	messages := make([]model.ChatMessage, 0, pageSize)
	var m model.ChatMessage
	for len(messages) < pageSize && scanMessage(iter, &m) {
		if skip > 0 {
			skip--
			continue
		}
		messages = append(messages, m)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("scyllastore: history: %w", err)
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	if err := s.markConversationRead(ctx, conversationID, viewerID); err != nil {
		return nil, err
	}

	return &model.HistoryPage{
		Messages:      messages,
		CurrentPage:   page,
		TotalPages:    store.TotalPages(int(total), pageSize),
		TotalMessages: int(total),
	}, nil
}

// markConversationRead flips read on every unread message in the partition
// addressed to viewerID. Filtering happens client side to avoid ALLOW FILTERING.
func (s *Store) markConversationRead(ctx context.Context, conversationID, viewerID string) error {
	iter := s.session.Query(`SELECT id, receiver_id, read FROM messages WHERE conversation_id = ?`, conversationID).
		WithContext(ctx).Iter()

	var (
		ids      []int64
		id       int64
		receiver string
		read     bool
	)
	for iter.Scan(&id, &receiver, &read) {
		if receiver == viewerID && !read {
			ids = append(ids, id)
		}
	}
	if err := iter.Close(); err != nil {
		return fmt.Errorf("scyllastore: scan unread: %w", err)
	}

	for len(ids) > 0 {
		n := min(len(ids), markReadChunk)
		err := s.session.Query(`UPDATE messages SET read = true WHERE conversation_id = ? AND id IN ?`,
			conversationID, ids[:n]).WithContext(ctx).Exec()
		if err != nil {
			return fmt.Errorf("scyllastore: mark conversation read: %w", err)
		}
		ids = ids[n:]
	}
	return nil
}

func (s *Store) MarkRead(ctx context.Context, messageID int64, userID string) (*model.ChatMessage, error) {
	var conversationID string
	err := s.session.Query(`SELECT conversation_id FROM messages_by_id WHERE id = ?`, messageID).
		WithContext(ctx).Scan(&conversationID)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scyllastore: mark read: %w", err)
	}

	iter := s.session.Query(`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? AND id = ?`,
		conversationID, messageID).WithContext(ctx).Iter()
	var m model.ChatMessage
	found := scanMessage(iter, &m)
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("scyllastore: mark read: %w", err)
	}
	if !found {
		return nil, store.ErrNotFound
	}
	if m.Receiver.ID != userID {
		return nil, store.ErrForbidden
	}
	if m.Read {
		return &m, nil
	}

	err = s.session.Query(`UPDATE messages SET read = true WHERE conversation_id = ? AND id = ?`,
		conversationID, messageID).WithContext(ctx).Exec()
	if err != nil {
		return nil, fmt.Errorf("scyllastore: mark read: %w", err)
	}
	m.Read = true
	return &m, nil
}

func (s *Store) ListConversations(ctx context.Context, userID string) ([]model.ConversationSummary, error) {
	iter := s.session.Query(`SELECT conversation_id FROM user_conversations WHERE user_id = ?`, userID).
		WithContext(ctx).Iter()
	var (
		conversationIDs []string
		cid             string
	)
	for iter.Scan(&cid) {
		conversationIDs = append(conversationIDs, cid)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("scyllastore: conversations: %w", err)
	}

	summaries := make([]model.ConversationSummary, 0, len(conversationIDs))
	for _, conversationID := range conversationIDs {
		summary, ok, err := s.summarize(ctx, conversationID, userID)
		if err != nil {
			return nil, err
		}
		if ok {
			summaries = append(summaries, summary)
		}
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].LastMessage.ID > summaries[j].LastMessage.ID
	})
	return summaries, nil
}

func (s *Store) summarize(ctx context.Context, conversationID, userID string) (model.ConversationSummary, bool, error) {
	iter := s.session.Query(`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ?`, conversationID).
		WithContext(ctx).Iter()

	var (
		summary model.ConversationSummary
		m       model.ChatMessage
		first   = true
	)
	for scanMessage(iter, &m) {
		if first {
			summary = model.ConversationSummary{
				ConversationID:   conversationID,
				LastMessage:      m.Summarize(),
				OtherParticipant: m.Peer(userID),
			}
			first = false
		}
		if m.Receiver.ID == userID && !m.Read {
			summary.UnreadCount++
		}
	}
	if err := iter.Close(); err != nil {
		return summary, false, fmt.Errorf("scyllastore: summarize %s: %w", conversationID, err)
	}
	return summary, !first, nil
}

func scanMessage(iter *gocql.Iter, m *model.ChatMessage) bool {
	var createdAt time.Time
	ok := iter.Scan(&m.ConversationID, &m.ID, &m.Sender.ID, &m.Sender.Username,
		&m.Receiver.ID, &m.Receiver.Username, &m.Body, &m.Read, &createdAt)
	if ok {
		m.CreatedAt = createdAt.UTC()
		m.Timestamp = m.CreatedAt
	}
	return ok
}
