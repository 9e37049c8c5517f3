package db

import (
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"
)

type Session struct {
	*gocql.Session
}

func newCluster(hosts []string, keyspace string) *gocql.ClusterConfig {
	cluster := gocql.NewCluster(hosts...)
	cluster.Keyspace = keyspace
	cluster.Consistency = gocql.Quorum
	cluster.Timeout = 5 * time.Second
	cluster.ConnectTimeout = 5 * time.Second

	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		NumRetries: 3,
		Min:        100 * time.Millisecond,
		Max:        1 * time.Second,
	}
	return cluster
}

// NewSession connects to keyspace. Query timeouts are enforced here, so
// callers never wait longer than cluster.Timeout per attempt.
func NewSession(hosts []string, keyspace string, log *zap.Logger) (*Session, error) {
	session, err := newCluster(hosts, keyspace).CreateSession()
	if err != nil {
		return nil, fmt.Errorf("db: connect %v/%s: %w", hosts, keyspace, err)
	}

	log.Info("connected to ScyllaDB cluster", zap.Strings("hosts", hosts), zap.String("keyspace", keyspace))
	return &Session{Session: session}, nil
}

var tables = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id text PRIMARY KEY,
		username text,
		password_hash text,
		role text
	)`,
	`CREATE TABLE IF NOT EXISTS users_by_username (
		username text PRIMARY KEY,
		id text
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		conversation_id text,
		id bigint,
		sender_id text,
		sender_name text,
		receiver_id text,
		receiver_name text,
		body text,
		read boolean,
		created_at timestamp,
		PRIMARY KEY (conversation_id, id)
	) WITH CLUSTERING ORDER BY (id DESC)`,
	`CREATE TABLE IF NOT EXISTS messages_by_id (
		id bigint PRIMARY KEY,
		conversation_id text
	)`,
	`CREATE TABLE IF NOT EXISTS user_conversations (
		user_id text,
		conversation_id text,
		PRIMARY KEY (user_id, conversation_id)
	)`,
}

// Migrate creates the keyspace and every table the chat services use.
func Migrate(hosts []string, keyspace string, log *zap.Logger) error {
	sys, err := NewSession(hosts, "system", log)
	if err != nil {
		return err
	}
	err = sys.Query(fmt.Sprintf(`CREATE KEYSPACE IF NOT EXISTS %s WITH REPLICATION = { 'class' : 'SimpleStrategy', 'replication_factor' : 1 }`, keyspace)).Exec()
	sys.Close()
	if err != nil {
		return fmt.Errorf("db: create keyspace: %w", err)
	}

	session, err := NewSession(hosts, keyspace, log)
	if err != nil {
		return err
	}
	defer session.Close()

	for _, stmt := range tables {
		if err := session.Query(stmt).Exec(); err != nil {
			return fmt.Errorf("db: migrate: %w", err)
		}
	}
	log.Info("schema is up to date", zap.Int("tables", len(tables)))
	return nil
}

// DropMessages removes the message tables, keeping users.
func DropMessages(session *Session) error {
	for _, table := range []string{"messages", "messages_by_id", "user_conversations"} {
		if err := session.Query("DROP TABLE IF EXISTS " + table).Exec(); err != nil {
			return fmt.Errorf("db: drop %s: %w", table, err)
		}
	}
	return nil
}
