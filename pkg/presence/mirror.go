package presence

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mahaj/clinic-chat/pkg/model"
)

// OnlineKey is the redis hash of online users: user id -> username.
const OnlineKey = "presence:online"

// Mirror publishes registry changes outside the process so other services
// can answer "who is online" without talking to the gateway.
type Mirror interface {
	Online(ctx context.Context, who model.Participant) error
	Offline(ctx context.Context, userID string) error
}

type RedisMirror struct {
	rdb     *redis.Client
	timeout time.Duration
}

func NewRedisMirror(addr string) *RedisMirror {
	return &RedisMirror{
		rdb:     redis.NewClient(&redis.Options{Addr: addr}),
		timeout: 2 * time.Second,
	}
}

func (m *RedisMirror) Online(ctx context.Context, who model.Participant) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if err := m.rdb.HSet(ctx, OnlineKey, who.ID, who.Username).Err(); err != nil {
		return fmt.Errorf("presence: mark %s online: %w", who.ID, err)
	}
	return nil
}

func (m *RedisMirror) Offline(ctx context.Context, userID string) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if err := m.rdb.HDel(ctx, OnlineKey, userID).Err(); err != nil {
		return fmt.Errorf("presence: mark %s offline: %w", userID, err)
	}
	return nil
}

// Reset clears the hash. A gateway calls it at startup because its registry
// always starts empty.
func (m *RedisMirror) Reset(ctx context.Context) error {
	return m.rdb.Del(ctx, OnlineKey).Err()
}

// List reads the mirrored online set.
func (m *RedisMirror) List(ctx context.Context) ([]model.Participant, error) {
	users, err := m.rdb.HGetAll(ctx, OnlineKey).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: list online: %w", err)
	}
	active := make([]model.Participant, 0, len(users))
	for id, name := range users {
		active = append(active, model.Participant{ID: id, Username: name})
	}
	sort.Slice(active, func(i, j int) bool { return active[i].Username < active[j].Username })
	return active, nil
}

func (m *RedisMirror) Close() error {
	return m.rdb.Close()
}
