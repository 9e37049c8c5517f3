package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mahaj/clinic-chat/pkg/auth"
	"github.com/mahaj/clinic-chat/pkg/bus"
	"github.com/mahaj/clinic-chat/pkg/model"
	"github.com/mahaj/clinic-chat/pkg/presence"
	"github.com/mahaj/clinic-chat/pkg/snowflake"
	"github.com/mahaj/clinic-chat/pkg/store"
	"github.com/mahaj/clinic-chat/pkg/store/sqlstore"
)

const testSecret = "relay-test-secret"

var (
	alice = model.Participant{ID: "1", Username: "alice"}
	bob   = model.Participant{ID: "2", Username: "bob"}
	carol = model.Participant{ID: "3", Username: "carol"}
)

type frame struct {
	Type    model.EventType `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type testServer struct {
	url    string
	hub    *Hub
	store  *sqlstore.SQLStore
	issuer *auth.Issuer
}

type serverOpts struct {
	messages func(store.MessageStore) store.MessageStore
	hubOpts  []Option
	db       *sqlstore.SQLStore
}

func newTestStore(t *testing.T) *sqlstore.SQLStore {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	s, err := sqlstore.New(":memory:", node)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	for _, p := range []model.Participant{alice, bob, carol} {
		require.NoError(t, s.CreateUser(context.Background(), &model.User{ID: p.ID, Username: p.Username, PasswordHash: "x"}))
	}
	return s
}

func startServer(t *testing.T, opts serverOpts) *testServer {
	t.Helper()
	db := opts.db
	if db == nil {
		db = newTestStore(t)
	}
	var messages store.MessageStore = db
	if opts.messages != nil {
		messages = opts.messages(db)
	}

	hub := NewHub(presence.NewRegistry(), messages, db, zap.NewNop(), opts.hubOpts...)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	issuer := auth.NewIssuer(testSecret, time.Hour)
	srv := httptest.NewServer(NewHandler(hub, issuer, "*", zap.NewNop()))
	t.Cleanup(func() {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 3*time.Second)
		defer stop()
		hub.Shutdown(shutdownCtx)
		srv.Close()
		cancel()
	})

	return &testServer{
		url:    "ws" + strings.TrimPrefix(srv.URL, "http"),
		hub:    hub,
		store:  db,
		issuer: issuer,
	}
}

func (s *testServer) dialToken(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := s.url
	if token != "" {
		url += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// connect dials as p and consumes the handshake events.
func (s *testServer) connect(t *testing.T, p model.Participant) *websocket.Conn {
	t.Helper()
	conn, _ := s.connectWithList(t, p)
	return conn
}

// connectWithList is connect that also returns the activeUserList payload.
func (s *testServer) connectWithList(t *testing.T, p model.Participant) (*websocket.Conn, []model.Participant) {
	t.Helper()
	token, err := s.issuer.GenerateToken(p.ID, p.Username, "")
	require.NoError(t, err)
	conn := s.dialToken(t, token)

	list := readFrame(t, conn)
	require.Equal(t, model.EventActiveUserList, list.Type)
	var active []model.Participant
	require.NoError(t, json.Unmarshal(list.Payload, &active))

	info := readFrame(t, conn)
	require.Equal(t, model.EventInfo, info.Type)
	return conn, active
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

// readUntil skips presence chatter until an event of type want arrives.
func readUntil(t *testing.T, conn *websocket.Conn, want model.EventType) frame {
	t.Helper()
	for {
		f := readFrame(t, conn)
		if f.Type == want {
			return f
		}
	}
}

func readClose(t *testing.T, conn *websocket.Conn) *websocket.CloseError {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.True(t, errors.As(err, &ce), "expected close frame, got %v", err)
		return ce
	}
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

func errorText(t *testing.T, f frame) string {
	t.Helper()
	require.Equal(t, model.EventError, f.Type)
	var text string
	require.NoError(t, json.Unmarshal(f.Payload, &text))
	return text
}

func decodeMessage(t *testing.T, f frame) model.ChatMessage {
	t.Helper()
	require.Equal(t, model.EventNewMessage, f.Type)
	var m model.ChatMessage
	require.NoError(t, json.Unmarshal(f.Payload, &m))
	return m
}

func TestHandshakeOrder(t *testing.T) {
	s := startServer(t, serverOpts{})
	s.connect(t, bob)

	token, err := s.issuer.GenerateToken(alice.ID, alice.Username, "")
	require.NoError(t, err)
	conn := s.dialToken(t, token)

	list := readFrame(t, conn)
	require.Equal(t, model.EventActiveUserList, list.Type)
	var active []model.Participant
	require.NoError(t, json.Unmarshal(list.Payload, &active))
	assert.Equal(t, []model.Participant{alice, bob}, active)

	info := readFrame(t, conn)
	require.Equal(t, model.EventInfo, info.Type)
	var text string
	require.NoError(t, json.Unmarshal(info.Payload, &text))
	assert.Equal(t, infoConnected, text)
}

func TestHandshakeRefused(t *testing.T) {
	s := startServer(t, serverOpts{})

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, &auth.Claims{
		UserID: alice.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})
	expiredToken, err := expired.SignedString([]byte(testSecret))
	require.NoError(t, err)

	ghost, err := s.issuer.GenerateToken("404", "ghost", "")
	require.NoError(t, err)

	tests := []struct {
		name   string
		token  string
		code   int
		reason string
	}{
		{"missing token", "", CloseTokenRequired, "Token required"},
		{"garbage token", "not-a-jwt", CloseInvalidToken, "Invalid token"},
		{"expired token", expiredToken, CloseInvalidToken, "Invalid token"},
		{"unknown user", ghost, CloseUserNotFound, "User not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := s.dialToken(t, tt.token)
			ce := readClose(t, conn)
			assert.Equal(t, tt.code, ce.Code)
			assert.Equal(t, tt.reason, ce.Text)
			assert.Equal(t, 0, s.hub.Registry().Len())
		})
	}
}

func TestOnlineDelivery(t *testing.T) {
	s := startServer(t, serverOpts{})
	a := s.connect(t, alice)
	b := s.connect(t, bob)

	sendJSON(t, a, model.SendRequest{ReceiverID: bob.ID, Text: "  hello bob  "})

	got := decodeMessage(t, readUntil(t, b, model.EventNewMessage))
	echo := decodeMessage(t, readUntil(t, a, model.EventNewMessage))

	assert.Equal(t, got.ID, echo.ID)
	assert.Equal(t, "hello bob", got.Body)
	assert.Equal(t, alice, got.Sender)
	assert.Equal(t, bob, got.Receiver)
	assert.Equal(t, "1_2", got.ConversationID)
	assert.False(t, got.Read)

	page, err := s.store.History(context.Background(), "1_2", alice.ID, 1, 20)
	require.NoError(t, err)
	assert.Equal(t, 1, page.TotalMessages)
	assert.Equal(t, got.ID, page.Messages[0].ID)
}

func TestOfflineReceiverGetsHistory(t *testing.T) {
	s := startServer(t, serverOpts{})
	a := s.connect(t, alice)

	sendJSON(t, a, model.SendRequest{ReceiverID: carol.ID, Text: "are you there?"})
	echo := decodeMessage(t, readFrame(t, a))

	page, err := s.store.History(context.Background(), model.ConversationID(alice.ID, carol.ID), carol.ID, 1, 20)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, echo.ID, page.Messages[0].ID)
	assert.Equal(t, "are you there?", page.Messages[0].Body)
}

func TestRejectedFramesKeepSessionOpen(t *testing.T) {
	s := startServer(t, serverOpts{})
	a := s.connect(t, alice)

	tests := []struct {
		name  string
		frame string
		want  string
	}{
		{"not json", "hello", errInvalidFormat},
		{"array", `[1,2]`, errInvalidFormat},
		{"unknown field", `{"receiverId":"2","text":"x","extra":1}`, errInvalidFormat},
		{"trailing data", `{"receiverId":"2","text":"x"}{}`, errInvalidFormat},
		{"missing receiver", `{"text":"x"}`, errRequiredFields},
		{"blank text", `{"receiverId":"2","text":"   "}`, errRequiredFields},
		{"self", `{"receiverId":"1","text":"me"}`, errSelfMessage},
		{"unknown receiver", `{"receiverId":"404","text":"x"}`, errReceiverMissing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(tt.frame)))
			assert.Equal(t, tt.want, errorText(t, readFrame(t, a)))
		})
	}

	page, err := s.store.History(context.Background(), "1_2", alice.ID, 1, 20)
	require.NoError(t, err)
	assert.Zero(t, page.TotalMessages)

	sendJSON(t, a, model.SendRequest{ReceiverID: bob.ID, Text: "still here"})
	assert.Equal(t, "still here", decodeMessage(t, readFrame(t, a)).Body)
}

type failingMessages struct {
	store.MessageStore
}

func (failingMessages) Append(context.Context, *model.ChatMessage) (*model.ChatMessage, error) {
	return nil, errors.New("disk on fire")
}

type panickingMessages struct {
	store.MessageStore
}

func (panickingMessages) Append(context.Context, *model.ChatMessage) (*model.ChatMessage, error) {
	panic("unexpected")
}

func TestPersistenceFailureDeliversNothing(t *testing.T) {
	s := startServer(t, serverOpts{
		messages: func(m store.MessageStore) store.MessageStore { return failingMessages{m} },
	})
	a := s.connect(t, alice)
	b := s.connect(t, bob)
	readUntil(t, a, model.EventUserJoined)

	sendJSON(t, a, model.SendRequest{ReceiverID: bob.ID, Text: "lost"})
	assert.Equal(t, errSaveFailed, errorText(t, readFrame(t, a)))

	// The next thing bob sees is carol arriving, not a message.
	s.connect(t, carol)
	assert.Equal(t, model.EventUserJoined, readFrame(t, b).Type)
}

func TestPanicIsContained(t *testing.T) {
	s := startServer(t, serverOpts{
		messages: func(m store.MessageStore) store.MessageStore { return panickingMessages{m} },
	})
	a := s.connect(t, alice)

	sendJSON(t, a, model.SendRequest{ReceiverID: bob.ID, Text: "boom"})
	assert.Equal(t, errProcessFailed, errorText(t, readFrame(t, a)))

	sendJSON(t, a, model.SendRequest{ReceiverID: alice.ID, Text: "me"})
	assert.Equal(t, errSelfMessage, errorText(t, readFrame(t, a)))
}

func TestSupersession(t *testing.T) {
	s := startServer(t, serverOpts{})
	b := s.connect(t, bob)
	first := s.connect(t, alice)
	assert.Equal(t, model.EventUserJoined, readFrame(t, b).Type)

	second := s.connect(t, alice)
	ce := readClose(t, first)
	assert.Equal(t, presence.CloseSuperseded, ce.Code)
	assert.Equal(t, presence.CloseSupersededReason, ce.Text)

	assert.Equal(t, 2, s.hub.Registry().Len())
	assert.Equal(t, model.EventUserJoined, readFrame(t, b).Type)

	// Messages for alice now reach the new connection only.
	sendJSON(t, b, model.SendRequest{ReceiverID: alice.ID, Text: "which one?"})
	assert.Equal(t, model.EventNewMessage, readFrame(t, b).Type)
	assert.Equal(t, "which one?", decodeMessage(t, readFrame(t, second)).Body)
}

func TestPresenceBroadcast(t *testing.T) {
	s := startServer(t, serverOpts{})
	a := s.connect(t, alice)
	b := s.connect(t, bob)

	joined := readFrame(t, a)
	require.Equal(t, model.EventUserJoined, joined.Type)
	var who model.Participant
	require.NoError(t, json.Unmarshal(joined.Payload, &who))
	assert.Equal(t, bob, who)

	require.NoError(t, b.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))

	left := readFrame(t, a)
	require.Equal(t, model.EventUserLeft, left.Type)
	var payload model.UserLeft
	require.NoError(t, json.Unmarshal(left.Payload, &payload))
	assert.Equal(t, bob.ID, payload.UserID)

	assert.Eventually(t, func() bool { return s.hub.Registry().Len() == 1 }, time.Second, 10*time.Millisecond)
}

type memNet struct {
	mu   sync.Mutex
	subs map[string]func(bus.Delivery)
}

func (n *memNet) subscribers() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}

type memBus struct {
	net    *memNet
	origin string
}

func (b *memBus) Publish(_ context.Context, d bus.Delivery) error {
	d.Origin = b.origin
	b.net.mu.Lock()
	defer b.net.mu.Unlock()
	for origin, handle := range b.net.subs {
		if origin != b.origin {
			handle(d)
		}
	}
	return nil
}

func (b *memBus) Consume(ctx context.Context, handle func(bus.Delivery)) error {
	b.net.mu.Lock()
	b.net.subs[b.origin] = handle
	b.net.mu.Unlock()

	<-ctx.Done()

	b.net.mu.Lock()
	delete(b.net.subs, b.origin)
	b.net.mu.Unlock()
	return nil
}

// startGateways runs two hubs sharing one store and one in-memory bus.
func startGateways(t *testing.T) (east, west *testServer) {
	t.Helper()
	net := &memNet{subs: make(map[string]func(bus.Delivery))}
	db := newTestStore(t)
	east = startServer(t, serverOpts{db: db, hubOpts: []Option{WithBus(&memBus{net: net, origin: "east"})}})
	west = startServer(t, serverOpts{db: db, hubOpts: []Option{WithBus(&memBus{net: net, origin: "west"})}})
	require.Eventually(t, func() bool { return net.subscribers() == 2 }, time.Second, 10*time.Millisecond)
	return east, west
}

func TestCrossGatewayDelivery(t *testing.T) {
	east, west := startGateways(t)

	a := east.connect(t, alice)
	b := west.connect(t, bob)

	sendJSON(t, a, model.SendRequest{ReceiverID: bob.ID, Text: "across"})
	echo := decodeMessage(t, readUntil(t, a, model.EventNewMessage))
	got := decodeMessage(t, readFrame(t, b))
	assert.Equal(t, echo.ID, got.ID)
	assert.Equal(t, "across", got.Body)
}

func TestCrossGatewayPresence(t *testing.T) {
	east, west := startGateways(t)

	a := east.connect(t, alice)
	require.Eventually(t, func() bool {
		_, ok := west.hub.remote.Get(alice.ID)
		return ok
	}, time.Second, 10*time.Millisecond)
	b, active := west.connectWithList(t, bob)
	assert.Equal(t, []model.Participant{alice, bob}, active, "users on other gateways are listed")

	joined := readFrame(t, a)
	require.Equal(t, model.EventUserJoined, joined.Type)
	var who model.Participant
	require.NoError(t, json.Unmarshal(joined.Payload, &who))
	assert.Equal(t, bob, who)

	// Alice reconnects through the other gateway.
	a2 := west.connect(t, alice)
	ce := readClose(t, a)
	assert.Equal(t, presence.CloseSuperseded, ce.Code)
	assert.Equal(t, presence.CloseSupersededReason, ce.Text)
	assert.Eventually(t, func() bool { return east.hub.Registry().Len() == 0 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, west.hub.Registry().Len())

	// Bob sees her come back, and no leave for the superseded session.
	assert.Equal(t, model.EventUserJoined, readFrame(t, b).Type)
	sendJSON(t, b, model.SendRequest{ReceiverID: alice.ID, Text: "found you"})
	assert.Equal(t, model.EventNewMessage, readFrame(t, b).Type)
	assert.Equal(t, "found you", decodeMessage(t, readFrame(t, a2)).Body)

	// Her leave on west clears her from east's view as well.
	require.NoError(t, a2.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	assert.Equal(t, model.EventUserLeft, readFrame(t, b).Type)
	assert.Eventually(t, func() bool {
		_, ok := east.hub.remote.Get(alice.ID)
		return !ok
	}, time.Second, 10*time.Millisecond)
	_, ok := east.hub.remote.Get(bob.ID)
	assert.True(t, ok)
}

func TestShutdownWaitsForCloseFrames(t *testing.T) {
	s := startServer(t, serverOpts{})
	a := s.connect(t, alice)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, s.hub.Shutdown(ctx))

	ce := readClose(t, a)
	assert.Equal(t, websocket.CloseGoingAway, ce.Code)
	assert.Equal(t, "Server shutting down", ce.Text)
	assert.Equal(t, 0, s.hub.Registry().Len())
}

type recordingMirror struct {
	mu     sync.Mutex
	online map[string]bool
}

func (m *recordingMirror) Online(_ context.Context, who model.Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.online[who.ID] = true
	return nil
}

func (m *recordingMirror) Offline(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.online, userID)
	return nil
}

func (m *recordingMirror) isOnline(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online[userID]
}

func TestPresenceMirror(t *testing.T) {
	mirror := &recordingMirror{online: make(map[string]bool)}
	s := startServer(t, serverOpts{hubOpts: []Option{WithMirror(mirror)}})

	a := s.connect(t, alice)
	assert.Eventually(t, func() bool { return mirror.isOnline(alice.ID) }, time.Second, 10*time.Millisecond)

	a.Close()
	assert.Eventually(t, func() bool { return !mirror.isOnline(alice.ID) }, time.Second, 10*time.Millisecond)
}

func TestStateTransitions(t *testing.T) {
	c := &Client{}
	assert.Equal(t, StateConnecting, c.State())
	assert.True(t, c.setState(StateAuthenticating))
	assert.True(t, c.setState(StateActive))
	assert.True(t, c.setState(StateClosed))
	assert.False(t, c.setState(StateActive))
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, "closed", c.State().String())
	assert.Equal(t, "state(9)", State(9).String())
}
