// Package relay is the live chat channel: connection sessions, presence
// announcements and direct-message routing.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mahaj/clinic-chat/pkg/bus"
	"github.com/mahaj/clinic-chat/pkg/model"
	"github.com/mahaj/clinic-chat/pkg/presence"
	"github.com/mahaj/clinic-chat/pkg/store"
)

// Texts of the error events a sender can receive.
const (
	errRequiredFields  = "receiverId and text are required"
	errInvalidFormat   = "Invalid message format"
	errSelfMessage     = "Cannot send a message to yourself"
	errReceiverMissing = "Receiver not found"
	errSaveFailed      = "Failed to save message"
	errProcessFailed   = "Failed to process message"

	infoConnected = "Successfully connected and authenticated!"
)

// Bounds one bus publish so a broker outage cannot stall a session.
const publishTimeout = 5 * time.Second

// Bus links gateway instances: messages for receivers held elsewhere, and
// joins and leaves so supersession and presence span every gateway.
type Bus interface {
	Publish(ctx context.Context, d bus.Delivery) error
	Consume(ctx context.Context, handle func(bus.Delivery)) error
}

// onlineLister is implemented by mirrors that can report the online set.
type onlineLister interface {
	List(ctx context.Context) ([]model.Participant, error)
}

type Hub struct {
	registry *presence.Registry
	messages store.MessageStore
	users    store.UserStore
	mirror   presence.Mirror
	bus      Bus
	log      *zap.Logger

	// Users held by other gateways. Empty without a bus.
	remote *presence.Roster

	// User ids whose mirrored presence must be reconciled.
	presenceSync chan string

	// Running write pumps; Shutdown waits for them to send close frames.
	writers sync.WaitGroup
}

type Option func(*Hub)

// WithMirror publishes presence to m.
func WithMirror(m presence.Mirror) Option {
	return func(h *Hub) { h.mirror = m }
}

// WithBus forwards deliveries for users this instance does not hold.
func WithBus(b Bus) Option {
	return func(h *Hub) { h.bus = b }
}

func NewHub(registry *presence.Registry, messages store.MessageStore, users store.UserStore, log *zap.Logger, opts ...Option) *Hub {
	h := &Hub{
		registry:     registry,
		messages:     messages,
		users:        users,
		log:          log.Named("hub"),
		remote:       presence.NewRoster(),
		presenceSync: make(chan string, 1024),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run services the presence mirror and the delivery bus until ctx is done.
// Without either it just waits.
func (h *Hub) Run(ctx context.Context) {
	if h.bus != nil {
		h.seedRemote(ctx)
		go func() {
			if err := h.bus.Consume(ctx, h.deliverRemote); err != nil {
				h.log.Error("bus consumer stopped", zap.Error(err))
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case userID := <-h.presenceSync:
			h.reconcilePresence(ctx, userID)
		}
	}
}

// Shutdown closes every live connection and waits until their close frames
// are written or ctx is done. Stop accepting connections first.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.registry.CloseAll(websocket.CloseGoingAway, "Server shutting down")

	done := make(chan struct{})
	go func() {
		h.writers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// start runs the pumps of an established client.
func (h *Hub) start(c *Client) {
	h.writers.Add(1)
	go func() {
		defer h.writers.Done()
		c.writePump()
	}()
	go c.readPump()
}

func (h *Hub) Registry() *presence.Registry {
	return h.registry
}

// join registers an authenticated client. Its active-user list and
// confirmation are queued under the registry lock, ahead of anything
// another connection can send it; then every other client hears about it.
func (h *Hub) join(c *Client) {
	c.joinedAt = time.Now()
	// Any session elsewhere is about to be superseded by this one.
	h.remote.Forget(c.who.ID)
	prev := h.registry.Register(c, func(active []model.Participant) {
		c.sendEvent(model.EventActiveUserList, presence.Merge(active, h.remote.List()))
		c.sendEvent(model.EventInfo, infoConnected)
	})
	c.setState(StateActive)
	if prev != nil {
		h.log.Info("superseded previous connection",
			zap.String("user_id", c.who.ID), zap.String("previous_conn_id", prev.ConnID()))
	}
	h.log.Info("client registered", zap.String("user_id", c.who.ID), zap.String("username", c.who.Username),
		zap.String("conn_id", c.id), zap.Int("online", h.registry.Len()))
	h.syncPresence(c.who.ID)

	h.announceJoined(c.who)
	h.publish(bus.Delivery{Kind: bus.KindJoined, User: c.who, At: c.joinedAt})
}

// leave runs once per client when its read loop ends.
func (h *Hub) leave(c *Client) {
	c.setState(StateClosed)
	if !h.registry.Unregister(c) {
		return
	}
	h.log.Info("client unregistered", zap.String("user_id", c.who.ID), zap.String("conn_id", c.id),
		zap.Int("online", h.registry.Len()))
	h.syncPresence(c.who.ID)
	h.announceLeft(c.who.ID)
	h.publish(bus.Delivery{Kind: bus.KindLeft, User: c.who})
}

// announceJoined tells every local client except who itself.
func (h *Hub) announceJoined(who model.Participant) {
	joined, err := model.Encode(model.EventUserJoined, who)
	if err != nil {
		h.log.Error("encode userJoined", zap.Error(err))
		return
	}
	h.broadcast(h.registry.Others(who.ID), joined)
}

func (h *Hub) announceLeft(userID string) {
	left, err := model.Encode(model.EventUserLeft, model.UserLeft{UserID: userID})
	if err != nil {
		h.log.Error("encode userLeft", zap.Error(err))
		return
	}
	h.broadcast(h.registry.Snapshot(nil), left)
}

func (h *Hub) broadcast(peers []presence.Peer, event []byte) {
	for _, p := range peers {
		if err := p.Send(event); err != nil && !errors.Is(err, ErrClientClosed) {
			h.log.Warn("broadcast dropped", zap.String("user_id", p.Identity().ID), zap.Error(err))
		}
	}
}

// Route handles one inbound frame from sender: validate, persist, deliver
// to the receiver if online, echo to the sender. Failures are reported to
// the sender only and nothing is delivered.
func (h *Hub) Route(ctx context.Context, sender *Client, raw []byte) {
	in, err := decodeSendRequest(raw)
	if err != nil {
		sender.sendError(errInvalidFormat)
		return
	}
	text := strings.TrimSpace(in.Text)
	if in.ReceiverID == "" || text == "" {
		sender.sendError(errRequiredFields)
		return
	}
	if in.ReceiverID == sender.who.ID {
		sender.sendError(errSelfMessage)
		return
	}

	receiver, err := h.users.GetUser(ctx, in.ReceiverID)
	if errors.Is(err, store.ErrNotFound) {
		h.log.Warn("receiver not found", zap.String("user_id", sender.who.ID), zap.String("receiver_id", in.ReceiverID))
		sender.sendError(errReceiverMissing)
		return
	}
	if err != nil {
		h.log.Error("receiver lookup failed", zap.String("receiver_id", in.ReceiverID), zap.Error(err))
		sender.sendError(errProcessFailed)
		return
	}

	saved, err := h.messages.Append(ctx, &model.ChatMessage{
		Sender:   sender.who,
		Receiver: receiver.Participant(),
		Body:     text,
	})
	if err != nil {
		h.log.Error("append failed", zap.String("user_id", sender.who.ID), zap.Error(err))
		sender.sendError(errSaveFailed)
		return
	}

	// One encoding serves both the delivery and the echo.
	event, err := model.Encode(model.EventNewMessage, saved)
	if err != nil {
		h.log.Error("encode newMessage", zap.Error(err))
		sender.sendError(errProcessFailed)
		return
	}

	h.deliver(saved.Receiver.ID, event)
	if err := sender.Send(event); err != nil {
		h.log.Debug("echo dropped", zap.String("user_id", sender.who.ID), zap.Error(err))
	}
}

func (h *Hub) deliver(receiverID string, event []byte) {
	if p, ok := h.registry.Lookup(receiverID); ok {
		if err := p.Send(event); err != nil {
			h.log.Debug("delivery dropped", zap.String("receiver_id", receiverID), zap.Error(err))
		}
		return
	}
	if h.bus == nil {
		h.log.Debug("receiver offline", zap.String("receiver_id", receiverID))
		return
	}
	h.publish(bus.Delivery{Kind: bus.KindMessage, ReceiverID: receiverID, Event: event})
}

func (h *Hub) publish(d bus.Delivery) {
	if h.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := h.bus.Publish(ctx, d); err != nil {
		h.log.Warn("bus publish failed", zap.String("kind", string(d.Kind)), zap.Error(err))
	}
}

// deliverRemote applies a record published by another gateway.
func (h *Hub) deliverRemote(d bus.Delivery) {
	switch d.Kind {
	case bus.KindMessage:
		p, ok := h.registry.Lookup(d.ReceiverID)
		if !ok {
			return
		}
		if err := p.Send(d.Event); err != nil {
			h.log.Debug("remote delivery dropped", zap.String("receiver_id", d.ReceiverID), zap.Error(err))
		}
	case bus.KindJoined:
		h.remoteJoined(d)
	case bus.KindLeft:
		if !h.remote.Remove(d.User.ID, d.Origin) {
			return
		}
		h.syncPresence(d.User.ID)
		h.announceLeft(d.User.ID)
	}
}

// remoteJoined closes this gateway's connection for the user unless it is
// the newer of the two; the newer connection's own join record supersedes
// the other side.
func (h *Hub) remoteJoined(d bus.Delivery) {
	if p, ok := h.registry.Lookup(d.User.ID); ok {
		if c, isClient := p.(*Client); isClient && c.joinedAt.After(d.At) {
			return
		}
		if h.registry.Evict(p, presence.CloseSuperseded, presence.CloseSupersededReason) {
			h.log.Info("superseded by remote connection", zap.String("user_id", d.User.ID),
				zap.String("conn_id", p.ConnID()), zap.String("origin", d.Origin))
		}
	}
	h.remote.Add(d.User, d.Origin)
	h.syncPresence(d.User.ID)
	h.announceJoined(d.User)
}

// seedRemote loads users other gateways already hold from the mirror, so
// clients of a freshly started gateway see them.
func (h *Hub) seedRemote(ctx context.Context) {
	lister, ok := h.mirror.(onlineLister)
	if !ok {
		return
	}
	online, err := lister.List(ctx)
	if err != nil {
		h.log.Warn("failed to seed remote presence", zap.Error(err))
		return
	}
	for _, who := range online {
		if _, local := h.registry.Lookup(who.ID); !local {
			h.remote.Add(who, "")
		}
	}
}

func (h *Hub) syncPresence(userID string) {
	if h.mirror == nil {
		return
	}
	select {
	case h.presenceSync <- userID:
	default:
		h.log.Warn("presence sync queue full", zap.String("user_id", userID))
	}
}

// reconcilePresence writes the registry's current truth for userID, so the
// order in which join and leave notifications are processed does not matter.
func (h *Hub) reconcilePresence(ctx context.Context, userID string) {
	var err error
	if p, ok := h.registry.Lookup(userID); ok {
		err = h.mirror.Online(ctx, p.Identity())
	} else if who, ok := h.remote.Get(userID); ok {
		err = h.mirror.Online(ctx, who)
	} else {
		err = h.mirror.Offline(ctx, userID)
	}
	if err != nil {
		h.log.Warn("presence mirror update failed", zap.String("user_id", userID), zap.Error(err))
	}
}

// decodeSendRequest accepts exactly one {receiverId, text} object.
func decodeSendRequest(raw []byte) (model.SendRequest, error) {
	var in model.SendRequest
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		return in, err
	}
	if dec.More() {
		return in, errors.New("trailing data")
	}
	return in, nil
}
