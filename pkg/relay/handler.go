package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mahaj/clinic-chat/pkg/auth"
	"github.com/mahaj/clinic-chat/pkg/model"
	"github.com/mahaj/clinic-chat/pkg/store"
)

// Close codes sent when a handshake is refused.
const (
	CloseTokenRequired = 4401
	CloseInvalidToken  = 4403
	CloseUserNotFound  = 4404
	CloseSetupFailed   = websocket.CloseInternalServerErr
)

// TokenVerifier decodes the identity embedded in a credential.
type TokenVerifier interface {
	ValidateToken(token string) (*auth.Claims, error)
}

// handshakeError carries the close frame a refused connection receives.
type handshakeError struct {
	code   int
	reason string
	err    error
}

func (e *handshakeError) Error() string {
	return fmt.Sprintf("handshake refused (%d %s): %v", e.code, e.reason, e.err)
}

func (e *handshakeError) Unwrap() error { return e.err }

// Handler upgrades /ws/chat requests and runs the session handshake.
type Handler struct {
	hub      *Hub
	verifier TokenVerifier
	upgrader websocket.Upgrader
	log      *zap.Logger
}

// NewHandler accepts connections whose Origin matches allowedOrigin; "*"
// or "" accepts any origin.
func NewHandler(hub *Hub, verifier TokenVerifier, allowedOrigin string, log *zap.Logger) *Handler {
	return &Handler{
		hub:      hub,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if allowedOrigin == "" || allowedOrigin == "*" {
					return true
				}
				return r.Header.Get("Origin") == allowedOrigin
			},
		},
		log: log.Named("handshake"),
	}
}

// ServeHTTP upgrades first so a refused client still gets a close code it
// can tell apart, then authenticates.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", zap.Error(err))
		return
	}

	c := newClient(h.hub, conn)
	if err := h.establish(r.Context(), c, r.URL.Query().Get("token")); err != nil {
		c.setState(StateClosed)
		var he *handshakeError
		if !errors.As(err, &he) {
			he = &handshakeError{code: CloseSetupFailed, reason: "Server error during connection setup", err: err}
		}
		c.log.Info("connection refused", zap.Int("code", he.code), zap.String("reason", he.reason), zap.Error(he.err))
		refuse(conn, he.code, he.reason)
		return
	}

	h.hub.start(c)
}

// authenticate maps a token to the participant it names. Refusals carry the
// close frame the client should see.
func (h *Hub) authenticate(ctx context.Context, verifier TokenVerifier, token string) (model.Participant, error) {
	claims, err := verifier.ValidateToken(token)
	switch {
	case errors.Is(err, auth.ErrTokenRequired):
		return model.Participant{}, &handshakeError{code: CloseTokenRequired, reason: "Token required", err: err}
	case err != nil:
		return model.Participant{}, &handshakeError{code: CloseInvalidToken, reason: "Invalid token", err: err}
	}

	user, err := h.users.GetUser(ctx, claims.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return model.Participant{}, &handshakeError{code: CloseUserNotFound, reason: "User not found", err: err}
	}
	if err != nil {
		return model.Participant{}, fmt.Errorf("lookup %s: %w", claims.UserID, err)
	}

	who := user.Participant()
	if who.Username == "" {
		who.Username = claims.Username
	}
	return who, nil
}

// establish drives Connecting -> Authenticating -> Active. Nothing touches
// the registry unless authentication succeeded.
func (h *Handler) establish(ctx context.Context, c *Client, token string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	c.setState(StateAuthenticating)
	who, err := h.hub.authenticate(ctx, h.verifier, token)
	if err != nil {
		return err
	}
	c.who = who
	c.log = c.log.With(zap.String("user_id", who.ID))
	h.hub.join(c)
	return nil
}

func refuse(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = conn.Close()
}
