package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/mahaj/clinic-chat/pkg/auth"
	"github.com/mahaj/clinic-chat/pkg/config"
	"github.com/mahaj/clinic-chat/pkg/logger"
	"github.com/mahaj/clinic-chat/pkg/model"
	"github.com/mahaj/clinic-chat/pkg/presence"
	"github.com/mahaj/clinic-chat/pkg/store"
	"github.com/mahaj/clinic-chat/pkg/store/driver"
)

// PresenceLister reads the online set published by the gateways.
type PresenceLister interface {
	List(ctx context.Context) ([]model.Participant, error)
}

type server struct {
	store    store.Store
	issuer   *auth.Issuer
	presence PresenceLister
	log      *zap.Logger
}

func (s *server) routes(allowedOrigin string) http.Handler {
	r := mux.NewRouter()
	r.Use(s.loggingMiddleware)

	// Public endpoint
	r.HandleFunc("/api/auth/login", s.login).Methods(http.MethodPost)

	// Protected endpoints
	chat := r.PathPrefix("/api/chat").Subrouter()
	chat.Use(s.authMiddleware)
	chat.HandleFunc("/conversations", s.conversations).Methods(http.MethodGet)
	chat.HandleFunc("/history/{otherUserId}", s.history).Methods(http.MethodGet)
	chat.HandleFunc("/messages/{messageId}/read", s.markRead).Methods(http.MethodPost)
	chat.HandleFunc("/presence", s.onlineUsers).Methods(http.MethodGet)

	// Preflight requests never reach a route, so CORS wraps the router.
	return corsMiddleware(allowedOrigin, r)
}

func main() {
	cfg, err := config.Load("8081")
	if err != nil {
		logger.Must("info", "console").Fatal("invalid configuration", zap.Error(err))
	}
	log := logger.Must(cfg.LogLevel, cfg.LogFormat).Named("api")
	defer log.Sync()

	if cfg.InsecureSecret() {
		log.Warn("JWT_SECRET not set, using the development secret")
	}

	st, err := driver.Open(cfg, log)
	if err != nil {
		log.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()

	s := &server{
		store:  st,
		issuer: auth.NewIssuer(cfg.JWTSecret, cfg.JWTTTL),
		log:    log,
	}
	if cfg.RedisAddr != "" {
		mirror := presence.NewRedisMirror(cfg.RedisAddr)
		defer mirror.Close()
		s.presence = mirror
	}

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           s.routes(cfg.AllowedOrigin),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		log.Info("API service starting", zap.String("addr", cfg.Addr()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("listen failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
}
