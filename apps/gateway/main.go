package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mahaj/clinic-chat/pkg/auth"
	"github.com/mahaj/clinic-chat/pkg/bus"
	"github.com/mahaj/clinic-chat/pkg/config"
	"github.com/mahaj/clinic-chat/pkg/logger"
	"github.com/mahaj/clinic-chat/pkg/presence"
	"github.com/mahaj/clinic-chat/pkg/relay"
	"github.com/mahaj/clinic-chat/pkg/store/driver"
)

func main() {
	cfg, err := config.Load("8080")
	if err != nil {
		logger.Must("info", "console").Fatal("invalid configuration", zap.Error(err))
	}
	log := logger.Must(cfg.LogLevel, cfg.LogFormat).Named("gateway")
	defer log.Sync()

	if cfg.InsecureSecret() {
		log.Warn("JWT_SECRET not set, using the development secret")
	}

	st, err := driver.Open(cfg, log)
	if err != nil {
		log.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var opts []relay.Option
	if cfg.RedisAddr != "" {
		mirror := presence.NewRedisMirror(cfg.RedisAddr)
		defer mirror.Close()
		// A lone gateway owns the whole online set; with a bus, other
		// instances' entries must survive our restart.
		if len(cfg.KafkaBrokers) == 0 {
			if err := mirror.Reset(ctx); err != nil {
				log.Warn("failed to reset presence mirror", zap.Error(err))
			}
		}
		opts = append(opts, relay.WithMirror(mirror))
		log.Info("presence mirror enabled", zap.String("redis_addr", cfg.RedisAddr))
	}
	if len(cfg.KafkaBrokers) > 0 {
		k := bus.NewKafka(cfg.KafkaBrokers, cfg.KafkaTopic, log)
		defer k.Close()
		opts = append(opts, relay.WithBus(k))
		log.Info("delivery bus enabled", zap.Strings("brokers", cfg.KafkaBrokers),
			zap.String("topic", cfg.KafkaTopic), zap.String("origin", k.Origin()))
	}

	hub := relay.NewHub(presence.NewRegistry(), st, st, log, opts...)
	go hub.Run(ctx)

	issuer := auth.NewIssuer(cfg.JWTSecret, cfg.JWTTTL)
	mux := http.NewServeMux()
	mux.Handle("/ws/chat", relay.NewHandler(hub, issuer, cfg.AllowedOrigin, log))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Addr: cfg.Addr(), Handler: mux}
	go func() {
		log.Info("gateway service starting", zap.String("addr", cfg.Addr()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("listen failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down", zap.Int("online", hub.Registry().Len()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	if err := hub.Shutdown(shutdownCtx); err != nil {
		log.Warn("connections did not drain", zap.Error(err))
	}
}
