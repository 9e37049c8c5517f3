package main

import (
	"context"
	"errors"
	"flag"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/mahaj/clinic-chat/pkg/config"
	"github.com/mahaj/clinic-chat/pkg/logger"
	"github.com/mahaj/clinic-chat/pkg/model"
	"github.com/mahaj/clinic-chat/pkg/store"
	"github.com/mahaj/clinic-chat/pkg/store/driver"
)

// Each entry is id:username:role.
const defaultUsers = "1:alice:doctor,2:bob:patient,3:carol:receptionist"

func main() {
	users := flag.String("users", defaultUsers, "comma separated id:username:role entries")
	password := flag.String("password", "password123", "password given to every seeded user")
	flag.Parse()

	log := logger.Must("info", "console").Named("seed")
	defer log.Sync()

	cfg, err := config.Load("0")
	if err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}
	st, err := driver.Open(cfg, log)
	if err != nil {
		log.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()

	hash, err := bcrypt.GenerateFromPassword([]byte(*password), bcrypt.DefaultCost)
	if err != nil {
		log.Fatal("failed to hash password", zap.Error(err))
	}

	ctx := context.Background()
	for _, entry := range strings.Split(*users, ",") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			log.Warn("skipping malformed entry", zap.String("entry", entry))
			continue
		}
		u := &model.User{ID: parts[0], Username: parts[1], PasswordHash: string(hash)}
		if len(parts) > 2 {
			u.Role = parts[2]
		}

		if existing, err := st.GetUser(ctx, u.ID); err == nil {
			log.Info("user exists", zap.String("user_id", existing.ID), zap.String("username", existing.Username))
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			log.Fatal("user lookup failed", zap.String("user_id", u.ID), zap.Error(err))
		}

		if err := st.CreateUser(ctx, u); err != nil {
			log.Error("failed to create user", zap.String("username", u.Username), zap.Error(err))
			continue
		}
		log.Info("created user", zap.String("user_id", u.ID), zap.String("username", u.Username), zap.String("role", u.Role))
	}
}
