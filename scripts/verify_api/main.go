package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/mahaj/clinic-chat/pkg/logger"
)

type LoginResponse struct {
	Token string `json:"token"`
	User  struct {
		ID string `json:"id"`
	} `json:"user"`
}

func main() {
	apiAddr := flag.String("api", "http://localhost:8081", "api service address")
	username := flag.String("user", "alice", "username")
	password := flag.String("password", "password123", "password")
	peer := flag.String("peer", "2", "user id whose conversation history to fetch")
	flag.Parse()

	log := logger.Must("info", "console").Named("verify")
	defer log.Sync()

	// 1. Login
	reqBody, _ := json.Marshal(map[string]string{"username": *username, "password": *password})
	resp, err := http.Post(*apiAddr+"/api/auth/login", "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		log.Fatal("login request failed", zap.Error(err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		log.Fatal("login rejected", zap.Int("status", resp.StatusCode), zap.ByteString("body", body))
	}

	var loginResp LoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&loginResp); err != nil {
		log.Fatal("bad login response", zap.Error(err))
	}
	log.Info("logged in", zap.String("user_id", loginResp.User.ID))

	// 2. Conversations, then history with one peer
	for _, path := range []string{"/api/chat/conversations", "/api/chat/history/" + *peer + "?page=1&limit=20"} {
		req, _ := http.NewRequest(http.MethodGet, *apiAddr+path, nil)
		req.Header.Add("Authorization", "Bearer "+loginResp.Token)

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			log.Fatal("request failed", zap.String("path", path), zap.Error(err))
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		log.Info("response", zap.String("path", path), zap.Int("status", resp.StatusCode), zap.ByteString("body", body))
	}
}
