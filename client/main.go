package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mahaj/clinic-chat/pkg/logger"
	"github.com/mahaj/clinic-chat/pkg/model"
)

type LoginResponse struct {
	Token string            `json:"token"`
	User  model.Participant `json:"user"`
}

type inbound struct {
	Type    model.EventType `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func login(apiAddr, username, password string) (*LoginResponse, error) {
	reqBody, _ := json.Marshal(map[string]string{"username": username, "password": password})
	resp, err := http.Post(apiAddr+"/api/auth/login", "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("login failed: %s", strings.TrimSpace(string(body)))
	}

	var loginResp LoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&loginResp); err != nil {
		return nil, err
	}
	return &loginResp, nil
}

// render turns one server event into a terminal line.
func render(raw []byte) string {
	var ev inbound
	if err := json.Unmarshal(raw, &ev); err != nil {
		return "raw: " + string(raw)
	}

	switch ev.Type {
	case model.EventActiveUserList:
		var users []model.Participant
		json.Unmarshal(ev.Payload, &users)
		names := make([]string, 0, len(users))
		for _, u := range users {
			names = append(names, fmt.Sprintf("%s(%s)", u.Username, u.ID))
		}
		return "online: " + strings.Join(names, ", ")
	case model.EventUserJoined:
		var who model.Participant
		json.Unmarshal(ev.Payload, &who)
		return fmt.Sprintf("* %s(%s) joined", who.Username, who.ID)
	case model.EventUserLeft:
		var left model.UserLeft
		json.Unmarshal(ev.Payload, &left)
		return fmt.Sprintf("* %s left", left.UserID)
	case model.EventNewMessage:
		var m model.ChatMessage
		json.Unmarshal(ev.Payload, &m)
		return fmt.Sprintf("[%s] %s -> %s: %s", m.CreatedAt.Local().Format("15:04:05"),
			m.Sender.Username, m.Receiver.Username, m.Body)
	case model.EventInfo, model.EventError:
		var text string
		json.Unmarshal(ev.Payload, &text)
		return fmt.Sprintf("%s: %s", ev.Type, text)
	}
	return fmt.Sprintf("%s: %s", ev.Type, ev.Payload)
}

func main() {
	serverAddr := flag.String("addr", "localhost:8080", "gateway service address")
	apiAddr := flag.String("api", "http://localhost:8081", "api service address")
	username := flag.String("user", "alice", "username")
	password := flag.String("password", "password123", "password")
	to := flag.String("to", "", "receiver user id (change with /to <id>)")
	flag.Parse()

	log := logger.Must("info", "console").Named("client")
	defer log.Sync()

	// 1. Login to get token
	log.Info("logging in", zap.String("username", *username))
	session, err := login(*apiAddr, *username, *password)
	if err != nil {
		log.Fatal("login failed", zap.Error(err))
	}
	log.Info("login successful", zap.String("user_id", session.User.ID))

	// 2. Connect to WebSocket with token
	u := url.URL{Scheme: "ws", Host: *serverAddr, Path: "/ws/chat"}
	q := u.Query()
	q.Set("token", session.Token)
	u.RawQuery = q.Encode()
	log.Info("connecting", zap.String("host", *serverAddr))

	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal("dial failed", zap.Error(err))
	}
	defer c.Close()

	done := make(chan struct{})

	// 3. Start goroutine to read events
	go func() {
		defer close(done)
		for {
			_, message, err := c.ReadMessage()
			if err != nil {
				if ce, ok := err.(*websocket.CloseError); ok {
					log.Info("connection closed", zap.Int("code", ce.Code), zap.String("reason", ce.Text))
				} else {
					log.Info("read failed", zap.Error(err))
				}
				return
			}
			fmt.Printf("\r%s\n> ", render(message))
		}
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	// 4. Read from stdin and send messages
	receiver := *to
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		fmt.Print("> ")
		for scanner.Scan() {
			text := strings.TrimSpace(scanner.Text())
			switch {
			case text == "":
			case text == "/quit":
				interrupt <- os.Interrupt
				return
			case strings.HasPrefix(text, "/to "):
				receiver = strings.TrimSpace(strings.TrimPrefix(text, "/to "))
				fmt.Printf("now sending to %s\n", receiver)
			case receiver == "":
				fmt.Println("no receiver; use /to <user id>")
			default:
				if err := c.WriteJSON(model.SendRequest{ReceiverID: receiver, Text: text}); err != nil {
					log.Warn("write failed", zap.Error(err))
					return
				}
			}
			fmt.Print("> ")
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-interrupt:
			// Cleanly close the connection by sending a close message and then
			// waiting (with timeout) for the server to close the connection.
			err := c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			if err != nil {
				log.Warn("write close failed", zap.Error(err))
				return
			}
			select {
			case <-done:
			case <-time.After(time.Second):
			}
			return
		}
	}
}
