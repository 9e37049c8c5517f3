package main

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/mahaj/clinic-chat/pkg/auth"
	"github.com/mahaj/clinic-chat/pkg/model"
	"github.com/mahaj/clinic-chat/pkg/store"
)

// history returns one page of the caller's conversation with otherUserId.
// Reading a page marks the caller's unread messages in it as read.
func (s *server) history(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	otherUserID := strings.TrimSpace(mux.Vars(r)["otherUserId"])
	if otherUserID == "" || otherUserID == claims.UserID {
		http.Error(w, "Invalid user ID", http.StatusBadRequest)
		return
	}

	page, limit := store.NormalizePage(queryInt(r, "page"), queryInt(r, "limit"))
	conversationID := model.ConversationID(claims.UserID, otherUserID)

	result, err := s.store.History(r.Context(), conversationID, claims.UserID, page, limit)
	if err != nil {
		s.log.Error("history failed", zap.String("user_id", claims.UserID),
			zap.String("conversation_id", conversationID), zap.Error(err))
		http.Error(w, "Failed to retrieve history", http.StatusInternalServerError)
		return
	}
	if result.Messages == nil {
		result.Messages = []model.ChatMessage{}
	}

	writeJSON(w, http.StatusOK, result)
}

// queryInt returns 0 for a missing or malformed value, which NormalizePage
// turns into the default.
func queryInt(r *http.Request, key string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return n
}
