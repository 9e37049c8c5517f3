package main

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/mahaj/clinic-chat/pkg/auth"
	"github.com/mahaj/clinic-chat/pkg/model"
)

func (s *server) conversations(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conversations, err := s.store.ListConversations(r.Context(), claims.UserID)
	if err != nil {
		s.log.Error("list conversations failed", zap.String("user_id", claims.UserID), zap.Error(err))
		http.Error(w, "Failed to retrieve conversations", http.StatusInternalServerError)
		return
	}
	if conversations == nil {
		conversations = []model.ConversationSummary{}
	}

	writeJSON(w, http.StatusOK, conversations)
}
