package main

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/mahaj/clinic-chat/pkg/auth"
	"github.com/mahaj/clinic-chat/pkg/model"
	"github.com/mahaj/clinic-chat/pkg/store"
)

type ReadResponse struct {
	Message        string             `json:"message"`
	UpdatedMessage *model.ChatMessage `json:"updatedMessage"`
}

// markRead marks a single message read. Only its receiver may do so.
func (s *server) markRead(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	messageID, err := strconv.ParseInt(mux.Vars(r)["messageId"], 10, 64)
	if err != nil || messageID <= 0 {
		http.Error(w, "Invalid message ID", http.StatusBadRequest)
		return
	}

	updated, err := s.store.MarkRead(r.Context(), messageID, claims.UserID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "Message not found", http.StatusNotFound)
		return
	case errors.Is(err, store.ErrForbidden):
		http.Error(w, "You can only mark messages sent to you as read", http.StatusForbidden)
		return
	case err != nil:
		s.log.Error("mark read failed", zap.Int64("message_id", messageID), zap.Error(err))
		http.Error(w, "Failed to mark message as read", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, ReadResponse{Message: "Message marked as read", UpdatedMessage: updated})
}
