package main

import (
	"net/http"

	"go.uber.org/zap"
)

// onlineUsers reports the users the gateways currently hold, as mirrored in
// redis.
func (s *server) onlineUsers(w http.ResponseWriter, r *http.Request) {
	if s.presence == nil {
		http.Error(w, "Presence is not available", http.StatusServiceUnavailable)
		return
	}

	users, err := s.presence.List(r.Context())
	if err != nil {
		s.log.Error("failed to fetch presence", zap.Error(err))
		http.Error(w, "Failed to fetch presence", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, users)
}
