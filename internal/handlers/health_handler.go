package handlers

import (
	"net/http"
)

// ReadinessChecker reports whether the agent behind the ops server is
// connected and doing its work.
type ReadinessChecker interface {
	Ready() bool
	Status() string
}

type HealthResponse struct {
	Status string `json:"status"`
	State  string `json:"state,omitempty"`
}

type HealthHandler struct {
	checker ReadinessChecker
}

func NewHealthHandler(checker ReadinessChecker) *HealthHandler {
	return &HealthHandler{checker: checker}
}

// Live answers as long as the process is serving HTTP.
func (h *HealthHandler) Live(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, r, http.StatusOK, HealthResponse{Status: "ok"})
}

func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	state := h.checker.Status()
	if !h.checker.Ready() {
		respondWithJSON(w, r, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", State: state})
		return
	}
	respondWithJSON(w, r, http.StatusOK, HealthResponse{Status: "ready", State: state})
}
