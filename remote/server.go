package remote

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/jp2507-max/canabro-sync/syncer"
)

// ErrorResponse is the standardized JSON error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Handlers serves the two-way sync API over HTTP.
type Handlers struct {
	authority *Authority
	auth      *TokenAuth
	logger    *slog.Logger
}

// NewHandlers creates the sync API handlers.
func NewHandlers(authority *Authority, auth *TokenAuth, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{authority: authority, auth: auth, logger: logger}
}

// Mux returns an http.Handler routing the sync endpoints.
func (h *Handlers) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/sync/push", h.HandlePush)
	mux.HandleFunc("/sync/pull", h.HandlePull)
	return mux
}

// HandlePush processes a batch push with per-record conflict statuses.
func (h *Handlers) HandlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}

	claims, err := h.auth.RequestClaims(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	var req syncer.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse push request")
		return
	}
	if req.Table == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "table is required")
		return
	}

	resp, err := h.authority.ApplyPush(r.Context(), &req)
	if err != nil {
		h.logger.Error("Failed to apply push",
			"error", err, "table", req.Table, "user", claims.Subject, "device", claims.DeviceID)
		h.writeError(w, http.StatusInternalServerError, "push_failed", "Failed to apply push")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("Failed to encode push response", "error", err, "table", req.Table)
	}
}

// HandlePull serves one page of changes after the caller's cursor.
func (h *Handlers) HandlePull(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}

	claims, err := h.auth.RequestClaims(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	table := r.URL.Query().Get("table")
	if table == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "table is required")
		return
	}

	after := int64(0)
	if afterStr := r.URL.Query().Get("after"); afterStr != "" {
		parsed, err := strconv.ParseInt(afterStr, 10, 64)
		if err != nil || parsed < 0 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "after must be an integer >= 0")
			return
		}
		after = parsed
	}

	limit := 100
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 || parsed > 1000 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "limit must be between 1 and 1000")
			return
		}
		limit = parsed
	}

	page, err := h.authority.Pull(r.Context(), table, after, limit)
	if err != nil {
		h.logger.Error("Failed to serve pull",
			"error", err, "table", table, "after", after, "user", claims.Subject, "device", claims.DeviceID)
		h.writeError(w, http.StatusInternalServerError, "pull_failed", "Failed to serve pull")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(page); err != nil {
		h.logger.Error("Failed to encode pull response", "error", err, "table", table)
	}
}

// writeError writes a standardized error response.
func (h *Handlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(ErrorResponse{Error: errorCode, Message: message}); err != nil {
		h.logger.Error("Failed to encode error response", "error", err)
	}

	h.logger.Debug("HTTP error response",
		"status_code", statusCode, "error_code", errorCode, "message", message)
}
