package api

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/goodtune/lexgate/internal/usage"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}

// LimitResponse is returned with 429 when a checked use is refused.
type LimitResponse struct {
	ErrorResponse
	State usage.State `json:"state"`
}

// StaleTimeResponse answers a stale-time lookup.
type StaleTimeResponse struct {
	Key            []string `json:"key"`
	StaleTime      string   `json:"stale_time"`
	StaleTimeMS    int64    `json:"stale_time_ms"`
	MatchedEntry   string   `json:"matched_entry,omitempty"`
	DefaultApplied bool     `json:"default_applied"`
}

// GateRequest carries the list to gate. Items are passed through untouched.
type GateRequest struct {
	Items []json.RawMessage `json:"items"`
}

// LockedResponse answers an item-level lock check.
type LockedResponse struct {
	Category     string `json:"category"`
	Index        int    `json:"index"`
	Total        int    `json:"total"`
	Locked       bool   `json:"locked"`
	VisibleCount int    `json:"visible_count"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		http.Error(w, `{"error":"Internal Server Error","message":"Failed to encode response"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, newError(statusCode, message))
}

func newError(statusCode int, message string) ErrorResponse {
	return ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	}
}
