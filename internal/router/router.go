// Package router validates control-API input and shapes JSON responses.
package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// TriggerRequest is the normalized form of a trigger call.
type TriggerRequest struct {
	FastMode    bool `json:"fast_mode"`
	RegionLimit int  `json:"region_limit"`
	ForceLLM    bool `json:"force_llm"`
}

// ParseTriggerRequest reads trigger options from the query string or, for
// POSTs with a JSON body, from the body. Query parameters win.
func ParseTriggerRequest(r *http.Request) (TriggerRequest, error) {
	var req TriggerRequest

	if r.Method == http.MethodPost && strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		// an empty POST body is fine
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			return TriggerRequest{}, fmt.Errorf("invalid body: %w", err)
		}
	}

	q := r.URL.Query()
	if v := strings.TrimSpace(q.Get("fast_mode")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return TriggerRequest{}, fmt.Errorf("invalid fast_mode %q", v)
		}
		req.FastMode = b
	}
	if v := strings.TrimSpace(q.Get("region_limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return TriggerRequest{}, fmt.Errorf("invalid region_limit %q", v)
		}
		req.RegionLimit = n
	}
	if v := strings.TrimSpace(q.Get("force_llm")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return TriggerRequest{}, fmt.Errorf("invalid force_llm %q", v)
		}
		req.ForceLLM = b
	}
	return req, nil
}

// ParseClearCache reads the clear_cache flag for scraper runtime resets.
func ParseClearCache(r *http.Request) bool {
	v := strings.TrimSpace(r.URL.Query().Get("clear_cache"))
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

// WriteJSON encodes v with the standard headers.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError shapes an error response.
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]string{"error": msg})
}
