// Package handler contains the HTTP handlers for the position
// lifecycle API. Handlers decode, delegate to a service, and encode;
// no business rules live here.
package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/calebmoy/perpagent/internal/domain"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are already gone; nothing sane left to send.
		return
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

func pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}

// parseListOpts reads limit/offset query parameters, clamping the limit
// to a sane page size.
func parseListOpts(r *http.Request) domain.ListOpts {
	opts := domain.ListOpts{Limit: defaultPageSize}
	q := r.URL.Query()
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 {
		opts.Limit = min(n, maxPageSize)
	}
	if n, err := strconv.Atoi(q.Get("offset")); err == nil && n > 0 {
		opts.Offset = n
	}
	return opts
}
