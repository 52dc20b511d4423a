package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/tradebot/internal/domain"
)

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// parseListOpts extracts pagination parameters from the query string.
// Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()
	return domain.ListOpts{
		Limit:  queryInt(q.Get("limit"), 50, 1, 500),
		Offset: queryInt(q.Get("offset"), 0, 0, -1),
	}
}

// queryInt parses v, falling back to def when it is missing or below min.
// A non-negative max caps the result.
func queryInt(v string, def, min, max int) int {
	n, err := strconv.Atoi(v)
	if err != nil || n < min {
		return def
	}
	if max >= 0 && n > max {
		return max
	}
	return n
}
