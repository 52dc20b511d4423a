package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"
)

// Auth rejects requests that do not carry token, either as a Bearer
// Authorization header, an X-API-Key header, or a token query parameter on
// WebSocket upgrades (browsers cannot set headers there). An empty token
// disables the check. Paths listed in public skip it.
func Auth(token string, public ...string) func(http.Handler) http.Handler {
	want := sha256.Sum256([]byte(token))
	open := make(map[string]bool, len(public))
	for _, p := range public {
		open[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" || open[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			got := presentedToken(r)
			if got == "" {
				w.Header().Set("WWW-Authenticate", `Bearer realm="tradebot"`)
				writeError(w, http.StatusUnauthorized, "missing api token")
				return
			}
			// Hash both sides so the comparison does not leak the length.
			sum := sha256.Sum256([]byte(got))
			if subtle.ConstantTimeCompare(sum[:], want[:]) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid api token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func presentedToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, rest, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(rest)
		}
	}
	if k := strings.TrimSpace(r.Header.Get("X-API-Key")); k != "" {
		return k
	}
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return r.URL.Query().Get("token")
	}
	return ""
}
