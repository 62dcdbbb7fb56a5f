package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// Auth guards the API with the static key from [server] api_key; an empty key
// disables the check. The health endpoint stays open so load balancers need no
// credentials, and /ws also accepts the key as an api_key query parameter
// because browsers cannot set headers on a websocket upgrade.
func Auth(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" || r.URL.Path == "/api/health" {
				next.ServeHTTP(w, r)
				return
			}

			key := requestKey(r)
			if key == "" {
				unauthorized(w, "missing api key")
				return
			}
			if subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) != 1 {
				unauthorized(w, "invalid api key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requestKey pulls the key from X-API-Key, an Authorization bearer token, or,
// for the websocket endpoint only, the api_key query parameter.
func requestKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return strings.TrimSpace(key)
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, token, ok := strings.Cut(auth, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	if r.URL.Path == "/ws" {
		return r.URL.Query().Get("api_key")
	}
	return ""
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
