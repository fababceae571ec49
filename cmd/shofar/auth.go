package main

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/zimrat/shofar/pkg/websocket"
)

// bearerAuth returns an upgrade-request check that requires a valid
// HMAC-SHA256 JWT in the Authorization header. Failed checks reject
// the handshake with HTTP 401.
func bearerAuth(secret string) func(*websocket.Request) error {
	key := []byte(secret)

	return func(r *websocket.Request) error {
		scheme, token, _ := strings.Cut(r.Header("Authorization"), " ")
		token = strings.TrimSpace(token)
		if !strings.EqualFold(scheme, "Bearer") || token == "" {
			return &websocket.Error{Code: http.StatusUnauthorized, Reason: "missing bearer token"}
		}

		_, err := jwt.Parse(token,
			func(t *jwt.Token) (any, error) { return key, nil },
			jwt.WithValidMethods([]string{"HS256"}))
		if err != nil {
			return &websocket.Error{Code: http.StatusUnauthorized, Reason: "invalid bearer token"}
		}

		return nil
	}
}
