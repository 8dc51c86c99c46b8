package ingress

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var errMissingBearer = errors.New("missing bearer token")

// authorize enforces the configured auth mode. No mode configured means
// the endpoint is open (private-network deployments).
func (s *Server) authorize(r *http.Request) error {
	if s.opts.JWTSecret == "" && s.opts.BearerToken == "" {
		return nil
	}

	token, ok := bearerToken(r)
	if !ok {
		return errMissingBearer
	}

	if s.opts.JWTSecret != "" {
		return s.verifyJWT(token)
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.BearerToken)) != 1 {
		return errors.New("invalid bearer token")
	}
	return nil
}

func (s *Server) verifyJWT(tokenString string) error {
	_, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return []byte(s.opts.JWTSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return fmt.Errorf("invalid token: %w", err)
	}
	return nil
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", false
	}
	return strings.TrimPrefix(auth, prefix), true
}
