package web

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// authMiddleware accepts either a matching X-API-Key or a valid HS256
// bearer token. With neither configured every request passes.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" && len(s.jwtSecret) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		if s.apiKey != "" {
			if key := r.Header.Get("X-API-Key"); key != "" &&
				subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
		}

		if len(s.jwtSecret) > 0 {
			if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
				_, err := s.validateToken(token)
				if err == nil {
					next.ServeHTTP(w, r)
					return
				}
				s.logger.Debug("rejected bearer token", "err", err)
			}
		}

		s.writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
	})
}

func (s *Server) validateToken(tokenString string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}
