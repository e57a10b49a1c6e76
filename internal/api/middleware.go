package api

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// withRequestID tags the response with a request id for log correlation,
// reusing the caller's X-Request-ID when present.
func (s *Server) withRequestID(w http.ResponseWriter, r *http.Request) string {
	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.New().String()
	}
	w.Header().Set("X-Request-ID", requestID)
	return requestID
}

// requireAuth enforces the bearer-token check on admin routes when an API
// key hash is configured. The acknowledgement endpoint stays open: its URL
// is mailed to administrators who have no token.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.config.APIKeyHash == "" {
			next(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			s.logger.Warn("admin auth failed: missing credentials", "path", r.URL.Path)
			s.writeError(w, http.StatusUnauthorized, "unauthorized: missing credentials")
			return
		}

		apiKey := strings.TrimPrefix(authHeader, "Bearer ")
		if err := bcrypt.CompareHashAndPassword([]byte(s.config.APIKeyHash), []byte(apiKey)); err != nil {
			s.logger.Warn("admin auth failed: invalid API key", "path", r.URL.Path)
			s.writeError(w, http.StatusUnauthorized, "unauthorized: invalid API key")
			return
		}

		next(w, r)
	}
}
