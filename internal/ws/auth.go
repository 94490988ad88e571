package ws

import (
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"go_dbchange/internal/auth"
	"go_dbchange/internal/authz"
)

// extractToken extracts JWT token from request
// Priority: 1. token query parameter, 2. Authorization header
func extractToken(query func(string) string, header http.Header) string {
	// Socket.IO client: io("url", { query: { token: "xxx" } })
	if token := query("token"); token != "" {
		return token
	}

	authHeader := header.Get("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
	}
	return ""
}

func callerFromToken(tokens *auth.TokenManager, token string) (authz.Caller, error) {
	claims, err := tokens.Parse(token)
	if err != nil {
		return authz.Caller{}, err
	}
	return authz.Caller{UID: claims.UID, Username: claims.Username, Role: claims.Role}, nil
}

// WrapWithAuth rejects Socket.IO handshakes without a valid token
func WrapWithAuth(next http.Handler, tokens *auth.TokenManager, logger *logrus.Entry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Socket.IO handshake is a GET request to /socket.io/?EIO=4&transport=polling
		if r.Method == http.MethodGet && strings.Contains(r.URL.Path, "/socket.io/") {
			token := extractToken(r.URL.Query().Get, r.Header)
			if token == "" {
				logger.WithField("remote", r.RemoteAddr).Warn("Handshake rejected: no token")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			if _, err := callerFromToken(tokens, token); err != nil {
				logger.WithError(err).WithField("remote", r.RemoteAddr).Warn("Handshake rejected: invalid token")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
