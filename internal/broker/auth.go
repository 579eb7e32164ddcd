package broker

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Authentication mechanics live elsewhere; the broker only verifies
// credentials that arrive with a connection. Devices present the shared
// device token as a bearer header. Viewers present an HS256 JWT whose sub
// claim is their identity, either as a bearer header or, for browser
// WebSocket handshakes, a token query parameter.

var errNoCredentials = errors.New("no credentials presented")

// validateDeviceToken checks the shared device bearer token.
func (s *Server) validateDeviceToken(token string) bool {
	if s.cfg.DeviceToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.DeviceToken)) == 1
}

// viewerIdentity verifies a viewer JWT and returns the identity it carries.
func (s *Server) viewerIdentity(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(s.cfg.ViewerTokenSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", err
	}

	subject, err := token.Claims.GetSubject()
	if err != nil || subject == "" {
		return "", errors.New("token has no subject")
	}
	return subject, nil
}

// identityFromRequest extracts and verifies the viewer identity on an HTTP
// or WebSocket handshake request.
func (s *Server) identityFromRequest(r *http.Request) (string, error) {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return s.viewerIdentity(strings.TrimPrefix(auth, "Bearer "))
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return s.viewerIdentity(token)
	}
	return "", errNoCredentials
}

// requireViewer is the middleware guarding the HTTP API.
func (s *Server) requireViewer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.identityFromRequest(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "valid viewer token required")
			return
		}
		next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), identity)))
	})
}
