// Package auth provides HTTP Basic authentication backed by a bcrypt
// password hash from config.
package auth

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// Authenticator checks requests against a single configured credential
// pair. With no username configured, authentication is disabled.
type Authenticator struct {
	username     string
	passwordHash string
	logger       *slog.Logger
}

// New creates an Authenticator. An empty username disables auth; this
// is logged loudly so it never goes unnoticed in a deployment.
func New(username, passwordHash string, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	if username == "" {
		logger.Warn("authentication disabled: no auth.username configured")
	}
	return &Authenticator{
		username:     username,
		passwordHash: passwordHash,
		logger:       logger,
	}
}

// Enabled reports whether credentials are configured.
func (a *Authenticator) Enabled() bool {
	return a.username != ""
}

// Middleware rejects unauthenticated requests with 401 before the
// wrapped handler runs, so protected endpoints never mutate state for
// anonymous callers.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		user, pass, ok := r.BasicAuth()
		if !ok || !a.check(user, pass) {
			w.Header().Set("WWW-Authenticate", `Basic realm="taurus"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (a *Authenticator) check(user, pass string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(a.username)) == 1
	passOK := bcrypt.CompareHashAndPassword([]byte(a.passwordHash), []byte(pass)) == nil
	return userOK && passOK
}
