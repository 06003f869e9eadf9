package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/playperu/hunt/internal/hunt"
)

type ctxKey int

const ctxKeySession ctxKey = iota

// session is the authenticated user and the event the request is about.
type session struct {
	User  hunt.User
	Event hunt.Event
}

// bearerToken reads the Authorization header. Browsers cannot set headers on
// a websocket upgrade, so the token query parameter is accepted as well.
func bearerToken(r *http.Request) string {
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return r.URL.Query().Get("token")
}

func authMiddleware(store Store, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				writeError(w, http.StatusUnauthorized, "invalid or missing session token")
				return
			}
			user, err := store.UserByToken(r.Context(), token)
			if errors.Is(err, hunt.ErrNotFound) {
				writeError(w, http.StatusUnauthorized, "invalid or missing session token")
				return
			}
			if err != nil {
				writeErr(w, logger, err)
				return
			}

			ev, err := store.CurrentEvent(r.Context())
			if err != nil {
				writeErr(w, logger, err)
				return
			}

			ctx := context.WithValue(r.Context(), ctxKeySession, session{User: user, Event: ev})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// adminMiddleware admits event admins only. It runs after authMiddleware.
func adminMiddleware(store Store, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess := sessionFrom(r)
			ok, err := store.IsAdmin(r.Context(), sess.User.ID, sess.Event.ID)
			if err != nil {
				writeErr(w, logger, err)
				return
			}
			if !ok {
				writeError(w, http.StatusForbidden, "event admins only")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func sessionFrom(r *http.Request) session {
	return r.Context().Value(ctxKeySession).(session)
}
