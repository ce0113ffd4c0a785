/*
middleware.go - actor resolution and request logging

The session layer lives upstream; what arrives here is X-User-ID. The
actor resolver loads that user once per request and threads a
core.Actor through the context, so handlers pass identity explicitly
into every operation instead of reaching for ambient state.
*/

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/previsora/cobranza-engine/core"
)

type contextKey string

const actorKey contextKey = "actor"

// resolveActor turns the X-User-ID header into a core.Actor.
func (h *Handler) resolveActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get("X-User-ID")
		if userID == "" {
			writeError(w, http.StatusForbidden, core.NewError(core.CodeNotAuthorized, "X-User-ID header is required"))
			return
		}
		user, err := h.Store.GetUser(r.Context(), core.UserID(userID))
		if err != nil {
			writeError(w, statusOf(err), err)
			return
		}
		if !user.Active {
			writeError(w, http.StatusForbidden, core.NewError(core.CodeNotAuthorized, "user is deactivated"))
			return
		}
		ctx := context.WithValue(r.Context(), actorKey, core.ActorOf(*user))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// actorFrom reads the resolved actor. Only reachable behind
// resolveActor, so a missing actor is a programming error.
func actorFrom(r *http.Request) core.Actor {
	actor, _ := r.Context().Value(actorKey).(core.Actor)
	return actor
}

// requestLogger emits one structured line per request.
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("request")
		})
	}
}
