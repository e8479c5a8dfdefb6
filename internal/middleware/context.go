package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/peopledesk/internal/model"
)

type contextKey string

const (
	actorKey     contextKey = "actor"
	actorNameKey contextKey = "actor_name"
)

// ActorFromContext returns the acting employee or bot set by ActorAuth.
func ActorFromContext(ctx context.Context) (model.ActorRef, bool) {
	v, ok := ctx.Value(actorKey).(model.ActorRef)
	return v, ok
}

// ActorNameFromContext returns the actor's display name, if the gateway sent one.
func ActorNameFromContext(ctx context.Context) string {
	v, _ := ctx.Value(actorNameKey).(string)
	return v
}

// ActorAuth resolves the acting identity from the X-Actor-Id / X-Actor-Type /
// X-Actor-Name headers. The platform gateway authenticates the caller and
// stamps these headers; this service never sees credentials. Combined with
// InternalOnly the headers cannot be forged from outside the private network.
func ActorAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Actor-Id"))
		if id == "" {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		actorType := model.ActorType(strings.TrimSpace(r.Header.Get("X-Actor-Type")))
		switch actorType {
		case model.ActorEmployee, model.ActorBot:
		case "":
			actorType = model.ActorEmployee
		default:
			http.Error(w, `{"error":"unknown actor type"}`, http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), actorKey, model.ActorRef{Type: actorType, ID: id})
		if name := strings.TrimSpace(r.Header.Get("X-Actor-Name")); name != "" {
			ctx = context.WithValue(ctx, actorNameKey, name)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
