package middleware

import (
	"net/http"

	"github.com/peopledesk/internal/logger"
	"github.com/peopledesk/internal/model"
)

// PermissionOracle answers coarse permission questions for an actor. The
// platform's permission service implements it; AllowAll serves dev setups.
type PermissionOracle interface {
	HasPermission(r *http.Request, actor model.ActorRef, permission string) (bool, error)
}

// Permission names checked on the HTTP surface.
const (
	PermSendMessages   = "messages:send"
	PermDeleteMessages = "messages:delete"
	PermSyncMembers    = "members:sync"
)

// RequirePermission rejects the request with 403 unless the oracle grants the
// named permission to the context actor. ActorAuth must run first.
func RequirePermission(oracle PermissionOracle, permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := ActorFromContext(r.Context())
			if !ok {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			allowed, err := oracle.HasPermission(r, actor, permission)
			if err != nil {
				logger.Errorf("authz %s actor=%s: %v", permission, actor.Key(), err)
				http.Error(w, `{"error":"internal"}`, http.StatusInternalServerError)
				return
			}
			if !allowed {
				http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AllowAll grants every permission. Used with -dev when no permission service
// is configured.
type AllowAll struct{}

func (AllowAll) HasPermission(*http.Request, model.ActorRef, string) (bool, error) {
	return true, nil
}
