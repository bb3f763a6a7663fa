package httpx

import (
	"context"
	"net/http"
	"strings"
)

type ownerContextKey string

const (
	contextKeyOwner ownerContextKey = "devport-owner-id"
	ownerHeader                     = "X-Owner-ID"
	maxOwnerIDLength                = 128
)

type contextSetter interface {
	SetContext(context.Context)
}

// withOwner resolves the calling owner from the X-Owner-ID header, falling back to the
// configured default owner.
func (r *Router) withOwner(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		owner := strings.TrimSpace(req.Header.Get(ownerHeader))
		if owner == "" {
			owner = strings.TrimSpace(r.opts.DefaultOwnerID)
		}
		if owner == "" {
			writeError(w, http.StatusUnauthorized, "owner id required")
			return
		}
		if len(owner) > maxOwnerIDLength {
			writeError(w, http.StatusBadRequest, "owner id too long")
			return
		}
		ctx := context.WithValue(req.Context(), contextKeyOwner, owner)
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next(w, req.WithContext(ctx))
	}
}

func ownerFromContext(ctx context.Context) string {
	owner, _ := ctx.Value(contextKeyOwner).(string)
	return owner
}
