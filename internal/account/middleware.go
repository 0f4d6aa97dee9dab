package account

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/edgegate/authd/internal/shared"
)

// withIdentity resolves the bearer token, loads the caller's current record
// through the directory, and attaches the identity to the request context.
// Any failure leaves the request unauthenticated rather than rejecting it;
// requireAuth decides whether that matters for a given route.
func (h *Handler) withIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		claims, err := h.issuer.Verify(raw)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		id, err := uuid.Parse(claims.UserID)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		// Load the live record so role or acknowledgment changes made after
		// issuance take effect immediately.
		u, err := h.directory.GetByID(r.Context(), id)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		ctx := shared.ContextWithIdentity(r.Context(), &shared.Identity{
			UserID: u.ID,
			Roles:  int(u.Roles),
			Token:  raw,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if shared.IdentityFromContext(r.Context()) == nil {
			writeProblem(w, http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}
