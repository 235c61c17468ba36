package control

import (
	"context"
	"net/http"
	"strings"

	"github.com/thermobridge/thermobridge/internal/httpmw"
	"github.com/thermobridge/thermobridge/internal/model"
	"github.com/thermobridge/thermobridge/internal/store"
)

type authCtxKey struct{}

// authContext extracts the resolved bearer identity stashed by BearerAuth.
func authContext(r *http.Request) (*model.AuthContext, bool) {
	ac, ok := r.Context().Value(authCtxKey{}).(*model.AuthContext)
	return ac, ok
}

// BearerAuth validates the control API's Authorization: Bearer <key>
// header against StateStore (the store hashes the raw key and looks the
// hash up) and stashes the resolved AuthContext on the request. It does
// not check the key's serial/action scope; the handlers do that.
func BearerAuth(st store.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				httpmw.Unauthorized(w, "bearer token required")
				return
			}

			ac, err := st.ValidateApiKey(r.Context(), raw)
			if err != nil {
				httpmw.Unauthorized(w, "invalid bearer token")
				return
			}

			ctx := context.WithValue(r.Context(), authCtxKey{}, ac)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func extractBearer(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}
