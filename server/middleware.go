package server

import (
	"net/http"

	"github.com/nomis52/minion/activity"
	"github.com/nomis52/minion/work"
)

// withRequestContext resolves the scope, user and inbound proxy-scope token of
// a request into its context.
func withRequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var scope []string
		query := r.URL.Query()
		for _, p := range work.ScopeParams {
			if v := query.Get(p); v != "" {
				scope = append(scope, v)
			}
		}
		if len(scope) > 0 {
			ctx = activity.WithScope(ctx, scope...)
		}

		if user := requestUser(r); user != "" {
			ctx = activity.WithUser(ctx, user)
		}
		if token := r.Header.Get(activity.ProxyScopeHeader); token != "" {
			ctx = activity.WithRemoteScope(ctx, token)
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestUser(r *http.Request) string {
	if user := r.Header.Get(work.RemoteUserHeader); user != "" {
		return user
	}
	if user, _, ok := r.BasicAuth(); ok {
		return user
	}
	return ""
}
