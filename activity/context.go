package activity

import (
	"context"
	"log/slog"
)

// ProxyScopeHeader carries the proxy-scope token on calls made while a proxy
// is mirroring a peer's activities.
const ProxyScopeHeader = "X-Proxy-Activity-Scope"

type contextKey int

const (
	activityKey contextKey = iota
	scopeKey
	userKey
	remoteScopeKey
	proxyScopeKey
)

// WithScope returns a context whose activities run under the given scope.
func WithScope(ctx context.Context, scope ...string) context.Context {
	return context.WithValue(ctx, scopeKey, append([]string(nil), scope...))
}

// ScopeFrom returns the scope carried by ctx.
func ScopeFrom(ctx context.Context) []string {
	scope, _ := ctx.Value(scopeKey).([]string)
	return append([]string(nil), scope...)
}

// WithUser returns a context identifying the acting user.
func WithUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// UserFrom returns the user carried by ctx, or "".
func UserFrom(ctx context.Context) string {
	user, _ := ctx.Value(userKey).(string)
	return user
}

// WithRemoteScope marks ctx as serving a call made by a proxy on another
// server. Activities started under it carry the token as their first scope
// entry so the calling proxy can pick them out of the activity stream.
func WithRemoteScope(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, remoteScopeKey, token)
}

// RemoteScopeFrom returns the inbound proxy-scope token, or "".
func RemoteScopeFrom(ctx context.Context) string {
	token, _ := ctx.Value(remoteScopeKey).(string)
	return token
}

// WithProxyScope returns a context whose outbound calls carry token in the
// ProxyScopeHeader.
func WithProxyScope(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, proxyScopeKey, token)
}

// ProxyScopeFrom returns the outbound proxy-scope token, or "".
func ProxyScopeFrom(ctx context.Context) string {
	token, _ := ctx.Value(proxyScopeKey).(string)
	return token
}

func withActivity(ctx context.Context, a *Activity) context.Context {
	return context.WithValue(ctx, activityKey, a)
}

func activityFrom(ctx context.Context) *Activity {
	a, _ := ctx.Value(activityKey).(*Activity)
	return a
}

// IDFrom returns the id of the activity carried by ctx, or "".
func IDFrom(ctx context.Context) string {
	if a := activityFrom(ctx); a != nil {
		return a.id
	}
	return ""
}

// LogAttrs returns the activity, user and inbound proxy scope carried by ctx as
// log attributes.
// It is meant to be installed with logging.WithContextAttrs.
func LogAttrs(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr
	if a := activityFrom(ctx); a != nil {
		attrs = append(attrs, slog.String("activity", a.id))
	}
	if user := UserFrom(ctx); user != "" {
		attrs = append(attrs, slog.String("user", user))
	}
	if token := RemoteScopeFrom(ctx); token != "" {
		attrs = append(attrs, slog.String("proxy_scope", token))
	}
	return attrs
}
