package auth

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// ContextKey is the key type for context values
type ContextKey string

const (
	// UserContextKey is the context key for user information
	UserContextKey ContextKey = "user"
)

// UserContext is the authenticated caller attached to a request.
type UserContext struct {
	Subject string
	TokenID string
	Scopes  []string
}

// FromContext returns the authenticated caller, if any.
func FromContext(ctx context.Context) (*UserContext, bool) {
	uc, ok := ctx.Value(UserContextKey).(*UserContext)
	return uc, ok && uc != nil
}

// SubjectFromContext returns the caller's subject or "".
func SubjectFromContext(ctx context.Context) string {
	if uc, ok := FromContext(ctx); ok {
		return uc.Subject
	}
	return ""
}

// Middleware provides bearer token authentication for HTTP handlers
type Middleware struct {
	jwtManager *JWTManager
	logger     *zap.Logger
}

// NewMiddleware creates a new authentication middleware. A nil manager
// disables the check and every request passes through anonymously.
func NewMiddleware(jwtManager *JWTManager, logger *zap.Logger) *Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Middleware{jwtManager: jwtManager, logger: logger}
}

// Enabled reports whether requests are checked.
func (m *Middleware) Enabled() bool {
	return m.jwtManager != nil
}

// HTTPMiddleware rejects requests without a valid bearer token.
func (m *Middleware) HTTPMiddleware(next http.Handler) http.Handler {
	if !m.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			m.sendUnauthorized(w, "Bearer token is required")
			return
		}

		userCtx, err := m.jwtManager.ValidateToken(token)
		if err != nil {
			m.logger.Debug("Token validation failed",
				zap.Error(err),
				zap.String("path", r.URL.Path),
			)
			m.sendUnauthorized(w, "Invalid token")
			return
		}

		m.logger.Debug("Request authenticated",
			zap.String("subject", userCtx.Subject),
			zap.String("path", r.URL.Path),
		)
		ctx := context.WithValue(r.Context(), UserContextKey, userCtx)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractToken reads the Authorization header. Stream endpoints may also
// pass ?token= since the browser EventSource API cannot set headers.
func extractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	if strings.HasPrefix(r.URL.Path, "/stream/") {
		return r.URL.Query().Get("token")
	}
	return ""
}

func (m *Middleware) sendUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="promode"`)
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"unauthorized","detail":"` + message + `"}`))
}
