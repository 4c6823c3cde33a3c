package auth

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/xela07ax/opsbrain/internal/domain"
)

// TokenValidator — интерфейс проверки токена актора
type TokenValidator interface {
	VerifyToken(tokenStr string) (domain.ActorContext, error)
}

type ctxKey struct{}

// WithActor кладет актора в контекст запроса.
func WithActor(ctx context.Context, a domain.ActorContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, a)
}

// ActorFrom достает актора, положенного middleware.
func ActorFrom(ctx context.Context) (domain.ActorContext, bool) {
	a, ok := ctx.Value(ctxKey{}).(domain.ActorContext)
	return a, ok
}

// NewMiddleware требует валидный Bearer токен актора. Ответ при отказе — 401 без деталей.
func NewMiddleware(v TokenValidator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeUnauthorized(w)
				return
			}

			actor, err := v.VerifyToken(authHeader)
			if err != nil {
				logger.Warn("auth failure", zap.Error(err))
				writeUnauthorized(w)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}

// StaticActor подставляет фиксированного актора (режим без RS256 ключа: все запросы от админа).
func StaticActor(a domain.ActorContext) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), a)))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":{"code":"UNAUTHORIZED","message":"missing or invalid actor token"}}`))
}
