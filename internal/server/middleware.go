package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	AdminTokenHeader = "X-Admin-Token"
	TraceHeader      = "X-Trace-ID"
)

// Тип для ключа в контексте (избегаем коллизий)
type ctxKey string

const traceIDKey ctxKey = "trace_id"

// TraceID инициализирует Trace-ID для каждого запроса
func TraceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 1. Пытаемся достать ID из заголовка (если пришел от агента/прокси)
		traceID := r.Header.Get(TraceHeader)

		// 2. Если его нет — генерируем новый
		if traceID == "" {
			traceID = uuid.NewString()
		}

		// 3. Кладем в контекст и отдаем клиенту
		ctx := context.WithValue(r.Context(), traceIDKey, traceID)
		w.Header().Set(TraceHeader, traceID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// TraceIDFrom достает ID запроса; пустая строка, если middleware не подключен.
func TraceIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey).(string)
	return id
}

// observe пишет метрики по шаблону маршрута и access-лог.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)

		s.d.Metrics.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
		s.d.Metrics.HTTPDuration.WithLabelValues(route).Observe(elapsed.Seconds())

		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("elapsed", elapsed),
			zap.String("trace_id", TraceIDFrom(r.Context())))
	})
}

// AdminToken сверяет X-Admin-Token с bcrypt-хэшем из конфига.
// Без настроенного хэша защищенный периметр закрыт целиком.
func AdminToken(hash string, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if hash == "" {
				writeError(w, http.StatusServiceUnavailable, "ADMIN_TOKEN_NOT_CONFIGURED", "admin token is not configured")
				return
			}
			token := r.Header.Get(AdminTokenHeader)
			if token == "" {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing admin token")
				return
			}
			if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)); err != nil {
				logger.Warn("admin token rejected",
					zap.String("remote", r.RemoteAddr),
					zap.String("trace_id", TraceIDFrom(r.Context())))
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid admin token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
