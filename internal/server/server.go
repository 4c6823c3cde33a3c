/*
Файл server.go — HTTP периметр ядра.

Публичная часть: liveness, readiness, статус планировщиков и метрики.
Защищенная часть (админ-токен + CORS): предложения, исполнение, подтверждения, политики, аудит.
*/
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xela07ax/opsbrain/internal/bus"
	"github.com/xela07ax/opsbrain/internal/capability"
	"github.com/xela07ax/opsbrain/internal/connectors"
	"github.com/xela07ax/opsbrain/internal/domain"
	"github.com/xela07ax/opsbrain/internal/infra/auth"
	"github.com/xela07ax/opsbrain/internal/jobs"
	"github.com/xela07ax/opsbrain/internal/metrics"
	"github.com/xela07ax/opsbrain/internal/store"
)

// CapabilityRuntime — то, что нужно периметру от capability.Runtime.
type CapabilityRuntime interface {
	CreateProposal(ctx context.Context, actor domain.ActorContext, req capability.ProposalRequest) (capability.ProposalResult, error)
	Execute(ctx context.Context, actor domain.ActorContext, req capability.ExecuteRequest) (capability.ExecuteResult, error)
	Proposal(ctx context.Context, actor domain.ActorContext, proposalID string) (*domain.ActionProposal, error)
	Approve(ctx context.Context, actor domain.ActorContext, proposalID string) (*domain.ActionProposal, error)
	Reject(ctx context.Context, actor domain.ActorContext, proposalID string) (*domain.ActionProposal, error)
	Catalog() *capability.Catalog
}

// SchedulerStatus — снимок состояния одного планировщика джоба.
type SchedulerStatus interface {
	Status() jobs.SchedulerState
}

type JobStats interface {
	Stats() map[string]jobs.Stats
}

type BusStatus interface {
	Status() bus.Status
	Healthcheck(ctx context.Context) error
}

type ExecutorState interface {
	State() string
}

type Config struct {
	AdminTokenHash string
	AllowedOrigins []string
	MaxSnapshotAge time.Duration
	Retention      jobs.RetentionConfig
}

// Deps: Runtime и States обязательны, остальное опционально.
type Deps struct {
	Runtime    CapabilityRuntime
	States     store.StateStore
	Policy     store.PolicyStore
	Events     store.EventStore
	Jobs       JobStats
	Schedulers []SchedulerStatus
	Bus        BusStatus
	Connectors *connectors.Registry
	Executor   ExecutorState

	// Validator проверяет RS256 токен актора; nil — все запросы от имени администратора
	Validator auth.TokenValidator

	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
	Now      func() time.Time
}

// AdminActor — актор запросов в режиме без RS256 ключа.
var AdminActor = domain.ActorContext{Type: domain.ActorStaff, ID: "admin", OwnerID: "admin"}

type Server struct {
	router *chi.Mux
	cfg    Config
	d      Deps
	logger *zap.Logger
}

func New(cfg Config, d Deps) *Server {
	if d.Metrics == nil {
		d.Metrics = metrics.New(nil)
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		router: chi.NewRouter(),
		cfg:    cfg,
		d:      d,
		logger: d.Logger.Named("http"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(TraceID)
	r.Use(s.observe)
	r.Use(middleware.Recoverer)
	// CORS до маршрутизации: preflight не должен упираться в админ-токен
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", AdminTokenHeader, TraceHeader},
		ExposedHeaders: []string{TraceHeader, "Retry-After"},
		MaxAge:         300,
	}))

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ ---
	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Get("/api/status", s.status)
	r.Method(http.MethodGet, "/api/metrics", promhttp.HandlerFor(s.d.Gatherer, promhttp.HandlerOpts{}))

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР ---
	r.Group(func(r chi.Router) {
		r.Use(AdminToken(s.cfg.AdminTokenHash, s.logger))
		if s.d.Validator != nil {
			r.Use(auth.NewMiddleware(s.d.Validator, s.logger))
		} else {
			r.Use(auth.StaticActor(AdminActor))
		}

		r.Get("/api/capabilities", s.listCapabilities)
		r.Route("/api/capabilities/{id}", func(r chi.Router) {
			r.Post("/proposals", s.createProposal)
			r.Post("/execute", s.execute)
		})

		r.Route("/api/proposals/{id}", func(r chi.Router) {
			r.Get("/", s.getProposal)
			r.Post("/approve", s.approve)
			r.Post("/reject", s.reject)
		})

		if s.d.Policy != nil {
			r.Route("/api/policy", func(r chi.Router) {
				r.Get("/", s.getPolicy)
				r.Put("/kill-switch", s.putKillSwitch)
				r.Put("/exemptions", s.putExemption)
			})
		}
		if s.d.Events != nil {
			r.Get("/api/events", s.listEvents)
		}
		if s.d.Connectors != nil {
			r.Get("/api/connectors", s.connectorsHealth)
		}
	})
}

// ServeHTTP позволяет использовать Server как стандартный http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
