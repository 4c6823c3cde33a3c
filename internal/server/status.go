package server

import (
	"context"
	"net/http"
	"time"

	"github.com/xela07ax/opsbrain/internal/bus"
	"github.com/xela07ax/opsbrain/internal/connectors"
	"github.com/xela07ax/opsbrain/internal/jobs"
)

const probeTimeout = 3 * time.Second

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type readiness struct {
	Status      string     `json:"status"`
	SnapshotID  string     `json:"snapshot_id,omitempty"`
	GeneratedAt *time.Time `json:"generated_at,omitempty"`
	AgeSeconds  int64      `json:"age_seconds,omitempty"`
}

// readyz: готов, если последний снимок устройств не старше MaxSnapshotAge.
func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	snap, err := s.d.States.Latest(ctx)
	if err != nil {
		s.logger.Warn("readiness: latest snapshot unavailable")
		writeError(w, http.StatusServiceUnavailable, "STATE_UNAVAILABLE", "state store is unavailable")
		return
	}
	if snap == nil {
		writeError(w, http.StatusServiceUnavailable, "SNAPSHOT_MISSING", "no device snapshot yet")
		return
	}

	age := s.d.Now().Sub(snap.GeneratedAt)
	if s.cfg.MaxSnapshotAge > 0 && age > s.cfg.MaxSnapshotAge {
		writeError(w, http.StatusServiceUnavailable, "SNAPSHOT_STALE",
			"latest snapshot is older than "+s.cfg.MaxSnapshotAge.String())
		return
	}
	generated := snap.GeneratedAt
	writeJSON(w, http.StatusOK, readiness{
		Status:      "ready",
		SnapshotID:  snap.ID,
		GeneratedAt: &generated,
		AgeSeconds:  int64(age / time.Second),
	})
}

type busReport struct {
	bus.Status
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

type statusReport struct {
	Time       time.Time                          `json:"time"`
	Schedulers []jobs.SchedulerState              `json:"schedulers"`
	Retention  jobs.RetentionConfig               `json:"retention"`
	Jobs       map[string]jobs.Stats              `json:"jobs,omitempty"`
	Bus        *busReport                         `json:"bus,omitempty"`
	Breakers   map[string]connectors.BreakerState `json:"breakers,omitempty"`
	Executor   string                             `json:"executor,omitempty"`
}

// status — операционная сводка: планировщики, джобы, шина, цепи.
func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	rep := statusReport{
		Time:       s.d.Now().UTC(),
		Schedulers: make([]jobs.SchedulerState, 0, len(s.d.Schedulers)),
		Retention:  s.cfg.Retention,
	}
	for _, sc := range s.d.Schedulers {
		rep.Schedulers = append(rep.Schedulers, sc.Status())
	}
	if s.d.Jobs != nil {
		rep.Jobs = s.d.Jobs.Stats()
	}
	if s.d.Bus != nil {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		defer cancel()
		br := &busReport{Status: s.d.Bus.Status(), Healthy: true}
		if err := s.d.Bus.Healthcheck(ctx); err != nil {
			br.Healthy = false
			br.Error = err.Error()
		}
		rep.Bus = br
	}
	if s.d.Connectors != nil {
		rep.Breakers = s.d.Connectors.Breakers()
	}
	if s.d.Executor != nil {
		rep.Executor = s.d.Executor.State()
	}
	writeJSON(w, http.StatusOK, rep)
}

// connectorsHealth опрашивает коннекторы напрямую (в обход breaker).
func (s *Server) connectorsHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()
	writeJSON(w, http.StatusOK, s.d.Connectors.HealthAll(ctx))
}
