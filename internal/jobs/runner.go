// Package jobs — именованные идемпотентные джобы: защита от наложения, учет исходов, планировщик.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/opsbrain/internal/domain"
	"github.com/xela07ax/opsbrain/internal/metrics"
	"github.com/xela07ax/opsbrain/internal/store"
)

var ErrUnknownJob = errors.New("unknown job")

const runnerActorID = "job-runner"

// Summary — краткий итог прогона, попадает в аудит.
type Summary map[string]any

// Func — тело джобы. Должна быть идемпотентной в пределах тика.
type Func func(ctx context.Context) (Summary, error)

type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// Stats — счетчики по имени джобы.
type Stats struct {
	SuccessCount  int64      `json:"success_count"`
	FailureCount  int64      `json:"failure_count"`
	SkipCount     int64      `json:"skip_count"`
	Running       bool       `json:"running"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

type Runner struct {
	events  store.EventStore
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time

	mu    sync.Mutex
	jobs  map[string]Func
	stats map[string]*Stats
}

func NewRunner(events store.EventStore, m *metrics.Metrics, logger *zap.Logger) *Runner {
	if m == nil {
		m = metrics.New(nil)
	}
	return &Runner{
		events:  events,
		metrics: m,
		logger:  logger.With(zap.String("mod", "jobs")),
		now:     time.Now,
		jobs:    make(map[string]Func),
		stats:   make(map[string]*Stats),
	}
}

func (r *Runner) Register(name string, fn Func) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[name]; exists {
		return fmt.Errorf("jobs: %q already registered", name)
	}
	r.jobs[name] = fn
	r.stats[name] = &Stats{}
	return nil
}

// Run выполняет джобу. Если прогон с тем же именем уже идет, вызов пропускается (skipped),
// а не ставится в очередь. Ошибка джобы записывается в аудит и возвращается вызывающему.
func (r *Runner) Run(ctx context.Context, name string) (Outcome, Summary, error) {
	// 1. Захват слота под мьютексом
	r.mu.Lock()
	fn, ok := r.jobs[name]
	if !ok {
		r.mu.Unlock()
		return "", nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	st := r.stats[name]
	if st.Running {
		st.SkipCount++
		r.mu.Unlock()

		r.metrics.JobRuns.WithLabelValues(name, string(OutcomeSkipped)).Inc()
		r.audit(ctx, name, OutcomeSkipped, domain.Event{Metadata: map[string]any{"reason": "already running"}})
		return OutcomeSkipped, nil, nil
	}
	st.Running = true
	r.mu.Unlock()

	// 2. Прогон
	start := r.now()
	summary, err := safeRun(ctx, fn)
	duration := r.now().Sub(start)
	r.metrics.JobDuration.WithLabelValues(name).Observe(duration.Seconds())

	// 3. Счетчики
	r.mu.Lock()
	st.Running = false
	st.LastRunAt = &start
	if err != nil {
		st.FailureCount++
		st.LastError = err.Error()
	} else {
		st.SuccessCount++
		st.LastError = ""
		finished := start.Add(duration)
		st.LastSuccessAt = &finished
	}
	r.mu.Unlock()

	// 4. Аудит исхода
	meta := map[string]any{"durationMs": duration.Milliseconds()}
	if err != nil {
		meta["error"] = err.Error()
		r.metrics.JobRuns.WithLabelValues(name, string(OutcomeFailed)).Inc()
		r.audit(ctx, name, OutcomeFailed, domain.Event{Metadata: meta})
		r.logger.Error("job failed", zap.String("job", name), zap.Duration("took", duration), zap.Error(err))
		return OutcomeFailed, summary, err
	}

	if summary != nil {
		meta["summary"] = map[string]any(summary)
	}
	r.metrics.JobRuns.WithLabelValues(name, string(OutcomeSucceeded)).Inc()
	r.audit(ctx, name, OutcomeSucceeded, domain.Event{Metadata: meta, OutputHash: domain.HashJSON(summary)})
	r.logger.Debug("job succeeded", zap.String("job", name), zap.Duration("took", duration))
	return OutcomeSucceeded, summary, nil
}

// Stats — копия счетчиков всех зарегистрированных джоб.
func (r *Runner) Stats() map[string]Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Stats, len(r.stats))
	for name, st := range r.stats {
		out[name] = *st
	}
	return out
}

// Names — имена джоб в стабильном порядке.
func (r *Runner) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.jobs))
	for n := range r.jobs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// audit не маскирует исход джобы: сбой журнала только логируется.
func (r *Runner) audit(ctx context.Context, name string, outcome Outcome, e domain.Event) {
	e.ID = uuid.NewString()
	e.OccurredAt = r.now().UTC()
	e.ActorType = domain.ActorSystem
	e.ActorID = runnerActorID
	e.Action = "job." + name + "." + string(outcome)
	e.Target = name
	if err := r.events.Append(context.WithoutCancel(ctx), e); err != nil {
		r.logger.Warn("job audit append failed", zap.String("job", name), zap.Error(err))
	}
}

func safeRun(ctx context.Context, fn Func) (s Summary, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("job panic: %v", rec)
		}
	}()
	return fn(ctx)
}
