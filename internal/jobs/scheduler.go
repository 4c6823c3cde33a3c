package jobs

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"
)

type ScheduleConfig struct {
	Interval     time.Duration `mapstructure:"interval" json:"interval"`
	Jitter       time.Duration `mapstructure:"jitter" json:"jitter"`
	InitialDelay time.Duration `mapstructure:"initial_delay" json:"initial_delay"`
}

// SchedulerState — явное состояние планировщика, отдается в /api/status.
type SchedulerState struct {
	Job                 string     `json:"job"`
	Interval            string     `json:"interval"`
	Jitter              string     `json:"jitter"`
	Running             bool       `json:"running"`
	NextRunAt           *time.Time `json:"next_run_at,omitempty"`
	LastRunAt           *time.Time `json:"last_run_at,omitempty"`
	LastOutcome         Outcome    `json:"last_outcome,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastFailureMessage  string     `json:"last_failure_message,omitempty"`
}

// Scheduler — самоперепланирующийся таймер одной джобы. Экземпляров может быть сколько угодно.
type Scheduler struct {
	job    string
	runner *Runner
	cfg    ScheduleConfig
	logger *zap.Logger
	now    func() time.Time
	jitter func(max time.Duration) time.Duration

	mu     sync.Mutex
	state  SchedulerState
	cancel context.CancelFunc
	done   chan struct{}
}

func NewScheduler(job string, runner *Runner, cfg ScheduleConfig, logger *zap.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Scheduler{
		job:    job,
		runner: runner,
		cfg:    cfg,
		logger: logger.With(zap.String("mod", "scheduler"), zap.String("job", job)),
		now:    time.Now,
		jitter: randomJitter,
		state: SchedulerState{
			Job:      job,
			Interval: cfg.Interval.String(),
			Jitter:   cfg.Jitter.String(),
		},
	}
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max)))
}

// NextDelay — интервал плюс случайный джиттер в [0, jitter).
func (s *Scheduler) NextDelay() time.Duration {
	return s.cfg.Interval + s.jitter(s.cfg.Jitter)
}

// Start запускает цикл. Остановка — Stop или отмена ctx; таймер не держит процесс.
// Повторный Start на работающем планировщике игнорируется, после остановки запускает заново.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.state.Running = true
	go s.loop(ctx, s.done)
}

// Stop отменяет таймер и ждет завершения текущего прогона.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Scheduler) Status() SchedulerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer func() {
		s.mu.Lock()
		s.state.Running = false
		s.state.NextRunAt = nil
		// Освобождаем слот: после Stop или отмены ctx планировщик можно запустить снова
		if s.done == done {
			s.cancel()
			s.cancel, s.done = nil, nil
		}
		s.mu.Unlock()
		close(done)
	}()

	delay := s.cfg.InitialDelay
	for {
		s.setNext(delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		s.tick(ctx)
		delay = s.NextDelay()
	}
}

func (s *Scheduler) setNext(delay time.Duration) {
	next := s.now().Add(delay)
	s.mu.Lock()
	s.state.NextRunAt = &next
	s.mu.Unlock()
}

func (s *Scheduler) tick(ctx context.Context) {
	startedAt := s.now()
	outcome, _, err := s.runner.Run(ctx, s.job)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.LastRunAt = &startedAt
	s.state.LastOutcome = outcome
	switch {
	case err != nil:
		s.state.ConsecutiveFailures++
		s.state.LastFailureMessage = err.Error()
		s.logger.Warn("scheduled run failed",
			zap.Int("consecutive_failures", s.state.ConsecutiveFailures),
			zap.Error(err))
	case outcome == OutcomeSucceeded:
		s.state.ConsecutiveFailures = 0
	}
}
