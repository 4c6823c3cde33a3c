package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/xela07ax/opsbrain/internal/domain"
	"github.com/xela07ax/opsbrain/internal/resilience"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type memorySink struct {
	mu      sync.Mutex
	events  []domain.Event
	batches []int
	failN   int
	gate    chan struct{} // если задан, WriteBatch ждет его закрытия
	entered chan struct{}
}

func (s *memorySink) WriteBatch(ctx context.Context, events []domain.Event) error {
	if s.gate != nil {
		select {
		case s.entered <- struct{}{}:
		default:
		}
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failN > 0 {
		s.failN--
		return errors.New("connection reset by peer")
	}
	s.events = append(s.events, events...)
	s.batches = append(s.batches, len(events))
	return nil
}

func (s *memorySink) List(_ context.Context, f domain.EventFilter) ([]domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Event
	for _, e := range s.events {
		if f.Match(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memorySink) batchSizes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.batches...)
}

func quickPolicy() resilience.Policy {
	return resilience.Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

func event(action string) domain.Event {
	return domain.Event{ID: action, Action: action, ActorType: domain.ActorAgent, ActorID: "agent-1"}
}

func TestLedger_ListSeesAcceptedEvents(t *testing.T) {
	ctx := context.Background()
	sink := &memorySink{}
	l := NewLedger(sink, Config{FlushInterval: time.Hour}, quickPolicy(), nil, zap.NewNop())
	l.Start()
	defer l.Stop()

	require.NoError(t, l.Append(ctx, event("capability.vacuum.status.executed")))
	require.NoError(t, l.Append(ctx, event("capability.vacuum.start.denied")))

	got, err := l.List(ctx, domain.EventFilter{ActionPrefix: "capability.vacuum."})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.False(t, got[0].OccurredAt.IsZero())
	assert.Equal(t, []int{2}, sink.batchSizes())
}

func TestLedger_BatchesBySize(t *testing.T) {
	ctx := context.Background()
	sink := &memorySink{}
	l := NewLedger(sink, Config{BatchSize: 2, FlushInterval: time.Hour}, quickPolicy(), nil, zap.NewNop())
	l.Start()
	defer l.Stop()

	for _, a := range []string{"a", "b", "c", "d"} {
		require.NoError(t, l.Append(ctx, event(a)))
	}
	require.Eventually(t, func() bool { return len(sink.batchSizes()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{2, 2}, sink.batchSizes())
}

func TestLedger_StopFlushesAndRejectsLateEvents(t *testing.T) {
	ctx := context.Background()
	sink := &memorySink{}
	l := NewLedger(sink, Config{FlushInterval: time.Hour}, quickPolicy(), nil, zap.NewNop())
	l.Start()

	require.NoError(t, l.Append(ctx, event("job.device-snapshot.succeeded")))
	l.Stop()
	l.Stop()

	assert.Equal(t, []int{1}, sink.batchSizes())
	require.ErrorIs(t, l.Append(ctx, event("late")), ErrLedgerClosed)

	// После остановки чтение идет прямо в хранилище
	got, err := l.List(ctx, domain.EventFilter{})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestLedger_RetriesFailedWrite(t *testing.T) {
	ctx := context.Background()
	sink := &memorySink{failN: 2}
	l := NewLedger(sink, Config{FlushInterval: time.Hour}, quickPolicy(), nil, zap.NewNop())
	l.Start()
	defer l.Stop()

	require.NoError(t, l.Append(ctx, event("a")))
	require.NoError(t, l.Flush(ctx))
	assert.Equal(t, []int{1}, sink.batchSizes())
}

func TestLedger_FlushReportsLostBatch(t *testing.T) {
	ctx := context.Background()
	sink := &memorySink{failN: 10}
	l := NewLedger(sink, Config{FlushInterval: time.Hour}, quickPolicy(), nil, zap.NewNop())
	l.Start()
	defer l.Stop()

	require.NoError(t, l.Append(ctx, event("a")))
	require.Error(t, l.Flush(ctx))
}

func TestLedger_BackPressureWaitsForSpace(t *testing.T) {
	sink := &memorySink{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	l := NewLedger(sink, Config{BufferSize: 1, BatchSize: 1, FlushInterval: time.Hour}, quickPolicy(), nil, zap.NewNop())
	l.Start()

	ctx := context.Background()
	require.NoError(t, l.Append(ctx, event("first")))
	<-sink.entered // воркер держит первую пачку в хранилище

	require.NoError(t, l.Append(ctx, event("second"))) // занимает единственное место в буфере

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := l.Append(short, event("third"))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(sink.gate)
	l.Stop()
	assert.Equal(t, []int{1, 1}, sink.batchSizes())
}
