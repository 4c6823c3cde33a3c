package bus

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"
)

// StartLatest — специальный курсор: читать только записи, появившиеся после старта цикла.
const StartLatest = "$"

var ErrLogClosed = errors.New("log closed")

// Record — запись потока с монотонным id, назначенным сервером.
type Record struct {
	ID   string
	Data []byte
}

// Log — долговечный append-only примитив, поверх которого строится шина.
type Log interface {
	Append(ctx context.Context, data []byte) (string, error)
	// ReadAfter ждет до block новых записей строго после afterID; block <= 0 — без ожидания.
	ReadAfter(ctx context.Context, afterID string, count int, block time.Duration) ([]Record, error)
	LastID(ctx context.Context) (string, error)
	Ping(ctx context.Context) error
	Close() error
}

// MemoryLog — in-process реализация с id вида "<seq>-0".
type MemoryLog struct {
	mu      sync.Mutex
	records []Record
	seq     uint64
	signal  chan struct{}
	closed  bool
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{signal: make(chan struct{})}
}

func (l *MemoryLog) Append(_ context.Context, data []byte) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return "", ErrLogClosed
	}
	l.seq++
	id := strconv.FormatUint(l.seq, 10) + "-0"
	l.records = append(l.records, Record{ID: id, Data: append([]byte(nil), data...)})

	// Будим всех ожидающих читателей
	close(l.signal)
	l.signal = make(chan struct{})
	return id, nil
}

func (l *MemoryLog) ReadAfter(ctx context.Context, afterID string, count int, block time.Duration) ([]Record, error) {
	after := parseSeq(afterID)
	deadline := time.Now().Add(block)

	for {
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return nil, ErrLogClosed
		}
		var out []Record
		for _, r := range l.records {
			if parseSeq(r.ID) <= after {
				continue
			}
			out = append(out, r)
			if count > 0 && len(out) >= count {
				break
			}
		}
		wait := l.signal
		l.mu.Unlock()

		remaining := time.Until(deadline)
		if len(out) > 0 || remaining <= 0 {
			return out, nil
		}

		timer := time.NewTimer(remaining)
		select {
		case <-wait:
			timer.Stop()
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

func (l *MemoryLog) LastID(context.Context) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strconv.FormatUint(l.seq, 10) + "-0", nil
}

func (l *MemoryLog) Ping(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLogClosed
	}
	return nil
}

func (l *MemoryLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.signal)
	}
	return nil
}

// parseSeq берет старшую часть id "<ms|seq>-<n>"; "0", "0-0" и мусор — начало потока.
func parseSeq(id string) uint64 {
	head, _, _ := strings.Cut(id, "-")
	n, err := strconv.ParseUint(head, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
