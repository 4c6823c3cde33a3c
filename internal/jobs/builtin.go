package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/xela07ax/opsbrain/internal/connectors"
	"github.com/xela07ax/opsbrain/internal/domain"
	"github.com/xela07ax/opsbrain/internal/store"
)

const (
	DeviceSnapshotJob    = "device-snapshot"
	SnapshotRetentionJob = "snapshot-retention"

	SnapshotComputedEvent = "snapshot.computed"
)

// Announcer публикует доменное событие на шину (swarm.Orchestrator).
type Announcer interface {
	Announce(ctx context.Context, eventType string, payload any) error
}

// DeviceSnapshot опрашивает все коннекторы, сохраняет снимок и объявляет о нем.
// Частичный отказ — успех с ошибкой в снимке; отказ всех коннекторов — ошибка джобы.
func DeviceSnapshot(reg *connectors.Registry, states store.StateStore, announcer Announcer, now func() time.Time) Func {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) (Summary, error) {
		names := reg.Names()
		snap := domain.Snapshot{
			ID:          uuid.NewString(),
			GeneratedAt: now().UTC(),
			Connectors:  make(map[string]domain.ConnectorSnapshot, len(names)),
		}

		var devices, failed int
		var errs []error
		for _, name := range names {
			c, err := reg.Get(name)
			if err != nil {
				return nil, err
			}
			res, err := c.ReadStatus(ctx, connectors.ReadStatusInput{})
			if err != nil {
				ce := connectors.Classify(err)
				failed++
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				snap.Connectors[name] = domain.ConnectorSnapshot{Error: ce.Message, Code: string(ce.Code), Devices: []domain.Device{}}
				continue
			}
			devices += len(res.Devices)
			snap.Connectors[name] = domain.ConnectorSnapshot{Healthy: true, Devices: res.Devices, RawCount: res.RawCount}
		}

		if len(names) > 0 && failed == len(names) {
			return Summary{"connectors": len(names), "failed": failed}, errors.Join(errs...)
		}

		if err := states.Save(ctx, snap); err != nil {
			return nil, fmt.Errorf("save snapshot: %w", err)
		}

		summary := Summary{"snapshotId": snap.ID, "connectors": len(names), "devices": devices, "failed": failed}
		if announcer != nil {
			// Сбой объявления не отменяет сохраненный снимок
			if err := announcer.Announce(ctx, SnapshotComputedEvent, summary); err != nil {
				summary["announceError"] = err.Error()
			}
		}
		return summary, nil
	}
}

type RetentionConfig struct {
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	Days    int  `mapstructure:"days" json:"days"`
}

// SnapshotRetention удаляет историю снимков старше Days. Журнал событий не трогается никогда.
func SnapshotRetention(states store.StateStore, cfg RetentionConfig, now func() time.Time) Func {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) (Summary, error) {
		if !cfg.Enabled || cfg.Days <= 0 {
			return Summary{"pruned": 0, "disabled": true}, nil
		}
		before := now().Add(-time.Duration(cfg.Days) * 24 * time.Hour)
		n, err := states.Prune(ctx, before)
		if err != nil {
			return nil, fmt.Errorf("prune snapshots: %w", err)
		}
		return Summary{"pruned": n, "before": before.UTC().Format(time.RFC3339)}, nil
	}
}
