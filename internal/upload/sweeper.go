package upload

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/maneesh/edushare/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const sweepConcurrency = 4

// SweepResult summarises one sweep pass
type SweepResult struct {
	Scanned int `json:"scanned"`
	Expired int `json:"expired"`
	Skipped int `json:"skipped"`
}

// SweepStale fails in-progress uploads untouched for longer than ttl and discards their staging.
// Tasks being assembled are left alone.
func (s *Service) SweepStale(ctx context.Context, ttl time.Duration, batch int) (SweepResult, error) {
	ctx, span := tracer.Start(ctx, "upload.sweep",
		trace.WithAttributes(
			attribute.String("ttl", ttl.String()),
			attribute.Int("batch", batch),
		))
	defer span.End()

	cutoff := s.now().Add(-ttl)
	span.SetAttributes(attribute.String("cutoff", cutoff.Format(time.RFC3339)))
	tasks, err := s.Tasks.ListStaleTasks(ctx, cutoff, batch)
	if err != nil {
		span.RecordError(err)
		return SweepResult{}, storageErr("list stale tasks", err)
	}

	var expired, skipped atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)

	for _, task := range tasks {
		task := task
		g.Go(func() error {
			ok, err := s.expire(gctx, task, cutoff)
			if err != nil {
				// One broken task must not stop the rest of the batch.
				s.Logger.Warn("failed to expire stale upload", "task_id", task.ID, "error", err)
				skipped.Add(1)
				return nil
			}
			if ok {
				expired.Add(1)
			} else {
				skipped.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return SweepResult{}, err
	}

	res := SweepResult{Scanned: len(tasks), Expired: int(expired.Load()), Skipped: int(skipped.Load())}
	span.SetAttributes(attribute.Int("expired", res.Expired), attribute.Int("skipped", res.Skipped))
	if res.Scanned > 0 {
		s.Logger.Info("stale uploads swept", "scanned", res.Scanned, "expired", res.Expired, "skipped", res.Skipped)
	}
	return res, nil
}

// expire fails task if it is still stale once the assembly lock is held. A part recorded after
// the stale listing moves updated_at past the cutoff and keeps the task alive.
func (s *Service) expire(ctx context.Context, task *models.UploadTask, cutoff time.Time) (bool, error) {
	unlock, acquired, err := s.Locker.TryLock(ctx, assemblyLockKey(task.ID), s.Config.AssemblyLockTTL)
	if err != nil {
		return false, err
	}
	if !acquired {
		return false, nil
	}
	defer unlock(context.WithoutCancel(ctx))

	if err := s.Tasks.ExpireTask(ctx, task.ID, cutoff); err != nil {
		if errors.Is(err, models.ErrConflict) {
			return false, nil
		}
		return false, err
	}
	if err := s.Chunks.DiscardStaging(ctx, stagingKeyOf(task)); err != nil {
		s.Logger.Warn("failed to discard staging of expired upload", "task_id", task.ID, "error", err)
	}
	s.Logger.Info("stale upload expired", "task_id", task.ID, "fingerprint", task.Fingerprint, "updated_at", task.UpdatedAt)
	return true, nil
}

// StartSweeper runs SweepStale every interval until the returned stop func is called.
// A non-positive interval or ttl leaves the sweeper off.
func (s *Service) StartSweeper(ctx context.Context, every, ttl time.Duration, batch int) func() {
	if every <= 0 || ttl <= 0 {
		s.Logger.Warn("stale upload sweeper disabled", "interval", every, "ttl", ttl)
		return func() {}
	}
	ticker := time.NewTicker(every)
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := s.SweepStale(ctx, ttl, batch); err != nil {
					s.Logger.Error("stale upload sweep failed", "error", err)
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return func() {
		close(done)
		<-stopped
	}
}
