package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/maneesh/edushare/internal/chunker"
	"github.com/maneesh/edushare/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// assemble turns a task with a full part set into a resource. At most one caller per task
// runs the assembly; the others wait for it and report its result.
func (s *Service) assemble(ctx context.Context, task *models.UploadTask) (*models.Resource, error) {
	unlock, acquired, err := s.Locker.TryLock(ctx, assemblyLockKey(task.ID), s.Config.AssemblyLockTTL)
	if err != nil {
		return nil, storageErr("acquire assembly lock", err)
	}
	if !acquired {
		return s.awaitAssembly(ctx, task)
	}
	return s.assembleHeld(ctx, task, unlock)
}

// assembleHeld runs with the assembly lock held and releases it before returning
func (s *Service) assembleHeld(ctx context.Context, task *models.UploadTask, unlock func(context.Context) error) (*models.Resource, error) {
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			s.Logger.Warn("failed to release assembly lock", "task_id", task.ID, "error", err)
		}
	}()

	current, err := s.Tasks.GetTask(ctx, task.OwnerID, task.Fingerprint)
	if err != nil {
		return nil, storageErr("lookup task", err)
	}
	if res, done, err := s.settled(ctx, current); done {
		return res, err
	}
	if len(current.ReceivedParts) != current.TotalParts {
		return nil, fmt.Errorf("%w: %d of %d parts received", models.ErrConflict, len(current.ReceivedParts), current.TotalParts)
	}

	return s.assembleLocked(ctx, current)
}

// settled reports the result of a task that is no longer in progress
func (s *Service) settled(ctx context.Context, task *models.UploadTask) (*models.Resource, bool, error) {
	switch task.Status {
	case models.TaskCompleted:
		res, err := s.Resources.GetResource(ctx, task.ResourceID)
		if err != nil {
			return nil, true, storageErr("lookup resource", err)
		}
		return res, true, nil
	case models.TaskFailed:
		return nil, true, fmt.Errorf("%w: upload task failed", models.ErrAssemblyFailed)
	}
	return nil, false, nil
}

// awaitAssembly polls until whoever holds the assembly lock has settled the task.
// If the holder gives up without settling it, the waiter takes the lock and assembles.
func (s *Service) awaitAssembly(ctx context.Context, task *models.UploadTask) (*models.Resource, error) {
	waitCtx, cancel := context.WithTimeout(ctx, s.Config.AssemblyLockTTL)
	defer cancel()

	ticker := time.NewTicker(s.Config.AssemblyPollInterval)
	defer ticker.Stop()

	for {
		current, err := s.Tasks.GetTask(waitCtx, task.OwnerID, task.Fingerprint)
		if err != nil {
			if waitCtx.Err() != nil && ctx.Err() == nil {
				return nil, fmt.Errorf("%w: assembly of task %s still running", models.ErrConflict, task.ID)
			}
			return nil, storageErr("lookup task", err)
		}
		if res, done, err := s.settled(waitCtx, current); done {
			return res, err
		}

		unlock, acquired, err := s.Locker.TryLock(waitCtx, assemblyLockKey(task.ID), s.Config.AssemblyLockTTL)
		if err != nil {
			return nil, storageErr("acquire assembly lock", err)
		}
		if acquired {
			return s.assembleHeld(ctx, task, unlock)
		}

		select {
		case <-waitCtx.Done():
			return nil, fmt.Errorf("%w: assembly of task %s still running", models.ErrConflict, task.ID)
		case <-ticker.C:
		}
	}
}

func (s *Service) assembleLocked(ctx context.Context, task *models.UploadTask) (*models.Resource, error) {
	ctx, span := tracer.Start(ctx, "upload.assemble",
		trace.WithAttributes(
			attribute.String("task_id", task.ID),
			attribute.String("fingerprint", task.Fingerprint),
			attribute.Int("total_parts", task.TotalParts),
		))
	defer span.End()

	start := time.Now()
	key := ArtifactKey(task.OwnerID, task.DisplayName)

	var digest *chunker.Digester
	if s.Config.VerifyFingerprint {
		d, err := chunker.NewDigester(task.Fingerprint)
		if err != nil {
			return nil, s.fail(ctx, task, "", err)
		}
		digest = d
	}

	size, err := s.writeArtifact(ctx, task, key, digest)
	if err != nil {
		span.RecordError(err)
		return nil, s.fail(ctx, task, key, err)
	}

	if digest != nil && !digest.Matches(task.Fingerprint) {
		err := fmt.Errorf("fingerprint mismatch: declared %s, computed %s", task.Fingerprint, digest.Sum())
		span.RecordError(err)
		return nil, s.fail(ctx, task, key, err)
	}

	school, err := s.Directory.SchoolOf(ctx, task.OwnerID)
	if err != nil || school == "" {
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			s.Logger.Warn("failed to resolve owner school", "owner_id", task.OwnerID, "error", err)
		}
		school = models.DefaultSchool
	}

	res := &models.Resource{
		ID:               uuid.NewString(),
		DisplayName:      task.DisplayName,
		Fingerprint:      task.Fingerprint,
		ArtifactLocation: key,
		Size:             size,
		OwnerID:          task.OwnerID,
		School:           school,
		Classification:   task.Classification.WithDefaults(),
		Version:          models.InitialVersion,
		AuditStatus:      models.AuditPending,
		CreatedAt:        s.now(),
	}

	if err := s.Tasks.CompleteTask(ctx, task.ID, res); err != nil {
		span.RecordError(err)
		return nil, s.fail(ctx, task, key, fmt.Errorf("publish resource: %w", err))
	}

	if err := s.Chunks.DiscardStaging(context.WithoutCancel(ctx), stagingKeyOf(task)); err != nil {
		s.Logger.Warn("failed to discard staging after assembly", "task_id", task.ID, "error", err)
	}

	span.SetAttributes(
		attribute.String("resource_id", res.ID),
		attribute.Int64("size", size),
		attribute.Bool("success", true),
	)
	s.Logger.Info("upload assembled",
		"task_id", task.ID,
		"resource_id", res.ID,
		"size", size,
		"artifact", key,
		"duration", time.Since(start),
	)
	return res, nil
}

// writeArtifact streams the staged parts in index order into the artifact store
func (s *Service) writeArtifact(ctx context.Context, task *models.UploadTask, key string, digest *chunker.Digester) (int64, error) {
	pr, pw := io.Pipe()
	copyErr := make(chan error, 1)

	go func() {
		err := s.concatParts(ctx, task, pw, digest)
		pw.CloseWithError(err)
		copyErr <- err
	}()

	size, err := s.Artifacts.PutArtifact(ctx, key, pr)
	// Unblocks the writer if the store stopped reading early.
	pr.CloseWithError(io.ErrClosedPipe)
	if cerr := <-copyErr; cerr != nil && !errors.Is(cerr, io.ErrClosedPipe) {
		return 0, cerr
	}
	if err != nil {
		return 0, fmt.Errorf("write artifact: %w", err)
	}
	return size, nil
}

func (s *Service) concatParts(ctx context.Context, task *models.UploadTask, w io.Writer, digest *chunker.Digester) error {
	if digest != nil {
		w = io.MultiWriter(w, digest)
	}

	stagingKey := stagingKeyOf(task)
	for i := 0; i < task.TotalParts; i++ {
		rc, err := s.Chunks.OpenPart(ctx, stagingKey, i)
		if err != nil {
			return fmt.Errorf("open part %d: %w", i, err)
		}
		_, err = io.Copy(w, rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("copy part %d: %w", i, err)
		}
	}
	return nil
}

// fail marks the task failed and removes everything the attempt left behind
func (s *Service) fail(ctx context.Context, task *models.UploadTask, artifactKey string, cause error) error {
	ctx = context.WithoutCancel(ctx)

	if err := s.Tasks.MarkFailed(ctx, task.ID); err != nil && !errors.Is(err, models.ErrConflict) {
		s.Logger.Error("failed to mark task failed", "task_id", task.ID, "error", err)
	}
	if err := s.Chunks.DiscardStaging(ctx, stagingKeyOf(task)); err != nil {
		s.Logger.Warn("failed to discard staging", "task_id", task.ID, "error", err)
	}
	if artifactKey != "" {
		if err := s.Artifacts.RemoveArtifact(ctx, artifactKey); err != nil {
			s.Logger.Warn("failed to remove partial artifact", "task_id", task.ID, "artifact", artifactKey, "error", err)
		}
	}

	s.Logger.Error("upload assembly failed", "task_id", task.ID, "fingerprint", task.Fingerprint, "error", cause)
	return fmt.Errorf("%w: %v", models.ErrAssemblyFailed, cause)
}
