package upload

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/maneesh/edushare/internal/chunker"
	"github.com/maneesh/edushare/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// InitRequest declares an upload before its parts are sent
type InitRequest struct {
	OwnerID        string
	Fingerprint    string
	DisplayName    string
	TotalParts     int
	Classification models.Classification
}

func (s *Service) validateInit(req *InitRequest) error {
	req.OwnerID = strings.TrimSpace(req.OwnerID)
	req.Fingerprint = chunker.NormalizeFingerprint(req.Fingerprint)
	req.DisplayName = strings.TrimSpace(req.DisplayName)

	if req.OwnerID == "" {
		return fmt.Errorf("%w: owner is required", models.ErrUnauthorized)
	}
	if req.Fingerprint == "" {
		return fmt.Errorf("%w: fingerprint is required", models.ErrInvalidInput)
	}
	if s.Config.VerifyFingerprint {
		if _, err := chunker.DetectAlgorithm(req.Fingerprint); err != nil {
			return err
		}
	}
	if req.DisplayName == "" {
		return fmt.Errorf("%w: display_name is required", models.ErrInvalidInput)
	}
	if req.TotalParts <= 0 {
		return fmt.Errorf("%w: total_parts must be a positive integer", models.ErrInvalidInput)
	}
	return nil
}

// CreateOrResume registers a new upload or returns the caller's in-progress one.
// Content that already exists as a resource is a conflict.
func (s *Service) CreateOrResume(ctx context.Context, req InitRequest) (*models.UploadTask, error) {
	if err := s.validateInit(&req); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "upload.create_or_resume",
		trace.WithAttributes(
			attribute.String("owner_id", req.OwnerID),
			attribute.String("fingerprint", req.Fingerprint),
			attribute.Int("total_parts", req.TotalParts),
		))
	defer span.End()

	existing, err := s.Resources.GetResourceByFingerprint(ctx, req.Fingerprint)
	switch {
	case err == nil:
		s.reconcileCompleted(ctx, req.OwnerID, existing)
		span.SetAttributes(attribute.String("outcome", "duplicate_content"))
		return nil, fmt.Errorf("%w: content already uploaded as resource %s", models.ErrConflict, existing.ID)
	case !errors.Is(err, models.ErrNotFound):
		span.RecordError(err)
		return nil, storageErr("lookup resource", err)
	}

	task, err := s.Tasks.GetTask(ctx, req.OwnerID, req.Fingerprint)
	switch {
	case err == nil:
		return s.resumable(task)
	case !errors.Is(err, models.ErrNotFound):
		span.RecordError(err)
		return nil, storageErr("lookup task", err)
	}

	now := s.now()
	task = &models.UploadTask{
		ID:             uuid.NewString(),
		Fingerprint:    req.Fingerprint,
		OwnerID:        req.OwnerID,
		DisplayName:    req.DisplayName,
		TotalParts:     req.TotalParts,
		ReceivedParts:  []int{},
		Status:         models.TaskInProgress,
		Classification: req.Classification.WithDefaults(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.Tasks.CreateTask(ctx, task); err != nil {
		if !errors.Is(err, models.ErrConflict) {
			span.RecordError(err)
			return nil, storageErr("create task", err)
		}
		// Lost a create race for the same key; the winner's task is the one to resume.
		raced, getErr := s.Tasks.GetTask(ctx, req.OwnerID, req.Fingerprint)
		if getErr != nil {
			return nil, storageErr("lookup task", getErr)
		}
		return s.resumable(raced)
	}

	span.SetAttributes(attribute.String("task_id", task.ID), attribute.String("outcome", "created"))
	s.Logger.Info("upload task created",
		"task_id", task.ID,
		"owner_id", task.OwnerID,
		"fingerprint", task.Fingerprint,
		"total_parts", task.TotalParts,
	)
	return task, nil
}

func (s *Service) resumable(task *models.UploadTask) (*models.UploadTask, error) {
	if task.Status == models.TaskInProgress {
		return task, nil
	}
	return nil, fmt.Errorf("%w: a prior upload of this content is %s; reset it or upload under a new fingerprint",
		models.ErrConflict, task.Status)
}

// reconcileCompleted closes out a task whose resource was already published,
// which happens when the task update was lost after the resource was written.
func (s *Service) reconcileCompleted(ctx context.Context, ownerID string, res *models.Resource) {
	if res.OwnerID != ownerID {
		return
	}
	task, err := s.Tasks.GetTask(ctx, ownerID, res.Fingerprint)
	if err != nil || task.Status != models.TaskInProgress {
		return
	}

	if err := s.Tasks.AttachResource(ctx, task.ID, res.ID); err != nil && !errors.Is(err, models.ErrConflict) {
		s.Logger.Warn("failed to reconcile task with existing resource", "task_id", task.ID, "resource_id", res.ID, "error", err)
		return
	}
	if err := s.Chunks.DiscardStaging(ctx, stagingKeyOf(task)); err != nil {
		s.Logger.Warn("failed to discard staging", "task_id", task.ID, "error", err)
	}
	s.Logger.Info("reconciled task with existing resource", "task_id", task.ID, "resource_id", res.ID)
}

// GetStatus returns the caller's task for fingerprint
func (s *Service) GetStatus(ctx context.Context, ownerID, fingerprint string) (*models.UploadTask, error) {
	fingerprint = chunker.NormalizeFingerprint(fingerprint)
	if ownerID == "" || fingerprint == "" {
		return nil, fmt.Errorf("%w: owner and fingerprint are required", models.ErrInvalidInput)
	}

	task, err := s.Tasks.GetTask(ctx, ownerID, fingerprint)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("%w: no upload task for fingerprint %s", models.ErrNotFound, fingerprint)
		}
		return nil, storageErr("lookup task", err)
	}
	return task, nil
}

// Reset lets a failed upload be retried under the same fingerprint. It discards whatever
// staging survived and starts the task over with an empty received set.
func (s *Service) Reset(ctx context.Context, ownerID, fingerprint string) (*models.UploadTask, error) {
	task, err := s.GetStatus(ctx, ownerID, fingerprint)
	if err != nil {
		return nil, err
	}
	if task.Status != models.TaskFailed {
		return nil, fmt.Errorf("%w: only failed uploads can be reset, task is %s", models.ErrConflict, task.Status)
	}

	if _, err := s.Resources.GetResourceByFingerprint(ctx, task.Fingerprint); err == nil {
		return nil, fmt.Errorf("%w: content already uploaded", models.ErrConflict)
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, storageErr("lookup resource", err)
	}

	if err := s.Chunks.DiscardStaging(ctx, stagingKeyOf(task)); err != nil {
		return nil, storageErr("discard staging", err)
	}
	if err := s.Tasks.ResetTask(ctx, task.ID); err != nil {
		if errors.Is(err, models.ErrConflict) {
			return nil, err
		}
		return nil, storageErr("reset task", err)
	}

	s.Logger.Info("upload task reset", "task_id", task.ID, "fingerprint", task.Fingerprint)
	return s.GetStatus(ctx, ownerID, fingerprint)
}
