package upload

import (
	"context"
	"errors"
	"fmt"

	"github.com/maneesh/edushare/internal/chunker"
	"github.com/maneesh/edushare/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// OutcomeKind says what a part write did
type OutcomeKind string

const (
	OutcomeProgress       OutcomeKind = "in_progress"
	OutcomeAlreadyPresent OutcomeKind = "already_present"
	OutcomeCompleted      OutcomeKind = "completed"
)

// PartRequest carries one part payload
type PartRequest struct {
	OwnerID     string
	Fingerprint string
	Index       int
	Payload     []byte
}

// WriteOutcome reports the task's position after a part write.
// Resource is set only when the write completed the upload.
type WriteOutcome struct {
	Kind          OutcomeKind
	Index         int
	ReceivedCount int
	TotalParts    int
	Progress      float64
	Resource      *models.Resource
}

func progressOutcome(kind OutcomeKind, index, received, total int) *WriteOutcome {
	return &WriteOutcome{
		Kind:          kind,
		Index:         index,
		ReceivedCount: received,
		TotalParts:    total,
		Progress:      models.Percent(received, total),
	}
}

// WritePart stages one part and records it. Writing an index that is already recorded is
// a no-op. The write that completes the part set assembles the artifact before returning.
func (s *Service) WritePart(ctx context.Context, req PartRequest) (*WriteOutcome, error) {
	req.Fingerprint = chunker.NormalizeFingerprint(req.Fingerprint)
	if req.OwnerID == "" {
		return nil, fmt.Errorf("%w: owner is required", models.ErrUnauthorized)
	}
	if req.Index < 0 {
		return nil, fmt.Errorf("%w: part index %d is negative", models.ErrInvalidInput, req.Index)
	}
	if s.Config.MaxChunkSize > 0 && int64(len(req.Payload)) > s.Config.MaxChunkSize {
		return nil, fmt.Errorf("%w: part of %d bytes exceeds the %d byte limit",
			models.ErrInvalidInput, len(req.Payload), s.Config.MaxChunkSize)
	}

	ctx, span := tracer.Start(ctx, "upload.write_part",
		trace.WithAttributes(
			attribute.String("owner_id", req.OwnerID),
			attribute.String("fingerprint", req.Fingerprint),
			attribute.Int("part_index", req.Index),
			attribute.Int("size", len(req.Payload)),
		))
	defer span.End()

	task, err := s.Tasks.GetTask(ctx, req.OwnerID, req.Fingerprint)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("%w: no upload task for fingerprint %s", models.ErrNotFound, req.Fingerprint)
		}
		span.RecordError(err)
		return nil, storageErr("lookup task", err)
	}
	if task.Status != models.TaskInProgress {
		return nil, fmt.Errorf("%w: upload task is %s", models.ErrNotFound, task.Status)
	}
	if req.Index >= task.TotalParts {
		return nil, fmt.Errorf("%w: part index %d out of range [0,%d)", models.ErrInvalidInput, req.Index, task.TotalParts)
	}
	span.SetAttributes(attribute.String("task_id", task.ID))

	if task.HasPart(req.Index) {
		span.SetAttributes(attribute.String("outcome", string(OutcomeAlreadyPresent)))
		if len(task.ReceivedParts) == task.TotalParts {
			// A retransmit that finds the set full picks up an assembly nobody finished.
			return s.completeOutcome(ctx, task, req.Index)
		}
		return progressOutcome(OutcomeAlreadyPresent, req.Index, len(task.ReceivedParts), task.TotalParts), nil
	}

	stagingKey := stagingKeyOf(task)
	if err := s.Chunks.PutPart(ctx, stagingKey, req.Index, req.Payload); err != nil {
		span.RecordError(err)
		return nil, storageErr("stage part", err)
	}

	receipt, err := s.Tasks.RecordPart(ctx, task.ID, models.Part{
		Index:    req.Index,
		Size:     int64(len(req.Payload)),
		Checksum: chunker.ComputeHash(req.Payload),
	})
	if err != nil {
		span.RecordError(err)
		return nil, storageErr("record part", err)
	}

	if receipt.Status != models.TaskInProgress {
		// The task was finished or expired while this part was in flight.
		if err := s.Chunks.DiscardStaging(context.WithoutCancel(ctx), stagingKey); err != nil {
			s.Logger.Warn("failed to discard staging", "task_id", task.ID, "error", err)
		}
		return nil, fmt.Errorf("%w: upload task is %s", models.ErrNotFound, receipt.Status)
	}

	span.SetAttributes(attribute.Int("received_count", receipt.ReceivedCount), attribute.Bool("added", receipt.Added))

	if !receipt.Added {
		if receipt.Complete() {
			return s.completeOutcome(ctx, task, req.Index)
		}
		return progressOutcome(OutcomeAlreadyPresent, req.Index, receipt.ReceivedCount, receipt.TotalParts), nil
	}

	if receipt.Complete() {
		return s.completeOutcome(ctx, task, req.Index)
	}

	s.Logger.Debug("part recorded",
		"task_id", task.ID,
		"part_index", req.Index,
		"received_count", receipt.ReceivedCount,
		"total_parts", receipt.TotalParts,
	)
	return progressOutcome(OutcomeProgress, req.Index, receipt.ReceivedCount, receipt.TotalParts), nil
}

func (s *Service) completeOutcome(ctx context.Context, task *models.UploadTask, index int) (*WriteOutcome, error) {
	res, err := s.assemble(ctx, task)
	if err != nil {
		return nil, err
	}
	out := progressOutcome(OutcomeCompleted, index, task.TotalParts, task.TotalParts)
	out.Resource = res
	return out, nil
}

// DiscardStaging drops the staged parts of the caller's upload. It never touches the task
// record or a published artifact, and is a no-op when nothing is staged.
func (s *Service) DiscardStaging(ctx context.Context, ownerID, fingerprint string) error {
	fingerprint = chunker.NormalizeFingerprint(fingerprint)
	if err := s.Chunks.DiscardStaging(ctx, StagingKey(ownerID, fingerprint)); err != nil {
		return storageErr("discard staging", err)
	}
	return nil
}
