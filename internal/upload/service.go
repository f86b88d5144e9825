// Package upload implements resumable chunked uploads: the task registry operations,
// per-part staging, and synchronous assembly of a completed task into a catalog resource.
package upload

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/maneesh/edushare/internal/logger"
	"github.com/maneesh/edushare/internal/models"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("edushare-upload")

type (
	// TaskRegistry persists upload tasks and their received part sets.
	TaskRegistry interface {
		// GetTask returns the task for (ownerID, fingerprint) or models.ErrNotFound.
		GetTask(ctx context.Context, ownerID, fingerprint string) (*models.UploadTask, error)
		// CreateTask inserts a new task; models.ErrConflict if (fingerprint, owner) is taken.
		CreateTask(ctx context.Context, task *models.UploadTask) error
		// RecordPart adds part to the task's received set under a per-task lock.
		// It never adds to a task that is not in progress.
		RecordPart(ctx context.Context, taskID string, part models.Part) (models.PartReceipt, error)
		// CompleteTask inserts res and marks the task completed in one transaction.
		// models.ErrConflict if the task is not in progress or the fingerprint is taken.
		CompleteTask(ctx context.Context, taskID string, res *models.Resource) error
		// AttachResource marks an in-progress task completed against an existing resource.
		AttachResource(ctx context.Context, taskID, resourceID string) error
		// MarkFailed moves an in-progress task to failed; models.ErrConflict otherwise.
		MarkFailed(ctx context.Context, taskID string) error
		// ExpireTask fails an in-progress task only if it was last modified before the cutoff.
		// models.ErrConflict if the task moved on or was touched since.
		ExpireTask(ctx context.Context, taskID string, before time.Time) error
		// ResetTask moves a failed task back to in progress with no received parts.
		ResetTask(ctx context.Context, taskID string) error
		// ListStaleTasks returns in-progress tasks last modified before the cutoff.
		ListStaleTasks(ctx context.Context, before time.Time, limit int) ([]*models.UploadTask, error)
	}

	// ResourceLookup is the read side of the catalog the core needs.
	ResourceLookup interface {
		GetResource(ctx context.Context, id string) (*models.Resource, error)
		GetResourceByFingerprint(ctx context.Context, fingerprint string) (*models.Resource, error)
	}

	// ChunkStore stages part payloads under a per-task staging key.
	ChunkStore interface {
		PutPart(ctx context.Context, stagingKey string, index int, data []byte) error
		OpenPart(ctx context.Context, stagingKey string, index int) (io.ReadCloser, error)
		// DiscardStaging removes every part under stagingKey. Safe on empty or missing areas.
		DiscardStaging(ctx context.Context, stagingKey string) error
	}

	// ArtifactStore holds assembled artifacts.
	ArtifactStore interface {
		PutArtifact(ctx context.Context, key string, r io.Reader) (int64, error)
		OpenArtifact(ctx context.Context, key string) (io.ReadCloser, int64, error)
		RemoveArtifact(ctx context.Context, key string) error
	}

	// Locker hands out short-lived exclusive locks.
	Locker interface {
		TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(context.Context) error, acquired bool, err error)
	}

	// Directory resolves owner metadata kept by user management.
	Directory interface {
		SchoolOf(ctx context.Context, ownerID string) (string, error)
	}
)

// Config tunes the upload core
type Config struct {
	MaxChunkSize      int64
	VerifyFingerprint bool
	AssemblyLockTTL   time.Duration
	// AssemblyPollInterval is how often a caller blocked on someone else's assembly re-reads the task.
	AssemblyPollInterval time.Duration
}

// Deps are the collaborators and settings of the upload service
type Deps struct {
	Tasks     TaskRegistry
	Resources ResourceLookup
	Chunks    ChunkStore
	Artifacts ArtifactStore
	Locker    Locker
	Directory Directory
	Logger    *logger.Logger
	Config    Config
}

// Service implements the upload task operations over its Deps
type Service struct {
	Deps
	now func() time.Time
}

// New constructs the upload service
func New(deps Deps) *Service {
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}
	if deps.Config.AssemblyLockTTL <= 0 {
		deps.Config.AssemblyLockTTL = 10 * time.Minute
	}
	if deps.Config.AssemblyPollInterval <= 0 {
		deps.Config.AssemblyPollInterval = 100 * time.Millisecond
	}
	return &Service{
		Deps: deps,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// StagingKey is the staging namespace of one (owner, fingerprint) upload
func StagingKey(ownerID, fingerprint string) string {
	return "chunks/" + url.PathEscape(ownerID) + "/" + url.PathEscape(fingerprint)
}

// ArtifactKey picks a fresh artifact location under the owner's namespace
func ArtifactKey(ownerID, displayName string) string {
	name := strings.NewReplacer("/", "_", "\\", "_").Replace(displayName)
	prefix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("resources/%s/%s_%s", url.PathEscape(ownerID), prefix, name)
}

func assemblyLockKey(taskID string) string {
	return "upload:assemble:" + taskID
}

func stagingKeyOf(task *models.UploadTask) string {
	return StagingKey(task.OwnerID, task.Fingerprint)
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", models.ErrStorageIO, op, err)
}
