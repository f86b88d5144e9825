package upload

import (
	"context"
	"testing"
	"time"

	"github.com/maneesh/edushare/internal/models"
	"github.com/maneesh/edushare/internal/storage/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweepStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	staleFP, freshFP, busyFP := md5Hex("stale"), md5Hex("fresh"), md5Hex("busy")
	stale := f.init(t, "u1", staleFP, 2)
	f.init(t, "u1", freshFP, 2)
	busy := f.init(t, "u1", busyFP, 2)

	for _, fp := range []string{staleFP, freshFP, busyFP} {
		_, err := f.write("u1", fp, 0, "xx")
		require.NoError(t, err)
	}
	old := time.Now().Add(-48 * time.Hour)
	f.store.Touch(stale.ID, old)
	f.store.Touch(busy.ID, old)

	unlock, ok, err := f.locker.TryLock(ctx, assemblyLockKey(busy.ID), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	defer unlock(ctx)

	res, err := f.svc.SweepStale(ctx, 24*time.Hour, 10)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Scanned: 2, Expired: 1, Skipped: 1}, res)

	got, err := f.svc.GetStatus(ctx, "u1", staleFP)
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailed, got.Status)
	assert.Empty(t, f.blobs.Keys(StagingKey("u1", staleFP)+"/"))

	got, err = f.svc.GetStatus(ctx, "u1", busyFP)
	require.NoError(t, err)
	assert.Equal(t, models.TaskInProgress, got.Status)
	assert.NotEmpty(t, f.blobs.Keys(StagingKey("u1", busyFP)+"/"))

	got, err = f.svc.GetStatus(ctx, "u1", freshFP)
	require.NoError(t, err)
	assert.Equal(t, models.TaskInProgress, got.Status)

	// a swept task rejects late parts
	_, err = f.write("u1", staleFP, 1, "yy")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestStartSweeper(t *testing.T) {
	f := newFixture(t)
	fp := md5Hex("stale")
	task := f.init(t, "u1", fp, 2)
	f.store.Touch(task.ID, time.Now().Add(-48*time.Hour))

	stop := f.svc.StartSweeper(context.Background(), 5*time.Millisecond, time.Hour, 10)
	defer stop()

	require.Eventually(t, func() bool {
		got, err := f.svc.GetStatus(context.Background(), "u1", fp)
		return err == nil && got.Status == models.TaskFailed
	}, time.Second, 5*time.Millisecond)
}

// listHook calls after once the stale listing returns, before any task is expired
type listHook struct {
	*memstore.Store
	after func()
}

func (h *listHook) ListStaleTasks(ctx context.Context, before time.Time, limit int) ([]*models.UploadTask, error) {
	tasks, err := h.Store.ListStaleTasks(ctx, before, limit)
	if err == nil && h.after != nil {
		h.after()
	}
	return tasks, err
}

func TestSweepStale_PartAcceptedAfterListingKeepsTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fp := md5Hex("AA", "BB")
	task := f.init(t, "u1", fp, 2)
	f.store.Touch(task.ID, time.Now().Add(-48*time.Hour))

	var accepted *WriteOutcome
	f.svc.Tasks = &listHook{Store: f.store, after: func() {
		out, err := f.write("u1", fp, 0, "AA")
		require.NoError(t, err)
		accepted = out
	}}

	res, err := f.svc.SweepStale(ctx, 24*time.Hour, 10)
	require.NoError(t, err)
	require.NotNil(t, accepted)
	assert.Equal(t, OutcomeProgress, accepted.Kind)
	assert.Equal(t, SweepResult{Scanned: 1, Expired: 0, Skipped: 1}, res)

	got, err := f.svc.GetStatus(ctx, "u1", fp)
	require.NoError(t, err)
	assert.Equal(t, models.TaskInProgress, got.Status)
	assert.Equal(t, []int{0}, got.ReceivedParts)
	assert.NotEmpty(t, f.blobs.Keys(StagingKey("u1", fp)+"/"))

	out, err := f.write("u1", fp, 1, "BB")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, out.Kind)
}

func TestStartSweeper_DisabledByNonPositiveSettings(t *testing.T) {
	f := newFixture(t)
	fp := md5Hex("stale")
	task := f.init(t, "u1", fp, 2)
	f.store.Touch(task.ID, time.Now().Add(-48*time.Hour))

	require.NotPanics(t, func() {
		f.svc.StartSweeper(context.Background(), 0, time.Hour, 10)()
		f.svc.StartSweeper(context.Background(), time.Millisecond, 0, 10)()
	})

	got, err := f.svc.GetStatus(context.Background(), "u1", fp)
	require.NoError(t, err)
	assert.Equal(t, models.TaskInProgress, got.Status)
}
