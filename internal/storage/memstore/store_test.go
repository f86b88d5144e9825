package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/maneesh/edushare/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTask(id, owner, fp string, total int) *models.UploadTask {
	now := time.Now().UTC()
	return &models.UploadTask{
		ID:          id,
		Fingerprint: fp,
		OwnerID:     owner,
		DisplayName: "notes.pdf",
		TotalParts:  total,
		Status:      models.TaskInProgress,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestStore_CreateTaskConflict(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.CreateTask(ctx, newTask("t1", "u1", "fp", 2)))
	err := s.CreateTask(ctx, newTask("t2", "u1", "fp", 2))
	assert.ErrorIs(t, err, models.ErrConflict)

	// same content, different owner is a separate task
	require.NoError(t, s.CreateTask(ctx, newTask("t3", "u2", "fp", 2)))
}

func TestStore_RecordPart(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateTask(ctx, newTask("t1", "u1", "fp", 2)))

	r, err := s.RecordPart(ctx, "t1", models.Part{Index: 1, Size: 3})
	require.NoError(t, err)
	assert.True(t, r.Added)
	assert.Equal(t, 1, r.ReceivedCount)
	assert.False(t, r.Complete())

	r, err = s.RecordPart(ctx, "t1", models.Part{Index: 1, Size: 3})
	require.NoError(t, err)
	assert.False(t, r.Added)
	assert.Equal(t, 1, r.ReceivedCount)

	r, err = s.RecordPart(ctx, "t1", models.Part{Index: 0, Size: 3})
	require.NoError(t, err)
	assert.True(t, r.Complete())

	task, err := s.GetTask(ctx, "u1", "fp")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, task.ReceivedParts)
	assert.Len(t, s.Parts("t1"), 2)
}

func TestStore_RecordPartAfterFailure(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateTask(ctx, newTask("t1", "u1", "fp", 2)))
	require.NoError(t, s.MarkFailed(ctx, "t1"))

	r, err := s.RecordPart(ctx, "t1", models.Part{Index: 0})
	require.NoError(t, err)
	assert.False(t, r.Added)
	assert.Equal(t, models.TaskFailed, r.Status)
}

func TestStore_Transitions(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateTask(ctx, newTask("t1", "u1", "fp", 1)))

	assert.ErrorIs(t, s.ResetTask(ctx, "t1"), models.ErrConflict)
	require.NoError(t, s.MarkFailed(ctx, "t1"))
	assert.ErrorIs(t, s.MarkFailed(ctx, "t1"), models.ErrConflict)
	require.NoError(t, s.ResetTask(ctx, "t1"))

	res := &models.Resource{ID: "r1", Fingerprint: "fp", OwnerID: "u1"}
	require.NoError(t, s.CompleteTask(ctx, "t1", res))
	assert.ErrorIs(t, s.CompleteTask(ctx, "t1", res), models.ErrConflict)

	task, err := s.GetTask(ctx, "u1", "fp")
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, task.Status)
	assert.Equal(t, "r1", task.ResourceID)
	assert.ErrorIs(t, s.AttachResource(ctx, "t1", "r1"), models.ErrConflict)
}

func TestStore_ExpireTask(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateTask(ctx, newTask("t1", "u1", "fp", 2)))
	cutoff := time.Now().Add(-time.Hour)

	assert.ErrorIs(t, s.ExpireTask(ctx, "t1", cutoff), models.ErrConflict)

	s.Touch("t1", time.Now().Add(-48*time.Hour))
	_, err := s.RecordPart(ctx, "t1", models.Part{Index: 0})
	require.NoError(t, err)
	assert.ErrorIs(t, s.ExpireTask(ctx, "t1", cutoff), models.ErrConflict)

	s.Touch("t1", time.Now().Add(-48*time.Hour))
	require.NoError(t, s.ExpireTask(ctx, "t1", cutoff))
	assert.ErrorIs(t, s.ExpireTask(ctx, "t1", cutoff), models.ErrConflict)
	assert.ErrorIs(t, s.ExpireTask(ctx, "missing", cutoff), models.ErrNotFound)

	task, err := s.GetTask(ctx, "u1", "fp")
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailed, task.Status)
}

func TestStore_CompleteTaskDuplicateFingerprint(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.PutResource(&models.Resource{ID: "r0", Fingerprint: "fp", OwnerID: "u2"})
	require.NoError(t, s.CreateTask(ctx, newTask("t1", "u1", "fp", 1)))

	err := s.CompleteTask(ctx, "t1", &models.Resource{ID: "r1", Fingerprint: "fp", OwnerID: "u1"})
	assert.ErrorIs(t, err, models.ErrConflict)

	task, err := s.GetTask(ctx, "u1", "fp")
	require.NoError(t, err)
	assert.Equal(t, models.TaskInProgress, task.Status)
}

func TestStore_ListStaleTasks(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateTask(ctx, newTask("old", "u1", "a", 1)))
	require.NoError(t, s.CreateTask(ctx, newTask("new", "u1", "b", 1)))
	require.NoError(t, s.CreateTask(ctx, newTask("done", "u1", "c", 1)))
	s.Touch("old", time.Now().Add(-48*time.Hour))
	s.Touch("done", time.Now().Add(-48*time.Hour))
	require.NoError(t, s.MarkFailed(ctx, "done"))
	s.Touch("done", time.Now().Add(-48*time.Hour))

	stale, err := s.ListStaleTasks(ctx, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "old", stale[0].ID)
}

func TestStore_ListResourcesByOwner(t *testing.T) {
	ctx := context.Background()
	s := New()
	base := time.Now()
	for i, status := range []models.AuditStatus{models.AuditPending, models.AuditApproved, models.AuditApproved} {
		s.PutResource(&models.Resource{
			ID:          string(rune('a' + i)),
			Fingerprint: string(rune('a' + i)),
			OwnerID:     "u1",
			AuditStatus: status,
			CreatedAt:   base.Add(time.Duration(i) * time.Minute),
		})
	}
	s.PutResource(&models.Resource{ID: "z", Fingerprint: "z", OwnerID: "u2"})

	all, total, err := s.ListResourcesByOwner(ctx, "u1", "", 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, all, 2)
	assert.Equal(t, "c", all[0].ID)

	approved, total, err := s.ListResourcesByOwner(ctx, "u1", models.AuditApproved, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, approved, 2)

	empty, _, err := s.ListResourcesByOwner(ctx, "u1", "", 10, 20)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestLocker_TryLock(t *testing.T) {
	ctx := context.Background()
	l := NewLocker()

	unlock, ok, err := l.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, unlock(ctx))
	_, ok, err = l.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocker_Expiry(t *testing.T) {
	ctx := context.Background()
	l := NewLocker()
	now := time.Now()
	l.clock = func() time.Time { return now }

	staleUnlock, ok, _ := l.TryLock(ctx, "k", time.Second)
	require.True(t, ok)

	now = now.Add(2 * time.Second)
	_, ok, _ = l.TryLock(ctx, "k", time.Second)
	require.True(t, ok)

	// an expired holder must not release the new lease
	require.NoError(t, staleUnlock(ctx))
	_, ok, _ = l.TryLock(ctx, "k", time.Second)
	assert.False(t, ok)
}

func TestBlobs_DiscardStaging(t *testing.T) {
	ctx := context.Background()
	b := NewBlobs()
	require.NoError(t, b.PutPart(ctx, "chunks/u1/fp", 0, []byte("AA")))
	require.NoError(t, b.PutPart(ctx, "chunks/u1/fp", 1, []byte("BB")))
	require.NoError(t, b.PutPart(ctx, "chunks/u1/fp2", 0, []byte("CC")))

	require.NoError(t, b.DiscardStaging(ctx, "chunks/u1/fp"))
	assert.Equal(t, []string{"chunks/u1/fp2/0"}, b.Keys("chunks/"))
	require.NoError(t, b.DiscardStaging(ctx, "chunks/u1/missing"))

	_, err := b.OpenPart(ctx, "chunks/u1/fp", 0)
	assert.ErrorIs(t, err, models.ErrNotFound)
}
