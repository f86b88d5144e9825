package catalog

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/maneesh/edushare/internal/models"
	"github.com/maneesh/edushare/internal/storage/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*Service, *memstore.Store, *memstore.Cache, *memstore.Blobs) {
	t.Helper()
	store := memstore.New()
	cache := memstore.NewCache()
	blobs := memstore.NewBlobs()
	return New(store, cache, blobs, nil), store, cache, blobs
}

func resource(id, owner string, status models.AuditStatus, created time.Time) *models.Resource {
	return &models.Resource{
		ID:               id,
		DisplayName:      id + ".pdf",
		Fingerprint:      "fp-" + id,
		ArtifactLocation: "resources/" + owner + "/" + id,
		OwnerID:          owner,
		AuditStatus:      status,
		CreatedAt:        created,
	}
}

func TestGet_ReadThroughCache(t *testing.T) {
	svc, store, cache, _ := setup(t)
	ctx := context.Background()
	store.PutResource(resource("r1", "u1", models.AuditPending, time.Now()))

	res, err := svc.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "r1.pdf", res.DisplayName)

	cached, err := cache.GetResource(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, cached)

	_, err = svc.Get(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestListMine(t *testing.T) {
	svc, store, _, _ := setup(t)
	ctx := context.Background()
	base := time.Now()
	for i, id := range []string{"a", "b", "c"} {
		status := models.AuditApproved
		if id == "a" {
			status = models.AuditPending
		}
		store.PutResource(resource(id, "u1", status, base.Add(time.Duration(i)*time.Minute)))
	}
	store.PutResource(resource("z", "u2", models.AuditApproved, base))

	page, err := svc.ListMine(ctx, "u1", "", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Count)
	require.Len(t, page.Results, 2)
	assert.Equal(t, "c", page.Results[0].ID)

	page, err = svc.ListMine(ctx, "u1", "pending", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Count)
	assert.Equal(t, DefaultPageSize, page.PageSize)
	assert.Equal(t, 1, page.Page)

	page, err = svc.ListMine(ctx, "u1", "", 1, 1000)
	require.NoError(t, err)
	assert.Equal(t, MaxPageSize, page.PageSize)

	page, err = svc.ListMine(ctx, "nobody", "", 1, 10)
	require.NoError(t, err)
	assert.NotNil(t, page.Results)
	assert.Empty(t, page.Results)

	_, err = svc.ListMine(ctx, "u1", "bogus", 1, 10)
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestRecall(t *testing.T) {
	svc, store, cache, _ := setup(t)
	ctx := context.Background()
	store.PutResource(resource("r1", "u1", models.AuditApproved, time.Now()))
	store.PutResource(resource("r2", "u1", models.AuditPending, time.Now()))

	_, err := svc.Get(ctx, "r1")
	require.NoError(t, err)

	_, err = svc.Recall(ctx, "u2", "r1", "wrong file")
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = svc.Recall(ctx, "u1", "r1", " ")
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	_, err = svc.Recall(ctx, "u1", "r2", "typo")
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	res, err := svc.Recall(ctx, "u1", "r1", "wrong file")
	require.NoError(t, err)
	assert.Equal(t, models.AuditRecallPending, res.AuditStatus)
	assert.Equal(t, "wrong file", res.RecallReason)

	cached, err := cache.GetResource(ctx, "r1")
	require.NoError(t, err)
	assert.Nil(t, cached)

	stored, err := store.GetResource(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.AuditRecallPending, stored.AuditStatus)

	_, err = svc.Recall(ctx, "u1", "r1", "again")
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestDownload(t *testing.T) {
	svc, store, _, blobs := setup(t)
	ctx := context.Background()
	r := resource("r1", "u1", models.AuditApproved, time.Now())
	store.PutResource(r)
	_, err := blobs.PutArtifact(ctx, r.ArtifactLocation, strings.NewReader("AABBCC"))
	require.NoError(t, err)

	res, rc, size, err := svc.Download(ctx, "r1")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "AABBCC", string(data))
	assert.Equal(t, int64(6), size)
	assert.Equal(t, int64(1), res.Downloads)

	again, err := svc.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), again.Downloads)

	store.PutResource(resource("r2", "u1", models.AuditApproved, time.Now()))
	_, _, _, err = svc.Download(ctx, "r2")
	assert.ErrorIs(t, err, models.ErrStorageIO)
}
