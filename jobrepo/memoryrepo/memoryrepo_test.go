package memoryrepo

import (
	"context"
	"testing"
	"time"

	"github.com/livepeer/listing-pipeline/domain"
	"github.com/livepeer/listing-pipeline/jobrepo"
	"github.com/stretchr/testify/require"
)

func TestCreateAndGetJob(t *testing.T) {
	r := New()
	job := domain.Job{ID: "job1", ListingID: "listing1", Status: domain.JobPending}
	require.NoError(t, r.CreateJob(context.Background(), job))

	got, err := r.GetJob(context.Background(), "job1")
	require.NoError(t, err)
	require.Equal(t, job.ID, got.ID)
}

func TestCreateJobIsIdempotent(t *testing.T) {
	r := New()
	job := domain.Job{ID: "job1", Status: domain.JobPending}
	require.NoError(t, r.CreateJob(context.Background(), job))
	job.Status = domain.JobCompleted
	require.NoError(t, r.CreateJob(context.Background(), job))

	got, err := r.GetJob(context.Background(), "job1")
	require.NoError(t, err)
	require.Equal(t, domain.JobPending, got.Status, "second CreateJob must not clobber the existing row")
}

func TestUpdateStatusAppliesPatch(t *testing.T) {
	r := New()
	require.NoError(t, r.CreateJob(context.Background(), domain.Job{ID: "job1", Status: domain.JobPending}))

	progress := 42
	require.NoError(t, r.UpdateStatus(context.Background(), "job1", domain.JobProcessing, jobrepo.StatusPatch{Progress: &progress}))

	got, err := r.GetJob(context.Background(), "job1")
	require.NoError(t, err)
	require.Equal(t, domain.JobProcessing, got.Status)
	require.Equal(t, 42, got.Progress)
}

func TestGetPhotosOrdering(t *testing.T) {
	r := New()
	require.NoError(t, r.UpsertPhotoByOrder(context.Background(), "listing1", 2, domain.Photo{ID: "p2"}))
	require.NoError(t, r.UpsertPhotoByOrder(context.Background(), "listing1", 0, domain.Photo{ID: "p0"}))
	require.NoError(t, r.UpsertPhotoByOrder(context.Background(), "listing1", 1, domain.Photo{ID: "p1"}))

	asc, err := r.GetPhotos(context.Background(), "listing1", jobrepo.OrderAscending)
	require.NoError(t, err)
	require.Equal(t, []string{"p0", "p1", "p2"}, []string{asc[0].ID, asc[1].ID, asc[2].ID})

	desc, err := r.GetPhotos(context.Background(), "listing1", jobrepo.OrderDescending)
	require.NoError(t, err)
	require.Equal(t, []string{"p2", "p1", "p0"}, []string{desc[0].ID, desc[1].ID, desc[2].ID})
}

func TestUpsertPhotoByOrderMergesExisting(t *testing.T) {
	r := New()
	require.NoError(t, r.UpsertPhotoByOrder(context.Background(), "listing1", 0, domain.Photo{ID: "p0", FilePath: "a.jpg"}))
	require.NoError(t, r.UpsertPhotoByOrder(context.Background(), "listing1", 0, domain.Photo{RunwayVideoPath: "clip.mp4"}))

	photos, err := r.GetPhotos(context.Background(), "listing1", jobrepo.OrderAscending)
	require.NoError(t, err)
	require.Len(t, photos, 1)
	require.Equal(t, "a.jpg", photos[0].FilePath)
	require.Equal(t, "clip.mp4", photos[0].RunwayVideoPath)
}

func TestCreateLockRejectsWhenAlreadyLocked(t *testing.T) {
	r := New()
	expiry := time.Now().Add(30 * time.Minute)
	require.NoError(t, r.CreateLock(context.Background(), domain.ListingLock{ListingID: "listing1", JobID: "jobA", ExpiresAt: expiry}))

	err := r.CreateLock(context.Background(), domain.ListingLock{ListingID: "listing1", JobID: "jobB", ExpiresAt: expiry})
	require.Error(t, err)
}

func TestCreateLockSucceedsAfterExpiry(t *testing.T) {
	r := New()
	pastExpiry := time.Now().Add(-time.Minute)
	require.NoError(t, r.CreateLock(context.Background(), domain.ListingLock{ListingID: "listing1", JobID: "jobA", ExpiresAt: pastExpiry}))

	futureExpiry := time.Now().Add(30 * time.Minute)
	require.NoError(t, r.CreateLock(context.Background(), domain.ListingLock{ListingID: "listing1", JobID: "jobB", ExpiresAt: futureExpiry}))
}

func TestDeleteExpiredLocksRemovesOnlyExpired(t *testing.T) {
	r := New()
	now := time.Now()
	require.NoError(t, r.CreateLock(context.Background(), domain.ListingLock{ListingID: "listing1", JobID: "jobA", ExpiresAt: now.Add(-time.Minute)}))

	n, err := r.DeleteExpiredLocks(context.Background(), "listing1", now)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	locks, err := r.ListLocks(context.Background(), "listing1")
	require.NoError(t, err)
	require.Empty(t, locks)
}

func TestPutGetTouchAsset(t *testing.T) {
	r := New()
	asset := domain.ProcessedAsset{CacheKey: "key1", Path: "s3://bucket/a.mp4"}
	require.NoError(t, r.PutAsset(context.Background(), asset))

	got, ok, err := r.GetAsset(context.Background(), "key1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 0, got.AccessCount)

	require.NoError(t, r.TouchAsset(context.Background(), "key1", time.Now()))
	got, ok, err = r.GetAsset(context.Background(), "key1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, got.AccessCount)
}
