// Package jobrepo defines JobRepository (spec §4.11): persisted job,
// photo, lock, and asset-cache-metadata operations, each idempotent at the
// level of (jobId, operation). Two implementations exist: jobrepo/postgres
// (raw database/sql + lib/pq, grounded on pipeline.Coordinator.sendDBMetrics)
// and jobrepo/memoryrepo (an in-memory fake for tests, mirroring the
// teacher's NewStubCoordinatorOpts test-seam pattern).
package jobrepo

import (
	"context"
	"time"

	"github.com/livepeer/listing-pipeline/domain"
)

// StatusPatch is the optional payload for UpdateStatus.
type StatusPatch struct {
	Progress *int
	Error    *domain.ErrorDetails
}

// Ordering controls GetPhotos result order.
type Ordering int

const (
	OrderAscending Ordering = iota
	OrderDescending
)

type Repository interface {
	CreateJob(ctx context.Context, job domain.Job) error
	GetJob(ctx context.Context, jobID string) (domain.Job, error)
	UpdateStatus(ctx context.Context, jobID string, status domain.JobStatus, patch StatusPatch) error
	SetMetadata(ctx context.Context, jobID string, mergePatch domain.Metadata) error
	SetOutput(ctx context.Context, jobID, outputBlobURL string, completedAt time.Time) error

	GetPhotos(ctx context.Context, listingID string, ordering Ordering) ([]domain.Photo, error)
	UpdatePhoto(ctx context.Context, photoID string, patch domain.Photo) error
	UpsertPhotoByOrder(ctx context.Context, listingID string, order int, patch domain.Photo) error

	ListLocks(ctx context.Context, listingID string) ([]domain.ListingLock, error)
	CreateLock(ctx context.Context, lock domain.ListingLock) error
	DeleteExpiredLocks(ctx context.Context, listingID string, now time.Time) (int, error)
	DeleteLock(ctx context.Context, listingID, jobID, processID string) error

	PutAsset(ctx context.Context, asset domain.ProcessedAsset) error
	GetAsset(ctx context.Context, cacheKey string) (domain.ProcessedAsset, bool, error)
	TouchAsset(ctx context.Context, cacheKey string, now time.Time) error
}
