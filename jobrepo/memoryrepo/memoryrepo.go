// Package memoryrepo is an in-memory jobrepo.Repository fake for tests,
// mirroring the shape of the teacher's NewStubCoordinatorOpts test seam
// (pipeline/coordinator_test.go): a plain struct guarded by one mutex,
// no SQL, safe for concurrent use from table-driven tests.
package memoryrepo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/livepeer/listing-pipeline/domain"
	"github.com/livepeer/listing-pipeline/jobrepo"
)

type Repository struct {
	mu     sync.Mutex
	jobs   map[string]domain.Job
	photos map[string]map[int]domain.Photo // listingID -> order -> photo
	locks  map[string][]domain.ListingLock // listingID -> locks
	assets map[string]domain.ProcessedAsset
}

func New() *Repository {
	return &Repository{
		jobs:   make(map[string]domain.Job),
		photos: make(map[string]map[int]domain.Photo),
		locks:  make(map[string][]domain.ListingLock),
		assets: make(map[string]domain.ProcessedAsset),
	}
}

func (r *Repository) CreateJob(ctx context.Context, job domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[job.ID]; exists {
		return nil // idempotent at the level of (jobId, operation)
	}
	r.jobs[job.ID] = job
	return nil
}

func (r *Repository) GetJob(ctx context.Context, jobID string) (domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return domain.Job{}, fmt.Errorf("job %q not found", jobID)
	}
	return job, nil
}

func (r *Repository) UpdateStatus(ctx context.Context, jobID string, status domain.JobStatus, patch jobrepo.StatusPatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %q not found", jobID)
	}
	job.Status = status
	if patch.Progress != nil {
		job.Progress = domain.ClampProgress(*patch.Progress)
	}
	if patch.Error != nil {
		job.Error = patch.Error
	}
	r.jobs[jobID] = job
	return nil
}

func (r *Repository) SetMetadata(ctx context.Context, jobID string, mergePatch domain.Metadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %q not found", jobID)
	}
	merged := job.Metadata
	if mergePatch.CurrentStage != "" {
		merged.CurrentStage = mergePatch.CurrentStage
	}
	if mergePatch.CurrentSubStage != "" {
		merged.CurrentSubStage = mergePatch.CurrentSubStage
	}
	if mergePatch.ErrorDetails != nil {
		merged.ErrorDetails = mergePatch.ErrorDetails
	}
	if mergePatch.RegenerationContext != nil {
		merged.RegenerationContext = mergePatch.RegenerationContext
		merged.IsRegeneration = true
	}
	if mergePatch.ProcessedTemplates != nil {
		merged.ProcessedTemplates = mergePatch.ProcessedTemplates
	}
	if mergePatch.StageTimings != nil {
		if merged.StageTimings == nil {
			merged.StageTimings = make(map[string]time.Duration)
		}
		for k, v := range mergePatch.StageTimings {
			merged.StageTimings[k] = v
		}
	}
	if mergePatch.Priority != 0 {
		merged.Priority = mergePatch.Priority
	}
	if mergePatch.Extra != nil {
		if merged.Extra == nil {
			merged.Extra = make(map[string]any)
		}
		for k, v := range mergePatch.Extra {
			merged.Extra[k] = v
		}
	}
	merged.LastUpdated = time.Now()
	job.Metadata = merged
	r.jobs[jobID] = job
	return nil
}

func (r *Repository) SetOutput(ctx context.Context, jobID, outputBlobURL string, completedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %q not found", jobID)
	}
	job.OutputFile = outputBlobURL
	job.CompletedAt = &completedAt
	job.Status = domain.JobCompleted
	r.jobs[jobID] = job
	return nil
}

func (r *Repository) GetPhotos(ctx context.Context, listingID string, ordering jobrepo.Ordering) ([]domain.Photo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byOrder, ok := r.photos[listingID]
	if !ok {
		return nil, nil
	}
	orders := make([]int, 0, len(byOrder))
	for o := range byOrder {
		orders = append(orders, o)
	}
	if ordering == jobrepo.OrderDescending {
		sort.Sort(sort.Reverse(sort.IntSlice(orders)))
	} else {
		sort.Ints(orders)
	}
	out := make([]domain.Photo, 0, len(orders))
	for _, o := range orders {
		out = append(out, byOrder[o])
	}
	return out, nil
}

func (r *Repository) UpdatePhoto(ctx context.Context, photoID string, patch domain.Photo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for listingID, byOrder := range r.photos {
		for order, p := range byOrder {
			if p.ID == photoID {
				merged := mergePhoto(p, patch)
				r.photos[listingID][order] = merged
				return nil
			}
		}
	}
	return fmt.Errorf("photo %q not found", photoID)
}

func (r *Repository) UpsertPhotoByOrder(ctx context.Context, listingID string, order int, patch domain.Photo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	byOrder, ok := r.photos[listingID]
	if !ok {
		byOrder = make(map[int]domain.Photo)
		r.photos[listingID] = byOrder
	}
	existing, ok := byOrder[order]
	if !ok {
		patch.ListingID = listingID
		patch.Order = order
		byOrder[order] = patch
		return nil
	}
	byOrder[order] = mergePhoto(existing, patch)
	return nil
}

func mergePhoto(existing, patch domain.Photo) domain.Photo {
	merged := existing
	if patch.FilePath != "" {
		merged.FilePath = patch.FilePath
	}
	if patch.ProcessedFilePath != "" {
		merged.ProcessedFilePath = patch.ProcessedFilePath
	}
	if patch.RunwayVideoPath != "" {
		merged.RunwayVideoPath = patch.RunwayVideoPath
	}
	if patch.Status != "" {
		merged.Status = patch.Status
	}
	if patch.Error != "" {
		merged.Error = patch.Error
	}
	if patch.SourceWidth != 0 {
		merged.SourceWidth = patch.SourceWidth
	}
	if patch.SourceHeight != 0 {
		merged.SourceHeight = patch.SourceHeight
	}
	if patch.Metadata != nil {
		if merged.Metadata == nil {
			merged.Metadata = make(map[string]any)
		}
		for k, v := range patch.Metadata {
			merged.Metadata[k] = v
		}
	}
	return merged
}

func (r *Repository) ListLocks(ctx context.Context, listingID string) ([]domain.ListingLock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ListingLock(nil), r.locks[listingID]...), nil
}

func (r *Repository) CreateLock(ctx context.Context, lock domain.ListingLock) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for _, existing := range r.locks[lock.ListingID] {
		if !existing.Expired(now) {
			return fmt.Errorf("listing %q already locked by job %q", lock.ListingID, existing.JobID)
		}
	}
	r.locks[lock.ListingID] = append(r.locks[lock.ListingID], lock)
	return nil
}

func (r *Repository) DeleteExpiredLocks(ctx context.Context, listingID string, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	locks := r.locks[listingID]
	kept := locks[:0:0]
	removed := 0
	for _, l := range locks {
		if l.Expired(now) {
			removed++
			continue
		}
		kept = append(kept, l)
	}
	r.locks[listingID] = kept
	return removed, nil
}

func (r *Repository) DeleteLock(ctx context.Context, listingID, jobID, processID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	locks := r.locks[listingID]
	kept := locks[:0:0]
	for _, l := range locks {
		if l.JobID == jobID && l.ProcessID == processID {
			continue
		}
		kept = append(kept, l)
	}
	r.locks[listingID] = kept
	return nil
}

func (r *Repository) PutAsset(ctx context.Context, asset domain.ProcessedAsset) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assets[asset.CacheKey] = asset
	return nil
}

func (r *Repository) GetAsset(ctx context.Context, cacheKey string) (domain.ProcessedAsset, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	asset, ok := r.assets[cacheKey]
	return asset, ok, nil
}

func (r *Repository) TouchAsset(ctx context.Context, cacheKey string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	asset, ok := r.assets[cacheKey]
	if !ok {
		return fmt.Errorf("asset %q not found", cacheKey)
	}
	asset.LastAccessed = now
	asset.AccessCount++
	r.assets[cacheKey] = asset
	return nil
}

var _ jobrepo.Repository = (*Repository)(nil)
