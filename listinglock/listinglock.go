// Package listinglock implements ListingLock (spec §4.10): a two-layer
// mutex per listingId — a process-local advisory lock keyed by a 31-bit
// hash of listingId, plus a persisted row in JobRepository. The persisted
// half is grounded on pipeline.Coordinator.sendDBMetrics's direct-SQL
// idiom (here expressed through jobrepo.Repository); acquisition retries
// use cenkalti/backoff/v4, the same library video.Probe uses for its own
// retry loop.
//
// The advisory half is new code, not built on the teacher's cluster
// package: cluster wraps hashicorp/serf for node membership, a different
// problem from per-listing mutual exclusion. See DESIGN.md.
package listinglock

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/livepeer/listing-pipeline/domain"
	"github.com/livepeer/listing-pipeline/jobrepo"
	"github.com/livepeer/listing-pipeline/log"
)

const (
	lockTTL       = 30 * time.Minute
	maxAttempts   = 3
	initialDelay  = 200 * time.Millisecond
	maxRetryDelay = 2 * time.Second
)

// Locker is ListingLock (C10).
type Locker struct {
	repo jobrepo.Repository

	mu       sync.Mutex
	advisory map[uint32]*sync.Mutex
}

func New(repo jobrepo.Repository) *Locker {
	return &Locker{repo: repo, advisory: make(map[uint32]*sync.Mutex)}
}

// hashListingID is the 31-bit advisory lock key spec §4.10 calls for.
func hashListingID(listingID string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(listingID))
	return h.Sum32() & 0x7fffffff
}

func (l *Locker) advisoryMutex(listingID string) *sync.Mutex {
	key := hashListingID(listingID)
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.advisory[key]
	if !ok {
		m = &sync.Mutex{}
		l.advisory[key] = m
	}
	return m
}

// Handle releases both the process-local advisory lock and the persisted
// row when Release is called.
type Handle struct {
	locker    *Locker
	listingID string
	jobID     string
	processID string
	advisory  *sync.Mutex
}

// Acquire attempts to take the listing's lock for (jobID, processID), up to
// maxAttempts with exponential backoff, reaping stale rows before each
// attempt.
func (l *Locker) Acquire(ctx context.Context, listingID, jobID, processID string) (*Handle, error) {
	advisory := l.advisoryMutex(listingID)
	if !advisory.TryLock() {
		return nil, fmt.Errorf("listinglock: listing %q is locked by another goroutine in this process", listingID)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialDelay
	b.MaxInterval = maxRetryDelay
	b.MaxElapsedTime = 0

	attempt := 0
	operation := func() error {
		attempt++
		if _, err := l.repo.DeleteExpiredLocks(ctx, listingID, time.Now()); err != nil {
			log.LogError(jobID, "listinglock: failed to reap expired locks", err, "listing_id", listingID)
		}

		err := l.repo.CreateLock(ctx, domain.ListingLock{
			ListingID: listingID,
			JobID:     jobID,
			ProcessID: processID,
			ExpiresAt: time.Now().Add(lockTTL),
		})
		if err == nil {
			return nil
		}
		if attempt >= maxAttempts {
			return backoff.Permanent(err)
		}
		return err
	}

	if err := backoff.Retry(operation, backoff.WithMaxRetries(b, maxAttempts-1)); err != nil {
		advisory.Unlock()
		return nil, fmt.Errorf("listinglock: failed to acquire lock for listing %q after %d attempts: %w", listingID, attempt, err)
	}

	return &Handle{locker: l, listingID: listingID, jobID: jobID, processID: processID, advisory: advisory}, nil
}

// Release deletes the persisted row, then releases the advisory lock, both
// best-effort: failure to release is logged, not fatal, since the
// persisted row's expiry reaps it regardless per spec §4.10.
func (h *Handle) Release(ctx context.Context) {
	if err := h.locker.repo.DeleteLock(ctx, h.listingID, h.jobID, h.processID); err != nil {
		log.LogError(h.jobID, "listinglock: failed to delete lock row", err, "listing_id", h.listingID)
	}
	h.advisory.Unlock()
}
