// Package resources tracks temporary file paths created during a job's
// execution and guarantees their removal on every exit path, the same
// scope-and-cleanup shape the teacher repo uses around ffmpeg scratch
// directories (see pipeline.GenerateThumbs's os.MkdirTemp/os.RemoveAll
// pairing), generalized to cover individually-tracked files rather than a
// single directory.
package resources

import (
	"os"
	"sync"

	"github.com/livepeer/listing-pipeline/log"
)

// State is the lifecycle stage of a tracked resource.
type State string

const (
	StatePending    State = "PENDING"
	StateProcessing State = "PROCESSING"
	StateUploaded   State = "UPLOADED"
	StateFailed     State = "FAILED"
)

// Kind labels what a tracked path is, for logging and metrics only.
type Kind string

const (
	KindScratchFile Kind = "scratch_file"
	KindScratchDir  Kind = "scratch_dir"
	KindDownload    Kind = "download"
	KindRender      Kind = "render"
)

type entry struct {
	path  string
	kind  Kind
	state State
	meta  map[string]any
}

// Tracker is a process-wide, concurrency-safe registry of on-disk paths
// produced during job execution. Per spec §5.1 it is a per-process
// singleton; callers scope cleanup with WithTracking or an explicit
// Cleanup call keyed by jobID.
type Tracker struct {
	mu      sync.Mutex
	byJobID map[string]map[string]*entry
}

func New() *Tracker {
	return &Tracker{byJobID: make(map[string]map[string]*entry)}
}

// Track registers path under jobID with state PENDING.
func (t *Tracker) Track(jobID, path string, kind Kind, meta map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	job, ok := t.byJobID[jobID]
	if !ok {
		job = make(map[string]*entry)
		t.byJobID[jobID] = job
	}
	job[path] = &entry{path: path, kind: kind, state: StatePending, meta: meta}
}

// UpdateState transitions a tracked path to state. Updating an untracked
// path is a no-op; UpdateState never fails the caller for a bookkeeping
// miss.
func (t *Tracker) UpdateState(jobID, path string, state State, meta map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	job, ok := t.byJobID[jobID]
	if !ok {
		return
	}
	e, ok := job[path]
	if !ok {
		return
	}
	e.state = state
	if meta != nil {
		e.meta = meta
	}
}

// inUse is the "in-use" probe Cleanup consults before deleting a path that
// isn't force-removed: a path with a sibling "<path>.lock" file is treated
// as in use and skipped. A path without such a file counts as not in use.
func inUse(path string) bool {
	lockPath := path + ".lock"
	_, err := os.Stat(lockPath)
	return err == nil
}

// Cleanup removes every resource tracked for jobID. Without force, only
// resources in state UPLOADED are removed and paths that fail the in-use
// probe are skipped; with force every tracked path is removed regardless of
// state. Missing files are not an error: absence is success. The jobID's
// tracking set is discarded afterward regardless of individual removal
// outcomes.
func (t *Tracker) Cleanup(jobID string, force bool) {
	t.mu.Lock()
	job, ok := t.byJobID[jobID]
	if ok {
		delete(t.byJobID, jobID)
	}
	t.mu.Unlock()
	if !ok {
		return
	}

	for _, e := range job {
		if !force && e.state != StateUploaded {
			continue
		}
		if !force && inUse(e.path) {
			log.Log(jobID, "skipping cleanup of in-use resource", "path", e.path, "kind", e.kind)
			continue
		}
		if err := os.RemoveAll(e.path); err != nil && !os.IsNotExist(err) {
			log.LogError(jobID, "failed to clean up tracked resource", err, "path", e.path, "kind", e.kind)
		}
	}
}

// WithTracking runs op, then force-deletes every path registered under
// jobID during op's execution (whether op returned an error or not). The
// pipeline does not call it: concurrent template renders share one jobID,
// so Execute performs a single forced Cleanup when the job ends.
func (t *Tracker) WithTracking(jobID string, op func() error) error {
	t.mu.Lock()
	if _, ok := t.byJobID[jobID]; !ok {
		t.byJobID[jobID] = make(map[string]*entry)
	}
	t.mu.Unlock()

	opErr := op()
	t.Cleanup(jobID, true)
	return opErr
}
