// Package clipvalidate implements ClipValidator (spec §4.9): HEAD, download,
// probe, integrity-check, and optionally validate metadata on a clip,
// memoizing results per (jobId, index) for 5 minutes. Grounded directly on
// video.Probe.runProbe for the probing step and on the teacher's generic
// cache.Cache[T] shape for the memoization layer.
package clipvalidate

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/livepeer/listing-pipeline/blobstore"
	"github.com/livepeer/listing-pipeline/resources"
)

const memoizeTTL = 5 * time.Minute

// Muxer is the subset of ffmpegmux.Muxer the validator needs, so tests can
// fake it without shelling out to ffmpeg/ffprobe.
type Muxer interface {
	GetDuration(jobID, path string) (time.Duration, error)
	ValidateIntegrity(ctx context.Context, jobID, path string) error
	GetMetadata(jobID, path string) (Metadata, error)
}

// Metadata is the subset of video.InputVideo the optional map-clip check
// needs, kept narrow so this package doesn't import the full video probe
// output shape.
type Metadata struct {
	HasVideoTrack bool
	Width, Height int64
}

// Result is the outcome of a Validate call.
type Result struct {
	OK       bool
	Duration time.Duration
	Reason   string
}

type memoKey struct {
	jobID string
	index int
}

type memoEntry struct {
	result    Result
	expiresAt time.Time
}

// Validator is the ClipValidator implementation.
type Validator struct {
	Store     blobstore.Store
	Muxer     Muxer
	Resources *resources.Tracker
	now       func() time.Time
	memo      map[memoKey]memoEntry
}

func New(store blobstore.Store, muxer Muxer, tracker *resources.Tracker) *Validator {
	return &Validator{
		Store:     store,
		Muxer:     muxer,
		Resources: tracker,
		now:       time.Now,
		memo:      make(map[memoKey]memoEntry),
	}
}

// Validate runs the five-step check from spec §4.9 against blobURL,
// memoized per (jobID, index) for memoizeTTL.
func (v *Validator) Validate(ctx context.Context, blobURL string, index int, jobID string, requireVideoTrack bool) Result {
	key := memoKey{jobID: jobID, index: index}
	now := v.now()
	if e, ok := v.memo[key]; ok && now.Before(e.expiresAt) {
		return e.result
	}

	result := v.validate(ctx, blobURL, index, jobID, requireVideoTrack)
	v.memo[key] = memoEntry{result: result, expiresAt: now.Add(memoizeTTL)}
	return result
}

func (v *Validator) validate(ctx context.Context, blobURL string, index int, jobID string, requireVideoTrack bool) Result {
	key, err := v.Store.KeyFromURL(blobURL)
	if err != nil {
		return Result{Reason: fmt.Sprintf("invalid blob URL: %s", err)}
	}

	head, err := v.Store.Head(ctx, key)
	if err != nil {
		return Result{Reason: fmt.Sprintf("HEAD failed: %s", err)}
	}
	if head.Size <= 0 {
		return Result{Reason: "blob has zero content length"}
	}

	localPath, err := v.download(ctx, jobID, key)
	if err != nil {
		return Result{Reason: fmt.Sprintf("download failed: %s", err)}
	}

	duration, err := v.Muxer.GetDuration(jobID, localPath)
	if err != nil {
		return Result{Reason: fmt.Sprintf("probe failed: %s", err)}
	}
	if duration <= 0 {
		return Result{Reason: "probed duration is not positive"}
	}

	if err := v.Muxer.ValidateIntegrity(ctx, jobID, localPath); err != nil {
		return Result{Reason: fmt.Sprintf("integrity check failed: %s", err)}
	}

	if requireVideoTrack {
		meta, err := v.Muxer.GetMetadata(jobID, localPath)
		if err != nil {
			return Result{Reason: fmt.Sprintf("metadata probe failed: %s", err)}
		}
		if !meta.HasVideoTrack || meta.Width <= 0 || meta.Height <= 0 {
			return Result{Reason: "missing video track or non-positive dimensions"}
		}
	}

	return Result{OK: true, Duration: duration}
}

func (v *Validator) download(ctx context.Context, jobID, key string) (string, error) {
	rc, err := v.Store.Download(ctx, key)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	dir, err := os.MkdirTemp(os.TempDir(), "clipvalidate-*")
	if err != nil {
		return "", err
	}
	localPath := filepath.Join(dir, filepath.Base(key))
	f, err := os.Create(localPath)
	if err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	defer f.Close()

	if _, err := io.Copy(f, rc); err != nil {
		os.RemoveAll(dir)
		return "", err
	}

	if v.Resources != nil {
		v.Resources.Track(jobID, dir, "download", nil)
	}
	return localPath, nil
}
