// Package pipeline: production.go implements Pipeline (C12), the
// orchestrator that turns a listing's photos into rendered template
// videos. It keeps coordinator.go's shape — a struct of injected
// collaborators, a recovered-panic async entrypoint, a finally phase that
// always releases resources — and replaces its stream-transcoding
// semantics with the photo/template production algorithm from spec.md
// §4.1. JobInfo's role here is played by domain.JobExecution.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/livepeer/listing-pipeline/blobstore"
	"github.com/livepeer/listing-pipeline/c2pa"
	"github.com/livepeer/listing-pipeline/cache"
	"github.com/livepeer/listing-pipeline/clipvalidate"
	"github.com/livepeer/listing-pipeline/config"
	"github.com/livepeer/listing-pipeline/domain"
	xerrors "github.com/livepeer/listing-pipeline/errors"
	"github.com/livepeer/listing-pipeline/ffmpegmux"
	"github.com/livepeer/listing-pipeline/jobrepo"
	"github.com/livepeer/listing-pipeline/listinglock"
	"github.com/livepeer/listing-pipeline/log"
	"github.com/livepeer/listing-pipeline/mapclip"
	"github.com/livepeer/listing-pipeline/metrics"
	"github.com/livepeer/listing-pipeline/resources"
	"github.com/livepeer/listing-pipeline/templates"
	"github.com/livepeer/listing-pipeline/thumbnails"
	"github.com/livepeer/listing-pipeline/workerpool"
)

// posterFrameOffsetSec is where into a rendered template uploadPosterFrame
// grabs its poster JPEG - past any opening fade-in most templates start with.
const posterFrameOffsetSec = 1.0

// MotionGenerator is the narrow surface Pipeline needs from
// motionclip.Provider, so tests can substitute a fake without standing up
// an HTTP server.
type MotionGenerator interface {
	Generate(ctx context.Context, imageBlobURL string, order int, listingID, jobID string) (string, error)
}

// MapProducer is the narrow surface Pipeline needs from mapclip.Provider.
type MapProducer interface {
	Produce(ctx context.Context, coordinates mapclip.Coordinates, jobID string) (string, error)
}

// ImageProcessor is the narrow surface Pipeline needs from visioncrop.Cropper.
type ImageProcessor interface {
	ProcessImage(ctx context.Context, imageData []byte, listingID, jobID string, order int) (string, error)
}

// ClipValidator is the narrow surface Pipeline needs from clipvalidate.Validator.
type ClipValidator interface {
	Validate(ctx context.Context, blobURL string, index int, jobID string, requireVideoTrack bool) clipvalidate.Result
}

// Muxer is the narrow surface Pipeline needs from ffmpegmux.Muxer.
type Muxer interface {
	Stitch(ctx context.Context, jobID string, clips []ffmpegmux.Clip, output string, tmpl domain.TemplateDefinition, watermark *ffmpegmux.Watermark) error
}

// MusicValidator is implemented by ffmpegmux.Muxer; kept as an optional
// interface so fakes that don't care about music don't need to implement it.
type MusicValidator interface {
	ValidateMusicFile(ctx context.Context, jobID, path string) error
}

// Pipeline is the Pipeline implementation (C12): it orchestrates C1-C11.
type Pipeline struct {
	Store     blobstore.Store
	Motion    MotionGenerator
	Map       MapProducer
	Muxer     Muxer
	Cropper   ImageProcessor
	Catalog   *templates.Catalog
	Validator ClipValidator
	Locks     *listinglock.Locker
	Repo      jobrepo.Repository
	Resources *resources.Tracker
	Assets    *cache.AssetCache
	Clock     clock.Clock

	WatermarkKey     string
	WatermarkOpacity float64

	// Provenance, when set, signs every rendered template output with a
	// C2PA content-credentials manifest before upload. Nil disables
	// signing, the same opt-out shape as an empty WatermarkKey.
	Provenance *c2pa.C2PA
}

// New builds a Pipeline from its collaborators, defaulting Clock to the
// real wall clock (benbjohnson/clock.New(), the same default progress.go
// uses for its own package-level Clock).
func New(store blobstore.Store, motion MotionGenerator, mapProvider MapProducer, muxer Muxer, cropper ImageProcessor,
	catalog *templates.Catalog, validator ClipValidator, locks *listinglock.Locker, repo jobrepo.Repository,
	tracker *resources.Tracker, assets *cache.AssetCache) *Pipeline {
	return &Pipeline{
		Store: store, Motion: motion, Map: mapProvider, Muxer: muxer, Cropper: cropper,
		Catalog: catalog, Validator: validator, Locks: locks, Repo: repo,
		Resources: tracker, Assets: assets, Clock: clock.New(),
		WatermarkOpacity: 0.8,
	}
}

// ExecuteInput is Execute's input per spec §4.1.
type ExecuteInput struct {
	JobID               string
	ListingID           string
	InputFiles          []string
	Template            domain.TemplateKey
	AllowedTemplates    []domain.TemplateKey // empty means "every catalog template"
	Coordinates         *mapclip.Coordinates
	IsRegeneration      bool
	RegenerationContext *domain.RegenerationContext
	SkipMotion          bool
	SkipMotionIfCached  bool
	SkipLock            bool
	ForceRegeneration   bool
}

// Execute runs the full production algorithm for input, per spec.md §4.1
// steps 1-13, and returns the blob URL of the primary rendered template.
func (p *Pipeline) Execute(ctx context.Context, input ExecuteInput) (outputURL string, execErr error) {
	jobID := input.JobID

	listingID, err := p.resolveListingID(ctx, input)
	if err != nil {
		return "", p.fail(ctx, jobID, xerrors.NewPipelineError(xerrors.KindInputInvalid, "failed to resolve listingId", err), input)
	}

	if !input.IsRegeneration && len(input.InputFiles) == 0 {
		return "", p.fail(ctx, jobID, xerrors.NewPipelineError(xerrors.KindInputInvalid, "no input photos supplied", nil), input)
	}

	job := domain.Job{
		ID:              jobID,
		ListingID:       listingID,
		TemplateDefault: string(input.Template),
		Status:          domain.JobProcessing,
		InputFiles:      input.InputFiles,
		StartedAt:       time.Now(),
	}
	if err := p.Repo.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("failed to persist new job: %w", err)
	}

	metrics.Metrics.ProductionPipeline.JobsStarted.Inc()
	defer func(start time.Time) {
		metrics.Metrics.ProductionPipeline.JobDurationSec.Observe(time.Since(start).Seconds())
		status := "completed"
		if execErr != nil {
			status = "failed"
		}
		metrics.Metrics.ProductionPipeline.JobsCompleted.WithLabelValues(status).Inc()
	}(job.StartedAt)

	// A panic on this goroutine becomes a FAILED job with kind INTERNAL.
	defer func() {
		if r := recover(); r != nil {
			outputURL = ""
			execErr = p.fail(ctx, jobID, xerrors.NewPipelineError(xerrors.KindInternal, fmt.Sprintf("panic during execution: %v", r), nil), input)
		}
	}()

	var lockHandle *listinglock.Handle
	if !input.SkipLock {
		lockHandle, err = p.Locks.Acquire(ctx, listingID, jobID, jobID)
		if err != nil {
			return "", p.fail(ctx, jobID, xerrors.NewPipelineError(xerrors.KindLocked, "failed to acquire listing lock", err), input)
		}
	}

	exec := domain.NewJobExecution(job, config.BatchSizeDefault)

	defer func() {
		if lockHandle != nil {
			lockHandle.Release(context.Background())
		}
		p.Resources.Cleanup(jobID, true)
	}()

	outputURL, execErr = p.execute(ctx, exec, listingID, input)
	if execErr != nil {
		return "", p.fail(ctx, jobID, execErr, input)
	}
	return outputURL, nil
}

// RegeneratePhotos re-renders every template after regenerating the motion
// clips for photoIDs; every other photo's clip is reused by blob URL. A
// nil/empty photoIDs list on an already-COMPLETED job is a no-op.
func (p *Pipeline) RegeneratePhotos(ctx context.Context, jobID string, photoIDs []string) (string, error) {
	job, err := p.Repo.GetJob(ctx, jobID)
	if err != nil {
		return "", xerrors.NewPipelineError(xerrors.KindInputInvalid, "job not found", err)
	}
	if len(photoIDs) == 0 && job.Status == domain.JobCompleted {
		return job.OutputFile, nil
	}

	photos, err := p.Repo.GetPhotos(ctx, job.ListingID, jobrepo.OrderAscending)
	if err != nil {
		return "", xerrors.NewPipelineError(xerrors.KindInternal, "failed to load photos for regeneration", err)
	}

	toRegen := make(map[string]bool, len(photoIDs))
	for _, id := range photoIDs {
		toRegen[id] = true
	}

	regenCtx := &domain.RegenerationContext{TotalPhotos: len(photos)}
	for _, photo := range photos {
		if toRegen[photo.ID] {
			regenCtx.PhotosToRegenerate = append(regenCtx.PhotosToRegenerate, photo)
			regenCtx.RegeneratedPhotoIDs = append(regenCtx.RegeneratedPhotoIDs, photo.ID)
		} else {
			regenCtx.ExistingPhotos = append(regenCtx.ExistingPhotos, photo)
		}
	}
	if !regenCtx.Dense() {
		return "", xerrors.NewPipelineError(xerrors.KindInternal, "regeneration context does not densely cover every photo order", nil)
	}

	return p.Execute(ctx, ExecuteInput{
		JobID:              jobID,
		ListingID:          job.ListingID,
		Template:           domain.TemplateKey(job.TemplateDefault),
		IsRegeneration:     true,
		RegenerationContext: regenCtx,
		SkipMotionIfCached: false,
	})
}

func (p *Pipeline) resolveListingID(ctx context.Context, input ExecuteInput) (string, error) {
	if input.ListingID != "" {
		return input.ListingID, nil
	}
	job, err := p.Repo.GetJob(ctx, input.JobID)
	if err != nil {
		return "", err
	}
	if job.ListingID == "" {
		return "", fmt.Errorf("job %q has no listingId on record", input.JobID)
	}
	return job.ListingID, nil
}

// fail transitions the job to FAILED with structured errorDetails, per
// spec §7, and returns err unchanged so callers can propagate it.
func (p *Pipeline) fail(ctx context.Context, jobID string, err error, input ExecuteInput) error {
	log.LogError(jobID, "production pipeline failed", err, "listing_id", input.ListingID)
	details := &domain.ErrorDetails{
		Kind:      string(xerrors.KindOf(err)),
		Message:   err.Error(),
		Timestamp: time.Now(),
		Inputs:    map[string]any{"inputFiles": input.InputFiles, "template": string(input.Template)},
	}
	progress := domain.ClampProgress(0)
	if updateErr := p.Repo.UpdateStatus(ctx, jobID, domain.JobFailed, jobrepo.StatusPatch{Progress: &progress, Error: details}); updateErr != nil {
		log.LogError(jobID, "failed to persist job failure", updateErr)
	}
	if metaErr := p.Repo.SetMetadata(ctx, jobID, domain.Metadata{ErrorDetails: details}); metaErr != nil {
		log.LogError(jobID, "failed to persist job failure metadata", metaErr)
	}
	return err
}

// execute runs steps 3-12 of spec §4.1 once listingId is resolved and the
// lock (if any) is held. The caller (Execute) owns lock release and
// resource cleanup.
func (p *Pipeline) execute(ctx context.Context, exec *domain.JobExecution, listingID string, input ExecuteInput) (string, error) {
	jobID := exec.ID

	if err := p.emitProgress(ctx, jobID, "vision", 0); err != nil {
		log.LogError(jobID, "failed to emit progress", err)
	}

	photos, err := p.ensurePhotoRecords(ctx, listingID, input)
	if err != nil {
		return "", err
	}
	totalPhotos := len(photos)
	if totalPhotos == 0 {
		return "", xerrors.NewPipelineError(xerrors.KindInputInvalid, "no photos on record for listing", nil)
	}

	exec.StartStage("vision")
	if err := p.prepareImages(ctx, exec, listingID, photos); err != nil {
		return "", err
	}
	metrics.Metrics.ProductionPipeline.StageDurationSec.WithLabelValues("vision").Observe(exec.FinishStage("vision").Seconds())

	if err := p.emitProgress(ctx, jobID, "motion", 0); err != nil {
		log.LogError(jobID, "failed to emit progress", err)
	}

	exec.StartStage("motion")
	motionClips, err := p.resolveMotionClips(ctx, exec, listingID, input, photos)
	if err != nil {
		return "", err
	}
	metrics.Metrics.ProductionPipeline.StageDurationSec.WithLabelValues("motion").Observe(exec.FinishStage("motion").Seconds())

	var mapClipURL string
	if input.Coordinates != nil {
		mapClipURL, err = p.resolveMapClip(ctx, jobID, *input.Coordinates)
		if err != nil {
			log.LogError(jobID, "map clip generation failed, templates requiring map will be dropped", err)
		}
	}

	if err := p.emitProgress(ctx, jobID, "template", 50); err != nil {
		log.LogError(jobID, "failed to emit progress", err)
	}

	watermark, err := p.acquireWatermark(ctx, jobID)
	if err != nil {
		log.Log(jobID, "proceeding without watermark", "err", err)
	}

	allowed := input.AllowedTemplates
	if len(allowed) == 0 {
		for _, t := range p.Catalog.All() {
			allowed = append(allowed, t.Key)
		}
	}

	results := p.renderTemplates(ctx, exec, listingID, allowed, motionClips, mapClipURL, watermark)

	var successes []domain.ProcessedTemplate
	var primary *domain.ProcessedTemplate
	for _, r := range results {
		if r.err != nil {
			metrics.Metrics.ProductionPipeline.TemplatesRendered.WithLabelValues(string(r.key), "failed").Inc()
			log.LogError(jobID, "template render failed", r.err, "template", r.key)
			continue
		}
		metrics.Metrics.ProductionPipeline.TemplatesRendered.WithLabelValues(string(r.key), "success").Inc()
		pt := domain.ProcessedTemplate{Key: string(r.key), BlobURL: r.outputURL}
		successes = append(successes, pt)
		if r.key == input.Template {
			cp := pt
			primary = &cp
		}
	}
	if len(successes) == 0 {
		return "", xerrors.NewPipelineError(xerrors.KindNoTemplateSucceeded, "no template rendered successfully", nil)
	}
	if primary == nil {
		primary = &successes[0]
	}

	if err := p.Repo.SetMetadata(ctx, jobID, domain.Metadata{ProcessedTemplates: successes, CurrentStage: "completed"}); err != nil {
		log.LogError(jobID, "failed to persist processed templates", err)
	}
	if err := p.Repo.SetOutput(ctx, jobID, primary.BlobURL, time.Now()); err != nil {
		return "", xerrors.NewPipelineError(xerrors.KindInternal, "failed to persist job output", err)
	}
	progress := 100
	if err := p.Repo.UpdateStatus(ctx, jobID, domain.JobCompleted, jobrepo.StatusPatch{Progress: &progress}); err != nil {
		log.LogError(jobID, "failed to mark job completed", err)
	}

	return primary.BlobURL, nil
}

func (p *Pipeline) emitProgress(ctx context.Context, jobID, stage string, pct int) error {
	clamped := domain.ClampProgress(pct)
	if err := p.Repo.UpdateStatus(ctx, jobID, domain.JobProcessing, jobrepo.StatusPatch{Progress: &clamped}); err != nil {
		return err
	}
	return p.Repo.SetMetadata(ctx, jobID, domain.Metadata{CurrentStage: stage})
}

// ensurePhotoRecords loads the listing's photos, creating one row per
// input file (in order) the first time a job runs against a fresh listing.
func (p *Pipeline) ensurePhotoRecords(ctx context.Context, listingID string, input ExecuteInput) ([]domain.Photo, error) {
	existing, err := p.Repo.GetPhotos(ctx, listingID, jobrepo.OrderAscending)
	if err != nil {
		return nil, xerrors.NewPipelineError(xerrors.KindInternal, "failed to load photos", err)
	}
	if len(existing) > 0 || len(input.InputFiles) == 0 {
		return existing, nil
	}
	for i, url := range input.InputFiles {
		photo := domain.Photo{ID: uuid.NewString(), FilePath: url, Status: domain.PhotoPending}
		if err := p.Repo.UpsertPhotoByOrder(ctx, listingID, i, photo); err != nil {
			return nil, xerrors.NewPipelineError(xerrors.KindInternal, "failed to create photo record", err)
		}
	}
	return p.Repo.GetPhotos(ctx, listingID, jobrepo.OrderAscending)
}

// prepareImages runs VisionCropper over every photo missing a
// processedFilePath, batched under memory-adaptive concurrency (spec §5).
func (p *Pipeline) prepareImages(ctx context.Context, exec *domain.JobExecution, listingID string, photos []domain.Photo) error {
	jobID := exec.ID
	pending := make([]domain.Photo, 0, len(photos))
	for _, photo := range photos {
		if photo.ProcessedFilePath == "" {
			pending = append(pending, photo)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	p.adjustBatchSize(exec)
	pool := workerpool.New(pending, exec.GetBatchSize(), func(photo domain.Photo, _ int) error {
		err := p.withRetry(ctx, jobID, "vision", config.MaxRetries, func(int) error {
			data, err := p.downloadBlob(ctx, photo.FilePath)
			if err != nil {
				return xerrors.NewPipelineError(xerrors.KindVisionFailed, "failed to download source photo", err)
			}
			processedURL, err := p.Cropper.ProcessImage(ctx, data, listingID, jobID, photo.Order)
			if err != nil {
				return err
			}
			return p.Repo.UpsertPhotoByOrder(ctx, listingID, photo.Order, domain.Photo{ProcessedFilePath: processedURL})
		})
		if err != nil {
			// Vision failures are contained (spec §7): motion-clip generation
			// falls back to the original file for this photo.
			log.LogError(jobID, "vision processing failed for photo, motion clip will use the original file", err, "order", photo.Order)
		}
		return nil
	})
	err := pool.Run()
	p.adjustBatchSize(exec)
	return err
}

// resolveMotionClips builds the dense, order-indexed vector of motion-clip
// blob URLs per spec §4.1 step 6, splicing regeneration results with
// reused existing clips when input.IsRegeneration is set.
func (p *Pipeline) resolveMotionClips(ctx context.Context, exec *domain.JobExecution, listingID string, input ExecuteInput, photos []domain.Photo) ([]string, error) {
	jobID := exec.ID
	total := len(photos)
	vector := make([]string, total)

	if input.IsRegeneration && input.RegenerationContext != nil {
		rc := input.RegenerationContext
		for _, existing := range rc.ExistingPhotos {
			if existing.Order >= 0 && existing.Order < total {
				vector[existing.Order] = existing.RunwayVideoPath
			}
		}
		if err := p.generateMotionClips(ctx, exec, listingID, rc.PhotosToRegenerate, vector); err != nil {
			return nil, err
		}
	} else if input.SkipMotionIfCached && allHaveMotionClips(photos) {
		for _, photo := range photos {
			vector[photo.Order] = photo.RunwayVideoPath
		}
	} else {
		needsGeneration := make([]domain.Photo, 0, total)
		for _, photo := range photos {
			if photo.HasMotionClip() && !input.ForceRegeneration {
				vector[photo.Order] = photo.RunwayVideoPath
				continue
			}
			needsGeneration = append(needsGeneration, photo)
		}
		if err := p.generateMotionClips(ctx, exec, listingID, needsGeneration, vector); err != nil {
			return nil, err
		}
	}

	for order, url := range vector {
		if url == "" {
			return nil, xerrors.NewPipelineError(xerrors.KindMotionMissing, fmt.Sprintf("missing motion clip at order %d", order), nil)
		}
	}

	if p.Validator != nil {
		for order, url := range vector {
			result := p.Validator.Validate(ctx, url, order, jobID, false)
			if !result.OK {
				return nil, xerrors.NewPipelineError(xerrors.KindMotionMissing, fmt.Sprintf("motion clip at order %d failed validation: %s", order, result.Reason), nil)
			}
		}
	}

	return vector, nil
}

func allHaveMotionClips(photos []domain.Photo) bool {
	for _, p := range photos {
		if !p.HasMotionClip() {
			return false
		}
	}
	return true
}

// generateMotionClips runs MotionClipProvider.Generate (wrapped in the
// retry envelope, up to config.MaxMotionRetries attempts) over photos,
// writing successes into vector at their order index. Failures are logged
// and leave vector's slot empty; resolveMotionClips turns any remaining
// gap into a terminal MOTION_MISSING.
func (p *Pipeline) generateMotionClips(ctx context.Context, exec *domain.JobExecution, listingID string, photos []domain.Photo, vector []string) error {
	if len(photos) == 0 {
		return nil
	}
	jobID := exec.ID

	p.adjustBatchSize(exec)
	var mu sync.Mutex
	pool := workerpool.New(photos, exec.GetBatchSize(), func(photo domain.Photo, _ int) error {
		sourceImage := photo.ProcessedFilePath
		if sourceImage == "" {
			sourceImage = photo.FilePath
		}

		cacheKey := cache.CacheKey(cache.KeyFields{Type: domain.AssetRunway, InputFiles: []string{photo.FilePath}})
		if cached, ok := p.Assets.Get(domain.AssetRunway, cacheKey); ok {
			metrics.Metrics.ProductionPipeline.CacheHits.WithLabelValues(string(domain.AssetRunway)).Inc()
			mu.Lock()
			vector[photo.Order] = cached.Path
			mu.Unlock()
			return nil
		}
		metrics.Metrics.ProductionPipeline.CacheMisses.WithLabelValues(string(domain.AssetRunway)).Inc()

		var clipURL string
		err := p.withRetry(ctx, jobID, "motion", config.MaxMotionRetries, func(int) error {
			url, genErr := p.Motion.Generate(ctx, sourceImage, photo.Order, listingID, jobID)
			if genErr != nil {
				return genErr
			}
			clipURL = url
			return nil
		})
		if err != nil {
			log.LogError(jobID, "motion clip generation failed for photo", err, "order", photo.Order)
			return nil
		}

		p.Assets.Put(domain.AssetRunway, cacheKey, clipURL, "")
		mu.Lock()
		vector[photo.Order] = clipURL
		mu.Unlock()
		return nil
	})
	err := pool.Run()
	p.adjustBatchSize(exec)
	return err
}

// resolveMapClip produces (or reuses from AssetCache) the map fly-in clip
// for coordinates, wrapping MapClipProvider.Produce with a per-attempt
// timeout and retry envelope per spec §4.5.
func (p *Pipeline) resolveMapClip(ctx context.Context, jobID string, coords mapclip.Coordinates) (string, error) {
	cacheKey := cache.CacheKey(cache.KeyFields{Type: domain.AssetMap, Coordinates: &[2]float64{coords.Lat, coords.Lng}})
	if cached, ok := p.Assets.Get(domain.AssetMap, cacheKey); ok {
		metrics.Metrics.ProductionPipeline.CacheHits.WithLabelValues(string(domain.AssetMap)).Inc()
		return cached.Path, nil
	}
	metrics.Metrics.ProductionPipeline.CacheMisses.WithLabelValues(string(domain.AssetMap)).Inc()

	var clipURL string
	err := p.withRetry(ctx, jobID, "map", config.MapClipMaxAttempts, func(int) error {
		attemptCtx, cancel := context.WithTimeout(ctx, config.MapClipAttemptTimeout)
		defer cancel()
		url, produceErr := p.Map.Produce(attemptCtx, coords, jobID)
		if produceErr != nil {
			return produceErr
		}
		clipURL = url
		return nil
	})
	if err != nil {
		return "", xerrors.NewPipelineError(xerrors.KindMapFailed, "map clip generation failed", err)
	}

	if p.Validator != nil {
		result := p.Validator.Validate(ctx, clipURL, -1, jobID, true)
		if !result.OK {
			return "", xerrors.NewPipelineError(xerrors.KindMapFailed, "map clip failed validation: "+result.Reason, nil)
		}
	}

	p.Assets.Put(domain.AssetMap, cacheKey, clipURL, "")
	return clipURL, nil
}

func (p *Pipeline) acquireWatermark(ctx context.Context, jobID string) (*ffmpegmux.Watermark, error) {
	if p.WatermarkKey == "" {
		return nil, nil
	}
	dir, err := os.MkdirTemp(os.TempDir(), "pipeline-watermark-*")
	if err != nil {
		return nil, err
	}
	p.Resources.Track(jobID, dir, resources.KindScratchDir, nil)

	rc, err := p.Store.Download(ctx, p.WatermarkKey)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	path := filepath.Join(dir, "watermark.png")
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if _, err := io.Copy(f, rc); err != nil {
		return nil, err
	}
	return &ffmpegmux.Watermark{Path: path, Opacity: p.WatermarkOpacity}, nil
}

type templateResult struct {
	key       domain.TemplateKey
	outputURL string
	err       error
}

// renderTemplates fans out processTemplate over every allowed template key
// using a bounded worker pool (spec §5). Individual template failures never
// abort the pool: each slot records its own result, and Execute only fails
// the whole job if zero templates succeeded.
func (p *Pipeline) renderTemplates(ctx context.Context, exec *domain.JobExecution, listingID string, allowed []domain.TemplateKey, motionClips []string, mapClipURL string, watermark *ffmpegmux.Watermark) []templateResult {
	type job struct {
		def domain.TemplateDefinition
	}
	jobs := make([]job, 0, len(allowed))
	for _, key := range allowed {
		def, ok := p.Catalog.Lookup(key)
		if !ok {
			log.Log(exec.ID, "skipping unknown template key", "template", key)
			continue
		}
		if def.RequiresMap() && mapClipURL == "" {
			log.Log(exec.ID, "dropping template that requires a map clip with none available", "template", key)
			continue
		}
		jobs = append(jobs, job{def: def})
	}

	results := make([]templateResult, len(jobs))
	pool := workerpool.New(jobs, config.BatchSizeDefault, func(j job, idx int) error {
		timeout := j.def.Timeout
		if timeout <= 0 {
			timeout = 2 * time.Minute
		}
		tctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		outputURL, err := p.processTemplateWithRetry(tctx, exec, listingID, j.def, motionClips, mapClipURL, watermark)
		results[idx] = templateResult{key: j.def.Key, outputURL: outputURL, err: err}
		return nil
	})
	_ = pool.Run() // work never returns an error; failures are captured per-slot above
	return results
}

func (p *Pipeline) processTemplateWithRetry(ctx context.Context, exec *domain.JobExecution, listingID string, t domain.TemplateDefinition, motionClips []string, mapClipURL string, watermark *ffmpegmux.Watermark) (string, error) {
	attempts := t.MaxRetries
	if attempts <= 0 {
		attempts = config.MaxRetries
	}
	var outputURL string
	err := p.withRetry(ctx, exec.ID, "template:"+string(t.Key), attempts, func(int) error {
		url, renderErr := p.processTemplate(ctx, exec, listingID, t, motionClips, mapClipURL, watermark)
		if renderErr != nil {
			return renderErr
		}
		outputURL = url
		return nil
	})
	return outputURL, err
}

// processTemplate is the processTemplate(t, motionClips[], mapClip?, ctx)
// inner algorithm from spec §4.1: validate, download+validate clips,
// resolve music, build the render plan, stitch, and upload.
func (p *Pipeline) processTemplate(ctx context.Context, exec *domain.JobExecution, listingID string, t domain.TemplateDefinition, motionClips []string, mapClipURL string, watermark *ffmpegmux.Watermark) (string, error) {
	jobID := exec.ID
	if err := t.Validate(); err != nil {
		return "", xerrors.NewPipelineError(xerrors.KindInputInvalid, "invalid template definition", err)
	}

	dir, err := os.MkdirTemp(os.TempDir(), fmt.Sprintf("pipeline-%s-%s-*", jobID, t.Key))
	if err != nil {
		return "", xerrors.NewPipelineError(xerrors.KindInternal, "failed to create template scratch dir", err)
	}
	p.Resources.Track(jobID, dir, resources.KindScratchDir, map[string]any{"template": string(t.Key)})

	if t.RequiresMap() && mapClipURL == "" {
		return "", xerrors.NewPipelineError(xerrors.KindMapRequired, "template requires a map clip but none is available", nil)
	}

	clips, err := p.buildClipPlan(ctx, jobID, dir, t, motionClips, mapClipURL)
	if err != nil {
		return "", err
	}
	if len(clips) == 0 {
		return "", xerrors.NewPipelineError(xerrors.KindNoValidClips, "no clip in the template's sequence passed validation", nil)
	}

	resolvedTemplate := t
	if t.Music != nil {
		if localMusic, musicErr := p.resolveMusic(ctx, jobID, dir, t); musicErr == nil {
			m := *t.Music
			m.AssetRef = localMusic
			resolvedTemplate.Music = &m
		} else {
			log.Log(jobID, "proceeding without music", "template", t.Key, "err", musicErr)
			resolvedTemplate.Music = nil
		}
	}

	outputPath := filepath.Join(dir, string(t.Key)+".mp4")
	if err := p.Muxer.Stitch(ctx, jobID, clips, outputPath, resolvedTemplate, watermark); err != nil {
		return "", xerrors.NewPipelineError(xerrors.KindMuxFailed, "failed to stitch template", err)
	}

	outputPath = p.signProvenance(jobID, t.Key, outputPath)

	outputURL, err := p.uploadTemplateOutput(ctx, listingID, jobID, t.Key, outputPath)
	if err != nil {
		return "", err
	}

	p.uploadPosterFrame(ctx, listingID, jobID, t.Key, outputPath, dir)

	return outputURL, nil
}

// uploadPosterFrame extracts and uploads a poster JPEG for the rendered
// template. A failure here never fails the job - the rendered video
// already uploaded successfully - it's logged and skipped, the same
// degrade-gracefully shape as signProvenance.
func (p *Pipeline) uploadPosterFrame(ctx context.Context, listingID, jobID string, key domain.TemplateKey, renderPath, dir string) {
	posterPath := filepath.Join(dir, string(key)+"-poster.jpg")
	if err := thumbnails.ExtractPosterFrame(renderPath, posterPath, posterFrameOffsetSec); err != nil {
		log.Log(jobID, "skipping poster frame", "template", key, "err", err)
		return
	}

	f, err := os.Open(posterPath)
	if err != nil {
		log.Log(jobID, "skipping poster frame upload", "template", key, "err", err)
		return
	}
	defer f.Close()

	blobKey := fmt.Sprintf("properties/%s/videos/templates/%s/%s-poster.jpg", listingID, jobID, key)
	if err := p.Store.Upload(ctx, blobKey, f, "image/jpeg"); err != nil {
		log.Log(jobID, "failed to upload poster frame", "template", key, "err", err)
	}
}

// signProvenance embeds a C2PA content-credentials manifest into the
// rendered output when Provenance is configured. Failure to sign doesn't
// fail the job - the unsigned render is still a valid upload - it just
// falls back to uploading the render as-is, matching the
// degrade-gracefully shape acquireWatermark/resolveMusic already use for
// other optional finishing steps.
func (p *Pipeline) signProvenance(jobID string, key domain.TemplateKey, renderPath string) string {
	if p.Provenance == nil {
		return renderPath
	}
	signedPath := strings.TrimSuffix(renderPath, filepath.Ext(renderPath)) + ".c2pa.mp4"
	if err := p.Provenance.SignFile(renderPath, signedPath); err != nil {
		log.Log(jobID, "proceeding without content credentials", "template", key, "err", err)
		return renderPath
	}
	return signedPath
}

// buildClipPlan downloads and validates every clip t.Sequence references,
// dropping (but not failing on) individually-invalid clips per spec §4.1
// processTemplate step 3.
func (p *Pipeline) buildClipPlan(ctx context.Context, jobID, dir string, t domain.TemplateDefinition, motionClips []string, mapClipURL string) ([]ffmpegmux.Clip, error) {
	type slot struct {
		idx        int
		el         domain.SequenceElement
		clipURL    string
		reverse    bool
		transition *domain.Transition
		color      *domain.ColorCorrection
	}
	slots := make([]slot, len(t.Sequence))
	for i, el := range t.Sequence {
		clipURL := mapClipURL
		if !el.IsMap {
			if el.PhotoIndex < 0 || el.PhotoIndex >= len(motionClips) {
				return nil, xerrors.NewPipelineError(xerrors.KindInputInvalid, fmt.Sprintf("template %s references out-of-range photo index %d", t.Key, el.PhotoIndex), nil)
			}
			clipURL = motionClips[el.PhotoIndex]
		}
		s := slot{idx: i, el: el, clipURL: clipURL, reverse: t.ReverseClips[i]}
		if tr, ok := t.Transitions[i]; ok {
			trCopy := tr
			s.transition = &trCopy
		}
		s.color = t.ColorCorrection
		slots[i] = s
	}

	type outcome struct {
		clip ffmpegmux.Clip
		ok   bool
	}
	outcomes := make([]outcome, len(slots))
	pool := workerpool.New(slots, config.BatchSizeDefault, func(s slot, _ int) error {
		validateIndex := s.el.PhotoIndex
		if s.el.IsMap {
			validateIndex = -1
		}
		if p.Validator != nil {
			result := p.Validator.Validate(ctx, s.clipURL, validateIndex, jobID, false)
			if !result.OK {
				log.Log(jobID, "dropping invalid clip from template render", "template", t.Key, "position", s.idx, "reason", result.Reason)
				return nil
			}
		}

		localPath, err := p.downloadToFile(ctx, s.clipURL, dir, fmt.Sprintf("clip_%03d.mp4", s.idx))
		if err != nil {
			log.LogError(jobID, "failed to download clip for template render", err, "template", t.Key, "position", s.idx)
			return nil
		}

		duration := t.Durations[s.idx]
		outcomes[s.idx] = outcome{ok: true, clip: ffmpegmux.Clip{
			Path: localPath, Duration: duration, Reverse: s.reverse,
			Transition: s.transition, ColorCorrection: s.color,
		}}
		return nil
	})
	_ = pool.Run()

	clips := make([]ffmpegmux.Clip, 0, len(outcomes))
	for _, o := range outcomes {
		if o.ok {
			clips = append(clips, o.clip)
		}
	}
	return clips, nil
}

func (p *Pipeline) resolveMusic(ctx context.Context, jobID, dir string, t domain.TemplateDefinition) (string, error) {
	localPath, err := p.downloadToFile(ctx, t.Music.AssetRef, dir, "music"+filepath.Ext(t.Music.AssetRef))
	if err != nil {
		return "", err
	}
	if mv, ok := p.Muxer.(MusicValidator); ok {
		if err := mv.ValidateMusicFile(ctx, jobID, localPath); err != nil {
			return "", err
		}
	}
	return localPath, nil
}

func (p *Pipeline) uploadTemplateOutput(ctx context.Context, listingID, jobID string, key domain.TemplateKey, localPath string) (string, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return "", xerrors.NewPipelineError(xerrors.KindUploadFailed, "rendered template is missing on disk", err)
	}

	blobKey := fmt.Sprintf("properties/%s/videos/templates/%s/%s.mp4", listingID, jobID, key)
	f, err := os.Open(localPath)
	if err != nil {
		return "", xerrors.NewPipelineError(xerrors.KindUploadFailed, "failed to open rendered template", err)
	}
	defer f.Close()

	if err := p.Store.Upload(ctx, blobKey, f, "video/mp4"); err != nil {
		return "", xerrors.NewPipelineError(xerrors.KindUploadFailed, "failed to upload rendered template", err)
	}

	head, err := p.Store.Head(ctx, blobKey)
	if err != nil || head.Size != info.Size() {
		return "", xerrors.NewPipelineError(xerrors.KindUploadFailed, "uploaded template size does not match local file", err)
	}

	return p.Store.URLFromKey(blobKey), nil
}

func (p *Pipeline) downloadBlob(ctx context.Context, blobURL string) ([]byte, error) {
	key, err := p.Store.KeyFromURL(blobURL)
	if err != nil {
		return nil, err
	}
	rc, err := p.Store.Download(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (p *Pipeline) downloadToFile(ctx context.Context, blobURL, destDir, name string) (string, error) {
	key, err := p.Store.KeyFromURL(blobURL)
	if err != nil {
		return "", err
	}
	rc, err := p.Store.Download(ctx, key)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	dest := filepath.Join(destDir, name)
	f, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, rc); err != nil {
		return "", err
	}
	return dest, nil
}

// withRetry applies spec §4.1's retry envelope: delay(attempt) =
// min(1000*2^(attempt-1)*(0.5+rand), 30000)ms, up to attempts tries.
// Terminal error kinds (per errors.Kind.Terminal) are never retried.
func (p *Pipeline) withRetry(ctx context.Context, jobID, stage string, attempts int, op func(attempt int) error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = op(attempt); err == nil {
			return nil
		}
		if xerrors.KindOf(err).Terminal() || attempt == attempts {
			return err
		}
		delay := retryDelay(attempt)
		metrics.Metrics.ProductionPipeline.RetryCount.WithLabelValues(stage).Inc()
		log.Log(jobID, "retrying after failure", "stage", stage, "attempt", attempt, "delay", delay.String(), "err", err.Error())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.Clock.After(delay):
		}
	}
	return err
}

func retryDelay(attempt int) time.Duration {
	backoff := float64(time.Second) * math.Pow(2, float64(attempt-1)) * (0.5 + rand.Float64())
	if maxDelay := float64(config.MaxRetryDelay); backoff > maxDelay {
		backoff = maxDelay
	}
	return time.Duration(backoff)
}

// sampleHeapFraction reports HeapAlloc/Sys, the memory-pressure signal
// adjustBatchSize reacts to.
func sampleHeapFraction() float64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	if stats.Sys == 0 {
		return 0
	}
	return float64(stats.HeapAlloc) / float64(stats.Sys)
}

// adjustBatchSize implements spec §5's memory-adaptive batching: halve the
// in-flight batch size at MemoryCritFraction heap usage, restore it
// stepwise once usage drops back under MemoryWarnFraction.
func (p *Pipeline) adjustBatchSize(exec *domain.JobExecution) {
	frac := sampleHeapFraction()
	current := exec.GetBatchSize()
	switch {
	case frac >= config.MemoryCritFraction:
		next := current / 2
		if next < config.BatchSizeMin {
			next = config.BatchSizeMin
		}
		if next != current {
			log.Log(exec.ID, "halving batch size under memory pressure", "heap_fraction", frac, "batch_size", next)
			metrics.Metrics.ProductionPipeline.BatchSizeAdjustments.WithLabelValues("halved").Inc()
			exec.SetBatchSize(next)
		}
	case frac < config.MemoryWarnFraction && current < config.BatchSizeDefault:
		metrics.Metrics.ProductionPipeline.BatchSizeAdjustments.WithLabelValues("restored").Inc()
		exec.SetBatchSize(minInt(current+1, config.BatchSizeDefault))
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
