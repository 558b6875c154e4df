package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/livepeer/listing-pipeline/blobstore"
	"github.com/livepeer/listing-pipeline/cache"
	"github.com/livepeer/listing-pipeline/clipvalidate"
	"github.com/livepeer/listing-pipeline/domain"
	xerrors "github.com/livepeer/listing-pipeline/errors"
	"github.com/livepeer/listing-pipeline/ffmpegmux"
	"github.com/livepeer/listing-pipeline/jobrepo"
	"github.com/livepeer/listing-pipeline/jobrepo/memoryrepo"
	"github.com/livepeer/listing-pipeline/listinglock"
	"github.com/livepeer/listing-pipeline/mapclip"
	"github.com/livepeer/listing-pipeline/resources"
	"github.com/livepeer/listing-pipeline/templates"
)

// fakeStore is an in-memory blobstore.Store fake keyed by the blob key
// itself, with URLs of the form mem://<key>.
type fakeStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeStore() *fakeStore { return &fakeStore{data: make(map[string][]byte)} }

func (s *fakeStore) Upload(_ context.Context, key string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = b
	return nil
}

func (s *fakeStore) Download(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.data[key]
	if !ok {
		return nil, blobstore.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (s *fakeStore) Head(_ context.Context, key string) (*blobstore.HeadInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.data[key]
	if !ok {
		return nil, blobstore.ErrNotFound
	}
	return &blobstore.HeadInfo{Size: int64(len(b)), ContentType: "application/octet-stream"}, nil
}

func (s *fakeStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *fakeStore) Move(ctx context.Context, oldKey, newKey string) error {
	s.mu.Lock()
	b, ok := s.data[oldKey]
	s.mu.Unlock()
	if !ok {
		return blobstore.ErrNotFound
	}
	return s.Upload(ctx, newKey, bytes.NewReader(b), "")
}

func (s *fakeStore) KeyFromURL(rawURL string) (string, error) {
	const prefix = "mem://"
	if len(rawURL) < len(prefix) || rawURL[:len(prefix)] != prefix {
		return "", fmt.Errorf("fakeStore: unsupported url %q", rawURL)
	}
	return rawURL[len(prefix):], nil
}

func (s *fakeStore) URLFromKey(key string) string { return "mem://" + key }

func (s *fakeStore) put(key string, content string) string {
	s.mu.Lock()
	s.data[key] = []byte(content)
	s.mu.Unlock()
	return s.URLFromKey(key)
}

var _ blobstore.Store = (*fakeStore)(nil)

// fakeMotion succeeds unless order is in failOrder, returning a deterministic
// clip URL per order and recording it on the photo, as motionclip.Provider does.
type fakeMotion struct {
	store     *fakeStore
	repo      jobrepo.Repository
	failOrder map[int]bool
}

func (f *fakeMotion) Generate(ctx context.Context, _ string, order int, listingID, jobID string) (string, error) {
	if f.failOrder[order] {
		return "", xerrors.NewPipelineError(xerrors.KindMotionFailed, "fake motion provider failure", nil)
	}
	key := fmt.Sprintf("properties/%s/videos/motion/%s/%d.mp4", listingID, jobID, order)
	url := f.store.put(key, "motion-clip")
	if err := f.repo.UpsertPhotoByOrder(ctx, listingID, order, domain.Photo{RunwayVideoPath: url}); err != nil {
		return "", err
	}
	return url, nil
}

type fakeMap struct {
	store *fakeStore
	fail  bool
}

func (f *fakeMap) Produce(_ context.Context, _ mapclip.Coordinates, jobID string) (string, error) {
	if f.fail {
		return "", xerrors.NewPipelineError(xerrors.KindMapFailed, "fake map provider failure", nil)
	}
	return f.store.put("properties/map/"+jobID+".mp4", "map-clip"), nil
}

type fakeCropper struct{ store *fakeStore }

func (f *fakeCropper) ProcessImage(_ context.Context, _ []byte, listingID, jobID string, order int) (string, error) {
	key := fmt.Sprintf("properties/%s/images/processed/%s/%d.webp", listingID, jobID, order)
	return f.store.put(key, "processed-image"), nil
}

// fakeValidator passes everything by default; tests opt individual URLs
// into failure via reject.
type fakeValidator struct {
	mu     sync.Mutex
	reject map[string]string
}

func newFakeValidator() *fakeValidator { return &fakeValidator{reject: make(map[string]string)} }

func (f *fakeValidator) Validate(_ context.Context, blobURL string, _ int, _ string, _ bool) clipvalidate.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	if reason, ok := f.reject[blobURL]; ok {
		return clipvalidate.Result{OK: false, Reason: reason}
	}
	return clipvalidate.Result{OK: true, Duration: 2 * time.Second}
}

type fakeMuxer struct {
	store     *fakeStore
	fail      bool
	stitched  []domain.TemplateKey
	mu        sync.Mutex
}

func (f *fakeMuxer) Stitch(_ context.Context, _ string, clips []ffmpegmux.Clip, output string, tmpl domain.TemplateDefinition, _ *ffmpegmux.Watermark) error {
	if f.fail {
		return fmt.Errorf("fake muxer failure")
	}
	if len(clips) == 0 {
		return fmt.Errorf("fake muxer: no clips to stitch")
	}
	f.mu.Lock()
	f.stitched = append(f.stitched, tmpl.Key)
	f.mu.Unlock()
	return os.WriteFile(output, []byte("rendered-video"), 0o644)
}

func newTestPipeline(t *testing.T) (*Pipeline, *fakeStore, *fakeMotion, *fakeMap, *fakeMuxer) {
	t.Helper()
	store := newFakeStore()
	repo := memoryrepo.New()
	motion := &fakeMotion{store: store, repo: repo, failOrder: map[int]bool{}}
	mapProvider := &fakeMap{store: store}
	muxer := &fakeMuxer{store: store}
	cropper := &fakeCropper{store: store}
	validator := newFakeValidator()
	locks := listinglock.New(repo)

	// Real clock, not a mock: a mock clock never advances on its own, and
	// the motion-failure tests below deliberately exercise withRetry's
	// backoff, which would otherwise block forever waiting on Clock.After.
	p := New(store, motion, mapProvider, muxer, cropper, templates.New(), validator, locks, repo, resources.New(), cache.NewAssetCache())
	return p, store, motion, mapProvider, muxer
}

func seedListing(t *testing.T, p *Pipeline, store *fakeStore, listingID string, n int) []string {
	t.Helper()
	urls := make([]string, n)
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("properties/%s/images/source/%d.jpg", listingID, i)
		urls[i] = store.put(key, "source-image")
	}
	return urls
}

func TestExecuteHappyPathRendersPrimaryTemplate(t *testing.T) {
	p, store, _, _, muxer := newTestPipeline(t)
	listingID := "listing-1"
	urls := seedListing(t, p, store, listingID, 6)

	outputURL, err := p.Execute(context.Background(), ExecuteInput{
		JobID:            "job-1",
		ListingID:        listingID,
		InputFiles:       urls,
		Template:         templates.Crescendo,
		AllowedTemplates: []domain.TemplateKey{templates.Crescendo},
	})
	require.NoError(t, err)
	require.NotEmpty(t, outputURL)

	job, err := p.Repo.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, domain.JobCompleted, job.Status)
	require.Equal(t, 100, job.Progress)
	require.Equal(t, outputURL, job.OutputFile)

	muxer.mu.Lock()
	require.Contains(t, muxer.stitched, templates.Crescendo)
	muxer.mu.Unlock()
}

func TestExecuteDropsTemplateRequiringMapWhenNoCoordinates(t *testing.T) {
	p, store, _, _, _ := newTestPipeline(t)
	listingID := "listing-2"
	def, ok := p.Catalog.Lookup(templates.GoogleZoomIntro)
	require.True(t, ok)
	urls := seedListing(t, p, store, listingID, len(def.Sequence))

	outputURL, err := p.Execute(context.Background(), ExecuteInput{
		JobID:            "job-2",
		ListingID:        listingID,
		InputFiles:       urls,
		Template:         templates.GoogleZoomIntro,
		AllowedTemplates: []domain.TemplateKey{templates.GoogleZoomIntro, templates.Crescendo},
	})
	require.NoError(t, err)
	require.NotEmpty(t, outputURL)

	job, err := p.Repo.GetJob(context.Background(), "job-2")
	require.NoError(t, err)
	for _, pt := range job.Metadata.ProcessedTemplates {
		require.NotEqual(t, string(templates.GoogleZoomIntro), pt.Key)
	}
}

func TestExecuteFailsJobWhenNoTemplateSucceeds(t *testing.T) {
	p, store, _, _, muxer := newTestPipeline(t)
	muxer.fail = true
	listingID := "listing-3"
	urls := seedListing(t, p, store, listingID, 6)

	_, err := p.Execute(context.Background(), ExecuteInput{
		JobID:            "job-3",
		ListingID:        listingID,
		InputFiles:       urls,
		Template:         templates.Crescendo,
		AllowedTemplates: []domain.TemplateKey{templates.Crescendo},
	})
	require.Error(t, err)
	require.Equal(t, xerrors.KindNoTemplateSucceeded, xerrors.KindOf(err))

	job, err := p.Repo.GetJob(context.Background(), "job-3")
	require.NoError(t, err)
	require.Equal(t, domain.JobFailed, job.Status)
}

func TestExecuteFailsOnMotionVectorGap(t *testing.T) {
	p, store, motion, _, _ := newTestPipeline(t)
	motion.failOrder[2] = true
	listingID := "listing-4"
	urls := seedListing(t, p, store, listingID, 6)

	_, err := p.Execute(context.Background(), ExecuteInput{
		JobID:            "job-4",
		ListingID:        listingID,
		InputFiles:       urls,
		Template:         templates.Crescendo,
		AllowedTemplates: []domain.TemplateKey{templates.Crescendo},
	})
	require.Error(t, err)
	require.Equal(t, xerrors.KindMotionMissing, xerrors.KindOf(err))
}

func TestExecuteRejectsJobWithNoInputFiles(t *testing.T) {
	p, _, _, _, _ := newTestPipeline(t)
	_, err := p.Execute(context.Background(), ExecuteInput{JobID: "job-5", ListingID: "listing-5"})
	require.Error(t, err)
	require.Equal(t, xerrors.KindInputInvalid, xerrors.KindOf(err))
}

func TestRegeneratePhotosReusesExistingMotionClips(t *testing.T) {
	p, store, _, _, _ := newTestPipeline(t)
	listingID := "listing-6"
	urls := seedListing(t, p, store, listingID, 6)

	_, err := p.Execute(context.Background(), ExecuteInput{
		JobID:            "job-6",
		ListingID:        listingID,
		InputFiles:       urls,
		Template:         templates.Crescendo,
		AllowedTemplates: []domain.TemplateKey{templates.Crescendo},
	})
	require.NoError(t, err)

	photos, err := p.Repo.GetPhotos(context.Background(), listingID, jobrepo.OrderAscending)
	require.NoError(t, err)
	require.Len(t, photos, 6)

	outputURL, err := p.RegeneratePhotos(context.Background(), "job-6", []string{photos[0].ID})
	require.NoError(t, err)
	require.NotEmpty(t, outputURL)
}

func TestRetryDelayNeverExceedsCap(t *testing.T) {
	for attempt := 1; attempt <= 10; attempt++ {
		d := retryDelay(attempt)
		require.LessOrEqual(t, d, 30*time.Second)
		require.Greater(t, d, time.Duration(0))
	}
}
