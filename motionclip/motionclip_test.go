package motionclip

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/livepeer/listing-pipeline/blobstore"
	"github.com/livepeer/listing-pipeline/clipvalidate"
	"github.com/livepeer/listing-pipeline/domain"
	xerrors "github.com/livepeer/listing-pipeline/errors"
	"github.com/livepeer/listing-pipeline/jobrepo"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu       sync.Mutex
	uploaded map[string][]byte
}

func newFakeStore() *fakeStore { return &fakeStore{uploaded: map[string][]byte{}} }

func (f *fakeStore) Upload(_ context.Context, key string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploaded[key] = b
	return nil
}
func (f *fakeStore) Download(context.Context, string) (io.ReadCloser, error) { return nil, nil }
func (f *fakeStore) Head(context.Context, string) (*blobstore.HeadInfo, error) {
	return &blobstore.HeadInfo{Size: 1}, nil
}
func (f *fakeStore) Delete(context.Context, string) error          { return nil }
func (f *fakeStore) Move(context.Context, string, string) error    { return nil }
func (f *fakeStore) KeyFromURL(rawURL string) (string, error)      { return rawURL, nil }
func (f *fakeStore) URLFromKey(key string) string                  { return "s3://bucket/" + key }

type fakeRepo struct {
	jobrepo.Repository
	mu     sync.Mutex
	photos map[int]domain.Photo
}

func newFakeRepo() *fakeRepo { return &fakeRepo{photos: map[int]domain.Photo{}} }

func (f *fakeRepo) GetPhotos(context.Context, string, jobrepo.Ordering) ([]domain.Photo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Photo
	for _, p := range f.photos {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeRepo) UpsertPhotoByOrder(_ context.Context, _ string, order int, patch domain.Photo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing := f.photos[order]
	if patch.RunwayVideoPath != "" {
		existing.RunwayVideoPath = patch.RunwayVideoPath
	}
	existing.Order = order
	f.photos[order] = existing
	return nil
}

type fakeValidator struct {
	result clipvalidate.Result
}

func (f *fakeValidator) Validate(context.Context, string, int, string, bool) clipvalidate.Result {
	return f.result
}

// newFakeModelServer returns a server that accepts one submit request and
// reports taskID "task1" as SUCCEEDED with output pointing at a second
// endpoint on the same server, after succeedAfterPolls polls.
func newFakeModelServer(t *testing.T, succeedAfterPolls int) *httptest.Server {
	t.Helper()
	var polls int
	var mu sync.Mutex

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/image_to_video", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(submitResponse{TaskID: "task1"})
	})
	mux.HandleFunc("/v1/tasks/task1", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		polls++
		n := polls
		mu.Unlock()
		if n < succeedAfterPolls {
			_ = json.NewEncoder(w).Encode(taskResponse{Status: statusRunning})
			return
		}
		_ = json.NewEncoder(w).Encode(taskResponse{Status: statusSucceeded, Output: []string{"http://" + r.Host + "/clip-output"}})
	})
	mux.HandleFunc("/clip-output", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("fake-mp4-bytes"))
	})
	mux.HandleFunc("/v1/tasks/task1/cancel", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return httptest.NewServer(mux)
}

func TestGenerateSucceedsAndPersistsPhoto(t *testing.T) {
	srv := newFakeModelServer(t, 1)
	defer srv.Close()
	pollInterval = time.Millisecond

	store := newFakeStore()
	repo := newFakeRepo()
	p := New(srv.URL, "key", store, repo, &fakeValidator{result: clipvalidate.Result{OK: true, Duration: 5 * time.Second}})

	url, err := p.Generate(context.Background(), "s3://bucket/image.jpg", 0, "listing1", "job1")
	require.NoError(t, err)
	require.NotEmpty(t, url)

	photos, _ := repo.GetPhotos(context.Background(), "listing1", jobrepo.OrderAscending)
	require.Len(t, photos, 1)
	require.Equal(t, url, photos[0].RunwayVideoPath)
}

func TestGenerateFailsValidation(t *testing.T) {
	srv := newFakeModelServer(t, 1)
	defer srv.Close()
	pollInterval = time.Millisecond

	store := newFakeStore()
	repo := newFakeRepo()
	p := New(srv.URL, "key", store, repo, &fakeValidator{result: clipvalidate.Result{OK: false, Reason: "too short"}})

	_, err := p.Generate(context.Background(), "s3://bucket/image.jpg", 0, "listing1", "job1")
	require.Error(t, err)
	require.Equal(t, xerrors.KindMotionFailed, xerrors.KindOf(err))
}

func TestGenerateDetectsPersistedURLMismatch(t *testing.T) {
	srv := newFakeModelServer(t, 1)
	defer srv.Close()
	pollInterval = time.Millisecond

	store := newFakeStore()
	repo := newFakeRepo()
	repo.photos[0] = domain.Photo{Order: 0, RunwayVideoPath: "s3://bucket/existing-different.mp4"}
	p := New(srv.URL, "key", store, repo, &fakeValidator{result: clipvalidate.Result{OK: true}})

	_, err := p.Generate(context.Background(), "s3://bucket/image.jpg", 0, "listing1", "job1")
	require.Error(t, err)
	require.Equal(t, xerrors.KindPersistedURLMismatch, xerrors.KindOf(err))
}

func TestGeneratePropagatesTaskFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/image_to_video", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(submitResponse{TaskID: "task1"})
	})
	mux.HandleFunc("/v1/tasks/task1", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(taskResponse{Status: statusFailed})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	pollInterval = time.Millisecond

	store := newFakeStore()
	repo := newFakeRepo()
	p := New(srv.URL, "key", store, repo, &fakeValidator{result: clipvalidate.Result{OK: true}})

	_, err := p.Generate(context.Background(), "s3://bucket/image.jpg", 0, "listing1", "job1")
	require.Error(t, err)
	require.Equal(t, xerrors.KindMotionFailed, xerrors.KindOf(err))
}

func TestGeneratePropagatesSubmitError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/image_to_video", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = fmt.Fprint(w, "boom")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := newFakeStore()
	repo := newFakeRepo()
	p := New(srv.URL, "key", store, repo, &fakeValidator{})
	p.HTTPClient.RetryMax = 0

	_, err := p.Generate(context.Background(), "s3://bucket/image.jpg", 0, "listing1", "job1")
	require.Error(t, err)
	require.Equal(t, xerrors.KindMotionFailed, xerrors.KindOf(err))
}
