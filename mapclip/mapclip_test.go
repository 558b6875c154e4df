package mapclip

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/livepeer/listing-pipeline/blobstore"
	xerrors "github.com/livepeer/listing-pipeline/errors"
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
func (f *fakeStore) Delete(context.Context, string) error       { return nil }
func (f *fakeStore) Move(context.Context, string, string) error { return nil }
func (f *fakeStore) KeyFromURL(rawURL string) (string, error)   { return rawURL, nil }
func (f *fakeStore) URLFromKey(key string) string               { return "s3://bucket/" + key }

func TestProduceUploadsRenderedClip(t *testing.T) {
	mux := http.NewServeMux()
	var clipURL string
	mux.HandleFunc("/v1/render", func(w http.ResponseWriter, r *http.Request) {
		var req renderRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, outputWidth, req.Width)
		require.Equal(t, outputHeight, req.Height)
		_ = json.NewEncoder(w).Encode(renderResponse{ClipURL: clipURL})
	})
	mux.HandleFunc("/clip.mp4", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("fake-mp4-bytes"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	clipURL = srv.URL + "/clip.mp4"

	store := newFakeStore()
	p := New(srv.URL, "key", store)

	url, err := p.Produce(context.Background(), Coordinates{Lat: 1.5, Lng: -2.5}, "job1")
	require.NoError(t, err)
	require.NotEmpty(t, url)
}

func TestProducePropagatesRenderFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/render", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := newFakeStore()
	p := New(srv.URL, "key", store)

	_, err := p.Produce(context.Background(), Coordinates{Lat: 1, Lng: 2}, "job1")
	require.Error(t, err)
	require.Equal(t, xerrors.KindMapFailed, xerrors.KindOf(err))
}

func TestProduceRejectsEmptyClipURL(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/render", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(renderResponse{})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := newFakeStore()
	p := New(srv.URL, "key", store)

	_, err := p.Produce(context.Background(), Coordinates{}, "job1")
	require.Error(t, err)
	require.Equal(t, xerrors.KindMapFailed, xerrors.KindOf(err))
}
