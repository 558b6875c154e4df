package visioncrop

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"sync"
	"testing"

	"github.com/livepeer/listing-pipeline/blobstore"
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

func checkerboardJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if (x/10+y/10)%2 == 0 {
				img.Set(x, y, color.White)
			} else {
				img.Set(x, y, color.Black)
			}
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func TestProcessImageProducesNormalizedOutput(t *testing.T) {
	store := newFakeStore()
	c := New(store)

	data := checkerboardJPEG(t, 400, 400)
	url, err := c.ProcessImage(context.Background(), data, "listing1", "job1", 0)
	require.NoError(t, err)
	require.Contains(t, url, "properties/listing1/images/processed/job1/vision_0.webp")

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.uploaded, 1)
}

func TestProcessImageRejectsUndecodableData(t *testing.T) {
	store := newFakeStore()
	c := New(store)

	_, err := c.ProcessImage(context.Background(), []byte("not an image"), "listing1", "job1", 0)
	require.Error(t, err)
}

func TestCropDimensionsFitsWithinBounds(t *testing.T) {
	w, h := cropDimensions(1000, 1000)
	require.LessOrEqual(t, w, 1000)
	require.LessOrEqual(t, h, 1000)
	require.InDelta(t, 9.0/16.0, float64(w)/float64(h), 0.01)
}

func TestScoreWindowPrefersHigherContrast(t *testing.T) {
	flat := image.NewGray(image.Rect(0, 0, 20, 20))
	for y := 0; y < 20; y++ {
		for x := 0; x < 20; x++ {
			flat.SetGray(x, y, color.Gray{Y: 128})
		}
	}
	checker := image.NewGray(image.Rect(0, 0, 20, 20))
	for y := 0; y < 20; y++ {
		for x := 0; x < 20; x++ {
			if (x+y)%2 == 0 {
				checker.SetGray(x, y, color.Gray{Y: 0})
			} else {
				checker.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}

	win := Window{X: 0, Y: 0, W: 20, H: 20}
	require.Greater(t, scoreWindow(checker, win), scoreWindow(flat, win))
}
