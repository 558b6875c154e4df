package clipvalidate

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/livepeer/listing-pipeline/blobstore"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	headInfo *blobstore.HeadInfo
	headErr  error
	body     string
	downErr  error
}

func (f *fakeStore) Upload(ctx context.Context, key string, data io.Reader, contentType string) error {
	return nil
}
func (f *fakeStore) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	if f.downErr != nil {
		return nil, f.downErr
	}
	return io.NopCloser(strings.NewReader(f.body)), nil
}
func (f *fakeStore) Head(ctx context.Context, key string) (*blobstore.HeadInfo, error) {
	return f.headInfo, f.headErr
}
func (f *fakeStore) Delete(ctx context.Context, key string) error          { return nil }
func (f *fakeStore) Move(ctx context.Context, oldKey, newKey string) error { return nil }
func (f *fakeStore) KeyFromURL(rawURL string) (string, error)              { return "key/" + rawURL, nil }
func (f *fakeStore) URLFromKey(key string) string                         { return "s3://bucket/" + key }

type fakeMuxer struct {
	duration    time.Duration
	durationErr error
	integrityErr error
	meta        Metadata
	metaErr     error
}

func (f *fakeMuxer) GetDuration(jobID, path string) (time.Duration, error) {
	return f.duration, f.durationErr
}
func (f *fakeMuxer) ValidateIntegrity(ctx context.Context, jobID, path string) error {
	return f.integrityErr
}
func (f *fakeMuxer) GetMetadata(jobID, path string) (Metadata, error) {
	return f.meta, f.metaErr
}

func TestValidateSuccess(t *testing.T) {
	store := &fakeStore{headInfo: &blobstore.HeadInfo{Size: 100}, body: "fake-bytes"}
	muxer := &fakeMuxer{duration: 5 * time.Second}
	v := New(store, muxer, nil)

	result := v.Validate(context.Background(), "s3://bucket/clip.mp4", 0, "job1", false)
	require.True(t, result.OK)
	require.Equal(t, 5*time.Second, result.Duration)
}

func TestValidateRejectsZeroLengthBlob(t *testing.T) {
	store := &fakeStore{headInfo: &blobstore.HeadInfo{Size: 0}}
	v := New(store, &fakeMuxer{}, nil)

	result := v.Validate(context.Background(), "s3://bucket/clip.mp4", 0, "job1", false)
	require.False(t, result.OK)
	require.Contains(t, result.Reason, "zero content length")
}

func TestValidateRejectsHeadFailure(t *testing.T) {
	store := &fakeStore{headErr: fmt.Errorf("not found")}
	v := New(store, &fakeMuxer{}, nil)

	result := v.Validate(context.Background(), "s3://bucket/clip.mp4", 0, "job1", false)
	require.False(t, result.OK)
	require.Contains(t, result.Reason, "HEAD failed")
}

func TestValidateRejectsNonPositiveDuration(t *testing.T) {
	store := &fakeStore{headInfo: &blobstore.HeadInfo{Size: 100}, body: "fake-bytes"}
	muxer := &fakeMuxer{duration: 0}
	v := New(store, muxer, nil)

	result := v.Validate(context.Background(), "s3://bucket/clip.mp4", 0, "job1", false)
	require.False(t, result.OK)
	require.Contains(t, result.Reason, "duration")
}

func TestValidateRequiresVideoTrackWhenRequested(t *testing.T) {
	store := &fakeStore{headInfo: &blobstore.HeadInfo{Size: 100}, body: "fake-bytes"}
	muxer := &fakeMuxer{duration: 5 * time.Second, meta: Metadata{HasVideoTrack: false}}
	v := New(store, muxer, nil)

	result := v.Validate(context.Background(), "s3://bucket/map.mp4", 0, "job1", true)
	require.False(t, result.OK)
	require.Contains(t, result.Reason, "video track")
}

func TestValidateIsMemoizedPerJobAndIndex(t *testing.T) {
	store := &fakeStore{headInfo: &blobstore.HeadInfo{Size: 100}, body: "fake-bytes"}
	muxer := &fakeMuxer{duration: 5 * time.Second}
	v := New(store, muxer, nil)

	current := time.Now()
	v.now = func() time.Time { return current }

	first := v.Validate(context.Background(), "s3://bucket/clip.mp4", 3, "job1", false)
	require.True(t, first.OK)

	// Change the underlying fake to fail; memoized result should still win.
	muxer.duration = 0
	second := v.Validate(context.Background(), "s3://bucket/clip.mp4", 3, "job1", false)
	require.Equal(t, first, second)

	current = current.Add(6 * time.Minute)
	third := v.Validate(context.Background(), "s3://bucket/clip.mp4", 3, "job1", false)
	require.False(t, third.OK, "memo entry should have expired after 5 minutes")
}
