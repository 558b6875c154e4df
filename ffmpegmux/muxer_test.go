package ffmpegmux

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/livepeer/listing-pipeline/domain"
	"github.com/livepeer/listing-pipeline/video"
	"github.com/stretchr/testify/require"
)

type fakeProber struct {
	iv  video.InputVideo
	err error
}

func (f *fakeProber) ProbeFile(jobID, url string, opts ...string) (video.InputVideo, error) {
	return f.iv, f.err
}

func TestStitchRejectsEmptyClips(t *testing.T) {
	m := New(&fakeProber{})
	err := m.Stitch(context.Background(), "job1", nil, "/tmp/out.mp4", domain.TemplateDefinition{}, nil)
	require.ErrorContains(t, err, "no clips")
}

func TestWriteConcatList(t *testing.T) {
	dir := t.TempDir()
	listPath := filepath.Join(dir, "concat.txt")
	require.NoError(t, writeConcatList(listPath, []string{"/a/clip0.mp4", "/a/clip1.mp4"}))

	contents, err := os.ReadFile(listPath)
	require.NoError(t, err)
	require.Equal(t, "file '/a/clip0.mp4'\nfile '/a/clip1.mp4'\n", string(contents))
}

func TestJoinFilters(t *testing.T) {
	require.Equal(t, "", joinFilters(nil))
	require.Equal(t, "a", joinFilters([]string{"a"}))
	require.Equal(t, "a;b;c", joinFilters([]string{"a", "b", "c"}))
}

func TestGetDurationFromProbe(t *testing.T) {
	m := New(&fakeProber{iv: video.InputVideo{Duration: 12.5}})
	d, err := m.GetDuration("job1", "/tmp/clip.mp4")
	require.NoError(t, err)
	require.Equal(t, 12500, int(d.Milliseconds()))
}

func TestGetDurationPropagatesProbeError(t *testing.T) {
	m := New(&fakeProber{err: fmt.Errorf("probe boom")})
	_, err := m.GetDuration("job1", "/tmp/clip.mp4")
	require.ErrorContains(t, err, "probe boom")
}

func TestGetMetadataReturnsInputVideo(t *testing.T) {
	want := video.InputVideo{Format: "mp4", Duration: 5}
	m := New(&fakeProber{iv: want})
	got, err := m.GetMetadata("job1", "/tmp/clip.mp4")
	require.NoError(t, err)
	require.Equal(t, want, got)
}
