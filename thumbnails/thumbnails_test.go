package thumbnails

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractPosterFrameMissingSource(t *testing.T) {
	dir := t.TempDir()
	err := ExtractPosterFrame(filepath.Join(dir, "does-not-exist.mp4"), filepath.Join(dir, "poster.jpg"), 1.5)
	require.Error(t, err)
}
