package blobstore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewDriverStoreS3Scheme(t *testing.T) {
	s, err := NewDriverStore("s3://my-bucket")
	require.NoError(t, err)
	require.Equal(t, "s3://my-bucket/foo/bar.mp4", s.URLFromKey("foo/bar.mp4"))
}

func TestNewDriverStoreHTTPSScheme(t *testing.T) {
	s, err := NewDriverStore("https://my-bucket.s3.us-east-1.amazonaws.com")
	require.NoError(t, err)
	require.Equal(t, "https://my-bucket.s3.us-east-1.amazonaws.com/foo/bar.mp4", s.URLFromKey("foo/bar.mp4"))
}

func TestNewDriverStoreRejectsUnknownHost(t *testing.T) {
	_, err := NewDriverStore("https://example.com/bucket")
	require.Error(t, err)
}

func TestKeyFromURLS3Form(t *testing.T) {
	s, err := NewDriverStore("s3://my-bucket")
	require.NoError(t, err)
	key, err := s.KeyFromURL("s3://my-bucket/properties/123/clip.mp4")
	require.NoError(t, err)
	require.Equal(t, "properties/123/clip.mp4", key)
}

func TestKeyFromURLVirtualHostedForm(t *testing.T) {
	s, err := NewDriverStore("s3://my-bucket")
	require.NoError(t, err)
	key, err := s.KeyFromURL("https://my-bucket.s3.us-east-1.amazonaws.com/properties/123/clip.mp4")
	require.NoError(t, err)
	require.Equal(t, "properties/123/clip.mp4", key)
}

func TestKeyFromURLRejectsUnsupportedScheme(t *testing.T) {
	s, err := NewDriverStore("s3://my-bucket")
	require.NoError(t, err)
	_, err = s.KeyFromURL("ftp://host/key")
	require.Error(t, err)
}
