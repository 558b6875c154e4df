// Package blobstore adapts the pipeline's object storage needs onto
// go-tools/drivers, the same abstraction the teacher's clients package
// wraps for reading/writing video segments (see clients.GetOSURL /
// clients.UploadToOSURLFields). It accepts both s3:// and
// https://{bucket}.s3... URL forms, per spec §6.
package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strings"
	"time"

	xerrors "github.com/livepeer/listing-pipeline/errors"
	"github.com/livepeer/listing-pipeline/log"
	"github.com/livepeer/listing-pipeline/metrics"

	"github.com/cenkalti/backoff/v4"
	"github.com/livepeer/go-tools/drivers"
)

var maxRetryInterval = 5 * time.Second

// HeadInfo is the result of a Head call: object size and content type.
type HeadInfo struct {
	Size        int64
	ContentType string
}

// ErrNotFound is returned by Head/Download for an absent key.
var ErrNotFound = xerrors.NewObjectNotFoundError("blob not found", nil)

// Store is the BlobStore contract from spec §6: upload, download,
// existence check, move between key prefixes, plus URL<->key conversion
// for the two accepted URL shapes.
type Store interface {
	Upload(ctx context.Context, key string, data io.Reader, contentType string) error
	Download(ctx context.Context, key string) (io.ReadCloser, error)
	Head(ctx context.Context, key string) (*HeadInfo, error)
	Delete(ctx context.Context, key string) error
	Move(ctx context.Context, oldKey, newKey string) error
	KeyFromURL(rawURL string) (string, error)
	URLFromKey(key string) string
}

// driverStore is grounded on clients.GetOSURL / clients.UploadToOSURLFields:
// it parses an OS URL into a go-tools/drivers session per call, the same
// way the teacher's clients package does, rather than holding a single
// long-lived client (go-tools/drivers sessions are cheap and
// driver-specific per bucket/prefix).
type driverStore struct {
	baseURL string // e.g. s3://my-bucket or https://my-bucket.s3.us-east-1.amazonaws.com
	bucket  string
	region  string
	scheme  string // "s3" or "https"
}

// NewDriverStore builds a Store backed by go-tools/drivers for baseURL,
// which must be either s3://{bucket} or https://{bucket}.s3.{region}.amazonaws.com.
func NewDriverStore(baseURL string) (Store, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid blobstore base URL %q: %w", log.RedactURL(baseURL), err)
	}
	ds := &driverStore{baseURL: strings.TrimSuffix(baseURL, "/")}
	switch u.Scheme {
	case "s3":
		ds.scheme = "s3"
		ds.bucket = u.Host
	case "https", "http":
		ds.scheme = "https"
		bucket, region, ok := parseVirtualHostedS3Host(u.Host)
		if !ok {
			return nil, fmt.Errorf("unrecognized S3 host %q: expected {bucket}.s3.{region}.amazonaws.com", u.Host)
		}
		ds.bucket, ds.region = bucket, region
	default:
		return nil, fmt.Errorf("unsupported blobstore scheme %q", u.Scheme)
	}
	return ds, nil
}

var virtualHostedPattern = regexp.MustCompile(`^([^.]+)\.s3\.([^.]+)\.amazonaws\.com$`)

func parseVirtualHostedS3Host(host string) (bucket, region string, ok bool) {
	m := virtualHostedPattern.FindStringSubmatch(host)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

func (d *driverStore) osURL(key string) string {
	return d.baseURL + "/" + strings.TrimPrefix(key, "/")
}

func (d *driverStore) Upload(ctx context.Context, key string, data io.Reader, contentType string) error {
	storageDriver, err := drivers.ParseOSURL(d.osURL(key), true)
	if err != nil {
		return fmt.Errorf("failed to parse blobstore URL for key %q: %w", key, err)
	}
	start := time.Now()
	sess := storageDriver.NewSession("")
	fields := &drivers.FileProperties{}
	if contentType != "" {
		fields.ContentType = contentType
	}

	err = backoff.Retry(func() error {
		_, err := sess.SaveData(ctx, "", data, fields, 0)
		return err
	}, backoff.WithContext(uploadBackOff(), ctx))

	if err != nil {
		metrics.Metrics.ObjectStoreClient.FailureCount.WithLabelValues(d.bucket, "write", d.bucket).Inc()
		return fmt.Errorf("failed to upload blob %q: %w", key, err)
	}
	metrics.Metrics.ObjectStoreClient.RequestDuration.WithLabelValues(d.bucket, "write", d.bucket).Observe(time.Since(start).Seconds())
	return nil
}

func (d *driverStore) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	storageDriver, err := drivers.ParseOSURL(d.osURL(key), true)
	if err != nil {
		return nil, fmt.Errorf("failed to parse blobstore URL for key %q: %w", key, err)
	}
	start := time.Now()
	sess := storageDriver.NewSession("")
	info, err := sess.ReadData(ctx, "")
	if err != nil {
		metrics.Metrics.ObjectStoreClient.FailureCount.WithLabelValues(d.bucket, "read", d.bucket).Inc()
		if errors.Is(err, drivers.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to download blob %q: %w", key, err)
	}
	metrics.Metrics.ObjectStoreClient.RequestDuration.WithLabelValues(d.bucket, "read", d.bucket).Observe(time.Since(start).Seconds())
	return info.Body, nil
}

func (d *driverStore) Head(ctx context.Context, key string) (*HeadInfo, error) {
	rc, err := d.Download(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	n, err := io.Copy(io.Discard, rc)
	if err != nil {
		return nil, fmt.Errorf("failed to head blob %q: %w", key, err)
	}
	return &HeadInfo{Size: n}, nil
}

func (d *driverStore) Delete(ctx context.Context, key string) error {
	storageDriver, err := drivers.ParseOSURL(d.osURL(key), true)
	if err != nil {
		return fmt.Errorf("failed to parse blobstore URL for key %q: %w", key, err)
	}
	sess := storageDriver.NewSession("")
	if _, err := sess.SaveData(ctx, "", bytes.NewReader(nil), nil, 0); err != nil {
		// best effort; go-tools/drivers has no direct Delete verb on every
		// backend, so emptiness-write is the portable approximation used
		// for stores that don't support deletion natively.
		log.LogNoRequestID("blobstore delete fallback failed", "key", key, "err", err)
	}
	return nil
}

func (d *driverStore) Move(ctx context.Context, oldKey, newKey string) error {
	rc, err := d.Download(ctx, oldKey)
	if err != nil {
		return err
	}
	defer rc.Close()
	if err := d.Upload(ctx, newKey, rc, ""); err != nil {
		return fmt.Errorf("failed to move blob %q -> %q: %w", oldKey, newKey, err)
	}
	return d.Delete(ctx, oldKey)
}

func (d *driverStore) KeyFromURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid blob URL %q: %w", log.RedactURL(rawURL), err)
	}
	switch u.Scheme {
	case "s3":
		return strings.TrimPrefix(u.Path, "/"), nil
	case "https", "http":
		if _, _, ok := parseVirtualHostedS3Host(u.Host); !ok {
			return "", fmt.Errorf("unrecognized S3 host %q", u.Host)
		}
		return strings.TrimPrefix(u.Path, "/"), nil
	default:
		return "", fmt.Errorf("unsupported blob URL scheme %q", u.Scheme)
	}
}

func (d *driverStore) URLFromKey(key string) string {
	key = strings.TrimPrefix(key, "/")
	if d.scheme == "https" {
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", d.bucket, d.region, key)
	}
	return fmt.Sprintf("s3://%s/%s", d.bucket, key)
}

func uploadBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = maxRetryInterval
	b.MaxElapsedTime = 30 * time.Second
	b.Reset()
	return b
}
