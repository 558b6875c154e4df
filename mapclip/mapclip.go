// Package mapclip implements MapClipProvider (spec §4.5): an opaque
// external collaborator that renders a fly-in map clip for a pair of
// coordinates. The core treats the rendering mechanism (headless browser +
// frame capture + mux) as a black box reached over HTTP; wrapping the call
// with a per-attempt timeout, retries, and AssetCache lookups is the
// Pipeline's (C12) job, not this package's — the same split used for
// MotionClipProvider in package motionclip.
package mapclip

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/livepeer/listing-pipeline/blobstore"
	xerrors "github.com/livepeer/listing-pipeline/errors"
)

// Coordinates is a latitude/longitude pair.
type Coordinates struct {
	Lat float64
	Lng float64
}

type renderRequest struct {
	Lat    float64 `json:"lat"`
	Lng    float64 `json:"lng"`
	Width  int     `json:"width"`
	Height int     `json:"height"`
}

type renderResponse struct {
	ClipURL string `json:"clipUrl"`
}

const (
	outputWidth  = 768
	outputHeight = 1280
)

// Provider is the MapClipProvider implementation (C5).
type Provider struct {
	BaseURL    string
	APIKey     string
	HTTPClient *retryablehttp.Client
	Store      blobstore.Store
}

func New(baseURL, apiKey string, store blobstore.Store) *Provider {
	client := retryablehttp.NewClient()
	client.RetryMax = 0 // the Pipeline owns the retry envelope for this call, per spec §4.5
	client.Logger = nil
	return &Provider{BaseURL: baseURL, APIKey: apiKey, HTTPClient: client, Store: store}
}

// Produce renders a single fly-in map clip for coordinates and uploads it
// to blob storage, returning the blob URL. One attempt; the caller
// (Pipeline) applies the 5-minute per-attempt timeout via ctx and retries
// up to 3 times per spec §4.5.
func (p *Provider) Produce(ctx context.Context, coordinates Coordinates, jobID string) (string, error) {
	body, err := json.Marshal(renderRequest{
		Lat:    coordinates.Lat,
		Lng:    coordinates.Lng,
		Width:  outputWidth,
		Height: outputHeight,
	})
	if err != nil {
		return "", xerrors.NewPipelineError(xerrors.KindMapFailed, "failed to encode map render request", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/v1/render", bytes.NewReader(body))
	if err != nil {
		return "", xerrors.NewPipelineError(xerrors.KindMapFailed, "failed to build map render request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.APIKey)

	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return "", xerrors.NewPipelineError(xerrors.KindMapFailed, "map render request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return "", xerrors.NewPipelineError(xerrors.KindMapFailed, fmt.Sprintf("map render returned status %d: %s", resp.StatusCode, string(b)), nil)
	}

	var out renderResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", xerrors.NewPipelineError(xerrors.KindMapFailed, "failed to decode map render response", err)
	}
	if out.ClipURL == "" {
		return "", xerrors.NewPipelineError(xerrors.KindMapFailed, "map render response had no clip URL", nil)
	}

	blobKey := fmt.Sprintf("properties/maps/%s/map_clip.mp4", jobID)
	if err := p.downloadAndUpload(ctx, out.ClipURL, blobKey); err != nil {
		return "", xerrors.NewPipelineError(xerrors.KindMapFailed, "failed to persist map clip to blob store", err)
	}
	return p.Store.URLFromKey(blobKey), nil
}

func (p *Provider) downloadAndUpload(ctx context.Context, clipURL, blobKey string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, clipURL, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("failed to download produced map clip: status %d", resp.StatusCode)
	}
	return p.Store.Upload(ctx, blobKey, resp.Body, "video/mp4")
}
