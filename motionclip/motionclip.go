// Package motionclip implements MotionClipProvider (spec §4.4): submit an
// image to the external image-to-video model, poll until terminal, upload
// the result, and persist it onto the matching Photo record. Grounded on
// clients.MediaConvert.TranscodeSegment's submit+poll loop (ticker-driven,
// select on ctx.Done/ticker.C) and on clients.TranscodeProvider's interface
// shape. HTTP transport uses hashicorp/go-retryablehttp, matching
// clients.newRetryableHttpClient.
package motionclip

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/livepeer/listing-pipeline/blobstore"
	"github.com/livepeer/listing-pipeline/clipvalidate"
	"github.com/livepeer/listing-pipeline/domain"
	xerrors "github.com/livepeer/listing-pipeline/errors"
	"github.com/livepeer/listing-pipeline/jobrepo"
	"github.com/livepeer/listing-pipeline/log"
)

const (
	prompt           = "Move forward slowly"
	clipDuration     = 5 * time.Second
	outputRatio      = "768:1280"
	maxRunwayRetries = 3
)

// pollInterval is a var, not a const, so tests can shrink it instead of
// waiting out the real poll cadence.
var pollInterval = 10 * time.Second

type taskStatus string

const (
	statusPending   taskStatus = "PENDING"
	statusRunning   taskStatus = "RUNNING"
	statusSucceeded taskStatus = "SUCCEEDED"
	statusFailed    taskStatus = "FAILED"
)

// Validator is the narrow ClipValidator surface this package needs (spec
// §4.4 step 4: "after each attempt runs §4.9 against the produced URL").
type Validator interface {
	Validate(ctx context.Context, blobURL string, index int, jobID string, requireVideoTrack bool) clipvalidate.Result
}

// Provider is the MotionClipProvider implementation (C4).
type Provider struct {
	BaseURL    string
	APIKey     string
	HTTPClient *retryablehttp.Client
	Store      blobstore.Store
	Repo       jobrepo.Repository
	Validator  Validator
}

func New(baseURL, apiKey string, store blobstore.Store, repo jobrepo.Repository, validator Validator) *Provider {
	client := retryablehttp.NewClient()
	client.RetryMax = maxRunwayRetries
	client.Logger = nil
	return &Provider{BaseURL: baseURL, APIKey: apiKey, HTTPClient: client, Store: store, Repo: repo, Validator: validator}
}

type submitRequest struct {
	PromptImage string `json:"promptImage"`
	PromptText  string `json:"promptText"`
	Duration    int    `json:"duration"`
	Ratio       string `json:"ratio"`
}

type submitResponse struct {
	TaskID string `json:"id"`
}

type taskResponse struct {
	Status taskStatus `json:"status"`
	Output []string   `json:"output"`
}

// Generate submits imageBlobURL, polls to completion, uploads the result to
// BlobStore, and writes the URL+duration onto the matching Photo. Retried
// by the Pipeline's withRetry envelope, up to config.MaxMotionRetries
// attempts; Generate itself performs exactly one submit+poll+validate cycle.
func (p *Provider) Generate(ctx context.Context, imageBlobURL string, order int, listingID, jobID string) (string, error) {
	taskID, err := p.submit(ctx, imageBlobURL)
	if err != nil {
		return "", xerrors.NewPipelineError(xerrors.KindMotionFailed, "failed to submit motion clip task", err)
	}

	clipURL, err := p.poll(ctx, jobID, taskID)
	if err != nil {
		return "", xerrors.NewPipelineError(xerrors.KindMotionFailed, "motion clip task did not succeed", err)
	}

	blobKey := fmt.Sprintf("properties/%s/videos/runway/%s/%d.mp4", listingID, jobID, order)
	if err := p.downloadAndUpload(ctx, clipURL, blobKey); err != nil {
		return "", xerrors.NewPipelineError(xerrors.KindMotionFailed, "failed to persist motion clip to blob store", err)
	}
	finalURL := p.Store.URLFromKey(blobKey)

	if p.Validator != nil {
		result := p.Validator.Validate(ctx, finalURL, order, jobID, false)
		if !result.OK {
			return "", xerrors.NewPipelineError(xerrors.KindMotionFailed, "produced motion clip failed validation: "+result.Reason, nil)
		}
	}

	if err := p.persistToPhoto(ctx, listingID, order, finalURL); err != nil {
		return "", err
	}

	return finalURL, nil
}

func (p *Provider) persistToPhoto(ctx context.Context, listingID string, order int, url string) error {
	photos, err := p.Repo.GetPhotos(ctx, listingID, jobrepo.OrderAscending)
	if err != nil {
		return xerrors.NewPipelineError(xerrors.KindInternal, "failed to load photos before persisting motion clip", err)
	}
	for _, existing := range photos {
		if existing.Order != order {
			continue
		}
		if existing.RunwayVideoPath != "" && existing.RunwayVideoPath != url {
			return xerrors.NewPipelineError(xerrors.KindPersistedURLMismatch,
				fmt.Sprintf("existing runway url %q does not match produced url %q for (listing=%s, order=%d)",
					existing.RunwayVideoPath, url, listingID, order), nil)
		}
		break
	}
	return p.Repo.UpsertPhotoByOrder(ctx, listingID, order, domain.Photo{RunwayVideoPath: url})
}

func (p *Provider) submit(ctx context.Context, imageBlobURL string) (string, error) {
	body, err := json.Marshal(submitRequest{
		PromptImage: imageBlobURL,
		PromptText:  prompt,
		Duration:    int(clipDuration.Seconds()),
		Ratio:       outputRatio,
	})
	if err != nil {
		return "", err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/v1/image_to_video", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.APIKey)

	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("motion clip submit returned status %d: %s", resp.StatusCode, string(b))
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.TaskID, nil
}

// poll mirrors clients.MediaConvert.TranscodeSegment's ticker+select loop:
// poll every pollInterval until SUCCEEDED/FAILED or the budget
// (maxRunwayRetries * pollInterval-scaled polls) is exhausted.
func (p *Provider) poll(ctx context.Context, jobID, taskID string) (string, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	maxPolls := maxRunwayRetries * 30 // generous budget: up to 30 polls per attempt before giving up
	polls := 0
	for {
		select {
		case <-ctx.Done():
			p.cancelTask(taskID)
			return "", ctx.Err()
		case <-ticker.C:
		}

		polls++
		status, err := p.getTask(ctx, taskID)
		if err != nil {
			return "", err
		}
		switch status.Status {
		case statusSucceeded:
			if len(status.Output) == 0 {
				return "", fmt.Errorf("motion clip task %q succeeded with no output", taskID)
			}
			return status.Output[0], nil
		case statusFailed:
			return "", fmt.Errorf("motion clip task %q failed", taskID)
		case statusPending, statusRunning:
			log.Log(jobID, "polling motion clip task", "task_id", taskID, "status", status.Status)
		}
		if polls >= maxPolls {
			p.cancelTask(taskID)
			return "", xerrors.NewPipelineError(xerrors.KindTimeout, fmt.Sprintf("motion clip task %q timed out after %d polls", taskID, polls), nil)
		}
	}
}

func (p *Provider) getTask(ctx context.Context, taskID string) (*taskResponse, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, p.BaseURL+"/v1/tasks/"+taskID, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.APIKey)

	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out taskResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// cancelTask best-effort cancels a pending external task, used when the
// orchestrator aborts (spec §4.4's cancellation note).
func (p *Provider) cancelTask(taskID string) {
	req, err := retryablehttp.NewRequest(http.MethodPost, p.BaseURL+"/v1/tasks/"+taskID+"/cancel", nil)
	if err != nil {
		return
	}
	req.Header.Set("Authorization", "Bearer "+p.APIKey)
	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		log.LogNoRequestID("failed to cancel motion clip task", "task_id", taskID, "err", err)
		return
	}
	resp.Body.Close()
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
		return fmt.Errorf("failed to download produced clip: status %d", resp.StatusCode)
	}
	return p.Store.Upload(ctx, blobKey, resp.Body, "video/mp4")
}
