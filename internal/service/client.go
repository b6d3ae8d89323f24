package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"time"

	"github.com/CZERTAINLY/probe-lens/internal/model"

	pd "github.com/kodeart/go-problem/v2"
)

const (
	uploadPath    = "api/v1/probe-results"
	uploadTimeout = 30 * time.Second
	maxErrorBody  = 4 << 10
)

// UploadCallbackFunc observes every upload attempt, response is the body
// returned by the repository on success
type UploadCallbackFunc func(err error, runID string, response string)

// RepoUploader posts run reports to a results repository
type RepoUploader struct {
	endpoint string
	client   *http.Client
	onUpload UploadCallbackFunc
}

func NewRepoUploader(base model.URL) (*RepoUploader, error) {
	u := base.Clone().AsURL()
	switch {
	case u == nil:
		return nil, errors.New("repository url is empty")
	case u.Scheme != "http" && u.Scheme != "https":
		return nil, fmt.Errorf("unsupported repository url scheme %q", u.Scheme)
	}
	return &RepoUploader{
		endpoint: u.JoinPath(uploadPath).String(),
		client:   &http.Client{Timeout: uploadTimeout},
	}, nil
}

func (c *RepoUploader) WithUploadCallback(fn UploadCallbackFunc) *RepoUploader {
	c.onUpload = fn
	return c
}

func (c *RepoUploader) Upload(ctx context.Context, runID string, raw []byte) error {
	body, err := c.post(ctx, runID, raw)
	if c.onUpload != nil {
		c.onUpload(err, runID, body)
	}
	if err != nil {
		return fmt.Errorf("uploading report %s: %w", runID, err)
	}
	slog.InfoContext(ctx, "report uploaded", "run_id", runID, "url", c.endpoint)
	return nil
}

func (c *RepoUploader) post(ctx context.Context, runID string, raw []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Run-Id", runID)

	resp, err := c.client.Do(req)
	if err != nil {
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return "", err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	return readUploadResponse(resp)
}

// readUploadResponse returns the body of a successful upload. Problem
// documents are turned into errors carrying their detail.
func readUploadResponse(resp *http.Response) (string, error) {
	if resp.StatusCode == http.StatusNoContent {
		return "", nil
	}
	media, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return "", fmt.Errorf("response content type: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if media != "application/json" {
			return "", fmt.Errorf("response content type %s, want application/json", media)
		}
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return "", fmt.Errorf("reading response: %w", err)
		}
		return string(b), nil
	case media == "application/problem+json":
		var p pd.Problem
		if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
			return "", fmt.Errorf("status %d: decoding problem: %w", resp.StatusCode, err)
		}
		return "", fmt.Errorf("status %d: %s", resp.StatusCode, p.Detail)
	default:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(b))
	}
}
