package fal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pixelforge/pixelforge/internal/provider"
	"github.com/pixelforge/pixelforge/pkg/models"
)

const defaultBaseURL = "https://queue.fal.run"

// Adapter runs single-shot transforms (upscaling, background removal) on
// fal.ai's queue API: submit, poll until done, fetch the result.
type Adapter struct {
	baseURL      string
	client       *http.Client
	pollInterval time.Duration
}

func NewAdapter(baseURL string, timeout time.Duration) *Adapter {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Adapter{
		baseURL:      baseURL,
		client:       &http.Client{Timeout: timeout},
		pollInterval: 2 * time.Second,
	}
}

// SetPollInterval overrides the status poll cadence. Used in tests.
func (a *Adapter) SetPollInterval(d time.Duration) {
	a.pollInterval = d
}

func (a *Adapter) Name() string { return "fal" }

func (a *Adapter) Capability() string { return models.CapabilityUtility }

type submitResponse struct {
	RequestID string `json:"request_id"`
}

type statusResponse struct {
	Status string `json:"status"`
}

type resultResponse struct {
	Images []struct {
		URL         string `json:"url"`
		ContentType string `json:"content_type"`
	} `json:"images"`
}

func (a *Adapter) Execute(ctx context.Context, creds provider.Credentials, req provider.Request) (*provider.Result, error) {
	requestID, err := a.submit(ctx, creds, req)
	if err != nil {
		return nil, err
	}
	req.ReportProgress(20, "request queued")

	if err := a.waitForCompletion(ctx, creds, req, requestID); err != nil {
		return nil, err
	}
	req.ReportProgress(80, "fetching result")

	return a.fetchResult(ctx, creds, req, requestID)
}

func (a *Adapter) submit(ctx context.Context, creds provider.Credentials, req provider.Request) (string, error) {
	u := fmt.Sprintf("%s/%s", a.baseURL, req.Model)
	resp, err := a.do(ctx, creds, http.MethodPost, u, req.Input)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if err := a.checkStatus(resp, "submit"); err != nil {
		return "", err
	}

	var sub submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return "", fmt.Errorf("decoding submit response: %w", err)
	}
	if sub.RequestID == "" {
		return "", fmt.Errorf("fal submit returned no request id")
	}
	return sub.RequestID, nil
}

func (a *Adapter) waitForCompletion(ctx context.Context, creds provider.Credentials, req provider.Request, requestID string) error {
	u := fmt.Sprintf("%s/%s/requests/%s/status", a.baseURL, req.Model, requestID)

	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		resp, err := a.do(ctx, creds, http.MethodGet, u, nil)
		if err != nil {
			return err
		}

		var status statusResponse
		err = func() error {
			defer resp.Body.Close()
			if err := a.checkStatus(resp, "poll"); err != nil {
				return err
			}
			return json.NewDecoder(resp.Body).Decode(&status)
		}()
		if err != nil {
			return err
		}

		switch status.Status {
		case "COMPLETED":
			return nil
		case "IN_QUEUE":
			req.ReportProgress(30, "waiting in provider queue")
		case "IN_PROGRESS":
			req.ReportProgress(50, "processing")
		default:
			return fmt.Errorf("fal request entered unexpected state %q", status.Status)
		}
	}
}

func (a *Adapter) fetchResult(ctx context.Context, creds provider.Credentials, req provider.Request, requestID string) (*provider.Result, error) {
	u := fmt.Sprintf("%s/%s/requests/%s", a.baseURL, req.Model, requestID)
	resp, err := a.do(ctx, creds, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := a.checkStatus(resp, "fetch result"); err != nil {
		return nil, err
	}

	var result resultResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding result response: %w", err)
	}
	if len(result.Images) == 0 {
		return nil, provider.ErrNoOutput
	}

	images := make([]provider.Image, 0, len(result.Images))
	for _, img := range result.Images {
		data, err := a.download(ctx, img.URL)
		if err != nil {
			return nil, err
		}
		mime := img.ContentType
		if mime == "" {
			mime = "image/png"
		}
		images = append(images, provider.Image{Data: data, MIME: mime})
	}
	return &provider.Result{Images: images}, nil
}

func (a *Adapter) download(ctx context.Context, url string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building download request: %w", err)
	}
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("downloading image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("image download returned status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (a *Adapter) do(ctx context.Context, creds provider.Credentials, method, url string, body json.RawMessage) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Authorization", "Key "+creds.APIKey)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling fal: %w", err)
	}
	return resp, nil
}

func (a *Adapter) checkStatus(resp *http.Response, op string) error {
	if resp.StatusCode == http.StatusTooManyRequests {
		return &provider.RateLimitError{RetryAfter: provider.RetryAfterHeader(resp.Header)}
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("fal %s returned status %d: %s", op, resp.StatusCode, msg)
	}
	return nil
}

var _ provider.Adapter = (*Adapter)(nil)
