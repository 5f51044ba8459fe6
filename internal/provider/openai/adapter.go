package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pixelforge/pixelforge/internal/provider"
	"github.com/pixelforge/pixelforge/pkg/models"
)

const defaultBaseURL = "https://api.openai.com"

// Adapter generates images through the OpenAI Images API.
type Adapter struct {
	baseURL string
	client  *http.Client
}

func NewAdapter(baseURL string, timeout time.Duration) *Adapter {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Adapter{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (a *Adapter) Name() string { return "openai" }

func (a *Adapter) Capability() string { return models.CapabilityChatImage }

// input is the accepted job input shape for this adapter.
type input struct {
	Prompt string `json:"prompt"`
	Size   string `json:"size,omitempty"`
	Count  int    `json:"count,omitempty"`
}

type generationRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	N      int    `json:"n,omitempty"`
	Size   string `json:"size,omitempty"`
}

type generationResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// session carries prior prompts so follow-up turns refine the same scene.
type session struct {
	Prompts []string `json:"prompts"`
}

func (a *Adapter) Execute(ctx context.Context, creds provider.Credentials, req provider.Request) (*provider.Result, error) {
	var in input
	if err := json.Unmarshal(req.Input, &in); err != nil {
		return nil, fmt.Errorf("decoding job input: %w", err)
	}
	if in.Prompt == "" {
		return nil, fmt.Errorf("job input has no prompt")
	}

	var sess session
	if len(req.Session) > 0 {
		if err := json.Unmarshal(req.Session, &sess); err != nil {
			return nil, fmt.Errorf("decoding session: %w", err)
		}
	}

	req.ReportProgress(10, "sending prompt")

	prompt := in.Prompt
	if len(sess.Prompts) > 0 {
		// The Images API has no server-side conversation, so prior turns
		// are folded into the prompt as refinement context.
		prompt = fmt.Sprintf("%s\n\nRefine the previous result: %s", joinPrompts(sess.Prompts), in.Prompt)
	}

	body, err := json.Marshal(generationRequest{
		Model:  req.Model,
		Prompt: prompt,
		N:      in.Count,
		Size:   in.Size,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	u := a.baseURL + "/v1/images/generations"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+creds.APIKey)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling openai: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &provider.RateLimitError{RetryAfter: provider.RetryAfterHeader(resp.Header)}
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("openai returned status %d: %s", resp.StatusCode, msg)
	}

	req.ReportProgress(70, "decoding images")

	var genResp generationResponse
	if err := json.NewDecoder(resp.Body).Decode(&genResp); err != nil {
		return nil, fmt.Errorf("decoding openai response: %w", err)
	}
	if genResp.Error != nil {
		return nil, fmt.Errorf("openai error %s: %s", genResp.Error.Type, genResp.Error.Message)
	}
	if len(genResp.Data) == 0 {
		return nil, provider.ErrNoOutput
	}

	images := make([]provider.Image, 0, len(genResp.Data))
	for _, d := range genResp.Data {
		raw, err := base64.StdEncoding.DecodeString(d.B64JSON)
		if err != nil {
			return nil, fmt.Errorf("decoding image payload: %w", err)
		}
		images = append(images, provider.Image{Data: raw, MIME: "image/png"})
	}

	sess.Prompts = append(sess.Prompts, in.Prompt)
	sessJSON, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("encoding session: %w", err)
	}

	return &provider.Result{Images: images, Session: sessJSON}, nil
}

func joinPrompts(prompts []string) string {
	out := ""
	for i, p := range prompts {
		if i > 0 {
			out += "\n"
		}
		out += p
	}
	return out
}

var _ provider.Adapter = (*Adapter)(nil)
