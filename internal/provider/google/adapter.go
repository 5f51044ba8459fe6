package google

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

const defaultBaseURL = "https://generativelanguage.googleapis.com"

// Adapter generates images through the Gemini generateContent API. Gemini
// conversations are stateless on the server, so the full turn history rides
// in the session payload and is replayed on every call.
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

func (a *Adapter) Name() string { return "google" }

func (a *Adapter) Capability() string { return models.CapabilityChatImage }

type input struct {
	Prompt string `json:"prompt"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type content struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type generateRequest struct {
	Contents         []content `json:"contents"`
	GenerationConfig struct {
		ResponseModalities []string `json:"responseModalities"`
	} `json:"generationConfig"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func (a *Adapter) Execute(ctx context.Context, creds provider.Credentials, req provider.Request) (*provider.Result, error) {
	var in input
	if err := json.Unmarshal(req.Input, &in); err != nil {
		return nil, fmt.Errorf("decoding job input: %w", err)
	}
	if in.Prompt == "" {
		return nil, fmt.Errorf("job input has no prompt")
	}

	var history []content
	if len(req.Session) > 0 {
		if err := json.Unmarshal(req.Session, &history); err != nil {
			return nil, fmt.Errorf("decoding session: %w", err)
		}
	}

	req.ReportProgress(10, "sending prompt")

	genReq := generateRequest{
		Contents: append(history, content{Role: "user", Parts: []part{{Text: in.Prompt}}}),
	}
	genReq.GenerationConfig.ResponseModalities = []string{"TEXT", "IMAGE"}

	body, err := json.Marshal(genReq)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	u := fmt.Sprintf("%s/v1beta/models/%s:generateContent", a.baseURL, req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", creds.APIKey)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling gemini: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &provider.RateLimitError{RetryAfter: provider.RetryAfterHeader(resp.Header)}
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("gemini returned status %d: %s", resp.StatusCode, msg)
	}

	req.ReportProgress(70, "decoding response")

	var genResp generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&genResp); err != nil {
		return nil, fmt.Errorf("decoding gemini response: %w", err)
	}
	if genResp.Error != nil {
		return nil, fmt.Errorf("gemini error %s: %s", genResp.Error.Status, genResp.Error.Message)
	}
	if len(genResp.Candidates) == 0 {
		return nil, provider.ErrNoOutput
	}

	reply := genResp.Candidates[0].Content
	result := &provider.Result{}
	for _, p := range reply.Parts {
		switch {
		case p.InlineData != nil:
			raw, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
			if err != nil {
				return nil, fmt.Errorf("decoding image payload: %w", err)
			}
			result.Images = append(result.Images, provider.Image{Data: raw, MIME: p.InlineData.MIMEType})
		case p.Text != "":
			result.Text += p.Text
		}
	}
	if len(result.Images) == 0 && result.Text == "" {
		return nil, provider.ErrNoOutput
	}

	// Persist the image-free turn history; inline payloads would blow up
	// the session blob, the text exchange is enough for refinement.
	reply = stripInlineData(reply)
	history = append(genReq.Contents, reply)
	sessJSON, err := json.Marshal(history)
	if err != nil {
		return nil, fmt.Errorf("encoding session: %w", err)
	}
	result.Session = sessJSON

	return result, nil
}

func stripInlineData(c content) content {
	parts := make([]part, 0, len(c.Parts))
	for _, p := range c.Parts {
		if p.InlineData != nil {
			continue
		}
		parts = append(parts, p)
	}
	if len(parts) == 0 {
		parts = []part{{Text: "(image generated)"}}
	}
	return content{Role: c.Role, Parts: parts}
}

var _ provider.Adapter = (*Adapter)(nil)
