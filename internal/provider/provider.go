package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for provider execution failures. The worker maps these to
// job error codes and retry behavior; anything else counts as a plain
// execution failure.
var (
	ErrRateLimited = errors.New("provider rate limited")
	ErrNoOutput    = errors.New("provider produced no output")
)

// RateLimitError wraps an upstream 429. RetryAfter is zero when the
// provider did not say how long to wait.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("provider rate limited, retry after %s", e.RetryAfter)
	}
	return "provider rate limited"
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// RetryAfterHeader parses a Retry-After response header, returning zero
// when absent or malformed. Only the delta-seconds form is handled.
func RetryAfterHeader(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// Credentials is the decrypted credential payload for one provider.
type Credentials struct {
	APIKey string `json:"api_key"`
}

// Request carries everything an adapter needs for one execution.
type Request struct {
	JobID   uuid.UUID
	OwnerID uuid.UUID
	Model   string
	Input   json.RawMessage
	// Session is opaque conversational state from a previous execution of
	// the same tool, for providers that support multi-turn refinement.
	Session json.RawMessage
	Options json.RawMessage
	// Progress, when non-nil, receives coarse progress updates during
	// execution. Implementations must tolerate a nil callback.
	Progress func(percent int, message string)
}

func (r *Request) ReportProgress(percent int, message string) {
	if r.Progress != nil {
		r.Progress(percent, message)
	}
}

// Image is one generated image, returned as raw bytes. Persisting it is the
// caller's concern.
type Image struct {
	Data []byte
	MIME string
}

// Result is a successful adapter execution.
type Result struct {
	Images  []Image
	Text    string
	Session json.RawMessage
}

// Adapter executes generation requests against one upstream AI provider.
type Adapter interface {
	Name() string
	Capability() string
	Execute(ctx context.Context, creds Credentials, req Request) (*Result, error)
}
