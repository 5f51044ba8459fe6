package mock

import (
	"context"
	"encoding/json"

	"github.com/pixelforge/pixelforge/internal/provider"
)

// Adapter satisfies provider.Adapter for testing.
type Adapter struct {
	Name_       string
	Capability_ string
	ExecuteFunc func(ctx context.Context, creds provider.Credentials, req provider.Request) (*provider.Result, error)
}

func (a *Adapter) Name() string { return a.Name_ }

func (a *Adapter) Capability() string { return a.Capability_ }

func (a *Adapter) Execute(ctx context.Context, creds provider.Credentials, req provider.Request) (*provider.Result, error) {
	if a.ExecuteFunc != nil {
		return a.ExecuteFunc(ctx, creds, req)
	}
	return &provider.Result{Text: "mock output"}, nil
}

// NewAdapter returns a mock adapter that reports progress and produces one
// tiny image.
func NewAdapter() *Adapter {
	return &Adapter{
		Name_:       "mock",
		Capability_: "chat-image",
		ExecuteFunc: func(_ context.Context, _ provider.Credentials, req provider.Request) (*provider.Result, error) {
			req.ReportProgress(50, "generating")
			return &provider.Result{
				Images:  []provider.Image{{Data: []byte{0x89, 'P', 'N', 'G'}, MIME: "image/png"}},
				Session: json.RawMessage(`{"turns":1}`),
			}, nil
		},
	}
}

// NewFailingAdapter returns a mock adapter that always fails with err.
func NewFailingAdapter(name string, err error) *Adapter {
	return &Adapter{
		Name_:       name,
		Capability_: "utility",
		ExecuteFunc: func(context.Context, provider.Credentials, provider.Request) (*provider.Result, error) {
			return nil, err
		},
	}
}

var _ provider.Adapter = (*Adapter)(nil)
