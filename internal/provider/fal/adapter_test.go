package fal_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixelforge/pixelforge/internal/provider"
	"github.com/pixelforge/pixelforge/internal/provider/fal"
)

func TestExecute_SubmitPollFetch(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G'}
	var polls atomic.Int32

	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("POST /esrgan/upscale", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Key fal-test", r.Header.Get("Authorization"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "https://cdn.example.com/in.png", body["image_url"])
		json.NewEncoder(w).Encode(map[string]string{"request_id": "req-1"})
	})
	mux.HandleFunc("GET /esrgan/upscale/requests/req-1/status", func(w http.ResponseWriter, r *http.Request) {
		status := "IN_PROGRESS"
		if polls.Add(1) >= 2 {
			status = "COMPLETED"
		}
		json.NewEncoder(w).Encode(map[string]string{"status": status})
	})
	mux.HandleFunc("GET /esrgan/upscale/requests/req-1", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"images": []map[string]string{{
				"url":          server.URL + "/files/out.png",
				"content_type": "image/png",
			}},
		})
	})
	mux.HandleFunc("GET /files/out.png", func(w http.ResponseWriter, r *http.Request) {
		w.Write(png)
	})

	a := fal.NewAdapter(server.URL, 5*time.Second)
	a.SetPollInterval(10 * time.Millisecond)

	var progress []int
	req := provider.Request{
		Model: "esrgan/upscale",
		Input: json.RawMessage(`{"image_url":"https://cdn.example.com/in.png"}`),
	}
	req.Progress = func(p int, _ string) { progress = append(progress, p) }

	result, err := a.Execute(context.Background(), provider.Credentials{APIKey: "fal-test"}, req)
	require.NoError(t, err)
	require.Len(t, result.Images, 1)
	assert.Equal(t, png, result.Images[0].Data)
	assert.GreaterOrEqual(t, int(polls.Load()), 2)
	assert.NotEmpty(t, progress)
}

func TestExecute_RateLimitedOnSubmit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "12")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	a := fal.NewAdapter(server.URL, 5*time.Second)
	_, err := a.Execute(context.Background(), provider.Credentials{}, provider.Request{
		Model: "esrgan/upscale",
		Input: json.RawMessage(`{}`),
	})

	var rle *provider.RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, 12*time.Second, rle.RetryAfter)
}

func TestExecute_EmptyResult(t *testing.T) {
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("POST /esrgan/upscale", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"request_id": "req-1"})
	})
	mux.HandleFunc("GET /esrgan/upscale/requests/req-1/status", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "COMPLETED"})
	})
	mux.HandleFunc("GET /esrgan/upscale/requests/req-1", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"images": []any{}})
	})

	a := fal.NewAdapter(server.URL, 5*time.Second)
	a.SetPollInterval(10 * time.Millisecond)

	_, err := a.Execute(context.Background(), provider.Credentials{}, provider.Request{
		Model: "esrgan/upscale",
		Input: json.RawMessage(`{}`),
	})
	assert.ErrorIs(t, err, provider.ErrNoOutput)
}
