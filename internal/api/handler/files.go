package handler

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/pixelforge/pixelforge/internal/api/response"
	"github.com/pixelforge/pixelforge/internal/storage"
)

// NewFilesHandler returns an http.HandlerFunc for GET /files/*. The route is
// public; access control is the HMAC signature minted into each download
// URL, which also carries its own expiry.
func NewFilesHandler(signer *storage.Signer, st storage.Storage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "*")
		exp := r.URL.Query().Get("exp")
		sig := r.URL.Query().Get("sig")

		if key == "" || !signer.Verify(key, sig, exp) {
			response.Error(w, http.StatusForbidden, "FORBIDDEN",
				"Invalid or expired signature", nil)
			return
		}

		obj, err := st.Open(r.Context(), key)
		if err != nil {
			if errors.Is(err, storage.ErrObjectNotFound) || errors.Is(err, storage.ErrInvalidKey) {
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "No such object", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to open object", nil)
			return
		}
		defer obj.Close()

		w.Header().Set("Content-Type", contentTypeForKey(key))
		w.Header().Set("Cache-Control", "private, max-age=300")
		io.Copy(w, obj)
	}
}

func contentTypeForKey(key string) string {
	switch {
	case strings.HasSuffix(key, ".png"):
		return "image/png"
	case strings.HasSuffix(key, ".jpg"), strings.HasSuffix(key, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(key, ".webp"):
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}
