package storage

import (
	"bytes"
	"errors"
	"io/fs"
	"mime"
	"net/http"
	"path"
	"time"

	"github.com/go-chi/chi/v5"
)

// BlobHandler serves GET /blobs/* for URLs produced by signer.
// It is mounted outside bearer auth; the signature is the credential.
func BlobHandler(store *FS, signer *Signer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref := chi.URLParam(r, "*")
		q := r.URL.Query()
		if err := signer.Verify(ref, q.Get("expires"), q.Get("sig")); err != nil {
			status := http.StatusForbidden
			if errors.Is(err, ErrSignatureExpired) {
				status = http.StatusGone
			}
			http.Error(w, err.Error(), status)
			return
		}
		data, err := store.Read(ref)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				http.NotFound(w, r)
				return
			}
			http.Error(w, "read failed", http.StatusInternalServerError)
			return
		}
		if ct := mime.TypeByExtension(path.Ext(ref)); ct != "" {
			w.Header().Set("Content-Type", ct)
		}
		w.Header().Set("Cache-Control", "private, no-store")
		http.ServeContent(w, r, path.Base(ref), time.Time{}, bytes.NewReader(data))
	}
}
