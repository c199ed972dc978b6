// Package ingest turns inbound media references into durable artifacts.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/starford/myvault/internal/apperr"
	"github.com/starford/myvault/internal/checksum"
	"github.com/starford/myvault/internal/metrics"
	"github.com/starford/myvault/internal/models"
	"github.com/starford/myvault/internal/storage"
)

// Dedup policies.
const (
	DedupContentHash = "content_hash"
	DedupNone        = "none"
)

// Store is the metadata the ingestor reads and writes.
type Store interface {
	FindArtifactByDedupKey(ctx context.Context, key string) (models.Artifact, error)
	InsertArtifact(ctx context.Context, a models.Artifact, dedupKey string) (models.Artifact, bool, error)
}

// Config bounds and authenticates media downloads.
type Config struct {
	FetchTimeout  time.Duration
	MaxBytes      int64
	Dedup         string
	MediaUsername string
	MediaPassword string
	// MediaHosts lists the hosts that receive the media credentials.
	// Downloads from any other host are anonymous.
	MediaHosts  []string
	UploadedVia string
}

// Ingestor fetches media, writes it to the blob store and records the artifact.
type Ingestor struct {
	store  Store
	blobs  storage.BlobStore
	client *http.Client
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// Option configures an Ingestor.
type Option func(*Ingestor)

// WithHTTPClient replaces the client used to download media.
func WithHTTPClient(c *http.Client) Option {
	return func(i *Ingestor) {
		if c != nil {
			i.client = c
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(i *Ingestor) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// NewIngestor creates an Ingestor.
func NewIngestor(store Store, blobs storage.BlobStore, cfg Config, opts ...Option) *Ingestor {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 25 << 20
	}
	if cfg.Dedup == "" {
		cfg.Dedup = DedupContentHash
	}
	if cfg.UploadedVia == "" {
		cfg.UploadedVia = "whatsapp"
	}
	i := &Ingestor{
		store:  store,
		blobs:  blobs,
		client: &http.Client{},
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

// Ingest downloads ref and stores it in vault v. The returned bool is false
// when an existing artifact with identical content was returned instead.
//
// The blob is always written before the artifact row; on any failure after
// the write the blob is removed again.
func (i *Ingestor) Ingest(ctx context.Context, v models.Vault, ref models.MediaRef) (models.Artifact, bool, error) {
	const op = "ingest.Ingest"

	data, hash, contentType, err := i.fetch(ctx, ref)
	if err != nil {
		metrics.ArtifactsIngested.WithLabelValues("error").Inc()
		return models.Artifact{}, false, apperr.E(apperr.KindIngestion, op, err)
	}

	var dedupKey string
	if i.cfg.Dedup == DedupContentHash {
		dedupKey = DedupKey(v.ID, hash)
		existing, err := i.store.FindArtifactByDedupKey(ctx, dedupKey)
		switch {
		case err == nil:
			metrics.ArtifactsIngested.WithLabelValues("duplicate").Inc()
			i.logger.Info("duplicate media", slog.String("artifact_id", existing.ID), slog.String("vault_id", v.ID))
			return existing, false, nil
		case !errors.Is(err, apperr.ErrNotFound):
			metrics.ArtifactsIngested.WithLabelValues("error").Inc()
			return models.Artifact{}, false, apperr.E(apperr.KindIngestion, op, err)
		}
	}

	artifactID := uuid.NewString()
	ext := extensionFor(contentType)
	blobRef, err := i.blobs.Put(ctx, v.ID, artifactID+"/"+hash[:16]+ext, data, contentType)
	if err != nil {
		metrics.ArtifactsIngested.WithLabelValues("error").Inc()
		return models.Artifact{}, false, apperr.E(apperr.KindIngestion, op, fmt.Errorf("write blob: %w", err))
	}

	a := models.Artifact{
		ID:          artifactID,
		VaultID:     v.ID,
		BlobRef:     blobRef,
		FileName:    fileName(ref.URL, artifactID, ext),
		FileType:    contentType,
		SizeBytes:   int64(len(data)),
		ContentHash: hash,
		UploadedVia: i.cfg.UploadedVia,
		CreatedAt:   i.now().UTC(),
	}
	stored, created, err := i.store.InsertArtifact(ctx, a, dedupKey)
	if err != nil {
		i.discardBlob(blobRef)
		metrics.ArtifactsIngested.WithLabelValues("error").Inc()
		return models.Artifact{}, false, apperr.E(apperr.KindIngestion, op, fmt.Errorf("record artifact: %w", err))
	}
	if !created {
		// Lost a race with a concurrent delivery of the same bytes.
		i.discardBlob(blobRef)
		metrics.ArtifactsIngested.WithLabelValues("duplicate").Inc()
		return stored, false, nil
	}

	metrics.ArtifactsIngested.WithLabelValues("created").Inc()
	i.logger.Info("artifact stored",
		slog.String("artifact_id", stored.ID),
		slog.String("vault_id", v.ID),
		slog.String("blob_ref", blobRef),
		slog.Int64("size_bytes", stored.SizeBytes),
	)
	return stored, true, nil
}

func (i *Ingestor) trustedHost(u *url.URL) bool {
	for _, h := range i.cfg.MediaHosts {
		if strings.EqualFold(h, u.Hostname()) {
			return true
		}
	}
	return false
}

func (i *Ingestor) fetch(ctx context.Context, ref models.MediaRef) ([]byte, string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, i.cfg.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.URL, nil)
	if err != nil {
		return nil, "", "", fmt.Errorf("build request: %w", err)
	}
	if i.cfg.MediaUsername != "" && i.trustedHost(req.URL) {
		req.SetBasicAuth(i.cfg.MediaUsername, i.cfg.MediaPassword)
	}
	resp, err := i.client.Do(req)
	if err != nil {
		return nil, "", "", fmt.Errorf("fetch media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", "", fmt.Errorf("fetch media: unexpected status %d", resp.StatusCode)
	}
	if resp.ContentLength > i.cfg.MaxBytes {
		return nil, "", "", fmt.Errorf("fetch media: %d bytes exceeds limit of %d", resp.ContentLength, i.cfg.MaxBytes)
	}

	cr := checksum.NewReader(io.LimitReader(resp.Body, i.cfg.MaxBytes+1))
	data, err := io.ReadAll(cr)
	if err != nil {
		return nil, "", "", fmt.Errorf("read media: %w", err)
	}
	if cr.Len() > i.cfg.MaxBytes {
		return nil, "", "", fmt.Errorf("fetch media: body exceeds limit of %d bytes", i.cfg.MaxBytes)
	}

	contentType := ref.ContentType
	if contentType == "" {
		if mt, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type")); err == nil {
			contentType = mt
		}
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return data, cr.Sum(), contentType, nil
}

func (i *Ingestor) discardBlob(ref string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := i.blobs.Delete(ctx, ref); err != nil {
		i.logger.Warn("failed to discard blob", slog.String("blob_ref", ref), slog.String("error", err.Error()))
	}
}

var preferredExt = map[string]string{
	"application/pdf": ".pdf",
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/webp":      ".webp",
	"image/heic":      ".heic",
	"text/plain":      ".txt",
	"text/csv":        ".csv",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   ".docx",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         ".xlsx",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": ".pptx",
}

func extensionFor(contentType string) string {
	if ext, ok := preferredExt[contentType]; ok {
		return ext
	}
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}

// fileName derives a display name from the media URL's last path segment.
func fileName(rawURL, fallback, ext string) string {
	name := fallback
	if u, err := url.Parse(rawURL); err == nil {
		if base := path.Base(u.Path); base != "." && base != "/" && base != "" {
			name = base
		}
	}
	if path.Ext(name) == "" {
		name += ext
	}
	return name
}

// DedupKey returns the key under which an artifact with the given content
// hash is deduplicated within a vault.
func DedupKey(vaultID, hash string) string {
	return vaultID + ":" + strings.ToLower(hash)
}
