// Package docservice runs the inbound document flow (resolve vault, ingest
// media, submit for parsing) and exposes the read and removal operations
// used by the HTTP API and the MCP server.
package docservice

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/starford/myvault/internal/apperr"
	"github.com/starford/myvault/internal/models"
	"github.com/starford/myvault/internal/parse"
	"github.com/starford/myvault/internal/storage"
	"github.com/starford/myvault/internal/webhook"
)

// Store is the metadata the service reads and removes.
type Store interface {
	GetVault(ctx context.Context, id string) (models.Vault, error)
	GetArtifact(ctx context.Context, id string) (models.Artifact, error)
	ArtifactByBlobRef(ctx context.Context, ref string) (models.Artifact, error)
	ListArtifacts(ctx context.Context, vaultID string, limit, offset int) ([]models.Artifact, error)
	CountArtifacts(ctx context.Context, vaultID string) (int, error)
	RemoveArtifact(ctx context.Context, id, reason string) (models.Artifact, []models.ProcessingJob, error)
	GetJob(ctx context.Context, id string) (models.ProcessingJob, error)
	ListJobs(ctx context.Context, artifactID string) ([]models.ProcessingJob, error)
	LatestJob(ctx context.Context, artifactID string) (models.ProcessingJob, error)
	ListChunks(ctx context.Context, jobID string) ([]models.StructuredChunk, error)
}

// Resolver maps a tenant key to its vault.
type Resolver interface {
	Resolve(ctx context.Context, tenantKey string) (models.Vault, error)
}

// Ingestor stores one media reference as an artifact.
type Ingestor interface {
	Ingest(ctx context.Context, v models.Vault, ref models.MediaRef) (models.Artifact, bool, error)
}

// Pipeline submits artifacts for parsing.
type Pipeline interface {
	Submit(ctx context.Context, a models.Artifact) (models.ProcessingJob, error)
	Cancel(artifactID string)
	Mode() string
}

// Searcher runs vault-scoped full-text queries.
type Searcher interface {
	Search(ctx context.Context, vaultID, query string, limit int) ([]models.SearchHit, error)
}

// Events receives artifact and job changes made outside the pipeline.
type Events interface {
	JobUpdated(job models.ProcessingJob)
	ArtifactRemoved(a models.Artifact)
}

// Deps are the collaborators of a Service.
type Deps struct {
	Store    Store
	Blobs    storage.BlobStore
	Resolver Resolver
	Ingestor Ingestor
	Pipeline Pipeline
	Searcher Searcher
	Events   Events
	Logger   *slog.Logger
	// MaxParallelMedia bounds concurrent ingests per event.
	MaxParallelMedia int
}

// Service coordinates the inbound pipeline and artifact operations.
type Service struct {
	store    Store
	blobs    storage.BlobStore
	resolver Resolver
	ingestor Ingestor
	pipeline Pipeline
	searcher Searcher
	events   Events
	logger   *slog.Logger
	parallel int
}

// NewService creates a Service.
func NewService(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.MaxParallelMedia <= 0 {
		d.MaxParallelMedia = 4
	}
	return &Service{
		store:    d.Store,
		blobs:    d.Blobs,
		resolver: d.Resolver,
		ingestor: d.Ingestor,
		pipeline: d.Pipeline,
		searcher: d.Searcher,
		events:   d.Events,
		logger:   d.Logger,
		parallel: d.MaxParallelMedia,
	}
}

// ItemOutcome is the result for one media slot of an inbound event.
type ItemOutcome struct {
	Media    models.MediaRef
	Artifact models.Artifact
	Created  bool
	Job      *models.ProcessingJob
	Err      error
	ParseErr error
}

// Outcome is the typed result of one inbound event.
type Outcome struct {
	Reply   webhook.Reply
	Message models.Message
	Vault   models.Vault
	Items   []ItemOutcome
	Err     error
}

// HandleInbound runs one inbound event through normalization, vault
// resolution, ingestion and parse submission. Failures are contained in the
// returned Outcome; the reply is chosen from the step outcomes.
func (s *Service) HandleInbound(ctx context.Context, ev webhook.RawEvent) Outcome {
	msg, err := webhook.Normalize(ev)
	if err != nil {
		s.logger.Warn("inbound event rejected", slog.String("message_id", ev.MessageID), slog.String("error", err.Error()))
		return Outcome{Reply: webhook.ReplyInvalid, Err: err}
	}

	v, err := s.resolver.Resolve(ctx, msg.SenderKey)
	if err != nil {
		return Outcome{Reply: webhook.ReplyRetryLater, Message: msg, Err: err}
	}

	out := Outcome{Message: msg, Vault: v, Reply: webhook.SelectReply(msg)}
	if len(msg.MediaRefs) == 0 {
		return out
	}

	out.Items = make([]ItemOutcome, len(msg.MediaRefs))
	var g errgroup.Group
	g.SetLimit(s.parallel)
	for i, ref := range msg.MediaRefs {
		g.Go(func() error {
			out.Items[i] = s.ingestOne(ctx, v, ref)
			return nil
		})
	}
	_ = g.Wait()

	out.Reply = s.replyFor(out.Items)
	s.logger.Info("inbound event processed",
		slog.String("message_id", ev.MessageID),
		slog.String("vault_id", v.ID),
		slog.Int("media", len(out.Items)),
		slog.String("reply", string(out.Reply)),
	)
	return out
}

func (s *Service) ingestOne(ctx context.Context, v models.Vault, ref models.MediaRef) ItemOutcome {
	item := ItemOutcome{Media: ref}
	a, created, err := s.ingestor.Ingest(ctx, v, ref)
	if err != nil {
		s.logger.Warn("media ingestion failed", slog.String("vault_id", v.ID), slog.String("error", err.Error()))
		item.Err = err
		return item
	}
	item.Artifact, item.Created = a, created
	if !created {
		return item
	}

	job, err := s.pipeline.Submit(ctx, a)
	if job.ID != "" {
		item.Job = &job
	}
	if err != nil && !errors.Is(err, apperr.ErrDiscarded) {
		item.ParseErr = err
	}
	return item
}

// replyFor maps per-item outcomes to one reply.
func (s *Service) replyFor(items []ItemOutcome) webhook.Reply {
	var failed, created, parseFailed, completed int
	for _, it := range items {
		switch {
		case it.Err != nil:
			failed++
			continue
		case it.Created:
			created++
		}
		if it.ParseErr != nil {
			parseFailed++
		}
		if it.Job != nil && it.Job.Status == models.JobCompleted {
			completed++
		}
	}

	switch {
	case failed == len(items):
		return webhook.ReplyResend
	case failed > 0:
		return webhook.ReplyPartial
	case created == 0:
		return webhook.ReplyDuplicate
	case parseFailed > 0:
		return webhook.ReplyParseRetry
	case s.pipeline.Mode() == parse.ModeSync && completed == created:
		return webhook.ReplyProcessed
	}
	return webhook.ReplyAck
}

// RemoveArtifact deletes an artifact with its derived data and blob, fails
// its pending job and stops any in-flight parse for it.
func (s *Service) RemoveArtifact(ctx context.Context, id string) (models.Artifact, error) {
	return s.remove(ctx, id, "artifact removed")
}

func (s *Service) remove(ctx context.Context, id, reason string) (models.Artifact, error) {
	a, failed, err := s.store.RemoveArtifact(ctx, id, reason)
	if err != nil {
		return models.Artifact{}, err
	}
	s.pipeline.Cancel(id)

	delCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.blobs.Delete(delCtx, a.BlobRef); err != nil {
		s.logger.Warn("failed to delete blob", slog.String("blob_ref", a.BlobRef), slog.String("error", err.Error()))
	}

	s.logger.Info("artifact removed", slog.String("artifact_id", id), slog.String("reason", reason))
	if s.events != nil {
		for _, j := range failed {
			s.events.JobUpdated(j)
		}
		s.events.ArtifactRemoved(a)
	}
	return a, nil
}

// HandleBlobRemoved removes the artifact whose blob disappeared out of band.
func (s *Service) HandleBlobRemoved(ctx context.Context, ref string) {
	a, err := s.store.ArtifactByBlobRef(ctx, ref)
	if errors.Is(err, apperr.ErrNotFound) {
		return
	}
	if err != nil {
		s.logger.Warn("blob removal lookup failed", slog.String("blob_ref", ref), slog.String("error", err.Error()))
		return
	}
	if _, err := s.remove(ctx, a.ID, "blob removed"); err != nil && !errors.Is(err, apperr.ErrNotFound) {
		s.logger.Warn("failed to remove artifact for missing blob", slog.String("artifact_id", a.ID), slog.String("error", err.Error()))
	}
}

// Reparse submits an existing artifact again. A new job is created unless
// one is already pending.
func (s *Service) Reparse(ctx context.Context, id string) (models.ProcessingJob, error) {
	a, err := s.store.GetArtifact(ctx, id)
	if err != nil {
		return models.ProcessingJob{}, err
	}
	return s.pipeline.Submit(ctx, a)
}

// Process implements webhook.Processor.
func (s *Service) Process(ctx context.Context, ev webhook.RawEvent) webhook.Reply {
	out := s.HandleInbound(ctx, ev)
	recordOutcome(out)
	return out.Reply
}
