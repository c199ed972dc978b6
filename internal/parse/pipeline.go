package parse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/starford/myvault/internal/apperr"
	"github.com/starford/myvault/internal/metrics"
	"github.com/starford/myvault/internal/models"
	"github.com/starford/myvault/internal/search"
)

// Dispatch modes.
const (
	ModeAsync = "async"
	ModeSync  = "sync"
)

// Store is the job persistence the pipeline needs.
type Store interface {
	CreateJob(ctx context.Context, j models.ProcessingJob) (models.ProcessingJob, bool, error)
	RecordAttempt(ctx context.Context, jobID, lastErr string) (models.ProcessingJob, error)
	CompleteJob(ctx context.Context, jobID string, raw []byte, chunks []models.StructuredChunk, text string) (models.ProcessingJob, error)
	FailJob(ctx context.Context, jobID, reason string) (models.ProcessingJob, error)
	StalePendingJobs(ctx context.Context, before time.Time) ([]models.ProcessingJob, error)
	ResubmitCandidates(ctx context.Context, maxJobs, limit int) ([]models.Artifact, error)
}

// URLSigner issues time-bounded fetchable URLs for blobs.
type URLSigner interface {
	AccessURL(ref string, ttl time.Duration) (string, error)
}

// Notifier is told about every job status change.
type Notifier interface {
	JobUpdated(job models.ProcessingJob)
}

// Config controls dispatch, timeouts and retries.
type Config struct {
	Mode           string
	RequestTimeout time.Duration
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries    int
	Backoff       time.Duration
	URLTTL        time.Duration
	SyncWait      time.Duration
	Workers       int
	StaleAfter    time.Duration
	SweepInterval time.Duration
	MaxResubmits  int
}

// Pipeline submits artifacts to the parse service and drives each
// processing job to a terminal state.
type Pipeline struct {
	store    Store
	svc      Service
	urls     URLSigner
	cfg      Config
	pool     *ants.Pool
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time

	baseCtx context.Context
	stop    context.CancelFunc

	mu       sync.Mutex
	inflight map[string]runHandle
	detached sync.WaitGroup
}

// runHandle identifies the run currently tracked for an artifact.
type runHandle struct {
	jobID  string
	cancel context.CancelFunc
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithNotifier registers a listener for job status changes.
func WithNotifier(n Notifier) Option {
	return func(p *Pipeline) { p.notifier = n }
}

// NewPipeline creates a Pipeline. In async mode it owns a worker pool that
// must be released with Release.
func NewPipeline(store Store, svc Service, urls URLSigner, cfg Config, opts ...Option) (*Pipeline, error) {
	if cfg.Mode == "" {
		cfg.Mode = ModeAsync
	}
	if cfg.Mode != ModeAsync && cfg.Mode != ModeSync {
		return nil, fmt.Errorf("parse: unknown mode %q", cfg.Mode)
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if cfg.URLTTL <= 0 {
		cfg.URLTTL = 15 * time.Minute
	}
	if cfg.SyncWait <= 0 {
		cfg.SyncWait = 2 * time.Minute
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}

	p := &Pipeline{
		store:    store,
		svc:      svc,
		urls:     urls,
		cfg:      cfg,
		logger:   slog.Default(),
		now:      time.Now,
		inflight: make(map[string]runHandle),
	}
	for _, o := range opts {
		o(p)
	}
	p.baseCtx, p.stop = context.WithCancel(context.Background())

	if cfg.Mode == ModeAsync {
		pool, err := ants.NewPool(cfg.Workers, ants.WithNonblocking(true))
		if err != nil {
			p.stop()
			return nil, fmt.Errorf("parse: create pool: %w", err)
		}
		p.pool = pool
	}
	return p, nil
}

// Mode returns the configured dispatch mode.
func (p *Pipeline) Mode() string { return p.cfg.Mode }

// Release cancels running parses and waits for the workers to exit.
func (p *Pipeline) Release() {
	p.stop()
	p.detached.Wait()
	if p.pool != nil {
		if err := p.pool.ReleaseTimeout(10 * time.Second); err != nil {
			p.logger.Warn("parse pool release timed out", slog.String("error", err.Error()))
		}
	}
}

// Submit creates a pending job for a and starts parsing it. If a already has
// a pending job, that job is returned and nothing new is started.
//
// In async mode the pending job is returned immediately. In sync mode the
// call waits up to SyncWait and returns the terminal job; a failed job comes
// with a parse error. A run still going when SyncWait expires keeps its full
// retry budget and the pending job is returned.
func (p *Pipeline) Submit(ctx context.Context, a models.Artifact) (models.ProcessingJob, error) {
	const op = "parse.Submit"

	job, created, err := p.store.CreateJob(ctx, models.ProcessingJob{
		ID:         uuid.NewString(),
		ArtifactID: a.ID,
		VaultID:    a.VaultID,
		Status:     models.JobPending,
		CreatedAt:  p.now().UTC(),
	})
	if err != nil {
		return models.ProcessingJob{}, apperr.E(apperr.KindParse, op, err)
	}
	if !created {
		return job, nil
	}
	p.notify(job)

	if p.cfg.Mode == ModeSync {
		return p.runSync(a, job)
	}

	err = p.pool.Submit(func() {
		_, _ = p.run(p.baseCtx, a, job)
	})
	if err != nil {
		// The sweeper fails the job once it is stale and resubmits it.
		p.logger.Warn("parse dispatch rejected",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}
	return job, nil
}

func (p *Pipeline) runSync(a models.Artifact, job models.ProcessingJob) (models.ProcessingJob, error) {
	type result struct {
		job models.ProcessingJob
		err error
	}
	done := make(chan result, 1)

	p.detached.Add(1)
	go func() {
		defer p.detached.Done()
		j, err := p.run(p.baseCtx, a, job)
		done <- result{job: j, err: err}
	}()

	timer := time.NewTimer(p.cfg.SyncWait)
	defer timer.Stop()
	select {
	case r := <-done:
		return r.job, r.err
	case <-timer.C:
		p.logger.Info("parse still running after sync wait",
			slog.String("job_id", job.ID),
			slog.Duration("sync_wait", p.cfg.SyncWait),
		)
		return job, nil
	}
}

// Cancel stops the in-flight run for an artifact, if any.
func (p *Pipeline) Cancel(artifactID string) {
	p.mu.Lock()
	h, ok := p.inflight[artifactID]
	p.mu.Unlock()
	if ok {
		h.cancel()
	}
}

// InFlight reports whether a run for artifactID is executing.
func (p *Pipeline) InFlight(artifactID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inflight[artifactID]
	return ok
}

func (p *Pipeline) track(artifactID, jobID string, cancel context.CancelFunc) {
	p.mu.Lock()
	p.inflight[artifactID] = runHandle{jobID: jobID, cancel: cancel}
	p.mu.Unlock()
}

// untrack drops the entry for artifactID only while it still belongs to
// jobID; a newer run for the same artifact stays tracked.
func (p *Pipeline) untrack(artifactID, jobID string) {
	p.mu.Lock()
	if h, ok := p.inflight[artifactID]; ok && h.jobID == jobID {
		delete(p.inflight, artifactID)
	}
	p.mu.Unlock()
}

type attemptResult struct {
	raw    []byte
	chunks []Chunk
}

func (p *Pipeline) run(ctx context.Context, a models.Artifact, job models.ProcessingJob) (models.ProcessingJob, error) {
	const op = "parse.run"

	ctx, cancel := context.WithCancel(ctx)
	p.track(a.ID, job.ID, cancel)
	defer p.untrack(a.ID, job.ID)
	defer cancel()

	metrics.JobsInFlight.Inc()
	defer metrics.JobsInFlight.Dec()

	// Store writes outlive cancellation so a stopped run still records
	// what happened.
	storeCtx := context.WithoutCancel(ctx)
	log := p.logger.With(slog.String("job_id", job.ID), slog.String("artifact_id", a.ID))

	var res attemptResult
	err := retryWithBackoff(ctx, 1+p.cfg.MaxRetries, p.cfg.Backoff, func(attempt int) error {
		r, err := p.attempt(ctx, a)
		msg := ""
		if err != nil {
			msg = err.Error()
		}
		if _, rerr := p.store.RecordAttempt(storeCtx, job.ID, msg); rerr != nil {
			if errors.Is(rerr, apperr.ErrConflict) {
				return permanent(apperr.ErrDiscarded)
			}
			log.Warn("failed to record parse attempt", slog.String("error", rerr.Error()))
		}
		if err != nil {
			metrics.ParseAttempts.WithLabelValues("error").Inc()
			log.Warn("parse attempt failed", slog.Int("attempt", attempt), slog.String("error", err.Error()))
			return err
		}
		metrics.ParseAttempts.WithLabelValues("success").Inc()
		res = r
		return nil
	})

	switch {
	case err == nil:
		return p.complete(storeCtx, log, job, res)
	case errors.Is(err, apperr.ErrDiscarded):
		log.Info("parse run discarded, job no longer pending")
		return job, apperr.ErrDiscarded
	case errors.Is(err, context.Canceled):
		log.Info("parse run cancelled")
		return job, err
	}

	failed, ferr := p.store.FailJob(storeCtx, job.ID, err.Error())
	if errors.Is(ferr, apperr.ErrConflict) {
		log.Info("parse failure discarded, job no longer pending")
		return job, apperr.ErrDiscarded
	}
	if ferr != nil {
		log.Error("failed to mark job failed", slog.String("error", ferr.Error()))
		return job, apperr.E(apperr.KindParse, op, errors.Join(err, ferr))
	}
	metrics.JobsFinished.WithLabelValues(string(models.JobFailed)).Inc()
	log.Warn("parse job failed", slog.Int("attempts", failed.AttemptCount), slog.String("error", err.Error()))
	p.notify(failed)
	return failed, apperr.E(apperr.KindParse, op, err)
}

func (p *Pipeline) attempt(ctx context.Context, a models.Artifact) (attemptResult, error) {
	docURL, err := p.urls.AccessURL(a.BlobRef, p.cfg.URLTTL)
	if err != nil {
		return attemptResult{}, permanent(fmt.Errorf("sign blob url: %w", err))
	}

	actx, cancel := timeoutContext(ctx, p.cfg.RequestTimeout)
	defer cancel()

	start := time.Now()
	body, err := p.svc.Parse(actx, docURL)
	metrics.ParseDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return attemptResult{}, ctx.Err()
		}
		return attemptResult{}, err
	}

	chunks, err := DecodeChunks(body)
	if err != nil {
		return attemptResult{}, err
	}
	return attemptResult{raw: body, chunks: chunks}, nil
}

func (p *Pipeline) complete(ctx context.Context, log *slog.Logger, job models.ProcessingJob, res attemptResult) (models.ProcessingJob, error) {
	chunks := make([]models.StructuredChunk, len(res.chunks))
	for i, c := range res.chunks {
		chunks[i] = models.StructuredChunk{
			ID:         uuid.NewString(),
			ArtifactID: job.ArtifactID,
			JobID:      job.ID,
			Index:      i,
			Content:    c.Content,
			Blocks:     c.Blocks,
		}
	}

	done, err := p.store.CompleteJob(ctx, job.ID, res.raw, chunks, search.Text(chunks))
	if errors.Is(err, apperr.ErrDiscarded) {
		log.Info("late parse result discarded")
		return job, err
	}
	if err != nil {
		log.Error("failed to store parse result", slog.String("error", err.Error()))
		failed, ferr := p.store.FailJob(ctx, job.ID, "store result: "+err.Error())
		if ferr != nil {
			return job, apperr.E(apperr.KindParse, "parse.complete", err)
		}
		metrics.JobsFinished.WithLabelValues(string(models.JobFailed)).Inc()
		p.notify(failed)
		return failed, apperr.E(apperr.KindParse, "parse.complete", err)
	}

	metrics.JobsFinished.WithLabelValues(string(models.JobCompleted)).Inc()
	log.Info("parse job completed", slog.Int("chunks", len(chunks)), slog.Int("attempts", done.AttemptCount))
	p.notify(done)
	return done, nil
}

func (p *Pipeline) notify(job models.ProcessingJob) {
	if p.notifier != nil {
		p.notifier.JobUpdated(job)
	}
}
