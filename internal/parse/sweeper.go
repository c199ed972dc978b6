package parse

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/starford/myvault/internal/apperr"
	"github.com/starford/myvault/internal/metrics"
	"github.com/starford/myvault/internal/models"
)

const resubmitBatch = 100

// RunSweeper periodically fails stale pending jobs and resubmits artifacts
// whose latest job failed. It blocks until ctx is done.
func (p *Pipeline) RunSweeper(ctx context.Context) error {
	if p.cfg.SweepInterval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.Sweep(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error("sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Sweep runs one sweeper pass.
func (p *Pipeline) Sweep(ctx context.Context) error {
	if p.cfg.StaleAfter > 0 {
		stale, err := p.store.StalePendingJobs(ctx, p.now().UTC().Add(-p.cfg.StaleAfter))
		if err != nil {
			return err
		}
		for _, j := range stale {
			if p.InFlight(j.ArtifactID) {
				continue
			}
			p.failStale(ctx, j)
		}
	}

	if p.cfg.MaxResubmits <= 0 {
		return nil
	}
	candidates, err := p.store.ResubmitCandidates(ctx, p.cfg.MaxResubmits+1, resubmitBatch)
	if err != nil {
		return err
	}
	for _, a := range candidates {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		job, err := p.Submit(ctx, a)
		if job.ID == "" {
			p.logger.Warn("resubmit failed", slog.String("artifact_id", a.ID), slog.Any("error", err))
			continue
		}
		metrics.SweeperActions.WithLabelValues("resubmitted").Inc()
		p.logger.Info("artifact resubmitted", slog.String("artifact_id", a.ID), slog.String("job_id", job.ID))
	}
	return nil
}

func (p *Pipeline) failStale(ctx context.Context, j models.ProcessingJob) {
	failed, err := p.store.FailJob(ctx, j.ID, "no parse result within "+p.cfg.StaleAfter.String())
	if errors.Is(err, apperr.ErrConflict) {
		return
	}
	if err != nil {
		p.logger.Warn("failed to expire stale job", slog.String("job_id", j.ID), slog.String("error", err.Error()))
		return
	}
	metrics.SweeperActions.WithLabelValues("failed_stale").Inc()
	metrics.JobsFinished.WithLabelValues(string(models.JobFailed)).Inc()
	p.logger.Info("stale job failed", slog.String("job_id", j.ID), slog.String("artifact_id", j.ArtifactID))
	p.notify(failed)
}
