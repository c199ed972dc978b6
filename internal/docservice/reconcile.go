package docservice

import (
	"context"
	"log/slog"
)

// BlobRefLister lists every artifact's blob reference.
type BlobRefLister interface {
	BlobRefs(ctx context.Context) (map[string]string, error)
}

// Reconcile brings metadata in line with the blob store at startup:
// artifacts whose blob is gone are removed through the normal removal path.
// The blob watcher only sees deletions while the process runs.
func (s *Service) Reconcile(ctx context.Context, refs BlobRefLister) (int, error) {
	all, err := refs.BlobRefs(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for id, ref := range all {
		ok, err := s.blobs.Exists(ctx, ref)
		if err != nil {
			s.logger.Warn("reconcile: blob check failed", slog.String("blob_ref", ref), slog.String("error", err.Error()))
			continue
		}
		if ok {
			continue
		}
		if _, err := s.remove(ctx, id, "blob missing at startup"); err != nil {
			s.logger.Warn("reconcile: remove failed", slog.String("artifact_id", id), slog.String("error", err.Error()))
			continue
		}
		removed++
	}
	return removed, ctx.Err()
}
