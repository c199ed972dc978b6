package parse

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/myvault/internal/apperr"
	"github.com/starford/myvault/internal/metastore"
	"github.com/starford/myvault/internal/models"
	"github.com/starford/myvault/internal/storage"
	"github.com/starford/myvault/internal/testutil"
)

type recorder struct {
	mu   sync.Mutex
	jobs []models.ProcessingJob
}

func (r *recorder) JobUpdated(j models.ProcessingJob) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, j)
}

func (r *recorder) statuses() []models.JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.JobStatus, len(r.jobs))
	for i, j := range r.jobs {
		out[i] = j.Status
	}
	return out
}

type fixture struct {
	store    *metastore.Store
	blobs    *storage.FS
	artifact models.Artifact
	notes    *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := testutil.TestStore(t)
	blobs := testutil.TestBlobs(t, "http://blobs.test")

	v, err := store.UpsertVault(ctx, models.Vault{ID: "v1", TenantKey: "+1555", CreatedAt: time.Now().UTC()})
	require.NoError(t, err)
	ref, err := blobs.Put(ctx, v.ID, "a1/doc.pdf", []byte("%PDF"), "application/pdf")
	require.NoError(t, err)
	a, _, err := store.InsertArtifact(ctx, models.Artifact{
		ID: "a1", VaultID: v.ID, BlobRef: ref, FileName: "doc.pdf", FileType: "application/pdf",
		SizeBytes: 4, CreatedAt: time.Now().UTC(),
	}, "")
	require.NoError(t, err)
	return &fixture{store: store, blobs: blobs, artifact: a, notes: &recorder{}}
}

func (f *fixture) pipeline(t *testing.T, svc Service, cfg Config) *Pipeline {
	t.Helper()
	if cfg.Backoff == 0 {
		cfg.Backoff = 5 * time.Millisecond
	}
	p, err := NewPipeline(f.store, svc, f.blobs, cfg, WithNotifier(f.notes))
	require.NoError(t, err)
	t.Cleanup(p.Release)
	return p
}

func eventually(t *testing.T, fn func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}

func TestSubmit_SyncTwoChunks(t *testing.T) {
	f := newFixture(t)
	srv := testutil.NewParseServer(t, testutil.ParseStep{Status: http.StatusOK, Body: testutil.ChunksBody("Invoice #42", "Total: 99 EUR")})
	p := f.pipeline(t, NewHTTPClient(srv.URL, "k", 0, 0), Config{Mode: ModeSync, RequestTimeout: time.Second})
	ctx := context.Background()

	job, err := p.Submit(ctx, f.artifact)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, job.Status)
	assert.Equal(t, 1, job.AttemptCount)
	assert.NotEmpty(t, job.RawResponse)

	chunks, err := f.store.ListChunks(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, 0, chunks[0].Index)
	assert.Equal(t, "Invoice #42", chunks[0].Content)
	assert.Equal(t, 1, chunks[1].Index)
	assert.Equal(t, "Total: 99 EUR", chunks[1].Content)

	entry, err := f.store.GetSearchEntry(ctx, f.artifact.ID)
	require.NoError(t, err)
	assert.Equal(t, "Invoice #42\n\nTotal: 99 EUR", entry.Text)

	inputs := srv.Inputs()
	require.Len(t, inputs, 1)
	assert.Contains(t, inputs[0], "http://blobs.test/blobs/"+f.artifact.BlobRef)
	assert.Contains(t, inputs[0], "sig=")

	assert.Equal(t, []models.JobStatus{models.JobPending, models.JobCompleted}, f.notes.statuses())
}

func TestSubmit_AsyncCompletes(t *testing.T) {
	f := newFixture(t)
	srv := testutil.NewParseServer(t, testutil.ParseStep{Status: http.StatusOK, Body: testutil.ChunksBody("x"), Delay: 50 * time.Millisecond})
	p := f.pipeline(t, NewHTTPClient(srv.URL, "", 0, 0), Config{Mode: ModeAsync, RequestTimeout: time.Second, Workers: 2})
	ctx := context.Background()

	job, err := p.Submit(ctx, f.artifact)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, job.Status, "async submit returns immediately")

	eventually(t, func() bool {
		j, err := f.store.GetJob(ctx, job.ID)
		return err == nil && j.Status == models.JobCompleted
	}, "job completes")
}

func TestSubmit_TimeoutEveryAttempt(t *testing.T) {
	f := newFixture(t)
	srv := testutil.NewParseServer(t, testutil.ParseStep{Status: http.StatusOK, Body: testutil.ChunksBody("late"), Delay: time.Second})
	p := f.pipeline(t, NewHTTPClient(srv.URL, "", 0, 0), Config{
		Mode: ModeSync, RequestTimeout: 50 * time.Millisecond, MaxRetries: 2,
	})
	ctx := context.Background()

	job, err := p.Submit(ctx, f.artifact)
	require.Error(t, err)
	assert.Equal(t, apperr.KindParse, apperr.KindOf(err))
	assert.Equal(t, models.JobFailed, job.Status)
	assert.Equal(t, 3, job.AttemptCount)
	assert.NotEmpty(t, job.LastError)

	chunks, err := f.store.ListChunks(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, chunks)
	_, err = f.store.GetSearchEntry(ctx, f.artifact.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.store.GetArtifact(ctx, f.artifact.ID)
	assert.NoError(t, err, "artifact is retained after parse failure")
}

func TestSubmit_SyncWaitExpiryKeepsRetryBudget(t *testing.T) {
	f := newFixture(t)
	srv := testutil.NewParseServer(t, testutil.ParseStep{Status: http.StatusOK, Body: testutil.ChunksBody("late"), Delay: time.Second})
	p := f.pipeline(t, NewHTTPClient(srv.URL, "", 0, 0), Config{
		Mode: ModeSync, RequestTimeout: 100 * time.Millisecond, MaxRetries: 3, SyncWait: 150 * time.Millisecond,
	})
	ctx := context.Background()

	job, err := p.Submit(ctx, f.artifact)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, job.Status, "wait expired before the run finished")

	eventually(t, func() bool {
		j, err := f.store.GetJob(ctx, job.ID)
		return err == nil && j.Status == models.JobFailed
	}, "detached run fails after its budget")

	j, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, j.AttemptCount)
	assert.Equal(t, 4, srv.Calls())
	eventually(t, func() bool { return !p.InFlight(f.artifact.ID) }, "run untracked")
}

func TestSubmit_RetryThenSuccess(t *testing.T) {
	f := newFixture(t)
	srv := testutil.NewParseServer(t,
		testutil.ParseStep{Status: http.StatusBadGateway, Body: "upstream down"},
		testutil.ParseStep{Status: http.StatusOK, Body: `{"chunks": "not-a-list"}`},
		testutil.ParseStep{Status: http.StatusOK, Body: testutil.ChunksBody("ok")},
	)
	p := f.pipeline(t, NewHTTPClient(srv.URL, "", 0, 0), Config{Mode: ModeSync, RequestTimeout: time.Second, MaxRetries: 3})

	job, err := p.Submit(context.Background(), f.artifact)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, job.Status)
	assert.Equal(t, 3, job.AttemptCount)
	assert.Equal(t, 3, srv.Calls())
}

func TestSubmit_InvalidSchemaExhausts(t *testing.T) {
	f := newFixture(t)
	srv := testutil.NewParseServer(t, testutil.ParseStep{Status: http.StatusOK, Body: `{"result":{}}`})
	p := f.pipeline(t, NewHTTPClient(srv.URL, "", 0, 0), Config{Mode: ModeSync, RequestTimeout: time.Second, MaxRetries: 1})

	job, err := p.Submit(context.Background(), f.artifact)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidResponse)
	assert.Equal(t, models.JobFailed, job.Status)
	assert.Equal(t, 2, srv.Calls())
}

func TestSubmit_ResubmitCreatesNewJob(t *testing.T) {
	f := newFixture(t)
	srv := testutil.NewParseServer(t,
		testutil.ParseStep{Status: http.StatusInternalServerError},
		testutil.ParseStep{Status: http.StatusInternalServerError},
		testutil.ParseStep{Status: http.StatusOK, Body: testutil.ChunksBody("second")},
	)
	p := f.pipeline(t, NewHTTPClient(srv.URL, "", 0, 0), Config{Mode: ModeSync, RequestTimeout: time.Second, MaxRetries: 1})
	ctx := context.Background()

	first, err := p.Submit(ctx, f.artifact)
	require.Error(t, err)
	second, err := p.Submit(ctx, f.artifact)
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	old, err := f.store.GetJob(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, old.Status, "terminal job is never reopened")
	assert.Equal(t, models.JobCompleted, second.Status)
}

// blockingService blocks until released, then returns body.
type blockingService struct {
	started chan struct{}
	release chan struct{}
	body    []byte
}

func (b *blockingService) Parse(ctx context.Context, _ string) ([]byte, error) {
	close(b.started)
	<-b.release
	return b.body, nil
}

func TestSubmit_LateResultAfterRemovalIsDiscarded(t *testing.T) {
	f := newFixture(t)
	svc := &blockingService{started: make(chan struct{}), release: make(chan struct{}), body: []byte(testutil.ChunksBody("late"))}
	p := f.pipeline(t, svc, Config{Mode: ModeSync, RequestTimeout: 5 * time.Second})
	ctx := context.Background()

	type result struct {
		job models.ProcessingJob
		err error
	}
	done := make(chan result, 1)
	go func() {
		j, err := p.Submit(ctx, f.artifact)
		done <- result{j, err}
	}()

	<-svc.started
	_, failed, err := f.store.RemoveArtifact(ctx, f.artifact.ID, "artifact removed")
	require.NoError(t, err)
	require.Len(t, failed, 1)
	close(svc.release)

	res := <-done
	assert.ErrorIs(t, res.err, apperr.ErrDiscarded)

	j, err := f.store.GetJob(ctx, failed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, j.Status)
	chunks, err := f.store.ListChunks(ctx, j.ID)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestCancel_StopsInFlightRun(t *testing.T) {
	f := newFixture(t)
	srv := testutil.NewParseServer(t, testutil.ParseStep{Status: http.StatusOK, Body: testutil.ChunksBody("x"), Delay: 5 * time.Second})
	p := f.pipeline(t, NewHTTPClient(srv.URL, "", 0, 0), Config{Mode: ModeAsync, RequestTimeout: 10 * time.Second, Workers: 1})
	ctx := context.Background()

	job, err := p.Submit(ctx, f.artifact)
	require.NoError(t, err)
	eventually(t, func() bool { return p.InFlight(f.artifact.ID) }, "run starts")

	_, _, err = f.store.RemoveArtifact(ctx, f.artifact.ID, "artifact removed")
	require.NoError(t, err)
	p.Cancel(f.artifact.ID)
	eventually(t, func() bool { return !p.InFlight(f.artifact.ID) }, "run stops")

	j, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, j.Status)
	assert.Equal(t, "artifact removed", j.LastError)
}

func TestUntrack_KeepsNewerRun(t *testing.T) {
	p, err := NewPipeline(nil, nil, nil, Config{Mode: ModeSync})
	require.NoError(t, err)
	defer p.Release()

	oldCancelled, newCancelled := false, false
	p.track("a1", "job-old", func() { oldCancelled = true })
	// A reparse starts a new run before the old one has unwound.
	p.track("a1", "job-new", func() { newCancelled = true })

	p.untrack("a1", "job-old")
	assert.True(t, p.InFlight("a1"), "newer run stays tracked")

	p.Cancel("a1")
	assert.True(t, newCancelled)
	assert.False(t, oldCancelled)

	p.untrack("a1", "job-new")
	assert.False(t, p.InFlight("a1"))
}

func TestSubmit_ExistingPendingJobReturned(t *testing.T) {
	f := newFixture(t)
	srv := testutil.NewParseServer(t, testutil.ParseStep{Status: http.StatusOK, Body: testutil.ChunksBody("x"), Delay: 300 * time.Millisecond})
	p := f.pipeline(t, NewHTTPClient(srv.URL, "", 0, 0), Config{Mode: ModeAsync, RequestTimeout: time.Second})
	ctx := context.Background()

	first, err := p.Submit(ctx, f.artifact)
	require.NoError(t, err)
	second, err := p.Submit(ctx, f.artifact)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	eventually(t, func() bool {
		j, _ := f.store.GetJob(ctx, first.ID)
		return j.Status == models.JobCompleted
	}, "job completes")
	assert.Equal(t, 1, srv.Calls())
}

type stubStore struct {
	Store
	createErr error
}

func (s stubStore) CreateJob(context.Context, models.ProcessingJob) (models.ProcessingJob, bool, error) {
	return models.ProcessingJob{}, false, s.createErr
}

func TestSubmit_StoreUnavailable(t *testing.T) {
	p, err := NewPipeline(stubStore{createErr: errors.New("db down")}, nil, nil, Config{Mode: ModeSync})
	require.NoError(t, err)
	defer p.Release()

	_, err = p.Submit(context.Background(), models.Artifact{ID: "a"})
	assert.Equal(t, apperr.KindParse, apperr.KindOf(err))
}

func TestNewPipeline_UnknownMode(t *testing.T) {
	_, err := NewPipeline(nil, nil, nil, Config{Mode: "eventually"})
	assert.Error(t, err)
}
