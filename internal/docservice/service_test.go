package docservice

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
	"github.com/starford/myvault/internal/ingest"
	"github.com/starford/myvault/internal/metastore"
	"github.com/starford/myvault/internal/models"
	"github.com/starford/myvault/internal/parse"
	"github.com/starford/myvault/internal/search"
	"github.com/starford/myvault/internal/storage"
	"github.com/starford/myvault/internal/testutil"
	"github.com/starford/myvault/internal/vault"
	"github.com/starford/myvault/internal/webhook"
)

type eventLog struct {
	mu      sync.Mutex
	jobs    []models.ProcessingJob
	removed []string
}

func (e *eventLog) JobUpdated(j models.ProcessingJob) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.jobs = append(e.jobs, j)
}

func (e *eventLog) ArtifactRemoved(a models.Artifact) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed = append(e.removed, a.ID)
}

type env struct {
	svc    *Service
	store  *metastore.Store
	blobs  *storage.FS
	parser *testutil.ParseServer
	events *eventLog
}

type envConfig struct {
	mode       string
	dedup      string
	maxRetries int
	timeout    time.Duration
	steps      []testutil.ParseStep
}

func newEnv(t *testing.T, cfg envConfig) *env {
	t.Helper()
	if cfg.mode == "" {
		cfg.mode = parse.ModeSync
	}
	if cfg.timeout == 0 {
		cfg.timeout = time.Second
	}
	store := testutil.TestStore(t)
	blobs := testutil.TestBlobs(t, "http://blobs.test")
	ps := testutil.NewParseServer(t, cfg.steps...)
	events := &eventLog{}

	pipeline, err := parse.NewPipeline(store, parse.NewHTTPClient(ps.URL, "", 0, 0), blobs, parse.Config{
		Mode:           cfg.mode,
		RequestTimeout: cfg.timeout,
		MaxRetries:     cfg.maxRetries,
		Backoff:        5 * time.Millisecond,
		Workers:        2,
	}, parse.WithNotifier(events))
	require.NoError(t, err)
	t.Cleanup(pipeline.Release)

	svc := NewService(Deps{
		Store:    store,
		Blobs:    blobs,
		Resolver: vault.NewResolver(store, nil),
		Ingestor: ingest.NewIngestor(store, blobs, ingest.Config{Dedup: cfg.dedup}),
		Pipeline: pipeline,
		Searcher: search.NewIndexer(store, nil),
		Events:   events,
	})
	return &env{svc: svc, store: store, blobs: blobs, parser: ps, events: events}
}

func mediaEvent(sender, url, contentType string) webhook.RawEvent {
	return webhook.RawEvent{
		SenderID:          sender,
		MediaCount:        "1",
		MediaURLs:         []string{url},
		MediaContentTypes: []string{contentType},
	}
}

func TestInbound_TextOnlyGreets(t *testing.T) {
	e := newEnv(t, envConfig{})
	ctx := context.Background()

	out := e.svc.HandleInbound(ctx, webhook.RawEvent{SenderID: "whatsapp:+15550001", Body: "hi"})
	require.NoError(t, out.Err)
	assert.Equal(t, webhook.ReplyGreeting, out.Reply)
	assert.Empty(t, out.Items)

	v, err := e.store.GetVault(ctx, out.Vault.ID)
	require.NoError(t, err)
	assert.Equal(t, "+15550001", v.TenantKey)
	n, _ := e.store.CountArtifacts(ctx, v.ID)
	assert.Zero(t, n)
	assert.Zero(t, e.parser.Calls())

	again := e.svc.HandleInbound(ctx, webhook.RawEvent{SenderID: "whatsapp:+15550001", Body: "hi"})
	assert.Equal(t, out.Vault.ID, again.Vault.ID)
}

func TestInbound_MissingSender(t *testing.T) {
	e := newEnv(t, envConfig{})
	out := e.svc.HandleInbound(context.Background(), webhook.RawEvent{Body: "hi"})
	assert.Equal(t, webhook.ReplyInvalid, out.Reply)
	assert.True(t, apperr.IsKind(out.Err, apperr.KindValidation))
}

func TestInbound_MediaParsedIntoTwoChunks(t *testing.T) {
	e := newEnv(t, envConfig{steps: []testutil.ParseStep{
		{Status: http.StatusOK, Body: testutil.ChunksBody("Invoice 2024-001", "Amount due: 120.00")},
	}})
	media, _ := testutil.MediaServer(t, "application/pdf", []byte("%PDF-1.7 invoice"))
	ctx := context.Background()

	out := e.svc.HandleInbound(ctx, mediaEvent("whatsapp:+15550002", media.URL+"/ME1", "application/pdf"))
	require.NoError(t, out.Err)
	assert.Equal(t, webhook.ReplyProcessed, out.Reply)
	require.Len(t, out.Items, 1)
	item := out.Items[0]
	require.NoError(t, item.Err)
	require.True(t, item.Created)
	require.NotNil(t, item.Job)

	n, _ := e.store.CountArtifacts(ctx, out.Vault.ID)
	assert.Equal(t, 1, n)

	jobs, err := e.store.ListJobs(ctx, item.Artifact.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.JobCompleted, jobs[0].Status)

	chunks, err := e.svc.ListChunks(ctx, jobs[0].ID)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, 0, chunks[0].Index)
	assert.Equal(t, 1, chunks[1].Index)

	entry, err := e.store.GetSearchEntry(ctx, item.Artifact.ID)
	require.NoError(t, err)
	assert.Equal(t, "Invoice 2024-001"+search.Separator+"Amount due: 120.00", entry.Text)

	ok, err := e.blobs.Exists(ctx, item.Artifact.BlobRef)
	require.NoError(t, err)
	assert.True(t, ok)

	hits, err := e.svc.Search(ctx, out.Vault.ID, "Invoice", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, item.Artifact.ID, hits[0].ArtifactID)
}

func TestInbound_AsyncAcknowledges(t *testing.T) {
	e := newEnv(t, envConfig{mode: parse.ModeAsync, steps: []testutil.ParseStep{
		{Status: http.StatusOK, Body: testutil.ChunksBody("later"), Delay: 100 * time.Millisecond},
	}})
	media, _ := testutil.MediaServer(t, "image/jpeg", []byte("jpeg-bytes"))
	ctx := context.Background()

	out := e.svc.HandleInbound(ctx, mediaEvent("+15550003", media.URL+"/photo", "image/jpeg"))
	assert.Equal(t, webhook.ReplyAck, out.Reply)
	require.NotNil(t, out.Items[0].Job)
	assert.Equal(t, models.JobPending, out.Items[0].Job.Status)

	jobID := out.Items[0].Job.ID
	deadline := time.Now().Add(5 * time.Second)
	for {
		j, err := e.svc.GetJob(ctx, jobID)
		require.NoError(t, err)
		if j.Status == models.JobCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job still %s", j.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestInbound_ParseTimesOutEveryAttempt(t *testing.T) {
	e := newEnv(t, envConfig{
		maxRetries: 2,
		timeout:    40 * time.Millisecond,
		steps:      []testutil.ParseStep{{Status: http.StatusOK, Body: testutil.ChunksBody("never"), Delay: time.Second}},
	})
	media, _ := testutil.MediaServer(t, "application/pdf", []byte("%PDF slow"))
	ctx := context.Background()

	out := e.svc.HandleInbound(ctx, mediaEvent("+15550004", media.URL+"/slow", "application/pdf"))
	assert.Equal(t, webhook.ReplyParseRetry, out.Reply)

	item := out.Items[0]
	require.True(t, item.Created)
	assert.True(t, apperr.IsKind(item.ParseErr, apperr.KindParse))

	d, err := e.svc.GetArtifact(ctx, item.Artifact.ID)
	require.NoError(t, err, "artifact persists")
	require.NotNil(t, d.LatestJob)
	assert.Equal(t, models.JobFailed, d.LatestJob.Status)
	assert.Equal(t, 3, d.LatestJob.AttemptCount)

	chunks, err := e.store.ListChunks(ctx, d.LatestJob.ID)
	require.NoError(t, err)
	assert.Empty(t, chunks)
	_, err = e.store.GetSearchEntry(ctx, item.Artifact.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestInbound_DuplicateDelivery_ContentHash(t *testing.T) {
	e := newEnv(t, envConfig{dedup: ingest.DedupContentHash, steps: []testutil.ParseStep{
		{Status: http.StatusOK, Body: testutil.ChunksBody("same")},
	}})
	media, _ := testutil.MediaServer(t, "application/pdf", []byte("identical"))
	ctx := context.Background()
	ev := mediaEvent("+15550005", media.URL+"/dup", "application/pdf")

	first := e.svc.HandleInbound(ctx, ev)
	second := e.svc.HandleInbound(ctx, ev)
	assert.Equal(t, webhook.ReplyProcessed, first.Reply)
	assert.Equal(t, webhook.ReplyDuplicate, second.Reply)
	assert.Equal(t, first.Items[0].Artifact.ID, second.Items[0].Artifact.ID)

	n, _ := e.store.CountArtifacts(ctx, first.Vault.ID)
	assert.Equal(t, 1, n)
	jobs, _ := e.store.ListJobs(ctx, first.Items[0].Artifact.ID)
	assert.Len(t, jobs, 1, "duplicate must not start a second job")
	assert.Equal(t, 1, e.parser.Calls())

	ok, err := e.blobs.Exists(ctx, second.Items[0].Artifact.BlobRef)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestInbound_DuplicateDelivery_NoDedup(t *testing.T) {
	e := newEnv(t, envConfig{dedup: ingest.DedupNone, steps: []testutil.ParseStep{
		{Status: http.StatusOK, Body: testutil.ChunksBody("same")},
	}})
	media, _ := testutil.MediaServer(t, "application/pdf", []byte("identical"))
	ctx := context.Background()
	ev := mediaEvent("+15550006", media.URL+"/dup", "application/pdf")

	first := e.svc.HandleInbound(ctx, ev)
	second := e.svc.HandleInbound(ctx, ev)
	assert.NotEqual(t, first.Items[0].Artifact.ID, second.Items[0].Artifact.ID)

	for _, out := range []Outcome{first, second} {
		ok, err := e.blobs.Exists(ctx, out.Items[0].Artifact.BlobRef)
		require.NoError(t, err)
		assert.True(t, ok, "no dangling blob reference")
	}
}

func TestInbound_ConcurrentDuplicateDelivery(t *testing.T) {
	e := newEnv(t, envConfig{mode: parse.ModeAsync, steps: []testutil.ParseStep{
		{Status: http.StatusOK, Body: testutil.ChunksBody("x")},
	}})
	media, _ := testutil.MediaServer(t, "image/png", []byte("png"))
	ctx := context.Background()
	ev := mediaEvent("+15550007", media.URL+"/p", "image/png")

	var wg sync.WaitGroup
	outs := make([]Outcome, 6)
	for i := range outs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outs[i] = e.svc.HandleInbound(ctx, ev)
		}()
	}
	wg.Wait()

	vaultID := outs[0].Vault.ID
	for _, o := range outs {
		assert.Equal(t, vaultID, o.Vault.ID)
		require.NoError(t, o.Items[0].Err)
	}
	n, _ := e.store.CountArtifacts(ctx, vaultID)
	assert.Equal(t, 1, n)
	list, _ := e.store.ListArtifacts(ctx, vaultID, 10, 0)
	ok, err := e.blobs.Exists(ctx, list[0].BlobRef)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestInbound_FetchFailures(t *testing.T) {
	e := newEnv(t, envConfig{steps: []testutil.ParseStep{{Status: http.StatusOK, Body: testutil.ChunksBody("ok")}}})
	good, _ := testutil.MediaServer(t, "image/png", []byte("good"))
	ctx := context.Background()

	all := e.svc.HandleInbound(ctx, mediaEvent("+15550008", "http://127.0.0.1:1/missing", "image/png"))
	assert.Equal(t, webhook.ReplyResend, all.Reply)
	assert.True(t, apperr.IsKind(all.Items[0].Err, apperr.KindIngestion))
	n, _ := e.store.CountArtifacts(ctx, all.Vault.ID)
	assert.Zero(t, n)

	partial := e.svc.HandleInbound(ctx, webhook.RawEvent{
		SenderID:          "+15550008",
		MediaCount:        "2",
		MediaURLs:         []string{good.URL + "/a", "http://127.0.0.1:1/missing"},
		MediaContentTypes: []string{"image/png", "image/png"},
	})
	assert.Equal(t, webhook.ReplyPartial, partial.Reply)
	n, _ = e.store.CountArtifacts(ctx, partial.Vault.ID)
	assert.Equal(t, 1, n)
}

type downResolver struct{}

func (downResolver) Resolve(context.Context, string) (models.Vault, error) {
	return models.Vault{}, apperr.E(apperr.KindResolution, "vault.Resolve", errors.New("db down"))
}

func TestInbound_ResolutionFailure(t *testing.T) {
	e := newEnv(t, envConfig{})
	e.svc.resolver = downResolver{}

	reply := e.svc.Process(context.Background(), webhook.RawEvent{SenderID: "+1", Body: "hi"})
	assert.Equal(t, webhook.ReplyRetryLater, reply)
}

func TestRemoveArtifact(t *testing.T) {
	e := newEnv(t, envConfig{steps: []testutil.ParseStep{{Status: http.StatusOK, Body: testutil.ChunksBody("content")}}})
	media, _ := testutil.MediaServer(t, "image/png", []byte("img"))
	ctx := context.Background()

	out := e.svc.HandleInbound(ctx, mediaEvent("+15550009", media.URL+"/x", "image/png"))
	a := out.Items[0].Artifact

	removed, err := e.svc.RemoveArtifact(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, removed.ID)

	_, err = e.svc.GetArtifact(ctx, a.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	ok, err := e.blobs.Exists(ctx, a.BlobRef)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, e.events.removed, a.ID)

	_, err = e.svc.RemoveArtifact(ctx, a.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestHandleBlobRemoved(t *testing.T) {
	e := newEnv(t, envConfig{steps: []testutil.ParseStep{{Status: http.StatusOK, Body: testutil.ChunksBody("content")}}})
	media, _ := testutil.MediaServer(t, "image/png", []byte("img"))
	ctx := context.Background()

	out := e.svc.HandleInbound(ctx, mediaEvent("+15550010", media.URL+"/x", "image/png"))
	a := out.Items[0].Artifact
	require.NoError(t, e.blobs.Delete(ctx, a.BlobRef))

	e.svc.HandleBlobRemoved(ctx, a.BlobRef)
	_, err := e.store.GetArtifact(ctx, a.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	// Unknown refs are ignored.
	e.svc.HandleBlobRemoved(ctx, "nope/nope/nope")
}

func TestReparse(t *testing.T) {
	e := newEnv(t, envConfig{steps: []testutil.ParseStep{
		{Status: http.StatusOK, Body: testutil.ChunksBody("v1")},
		{Status: http.StatusOK, Body: testutil.ChunksBody("v2 text")},
	}})
	media, _ := testutil.MediaServer(t, "image/png", []byte("img"))
	ctx := context.Background()

	out := e.svc.HandleInbound(ctx, mediaEvent("+15550011", media.URL+"/x", "image/png"))
	a := out.Items[0].Artifact

	job, err := e.svc.Reparse(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, job.Status)
	assert.NotEqual(t, out.Items[0].Job.ID, job.ID)

	jobs, err := e.svc.ListJobs(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
	entry, err := e.store.GetSearchEntry(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "v2 text", entry.Text, "latest completed job wins")

	_, err = e.svc.Reparse(ctx, "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestListArtifacts(t *testing.T) {
	e := newEnv(t, envConfig{steps: []testutil.ParseStep{{Status: http.StatusOK, Body: testutil.ChunksBody("c")}}})
	ctx := context.Background()
	a, _ := testutil.MediaServer(t, "image/png", []byte("one"))
	b, _ := testutil.MediaServer(t, "image/png", []byte("two"))

	out := e.svc.HandleInbound(ctx, mediaEvent("+15550012", a.URL+"/1", "image/png"))
	e.svc.HandleInbound(ctx, mediaEvent("+15550012", b.URL+"/2", "image/png"))

	page, err := e.svc.ListArtifacts(ctx, out.Vault.ID, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	assert.Len(t, page.Items, 1)

	_, err = e.svc.ListArtifacts(ctx, "no-such-vault", 10, 0)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestReconcile_RemovesArtifactsWithMissingBlobs(t *testing.T) {
	e := newEnv(t, envConfig{steps: []testutil.ParseStep{{Status: http.StatusOK, Body: testutil.ChunksBody("c")}}})
	ctx := context.Background()
	a, _ := testutil.MediaServer(t, "image/png", []byte("kept"))
	b, _ := testutil.MediaServer(t, "image/png", []byte("lost"))

	kept := e.svc.HandleInbound(ctx, mediaEvent("+15550013", a.URL+"/1", "image/png")).Items[0].Artifact
	lost := e.svc.HandleInbound(ctx, mediaEvent("+15550013", b.URL+"/2", "image/png")).Items[0].Artifact
	require.NoError(t, e.blobs.Delete(ctx, lost.BlobRef))

	n, err := e.svc.Reconcile(ctx, e.store)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = e.store.GetArtifact(ctx, lost.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = e.store.GetArtifact(ctx, kept.ID)
	assert.NoError(t, err)
	assert.Contains(t, e.events.removed, lost.ID)
}
