// Package testutil provides shared test helpers for stores, blobs and a fake
// parse service.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/starford/myvault/internal/metastore"
	"github.com/starford/myvault/internal/storage"
)

// TestStore creates a temporary SQLite metadata store that is automatically cleaned up.
func TestStore(t *testing.T) *metastore.Store {
	t.Helper()
	dbFile, err := os.CreateTemp("", "myvault-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() {
		os.Remove(dbFile.Name())
		os.Remove(dbFile.Name() + "-wal")
		os.Remove(dbFile.Name() + "-shm")
	})

	s, err := metastore.Open(dbFile.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestBlobs creates a temporary blob directory with a filesystem BlobStore
// whose access URLs point at baseURL.
func TestBlobs(t *testing.T, baseURL string) *storage.FS {
	t.Helper()
	store, err := storage.NewFS(t.TempDir(), storage.NewSigner(baseURL, []byte("test-signing-key")))
	if err != nil {
		t.Fatal(err)
	}
	return store
}

// MediaServer serves fixed bytes for every GET and counts requests.
func MediaServer(t *testing.T, contentType string, body []byte) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", contentType)
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

// ParseStep is one scripted parse service response.
type ParseStep struct {
	Status int
	Body   string
	Delay  time.Duration
}

// ParseServer is a scripted fake parse service. Requests beyond the script
// repeat the last step.
type ParseServer struct {
	*httptest.Server

	mu     sync.Mutex
	steps  []ParseStep
	inputs []string
	calls  int
}

// NewParseServer starts a fake parse service answering with steps in order.
func NewParseServer(t *testing.T, steps ...ParseStep) *ParseServer {
	t.Helper()
	ps := &ParseServer{steps: steps}
	ps.Server = httptest.NewServer(http.HandlerFunc(ps.handle))
	t.Cleanup(ps.Close)
	return ps
}

func (ps *ParseServer) handle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Input string `json:"input"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	ps.mu.Lock()
	ps.inputs = append(ps.inputs, req.Input)
	step := ParseStep{Status: http.StatusInternalServerError}
	if len(ps.steps) > 0 {
		step = ps.steps[min(ps.calls, len(ps.steps)-1)]
	}
	ps.calls++
	ps.mu.Unlock()

	if step.Delay > 0 {
		select {
		case <-time.After(step.Delay):
		case <-r.Context().Done():
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(step.Status)
	_, _ = w.Write([]byte(step.Body))
}

// Calls returns how many requests the server received.
func (ps *ParseServer) Calls() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.calls
}

// Inputs returns the document URLs received so far.
func (ps *ParseServer) Inputs() []string {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return append([]string(nil), ps.inputs...)
}

// ChunksBody renders a parse response with one chunk per content string.
func ChunksBody(contents ...string) string {
	type chunk struct {
		Content string            `json:"content"`
		Blocks  []json.RawMessage `json:"blocks"`
	}
	out := struct {
		Chunks []chunk `json:"chunks"`
	}{Chunks: []chunk{}}
	for _, c := range contents {
		out.Chunks = append(out.Chunks, chunk{Content: c, Blocks: []json.RawMessage{json.RawMessage(`{"type":"Text"}`)}})
	}
	b, _ := json.Marshal(out)
	return string(b)
}
