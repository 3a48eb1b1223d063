package helpers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zhongli1990/saas-codex/backend/internal/runnerclient"
	"github.com/zhongli1990/saas-codex/internal/envelope"
)

// FakeRunner serves the runner HTTP surface from memory. Every run streams
// the same canned events.
type FakeRunner struct {
	mu      sync.Mutex
	threads map[string]string
	events  string
	nextID  int
	server  *httptest.Server
}

// NewFakeRunner starts a FakeRunner closed at test cleanup.
func NewFakeRunner(t *testing.T) *FakeRunner {
	t.Helper()
	f := &FakeRunner{threads: make(map[string]string)}
	f.server = httptest.NewServer(f)
	t.Cleanup(f.server.Close)
	return f
}

// Client returns a runner client pointed at the fake.
func (f *FakeRunner) Client() *runnerclient.Client {
	return runnerclient.NewClient(f.server.URL, time.Second, 5*time.Second)
}

// Pool returns a pool serving only the codex runner type.
func (f *FakeRunner) Pool() *runnerclient.Pool {
	return runnerclient.NewPool(map[string]*runnerclient.Client{"codex": f.Client()})
}

// SetEvents replaces the canned event stream.
func (f *FakeRunner) SetEvents(body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = body
}

// Forget drops a thread so the next run on it gets a 404.
func (f *FakeRunner) Forget(threadID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.threads, threadID)
}

// ThreadDir returns the working directory a thread was created with.
func (f *FakeRunner) ThreadDir(threadID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.threads[threadID]
}

func (f *FakeRunner) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/health":
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	case r.Method == http.MethodPost && r.URL.Path == "/threads":
		var body struct {
			WorkingDirectory string `json:"workingDirectory"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.nextID++
		id := fmt.Sprintf("thread-%d", f.nextID)
		f.threads[id] = body.WorkingDirectory
		_, _ = fmt.Fprintf(w, `{"threadId":%q}`, id)
	case r.Method == http.MethodPost && r.URL.Path == "/runs":
		var body struct {
			ThreadID string `json:"threadId"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if _, ok := f.threads[body.ThreadID]; !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"thread not found"}`))
			return
		}
		f.nextID++
		_, _ = fmt.Fprintf(w, `{"runId":"upstream-%d"}`, f.nextID)
	case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/events"):
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(f.events))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// Frames renders an upstream stream of the given event types, preceded by
// the connected comment.
func Frames(t *testing.T, types ...string) string {
	t.Helper()
	var b strings.Builder
	b.Write(envelope.ConnectedFrame)
	for i, typ := range types {
		var payload interface{}
		switch typ {
		case envelope.TypeUserMessage:
			payload = envelope.TextPayload{Text: "hi"}
		case envelope.TypeAssistantDelta:
			payload = envelope.DeltaPayload{TextDelta: "hel"}
		case envelope.TypeAssistantFinal:
			payload = envelope.FinalPayload{Text: "hello", Format: "markdown"}
		default:
			payload = map[string]string{}
		}
		env, err := envelope.New("upstream", "codex", typ, int64(i), payload)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		frame, err := envelope.Encode(env)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		b.Write(frame)
	}
	return b.String()
}
