package remotestore

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/deploystore/internal/document"
	"github.com/agentworkforce/deploystore/internal/pipeline"
	"github.com/agentworkforce/deploystore/internal/syncerr"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

// fakePlatform serves both the management API and the published file.
type fakePlatform struct {
	mu               sync.Mutex
	projectExists    bool
	createStatus     int
	createMessage    string
	published        []byte
	deployments      int
	readyStates      []string
	bustedReadStatus int
	plainReadStatus  int
	readQueries      []string
}

func (p *fakePlatform) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/v9/projects/"):
		if !p.projectExists {
			writeAPIError(w, http.StatusNotFound, "not_found", "Project not found")
			return
		}
		writeJSON(w, http.StatusOK, pipeline.Project{ID: "prj_1", Name: DefaultProjectName})
	case r.Method == http.MethodPost && r.URL.Path == "/v9/projects":
		if p.createStatus != 0 {
			writeAPIError(w, p.createStatus, "conflict", p.createMessage)
			return
		}
		p.projectExists = true
		writeJSON(w, http.StatusOK, pipeline.Project{ID: "prj_1", Name: DefaultProjectName})
	case r.Method == http.MethodPost && r.URL.Path == "/v13/deployments":
		var req pipeline.DeploymentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Files) != 1 {
			writeAPIError(w, http.StatusBadRequest, "bad_request", "invalid deployment")
			return
		}
		p.deployments++
		p.published = []byte(req.Files[0].Data)
		writeJSON(w, http.StatusOK, pipeline.Deployment{ID: "dpl_1", URL: "deploy.example", ReadyState: pipeline.ReadyStateQueued})
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/v13/deployments/"):
		state := pipeline.ReadyStateBuilding
		if len(p.readyStates) > 0 {
			state = p.readyStates[0]
			p.readyStates = p.readyStates[1:]
		}
		writeJSON(w, http.StatusOK, pipeline.Deployment{ID: "dpl_1", ReadyState: state})
	case r.Method == http.MethodGet && r.URL.Path == "/"+DefaultFileName:
		p.readQueries = append(p.readQueries, r.URL.RawQuery)
		status := p.plainReadStatus
		if r.URL.Query().Get("t") != "" {
			status = p.bustedReadStatus
		}
		if status != 0 {
			w.WriteHeader(status)
			return
		}
		if p.published == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(p.published)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (p *fakePlatform) snapshot() (deployments int, queries []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deployments, append([]string(nil), p.readQueries...)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{"error": map[string]string{"code": code, "message": message}})
}

func newTestStore(t *testing.T, platform *fakePlatform) (*Store, *fakeClock) {
	t.Helper()
	server := httptest.NewServer(platform)
	t.Cleanup(server.Close)
	clock := newFakeClock()
	session := pipeline.NewSession("token_123", "", pipeline.WindowOptions{
		Budget: 1000,
		Window: time.Minute,
		Now:    clock.Now,
		Sleep:  clock.Sleep,
	})
	client := pipeline.NewClient(session, pipeline.Options{
		BaseURL:     server.URL,
		MaxAttempts: 1,
		Sleep:       clock.Sleep,
		Now:         clock.Now,
	})
	store := New(client, Config{
		BaseURL:          server.URL,
		PropagationDelay: 2 * time.Second,
		HTTPClient:       server.Client(),
		Now:              clock.Now,
		Sleep:            clock.Sleep,
	})
	return store, clock
}

func sampleDocument() document.Document {
	doc := document.Empty()
	doc.Projects = []document.Record{{"id": "p1", "name": "alpha"}}
	doc.Offers = []document.Record{{"id": "o1", "price": float64(12)}}
	return doc
}

func TestEnsureStoreExistsKeepsExistingTarget(t *testing.T) {
	platform := &fakePlatform{projectExists: true}
	store, _ := newTestStore(t, platform)

	target, err := store.EnsureStoreExists(context.Background())
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if target.Created {
		t.Fatalf("expected existing target not to be created")
	}
	if deployments, _ := platform.snapshot(); deployments != 0 {
		t.Fatalf("expected no deployments, got %d", deployments)
	}
}

func TestEnsureStoreExistsCreatesAndPublishesEmptyDocument(t *testing.T) {
	platform := &fakePlatform{}
	store, _ := newTestStore(t, platform)

	target, err := store.EnsureStoreExists(context.Background())
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if !target.Created {
		t.Fatalf("expected target to be created")
	}
	doc, err := store.ReadDocument(context.Background())
	if err != nil {
		t.Fatalf("read after ensure failed: %v", err)
	}
	if len(doc.Projects) != 0 || len(doc.Folders) != 0 || len(doc.Offers) != 0 {
		t.Fatalf("expected empty document, got %+v", doc)
	}
	if doc.Version == "" {
		t.Fatalf("expected initial document to carry a version")
	}
}

func TestEnsureStoreExistsTreatsAlreadyExistsAsSuccess(t *testing.T) {
	platform := &fakePlatform{createStatus: http.StatusBadRequest, createMessage: "A project with that name already exists"}
	store, _ := newTestStore(t, platform)

	target, err := store.EnsureStoreExists(context.Background())
	if err != nil {
		t.Fatalf("expected already-exists to be success, got %v", err)
	}
	if target.Created {
		t.Fatalf("expected created=false when another writer won")
	}
	if deployments, _ := platform.snapshot(); deployments != 0 {
		t.Fatalf("expected no initial publish, got %d deployments", deployments)
	}
}

func TestEnsureStoreExistsSurfacesOtherCreateFailures(t *testing.T) {
	platform := &fakePlatform{createStatus: http.StatusBadRequest, createMessage: "invalid name"}
	store, _ := newTestStore(t, platform)

	_, err := store.EnsureStoreExists(context.Background())
	if !errors.Is(err, syncerr.ErrClient) {
		t.Fatalf("expected client error, got %v", err)
	}
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	platform := &fakePlatform{projectExists: true}
	store, clock := newTestStore(t, platform)

	receipt, err := store.WriteDocument(context.Background(), sampleDocument(), WriteOptions{})
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if receipt.DeploymentID != "dpl_1" || receipt.Version == "" || receipt.VisibleAfter != 2*time.Second {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}

	doc, err := store.ReadDocument(context.Background())
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !document.SameContent(doc, sampleDocument()) {
		t.Fatalf("expected round-tripped content, got %+v", doc)
	}
	if doc.Version != receipt.Version {
		t.Fatalf("expected version %q, got %q", receipt.Version, doc.Version)
	}
	if doc.UpdatedAt == nil {
		t.Fatalf("expected updatedAt to be stamped")
	}
	sleeps := clock.Sleeps()
	if len(sleeps) != 1 || sleeps[0] != 2*time.Second {
		t.Fatalf("expected one propagation wait of 2s, got %v", sleeps)
	}
	_, queries := platform.snapshot()
	if len(queries) != 1 || !strings.HasPrefix(queries[0], "t=") {
		t.Fatalf("expected cache-busted read, got %v", queries)
	}
}

func TestReadFallsBackWithoutCacheBuster(t *testing.T) {
	platform := &fakePlatform{projectExists: true, bustedReadStatus: http.StatusBadGateway}
	store, _ := newTestStore(t, platform)
	if _, err := store.WriteDocument(context.Background(), sampleDocument(), WriteOptions{}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	doc, err := store.ReadDocument(context.Background())
	if err != nil {
		t.Fatalf("expected fallback read to succeed, got %v", err)
	}
	if !document.SameContent(doc, sampleDocument()) {
		t.Fatalf("unexpected document: %+v", doc)
	}
	_, queries := platform.snapshot()
	if len(queries) != 2 || queries[1] != "" {
		t.Fatalf("expected busted then plain read, got %v", queries)
	}
}

func TestReadReturnsPrimaryErrorWhenBothAttemptsFail(t *testing.T) {
	platform := &fakePlatform{bustedReadStatus: http.StatusBadGateway, plainReadStatus: http.StatusNotFound}
	store, _ := newTestStore(t, platform)

	_, err := store.ReadDocument(context.Background())
	if !errors.Is(err, syncerr.ErrServer) {
		t.Fatalf("expected primary server error, got %v", err)
	}
	if syncerr.StatusCode(err) != http.StatusBadGateway {
		t.Fatalf("expected status 502, got %d", syncerr.StatusCode(err))
	}
}

func TestReadRejectsMalformedDocument(t *testing.T) {
	platform := &fakePlatform{published: []byte(`{"projects":[],"folders":[]}`)}
	store, _ := newTestStore(t, platform)

	_, err := store.ReadDocument(context.Background())
	if !errors.Is(err, syncerr.ErrSchema) {
		t.Fatalf("expected schema error, got %v", err)
	}
}

func TestWriteRejectsVersionMismatch(t *testing.T) {
	platform := &fakePlatform{projectExists: true}
	store, _ := newTestStore(t, platform)
	first, err := store.WriteDocument(context.Background(), sampleDocument(), WriteOptions{})
	if err != nil {
		t.Fatalf("seed write failed: %v", err)
	}

	_, err = store.WriteDocument(context.Background(), document.Empty(), WriteOptions{ExpectVersion: "stale-version"})
	if !errors.Is(err, syncerr.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if deployments, _ := platform.snapshot(); deployments != 1 {
		t.Fatalf("expected rejected write not to publish, got %d deployments", deployments)
	}

	if _, err := store.WriteDocument(context.Background(), document.Empty(), WriteOptions{ExpectVersion: first.Version}); err != nil {
		t.Fatalf("expected matching version to be accepted, got %v", err)
	}
}

func TestCheckVersionWithoutExpectationSkipsRead(t *testing.T) {
	platform := &fakePlatform{projectExists: true, plainReadStatus: http.StatusBadGateway, bustedReadStatus: http.StatusBadGateway}
	store, _ := newTestStore(t, platform)

	if err := store.CheckVersion(context.Background(), "  "); err != nil {
		t.Fatalf("expected empty expectation to pass, got %v", err)
	}
	if _, queries := platform.snapshot(); len(queries) != 0 {
		t.Fatalf("expected no reads, got %v", queries)
	}
	if err := store.CheckVersion(context.Background(), "v1"); err == nil || errors.Is(err, syncerr.ErrConflict) {
		t.Fatalf("expected read failure to be reported as such, got %v", err)
	}
}

func TestWaitForDeploymentPollsUntilReady(t *testing.T) {
	platform := &fakePlatform{readyStates: []string{pipeline.ReadyStateQueued, pipeline.ReadyStateBuilding, pipeline.ReadyStateReady}}
	store, clock := newTestStore(t, platform)

	deployment, err := store.WaitForDeployment(context.Background(), "dpl_1", 30*time.Second)
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if deployment.ReadyState != pipeline.ReadyStateReady {
		t.Fatalf("expected ready deployment, got %+v", deployment)
	}
	if sleeps := clock.Sleeps(); len(sleeps) != 2 {
		t.Fatalf("expected two poll intervals, got %v", sleeps)
	}
}

func TestWaitForDeploymentTimesOut(t *testing.T) {
	platform := &fakePlatform{}
	store, _ := newTestStore(t, platform)

	_, err := store.WaitForDeployment(context.Background(), "dpl_1", 5*time.Second)
	if !errors.Is(err, syncerr.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestWaitForDeploymentReportsFailedBuild(t *testing.T) {
	platform := &fakePlatform{readyStates: []string{pipeline.ReadyStateError}}
	store, _ := newTestStore(t, platform)

	_, err := store.WaitForDeployment(context.Background(), "dpl_1", 5*time.Second)
	if !errors.Is(err, syncerr.ErrServer) {
		t.Fatalf("expected server error for failed build, got %v", err)
	}
}

func TestWaitUntilVisibleReturnsMatchingVersion(t *testing.T) {
	platform := &fakePlatform{projectExists: true}
	store, _ := newTestStore(t, platform)
	receipt, err := store.WriteDocument(context.Background(), sampleDocument(), WriteOptions{})
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}

	doc, err := store.WaitUntilVisible(context.Background(), receipt.Version, 10*time.Second)
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if doc.Version != receipt.Version {
		t.Fatalf("expected version %q, got %q", receipt.Version, doc.Version)
	}

	_, err = store.WaitUntilVisible(context.Background(), "never-published", 4*time.Second)
	if !errors.Is(err, syncerr.ErrTimeout) {
		t.Fatalf("expected timeout for unknown version, got %v", err)
	}
}
