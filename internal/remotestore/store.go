// Package remotestore treats a deployment platform's publish target as a
// single-document store: writes are new deployments, reads are plain HTTP
// fetches of the published file.
package remotestore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/deploystore/internal/document"
	"github.com/agentworkforce/deploystore/internal/pipeline"
	"github.com/agentworkforce/deploystore/internal/syncerr"
)

const (
	DefaultProjectName      = "deploydatasave"
	DefaultBaseURL          = "https://deploydatasave.vercel.app"
	DefaultFileName         = "data.json"
	DefaultPropagationDelay = 2 * time.Second
	defaultPollInterval     = 2 * time.Second
	defaultReadTimeout      = 15 * time.Second
	defaultDeploymentWait   = 30 * time.Second
)

// API is the slice of the platform client the store needs.
type API interface {
	GetProject(ctx context.Context, name string) (pipeline.Project, error)
	CreateProject(ctx context.Context, name string) (pipeline.Project, error)
	CreateDeployment(ctx context.Context, req pipeline.DeploymentRequest) (pipeline.Deployment, error)
	GetDeployment(ctx context.Context, id string) (pipeline.Deployment, error)
}

type Logger interface {
	Printf(format string, args ...any)
}

type Config struct {
	ProjectName      string
	BaseURL          string
	FileName         string
	// PropagationDelay is waited out before a read that follows a write.
	// Zero uses DefaultPropagationDelay; a negative value disables the wait.
	PropagationDelay time.Duration
	PollInterval     time.Duration
	// HTTPClient fetches the published file. It never carries the API token.
	HTTPClient *http.Client
	Now        func() time.Time
	Sleep      func(ctx context.Context, d time.Duration) error
	Logger     Logger
}

// PublishTarget is the deployment slot backing the document.
type PublishTarget struct {
	Name    string `json:"name"`
	BaseURL string `json:"baseUrl"`
	Created bool   `json:"created"`
}

// WriteReceipt confirms a publish was accepted. The new version is expected
// to be readable after VisibleAfter has elapsed from AcceptedAt.
type WriteReceipt struct {
	DeploymentID string        `json:"deploymentId"`
	URL          string        `json:"url,omitempty"`
	Version      string        `json:"version"`
	AcceptedAt   time.Time     `json:"acceptedAt"`
	VisibleAfter time.Duration `json:"visibleAfter"`
}

type WriteOptions struct {
	// ExpectVersion rejects the write with syncerr.ErrConflict when the
	// published version differs. Empty skips the check.
	ExpectVersion string
}

type Store struct {
	api              API
	projectName      string
	baseURL          string
	fileName         string
	propagationDelay time.Duration
	pollInterval     time.Duration
	httpClient       *http.Client
	now              func() time.Time
	sleep            func(ctx context.Context, d time.Duration) error
	logger           Logger

	mu          sync.Mutex
	lastWriteAt time.Time
}

func New(api API, cfg Config) *Store {
	projectName := strings.TrimSpace(cfg.ProjectName)
	if projectName == "" {
		projectName = DefaultProjectName
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	fileName := strings.Trim(strings.TrimSpace(cfg.FileName), "/")
	if fileName == "" {
		fileName = DefaultFileName
	}
	propagationDelay := cfg.PropagationDelay
	switch {
	case propagationDelay == 0:
		propagationDelay = DefaultPropagationDelay
	case propagationDelay < 0:
		propagationDelay = 0
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultReadTimeout}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	return &Store{
		api:              api,
		projectName:      projectName,
		baseURL:          baseURL,
		fileName:         fileName,
		propagationDelay: propagationDelay,
		pollInterval:     pollInterval,
		httpClient:       httpClient,
		now:              now,
		sleep:            sleep,
		logger:           cfg.Logger,
	}
}

// ReadURL is the published file location without a cache-busting parameter.
func (s *Store) ReadURL() string {
	return s.baseURL + "/" + s.fileName
}

func (s *Store) Target() PublishTarget {
	return PublishTarget{Name: s.projectName, BaseURL: s.baseURL}
}

// EnsureStoreExists creates the publish target and an empty document when
// the target is missing. Losing a creation race to another writer counts as
// success.
func (s *Store) EnsureStoreExists(ctx context.Context) (PublishTarget, error) {
	target := s.Target()
	_, err := s.api.GetProject(ctx, s.projectName)
	if err == nil {
		return target, nil
	}
	if !syncerr.IsNotFound(err) {
		return PublishTarget{}, fmt.Errorf("check publish target %s: %w", s.projectName, err)
	}
	s.logf("publish target %s not found; creating", s.projectName)
	if _, err := s.api.CreateProject(ctx, s.projectName); err != nil {
		if alreadyExists(err) {
			s.logf("publish target %s already exists; assuming shared target", s.projectName)
			return target, nil
		}
		return PublishTarget{}, fmt.Errorf("create publish target %s: %w", s.projectName, err)
	}
	if _, err := s.WriteDocument(ctx, document.Empty(), WriteOptions{}); err != nil {
		return PublishTarget{}, fmt.Errorf("publish initial document: %w", err)
	}
	target.Created = true
	return target, nil
}

// WriteDocument publishes doc as a new production deployment. It returns once
// the platform accepts the deployment, before the content is servable.
func (s *Store) WriteDocument(ctx context.Context, doc document.Document, opts WriteOptions) (WriteReceipt, error) {
	doc = doc.Normalize()
	if err := s.CheckVersion(ctx, opts.ExpectVersion); err != nil {
		return WriteReceipt{}, err
	}
	acceptedAt := s.now().UTC()
	doc.Version = newVersion()
	doc.UpdatedAt = &acceptedAt
	if err := doc.Validate(); err != nil {
		return WriteReceipt{}, err
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return WriteReceipt{}, syncerr.Wrap(syncerr.ErrSchema, "encode document", err)
	}
	deployment, err := s.api.CreateDeployment(ctx, pipeline.DeploymentRequest{
		Name:   s.projectName,
		Files:  []pipeline.DeploymentFile{{File: s.fileName, Data: string(data)}},
		Target: "production",
		Public: true,
	})
	if err != nil {
		return WriteReceipt{}, fmt.Errorf("publish document: %w", err)
	}
	s.mu.Lock()
	s.lastWriteAt = s.now()
	s.mu.Unlock()
	s.logf("document %s accepted as deployment %s", doc.Version, deployment.ID)
	return WriteReceipt{
		DeploymentID: deployment.ID,
		URL:          deployment.URL,
		Version:      doc.Version,
		AcceptedAt:   acceptedAt,
		VisibleAfter: s.propagationDelay,
	}, nil
}

// CheckVersion fails with syncerr.ErrConflict unless the published document
// carries expected. An empty expected always passes.
func (s *Store) CheckVersion(ctx context.Context, expected string) error {
	expected = strings.TrimSpace(expected)
	if expected == "" {
		return nil
	}
	current, err := s.ReadDocument(ctx)
	if err != nil {
		return fmt.Errorf("read current version: %w", err)
	}
	if current.Version != expected {
		return &syncerr.Error{
			Kind:    syncerr.ErrConflict,
			Op:      "write document",
			Message: fmt.Sprintf("published version %q does not match expected %q", current.Version, expected),
		}
	}
	return nil
}

// ReadDocument fetches the published document. A read shortly after a write
// from this store first waits out the propagation delay; it may still see the
// previous version.
func (s *Store) ReadDocument(ctx context.Context) (document.Document, error) {
	if err := s.waitForPropagation(ctx); err != nil {
		return document.Document{}, err
	}
	primaryURL := s.ReadURL() + "?t=" + strconv.FormatInt(s.now().UnixMilli(), 10)
	doc, err := s.fetch(ctx, primaryURL)
	if err == nil {
		return doc, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return document.Document{}, ctxErr
	}
	s.logf("read %s failed; retrying without cache buster: %v", s.ReadURL(), err)
	doc, secondErr := s.fetch(ctx, s.ReadURL())
	if secondErr == nil {
		return doc, nil
	}
	return document.Document{}, err
}

// WaitForDeployment polls until the deployment is ready, failed, or maxWait
// has elapsed.
func (s *Store) WaitForDeployment(ctx context.Context, id string, maxWait time.Duration) (pipeline.Deployment, error) {
	if maxWait <= 0 {
		maxWait = defaultDeploymentWait
	}
	deadline := s.now().Add(maxWait)
	for {
		deployment, err := s.api.GetDeployment(ctx, id)
		if err != nil {
			if !s.now().Before(deadline) {
				return pipeline.Deployment{}, syncerr.Wrap(syncerr.ErrTimeout, "wait for deployment "+id, err)
			}
			return pipeline.Deployment{}, err
		}
		switch deployment.ReadyState {
		case pipeline.ReadyStateReady:
			return deployment, nil
		case pipeline.ReadyStateError, pipeline.ReadyStateCanceled:
			return deployment, syncerr.New(syncerr.ErrServer, "wait for deployment "+id, "deployment "+strings.ToLower(deployment.ReadyState))
		}
		if !s.now().Before(deadline) {
			return deployment, syncerr.New(syncerr.ErrTimeout, "wait for deployment "+id, "deployment timeout after "+maxWait.String())
		}
		if err := s.sleep(ctx, s.pollInterval); err != nil {
			return deployment, err
		}
	}
}

// WaitUntilVisible polls the published file until it carries version.
func (s *Store) WaitUntilVisible(ctx context.Context, version string, maxWait time.Duration) (document.Document, error) {
	if maxWait <= 0 {
		maxWait = defaultDeploymentWait
	}
	deadline := s.now().Add(maxWait)
	var lastErr error
	for {
		doc, err := s.ReadDocument(ctx)
		if err == nil && doc.Version == version {
			return doc, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return document.Document{}, ctxErr
		}
		lastErr = err
		if !s.now().Before(deadline) {
			timeout := syncerr.New(syncerr.ErrTimeout, "wait for version "+version, "version not visible after "+maxWait.String())
			timeout.Err = lastErr
			return document.Document{}, timeout
		}
		if err := s.sleep(ctx, s.pollInterval); err != nil {
			return document.Document{}, err
		}
	}
}

func (s *Store) waitForPropagation(ctx context.Context) error {
	s.mu.Lock()
	lastWriteAt := s.lastWriteAt
	s.mu.Unlock()
	if lastWriteAt.IsZero() || s.propagationDelay <= 0 {
		return nil
	}
	remaining := lastWriteAt.Add(s.propagationDelay).Sub(s.now())
	if remaining <= 0 {
		return nil
	}
	return s.sleep(ctx, remaining)
}

func (s *Store) fetch(ctx context.Context, target string) (document.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return document.Document{}, syncerr.Wrap(syncerr.ErrClient, "read document", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-cache")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return document.Document{}, syncerr.Wrap(syncerr.ErrNetwork, "read document", err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return document.Document{}, syncerr.Wrap(syncerr.ErrNetwork, "read document", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return document.Document{}, syncerr.FromStatus("read document", resp.StatusCode, "", "")
	}
	return document.Parse(payload)
}

func (s *Store) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

func alreadyExists(err error) bool {
	if syncerr.StatusCode(err) == http.StatusConflict {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "already exists")
}

func newVersion() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
