// Package docsync reconciles the remote store with the local cache tiers.
//
// Loads prefer fresh memory, then the remote document, then the last durable
// snapshot, then an empty document, and never fail. Saves land in the durable
// cache before the remote write so a failed publish loses nothing.
package docsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/deploystore/internal/cache"
	"github.com/agentworkforce/deploystore/internal/document"
	"github.com/agentworkforce/deploystore/internal/persist"
	"github.com/agentworkforce/deploystore/internal/remotestore"
)

const (
	DefaultDocumentKey = "deployData"
	defaultSettleAfter = 3 * time.Second
)

var (
	// ErrRemoteSave matches a SaveError whose remote publish failed.
	ErrRemoteSave = errors.New("remote save failed")
	// ErrLocalSave matches a SaveError whose durable write failed.
	ErrLocalSave = errors.New("local save failed")
)

// Remote is the part of the remote store the coordinator drives.
type Remote interface {
	ReadURL() string
	ReadDocument(ctx context.Context) (document.Document, error)
	CheckVersion(ctx context.Context, expected string) error
	WriteDocument(ctx context.Context, doc document.Document, opts remotestore.WriteOptions) (remotestore.WriteReceipt, error)
	EnsureStoreExists(ctx context.Context) (remotestore.PublishTarget, error)
}

type Logger interface {
	Printf(format string, args ...any)
}

type Source string

const (
	SourceMemory     Source = "memory"
	SourceRemote     Source = "remote"
	SourcePersistent Source = "persistent"
	SourceDefault    Source = "default"
)

// LoadResult is always usable. Stale is set when the remote could not be
// read; Err then carries the cause.
type LoadResult struct {
	Document document.Document
	Source   Source
	Stale    bool
	CachedAt time.Time
	Err      error
}

type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StateSuccess State = "success"
	StateError   State = "error"
)

type Status struct {
	State      State     `json:"state"`
	Op         string    `json:"op,omitempty"`
	LastError  string    `json:"lastError,omitempty"`
	LastSyncAt time.Time `json:"lastSyncAt,omitempty"`
	LastSource Source    `json:"lastSource,omitempty"`
}

// SaveError reports a partially failed save. LocalDurable says whether the
// document reached the persistent cache.
type SaveError struct {
	LocalDurable bool
	RemoteErr    error
	LocalErr     error
}

func (e *SaveError) Error() string {
	var parts []string
	if e.RemoteErr != nil {
		parts = append(parts, "remote save: "+e.RemoteErr.Error())
	}
	if e.LocalErr != nil {
		parts = append(parts, "local save: "+e.LocalErr.Error())
	}
	if e.LocalDurable {
		parts = append(parts, "document kept in persistent cache")
	}
	return strings.Join(parts, "; ")
}

func (e *SaveError) Is(target error) bool {
	switch target {
	case ErrRemoteSave:
		return e.RemoteErr != nil
	case ErrLocalSave:
		return e.LocalErr != nil
	}
	return false
}

func (e *SaveError) Unwrap() []error {
	var errs []error
	if e.RemoteErr != nil {
		errs = append(errs, e.RemoteErr)
	}
	if e.LocalErr != nil {
		errs = append(errs, e.LocalErr)
	}
	return errs
}

type Options struct {
	// DocumentKey names the snapshot in the persistent cache.
	DocumentKey string
	// SettleAfter is how long Success or Error is reported before Status
	// falls back to Idle.
	SettleAfter time.Duration
	Now         func() time.Time
	Logger      Logger
	Observers   []Observer
}

// snapshot is the persisted form of the last known document.
type snapshot struct {
	Document document.Document `json:"document"`
	CachedAt time.Time         `json:"cachedAt"`
}

type Coordinator struct {
	remote      Remote
	local       *cache.LocalCache
	persistent  *persist.Cache
	documentKey string
	settleAfter time.Duration
	now         func() time.Time
	logger      Logger
	events      broadcaster

	// cycle serializes load and save cycles.
	cycle sync.Mutex

	statusMu   sync.Mutex
	status     Status
	finishedAt time.Time
}

func New(remote Remote, local *cache.LocalCache, persistent *persist.Cache, opts Options) *Coordinator {
	documentKey := strings.TrimSpace(opts.DocumentKey)
	if documentKey == "" {
		documentKey = DefaultDocumentKey
	}
	settleAfter := opts.SettleAfter
	if settleAfter <= 0 {
		settleAfter = defaultSettleAfter
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if local == nil {
		local = cache.New(cache.Options{Now: now})
	}
	c := &Coordinator{
		remote:      remote,
		local:       local,
		persistent:  persistent,
		documentKey: documentKey,
		settleAfter: settleAfter,
		now:         now,
		logger:      opts.Logger,
		status:      Status{State: StateIdle},
	}
	for _, o := range opts.Observers {
		c.events.addObserver(o)
	}
	return c
}

func (c *Coordinator) AddObserver(o Observer) {
	c.events.addObserver(o)
}

// Subscribe returns a channel of events and a cancel func that closes it.
func (c *Coordinator) Subscribe(buffer int) (<-chan Event, func()) {
	return c.events.subscribe(buffer)
}

// RateLimited reports a quota wait. It fits pipeline.WindowOptions.OnWait.
func (c *Coordinator) RateLimited(wait time.Duration) {
	c.emit(Event{Type: EventRateLimited, Wait: wait})
}

func (c *Coordinator) Status() Status {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	status := c.status
	if (status.State == StateSuccess || status.State == StateError) &&
		c.now().Sub(c.finishedAt) >= c.settleAfter {
		status.State = StateIdle
	}
	return status
}

// LoadAll returns the best available document. It never fails; degraded
// results are marked Stale.
func (c *Coordinator) LoadAll(ctx context.Context) LoadResult {
	c.cycle.Lock()
	defer c.cycle.Unlock()

	if doc, ok := c.local.Get(c.remote.ReadURL()); ok {
		c.recordSource(SourceMemory)
		return LoadResult{Document: doc, Source: SourceMemory}
	}
	result := c.loadRemote(ctx)
	c.recordSource(result.Source)
	return result
}

// Refresh bypasses the memory tier and runs a full read cycle with events.
func (c *Coordinator) Refresh(ctx context.Context) LoadResult {
	c.cycle.Lock()
	defer c.cycle.Unlock()

	const op = "refresh"
	c.begin(op)
	result := c.loadRemote(ctx)
	c.recordSource(result.Source)
	if result.Err != nil {
		c.fail(op, result.Err)
	} else {
		c.succeed(op)
	}
	return result
}

// SaveAll writes doc to the persistent cache, then the memory cache, then the
// remote store. A failed remote write leaves the document durable locally and
// is reported as a *SaveError matching ErrRemoteSave. A non-empty
// opts.ExpectVersion is checked before either local tier is touched.
func (c *Coordinator) SaveAll(ctx context.Context, doc document.Document, opts remotestore.WriteOptions) (remotestore.WriteReceipt, error) {
	c.cycle.Lock()
	defer c.cycle.Unlock()

	const op = "save"
	c.begin(op)
	doc = doc.Normalize()
	if err := doc.Validate(); err != nil {
		c.fail(op, err)
		return remotestore.WriteReceipt{}, err
	}

	if expected := opts.ExpectVersion; expected != "" {
		if err := c.remote.CheckVersion(ctx, expected); err != nil {
			c.fail(op, err)
			return remotestore.WriteReceipt{}, err
		}
		opts.ExpectVersion = ""
	}

	readURL := c.remote.ReadURL()
	localErr := c.storeSnapshot(ctx, doc)
	if localErr != nil {
		c.logf("persistent save failed; still publishing: %v", localErr)
	} else {
		c.emit(Event{Type: EventProgress, Op: op, Done: 1, Total: 2})
	}
	c.local.Set(readURL, doc)

	receipt, remoteErr := c.remote.WriteDocument(ctx, doc, opts)
	if remoteErr != nil {
		// Unpublished content must not be served as a fresh memory hit.
		c.local.Delete(readURL)
		saveErr := &SaveError{LocalDurable: localErr == nil, RemoteErr: remoteErr, LocalErr: localErr}
		c.fail(op, saveErr)
		return remotestore.WriteReceipt{}, saveErr
	}

	doc.Version = receipt.Version
	acceptedAt := receipt.AcceptedAt
	doc.UpdatedAt = &acceptedAt
	c.local.Set(readURL, doc)
	if localErr == nil {
		if err := c.storeSnapshot(ctx, doc); err != nil {
			c.logf("persistent save of stamped version failed: %v", err)
		}
	}
	c.emit(Event{Type: EventProgress, Op: op, Done: 2, Total: 2})

	if localErr != nil {
		saveErr := &SaveError{LocalErr: localErr}
		c.fail(op, saveErr)
		return receipt, saveErr
	}
	c.succeed(op)
	return receipt, nil
}

// Restore replaces the persisted snapshot without publishing it. Loads only
// return it while the remote store is unreachable; the next successful remote
// read or SaveAll supersedes it.
func (c *Coordinator) Restore(ctx context.Context, doc document.Document) error {
	c.cycle.Lock()
	defer c.cycle.Unlock()

	doc = doc.Normalize()
	if err := doc.Validate(); err != nil {
		return err
	}
	if err := c.storeSnapshot(ctx, doc); err != nil {
		return errors.Join(ErrLocalSave, err)
	}
	c.local.Delete(c.remote.ReadURL())
	return nil
}

// EnsureStore makes sure the remote publish target exists.
func (c *Coordinator) EnsureStore(ctx context.Context) (remotestore.PublishTarget, error) {
	c.cycle.Lock()
	defer c.cycle.Unlock()

	const op = "ensure"
	c.begin(op)
	target, err := c.remote.EnsureStoreExists(ctx)
	if err != nil {
		c.fail(op, err)
		return remotestore.PublishTarget{}, err
	}
	c.succeed(op)
	return target, nil
}

func (c *Coordinator) loadRemote(ctx context.Context) LoadResult {
	doc, err := c.remote.ReadDocument(ctx)
	if err == nil {
		if storeErr := c.storeSnapshot(ctx, doc); storeErr != nil {
			c.logf("persistent cache update failed: %v", storeErr)
		}
		c.local.Set(c.remote.ReadURL(), doc)
		return LoadResult{Document: doc, Source: SourceRemote}
	}

	c.logf("remote read failed; using persistent cache: %v", err)
	snap, ok, snapErr := c.loadSnapshot(ctx)
	if snapErr != nil {
		c.logf("persistent cache read failed: %v", snapErr)
	}
	if ok {
		return LoadResult{
			Document: snap.Document.Normalize(),
			Source:   SourcePersistent,
			Stale:    true,
			CachedAt: snap.CachedAt,
			Err:      err,
		}
	}
	c.logf("no cached document; using empty default")
	return LoadResult{Document: document.Empty(), Source: SourceDefault, Stale: true, Err: err}
}

func (c *Coordinator) storeSnapshot(ctx context.Context, doc document.Document) error {
	if c.persistent == nil {
		return nil
	}
	return c.persistent.Set(ctx, c.documentKey, snapshot{Document: doc, CachedAt: c.now().UTC()})
}

func (c *Coordinator) loadSnapshot(ctx context.Context) (snapshot, bool, error) {
	var snap snapshot
	if c.persistent == nil {
		return snap, false, nil
	}
	ok, err := c.persistent.Get(ctx, c.documentKey, &snap)
	if err != nil {
		return snapshot{}, false, err
	}
	return snap, ok, nil
}

func (c *Coordinator) begin(op string) {
	c.statusMu.Lock()
	c.status.State = StateSyncing
	c.status.Op = op
	c.statusMu.Unlock()
	c.emit(Event{Type: EventStarted, Op: op})
}

func (c *Coordinator) succeed(op string) {
	now := c.now()
	c.statusMu.Lock()
	c.status.State = StateSuccess
	c.status.LastError = ""
	c.status.LastSyncAt = now
	c.finishedAt = now
	c.statusMu.Unlock()
	c.emit(Event{Type: EventSucceeded, Op: op})
}

func (c *Coordinator) fail(op string, err error) {
	now := c.now()
	reason := fmt.Sprint(err)
	c.statusMu.Lock()
	c.status.State = StateError
	c.status.LastError = reason
	c.finishedAt = now
	c.statusMu.Unlock()
	c.emit(Event{Type: EventFailed, Op: op, Reason: reason})
}

func (c *Coordinator) recordSource(source Source) {
	c.statusMu.Lock()
	c.status.LastSource = source
	c.statusMu.Unlock()
}

func (c *Coordinator) emit(e Event) {
	if e.At.IsZero() {
		e.At = c.now().UTC()
	}
	c.events.publish(e)
}

func (c *Coordinator) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}
