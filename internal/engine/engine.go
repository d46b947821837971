// Package engine composes the store, offline cache, outbox, and
// connectivity bridge into the single API the UI talks to. An Engine owns
// the store handle: Open attaches it and Close detaches it.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mesh-intelligence/satchel/internal/cache"
	"github.com/mesh-intelligence/satchel/internal/config"
	"github.com/mesh-intelligence/satchel/internal/connectivity"
	"github.com/mesh-intelligence/satchel/internal/logging"
	"github.com/mesh-intelligence/satchel/internal/outbox"
	"github.com/mesh-intelligence/satchel/internal/paths"
	"github.com/mesh-intelligence/satchel/internal/remote"
	"github.com/mesh-intelligence/satchel/internal/store"
	"github.com/mesh-intelligence/satchel/pkg/types"
)

// ErrStarted is returned by Start on an engine that is already running.
var ErrStarted = errors.New("engine already started")

// Engine is the client façade.
type Engine struct {
	cfg       config.Config
	store     types.Store
	remote    types.Remote
	hasRemote bool
	cache     *cache.Manager
	outbox    *outbox.Queue
	bridge    *connectivity.Bridge
	prober    *connectivity.Prober
	logger    *slog.Logger
	syncTags  map[string]bool

	mu          sync.Mutex
	cancel      context.CancelFunc
	unsubscribe func()
	closed      bool

	runMu    sync.Mutex
	stopping bool
	wg       sync.WaitGroup
}

type options struct {
	remote types.Remote
	logger *slog.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

// Option configures Open.
type Option func(*options)

// WithRemote replaces the HTTP client built from remote.base_url.
func WithRemote(r types.Remote) Option {
	return func(o *options) { o.remote = r }
}

// WithLogger sets the logger shared by every component.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithClock replaces time.Now in the cache and outbox.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithSleep replaces the wait between delivery attempts.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *options) { o.sleep = sleep }
}

// Open attaches the configured store and wires the components. The engine
// starts offline; Start or SyncNow probes the remote.
func Open(cfg config.Config, opts ...Option) (*Engine, error) {
	o := options{logger: logging.Discard(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	dataDir, err := paths.ResolveDataDir("", cfg.DataDir)
	if err != nil {
		return nil, err
	}
	cfg.DataDir = dataDir
	mediaDir := cfg.Cache.MediaDir
	if mediaDir == "" {
		if mediaDir, err = paths.DefaultMediaDir(); err != nil {
			return nil, err
		}
	}

	e := &Engine{
		cfg:      cfg,
		logger:   o.logger,
		syncTags: make(map[string]bool, len(cfg.Connectivity.SyncTags)),
	}
	for _, tag := range cfg.Connectivity.SyncTags {
		e.syncTags[tag] = true
	}

	switch {
	case o.remote != nil:
		e.remote, e.hasRemote = o.remote, true
	case cfg.Remote.BaseURL != "":
		e.remote = remote.NewClient(cfg.Remote.BaseURL,
			remote.WithToken(cfg.Remote.Token),
			remote.WithTimeout(cfg.Remote.Timeout))
		e.hasRemote = true
	default:
		e.remote = noRemote{}
	}

	e.store, err = store.Open(cfg.Store())
	if err != nil {
		return nil, err
	}

	e.bridge = connectivity.NewBridge(false, o.logger)
	e.prober = &connectivity.Prober{
		Pinger:   e.remote,
		Bridge:   e.bridge,
		Interval: cfg.Connectivity.ProbeInterval,
		Timeout:  cfg.Remote.Timeout,
		Logger:   o.logger,
	}
	e.cache = cache.New(e.store,
		cache.WithTTL(cfg.Cache.TTL),
		cache.WithQuota(cfg.Cache.QuotaBytes),
		cache.WithClock(o.now),
		cache.WithLogger(o.logger),
		cache.WithMedia(e.remote, e.remote),
		cache.WithHandleDir(mediaDir),
	)
	e.outbox = outbox.New(e.store, e.remote,
		outbox.WithRetry(outbox.Retry{
			Attempts:  cfg.Outbox.MaxAttempts,
			BaseDelay: cfg.Outbox.BaseDelay,
			Sleep:     o.sleep,
		}),
		outbox.WithOnline(e.bridge.IsOnline),
		outbox.WithClock(o.now),
		outbox.WithLogger(o.logger),
	)
	return e, nil
}

// Start subscribes to connectivity events and launches the background
// workers: the prober, the wake listener when remote.wake_url is set, and
// the cleanup ticker when cache.cleanup_interval is positive. Coming online
// sweeps expired routines and then drains the outbox; a wake with one of
// the configured sync tags drains. Start also sweeps once right away.
// Workers stop when ctx ends or Close is called.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return types.ErrStoreDetached
	}
	if e.cancel != nil {
		return ErrStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.unsubscribe = e.bridge.Subscribe(func(ev connectivity.Event) {
		e.handle(ctx, ev)
	})

	e.goRun(func() { e.cleanup(ctx) })
	if e.hasRemote {
		e.goRun(func() { _ = e.prober.Run(ctx) })
	}
	if e.hasRemote && e.cfg.Remote.WakeURL != "" {
		w := &connectivity.WakeListener{
			URL:    e.cfg.Remote.WakeURL,
			Token:  e.cfg.Remote.Token,
			Bridge: e.bridge,
			Logger: e.logger,
		}
		e.goRun(func() { _ = w.Run(ctx) })
	}
	if interval := e.cfg.Cache.CleanupInterval; interval > 0 {
		e.goRun(func() { e.cleanupLoop(ctx, interval) })
	}
	e.logger.Info("engine started", "owner", e.cfg.OwnerID, "remote", e.hasRemote)
	return nil
}

// handle runs off the emitting goroutine so slow drains never stall the
// prober or wake listener.
func (e *Engine) handle(ctx context.Context, ev connectivity.Event) {
	switch ev.Type {
	case connectivity.EventOnline:
		e.goRun(func() {
			e.cleanup(ctx)
			e.drain(ctx)
		})
	case connectivity.EventWake:
		if !e.syncTags[ev.Tag] {
			e.logger.Debug("wake tag ignored", "tag", ev.Tag)
			return
		}
		e.goRun(func() { e.drain(ctx) })
	case connectivity.EventOffline:
		e.logger.Info("remote unreachable, writes will queue")
	}
}

func (e *Engine) goRun(fn func()) {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.stopping {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

func (e *Engine) cleanup(ctx context.Context) {
	if _, err := e.cache.CleanupExpired(ctx); err != nil && ctx.Err() == nil {
		e.logger.Error("expiry sweep failed", "error", err)
	}
}

func (e *Engine) cleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.cleanup(ctx)
		}
	}
}

func (e *Engine) drain(ctx context.Context) outbox.Report {
	if e.cfg.OwnerID == "" {
		return outbox.Report{Skipped: true}
	}
	return e.outbox.Drain(ctx, e.cfg.OwnerID)
}

// Close stops background work, releases media handles, and detaches the
// store. Safe to call more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	cancel, unsubscribe := e.cancel, e.unsubscribe
	e.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
	e.runMu.Lock()
	e.stopping = true
	e.runMu.Unlock()
	e.wg.Wait()

	errs := []error{e.cache.ReleaseAllMediaURLs()}
	if err := e.store.Detach(); err != nil {
		errs = append(errs, fmt.Errorf("detaching store: %w", err))
	}
	return errors.Join(errs...)
}

// Online reports the last observed reachability.
func (e *Engine) Online() bool { return e.bridge.IsOnline() }

// Bridge exposes the connectivity bridge so platform hooks can report
// reachability and wake-ups.
func (e *Engine) Bridge() *connectivity.Bridge { return e.bridge }

// Config returns the configuration the engine was opened with.
func (e *Engine) Config() config.Config { return e.cfg }

// noRemote stands in when no remote is configured; every call fails.
type noRemote struct{}

func (noRemote) GetRoutine(context.Context, string) (*types.Routine, error) {
	return nil, config.ErrRemoteMissing
}

func (noRemote) GetExercise(context.Context, string) (*types.Exercise, error) {
	return nil, config.ErrRemoteMissing
}

func (noRemote) ResolveStoragePath(context.Context, string) (string, error) {
	return "", config.ErrRemoteMissing
}

func (noRemote) FetchMedia(context.Context, string) ([]byte, string, error) {
	return nil, "", config.ErrRemoteMissing
}

func (noRemote) CreateArchiveEntry(context.Context, string, string, json.RawMessage, string) error {
	return config.ErrRemoteMissing
}

func (noRemote) UploadMedia(context.Context, string, []byte, string) (string, error) {
	return "", config.ErrRemoteMissing
}

func (noRemote) Ping(context.Context) error { return config.ErrRemoteMissing }
