package worker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/shiftcalc/shiftcache/internal/cache"
	"github.com/shiftcalc/shiftcache/internal/clients"
	"github.com/shiftcalc/shiftcache/internal/config"
	"github.com/shiftcalc/shiftcache/internal/logging"
	"github.com/shiftcalc/shiftcache/internal/metrics"
)

// State follows the lifecycle of the current generation.
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

var (
	// ErrPassThrough tells the interceptor to forward the request untouched.
	ErrPassThrough = errors.New("request not handled by cache manager")
	// ErrInstallFailed wraps every precache failure.
	ErrInstallFailed = errors.New("install failed")
)

// Options is the policy of one deployment.
type Options struct {
	AppName           string
	Version           string
	Scope             string
	Precache          []string
	ImmediateTakeover bool
	BroadcastUpdates  bool
	UpdatingText      string
	OfflineText       string
	MaxRetries        int
	InitialBackoff    time.Duration
}

// CacheName returns {app-name}-{version-tag}.
func (o Options) CacheName() string {
	return o.AppName + "-" + o.Version
}

// Dependencies are the collaborators injected into the Manager.
type Dependencies struct {
	Storage cache.Storage
	Fetcher Fetcher
	Clients *clients.Registry
	Logger  *logrus.Logger
	Metrics *metrics.Metrics
	// Limiter throttles background refreshes; nil means unlimited.
	Limiter *rate.Limiter
}

// Manager is the cache manager: it installs and activates generations and
// answers intercepted GET requests.
type Manager struct {
	opts     Options
	storage  cache.Storage
	fetcher  Fetcher
	clients  *clients.Registry
	logger   *logrus.Logger
	metrics  *metrics.Metrics
	limiter  *rate.Limiter
	keys     []string
	rootKey  string
	indexKey string

	mu       sync.RWMutex
	state    State
	active   cache.Store
	waiting  string
	lastErr  error
	runCtx   context.Context
	activeMu sync.Mutex

	background sync.WaitGroup
}

// New validates opts and wires the collaborators.
func New(opts Options, deps Dependencies) (*Manager, error) {
	if deps.Storage == nil {
		return nil, errors.New("storage is required")
	}
	if deps.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if strings.TrimSpace(opts.AppName) == "" || strings.TrimSpace(opts.Version) == "" {
		return nil, errors.New("app name and version are required")
	}
	if len(opts.Precache) == 0 {
		return nil, errors.New("precache list is empty")
	}
	if deps.Clients == nil {
		deps.Clients = clients.NewRegistry(0)
	}
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}

	scope := config.NormalizeScope(opts.Scope)
	opts.Scope = scope
	keys, err := precacheKeys(scope, opts.Precache)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		opts:     opts,
		storage:  deps.Storage,
		fetcher:  deps.Fetcher,
		clients:  deps.Clients,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
		limiter:  deps.Limiter,
		keys:     keys,
		rootKey:  cache.NormalizeKey(scope),
		indexKey: cache.NormalizeKey(scope + "index.html"),
		state:    StateParsed,
		runCtx:   context.Background(),
	}
	m.clients.OnIdle(m.handleIdle)
	return m, nil
}

// CacheName returns the name of the generation this manager installs.
func (m *Manager) CacheName() string {
	return m.opts.CacheName()
}

// Clients exposes the open-page set used as broadcast target.
func (m *Manager) Clients() *clients.Registry {
	return m.clients
}

// PrecacheKeys returns the resolved precache keys in configuration order.
func (m *Manager) PrecacheKeys() []string {
	return append([]string(nil), m.keys...)
}

// ActiveName returns the generation currently answering requests, or "".
func (m *Manager) ActiveName() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == nil {
		return ""
	}
	return m.active.Name()
}

// Start adopts the previous generation (if any), installs the current one
// when it is not fully populated yet, and activates it according to the
// takeover policy. It returns after install; a deferred activation happens
// when the last page controlled by the previous generation disconnects.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	m.runCtx = context.WithoutCancel(ctx)
	m.mu.Unlock()

	if err := m.adoptPrevious(ctx); err != nil {
		return err
	}

	installed, err := m.IsInstalled(ctx)
	if err != nil {
		return err
	}
	if installed {
		m.setState(StateInstalled, nil)
		m.logger.WithFields(logging.GenerationFields("install", m.CacheName())).
			Info("generation_already_installed")
	} else if err := m.installWithRetry(ctx); err != nil {
		return err
	}

	_, err = m.maybeActivate(ctx)
	return err
}

// IsInstalled reports whether the current generation holds an ok response for
// every precache key.
func (m *Manager) IsInstalled(ctx context.Context) (bool, error) {
	exists, err := m.storage.Has(ctx, m.CacheName())
	if err != nil || !exists {
		return false, err
	}
	store, err := m.storage.Open(ctx, m.CacheName())
	if err != nil {
		return false, err
	}
	for _, key := range m.keys {
		resp, err := store.Match(ctx, key, cache.MatchOptions{})
		if errors.Is(err, cache.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if !resp.OK() {
			return false, nil
		}
	}
	return true, nil
}

// Install precaches every configured asset into the current generation. It is
// all-or-nothing: any failed fetch discards the new generation and the
// previously active one keeps serving.
func (m *Manager) Install(ctx context.Context) error {
	name := m.CacheName()
	fields := logging.GenerationFields("install", name)
	m.setState(StateInstalling, nil)

	if m.opts.BroadcastUpdates {
		m.broadcast(clients.Message{Type: clients.MessageUpdating, Text: m.opts.UpdatingText})
	}

	store, err := m.storage.Open(ctx, name)
	if err != nil {
		return m.failInstall(ctx, fmt.Errorf("%w: open %s: %v", ErrInstallFailed, name, err))
	}

	responses := make([]*cache.Response, len(m.keys))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, key := range m.keys {
		i, key := i, key
		group.Go(func() error {
			resp, err := m.fetcher.Fetch(groupCtx, NewRequest(key, ModeSubresource))
			if err != nil {
				return fmt.Errorf("precache %s: %w", key, err)
			}
			if !resp.OK() {
				return fmt.Errorf("precache %s: unexpected status %d", key, resp.Status)
			}
			responses[i] = resp
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return m.failInstall(ctx, fmt.Errorf("%w: %v", ErrInstallFailed, err))
	}

	for i, key := range m.keys {
		if err := store.Put(ctx, key, responses[i]); err != nil {
			return m.failInstall(ctx, fmt.Errorf("%w: store %s: %v", ErrInstallFailed, key, err))
		}
	}

	m.setState(StateInstalled, nil)
	m.metrics.ObserveInstall("ok")
	fields["entries"] = len(m.keys)
	m.logger.WithFields(fields).Info("install_complete")
	return nil
}

// Activate makes the current generation authoritative: it deletes every other
// generation, claims all open pages and tells them the update is done.
func (m *Manager) Activate(ctx context.Context) error {
	m.activeMu.Lock()
	defer m.activeMu.Unlock()

	name := m.CacheName()
	fields := logging.GenerationFields("activate", name)
	m.setState(StateActivating, nil)

	store, err := m.storage.Open(ctx, name)
	if err != nil {
		m.setState(StateInstalled, err)
		return fmt.Errorf("open %s: %w", name, err)
	}
	m.mu.Lock()
	m.active = store
	m.waiting = ""
	m.mu.Unlock()

	names, err := m.storage.Names(ctx)
	if err != nil {
		m.setState(StateInstalled, err)
		return fmt.Errorf("list generations: %w", err)
	}
	deleted := 0
	for _, other := range names {
		if other == name {
			continue
		}
		removed, err := m.storage.Delete(ctx, other)
		if err != nil {
			m.setState(StateInstalled, err)
			return fmt.Errorf("delete %s: %w", other, err)
		}
		if removed {
			deleted++
		}
	}
	m.metrics.ObserveDeleted(deleted)

	claimed := m.clients.Claim(name)
	m.setState(StateActivated, nil)
	m.metrics.SetGeneration(name, true)

	if m.opts.BroadcastUpdates {
		m.broadcast(clients.Message{Type: clients.MessageUpdated})
	}

	fields["deleted"] = deleted
	fields["claimed"] = claimed
	m.logger.WithFields(fields).Info("activate_complete")
	return nil
}

// Drain waits for every background refresh started by Dispatch.
func (m *Manager) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status is a point-in-time view of the manager.
type Status struct {
	CacheName         string   `json:"cache_name"`
	Active            string   `json:"active"`
	Waiting           string   `json:"waiting,omitempty"`
	State             State    `json:"state"`
	ImmediateTakeover bool     `json:"immediate_takeover"`
	Clients           int      `json:"clients"`
	Precache          []string `json:"precache"`
	LastError         string   `json:"last_error,omitempty"`
}

// Status returns a snapshot for diagnostics.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := Status{
		CacheName:         m.CacheName(),
		Waiting:           m.waiting,
		State:             m.state,
		ImmediateTakeover: m.opts.ImmediateTakeover,
		Clients:           m.clients.Len(),
		Precache:          append([]string(nil), m.keys...),
	}
	if m.active != nil {
		status.Active = m.active.Name()
	}
	if m.lastErr != nil {
		status.LastError = m.lastErr.Error()
	}
	return status
}

// adoptPrevious serves from an older generation of the same app until the
// current one activates. Names come back oldest first, so the most recently
// created one wins.
func (m *Manager) adoptPrevious(ctx context.Context) error {
	if m.ActiveName() != "" {
		return nil
	}
	names, err := m.storage.Names(ctx)
	if err != nil {
		return fmt.Errorf("list generations: %w", err)
	}
	prefix := m.opts.AppName + "-"
	previous := ""
	for _, name := range names {
		if name != m.CacheName() && strings.HasPrefix(name, prefix) {
			previous = name
		}
	}
	if previous == "" {
		return nil
	}
	store, err := m.storage.Open(ctx, previous)
	if err != nil {
		return fmt.Errorf("open %s: %w", previous, err)
	}
	m.mu.Lock()
	m.active = store
	m.mu.Unlock()
	m.logger.WithFields(logging.GenerationFields("adopt", previous)).Info("previous_generation_adopted")
	return nil
}

// maybeActivate activates right away unless pages are still controlled by the
// previous generation and immediate takeover is off.
func (m *Manager) maybeActivate(ctx context.Context) (bool, error) {
	previous := m.ActiveName()
	if m.opts.ImmediateTakeover || previous == "" || previous == m.CacheName() ||
		m.clients.CountControlledBy(previous) == 0 {
		return true, m.Activate(ctx)
	}

	m.mu.Lock()
	m.waiting = m.CacheName()
	m.mu.Unlock()
	m.metrics.SetGeneration(m.CacheName(), false)

	fields := logging.GenerationFields("activate", m.CacheName())
	fields["previous"] = previous
	fields["controlled_pages"] = m.clients.CountControlledBy(previous)
	m.logger.WithFields(fields).Info("activation_waiting")
	return false, nil
}

// handleIdle is the registry hook: the last page of the previous generation
// closed, so a waiting generation may take over.
func (m *Manager) handleIdle(generation string) {
	m.mu.RLock()
	waiting := m.waiting
	active := m.active
	ctx := m.runCtx
	m.mu.RUnlock()

	if waiting == "" || active == nil || active.Name() != generation {
		return
	}
	m.background.Add(1)
	go func() {
		defer m.background.Done()
		if err := m.Activate(ctx); err != nil {
			m.logger.WithError(err).
				WithFields(logging.GenerationFields("activate", waiting)).
				Error("activate_failed")
		}
	}()
}

func (m *Manager) installWithRetry(ctx context.Context) error {
	backoff := m.opts.InitialBackoff
	var err error
	for attempt := 0; attempt <= m.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			backoff *= 2
		}
		if err = m.Install(ctx); err == nil {
			return nil
		}
		m.logger.WithError(err).
			WithFields(logrus.Fields{"action": "install", "cache": m.CacheName(), "attempt": attempt + 1}).
			Warn("install_attempt_failed")
	}
	return err
}

func (m *Manager) failInstall(ctx context.Context, err error) error {
	name := m.CacheName()
	// Only a generation that never became active is discarded.
	if m.ActiveName() != name {
		if _, delErr := m.storage.Delete(context.WithoutCancel(ctx), name); delErr != nil {
			m.logger.WithError(delErr).
				WithFields(logging.GenerationFields("install", name)).
				Warn("discard_generation_failed")
		}
	}
	m.setState(StateRedundant, err)
	m.metrics.ObserveInstall("failed")
	m.logger.WithError(err).WithFields(logging.GenerationFields("install", name)).Error("install_failed")
	return err
}

func (m *Manager) broadcast(msg clients.Message) {
	targets := len(m.clients.MatchAll(true))
	delivered := m.clients.Post(msg)
	m.logger.WithFields(logrus.Fields{
		"action":    "broadcast",
		"type":      msg.Type,
		"targets":   targets,
		"delivered": delivered,
	}).Debug("broadcast_sent")
}

func (m *Manager) setState(state State, err error) {
	m.mu.Lock()
	m.state = state
	m.lastErr = err
	m.mu.Unlock()
}

func precacheKeys(scope string, entries []string) ([]string, error) {
	base := &url.URL{Path: scope}
	keys := make([]string, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		ref, err := url.Parse(strings.TrimSpace(entry))
		if err != nil {
			return nil, fmt.Errorf("invalid precache entry %q: %w", entry, err)
		}
		if ref.IsAbs() || ref.Host != "" {
			return nil, fmt.Errorf("precache entry %q must be relative", entry)
		}
		key := cache.KeyFromURL(base.ResolveReference(ref))
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	return keys, nil
}
