package worker

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shiftcalc/shiftcache/internal/cache"
	"github.com/shiftcalc/shiftcache/internal/logging"
)

// Source tells where a dispatched response came from.
type Source string

const (
	SourceCache   Source = "cache"
	SourceNetwork Source = "network"
	SourceOffline Source = "offline"
)

// Result is the response chosen for an intercepted request.
type Result struct {
	Response   *cache.Response
	Class      Class
	Source     Source
	Generation string
	// Refreshing is true when a background refresh was started.
	Refreshing bool
}

// CacheHit reports whether the response was served from the store.
func (r *Result) CacheHit() bool {
	return r != nil && r.Source == SourceCache
}

// Dispatch answers an intercepted request. Non-GET requests, requests outside
// the scope and requests that arrive before any generation is active return
// ErrPassThrough. Background
// refreshes are registered on ev and keep running after Dispatch returns.
func (m *Manager) Dispatch(ev *Event) (*Result, error) {
	if ev == nil || ev.Request == nil {
		return nil, errors.New("nil event")
	}
	req := ev.Request
	if req.Method != http.MethodGet || !m.inScope(req.Key()) {
		return nil, ErrPassThrough
	}

	m.mu.RLock()
	store := m.active
	m.mu.RUnlock()
	if store == nil {
		return nil, ErrPassThrough
	}

	ev.bind(&m.background)

	var result *Result
	if req.Class() == ClassNavigation {
		result = m.handleNavigation(ev, store)
	} else {
		result = m.handleAsset(ev, store)
	}
	result.Generation = store.Name()
	m.metrics.ObserveDispatch(string(result.Class), string(result.Source))

	fields := logging.RequestFields(store.Name(), string(result.Class), req.Key(), result.CacheHit())
	fields["action"] = "dispatch"
	fields["source"] = result.Source
	fields["status"] = result.Response.Status
	fields["refreshing"] = result.Refreshing
	m.logger.WithFields(fields).Debug("dispatch_complete")
	return result, nil
}

// inScope reports whether key lives under the app scope. "/shiftcalc" counts
// as part of "/shiftcalc/".
func (m *Manager) inScope(key string) bool {
	p := cache.PathOf(key)
	return strings.HasPrefix(p, m.opts.Scope) || p+"/" == m.opts.Scope
}

// handleNavigation serves the cached app shell and races a network update.
// Lookup order: request path (query ignored), index.html, scope root.
func (m *Manager) handleNavigation(ev *Event, store cache.Store) *Result {
	ctx := ev.Context()
	req := ev.Request
	result := &Result{Class: ClassNavigation}

	cached := m.lookup(ctx, store, req.Key(), cache.MatchOptions{IgnoreSearch: true})
	if cached == nil {
		cached = m.lookup(ctx, store, m.indexKey, cache.MatchOptions{})
	}
	if cached == nil {
		cached = m.lookup(ctx, store, m.rootKey, cache.MatchOptions{})
	}

	if cached != nil {
		result.Response = cached
		result.Source = SourceCache
		if m.allowRefresh() {
			result.Refreshing = true
			ev.WaitUntil(func(ctx context.Context) {
				started := time.Now()
				resp, err := m.fetchShell(ctx, store, req)
				m.recordRefresh(store, req, resp, err, started)
			})
		}
		return result
	}

	resp, err := m.fetchShell(ctx, store, req)
	if err == nil {
		result.Response = resp
		result.Source = SourceNetwork
		return result
	}

	m.logNetworkFailure(store, req, err)
	result.Response = m.offlineNavigation()
	result.Source = SourceOffline
	return result
}

// fetchShell fetches a navigation and, when ok, stores it under both the
// index and the scope-root keys.
func (m *Manager) fetchShell(ctx context.Context, store cache.Store, req *Request) (*cache.Response, error) {
	resp, err := m.fetcher.Fetch(ctx, req.forNetwork())
	if err != nil {
		return nil, err
	}
	if resp.OK() {
		m.put(ctx, store, m.indexKey, resp)
		m.put(ctx, store, m.rootKey, resp)
	}
	return resp, nil
}

// handleAsset is cache-first with a background refresh on hit.
func (m *Manager) handleAsset(ev *Event, store cache.Store) *Result {
	ctx := ev.Context()
	req := ev.Request
	key := req.Key()
	result := &Result{Class: ClassAsset}

	if cached := m.lookup(ctx, store, key, cache.MatchOptions{IgnoreSearch: true}); cached != nil {
		result.Response = cached
		result.Source = SourceCache
		if m.allowRefresh() {
			result.Refreshing = true
			ev.WaitUntil(func(ctx context.Context) {
				started := time.Now()
				resp, err := m.fetcher.Fetch(ctx, req.forNetwork())
				if err == nil && resp.OK() {
					m.put(ctx, store, key, resp)
				}
				m.recordRefresh(store, req, resp, err, started)
			})
		}
		return result
	}

	resp, err := m.fetcher.Fetch(ctx, req.forNetwork())
	if err != nil {
		m.logNetworkFailure(store, req, err)
		result.Response = offlineAsset()
		result.Source = SourceOffline
		return result
	}
	if resp.OK() {
		stored := resp.Clone()
		ev.WaitUntil(func(ctx context.Context) {
			m.put(ctx, store, key, stored)
		})
	}
	result.Response = resp
	result.Source = SourceNetwork
	return result
}

func (m *Manager) lookup(ctx context.Context, store cache.Store, key string, opts cache.MatchOptions) *cache.Response {
	resp, err := store.Match(ctx, key, opts)
	switch {
	case err == nil:
		return resp
	case errors.Is(err, cache.ErrNotFound):
		return nil
	default:
		m.logger.WithError(err).
			WithFields(logrus.Fields{"action": "cache_match", "cache": store.Name(), "key": key}).
			Warn("cache_match_failed")
		return nil
	}
}

func (m *Manager) put(ctx context.Context, store cache.Store, key string, resp *cache.Response) {
	err := store.Put(ctx, key, resp)
	if err == nil {
		return
	}
	entry := m.logger.WithError(err).
		WithFields(logrus.Fields{"action": "cache_put", "cache": store.Name(), "key": key})
	if errors.Is(err, cache.ErrStoreDeleted) {
		entry.Debug("cache_put_skipped")
		return
	}
	entry.Warn("cache_put_failed")
}

func (m *Manager) allowRefresh() bool {
	if m.limiter == nil {
		return true
	}
	if m.limiter.Allow() {
		return true
	}
	m.metrics.ObserveRefresh("throttled", 0)
	return false
}

func (m *Manager) recordRefresh(store cache.Store, req *Request, resp *cache.Response, err error, started time.Time) {
	elapsed := time.Since(started)
	fields := logging.RequestFields(store.Name(), string(req.Class()), req.Key(), true)
	fields["action"] = "refresh"
	fields["elapsed_ms"] = elapsed.Milliseconds()

	switch {
	case err != nil:
		fields["error"] = err.Error()
		m.metrics.ObserveRefresh("network_error", elapsed.Seconds())
		m.logger.WithFields(fields).Debug("refresh_failed")
	case !resp.OK():
		fields["upstream_status"] = resp.Status
		m.metrics.ObserveRefresh("not_ok", elapsed.Seconds())
		m.logger.WithFields(fields).Debug("refresh_skipped")
	default:
		m.metrics.ObserveRefresh("ok", elapsed.Seconds())
		m.logger.WithFields(fields).Debug("refresh_complete")
	}
}

func (m *Manager) logNetworkFailure(store cache.Store, req *Request, err error) {
	fields := logging.RequestFields(store.Name(), string(req.Class()), req.Key(), false)
	fields["action"] = "dispatch"
	fields["error"] = err.Error()
	m.logger.WithFields(fields).Warn("network_unreachable")
}

func (m *Manager) offlineNavigation() *cache.Response {
	header := http.Header{}
	header.Set("Content-Type", "text/plain; charset=utf-8")
	return &cache.Response{
		Status: http.StatusServiceUnavailable,
		Header: header,
		Body:   []byte(m.opts.OfflineText),
	}
}

func offlineAsset() *cache.Response {
	return &cache.Response{
		Status: http.StatusGatewayTimeout,
		Header: http.Header{},
	}
}
