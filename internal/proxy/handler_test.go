package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/shiftcalc/shiftcache/internal/cache"
	"github.com/shiftcalc/shiftcache/internal/logging"
	"github.com/shiftcalc/shiftcache/internal/metrics"
	"github.com/shiftcalc/shiftcache/internal/server"
	"github.com/shiftcalc/shiftcache/internal/worker"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name   string
		method string
		header map[string]string
		want   worker.Mode
	}{
		{"fetch mode navigate", "GET", map[string]string{"Sec-Fetch-Mode": "navigate"}, worker.ModeNavigate},
		{"fetch mode cors", "GET", map[string]string{"Sec-Fetch-Mode": "cors", "Accept": "text/html"}, worker.ModeSubresource},
		{"browser accept", "GET", map[string]string{"Accept": "text/html,application/xhtml+xml,*/*;q=0.8"}, worker.ModeNavigate},
		{"json accept", "GET", map[string]string{"Accept": "application/json, text/html;q=0.5"}, worker.ModeSubresource},
		{"wildcard only", "GET", map[string]string{"Accept": "*/*"}, worker.ModeSubresource},
		{"post html", "POST", map[string]string{"Accept": "text/html"}, worker.ModeSubresource},
		{"no headers", "GET", nil, worker.ModeSubresource},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			header := http.Header{}
			for k, v := range tc.header {
				header.Set(k, v)
			}
			if got := classify(tc.method, header); got != tc.want {
				t.Fatalf("classify = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestOriginFetch(t *testing.T) {
	var gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotQuery = r.URL.Path, r.URL.RawQuery
		w.Header().Set("Content-Type", "application/javascript")
		w.Header().Set("X-Build", "42")
		_, _ = w.Write([]byte("console.log(1)"))
	}))
	defer srv.Close()

	origin, err := NewOrigin(srv.Client(), srv.URL+"/", logging.Discard())
	if err != nil {
		t.Fatalf("new origin: %v", err)
	}
	resp, err := origin.Fetch(context.Background(), worker.NewRequest("/shiftcalc/app.js?v=3", worker.ModeSubresource))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if gotPath != "/shiftcalc/app.js" || gotQuery != "v=3" {
		t.Fatalf("origin saw %s?%s", gotPath, gotQuery)
	}
	if resp.Status != http.StatusOK || string(resp.Body) != "console.log(1)" {
		t.Fatalf("unexpected response %d %q", resp.Status, resp.Body)
	}
	if resp.Header.Get("X-Build") != "42" || resp.Header.Get("Content-Length") != "" {
		t.Fatalf("unexpected headers %v", resp.Header)
	}
	if resp.StoredAt.IsZero() {
		t.Fatalf("StoredAt should be set")
	}
}

func TestOriginFetchUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	origin, err := NewOrigin(&http.Client{Timeout: time.Second}, base, nil)
	if err != nil {
		t.Fatalf("new origin: %v", err)
	}
	if _, err := origin.Fetch(context.Background(), worker.NewRequest("/", worker.ModeNavigate)); err == nil {
		t.Fatalf("expected network error")
	}
}

func TestNewOriginRejectsBadURL(t *testing.T) {
	for _, raw := range []string{"", "ftp://example.com", "example.com"} {
		if _, err := NewOrigin(http.DefaultClient, raw, nil); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestOriginURLKeepsPrefix(t *testing.T) {
	origin, err := NewOrigin(http.DefaultClient, "https://example.github.io/mirror/", nil)
	if err != nil {
		t.Fatalf("new origin: %v", err)
	}
	got := origin.URL(&url.URL{Path: "/shiftcalc/index.html", RawQuery: "a=1"}).String()
	if got != "https://example.github.io/mirror/shiftcalc/index.html?a=1" {
		t.Fatalf("unexpected url %s", got)
	}
}

func TestHandlerServesCachedNavigation(t *testing.T) {
	env := newGatewayEnv(t, true)

	req := httptest.NewRequest("GET", "/shiftcalc/?view=month", nil)
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	resp, err := env.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "<html>shell</html>" {
		t.Fatalf("unexpected response %d %q", resp.StatusCode, body)
	}
	if resp.Header.Get(headerCacheHit) != "true" {
		t.Fatalf("expected cache hit header, got %q", resp.Header.Get(headerCacheHit))
	}
	if resp.Header.Get(headerGeneration) != "shiftcalc-v1" {
		t.Fatalf("expected generation header, got %q", resp.Header.Get(headerGeneration))
	}
	if err := env.manager.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
}

func TestHandlerOfflineResponses(t *testing.T) {
	env := newGatewayEnv(t, true)
	env.origin.Close()

	req := httptest.NewRequest("GET", "/shiftcalc/icons/new.png", nil)
	resp, err := env.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("expected 504 for uncached asset, got %d", resp.StatusCode)
	}
	if resp.Header.Get(headerCacheHit) != "false" {
		t.Fatalf("expected cache miss header")
	}

	req = httptest.NewRequest("GET", "/shiftcalc/app.js", nil)
	resp, err = env.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "app()" {
		t.Fatalf("cached asset should be served offline, got %d %q", resp.StatusCode, body)
	}
	_ = env.manager.Drain(context.Background())
}

func TestHandlerForwardsNonGet(t *testing.T) {
	env := newGatewayEnv(t, true)

	req := httptest.NewRequest("POST", "/api/feedback?src=app", strings.NewReader("hello"))
	req.Header.Set("Content-Type", "text/plain")
	resp, err := env.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusCreated || string(body) != "echo:hello" {
		t.Fatalf("unexpected forward response %d %q", resp.StatusCode, body)
	}
	if got := resp.Header.Get("X-Origin"); got != "yes" {
		t.Fatalf("origin headers should be relayed, got %q", got)
	}
	if got := resp.Header.Get(headerCacheHit); got != "false" {
		t.Fatalf("expected cache miss header, got %q", got)
	}
}

func TestHandlerForwardFailure(t *testing.T) {
	env := newGatewayEnv(t, false)
	env.origin.Close()

	resp, err := env.app.Test(httptest.NewRequest("GET", "/shiftcalc/", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusBadGateway || !strings.Contains(string(body), "upstream_failed") {
		t.Fatalf("expected 502 upstream_failed, got %d %s", resp.StatusCode, body)
	}
}

type gatewayEnv struct {
	app     *fiber.App
	origin  *httptest.Server
	manager *worker.Manager
}

func newGatewayEnv(t *testing.T, start bool) *gatewayEnv {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/shiftcalc/", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/shiftcalc/", "/shiftcalc/index.html":
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<html>shell</html>"))
		case "/shiftcalc/app.js":
			w.Header().Set("Content-Type", "application/javascript")
			_, _ = w.Write([]byte("app()"))
		default:
			http.NotFound(w, r)
		}
	})
	mux.HandleFunc("/api/feedback", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Origin", "yes")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("echo:" + string(body)))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	logger := logging.Discard()
	origin, err := NewOrigin(&http.Client{Timeout: 2 * time.Second}, srv.URL, logger)
	if err != nil {
		t.Fatalf("new origin: %v", err)
	}
	storage, err := cache.NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	t.Cleanup(func() { _ = storage.Close() })

	m := metrics.New()
	manager, err := worker.New(worker.Options{
		AppName:     "shiftcalc",
		Version:     "v1",
		Scope:       "/shiftcalc/",
		Precache:    []string{"./", "index.html", "app.js"},
		OfflineText: "offline",
	}, worker.Dependencies{Storage: storage, Fetcher: origin, Logger: logger, Metrics: m})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	if start {
		if err := manager.Start(context.Background()); err != nil {
			t.Fatalf("start: %v", err)
		}
	}

	app, err := server.NewApp(server.AppOptions{
		Logger: logger,
		Proxy:  NewHandler(manager, origin, logger, m),
	})
	if err != nil {
		t.Fatalf("app: %v", err)
	}
	return &gatewayEnv{app: app, origin: srv, manager: manager}
}
