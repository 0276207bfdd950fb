package worker

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/shiftcalc/shiftcache/internal/cache"
	"github.com/shiftcalc/shiftcache/internal/clients"
)

var errOffline = errors.New("network unreachable")

// fakeOrigin serves canned bodies per path and can be switched offline.
type fakeOrigin struct {
	mu      sync.Mutex
	bodies  map[string]string
	status  map[string]int
	offline bool
	fetches []string
}

func newFakeOrigin(bodies map[string]string) *fakeOrigin {
	return &fakeOrigin{bodies: bodies, status: map[string]int{}}
}

func (o *fakeOrigin) Fetch(_ context.Context, req *Request) (*cache.Response, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fetches = append(o.fetches, req.URL.Path)
	if o.offline {
		return nil, errOffline
	}
	body, ok := o.bodies[req.URL.Path]
	if !ok {
		return &cache.Response{Status: http.StatusNotFound, Header: http.Header{}}, nil
	}
	status := http.StatusOK
	if code, ok := o.status[req.URL.Path]; ok {
		status = code
	}
	header := http.Header{}
	header.Set("Content-Type", "text/html")
	return &cache.Response{Status: status, Header: header, Body: []byte(body)}, nil
}

func (o *fakeOrigin) set(path, body string) {
	o.mu.Lock()
	o.bodies[path] = body
	o.mu.Unlock()
}

func (o *fakeOrigin) setStatus(path string, status int) {
	o.mu.Lock()
	o.status[path] = status
	o.mu.Unlock()
}

func (o *fakeOrigin) setOffline(offline bool) {
	o.mu.Lock()
	o.offline = offline
	o.mu.Unlock()
}

func (o *fakeOrigin) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.fetches)
}

func shellBodies(tag string) map[string]string {
	return map[string]string{
		"/shiftcalc/":           "<html>" + tag + "</html>",
		"/shiftcalc/index.html": "<html>" + tag + "</html>",
		"/shiftcalc/app.js":     "console.log('" + tag + "')",
		"/shiftcalc/data.json":  `{"tag":"` + tag + `"}`,
	}
}

func testOptions(version string) Options {
	return Options{
		AppName:          "shiftcalc",
		Version:          version,
		Scope:            "/shiftcalc/",
		Precache:         []string{"./", "index.html", "app.js", "data.json"},
		BroadcastUpdates: true,
		UpdatingText:     "Updating data. Please wait.",
		OfflineText:      "Offline. Data has not been cached yet.",
		InitialBackoff:   time.Millisecond,
	}
}

func newTestManager(t *testing.T, storage cache.Storage, origin Fetcher, registry *clients.Registry, opts Options) *Manager {
	t.Helper()
	m, err := New(opts, Dependencies{Storage: storage, Fetcher: origin, Clients: registry})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func newTestStorage(t *testing.T) cache.Storage {
	t.Helper()
	storage, err := cache.NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("new storage: %v", err)
	}
	t.Cleanup(func() { _ = storage.Close() })
	return storage
}

func navigate(key string) *Event {
	return NewEvent(context.Background(), NewRequest(key, ModeNavigate))
}

func fetchAsset(key string) *Event {
	return NewEvent(context.Background(), NewRequest(key, ModeSubresource))
}
