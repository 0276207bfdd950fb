package integration

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// originStub 模拟静态托管的源站：按路径返回当前版本的内容，可整体下线。
type originStub struct {
	*httptest.Server

	mu      sync.Mutex
	files   map[string]string
	offline bool
	hits    map[string]int
}

func newOriginStub(t *testing.T, files map[string]string) *originStub {
	t.Helper()
	stub := &originStub{files: files, hits: map[string]int{}}
	stub.Server = httptest.NewServer(http.HandlerFunc(stub.serve))
	t.Cleanup(stub.Close)
	return stub
}

func (s *originStub) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	offline := s.offline
	body, ok := s.files[r.URL.Path]
	s.hits[r.URL.Path]++
	s.mu.Unlock()

	if offline {
		// 模拟网络中断：直接断开连接。
		hj, ok := w.(http.Hijacker)
		if ok {
			if conn, _, err := hj.Hijack(); err == nil {
				_ = conn.Close()
				return
			}
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write([]byte(body))
}

func (s *originStub) publish(files map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for path, body := range files {
		s.files[path] = body
	}
}

func (s *originStub) setOffline(offline bool) {
	s.mu.Lock()
	s.offline = offline
	s.mu.Unlock()
}

func (s *originStub) hitCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func release(tag string) map[string]string {
	return map[string]string{
		"/shiftcalc/":               "<html>" + tag + "</html>",
		"/shiftcalc/index.html":     "<html>" + tag + "</html>",
		"/shiftcalc/manifest.json":  `{"name":"shiftcalc","tag":"` + tag + `"}`,
		"/shiftcalc/icons/icon.png": "png-" + tag,
	}
}
