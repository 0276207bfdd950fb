package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveDispatchCounts(t *testing.T) {
	m := New()
	m.ObserveDispatch("navigation", "hit")
	m.ObserveDispatch("navigation", "hit")
	m.ObserveDispatch("asset", "offline")

	if got := testutil.ToFloat64(m.Dispatch.WithLabelValues("navigation", "hit")); got != 2 {
		t.Fatalf("expected 2 navigation hits, got %v", got)
	}
	if got := testutil.ToFloat64(m.Dispatch.WithLabelValues("asset", "offline")); got != 1 {
		t.Fatalf("expected 1 offline asset, got %v", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveDispatch("asset", "hit")
	m.ObserveRefresh("ok", 1)
	m.ObserveInstall("ok")
	m.ObserveDeleted(2)
	m.ObservePassThrough()
	m.SetClients(3)
	m.SetGeneration("shiftcalc-v1", true)
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.SetGeneration("shiftcalc-v1", true)
	m.ObserveInstall("ok")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, name := range []string{"shiftcache_generation_info", "shiftcache_install_total"} {
		if !strings.Contains(string(body), name) {
			t.Fatalf("expected %s in output", name)
		}
	}
}
