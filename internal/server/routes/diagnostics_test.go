package routes

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/shiftcalc/shiftcache/internal/clients"
	"github.com/shiftcalc/shiftcache/internal/metrics"
	"github.com/shiftcalc/shiftcache/internal/worker"
)

type fakeStatus struct {
	status worker.Status
}

func (f fakeStatus) Status() worker.Status { return f.status }
func (f fakeStatus) ActiveName() string    { return f.status.Active }

func TestStreamMessagesWritesDataFrames(t *testing.T) {
	registry := clients.NewRegistry(4)
	client := registry.Connect("")
	registry.Post(clients.Message{Type: clients.MessageUpdating, Text: "wait"})
	registry.Post(clients.Message{Type: clients.MessageUpdated})
	registry.Disconnect(client.ID)

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if err := streamMessages(w, client, nil, time.Hour); err != nil {
		t.Fatalf("stream: %v", err)
	}

	var frames []clients.Message
	for _, line := range strings.Split(buf.String(), "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var msg clients.Message
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &msg); err != nil {
			t.Fatalf("bad frame %q: %v", line, err)
		}
		frames = append(frames, msg)
	}
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d (%q)", len(frames), buf.String())
	}
	if frames[0].Type != clients.MessageUpdating || frames[0].Text != "wait" {
		t.Fatalf("unexpected first frame %+v", frames[0])
	}
	if frames[1].Type != clients.MessageUpdated {
		t.Fatalf("unexpected second frame %+v", frames[1])
	}
}

func TestStreamMessagesStopsOnDone(t *testing.T) {
	registry := clients.NewRegistry(1)
	client := registry.Connect("")
	done := make(chan struct{})
	close(done)

	var buf bytes.Buffer
	if err := streamMessages(bufio.NewWriter(&buf), client, done, time.Hour); err != nil {
		t.Fatalf("stream: %v", err)
	}
	if !strings.HasPrefix(buf.String(), ": connected") {
		t.Fatalf("expected connect comment, got %q", buf.String())
	}
}

func TestStatusRoute(t *testing.T) {
	app := fiber.New()
	RegisterDiagnosticRoutes(app, DiagnosticsOptions{
		Status:  fakeStatus{status: worker.Status{CacheName: "shiftcalc-v2", Active: "shiftcalc-v1", Waiting: "shiftcalc-v2"}},
		Clients: clients.NewRegistry(0),
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/-/status", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	var payload map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["active"] != "shiftcalc-v1" || payload["waiting"] != "shiftcalc-v2" {
		t.Fatalf("unexpected payload %v", payload)
	}
	if v, _ := payload["version"].(string); !strings.HasPrefix(v, "shiftcache ") {
		t.Fatalf("expected version field, got %v", payload["version"])
	}
}

func TestMetricsRoute(t *testing.T) {
	m := metrics.New()
	m.ObservePassThrough()

	app := fiber.New()
	RegisterDiagnosticRoutes(app, DiagnosticsOptions{
		Status:  fakeStatus{},
		Clients: clients.NewRegistry(0),
		Metrics: m,
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/-/metrics", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "shiftcache_passthrough_total 1") {
		t.Fatalf("expected passthrough counter, got %s", body)
	}
}
