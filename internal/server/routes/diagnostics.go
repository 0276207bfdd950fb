package routes

import (
	"bufio"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	"github.com/shiftcalc/shiftcache/internal/clients"
	"github.com/shiftcalc/shiftcache/internal/metrics"
	"github.com/shiftcalc/shiftcache/internal/version"
	"github.com/shiftcalc/shiftcache/internal/worker"
)

// defaultKeepAlive 是 SSE 心跳间隔，心跳写失败即视为页面已关闭。
const defaultKeepAlive = 15 * time.Second

// StatusSource is the part of the cache manager the diagnostics need.
type StatusSource interface {
	Status() worker.Status
	ActiveName() string
}

// DiagnosticsOptions wires the /-/ endpoints.
type DiagnosticsOptions struct {
	Status  StatusSource
	Clients *clients.Registry
	Metrics *metrics.Metrics
	Logger  *logrus.Logger
	// Done ends every open event stream, typically on shutdown.
	Done      <-chan struct{}
	KeepAlive time.Duration
}

// RegisterDiagnosticRoutes 暴露 /-/status、/-/events 与 /-/metrics。
func RegisterDiagnosticRoutes(app *fiber.App, opts DiagnosticsOptions) {
	if app == nil || opts.Status == nil || opts.Clients == nil {
		return
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = defaultKeepAlive
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		return c.JSON(statusPayload{
			Status:  opts.Status.Status(),
			Version: version.Full(),
		})
	})

	app.Get("/-/events", func(c fiber.Ctx) error {
		client := opts.Clients.Connect(opts.Status.ActiveName())
		opts.Metrics.SetClients(opts.Clients.Len())

		c.Set(fiber.HeaderContentType, "text/event-stream")
		c.Set(fiber.HeaderCacheControl, "no-cache")
		c.Set("X-Accel-Buffering", "no")

		var stream fasthttp.StreamWriter = func(w *bufio.Writer) {
			defer func() {
				opts.Clients.Disconnect(client.ID)
				opts.Metrics.SetClients(opts.Clients.Len())
			}()
			err := streamMessages(w, client, opts.Done, opts.KeepAlive)
			if err != nil && opts.Logger != nil {
				opts.Logger.WithError(err).
					WithFields(logrus.Fields{"action": "events", "client": client.ID}).
					Debug("event_stream_closed")
			}
		}
		c.RequestCtx().SetBodyStreamWriter(stream)
		return nil
	})

	app.Get("/-/metrics", adaptor.HTTPHandler(opts.Metrics.Handler()))
}

type statusPayload struct {
	worker.Status
	Version string `json:"version"`
}

// streamMessages 把 client 收到的消息写成 SSE data 帧，直到队列关闭、done
// 触发或写入失败。
func streamMessages(w *bufio.Writer, client *clients.Client, done <-chan struct{}, keepAlive time.Duration) error {
	if _, err := w.WriteString(": connected\n\n"); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-client.Messages():
			if !ok {
				return nil
			}
			payload, err := json.Marshal(msg)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return err
			}
		case <-ticker.C:
			if _, err := w.WriteString(": ping\n\n"); err != nil {
				return err
			}
		case <-done:
			return nil
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
}
