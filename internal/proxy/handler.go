package proxy

import (
	"errors"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/shiftcalc/shiftcache/internal/cache"
	"github.com/shiftcalc/shiftcache/internal/logging"
	"github.com/shiftcalc/shiftcache/internal/metrics"
	"github.com/shiftcalc/shiftcache/internal/server"
	"github.com/shiftcalc/shiftcache/internal/worker"
)

const (
	headerCacheHit   = "X-Shiftcache-Cache-Hit"
	headerGeneration = "X-Shiftcache-Generation"
)

// Dispatcher decides the response for one intercepted request.
type Dispatcher interface {
	Dispatch(ev *worker.Event) (*worker.Result, error)
}

// Handler 是请求拦截器：把每个请求交给缓存管理器，未接管的请求原样转发到源站。
type Handler struct {
	dispatcher Dispatcher
	origin     *Origin
	logger     *logrus.Logger
	metrics    *metrics.Metrics
}

// NewHandler wires the interceptor.
func NewHandler(dispatcher Dispatcher, origin *Origin, logger *logrus.Logger, m *metrics.Metrics) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{
		dispatcher: dispatcher,
		origin:     origin,
		logger:     logger,
		metrics:    m,
	}
}

// Handle implements server.ProxyHandler.
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	req, err := buildRequest(c)
	if err != nil {
		return writeError(c, fiber.StatusBadRequest, "invalid_request_uri")
	}

	// 后台刷新通过 ev.WaitUntil 登记，响应返回后继续执行，由 Manager.Drain 统一等待。
	ev := worker.NewEvent(c.Context(), req)
	result, err := h.dispatcher.Dispatch(ev)
	switch {
	case errors.Is(err, worker.ErrPassThrough):
		h.metrics.ObservePassThrough()
		return h.origin.Forward(c)
	case err != nil:
		h.logger.WithError(err).WithFields(logrus.Fields{
			"action":     "dispatch",
			"key":        req.Key(),
			"request_id": server.RequestID(c),
		}).Error("dispatch_failed")
		return writeError(c, fiber.StatusInternalServerError, "dispatch_failed")
	}

	h.writeResult(c, result)
	h.logResult(c, req, result, started)
	return nil
}

func (h *Handler) writeResult(c fiber.Ctx, result *worker.Result) {
	resp := result.Response
	copyResponseHeaders(c, resp.Header)
	c.Set(headerCacheHit, strconv.FormatBool(result.CacheHit()))
	if result.Generation != "" {
		c.Set(headerGeneration, result.Generation)
	}
	c.Status(resp.Status)
	if len(resp.Body) == 0 {
		c.Response().ResetBody()
		return
	}
	c.Response().SetBodyRaw(resp.Body)
}

func (h *Handler) logResult(c fiber.Ctx, req *worker.Request, result *worker.Result, started time.Time) {
	fields := logging.RequestFields(result.Generation, string(result.Class), req.Key(), result.CacheHit())
	fields["action"] = "intercept"
	fields["source"] = result.Source
	fields["status"] = result.Response.Status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if reqID := server.RequestID(c); reqID != "" {
		fields["request_id"] = reqID
	}
	entry := h.logger.WithFields(fields)
	if result.Source == worker.SourceOffline {
		entry.Warn("intercept_offline")
		return
	}
	entry.Info("intercept_complete")
}

// buildRequest 把 fasthttp 请求复制为 worker.Request，后台任务可在请求结束后安全持有。
func buildRequest(c fiber.Ctx) (*worker.Request, error) {
	target, err := url.ParseRequestURI(c.OriginalURL())
	if err != nil {
		return nil, err
	}
	header := fiberHeadersAsHTTP(c)
	return &worker.Request{
		Method: c.Method(),
		URL:    &url.URL{Path: cache.NormalizeKey(target.Path), RawQuery: target.RawQuery},
		Mode:   classify(c.Method(), header),
		Header: header,
		Body:   append([]byte(nil), c.Body()...),
	}, nil
}

// classify 优先使用 Sec-Fetch-Mode；缺失时以 Accept 是否偏好 text/html 判断导航。
func classify(method string, header http.Header) worker.Mode {
	if mode := strings.TrimSpace(header.Get("Sec-Fetch-Mode")); mode != "" {
		if strings.EqualFold(mode, string(worker.ModeNavigate)) {
			return worker.ModeNavigate
		}
		return worker.ModeSubresource
	}
	if method == http.MethodGet && prefersHTML(header.Get("Accept")) {
		return worker.ModeNavigate
	}
	return worker.ModeSubresource
}

func prefersHTML(accept string) bool {
	if strings.TrimSpace(accept) == "" {
		return false
	}
	htmlQ, otherQ := -1.0, -1.0
	for _, part := range strings.Split(accept, ",") {
		mediaType, params, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		q := 1.0
		if raw, ok := params["q"]; ok {
			if parsed, err := strconv.ParseFloat(raw, 64); err == nil {
				q = parsed
			}
		}
		switch mediaType {
		case "text/html", "application/xhtml+xml":
			if q > htmlQ {
				htmlQ = q
			}
		case "*/*", "text/*":
			// 通配符不代表偏好。
		default:
			if q > otherQ {
				otherQ = q
			}
		}
	}
	return htmlQ > 0 && htmlQ >= otherQ
}
