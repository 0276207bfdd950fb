package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/shiftcalc/shiftcache/internal/cache"
	"github.com/shiftcalc/shiftcache/internal/server"
	"github.com/shiftcalc/shiftcache/internal/worker"
)

// Origin talks to the deployment origin. It implements worker.Fetcher for the
// cache manager and forwards pass-through requests verbatim.
type Origin struct {
	client *http.Client
	base   *url.URL
	logger *logrus.Logger
}

// NewOrigin parses rawOrigin (scheme + host, optional path prefix).
func NewOrigin(client *http.Client, rawOrigin string, logger *logrus.Logger) (*Origin, error) {
	if client == nil {
		return nil, errors.New("http client is required")
	}
	base, err := url.Parse(strings.TrimSpace(rawOrigin))
	if err != nil {
		return nil, fmt.Errorf("invalid origin: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" || base.Host == "" {
		return nil, fmt.Errorf("invalid origin: %q", rawOrigin)
	}
	base.Path = strings.TrimSuffix(base.Path, "/")
	base.RawQuery = ""
	return &Origin{client: client, base: base, logger: logger}, nil
}

// URL returns the origin URL serving key's path and query.
func (o *Origin) URL(target *url.URL) *url.URL {
	resolved := *o.base
	resolved.Path = o.base.Path + target.Path
	resolved.RawPath = ""
	resolved.RawQuery = target.RawQuery
	return &resolved
}

// Fetch performs a GET against the origin and buffers the body. Any HTTP
// status is returned as a response; only transport failures are errors.
func (o *Origin) Fetch(ctx context.Context, req *worker.Request) (*cache.Response, error) {
	upstream, err := server.NewOriginRequest(ctx, http.MethodGet, o.URL(req.URL).String(), nil, req.Header)
	if err != nil {
		return nil, err
	}

	resp, err := o.client.Do(upstream)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read origin body: %w", err)
	}

	header := http.Header{}
	server.CopyHeaders(header, resp.Header)
	header.Del("Content-Length")
	return &cache.Response{
		Status:   resp.StatusCode,
		Header:   header,
		Body:     body,
		StoredAt: time.Now().UTC(),
	}, nil
}

// Forward relays the current request to the origin untouched and streams the
// answer back. An unreachable origin yields 502 upstream_failed.
func (o *Origin) Forward(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)
	target, err := url.ParseRequestURI(c.OriginalURL())
	if err != nil {
		return writeError(c, fiber.StatusBadRequest, "invalid_request_uri")
	}
	upstreamURL := o.URL(target)

	method := c.Method()
	var body io.Reader = http.NoBody
	if raw := c.Body(); len(raw) > 0 {
		body = bytes.NewReader(append([]byte(nil), raw...))
	}
	req, err := server.NewOriginRequest(c.Context(), method, upstreamURL.String(), body, fiberHeadersAsHTTP(c))
	if err != nil {
		return writeError(c, fiber.StatusBadRequest, "invalid_request")
	}
	req.Host = upstreamURL.Host
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Protocol())

	resp, err := o.client.Do(req)
	if err != nil {
		o.logForward(method, upstreamURL.String(), requestID, 0, started, err)
		return writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	c.Set(headerCacheHit, "false")
	c.Status(resp.StatusCode)

	if method == http.MethodHead {
		o.logForward(method, upstreamURL.String(), requestID, resp.StatusCode, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	o.logForward(method, upstreamURL.String(), requestID, resp.StatusCode, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, "upstream_failed")
	}
	return nil
}

func (o *Origin) logForward(method, upstream, requestID string, status int, started time.Time, err error) {
	if o.logger == nil {
		return
	}
	fields := logrus.Fields{
		"action":     "forward",
		"method":     method,
		"upstream":   upstream,
		"status":     status,
		"elapsed_ms": time.Since(started).Milliseconds(),
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		o.logger.WithError(err).WithFields(fields).Warn("forward_failed")
		return
	}
	o.logger.WithFields(fields).Info("forward_complete")
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) || strings.EqualFold(key, "Content-Length") {
			continue
		}
		for i, value := range values {
			if i == 0 {
				c.Set(key, value)
				continue
			}
			c.Response().Header.Add(key, value)
		}
	}
}

func writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}
