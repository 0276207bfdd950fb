package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"time"

	"github.com/shiftcalc/shiftcache/internal/config"
	"github.com/shiftcalc/shiftcache/internal/version"
)

// 源站是单一静态站点，连接池按单 host 配置。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          32,
	MaxIdleConnsPerHost:   32,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ResponseHeaderTimeout: 20 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   15 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewOriginRequest 构造发往源站的请求：复制可转发的头，去掉 Host 与
// Accept-Encoding（由 Transport 透明解压，缓存只保存原始正文），缺省
// User-Agent 时标记为 shiftcache。
func NewOriginRequest(ctx context.Context, method, target string, body io.Reader, src http.Header) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	CopyHeaders(req.Header, src)
	req.Header.Del("Host")
	req.Header.Del("Accept-Encoding")
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", "shiftcache/"+version.Version)
	}
	return req, nil
}

// NewUpstreamClient 返回访问源站的共享 http.Client。超时取自 UpstreamTimeout，
// 未配置时为 30s。
func NewUpstreamClient(cfg *config.Config) *http.Client {
	timeout := 30 * time.Second
	if cfg != nil && cfg.Global.UpstreamTimeout.DurationValue() > 0 {
		timeout = cfg.Global.UpstreamTimeout.DurationValue()
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: defaultTransport.Clone(),
	}
}

// hopByHopHeaders 是 RFC 7230 规定只对单跳有效的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {},
}

// CopyHeaders 把 src 中可转发的头追加到 dst。
func CopyHeaders(dst, src http.Header) {
	for key, values := range src {
		if IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// IsHopByHopHeader reports whether the header must not cross the gateway.
func IsHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}
