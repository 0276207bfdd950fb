package cache

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// Storage 管理所有缓存代际。名称形如 <app>-<version>，Open 在不存在时创建。
type Storage interface {
	// Open 返回指定代际的 Store，若不存在则创建空代际。
	Open(ctx context.Context, name string) (Store, error)

	// Has 报告代际是否存在，不会创建。
	Has(ctx context.Context, name string) (bool, error)

	// Delete 删除整个代际及其条目，返回删除前是否存在。
	Delete(ctx context.Context, name string) (bool, error)

	// Names 按创建先后（旧 → 新）返回现存的所有代际，同时创建的按名称排序。
	Names(ctx context.Context) ([]string, error)

	// Close 释放底层资源。
	Close() error
}

// Store 是单个代际内的 key → Response 映射。
type Store interface {
	// Name 返回代际名称。
	Name() string

	// Match 查找缓存条目，未命中时返回 ErrNotFound。
	// opts.IgnoreSearch 为 true 时仅按路径匹配，忽略查询串。
	Match(ctx context.Context, key string, opts MatchOptions) (*Response, error)

	// Put 覆盖写入条目（last-write-wins）。代际已被删除时返回 ErrStoreDeleted。
	Put(ctx context.Context, key string, resp *Response) error

	// Delete 删除条目，不存在时不报错。
	Delete(ctx context.Context, key string) error

	// Keys 按字典序返回当前所有 key。
	Keys(ctx context.Context) ([]string, error)
}

// MatchOptions 控制 Match 的匹配方式。
type MatchOptions struct {
	IgnoreSearch bool
}

// Response 是一次被捕获的 HTTP 响应：状态码 + 头 + 正文，写入后不可变直到被覆盖。
type Response struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"stored_at"`
}

// OK 对应 2xx 状态。
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status <= 299
}

// Clone 返回深拷贝，调用方可放心修改头部。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	cloned := &Response{
		Status:   r.Status,
		Header:   r.Header.Clone(),
		Body:     append([]byte(nil), r.Body...),
		StoredAt: r.StoredAt,
	}
	if cloned.Header == nil {
		cloned.Header = http.Header{}
	}
	return cloned
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrStoreDeleted 表示写入目标代际已被 Activate 清理。
	ErrStoreDeleted = errors.New("cache store deleted")
	// ErrInvalidName 表示代际名称包含非法字符。
	ErrInvalidName = errors.New("invalid cache store name")
)

// NormalizeKey 把请求路径（可含查询串）归一化为缓存 key：
// 路径经 path.Clean 处理并保留末尾斜杠，查询串原样保留。
func NormalizeKey(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return cleanPath(raw)
	}
	key := cleanPath(u.Path)
	if u.RawQuery != "" {
		key += "?" + u.RawQuery
	}
	return key
}

// KeyFromURL 返回 URL 对应的缓存 key，忽略 scheme/host。
func KeyFromURL(u *url.URL) string {
	if u == nil {
		return "/"
	}
	key := cleanPath(u.Path)
	if u.RawQuery != "" {
		key += "?" + u.RawQuery
	}
	return key
}

// PathOf 去掉 key 中的查询串部分。
func PathOf(key string) string {
	if idx := strings.IndexByte(key, '?'); idx >= 0 {
		return key[:idx]
	}
	return key
}

func cleanPath(p string) string {
	if p == "" || p == "/" {
		return "/"
	}
	clean := path.Clean("/" + p)
	if strings.HasSuffix(p, "/") && clean != "/" {
		clean += "/"
	}
	return clean
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.HasPrefix(name, ".") || strings.ContainsAny(name, `/\`) {
		return ErrInvalidName
	}
	return nil
}

func checkContext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
