package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// 磁盘布局：
//
//	<StoragePath>/<generation>/<sha1(path)>/<sha1(key)>.entry
//
// 同一路径、不同查询串的条目落在同一目录下，IgnoreSearch 只需列目录。
// 代际目录下的 .created 记录创建时间（UnixNano），Names 据此排序。
const (
	entrySuffix   = ".entry"
	createdMarker = ".created"
)

// NewFileStorage 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
func NewFileStorage(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStorage{
		basePath:    abs,
		locks:       make(map[string]*entryLock),
		generations: make(map[string]*sync.RWMutex),
	}, nil
}

// fileStorage 通过 entryLock 避免同一 key 并发写入，同时复用 basePath。
// generations 中的读写锁让 Put 与整代删除互斥：Put 持读锁，Delete 持写锁。
type fileStorage struct {
	basePath string

	mu          sync.Mutex
	locks       map[string]*entryLock
	generations map[string]*sync.RWMutex
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type fileStore struct {
	storage *fileStorage
	name    string
	dir     string
}

// fileEntry 是 .entry 文件的 JSON 结构，key 冗余保存以支持 Keys()。
type fileEntry struct {
	Key string `json:"key"`
	Response
}

func (s *fileStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	if err := validateName(name); err != nil {
		return nil, err
	}
	gen := s.generationLock(name)
	gen.RLock()
	defer gen.RUnlock()

	dir := filepath.Join(s.basePath, name)
	err := os.Mkdir(dir, 0o755)
	switch {
	case err == nil:
		created := strconv.FormatInt(time.Now().UnixNano(), 10)
		if err := os.WriteFile(filepath.Join(dir, createdMarker), []byte(created), 0o644); err != nil {
			return nil, err
		}
	case !errors.Is(err, fs.ErrExist):
		return nil, err
	}
	return &fileStore{storage: s, name: name, dir: dir}, nil
}

func (s *fileStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	if err := validateName(name); err != nil {
		return false, err
	}
	info, err := os.Stat(filepath.Join(s.basePath, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (s *fileStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}
	gen := s.generationLock(name)
	gen.Lock()
	defer gen.Unlock()

	exists, err := s.Has(ctx, name)
	if err != nil || !exists {
		return false, err
	}
	if err := os.RemoveAll(filepath.Join(s.basePath, name)); err != nil {
		return false, err
	}
	return true, nil
}

func (s *fileStorage) Names(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	type generation struct {
		name    string
		created int64
	}
	gens := make([]generation, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		created, err := s.createdAt(entry)
		if errors.Is(err, fs.ErrNotExist) {
			// 并发删除中
			continue
		}
		if err != nil {
			return nil, err
		}
		gens = append(gens, generation{name: entry.Name(), created: created})
	}
	sort.Slice(gens, func(i, j int) bool {
		if gens[i].created != gens[j].created {
			return gens[i].created < gens[j].created
		}
		return gens[i].name < gens[j].name
	})
	names := make([]string, len(gens))
	for i, gen := range gens {
		names[i] = gen.name
	}
	return names, nil
}

// createdAt 读取 .created；缺失时（旧目录）退回目录的修改时间。
func (s *fileStorage) createdAt(entry fs.DirEntry) (int64, error) {
	data, err := os.ReadFile(filepath.Join(s.basePath, entry.Name(), createdMarker))
	if err == nil {
		if created, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64); err == nil {
			return created, nil
		}
	}
	info, err := entry.Info()
	if err != nil {
		return 0, err
	}
	return info.ModTime().UnixNano(), nil
}

func (s *fileStorage) generationLock(name string) *sync.RWMutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock := s.generations[name]
	if lock == nil {
		lock = &sync.RWMutex{}
		s.generations[name] = lock
	}
	return lock
}

func (s *fileStorage) Close() error {
	return nil
}

func (s *fileStore) Name() string {
	return s.name
}

func (s *fileStore) Match(ctx context.Context, key string, opts MatchOptions) (*Response, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	key = NormalizeKey(key)

	entry, err := readEntry(s.entryPath(key))
	if err == nil {
		return &entry.Response, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if !opts.IgnoreSearch {
		return nil, ErrNotFound
	}

	// 同一路径下按文件名排序取第一条，保证结果稳定。
	files, err := s.listPathDir(PathOf(key))
	if err != nil {
		return nil, err
	}
	for _, file := range files {
		entry, err := readEntry(file)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &entry.Response, nil
	}
	return nil, ErrNotFound
}

func (s *fileStore) Put(ctx context.Context, key string, resp *Response) error {
	if resp == nil {
		return errors.New("nil response")
	}
	key = NormalizeKey(key)

	unlock := s.storage.lockEntry(s.name, key)
	defer unlock()

	if err := checkContext(ctx); err != nil {
		return err
	}
	gen := s.storage.generationLock(s.name)
	gen.RLock()
	defer gen.RUnlock()

	// 代际目录已被删除时不得重新创建，避免复活旧代际。
	if _, err := os.Stat(s.dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrStoreDeleted
		}
		return err
	}

	filePath := s.entryPath(key)
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return err
	}

	stored := resp.Clone()
	if stored.StoredAt.IsZero() {
		stored.StoredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(fileEntry{Key: key, Response: *stored})
	if err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(filepath.Dir(filePath), ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(payload)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (s *fileStore) Delete(ctx context.Context, key string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	key = NormalizeKey(key)

	unlock := s.storage.lockEntry(s.name, key)
	defer unlock()

	filePath := s.entryPath(key)
	if err := os.Remove(filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *fileStore) Keys(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	var keys []string
	err := filepath.WalkDir(s.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), entrySuffix) {
			return nil
		}
		entry, err := readEntry(p)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		keys = append(keys, entry.Key)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *fileStore) entryPath(key string) string {
	return filepath.Join(s.dir, hashOf(PathOf(key)), hashOf(key)+entrySuffix)
}

func (s *fileStore) listPathDir(p string) ([]string, error) {
	dir := filepath.Join(s.dir, hashOf(p))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), entrySuffix) {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(files)
	return files, nil
}

func (s *fileStorage) lockEntry(name, key string) func() {
	lockKey := name + "::" + key
	s.mu.Lock()
	lock := s.locks[lockKey]
	if lock == nil {
		lock = &entryLock{}
		s.locks[lockKey] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, lockKey)
		}
		s.mu.Unlock()
	}
}

func readEntry(filePath string) (*fileEntry, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var entry fileEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decode cache entry %s: %w", filepath.Base(filePath), err)
	}
	return &entry, nil
}

func hashOf(value string) string {
	sum := sha1.Sum([]byte(value))
	return hex.EncodeToString(sum[:])
}
