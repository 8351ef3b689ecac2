package fetcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"vcpd/internal/observability"
	"vcpd/internal/vcperr"
)

// Source labels where a fetch was satisfied.
const (
	SourceLocal       = "local"
	SourceDistributed = "distributed"
)

// Distributed is the worker-side file channel. Implemented by the
// distributed tool channel.
type Distributed interface {
	HasSessions() bool
	FetchFile(ctx context.Context, path string) (data []byte, mime string, err error)
}

// Config configures the fetcher.
type Config struct {
	CacheDir       string
	MemoryEntries  int
	RequestTimeout time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.CacheDir == "" {
		out.CacheDir = "file_cache"
	}
	if out.MemoryEntries <= 0 {
		out.MemoryEntries = 64
	}
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = 30 * time.Second
	}
	return out
}

// Result is one resolved file.
type Result struct {
	Data      []byte
	Mime      string
	Size      int
	FromCache bool
	Source    string
}

type memoryEntry struct {
	data []byte
	mime string
}

// Fetcher resolves file paths through memory, disk cache, local
// filesystem and connected workers, in that order.
type Fetcher struct {
	cfg         Config
	distributed Distributed
	memory      *lru.Cache[string, memoryEntry]
	logger      *observability.Logger
	metrics     *observability.Metrics

	hits   atomic.Int64
	misses atomic.Int64
}

func New(cfg Config, distributed Distributed, logger *observability.Logger, metrics *observability.Metrics) *Fetcher {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = observability.NopLogger()
	}
	memory, _ := lru.New[string, memoryEntry](cfg.MemoryEntries)
	return &Fetcher{
		cfg:         cfg,
		distributed: distributed,
		memory:      memory,
		logger:      logger,
		metrics:     metrics,
	}
}

// Fetch resolves path to bytes, consulting each layer in order.
func (f *Fetcher) Fetch(ctx context.Context, path string) (Result, error) {
	path = normalizePath(path)
	key := cacheKey(path)
	mime := mimeFor(path)

	if entry, ok := f.memory.Get(key); ok {
		f.hits.Add(1)
		f.metrics.CountFetch("memory")
		return Result{Data: entry.data, Mime: entry.mime, Size: len(entry.data), FromCache: true, Source: SourceLocal}, nil
	}

	if data, err := os.ReadFile(f.cachePath(key, path)); err == nil {
		f.hits.Add(1)
		f.metrics.CountFetch("cache")
		f.memory.Add(key, memoryEntry{data: data, mime: mime})
		return Result{Data: data, Mime: mime, Size: len(data), FromCache: true, Source: SourceLocal}, nil
	}
	f.misses.Add(1)

	if data, err := os.ReadFile(path); err == nil {
		f.metrics.CountFetch("filesystem")
		f.store(key, path, data, mime)
		return Result{Data: data, Mime: mime, Size: len(data), Source: SourceLocal}, nil
	}

	if f.distributed != nil && f.distributed.HasSessions() {
		fetchCtx, cancel := context.WithTimeout(ctx, f.cfg.RequestTimeout)
		data, workerMime, err := f.distributed.FetchFile(fetchCtx, path)
		cancel()
		if err == nil {
			if workerMime == "" {
				workerMime = mime
			}
			f.metrics.CountFetch("distributed")
			f.store(key, path, data, workerMime)
			return Result{Data: data, Mime: workerMime, Size: len(data), Source: SourceDistributed}, nil
		}
		f.logger.Debug("distributed fetch failed", "path", path, "error", err)
	}

	f.metrics.CountFetch("miss")
	return Result{}, vcperr.New(vcperr.KindToolExecution, "file not found in any layer", "path", path)
}

// ClearCache drops the in-memory layer and every file in the cache
// directory.
func (f *Fetcher) ClearCache() error {
	f.memory.Purge()
	entries, err := os.ReadDir(f.cfg.CacheDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(f.cfg.CacheDir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

// Stats reports cumulative fetch counters and the cache directory size.
type Stats struct {
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	HitRate     float64 `json:"hit_rate"`
	CachedFiles int     `json:"cached_files"`
	CachedBytes int64   `json:"cached_bytes"`
}

func (f *Fetcher) Stats() Stats {
	s := Stats{Hits: f.hits.Load(), Misses: f.misses.Load()}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	entries, err := os.ReadDir(f.cfg.CacheDir)
	if err != nil {
		return s
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		s.CachedFiles++
		if info, err := entry.Info(); err == nil {
			s.CachedBytes += info.Size()
		}
	}
	return s
}

// store persists into the disk cache and memory layer. Disk failures are
// logged only.
func (f *Fetcher) store(key, path string, data []byte, mime string) {
	f.memory.Add(key, memoryEntry{data: data, mime: mime})
	if err := os.MkdirAll(f.cfg.CacheDir, 0o755); err != nil {
		f.logger.Warn("cannot create cache directory", "dir", f.cfg.CacheDir, "error", err)
		return
	}
	if err := os.WriteFile(f.cachePath(key, path), data, 0o644); err != nil {
		f.logger.Warn("cache write failed", "path", path, "error", err)
	}
}

func (f *Fetcher) cachePath(key, path string) string {
	return filepath.Join(f.cfg.CacheDir, key+filepath.Ext(path))
}

func normalizePath(path string) string {
	return strings.TrimPrefix(path, "file://")
}

func cacheKey(path string) string {
	sum := sha256.Sum256([]byte(path))
	return hex.EncodeToString(sum[:])
}

var mimeTypes = map[string]string{
	".txt":  "text/plain",
	".md":   "text/markdown",
	".html": "text/html",
	".css":  "text/css",
	".js":   "text/javascript",
	".json": "application/json",
	".xml":  "application/xml",
	".yaml": "application/yaml",
	".yml":  "application/yaml",
	".pdf":  "application/pdf",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
	".svg":  "image/svg+xml",
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".mp4":  "video/mp4",
	".webm": "video/webm",
}

func mimeFor(path string) string {
	if mime, ok := mimeTypes[strings.ToLower(filepath.Ext(path))]; ok {
		return mime
	}
	return "application/octet-stream"
}
