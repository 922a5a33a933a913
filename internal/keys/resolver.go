// Package keys resolves HLS encryption keys. Keys are fetched once per
// URI regardless of how many segments or concurrent workers reference
// them, cached with a TTL, and optionally persisted to disk.
package keys

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jmylchreest/hlsget/internal/httpclient"
	"github.com/jmylchreest/hlsget/internal/observability"
)

// AES-128 keys are exactly this long. A response of any other length is
// a server error, not a usable key.
const KeySize = 16

var (
	ErrKeyFetch  = errors.New("key fetch failed")
	ErrKeyLength = errors.New("key has wrong length")
)

// cacheEntry is a fetched key with its expiry.
type cacheEntry struct {
	key       []byte
	fetchedAt time.Time
}

// Resolver fetches and caches encryption keys. All methods are safe for
// concurrent use; concurrent requests for the same URI share a single
// fetch.
type Resolver struct {
	client   *httpclient.Client
	logger   *slog.Logger
	ttl      time.Duration
	cacheDir string

	group singleflight.Group

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// Options configures a Resolver.
type Options struct {
	// TTL is how long a fetched key stays valid. Zero means keys never
	// expire for the lifetime of the resolver.
	TTL time.Duration
	// CacheDir, when non-empty, persists fetched keys to disk and reads
	// them back across runs.
	CacheDir string
	Logger   *slog.Logger
}

// NewResolver creates a key resolver backed by the given HTTP client.
func NewResolver(client *httpclient.Client, opts Options) *Resolver {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		client:   client,
		logger:   observability.WithComponent(logger, "keys"),
		ttl:      opts.TTL,
		cacheDir: opts.CacheDir,
		cache:    make(map[string]cacheEntry),
	}
}

// Resolve returns the key for the given URI. Lookup order: the
// in-memory cache, then the disk cache, then a network fetch. Callers
// must not mutate the returned slice.
func (r *Resolver) Resolve(ctx context.Context, uri string) ([]byte, error) {
	r.mu.RLock()
	if entry, ok := r.cache[uri]; ok && !r.expired(entry) {
		r.mu.RUnlock()
		return entry.key, nil
	}
	r.mu.RUnlock()

	// The flight is shared by every waiter, so the fetch must not die
	// with whichever caller happened to start it. Each caller still
	// honours its own context while waiting.
	ch := r.group.DoChan(uri, func() (any, error) {
		// Re-check under the flight: a concurrent caller may have
		// populated the cache while this one queued.
		r.mu.RLock()
		entry, ok := r.cache[uri]
		r.mu.RUnlock()
		if ok && !r.expired(entry) {
			return entry.key, nil
		}

		if key := r.loadFromDisk(uri); key != nil {
			r.store(uri, key)
			return key, nil
		}

		key, err := r.fetch(context.WithoutCancel(ctx), uri)
		if err != nil {
			return nil, err
		}
		r.store(uri, key)
		r.saveToDisk(uri, key)
		return key, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Resolver) expired(entry cacheEntry) bool {
	return r.ttl > 0 && time.Since(entry.fetchedAt) > r.ttl
}

func (r *Resolver) store(uri string, key []byte) {
	r.mu.Lock()
	r.cache[uri] = cacheEntry{key: key, fetchedAt: time.Now()}
	r.mu.Unlock()
}

func (r *Resolver) fetch(ctx context.Context, uri string) ([]byte, error) {
	resp, err := r.client.Get(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrKeyFetch, resp.StatusCode)
	}

	key, err := io.ReadAll(io.LimitReader(resp.Body, KeySize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrKeyFetch, err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrKeyLength, len(key), KeySize)
	}

	r.logger.Debug("fetched key", slog.String("uri", uri))
	return key, nil
}

// diskPath derives a collision-free cache file name from the key URI.
func (r *Resolver) diskPath(uri string) string {
	sum := sha256.Sum256([]byte(uri))
	return filepath.Join(r.cacheDir, hex.EncodeToString(sum[:])+".key")
}

func (r *Resolver) loadFromDisk(uri string) []byte {
	if r.cacheDir == "" {
		return nil
	}
	path := r.diskPath(uri)

	info, err := os.Stat(path)
	if err != nil {
		return nil
	}
	if r.ttl > 0 && time.Since(info.ModTime()) > r.ttl {
		_ = os.Remove(path)
		return nil
	}

	key, err := os.ReadFile(path)
	if err != nil || len(key) != KeySize {
		return nil
	}
	return key
}

func (r *Resolver) saveToDisk(uri string, key []byte) {
	if r.cacheDir == "" {
		return
	}
	if err := os.MkdirAll(r.cacheDir, 0o755); err != nil {
		r.logger.Warn("key cache dir unavailable", slog.String("error", err.Error()))
		return
	}
	if err := os.WriteFile(r.diskPath(uri), key, 0o600); err != nil {
		r.logger.Warn("key cache write failed", slog.String("error", err.Error()))
	}
}
