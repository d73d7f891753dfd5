// Package shardstore implements C3: content-addressed shard fetch, hash
// verification, and persistent warm-start caching (spec.md §4.6, §6).
// Concurrent fetches of the same shard hash are coalesced via singleflight
// (spec.md §9's "lazy async ... with in-flight dedup" redesign note); DNS
// resolution for the CDN host is cached the way gguf-parser-go's own
// remote-fetch path does, since one model load issues hundreds of shard
// requests against the same host.
package shardstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/henvic/httpretty"
	"github.com/rs/dnscache"
	"golang.org/x/sync/singleflight"

	"github.com/clocksmith/doppler-sub019/internal/manifest"
)

// ShardHashMismatch is returned when a fetched shard's SHA-256 does not
// match the manifest (spec.md §7: re-fetch once, else fatal).
type ShardHashMismatch struct {
	Hash     string
	Got      string
	Attempts int
}

func (e *ShardHashMismatch) Error() string {
	return fmt.Sprintf("shardstore: hash mismatch for %s: got %s after %d attempt(s)", e.Hash, e.Got, e.Attempts)
}

// Cache is the persistent, platform-provided store keyed by
// (modelId, shardHash); a warm-start read skips the network entirely
// (spec.md §4.6). A process implements this over IndexedDB/OPFS in the
// browser; tests use the in-memory MemCache below.
type Cache interface {
	Get(modelID, shardHash string) ([]byte, bool)
	Put(modelID, shardHash string, data []byte)
}

// MemCache is an in-memory Cache, used in tests and as a reference
// implementation.
type MemCache struct {
	entries map[string][]byte
}

func NewMemCache() *MemCache { return &MemCache{entries: make(map[string][]byte)} }

func (c *MemCache) key(modelID, hash string) string { return modelID + "/" + hash }

func (c *MemCache) Get(modelID, hash string) ([]byte, bool) {
	b, ok := c.entries[c.key(modelID, hash)]
	return b, ok
}

func (c *MemCache) Put(modelID, hash string, data []byte) {
	c.entries[c.key(modelID, hash)] = data
}

// resolver is the package-wide DNS cache, so a long lived model-loading
// session doesn't keep resolving the same CDN host on every shard request.
// This package never calls its Refresh, so a cached entry is reused for the
// life of the process. Grounded on gguf-parser-go's util/httpx/resolver.go.
var resolver = &dnscache.Resolver{
	Timeout:  5 * time.Second,
	Resolver: net.DefaultResolver,
}

func dialContext(dialer *net.Dialer) func(context.Context, string, string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		ips, err := resolver.LookupHost(ctx, host)
		if err != nil {
			return nil, err
		}
		var lastErr error
		for _, ip := range ips {
			conn, dialErr := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
			if dialErr == nil {
				return conn, nil
			}
			lastErr = dialErr
		}
		return nil, lastErr
	}
}

// newTransport builds the HTTP transport used for shard/manifest fetches.
// When DOPPLER_HTTP_TRACE is set, requests are wrapped with httpretty for
// verbose debugging, mirroring gguf-parser-go's own opt-in fetch tracing.
func newTransport(trace bool) http.RoundTripper {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	base := &http.Transport{
		DialContext:         dialContext(dialer),
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
	}
	if !trace {
		return base
	}
	logger := &httpretty.Logger{
		Time:           true,
		TLS:            false,
		RequestHeader:  true,
		ResponseHeader: true,
	}
	return logger.RoundTripper(base)
}

// Store fetches, verifies, and caches RDRR shards.
type Store struct {
	modelID string
	baseURL string // e.g. "https://cdn.example/models/gemma2-2b/"
	cache   Cache
	client  *http.Client

	group singleflight.Group
}

// New constructs a Store for one loaded model pack.
func New(modelID, baseURL string, cache Cache) *Store {
	trace := os.Getenv("DOPPLER_HTTP_TRACE") != ""
	return &Store{
		modelID: modelID,
		baseURL: baseURL,
		cache:   cache,
		client:  &http.Client{Transport: newTransport(trace)},
	}
}

// Fetch returns the verified bytes for a shard. Concurrent calls for the
// same hash share one in-flight HTTP request. A hash mismatch triggers
// exactly one re-fetch before surfacing ShardHashMismatch (spec.md §7).
func (s *Store) Fetch(ctx context.Context, ref manifest.ShardRef) ([]byte, error) {
	if cached, ok := s.cache.Get(s.modelID, ref.Hash); ok {
		if verifyHash(cached, ref.Hash) {
			return cached, nil
		}
		slog.Warn("shardstore: warm-start cache entry failed verification, refetching", "hash", ref.Hash)
	}

	v, err, _ := s.group.Do(ref.Hash, func() (any, error) {
		return s.fetchAndVerify(ctx, ref, 2)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (s *Store) fetchAndVerify(ctx context.Context, ref manifest.ShardRef, attemptsAllowed int) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= attemptsAllowed; attempt++ {
		data, err := s.download(ctx, ref)
		if err != nil {
			lastErr = err
			continue
		}
		if int64(len(data)) != ref.ByteLength {
			lastErr = fmt.Errorf("shardstore: shard %s length mismatch: got %d want %d", ref.Hash, len(data), ref.ByteLength)
			continue
		}
		if !verifyHash(data, ref.Hash) {
			lastErr = &ShardHashMismatch{Hash: ref.Hash, Got: sha256Hex(data), Attempts: attempt}
			slog.Warn("shardstore: shard hash mismatch, retrying", "hash", ref.Hash, "attempt", attempt)
			continue
		}
		s.cache.Put(s.modelID, ref.Hash, data)
		return data, nil
	}
	return nil, lastErr
}

func (s *Store) download(ctx context.Context, ref manifest.ShardRef) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+ref.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("shardstore: fetch %s: %w", ref.Hash, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("shardstore: fetch %s: status %d", ref.Hash, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func verifyHash(data []byte, wantHex string) bool {
	return sha256Hex(data) == wantHex
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
