package shardstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clocksmith/doppler-sub019/internal/manifest"
)

func hashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestFetchVerifiesAndCaches(t *testing.T) {
	payload := []byte("shard-bytes-0123456789")
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.Write(payload)
	}))
	defer srv.Close()

	cache := NewMemCache()
	store := newTestStore(t, "m1", srv.URL+"/", cache)

	ref := manifest.ShardRef{Hash: hashOf(payload), ByteLength: int64(len(payload)), URL: "shard_00000.bin"}

	got, err := store.Fetch(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, int32(1), atomic.LoadInt32(&requests))

	cached, ok := cache.Get("m1", ref.Hash)
	require.True(t, ok)
	assert.Equal(t, payload, cached)

	// Second fetch is served from the warm-start cache; no new HTTP call.
	got2, err := store.Fetch(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, payload, got2)
	assert.Equal(t, int32(1), atomic.LoadInt32(&requests))
}

func TestFetchRetriesOnceThenFailsOnPersistentMismatch(t *testing.T) {
	wrongPayload := []byte("not-the-right-bytes")
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.Write(wrongPayload)
	}))
	defer srv.Close()

	store := newTestStore(t, "m1", srv.URL+"/", NewMemCache())
	ref := manifest.ShardRef{Hash: hashOf([]byte("expected-bytes-that-never-arrive")), ByteLength: int64(len(wrongPayload)), URL: "shard_00001.bin"}

	_, err := store.Fetch(context.Background(), ref)
	require.Error(t, err)
	var mismatch *ShardHashMismatch
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, int32(2), atomic.LoadInt32(&requests), "one fetch plus exactly one retry")
}

func TestFetchDedupesConcurrentRequestsForSameHash(t *testing.T) {
	payload := []byte("shared-shard-payload")
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.Write(payload)
	}))
	defer srv.Close()

	store := newTestStore(t, "m1", srv.URL+"/", NewMemCache())
	ref := manifest.ShardRef{Hash: hashOf(payload), ByteLength: int64(len(payload)), URL: "shard_00002.bin"}

	const n = 8
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := store.Fetch(context.Background(), ref)
			results <- err
		}()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-results)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&requests), "singleflight should coalesce concurrent identical fetches")
}

func newTestStore(t *testing.T, modelID, baseURL string, cache Cache) *Store {
	t.Helper()
	s := New(modelID, baseURL, cache)
	// Use the default net/http dialer in tests; DNS-cache dialing is only
	// exercised against real hostnames, not httptest's loopback listener.
	s.client = &http.Client{}
	return s
}
