package keys

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/hlsget/internal/httpclient"
)

var testKey = bytes.Repeat([]byte{0xAB}, KeySize)

func newTestClient() *httpclient.Client {
	cfg := httpclient.DefaultConfig()
	cfg.RetryAttempts = 0
	return httpclient.New(cfg)
}

func TestResolveFetchesAndCaches(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write(testKey)
	}))
	defer srv.Close()

	r := NewResolver(newTestClient(), Options{TTL: time.Hour})

	key, err := r.Resolve(context.Background(), srv.URL+"/k1.bin")
	require.NoError(t, err)
	assert.Equal(t, testKey, key)

	_, err = r.Resolve(context.Background(), srv.URL+"/k1.bin")
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load(), "second resolve must hit the cache")
}

func TestResolveSingleFlight(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		_, _ = w.Write(testKey)
	}))
	defer srv.Close()

	r := NewResolver(newTestClient(), Options{TTL: time.Hour})

	const workers = 10
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.Resolve(context.Background(), srv.URL+"/k1.bin")
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), calls.Load(), "concurrent resolves must share one fetch")
}

func TestResolveTTLExpiry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write(testKey)
	}))
	defer srv.Close()

	r := NewResolver(newTestClient(), Options{TTL: 10 * time.Millisecond})

	_, err := r.Resolve(context.Background(), srv.URL+"/k1.bin")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	_, err = r.Resolve(context.Background(), srv.URL+"/k1.bin")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load(), "expired entry must be refetched")
}

func TestResolveRejectsWrongLength(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("short"))
	}))
	defer srv.Close()

	r := NewResolver(newTestClient(), Options{})
	_, err := r.Resolve(context.Background(), srv.URL+"/k1.bin")
	require.ErrorIs(t, err, ErrKeyLength)
}

func TestResolveFetchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	r := NewResolver(newTestClient(), Options{})
	_, err := r.Resolve(context.Background(), srv.URL+"/k1.bin")
	require.ErrorIs(t, err, ErrKeyFetch)
}

func TestResolveSurvivesFirstCallerCancellation(t *testing.T) {
	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		close(started)
		<-release
		_, _ = w.Write(testKey)
	}))
	defer srv.Close()

	r := NewResolver(newTestClient(), Options{TTL: time.Hour})
	uri := srv.URL + "/k1.bin"

	// The first caller starts the fetch, then gives up.
	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := r.Resolve(ctxA, uri)
		errA <- err
	}()
	<-started

	// A second caller from another job joins the in-flight fetch.
	type result struct {
		key []byte
		err error
	}
	resB := make(chan result, 1)
	go func() {
		key, err := r.Resolve(context.Background(), uri)
		resB <- result{key, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelA()
	require.ErrorIs(t, <-errA, context.Canceled)

	close(release)
	b := <-resB
	require.NoError(t, b.err, "a live caller must not inherit the first caller's cancellation")
	assert.Equal(t, testKey, b.key)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDiskCache(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write(testKey)
	}))
	defer srv.Close()

	dir := t.TempDir()
	uri := srv.URL + "/k1.bin"

	r1 := NewResolver(newTestClient(), Options{TTL: time.Hour, CacheDir: dir})
	_, err := r1.Resolve(context.Background(), uri)
	require.NoError(t, err)
	require.Equal(t, int32(1), calls.Load())

	// A fresh resolver with the same cache dir reads the key from disk.
	r2 := NewResolver(newTestClient(), Options{TTL: time.Hour, CacheDir: dir})
	key, err := r2.Resolve(context.Background(), uri)
	require.NoError(t, err)
	assert.Equal(t, testKey, key)
	assert.Equal(t, int32(1), calls.Load())
}
