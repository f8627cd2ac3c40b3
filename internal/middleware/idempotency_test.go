package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/promode/internal/circuitbreaker"
)

func newRedisStore(t *testing.T) (*miniredis.Miniredis, *circuitbreaker.RedisWrapper) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rw := circuitbreaker.NewRedisWrapper(client, zaptest.NewLogger(t))
	t.Cleanup(func() { rw.Close() })
	return mr, rw
}

// countingHandler returns 200 with a body carrying the call count, or
// status for every call when status is non-zero.
func countingHandler(calls *int32, status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(calls, 1)
		w.Header().Set("Content-Type", "application/json")
		if status != 0 {
			w.WriteHeader(status)
		}
		fmt.Fprintf(w, `{"call":%d}`, n)
	})
}

func doPost(h http.Handler, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/pro-mode", strings.NewReader(body))
	if key != "" {
		req.Header.Set(idempotencyHeader, key)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestIdempotencyReplaysSuccess(t *testing.T) {
	mr, store := newRedisStore(t)
	var calls int32
	h := NewIdempotencyMiddleware(store, time.Hour, zaptest.NewLogger(t)).Middleware(countingHandler(&calls, 0))

	first := doPost(h, "abc", `{"prompt":"p","num_gens":2}`)
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, `{"call":1}`, first.Body.String())
	assert.Empty(t, first.Header().Get("X-Idempotency-Cached"))

	second := doPost(h, "abc", `{"prompt":"p","num_gens":2}`)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, `{"call":1}`, second.Body.String())
	assert.Equal(t, "true", second.Header().Get("X-Idempotency-Cached"))
	assert.Equal(t, "application/json", second.Header().Get("Content-Type"))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	keys := mr.Keys()
	require.Len(t, keys, 1)
	assert.True(t, strings.HasPrefix(keys[0], idempotencyKeyPrefix))
	assert.Equal(t, time.Hour, mr.TTL(keys[0]))
}

func TestIdempotencyKeyScope(t *testing.T) {
	_, store := newRedisStore(t)
	var calls int32
	h := NewIdempotencyMiddleware(store, time.Hour, zaptest.NewLogger(t)).Middleware(countingHandler(&calls, 0))

	doPost(h, "abc", `{"prompt":"p","num_gens":2}`)
	// same key, different body
	doPost(h, "abc", `{"prompt":"q","num_gens":2}`)
	// no key at all
	doPost(h, "", `{"prompt":"p","num_gens":2}`)
	doPost(h, "", `{"prompt":"p","num_gens":2}`)
	assert.Equal(t, int32(4), atomic.LoadInt32(&calls))
}

func TestIdempotencySkipsFailures(t *testing.T) {
	mr, store := newRedisStore(t)
	var calls int32
	h := NewIdempotencyMiddleware(store, time.Hour, zaptest.NewLogger(t)).Middleware(countingHandler(&calls, http.StatusBadGateway))

	doPost(h, "abc", `{}`)
	w := doPost(h, "abc", `{}`)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Empty(t, mr.Keys())
}

func TestIdempotencyFailsOpen(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	store := circuitbreaker.NewRedisWrapper(redis.NewClient(&redis.Options{Addr: mr.Addr()}), zaptest.NewLogger(t))
	defer store.Close()
	var calls int32
	h := NewIdempotencyMiddleware(store, time.Hour, zaptest.NewLogger(t)).Middleware(countingHandler(&calls, 0))

	mr.Close()
	w := doPost(h, "abc", `{}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

type brokenStore struct{}

func (brokenStore) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, errors.New("boom")
}

func (brokenStore) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return errors.New("boom")
}

func TestIdempotencyStoreErrors(t *testing.T) {
	var calls int32
	h := NewIdempotencyMiddleware(brokenStore{}, 0, zaptest.NewLogger(t)).Middleware(countingHandler(&calls, 0))
	assert.Equal(t, http.StatusOK, doPost(h, "abc", `{}`).Code)
	assert.Equal(t, http.StatusOK, doPost(h, "abc", `{}`).Code)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestIdempotencyDisabledWithoutStore(t *testing.T) {
	var calls int32
	next := countingHandler(&calls, 0)
	h := NewIdempotencyMiddleware(nil, 0, nil).Middleware(next)
	doPost(h, "abc", `{}`)
	doPost(h, "abc", `{}`)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}
