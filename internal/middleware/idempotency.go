package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/promode/internal/auth"
	"github.com/Kocoro-lab/promode/internal/metrics"
)

const (
	idempotencyHeader    = "Idempotency-Key"
	idempotencyKeyPrefix = "promode:idempotency:"
	maxIdempotencyBody   = 1 << 20
)

// ResultStore is the slice of the Redis client the middleware needs.
// circuitbreaker.RedisWrapper satisfies it.
type ResultStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
}

// IdempotencyMiddleware replays the stored response of a completed pro-mode
// run when a client retries with the same Idempotency-Key. A run costs up to
// a hundred backend calls, so a retried POST must not start another one.
type IdempotencyMiddleware struct {
	store  ResultStore
	ttl    time.Duration
	logger *zap.Logger
}

// NewIdempotencyMiddleware returns the middleware. A nil store disables it.
func NewIdempotencyMiddleware(store ResultStore, ttl time.Duration, logger *zap.Logger) *IdempotencyMiddleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &IdempotencyMiddleware{store: store, ttl: ttl, logger: logger}
}

// storedResponse is what goes into Redis for one completed request.
type storedResponse struct {
	Status   int         `json:"status_code"`
	Header   http.Header `json:"headers"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"stored_at"`
}

func (s *storedResponse) replay(w http.ResponseWriter, key string) {
	dst := w.Header()
	for name, values := range s.Header {
		dst[name] = append(dst[name], values...)
	}
	dst.Set("X-Idempotency-Cached", "true")
	dst.Set("X-Idempotency-Key", key)
	w.WriteHeader(s.Status)
	_, _ = w.Write(s.Body)
}

func (im *IdempotencyMiddleware) Middleware(next http.Handler) http.Handler {
	if im.store == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(idempotencyHeader)
		if r.Method != http.MethodPost || key == "" {
			next.ServeHTTP(w, r)
			return
		}
		log := im.logger.With(zap.String("idempotency_key", key), zap.String("path", r.URL.Path))

		cacheKey, err := cacheKeyFor(r, key)
		if err != nil {
			// unreadable body; the handler reports it
			next.ServeHTTP(w, r)
			return
		}

		stored, err := im.lookup(r.Context(), cacheKey)
		switch {
		case err == nil:
			log.Debug("Replaying stored response")
			metrics.IdempotentReplays.Inc()
			stored.replay(w, key)
			return
		case !errors.Is(err, redis.Nil):
			log.Warn("Idempotency lookup failed, serving uncached", zap.Error(err))
		}

		rec := newStatusRecorder(w, true)
		next.ServeHTTP(rec, r)
		if rec.statusCode < 200 || rec.statusCode >= 300 {
			return
		}

		header := rec.Header().Clone()
		header.Del(requestIDHeader)
		resp := &storedResponse{
			Status:   rec.statusCode,
			Header:   header,
			Body:     rec.body.Bytes(),
			StoredAt: time.Now().UTC(),
		}
		// stored even when the client has already gone away
		if err := im.save(context.WithoutCancel(r.Context()), cacheKey, resp); err != nil {
			log.Error("Failed to store response", zap.Error(err))
			return
		}
		log.Debug("Stored response", zap.Int("status", rec.statusCode))
	})
}

// cacheKeyFor binds the client key to the caller, the path and the body, so
// a key reused for a different request misses instead of replaying.
func cacheKeyFor(r *http.Request, key string) (string, error) {
	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(io.LimitReader(r.Body, maxIdempotencyBody+1))
		r.Body = io.NopCloser(bytes.NewReader(body))
		if err != nil {
			return "", err
		}
	}

	h := sha256.New()
	for _, part := range [][]byte{
		[]byte(key),
		[]byte(auth.SubjectFromContext(r.Context())),
		[]byte(r.URL.Path),
	} {
		h.Write(part)
		h.Write([]byte{0})
	}
	h.Write(body)
	return idempotencyKeyPrefix + hex.EncodeToString(h.Sum(nil)), nil
}

func (im *IdempotencyMiddleware) lookup(ctx context.Context, key string) (*storedResponse, error) {
	data, err := im.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var resp storedResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (im *IdempotencyMiddleware) save(ctx context.Context, key string, resp *storedResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return im.store.Set(ctx, key, data, im.ttl)
}
