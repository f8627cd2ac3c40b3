package circuitbreaker

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestHTTPWrapper_ServerErrorsTripBreaker(t *testing.T) {
	t.Setenv("CB_LLM_FAILURE_THRESHOLD", "3")

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	hw := NewHTTPWrapper(srv.Client(), "llm-test", "openai", zaptest.NewLogger(t))

	for i := 0; i < 3; i++ {
		req, err := http.NewRequest(http.MethodPost, srv.URL, nil)
		require.NoError(t, err)
		resp, err := hw.Do(req)
		require.NoError(t, err, "5xx responses are returned to the caller")
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
		resp.Body.Close()
	}

	assert.Equal(t, StateOpen, hw.Breaker().State())

	req, err := http.NewRequest(http.MethodPost, srv.URL, nil)
	require.NoError(t, err)
	_, err = hw.Do(req)
	assert.ErrorIs(t, err, ErrOpen)
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

func TestHTTPWrapper_ClientErrorsDoNotTripBreaker(t *testing.T) {
	t.Setenv("CB_LLM_FAILURE_THRESHOLD", "2")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	hw := NewHTTPWrapper(srv.Client(), "llm-test-4xx", "openai", zaptest.NewLogger(t))
	for i := 0; i < 5; i++ {
		req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
		require.NoError(t, err)
		resp, err := hw.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
	}
	assert.Equal(t, StateClosed, hw.Breaker().State())
	assert.Equal(t, StateClosed, Snapshot()["openai:llm-test-4xx"])
}
