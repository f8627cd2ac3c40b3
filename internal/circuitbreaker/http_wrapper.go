package circuitbreaker

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPWrapper sends requests to the generation backend through a breaker.
type HTTPWrapper struct {
	client  *http.Client
	cb      *CircuitBreaker
	service string
}

// NewHTTPWrapper guards client with the CB_LLM_* breaker. service is the
// provider label used in metrics.
func NewHTTPWrapper(client *http.Client, name, service string, logger *zap.Logger) *HTTPWrapper {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &HTTPWrapper{
		client:  client,
		cb:      newTracked(name, service, ConfigFor(DepLLM), logger),
		service: service,
	}
}

func (hw *HTTPWrapper) Breaker() *CircuitBreaker { return hw.cb }

// Do sends req. 5xx and 429 responses count against the breaker but are
// still handed back with a nil error so the caller can read the body.
func (hw *HTTPWrapper) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := guarded(req.Context(), hw.cb, hw.service, func() error {
		var err error
		resp, err = hw.client.Do(req)
		if err != nil {
			return err
		}
		if overloaded(resp.StatusCode) {
			return errOverloaded
		}
		return nil
	})
	if err == errOverloaded {
		return resp, nil
	}
	return resp, err
}

var errOverloaded = errors.New("backend overloaded")

func overloaded(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests
}
