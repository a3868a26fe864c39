package vendors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/i474232898/grow-watcher/internal/sensor"
)

// defaultBreakerTimeout is how long an open breaker waits before letting a
// trial request through.
const defaultBreakerTimeout = 2 * time.Minute

var errNoHTTPClient = errors.New("http client not configured")

// newBreaker returns a circuit breaker for one call target. A failing endpoint
// is not retried in-call; the next scheduled cycle tries again.
func newBreaker(name string, timeout time.Duration) *gobreaker.CircuitBreaker {
	if timeout <= 0 {
		timeout = defaultBreakerTimeout
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    1 * time.Minute,
		Timeout:     timeout,
	})
}

// breakerError maps an open breaker onto the network class.
func breakerError(name string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s circuit breaker open: %v", sensor.ErrNetwork, name, err)
	}
	return err
}

// doRequestWithResilience executes the request once through the circuit
// breaker. Transport failures, 429 and 5xx answers count against the breaker
// and come back wrapped in sensor.ErrNetwork. Any other status is returned to
// the caller with its body intact so it can be classified.
func doRequestWithResilience(
	ctx context.Context,
	client *http.Client,
	cb *gobreaker.CircuitBreaker,
	buildRequest func() (*http.Request, error),
) (*http.Response, error) {
	if client == nil {
		return nil, errNoHTTPClient
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", sensor.ErrNetwork, err)
	}

	req, err := buildRequest()
	if err != nil {
		return nil, err
	}
	req = req.WithContext(ctx)

	result, err := cb.Execute(func() (interface{}, error) {
		resp, execErr := client.Do(req)
		if execErr != nil {
			return nil, execErr
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			resp.Body.Close()
			return nil, fmt.Errorf("unexpected status code %d", resp.StatusCode)
		}
		return resp, nil
	})
	if err != nil {
		err = breakerError(cb.Name(), err)
		if !errors.Is(err, sensor.ErrNetwork) {
			err = fmt.Errorf("%w: %v", sensor.ErrNetwork, err)
		}
		return nil, err
	}

	resp, ok := result.(*http.Response)
	if !ok {
		return nil, fmt.Errorf("unexpected result type from circuit breaker")
	}
	return resp, nil
}
