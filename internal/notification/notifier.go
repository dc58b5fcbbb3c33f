package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/ankraft/acme-cse/internal/logging"
)

// Notifier sends m2m:sgn notifications to subscriber callback URLs: one
// gobreaker circuit breaker per callback URL, HTTP POST with a deadline.
// It does not retry internally — delivery gets one attempt per callback
// beyond the delivery timeout.
type Notifier struct {
	httpClient *http.Client
	logger     *logging.Logger

	mu              sync.Mutex
	circuitBreakers map[string]*gobreaker.CircuitBreaker
}

// NewNotifier constructs a Notifier with timeout as the per-delivery HTTP
// deadline, grounded on spec.md §4.6's "timeout requestExpirationDelta".
func NewNotifier(timeout time.Duration, logger *logging.Logger) *Notifier {
	return &Notifier{
		httpClient:      &http.Client{Timeout: timeout},
		logger:          logger,
		circuitBreakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Notify delivers notification to target and reports the outcome. A non-nil
// error, or an HTTP status outside 2xx, is a failed delivery. No RSC is
// derived from the outcome here or in the engine, which records it only
// as a delivery metric and a log line.
func (n *Notifier) Notify(ctx context.Context, target string, notification *Notification) (int, error) {
	payload, err := json.Marshal(notification)
	if err != nil {
		return 0, fmt.Errorf("marshal notification: %w", err)
	}

	cb := n.breakerFor(target)
	result, err := cb.Execute(func() (interface{}, error) {
		return n.post(ctx, target, payload)
	})
	if err != nil {
		return 0, err
	}
	return result.(int), nil
}

func (n *Notifier) post(ctx context.Context, target string, payload []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-M2M-Origin", "CSE")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("notification delivery failed: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("notification target returned status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func (n *Notifier) breakerFor(target string) *gobreaker.CircuitBreaker {
	n.mu.Lock()
	defer n.mu.Unlock()

	if cb, ok := n.circuitBreakers[target]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        target,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			n.logger.Info("notification circuit breaker state changed",
				zap.String("target", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	n.circuitBreakers[target] = cb
	return cb
}
