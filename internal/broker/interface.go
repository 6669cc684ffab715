// Package broker provides the trading API client used to submit and
// track the engine's market orders.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// Broker defines the interface for interacting with a brokerage.
//
// Sides use the explicit open/close vocabulary (buy, sell, buy_to_open,
// sell_to_open, buy_to_close, sell_to_close); implementations map them
// to whatever their API expects.
type Broker interface {
	// PlaceEquityOrder submits a market day order for a stock.
	PlaceEquityOrder(ctx context.Context, symbol string, qty int, side string) (*Order, error)

	// PlaceOptionOrder submits a market day order for a single option
	// contract identified by its OCC symbol.
	PlaceOptionOrder(ctx context.Context, occ string, qty int, side string) (*Order, error)

	// GetOrder retrieves the current state of an order by broker id.
	GetOrder(ctx context.Context, orderID string) (*Order, error)
}

// IsFatalOrderError reports whether a submission error is permanent:
// the request itself is bad and resubmitting the same order can only
// fail again. Rate limiting (429) and server-side errors are transient;
// so are transport errors that never produced an HTTP response.
func IsFatalOrderError(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.Status == 429 || apiErr.Status >= 500 {
		return false
	}
	return true
}

// CircuitBreakerBroker wraps a Broker with circuit breaker functionality.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

// execCircuitBreaker is a generic helper for circuit breaker wrapper methods.
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// CircuitBreakerSettings configures circuit breaker behavior.
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewCircuitBreakerBroker creates a CircuitBreakerBroker with sensible defaults.
func NewCircuitBreakerBroker(broker Broker, logger *logrus.Logger) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, logger, CircuitBreakerSettings{
		MaxRequests:  3,                // Allow 3 requests when half-open
		Interval:     60 * time.Second, // Reset counts every minute
		Timeout:      30 * time.Second, // Open circuit for 30 seconds
		MinRequests:  5,                // Minimum requests before tripping
		FailureRatio: 0.6,              // Trip if 60% failure rate
	})
}

// NewCircuitBreakerBrokerWithSettings creates a CircuitBreakerBroker with custom settings.
func NewCircuitBreakerBrokerWithSettings(broker Broker, logger *logrus.Logger, settings CircuitBreakerSettings) *CircuitBreakerBroker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state changed")
		},
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// PlaceEquityOrder wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) PlaceEquityOrder(ctx context.Context, symbol string, qty int, side string) (*Order, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*Order, error) {
		return b.PlaceEquityOrder(ctx, symbol, qty, side)
	})
}

// PlaceOptionOrder wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) PlaceOptionOrder(ctx context.Context, occ string, qty int, side string) (*Order, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*Order, error) {
		return b.PlaceOptionOrder(ctx, occ, qty, side)
	})
}

// GetOrder wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*Order, error) {
		return b.GetOrder(ctx, orderID)
	})
}

// Ensure both implementations satisfy the interface.
var (
	_ Broker = (*AlpacaClient)(nil)
	_ Broker = (*CircuitBreakerBroker)(nil)
)
