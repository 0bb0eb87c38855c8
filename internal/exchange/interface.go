// Package exchange provides venue clients for the trading core. It includes
// the Binance USDT-margined futures implementation used in live and paper
// modes, a circuit breaker decorator, and a testify mock for tests.
package exchange

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/sony/gobreaker"

	"github.com/cfontaine/blockbot/internal/models"
)

// Interface is the boundary the worker and reconciler talk to. Symbols are
// always the configured BASE/QUOTE form; implementations translate to venue
// ids internally and normalize responses back.
type Interface interface {
	// Market data
	FetchCandles(ctx context.Context, symbol, timeframe string, limit int) ([]models.Candle, error)
	FetchTicker(ctx context.Context, symbol string) (*models.Ticker, error)
	MarketTickSize(ctx context.Context, symbol string) (float64, error)
	AmountToPrecision(ctx context.Context, symbol string, amount float64) (float64, error)
	PriceToPrecision(ctx context.Context, symbol string, price float64) (float64, error)

	// Account
	GetFreeBalance(ctx context.Context) (float64, error)
	GetFullBalance(ctx context.Context) (models.Balance, error)
	GetPosition(ctx context.Context, symbol string) (*models.Position, error)
	GetAllPositions(ctx context.Context) ([]models.Position, error)

	// Orders
	GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error)
	GetAllOpenOrders(ctx context.Context) ([]models.Order, error)
	GetOrderStatus(ctx context.Context, symbol, orderID string) (*models.Order, error)
	PlaceLimitOrder(ctx context.Context, symbol string, side models.OrderSide, amount, price float64) (*models.Order, error)
	PlaceStopLoss(ctx context.Context, symbol string, side models.OrderSide, amount, stopPrice float64) (*models.Order, error)
	PlaceTakeProfit(ctx context.Context, symbol string, side models.OrderSide, amount, price float64) (*models.Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	CancelAllOrders(ctx context.Context, symbol string) error
	ClosePositionMarket(ctx context.Context, symbol string, side models.OrderSide, amount float64, reason string) (*models.Order, error)
}

// CircuitBreakerExchange wraps an Interface with circuit breaker
// functionality so a flapping venue stops consuming the request budget.
type CircuitBreakerExchange struct {
	inner   Interface
	breaker *gobreaker.CircuitBreaker
}

// CircuitBreakerSettings configures circuit breaker behavior.
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewCircuitBreakerExchange creates a CircuitBreakerExchange with sensible
// defaults.
func NewCircuitBreakerExchange(inner Interface) *CircuitBreakerExchange {
	return NewCircuitBreakerExchangeWithSettings(inner, CircuitBreakerSettings{
		MaxRequests:  3,                // Allow 3 requests when half-open
		Interval:     60 * time.Second, // Reset counts every minute
		Timeout:      30 * time.Second, // Open circuit for 30 seconds
		MinRequests:  5,                // Minimum requests before tripping
		FailureRatio: 0.6,              // Trip if 60% failure rate
	})
}

// NewCircuitBreakerExchangeWithSettings creates a CircuitBreakerExchange
// with custom settings.
func NewCircuitBreakerExchangeWithSettings(inner Interface, settings CircuitBreakerSettings) *CircuitBreakerExchange {
	gbSettings := gobreaker.Settings{
		Name:        "ExchangeCircuitBreaker",
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
			log.Printf("Circuit breaker %s state changed from %s to %s", name, from, to)
		},
	}

	return &CircuitBreakerExchange{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// execCircuitBreaker is a generic helper for circuit breaker wrapper methods.
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	inner Interface,
	fn func(Interface) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(inner) })
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

// FetchCandles wraps the underlying exchange call with circuit breaker.
func (c *CircuitBreakerExchange) FetchCandles(ctx context.Context, symbol, timeframe string, limit int) ([]models.Candle, error) {
	return execCircuitBreaker(c.breaker, c.inner, func(e Interface) ([]models.Candle, error) {
		return e.FetchCandles(ctx, symbol, timeframe, limit)
	})
}

// FetchTicker wraps the underlying exchange call with circuit breaker.
func (c *CircuitBreakerExchange) FetchTicker(ctx context.Context, symbol string) (*models.Ticker, error) {
	return execCircuitBreaker(c.breaker, c.inner, func(e Interface) (*models.Ticker, error) {
		return e.FetchTicker(ctx, symbol)
	})
}

// MarketTickSize wraps the underlying exchange call with circuit breaker.
func (c *CircuitBreakerExchange) MarketTickSize(ctx context.Context, symbol string) (float64, error) {
	return execCircuitBreaker(c.breaker, c.inner, func(e Interface) (float64, error) {
		return e.MarketTickSize(ctx, symbol)
	})
}

// AmountToPrecision wraps the underlying exchange call with circuit breaker.
func (c *CircuitBreakerExchange) AmountToPrecision(ctx context.Context, symbol string, amount float64) (float64, error) {
	return execCircuitBreaker(c.breaker, c.inner, func(e Interface) (float64, error) {
		return e.AmountToPrecision(ctx, symbol, amount)
	})
}

// PriceToPrecision wraps the underlying exchange call with circuit breaker.
func (c *CircuitBreakerExchange) PriceToPrecision(ctx context.Context, symbol string, price float64) (float64, error) {
	return execCircuitBreaker(c.breaker, c.inner, func(e Interface) (float64, error) {
		return e.PriceToPrecision(ctx, symbol, price)
	})
}

// GetFreeBalance wraps the underlying exchange call with circuit breaker.
func (c *CircuitBreakerExchange) GetFreeBalance(ctx context.Context) (float64, error) {
	return execCircuitBreaker(c.breaker, c.inner, func(e Interface) (float64, error) {
		return e.GetFreeBalance(ctx)
	})
}

// GetFullBalance wraps the underlying exchange call with circuit breaker.
func (c *CircuitBreakerExchange) GetFullBalance(ctx context.Context) (models.Balance, error) {
	return execCircuitBreaker(c.breaker, c.inner, func(e Interface) (models.Balance, error) {
		return e.GetFullBalance(ctx)
	})
}

// GetPosition wraps the underlying exchange call with circuit breaker.
func (c *CircuitBreakerExchange) GetPosition(ctx context.Context, symbol string) (*models.Position, error) {
	return execCircuitBreaker(c.breaker, c.inner, func(e Interface) (*models.Position, error) {
		return e.GetPosition(ctx, symbol)
	})
}

// GetAllPositions wraps the underlying exchange call with circuit breaker.
func (c *CircuitBreakerExchange) GetAllPositions(ctx context.Context) ([]models.Position, error) {
	return execCircuitBreaker(c.breaker, c.inner, func(e Interface) ([]models.Position, error) {
		return e.GetAllPositions(ctx)
	})
}

// GetOpenOrders wraps the underlying exchange call with circuit breaker.
func (c *CircuitBreakerExchange) GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	return execCircuitBreaker(c.breaker, c.inner, func(e Interface) ([]models.Order, error) {
		return e.GetOpenOrders(ctx, symbol)
	})
}

// GetAllOpenOrders wraps the underlying exchange call with circuit breaker.
func (c *CircuitBreakerExchange) GetAllOpenOrders(ctx context.Context) ([]models.Order, error) {
	return execCircuitBreaker(c.breaker, c.inner, func(e Interface) ([]models.Order, error) {
		return e.GetAllOpenOrders(ctx)
	})
}

// GetOrderStatus wraps the underlying exchange call with circuit breaker.
func (c *CircuitBreakerExchange) GetOrderStatus(ctx context.Context, symbol, orderID string) (*models.Order, error) {
	return execCircuitBreaker(c.breaker, c.inner, func(e Interface) (*models.Order, error) {
		return e.GetOrderStatus(ctx, symbol, orderID)
	})
}

// PlaceLimitOrder wraps the underlying exchange call with circuit breaker.
func (c *CircuitBreakerExchange) PlaceLimitOrder(ctx context.Context, symbol string, side models.OrderSide, amount, price float64) (*models.Order, error) {
	return execCircuitBreaker(c.breaker, c.inner, func(e Interface) (*models.Order, error) {
		return e.PlaceLimitOrder(ctx, symbol, side, amount, price)
	})
}

// PlaceStopLoss wraps the underlying exchange call with circuit breaker.
func (c *CircuitBreakerExchange) PlaceStopLoss(ctx context.Context, symbol string, side models.OrderSide, amount, stopPrice float64) (*models.Order, error) {
	return execCircuitBreaker(c.breaker, c.inner, func(e Interface) (*models.Order, error) {
		return e.PlaceStopLoss(ctx, symbol, side, amount, stopPrice)
	})
}

// PlaceTakeProfit wraps the underlying exchange call with circuit breaker.
func (c *CircuitBreakerExchange) PlaceTakeProfit(ctx context.Context, symbol string, side models.OrderSide, amount, price float64) (*models.Order, error) {
	return execCircuitBreaker(c.breaker, c.inner, func(e Interface) (*models.Order, error) {
		return e.PlaceTakeProfit(ctx, symbol, side, amount, price)
	})
}

// CancelOrder wraps the underlying exchange call with circuit breaker.
func (c *CircuitBreakerExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.inner.CancelOrder(ctx, symbol, orderID)
	})
	return err
}

// CancelAllOrders wraps the underlying exchange call with circuit breaker.
func (c *CircuitBreakerExchange) CancelAllOrders(ctx context.Context, symbol string) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.inner.CancelAllOrders(ctx, symbol)
	})
	return err
}

// ClosePositionMarket wraps the underlying exchange call with circuit breaker.
func (c *CircuitBreakerExchange) ClosePositionMarket(ctx context.Context, symbol string, side models.OrderSide, amount float64, reason string) (*models.Order, error) {
	return execCircuitBreaker(c.breaker, c.inner, func(e Interface) (*models.Order, error) {
		return e.ClosePositionMarket(ctx, symbol, side, amount, reason)
	})
}

// Ensure CircuitBreakerExchange implements Interface at compile time.
var _ Interface = (*CircuitBreakerExchange)(nil)
