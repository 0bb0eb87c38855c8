package exchange

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/cfontaine/blockbot/internal/models"
)

// MockExchange is a testify mock of Interface for wiring into worker and
// reconciler tests.
type MockExchange struct {
	mock.Mock
}

// Ensure MockExchange implements Interface at compile time.
var _ Interface = (*MockExchange)(nil)

// NewMockExchange creates an empty mock; set expectations with On.
func NewMockExchange() *MockExchange {
	return &MockExchange{}
}

func (m *MockExchange) FetchCandles(ctx context.Context, symbol, timeframe string, limit int) ([]models.Candle, error) {
	args := m.Called(ctx, symbol, timeframe, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Candle), args.Error(1)
}

func (m *MockExchange) FetchTicker(ctx context.Context, symbol string) (*models.Ticker, error) {
	args := m.Called(ctx, symbol)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Ticker), args.Error(1)
}

func (m *MockExchange) MarketTickSize(ctx context.Context, symbol string) (float64, error) {
	args := m.Called(ctx, symbol)
	return args.Get(0).(float64), args.Error(1)
}

func (m *MockExchange) AmountToPrecision(ctx context.Context, symbol string, amount float64) (float64, error) {
	args := m.Called(ctx, symbol, amount)
	return args.Get(0).(float64), args.Error(1)
}

func (m *MockExchange) PriceToPrecision(ctx context.Context, symbol string, price float64) (float64, error) {
	args := m.Called(ctx, symbol, price)
	return args.Get(0).(float64), args.Error(1)
}

func (m *MockExchange) GetFreeBalance(ctx context.Context) (float64, error) {
	args := m.Called(ctx)
	return args.Get(0).(float64), args.Error(1)
}

func (m *MockExchange) GetFullBalance(ctx context.Context) (models.Balance, error) {
	args := m.Called(ctx)
	return args.Get(0).(models.Balance), args.Error(1)
}

func (m *MockExchange) GetPosition(ctx context.Context, symbol string) (*models.Position, error) {
	args := m.Called(ctx, symbol)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Position), args.Error(1)
}

func (m *MockExchange) GetAllPositions(ctx context.Context) ([]models.Position, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Position), args.Error(1)
}

func (m *MockExchange) GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	args := m.Called(ctx, symbol)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Order), args.Error(1)
}

func (m *MockExchange) GetAllOpenOrders(ctx context.Context) ([]models.Order, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Order), args.Error(1)
}

func (m *MockExchange) GetOrderStatus(ctx context.Context, symbol, orderID string) (*models.Order, error) {
	args := m.Called(ctx, symbol, orderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Order), args.Error(1)
}

func (m *MockExchange) PlaceLimitOrder(ctx context.Context, symbol string, side models.OrderSide, amount, price float64) (*models.Order, error) {
	args := m.Called(ctx, symbol, side, amount, price)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Order), args.Error(1)
}

func (m *MockExchange) PlaceStopLoss(ctx context.Context, symbol string, side models.OrderSide, amount, stopPrice float64) (*models.Order, error) {
	args := m.Called(ctx, symbol, side, amount, stopPrice)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Order), args.Error(1)
}

func (m *MockExchange) PlaceTakeProfit(ctx context.Context, symbol string, side models.OrderSide, amount, price float64) (*models.Order, error) {
	args := m.Called(ctx, symbol, side, amount, price)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Order), args.Error(1)
}

func (m *MockExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	args := m.Called(ctx, symbol, orderID)
	return args.Error(0)
}

func (m *MockExchange) CancelAllOrders(ctx context.Context, symbol string) error {
	args := m.Called(ctx, symbol)
	return args.Error(0)
}

func (m *MockExchange) ClosePositionMarket(ctx context.Context, symbol string, side models.OrderSide, amount float64, reason string) (*models.Order, error) {
	args := m.Called(ctx, symbol, side, amount, reason)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Order), args.Error(1)
}
