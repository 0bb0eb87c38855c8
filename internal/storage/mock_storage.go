package storage

import (
	"fmt"
	"sync"
	"time"

	"github.com/cfontaine/blockbot/internal/models"
	"github.com/cfontaine/blockbot/internal/util"
)

// MockStore implements Interface for testing. It keeps everything in memory,
// never touches disk, and lets tests inject persistence errors and inspect
// call counts.
type MockStore struct {
	mu sync.Mutex

	pending     map[string]models.PendingOrder
	positions   map[string]models.Position
	trades      []models.Trade
	balance     []models.BalancePoint
	lastBal     models.Balance
	totalPnL    float64
	openOrders  []models.Order
	metrics     models.Metrics
	reconLog    []models.ReconciliationEvent
	stillActive map[string]string

	reconActive bool

	saveError    error
	pendingError error
	tradeError   error

	saveCallCount     int
	addTradeCallCount int
}

// NewMockStore creates a new mock store for testing.
func NewMockStore() *MockStore {
	return &MockStore{
		pending:     make(map[string]models.PendingOrder),
		positions:   make(map[string]models.Position),
		stillActive: make(map[string]string),
	}
}

// --- Pending orders ---

func (m *MockStore) SetPendingOrder(po models.PendingOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pendingError != nil {
		return m.pendingError
	}
	po.Symbol = util.NormalizeSymbol(po.Symbol)
	if po.Symbol == "" {
		return fmt.Errorf("pending order has no symbol")
	}
	if po.CreatedAt.IsZero() {
		po.CreatedAt = models.Now()
	}
	m.pending[po.Symbol] = po
	m.metrics.PendingOrdersCount = len(m.pending)
	return nil
}

func (m *MockStore) GetPendingOrder(symbol string) (models.PendingOrder, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	po, ok := m.pending[util.NormalizeSymbol(symbol)]
	return po, ok
}

func (m *MockStore) RemovePendingOrder(symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pendingError != nil {
		return m.pendingError
	}
	key := util.NormalizeSymbol(symbol)
	delete(m.pending, key)
	delete(m.stillActive, key)
	m.metrics.PendingOrdersCount = len(m.pending)
	return nil
}

func (m *MockStore) PendingOrders() map[string]models.PendingOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]models.PendingOrder, len(m.pending))
	for k, v := range m.pending {
		out[k] = v
	}
	return out
}

func (m *MockStore) StalePendingOrders(maxAge time.Duration) map[string]StalePending {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	stale := make(map[string]StalePending)
	for sym, po := range m.pending {
		age, ok := po.CreatedAt.Age(now)
		if !ok {
			continue
		}
		if age > maxAge {
			stale[sym] = StalePending{Order: po, Age: age}
		}
	}
	return stale
}

func (m *MockStore) UpdatePendingPartialFill(symbol string, filledAmount, remaining float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := util.NormalizeSymbol(symbol)
	po, ok := m.pending[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoPendingOrder, key)
	}
	po.PartialFill = true
	po.FilledAmount = filledAmount
	if remaining > 0 {
		po.Params.Quantity = remaining
	}
	m.pending[key] = po
	return nil
}

func (m *MockStore) TouchTPSLPlacement(symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := util.NormalizeSymbol(symbol)
	po, ok := m.pending[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoPendingOrder, key)
	}
	po.LastTPSLPlacement = models.Now()
	m.pending[key] = po
	return nil
}

func (m *MockStore) SetProtectiveIDs(symbol string, ids models.ProtectiveIDs) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := util.NormalizeSymbol(symbol)
	po, ok := m.pending[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoPendingOrder, key)
	}
	po.ExchangeOrders = ids
	m.pending[key] = po
	return nil
}

// --- Position mirror ---

func (m *MockStore) ReplacePositions(positions []models.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := make(map[string]models.Position, len(positions))
	for _, p := range positions {
		key := util.NormalizeSymbol(p.Symbol)
		if key == "" || p.Size == 0 {
			continue
		}
		p.Symbol = key
		if prev, ok := m.positions[key]; ok && p.EntryTime.IsZero() {
			p.EntryTime = prev.EntryTime
		}
		next[key] = p
	}
	for key, prev := range m.positions {
		if _, ok := next[key]; !ok {
			m.closeTradeLocked(key, prev.MarkPrice)
		}
	}
	m.positions = next
}

func (m *MockStore) UpsertPosition(pos models.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := util.NormalizeSymbol(pos.Symbol)
	if key == "" || pos.Size == 0 {
		return
	}
	pos.Symbol = key
	if prev, ok := m.positions[key]; ok && pos.EntryTime.IsZero() {
		pos.EntryTime = prev.EntryTime
	}
	m.positions[key] = pos
}

func (m *MockStore) RemovePosition(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := util.NormalizeSymbol(symbol)
	prev, ok := m.positions[key]
	if !ok {
		return
	}
	delete(m.positions, key)
	m.closeTradeLocked(key, prev.MarkPrice)
}

func (m *MockStore) Position(symbol string) (models.Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[util.NormalizeSymbol(symbol)]
	return p, ok
}

func (m *MockStore) Positions() []models.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, p)
	}
	return out
}

func (m *MockStore) SetPositionTPSL(symbol string, takeProfit, stopLoss float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := util.NormalizeSymbol(symbol)
	p, ok := m.positions[key]
	if !ok {
		return
	}
	p.TakeProfit = takeProfit
	p.StopLoss = stopLoss
	m.positions[key] = p
}

// --- Trade history ---

func (m *MockStore) AddTrade(trade models.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addTradeCallCount++
	if m.tradeError != nil {
		return m.tradeError
	}
	trade.Symbol = util.NormalizeSymbol(trade.Symbol)
	if trade.Timestamp.IsZero() {
		trade.Timestamp = models.Now()
	}
	m.trades = append([]models.Trade{trade}, m.trades...)
	if trade.Status == models.TradeClosed {
		m.totalPnL += trade.PnL
	}
	return nil
}

func (m *MockStore) Trades() []models.Trade {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Trade, len(m.trades))
	copy(out, m.trades)
	return out
}

func (m *MockStore) OpenTradeExists(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := util.NormalizeSymbol(symbol)
	for _, tr := range m.trades {
		if tr.Status == models.TradeOpen && util.NormalizeSymbol(tr.Symbol) == key {
			return true
		}
	}
	return false
}

func (m *MockStore) CloseTradeForSymbol(symbol string, exitPrice float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closeTradeLocked(symbol, exitPrice) {
		return fmt.Errorf("%w: %s", ErrNoOpenTrade, util.NormalizeSymbol(symbol))
	}
	return nil
}

func (m *MockStore) closeTradeLocked(symbol string, exitPrice float64) bool {
	key := util.NormalizeSymbol(symbol)
	for i := range m.trades {
		tr := &m.trades[i]
		if tr.Status != models.TradeOpen || util.NormalizeSymbol(tr.Symbol) != key {
			continue
		}
		exit := exitPrice
		if exit <= 0 {
			exit = tr.EntryPrice
		}
		now := models.Now()
		tr.ExitPrice = exit
		tr.PnL = tr.Side.PnL(tr.EntryPrice, exit, tr.Size)
		tr.Status = models.TradeClosed
		tr.ExitTime = now
		tr.Timestamp = now
		m.totalPnL += tr.PnL
		return true
	}
	return false
}

func (m *MockStore) TotalPnL() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalPnL
}

// --- Balance ---

func (m *MockStore) UpdateFullBalance(total, free, used float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastBal = models.Balance{Total: total, Free: free, Used: used}
	m.balance = append(m.balance, models.BalancePoint{
		Timestamp: models.Now(),
		Total:     total,
		Free:      free,
		Used:      used,
		TotalPnL:  m.totalPnL,
	})
	return nil
}

func (m *MockStore) LastBalance() models.Balance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastBal
}

func (m *MockStore) BalanceHistory() []models.BalancePoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.BalancePoint, len(m.balance))
	copy(out, m.balance)
	return out
}

// --- Open-order mirror ---

func (m *MockStore) SetExchangeOpenOrders(orders []models.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := make([]models.Order, len(orders))
	copy(next, orders)
	for i := range next {
		next[i].Symbol = util.NormalizeSymbol(next[i].Symbol)
	}
	m.openOrders = next
	m.metrics.OpenExchangeOrdersCount = len(next)
}

func (m *MockStore) ExchangeOpenOrders() []models.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Order, len(m.openOrders))
	copy(out, m.openOrders)
	return out
}

func (m *MockStore) ExchangeOpenOrdersFor(symbol string) []models.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := util.NormalizeSymbol(symbol)
	var out []models.Order
	for _, o := range m.openOrders {
		if o.Symbol == key {
			out = append(out, o)
		}
	}
	return out
}

// --- Metrics ---

func (m *MockStore) Metrics() models.Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metrics
}

func (m *MockStore) IncPlacedOrders() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics.PlacedOrdersCount++
}

func (m *MockStore) IncCancelledOrders() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics.CancelledOrdersCount++
}

func (m *MockStore) IncFilledOrders() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics.FilledOrdersCount++
}

func (m *MockStore) IncOrderCreateRetries() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics.OrderCreateRetriesTotal++
}

func (m *MockStore) IncStalePending() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics.PendingOrderStaleCount++
}

func (m *MockStore) AddDuplicatePlacementAttempts(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics.DuplicatePlacementAttempts += n
}

// --- Reconciliation log and gate ---

func (m *MockStore) AppendReconciliation(action, details string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev := models.ReconciliationEvent{Timestamp: models.Now(), Action: action, Details: details}
	m.reconLog = append([]models.ReconciliationEvent{ev}, m.reconLog...)
	if len(m.reconLog) > reconciliationLogCap {
		m.reconLog = m.reconLog[:reconciliationLogCap]
	}
}

func (m *MockStore) ReconciliationLog() []models.ReconciliationEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ReconciliationEvent, len(m.reconLog))
	copy(out, m.reconLog)
	return out
}

func (m *MockStore) TryBeginReconciliation() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reconActive {
		m.metrics.ReconciliationSkippedCount++
		return false
	}
	m.reconActive = true
	return true
}

func (m *MockStore) EndReconciliation() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics.ReconciliationRunsCount++
	m.reconActive = false
}

// --- Log gates ---

// ShouldLogThrottled never throttles in tests.
func (m *MockStore) ShouldLogThrottled(category, symbol string) (bool, int) {
	return true, 0
}

func (m *MockStore) ShouldLogPendingStillActive(symbol, orderID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := util.NormalizeSymbol(symbol)
	if m.stillActive[key] == orderID {
		return false
	}
	m.stillActive[key] = orderID
	return true
}

// --- Persistence ---

func (m *MockStore) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveCallCount++
	return m.saveError
}

// --- Mock control methods for testing ---

func (m *MockStore) SetSaveError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveError = err
}

func (m *MockStore) SetPendingError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingError = err
}

func (m *MockStore) SetTradeError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tradeError = err
}

func (m *MockStore) GetSaveCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveCallCount
}

func (m *MockStore) GetAddTradeCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addTradeCallCount
}

// Ensure MockStore implements Interface
var _ Interface = (*MockStore)(nil)
