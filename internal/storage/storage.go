// Package storage persists the bot's durable state as JSON files and holds
// the in-memory mirrors of exchange data that the worker refreshes each
// cycle. One writer (the worker) mutates; the dashboard only reads.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cfontaine/blockbot/internal/models"
	"github.com/cfontaine/blockbot/internal/util"
)

const (
	pendingFile = "pending_orders.json"
	metricsFile = "metrics.json"
	tradesFile  = "trade_history.json"
	balanceFile = "balance_history.json"

	reconciliationLogCap = 50
	balanceHistoryCap    = 5000
	logThrottleInterval  = 60 * time.Second
)

type throttleEntry struct {
	lastLogged time.Time
	suppressed int
}

// JSONStore keeps the full bot state behind one RWMutex and serializes the
// persisted structures to individual files under dataDir. Writes go to a
// temp file first and are renamed into place.
type JSONStore struct {
	mu      sync.RWMutex
	dataDir string
	logger  *log.Logger

	pending  map[string]models.PendingOrder
	metrics  models.Metrics
	trades   []models.Trade
	balance  []models.BalancePoint
	totalPnL float64
	lastBal  models.Balance

	positions  map[string]models.Position
	openOrders []models.Order

	reconLog []models.ReconciliationEvent
	reconMu  sync.Mutex

	throttle           map[string]*throttleEntry
	stillActive        map[string]string
	exitFallbackWarned map[string]bool
}

// NewJSONStore opens (or initializes) the state directory and loads every
// persisted file. Missing files start empty; corrupt files log a warning
// and start empty.
func NewJSONStore(dataDir string, logger *log.Logger) (*JSONStore, error) {
	if logger == nil {
		logger = log.Default()
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	s := &JSONStore{
		dataDir:            dataDir,
		logger:             logger,
		pending:            make(map[string]models.PendingOrder),
		positions:          make(map[string]models.Position),
		throttle:           make(map[string]*throttleEntry),
		stillActive:        make(map[string]string),
		exitFallbackWarned: make(map[string]bool),
	}
	s.load()
	return s, nil
}

func (s *JSONStore) load() {
	var pending map[string]models.PendingOrder
	if s.loadJSON(pendingFile, &pending) {
		for sym, po := range pending {
			key := util.NormalizeSymbol(sym)
			if key == "" {
				continue
			}
			po.Backfill(key)
			s.pending[key] = po
		}
	}

	var m models.Metrics
	if s.loadJSON(metricsFile, &m) {
		s.metrics = m
	}

	var trades []models.Trade
	if s.loadJSON(tradesFile, &trades) {
		s.trades = trades
	}

	var balance []models.BalancePoint
	if s.loadJSON(balanceFile, &balance) {
		if len(balance) > balanceHistoryCap {
			balance = balance[len(balance)-balanceHistoryCap:]
		}
		s.balance = balance
	}

	s.metrics.PendingOrdersCount = len(s.pending)
	for _, tr := range s.trades {
		if tr.Status == models.TradeClosed {
			s.totalPnL += tr.PnL
		}
	}
	if n := len(s.balance); n > 0 {
		last := s.balance[n-1]
		s.lastBal = models.Balance{Total: last.Total, Free: last.Free, Used: last.Used}
	}
}

func (s *JSONStore) loadJSON(name string, v any) bool {
	data, err := os.ReadFile(filepath.Join(s.dataDir, name))
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Printf("WARN: reading %s: %v; starting empty", name, err)
		}
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		s.logger.Printf("WARN: %s is corrupt (%v); starting empty", name, err)
		return false
	}
	return true
}

// persistLocked writes one structure to its file. Callers hold s.mu.
func (s *JSONStore) persistLocked(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", name, err)
	}
	path := filepath.Join(s.dataDir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing %s: %w", name, err)
	}
	return nil
}

// persistMetricsLocked is best-effort: counter churn must never fail a
// trading path, so persistence problems are only logged.
func (s *JSONStore) persistMetricsLocked() {
	if err := s.persistLocked(metricsFile, s.metrics); err != nil {
		s.logger.Printf("WARN: %v", err)
	}
}

// --- Pending orders ---

// SetPendingOrder inserts or replaces the tracked entry order for a symbol.
func (s *JSONStore) SetPendingOrder(po models.PendingOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	po.Symbol = util.NormalizeSymbol(po.Symbol)
	if po.Symbol == "" {
		return fmt.Errorf("pending order has no symbol")
	}
	if po.CreatedAt.IsZero() {
		po.CreatedAt = models.Now()
	}
	s.pending[po.Symbol] = po
	s.metrics.PendingOrdersCount = len(s.pending)
	s.persistMetricsLocked()
	return s.persistLocked(pendingFile, s.pending)
}

// GetPendingOrder returns a copy of the pending order for a symbol.
func (s *JSONStore) GetPendingOrder(symbol string) (models.PendingOrder, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	po, ok := s.pending[util.NormalizeSymbol(symbol)]
	return po, ok
}

// RemovePendingOrder drops a symbol's pending order and its log-dedup entry.
// Removing an absent symbol is a no-op.
func (s *JSONStore) RemovePendingOrder(symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := util.NormalizeSymbol(symbol)
	if _, ok := s.pending[key]; !ok {
		return nil
	}
	delete(s.pending, key)
	delete(s.stillActive, key)
	s.metrics.PendingOrdersCount = len(s.pending)
	s.persistMetricsLocked()
	return s.persistLocked(pendingFile, s.pending)
}

// PendingOrders returns a copy of the pending-order map.
func (s *JSONStore) PendingOrders() map[string]models.PendingOrder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]models.PendingOrder, len(s.pending))
	for k, v := range s.pending {
		out[k] = v
	}
	return out
}

// StalePendingOrders returns the pending orders older than maxAge, keyed by
// symbol. Orders whose created_at could not be recovered are skipped.
func (s *JSONStore) StalePendingOrders(maxAge time.Duration) map[string]StalePending {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	stale := make(map[string]StalePending)
	for sym, po := range s.pending {
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

// UpdatePendingPartialFill records a partial fill on the tracked entry and
// shrinks the plan quantity to the unfilled remainder.
func (s *JSONStore) UpdatePendingPartialFill(symbol string, filledAmount, remaining float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := util.NormalizeSymbol(symbol)
	po, ok := s.pending[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoPendingOrder, key)
	}
	po.PartialFill = true
	po.FilledAmount = filledAmount
	if remaining > 0 {
		po.Params.Quantity = remaining
	}
	s.pending[key] = po
	return s.persistLocked(pendingFile, s.pending)
}

// TouchTPSLPlacement stamps the last protective-placement attempt time.
func (s *JSONStore) TouchTPSLPlacement(symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := util.NormalizeSymbol(symbol)
	po, ok := s.pending[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoPendingOrder, key)
	}
	po.LastTPSLPlacement = models.Now()
	s.pending[key] = po
	return s.persistLocked(pendingFile, s.pending)
}

// SetProtectiveIDs records the exchange IDs of the SL/TP legs.
func (s *JSONStore) SetProtectiveIDs(symbol string, ids models.ProtectiveIDs) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := util.NormalizeSymbol(symbol)
	po, ok := s.pending[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoPendingOrder, key)
	}
	po.ExchangeOrders = ids
	s.pending[key] = po
	return s.persistLocked(pendingFile, s.pending)
}

// --- Position mirror ---

// ReplacePositions swaps the whole mirror for a fresh exchange snapshot.
// Entry times survive across updates; positions the exchange no longer
// reports get their OPEN trade row closed at the last observed mark.
func (s *JSONStore) ReplacePositions(positions []models.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	next := make(map[string]models.Position, len(positions))
	for _, p := range positions {
		key := util.NormalizeSymbol(p.Symbol)
		if key == "" || p.Size == 0 {
			continue
		}
		p.Symbol = key
		if prev, ok := s.positions[key]; ok {
			if p.EntryTime.IsZero() {
				p.EntryTime = prev.EntryTime
			}
			if p.TakeProfit == 0 {
				p.TakeProfit = prev.TakeProfit
			}
			if p.StopLoss == 0 {
				p.StopLoss = prev.StopLoss
			}
		}
		if p.EntryTime.IsZero() {
			p.EntryTime = now
		}
		next[key] = p
	}

	for key, prev := range s.positions {
		if _, ok := next[key]; ok {
			continue
		}
		if err := s.closeTradeLocked(key, prev.MarkPrice); err != nil && !errors.Is(err, ErrNoOpenTrade) {
			s.logger.Printf("WARN: closing trade for removed position %s: %v", key, err)
		}
	}

	s.positions = next
}

// UpsertPosition inserts or refreshes one mirrored position, preserving
// entry time and advisory TP/SL when the incoming snapshot lacks them.
func (s *JSONStore) UpsertPosition(pos models.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := util.NormalizeSymbol(pos.Symbol)
	if key == "" || pos.Size == 0 {
		return
	}
	pos.Symbol = key
	if prev, ok := s.positions[key]; ok {
		if pos.EntryTime.IsZero() {
			pos.EntryTime = prev.EntryTime
		}
		if pos.TakeProfit == 0 {
			pos.TakeProfit = prev.TakeProfit
		}
		if pos.StopLoss == 0 {
			pos.StopLoss = prev.StopLoss
		}
	}
	if pos.EntryTime.IsZero() {
		pos.EntryTime = time.Now()
	}
	s.positions[key] = pos
}

// RemovePosition drops a mirrored position and closes its OPEN trade row at
// the last observed mark price.
func (s *JSONStore) RemovePosition(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := util.NormalizeSymbol(symbol)
	prev, ok := s.positions[key]
	if !ok {
		return
	}
	delete(s.positions, key)
	if err := s.closeTradeLocked(key, prev.MarkPrice); err != nil && !errors.Is(err, ErrNoOpenTrade) {
		s.logger.Printf("WARN: closing trade for removed position %s: %v", key, err)
	}
}

// Position returns a copy of the mirrored position for a symbol.
func (s *JSONStore) Position(symbol string) (models.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[util.NormalizeSymbol(symbol)]
	return p, ok
}

// Positions returns the mirrored positions sorted by symbol.
func (s *JSONStore) Positions() []models.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// SetPositionTPSL records the advisory protective levels derived from
// observed reduce-only orders.
func (s *JSONStore) SetPositionTPSL(symbol string, takeProfit, stopLoss float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := util.NormalizeSymbol(symbol)
	p, ok := s.positions[key]
	if !ok {
		return
	}
	p.TakeProfit = takeProfit
	p.StopLoss = stopLoss
	s.positions[key] = p
}

// --- Trade history ---

// AddTrade inserts a row at the head of the history and persists.
func (s *JSONStore) AddTrade(trade models.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	trade.Symbol = util.NormalizeSymbol(trade.Symbol)
	if trade.Timestamp.IsZero() {
		trade.Timestamp = models.Now()
	}
	s.trades = append([]models.Trade{trade}, s.trades...)
	if trade.Status == models.TradeClosed {
		s.totalPnL += trade.PnL
	}
	return s.persistLocked(tradesFile, s.trades)
}

// Trades returns a copy of the history, newest first.
func (s *JSONStore) Trades() []models.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Trade, len(s.trades))
	copy(out, s.trades)
	return out
}

// OpenTradeExists reports whether the symbol has an OPEN history row.
func (s *JSONStore) OpenTradeExists(symbol string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := util.NormalizeSymbol(symbol)
	for _, tr := range s.trades {
		if tr.Status == models.TradeOpen && util.NormalizeSymbol(tr.Symbol) == key {
			return true
		}
	}
	return false
}

// CloseTradeForSymbol closes the most recent OPEN row for the symbol. A
// non-positive exitPrice falls back to the row's entry price with a
// once-per-symbol warning.
func (s *JSONStore) CloseTradeForSymbol(symbol string, exitPrice float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeTradeLocked(symbol, exitPrice)
}

func (s *JSONStore) closeTradeLocked(symbol string, exitPrice float64) error {
	key := util.NormalizeSymbol(symbol)
	for i := range s.trades {
		tr := &s.trades[i]
		if tr.Status != models.TradeOpen || util.NormalizeSymbol(tr.Symbol) != key {
			continue
		}
		exit := exitPrice
		if exit <= 0 {
			exit = tr.EntryPrice
			if !s.exitFallbackWarned[key] {
				s.exitFallbackWarned[key] = true
				s.logger.Printf("WARN: no exit price for %s; recording exit at entry %.8g", key, exit)
			}
		} else {
			delete(s.exitFallbackWarned, key)
		}
		now := models.Now()
		tr.ExitPrice = exit
		tr.PnL = tr.Side.PnL(tr.EntryPrice, exit, tr.Size)
		tr.Status = models.TradeClosed
		tr.ExitTime = now
		tr.Timestamp = now
		s.totalPnL += tr.PnL
		return s.persistLocked(tradesFile, s.trades)
	}
	return fmt.Errorf("%w: %s", ErrNoOpenTrade, key)
}

// TotalPnL returns the running realized pnl across closed trades.
func (s *JSONStore) TotalPnL() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totalPnL
}

// --- Balance timeline ---

// UpdateFullBalance records the latest account balance and appends a
// timeline point, dropping the oldest past the cap.
func (s *JSONStore) UpdateFullBalance(total, free, used float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastBal = models.Balance{Total: total, Free: free, Used: used}
	point := models.BalancePoint{
		Timestamp: models.Now(),
		Total:     total,
		Free:      free,
		Used:      used,
		TotalPnL:  s.totalPnL,
	}
	s.balance = append(s.balance, point)
	if len(s.balance) > balanceHistoryCap {
		s.balance = s.balance[len(s.balance)-balanceHistoryCap:]
	}
	return s.persistLocked(balanceFile, s.balance)
}

// LastBalance returns the most recent full balance snapshot.
func (s *JSONStore) LastBalance() models.Balance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastBal
}

// BalanceHistory returns a copy of the timeline, oldest first.
func (s *JSONStore) BalanceHistory() []models.BalancePoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.BalancePoint, len(s.balance))
	copy(out, s.balance)
	return out
}

// --- Exchange open-order mirror ---

// SetExchangeOpenOrders replaces the cached open-order snapshot.
func (s *JSONStore) SetExchangeOpenOrders(orders []models.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]models.Order, len(orders))
	copy(next, orders)
	for i := range next {
		next[i].Symbol = util.NormalizeSymbol(next[i].Symbol)
	}
	s.openOrders = next
	s.metrics.OpenExchangeOrdersCount = len(next)
	s.persistMetricsLocked()
}

// ExchangeOpenOrders returns a copy of the cached open orders.
func (s *JSONStore) ExchangeOpenOrders() []models.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Order, len(s.openOrders))
	copy(out, s.openOrders)
	return out
}

// ExchangeOpenOrdersFor returns the cached open orders whose normalized
// symbol matches the (normalized) argument.
func (s *JSONStore) ExchangeOpenOrdersFor(symbol string) []models.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := util.NormalizeSymbol(symbol)
	var out []models.Order
	for _, o := range s.openOrders {
		if o.Symbol == key {
			out = append(out, o)
		}
	}
	return out
}

// --- Metrics ---

// Metrics returns a snapshot of the counters.
func (s *JSONStore) Metrics() models.Metrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metrics
}

func (s *JSONStore) IncPlacedOrders() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics.PlacedOrdersCount++
	s.persistMetricsLocked()
}

func (s *JSONStore) IncCancelledOrders() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics.CancelledOrdersCount++
	s.persistMetricsLocked()
}

func (s *JSONStore) IncFilledOrders() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics.FilledOrdersCount++
	s.persistMetricsLocked()
}

func (s *JSONStore) IncOrderCreateRetries() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics.OrderCreateRetriesTotal++
	s.persistMetricsLocked()
}

func (s *JSONStore) IncStalePending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics.PendingOrderStaleCount++
	s.persistMetricsLocked()
}

// AddDuplicatePlacementAttempts bumps the duplicate counter by n (one per
// protective leg found already in place).
func (s *JSONStore) AddDuplicatePlacementAttempts(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics.DuplicatePlacementAttempts += n
	s.persistMetricsLocked()
}

// --- Reconciliation log and gate ---

// AppendReconciliation head-inserts an event, keeping at most the cap.
func (s *JSONStore) AppendReconciliation(action, details string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev := models.ReconciliationEvent{Timestamp: models.Now(), Action: action, Details: details}
	s.reconLog = append([]models.ReconciliationEvent{ev}, s.reconLog...)
	if len(s.reconLog) > reconciliationLogCap {
		s.reconLog = s.reconLog[:reconciliationLogCap]
	}
}

// ReconciliationLog returns a copy of the event log, newest first.
func (s *JSONStore) ReconciliationLog() []models.ReconciliationEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ReconciliationEvent, len(s.reconLog))
	copy(out, s.reconLog)
	return out
}

// TryBeginReconciliation acquires the reconciliation gate without blocking.
// A refused acquire increments reconciliation_skipped_count.
func (s *JSONStore) TryBeginReconciliation() bool {
	if !s.reconMu.TryLock() {
		s.mu.Lock()
		s.metrics.ReconciliationSkippedCount++
		s.persistMetricsLocked()
		s.mu.Unlock()
		return false
	}
	return true
}

// EndReconciliation releases the gate and counts the completed run.
func (s *JSONStore) EndReconciliation() {
	s.mu.Lock()
	s.metrics.ReconciliationRunsCount++
	s.persistMetricsLocked()
	s.mu.Unlock()
	s.reconMu.Unlock()
}

// --- Log gates ---

// ShouldLogThrottled permits one log per (category, symbol) per throttle
// interval. It returns how many emissions were suppressed since the last
// permitted one; call sites append that to the message when non-zero.
func (s *JSONStore) ShouldLogThrottled(category, symbol string) (bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := category + "|" + util.NormalizeSymbol(symbol)
	now := time.Now()
	entry, ok := s.throttle[key]
	if !ok {
		s.throttle[key] = &throttleEntry{lastLogged: now}
		return true, 0
	}
	if now.Sub(entry.lastLogged) >= logThrottleInterval {
		suppressed := entry.suppressed
		entry.lastLogged = now
		entry.suppressed = 0
		return true, suppressed
	}
	entry.suppressed++
	return false, 0
}

// ShouldLogPendingStillActive permits the "still active" line once per
// (symbol, order id); a new order id on the same symbol logs again.
func (s *JSONStore) ShouldLogPendingStillActive(symbol, orderID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := util.NormalizeSymbol(symbol)
	if s.stillActive[key] == orderID {
		return false
	}
	s.stillActive[key] = orderID
	return true
}

// --- Persistence ---

// Save flushes every persisted structure. Used at shutdown; routine writes
// already persist their own file.
func (s *JSONStore) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, f := range []struct {
		name string
		v    any
	}{
		{pendingFile, s.pending},
		{metricsFile, s.metrics},
		{tradesFile, s.trades},
		{balanceFile, s.balance},
	} {
		if err := s.persistLocked(f.name, f.v); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
