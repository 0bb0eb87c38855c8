package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/cfontaine/blockbot/internal/config"
	"github.com/cfontaine/blockbot/internal/models"
	"github.com/cfontaine/blockbot/internal/storage"
)

// MarketData is the read surface the worker loop exposes to the dashboard:
// the last candle window and detected blocks per symbol. Handlers never hit
// the exchange themselves.
type MarketData interface {
	Snapshot(symbol string) (models.MarketSnapshot, bool)
	Snapshots() []models.MarketSnapshot
}

// Server serves the read-only JSON API over the bot's state store and the
// worker's market cache.
type Server struct {
	router *chi.Mux
	server *http.Server
	store  storage.Interface
	market MarketData
	logger *logrus.Logger
	addr   string
	pairs  []string
}

// New builds the server and its routes. The market provider may be nil, in
// which case the market-data endpoints serve empty windows.
func New(cfg *config.Config, store storage.Interface, market MarketData, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	s := &Server{
		router: chi.NewRouter(),
		store:  store,
		market: market,
		logger: logger,
		addr:   cfg.Dashboard.ListenAddr,
		pairs:  cfg.Strategy.TradingPairs,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Get("/api/status", s.handleStatus)
	s.router.Get("/api/balance", s.handleBalance)
	s.router.Get("/api/positions", s.handlePositions)
	s.router.Get("/api/trades", s.handleTrades)
	s.router.Get("/api/market-data/{symbol}", s.handleMarketData)
	s.router.Get("/api/all-market-data", s.handleAllMarketData)
	s.router.Get("/api/metrics", s.handleMetrics)
	s.router.Get("/api/pending-orders", s.handlePendingOrders)

	s.router.Get("/healthz", s.handleHealth)
	s.router.Handle("/metrics", newMetricsHandler(s.store))
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"bytes":      ww.BytesWritten(),
			"duration":   time.Since(start).String(),
			"request_id": middleware.GetReqID(r.Context()),
		}).Info("HTTP request")
	})
}

// Run serves until ctx is cancelled, then drains in-flight requests. A
// graceful shutdown returns nil so an errgroup treats it as a clean exit.
func (s *Server) Run(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("Dashboard listening on %s", s.addr)
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		s.logger.Info("Dashboard stopped")
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

type statusResponse struct {
	Balance         float64                    `json:"balance"`
	TotalPnL        float64                    `json:"total_pnl"`
	LastUpdate      models.Timestamp           `json:"last_update"`
	TradingPairs    []string                   `json:"trading_pairs"`
	ActivePositions int                        `json:"active_positions"`
	Positions       map[string]models.Position `json:"positions"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	positions := s.store.Positions()
	bySymbol := make(map[string]models.Position, len(positions))
	for _, pos := range positions {
		bySymbol[pos.Symbol] = pos
	}

	resp := statusResponse{
		Balance:         s.store.LastBalance().Total,
		TotalPnL:        s.store.TotalPnL(),
		LastUpdate:      lastBalanceUpdate(s.store.BalanceHistory()),
		TradingPairs:    s.pairs,
		ActivePositions: len(positions),
		Positions:       bySymbol,
	}
	s.writeJSON(w, resp)
}

// lastBalanceUpdate is the bot's heartbeat: the balance is refreshed every
// cycle, so the newest history point tells when the worker last ran.
func lastBalanceUpdate(history []models.BalancePoint) models.Timestamp {
	if len(history) == 0 {
		return models.Timestamp{}
	}
	return history[len(history)-1].Timestamp
}

type balanceResponse struct {
	Total       float64 `json:"total"`
	Free        float64 `json:"free"`
	InPositions float64 `json:"in_positions"`
	Currency    string  `json:"currency"`
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	bal := s.store.LastBalance()
	s.writeJSON(w, balanceResponse{
		Total:       bal.Total,
		Free:        bal.Free,
		InPositions: bal.Used,
		Currency:    "USDT",
	})
}

type positionsResponse struct {
	Positions []models.Position `json:"positions"`
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, positionsResponse{Positions: s.store.Positions()})
}

type tradesResponse struct {
	Trades []models.Trade `json:"trades"`
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, tradesResponse{Trades: s.store.Trades()})
}

type marketDataResponse struct {
	Symbol      string              `json:"symbol"`
	OHLCV       []models.Candle     `json:"ohlcv"`
	OrderBlocks []models.OrderBlock `json:"order_blocks"`
	Position    *models.Position    `json:"position"`
}

func (s *Server) handleMarketData(w http.ResponseWriter, r *http.Request) {
	symbol := normalizeRouteSymbol(chi.URLParam(r, "symbol"))

	resp := marketDataResponse{
		Symbol:      symbol,
		OHLCV:       []models.Candle{},
		OrderBlocks: []models.OrderBlock{},
	}
	if snap, ok := s.snapshot(symbol); ok {
		resp.OHLCV = snap.Candles
		resp.OrderBlocks = snap.Blocks
	}
	if pos, ok := s.store.Position(symbol); ok {
		resp.Position = &pos
	}
	s.writeJSON(w, resp)
}

// normalizeRouteSymbol maps URL-safe spellings onto the canonical pair
// format: BTC-USDT and btcusdt both become BTC/USDT.
func normalizeRouteSymbol(raw string) string {
	symbol := strings.ToUpper(strings.ReplaceAll(raw, "-", "/"))
	if !strings.Contains(symbol, "/") {
		symbol = strings.Replace(symbol, "USDT", "/USDT", 1)
	}
	return symbol
}

type blockView struct {
	models.OrderBlock
	EntryPrice  float64 `json:"entry_price"`
	DistancePct float64 `json:"distance_pct"`
}

type symbolMarketData struct {
	Symbol       string               `json:"symbol"`
	OHLCV        []models.Candle      `json:"ohlcv"`
	OrderBlocks  []blockView          `json:"order_blocks"`
	Position     *models.Position     `json:"position"`
	CurrentPrice float64              `json:"current_price"`
	PendingOrder *models.PendingOrder `json:"pending_order"`
}

func (s *Server) handleAllMarketData(w http.ResponseWriter, r *http.Request) {
	result := make(map[string]symbolMarketData, len(s.pairs))
	for _, symbol := range s.pairs {
		entry := symbolMarketData{
			Symbol:      symbol,
			OHLCV:       []models.Candle{},
			OrderBlocks: []blockView{},
		}

		if snap, ok := s.snapshot(symbol); ok {
			entry.OHLCV = snap.Candles
			entry.CurrentPrice = snap.CurrentPrice
			entry.OrderBlocks = blockViews(snap.Blocks, snap.CurrentPrice)
		}
		if pos, ok := s.store.Position(symbol); ok {
			entry.Position = &pos
		}
		if po, ok := s.store.GetPendingOrder(symbol); ok {
			entry.PendingOrder = &po
		}

		result[symbol] = entry
	}
	s.writeJSON(w, result)
}

// blockViews annotates each block with the price a limit entry would rest
// at and its percentage distance from the current price.
func blockViews(blocks []models.OrderBlock, currentPrice float64) []blockView {
	views := make([]blockView, 0, len(blocks))
	for _, b := range blocks {
		view := blockView{OrderBlock: b, EntryPrice: b.EntryEdge()}
		if currentPrice > 0 && view.EntryPrice > 0 {
			pct := (view.EntryPrice - currentPrice) / currentPrice * 100
			view.DistancePct = math.Round(pct*100) / 100
		}
		views = append(views, view)
	}
	return views
}

type metricsResponse struct {
	Metrics           models.Metrics               `json:"metrics"`
	ReconciliationLog []models.ReconciliationEvent `json:"reconciliation_log"`
	PendingOrders     int                          `json:"pending_orders"`
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	events := s.store.ReconciliationLog()
	if len(events) > 50 {
		events = events[:50]
	}
	if events == nil {
		events = []models.ReconciliationEvent{}
	}

	s.writeJSON(w, metricsResponse{
		Metrics:           s.store.Metrics(),
		ReconciliationLog: events,
		PendingOrders:     len(s.store.PendingOrders()),
	})
}

type pendingOrdersResponse struct {
	PendingOrders map[string]models.PendingOrder `json:"pending_orders"`
}

func (s *Server) handlePendingOrders(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, pendingOrdersResponse{PendingOrders: s.store.PendingOrders()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) snapshot(symbol string) (models.MarketSnapshot, bool) {
	if s.market == nil {
		return models.MarketSnapshot{}, false
	}
	snap, ok := s.market.Snapshot(symbol)
	if ok && snap.Candles == nil {
		snap.Candles = []models.Candle{}
	}
	if ok && snap.Blocks == nil {
		snap.Blocks = []models.OrderBlock{}
	}
	return snap, ok
}

func (s *Server) writeJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}
