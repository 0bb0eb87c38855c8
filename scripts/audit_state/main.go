// audit_state - a utility to audit the bot's persisted JSON state.
// It loads the four data files read-only and flags structural problems
// before they turn into reconciliation surprises.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"

	"github.com/cfontaine/blockbot/internal/models"
	"github.com/cfontaine/blockbot/internal/util"
)

const (
	pendingFile = "pending_orders.json"
	metricsFile = "metrics.json"
	tradesFile  = "trade_history.json"
	balanceFile = "balance_history.json"
)

// pnlTolerance absorbs float accumulation noise when comparing the trade
// history against the recorded running pnl.
const pnlTolerance = 0.01

// StateAudit holds everything the script reads plus the derived summary,
// so -json emits one self-contained document.
type StateAudit struct {
	DataDir string                         `json:"data_dir"`
	Summary AuditSummary                   `json:"summary"`
	Pending map[string]models.PendingOrder `json:"pending_orders"`
	Metrics models.Metrics                 `json:"metrics"`
	Trades  []models.Trade                 `json:"trades"`
	Balance []models.BalancePoint          `json:"balance_history"`
	Issues  []string                       `json:"issues"`
}

// AuditSummary is the human-facing count block.
type AuditSummary struct {
	PendingOrders  int     `json:"pending_orders"`
	OpenTrades     int     `json:"open_trades"`
	ClosedTrades   int     `json:"closed_trades"`
	BalancePoints  int     `json:"balance_points"`
	ClosedPnL      float64 `json:"closed_pnl"`
	RecordedPnL    float64 `json:"recorded_pnl"`
	CurrentBalance float64 `json:"current_balance"`
}

func main() {
	var (
		dataDir    = flag.String("data", "data", "Path to the bot's data directory")
		jsonOutput = flag.Bool("json", false, "Output results as JSON")
		verbose    = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	audit, err := loadState(*dataDir, *verbose)
	if err != nil {
		log.Fatalf("Failed to load state: %v", err)
	}

	audit.Summary = summarize(audit)
	audit.Issues = analyzeState(audit)

	if *jsonOutput {
		output, err := json.MarshalIndent(audit, "", "  ")
		if err != nil {
			log.Fatalf("Failed to marshal JSON: %v", err)
		}
		fmt.Println(string(output))
		return
	}

	fmt.Printf("State audit for %s\n", audit.DataDir)
	fmt.Printf("Found:\n")
	fmt.Printf("  - %d pending order(s)\n", audit.Summary.PendingOrders)
	fmt.Printf("  - %d trade row(s) (%d open, %d closed)\n",
		len(audit.Trades), audit.Summary.OpenTrades, audit.Summary.ClosedTrades)
	fmt.Printf("  - %d balance point(s)\n", audit.Summary.BalancePoints)
	if audit.Summary.BalancePoints > 0 {
		fmt.Printf("  - Current balance: %.2f, recorded pnl: %.2f\n",
			audit.Summary.CurrentBalance, audit.Summary.RecordedPnL)
	}
	fmt.Printf("\n")

	fmt.Printf("=== ANALYSIS ===\n")
	if len(audit.Issues) > 0 {
		fmt.Printf("POTENTIAL ISSUES FOUND:\n")
		for i, issue := range audit.Issues {
			fmt.Printf("  %d. %s\n", i+1, issue)
		}
	} else {
		fmt.Printf("No obvious issues detected.\n")
	}

	fmt.Printf("\n")
	fmt.Printf("Next steps:\n")
	fmt.Printf("  1. Compare pending orders against the exchange's open orders\n")
	fmt.Printf("  2. Check flagged trade rows before the next reconciliation run\n")
	fmt.Printf("  3. Run scripts/reset_state to archive the files if they are beyond repair\n")
}

// loadState reads the four data files without writing anything back.
// A missing file is a fresh install, not an error.
func loadState(dataDir string, verbose bool) (*StateAudit, error) {
	audit := &StateAudit{
		DataDir: dataDir,
		Pending: make(map[string]models.PendingOrder),
		Trades:  []models.Trade{},
		Balance: []models.BalancePoint{},
	}

	files := []struct {
		name string
		dest any
	}{
		{pendingFile, &audit.Pending},
		{metricsFile, &audit.Metrics},
		{tradesFile, &audit.Trades},
		{balanceFile, &audit.Balance},
	}
	for _, f := range files {
		path := filepath.Join(dataDir, f.name)
		found, err := readJSONFile(path, f.dest)
		if err != nil {
			return nil, err
		}
		if verbose {
			if found {
				fmt.Printf("Loaded %s\n", path)
			} else {
				fmt.Printf("Missing %s (treating as empty)\n", path)
			}
		}
	}
	if verbose {
		fmt.Printf("\n")
	}
	return audit, nil
}

func readJSONFile(path string, dest any) (bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("parse %s: %w", path, err)
	}
	return true, nil
}

func summarize(audit *StateAudit) AuditSummary {
	s := AuditSummary{
		PendingOrders: len(audit.Pending),
		BalancePoints: len(audit.Balance),
	}
	for _, t := range audit.Trades {
		switch t.Status {
		case models.TradeOpen:
			s.OpenTrades++
		case models.TradeClosed:
			s.ClosedTrades++
			s.ClosedPnL += t.PnL
		}
	}
	if len(audit.Balance) > 0 {
		last := audit.Balance[len(audit.Balance)-1]
		s.RecordedPnL = last.TotalPnL
		s.CurrentBalance = last.Total
	}
	return s
}

// analyzeState flags structural problems in the loaded state.
func analyzeState(audit *StateAudit) []string {
	var issues []string
	if audit == nil {
		return issues
	}

	// Duplicate OPEN rows break close attribution: CloseTradeForSymbol
	// only ever settles the newest one.
	openPerSymbol := make(map[string]int)
	for _, t := range audit.Trades {
		if t.Status == models.TradeOpen {
			openPerSymbol[util.NormalizeSymbol(t.Symbol)]++
		}
	}
	for symbol, n := range openPerSymbol {
		if n > 1 {
			issues = append(issues, fmt.Sprintf("%d OPEN trade rows for %s - close attribution is ambiguous", n, symbol))
		}
	}

	for symbol, p := range audit.Pending {
		if p.CreatedAt.IsZero() && p.LegacyTimestamp.IsZero() {
			issues = append(issues, fmt.Sprintf("Pending order for %s has no created_at - staleness cannot be computed", symbol))
		}
		if p.OrderID == "" {
			issues = append(issues, fmt.Sprintf("Pending order for %s has no order_id - reconciliation cannot match it", symbol))
		}
		if p.Params.Quantity <= 0 {
			issues = append(issues, fmt.Sprintf("Pending order for %s has non-positive quantity (%v)", symbol, p.Params.Quantity))
		}
	}

	for _, t := range audit.Trades {
		if t.Symbol == "" {
			issues = append(issues, "Trade row with empty symbol")
			continue
		}
		if t.Status == models.TradeOpen && t.Size <= 0 {
			issues = append(issues, fmt.Sprintf("OPEN trade for %s has non-positive size (%v)", t.Symbol, t.Size))
		}
	}

	if len(audit.Balance) > 0 {
		drift := math.Abs(audit.Summary.ClosedPnL - audit.Summary.RecordedPnL)
		if drift > pnlTolerance {
			issues = append(issues, fmt.Sprintf("Closed trade pnl (%.2f) drifts from recorded running pnl (%.2f) by %.2f",
				audit.Summary.ClosedPnL, audit.Summary.RecordedPnL, drift))
		}
	}

	if audit.Metrics.PendingOrdersCount != len(audit.Pending) {
		issues = append(issues, fmt.Sprintf("metrics pending_orders_count (%d) disagrees with pending_orders.json (%d entries)",
			audit.Metrics.PendingOrdersCount, len(audit.Pending)))
	}

	return issues
}
