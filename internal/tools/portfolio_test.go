package tools

import (
	"context"
	"encoding/json"
	"testing"
)

func TestBuiltins_HoldingsThroughExecutor(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	if err := RegisterBuiltins(reg, StubPortfolioData{}); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	exec, err := NewExecutor(reg, 7, nil)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}

	raw, err := exec.Execute(context.Background(), "get_portfolio_holdings", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var holdings []Holding
	if err := json.Unmarshal(raw, &holdings); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(holdings) == 0 {
		t.Fatalf("no holdings returned")
	}
}

func TestBuiltins_QuotesSplitsSymbols(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	if err := RegisterBuiltins(reg, StubPortfolioData{}); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	exec, err := NewExecutor(reg, 7, nil)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}

	raw, err := exec.Execute(context.Background(), "get_market_quotes", map[string]any{"symbols": " aapl, VTSAX ,"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var quotes []Quote
	if err := json.Unmarshal(raw, &quotes); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(quotes) != 2 {
		t.Fatalf("len=%d, want 2", len(quotes))
	}
	if quotes[0].Symbol != "AAPL" || quotes[1].Symbol != "VTSAX" {
		t.Fatalf("symbols=%v %v", quotes[0].Symbol, quotes[1].Symbol)
	}
}

func TestBuiltins_PerformanceDefaultsToYTD(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	if err := RegisterBuiltins(reg, StubPortfolioData{}); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	exec, err := NewExecutor(reg, 7, nil)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}

	raw, err := exec.Execute(context.Background(), "get_portfolio_performance", map[string]any{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var perf Performance
	if err := json.Unmarshal(raw, &perf); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if perf.Period != "ytd" {
		t.Fatalf("Period=%q, want ytd", perf.Period)
	}
}

func TestBuiltins_InsightsLimit(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	if err := RegisterBuiltins(reg, StubPortfolioData{}); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	exec, err := NewExecutor(reg, 7, nil)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}

	raw, err := exec.Execute(context.Background(), "search_market_insights", map[string]any{"query": "rates", "limit": float64(1)})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var insights []Insight
	if err := json.Unmarshal(raw, &insights); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(insights) != 1 {
		t.Fatalf("len=%d, want 1", len(insights))
	}
}
