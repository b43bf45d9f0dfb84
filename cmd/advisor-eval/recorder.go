package main

import (
	"context"
	"sync"

	"github.com/quantfolio/advisor-agent/internal/tools"
)

// toolRecorder wraps the portfolio data collaborator and notes which builtin
// tool each data call serves. drain returns and clears the calls seen so far,
// so the runner can attribute tool usage per turn.
type toolRecorder struct {
	inner tools.PortfolioData

	mu    sync.Mutex
	calls []string
}

func newToolRecorder(inner tools.PortfolioData) *toolRecorder {
	return &toolRecorder{inner: inner}
}

func (r *toolRecorder) record(toolName string) {
	r.mu.Lock()
	r.calls = append(r.calls, toolName)
	r.mu.Unlock()
}

func (r *toolRecorder) drain() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.calls
	r.calls = nil
	return out
}

func (r *toolRecorder) Holdings(ctx context.Context, accountID int64) ([]tools.Holding, error) {
	r.record("get_portfolio_holdings")
	return r.inner.Holdings(ctx, accountID)
}

func (r *toolRecorder) Quotes(ctx context.Context, symbols []string) ([]tools.Quote, error) {
	r.record("get_market_quotes")
	return r.inner.Quotes(ctx, symbols)
}

func (r *toolRecorder) Performance(ctx context.Context, accountID int64, period string) (tools.Performance, error) {
	r.record("get_portfolio_performance")
	return r.inner.Performance(ctx, accountID, period)
}

func (r *toolRecorder) RiskProfile(ctx context.Context, accountID int64) (tools.RiskProfile, error) {
	r.record("get_risk_analysis")
	return r.inner.RiskProfile(ctx, accountID)
}

func (r *toolRecorder) SearchInsights(ctx context.Context, query string, limit int) ([]tools.Insight, error) {
	r.record("search_market_insights")
	return r.inner.SearchInsights(ctx, query, limit)
}
