package tools

import (
	"context"
	"errors"
	"strings"
	"time"
)

// PortfolioData is the opaque data collaborator behind the builtin tools.
// Implementations talk to whatever backs the advisory platform; the tools
// only shape requests and results.
type PortfolioData interface {
	Holdings(ctx context.Context, accountID int64) ([]Holding, error)
	Quotes(ctx context.Context, symbols []string) ([]Quote, error)
	Performance(ctx context.Context, accountID int64, period string) (Performance, error)
	RiskProfile(ctx context.Context, accountID int64) (RiskProfile, error)
	SearchInsights(ctx context.Context, query string, limit int) ([]Insight, error)
}

type Holding struct {
	Symbol      string  `json:"symbol"`
	Name        string  `json:"name"`
	Quantity    float64 `json:"quantity"`
	MarketValue float64 `json:"market_value"`
	CostBasis   float64 `json:"cost_basis"`
	WeightPct   float64 `json:"weight_pct"`
}

type Quote struct {
	Symbol     string  `json:"symbol"`
	Price      float64 `json:"price"`
	ChangePct  float64 `json:"change_pct"`
	AsOfUnixMs int64   `json:"as_of_unix_ms"`
}

type Performance struct {
	Period       string  `json:"period"`
	ReturnPct    float64 `json:"return_pct"`
	BenchmarkPct float64 `json:"benchmark_pct"`
	StartValue   float64 `json:"start_value"`
	EndValue     float64 `json:"end_value"`
}

type RiskProfile struct {
	Score          float64 `json:"score"`
	Level          string  `json:"level"`
	VolatilityPct  float64 `json:"volatility_pct"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
	Notes          string  `json:"notes,omitempty"`
}

type Insight struct {
	Title             string `json:"title"`
	Summary           string `json:"summary"`
	Source            string `json:"source"`
	PublishedAtUnixMs int64  `json:"published_at_unix_ms"`
}

// RegisterBuiltins wires the advisory tool set over the data collaborator.
func RegisterBuiltins(registry *Registry, data PortfolioData) error {
	if registry == nil {
		return errors.New("missing registry")
	}
	if data == nil {
		return errors.New("missing portfolio data")
	}

	defs := []Definition{
		{
			Name:          "get_portfolio_holdings",
			Description:   "Current holdings of the client's portfolio with market values and weights.",
			AccountScoped: true,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return data.Holdings(ctx, Int64Arg(args, accountParam))
			},
		},
		{
			Name:        "get_market_quotes",
			Description: "Latest market quotes for a comma-separated list of ticker symbols.",
			Params: []ParamSpec{
				{Name: "symbols", Type: ParamString, Description: "Comma-separated ticker symbols, e.g. \"AAPL,VTSAX\".", Required: true},
			},
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				symbols := splitSymbols(StringArg(args, "symbols"))
				if len(symbols) == 0 {
					return nil, errors.New("no symbols given")
				}
				return data.Quotes(ctx, symbols)
			},
		},
		{
			Name:          "get_portfolio_performance",
			Description:   "Portfolio return over a period compared to its benchmark.",
			AccountScoped: true,
			Params: []ParamSpec{
				{Name: "period", Type: ParamString, Description: "One of: 1m, 3m, ytd, 1y, 3y. Defaults to ytd."},
			},
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				period := strings.ToLower(strings.TrimSpace(StringArg(args, "period")))
				if period == "" {
					period = "ytd"
				}
				return data.Performance(ctx, Int64Arg(args, accountParam), period)
			},
		},
		{
			Name:          "get_risk_analysis",
			Description:   "Risk score, volatility and drawdown analysis of the client's portfolio.",
			AccountScoped: true,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return data.RiskProfile(ctx, Int64Arg(args, accountParam))
			},
		},
		{
			Name:        "search_market_insights",
			Description: "Search recent market research and commentary relevant to a topic.",
			Params: []ParamSpec{
				{Name: "query", Type: ParamString, Description: "Topic to search for.", Required: true},
				{Name: "limit", Type: ParamInteger, Description: "Maximum results, default 5."},
			},
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				limit := int(Int64Arg(args, "limit"))
				if limit <= 0 {
					limit = 5
				}
				return data.SearchInsights(ctx, StringArg(args, "query"), limit)
			},
		},
	}

	for _, def := range defs {
		if err := registry.Register(def); err != nil {
			return err
		}
	}
	return nil
}

func splitSymbols(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// StubPortfolioData returns deterministic fixture data. It backs the CLI so
// the agent is usable without a live platform connection.
type StubPortfolioData struct{}

func (StubPortfolioData) Holdings(_ context.Context, accountID int64) ([]Holding, error) {
	if accountID <= 0 {
		return nil, errors.New("invalid account id")
	}
	return []Holding{
		{Symbol: "VTSAX", Name: "Vanguard Total Stock Market", Quantity: 412.5, MarketValue: 54218.30, CostBasis: 41200.00, WeightPct: 48.2},
		{Symbol: "VBTLX", Name: "Vanguard Total Bond Market", Quantity: 980.0, MarketValue: 30184.00, CostBasis: 31500.00, WeightPct: 26.8},
		{Symbol: "VTIAX", Name: "Vanguard Total International", Quantity: 510.2, MarketValue: 17894.50, CostBasis: 16100.00, WeightPct: 15.9},
		{Symbol: "AAPL", Name: "Apple Inc.", Quantity: 45.0, MarketValue: 10237.50, CostBasis: 6300.00, WeightPct: 9.1},
	}, nil
}

func (StubPortfolioData) Quotes(_ context.Context, symbols []string) ([]Quote, error) {
	now := time.Now().UnixMilli()
	fixture := map[string]Quote{
		"VTSAX": {Symbol: "VTSAX", Price: 131.44, ChangePct: 0.42},
		"VBTLX": {Symbol: "VBTLX", Price: 30.80, ChangePct: -0.11},
		"VTIAX": {Symbol: "VTIAX", Price: 35.08, ChangePct: 0.27},
		"AAPL":  {Symbol: "AAPL", Price: 227.50, ChangePct: 1.13},
	}
	out := make([]Quote, 0, len(symbols))
	for _, sym := range symbols {
		q, ok := fixture[sym]
		if !ok {
			q = Quote{Symbol: sym, Price: 100.00, ChangePct: 0}
		}
		q.AsOfUnixMs = now
		out = append(out, q)
	}
	return out, nil
}

func (StubPortfolioData) Performance(_ context.Context, accountID int64, period string) (Performance, error) {
	if accountID <= 0 {
		return Performance{}, errors.New("invalid account id")
	}
	byPeriod := map[string]Performance{
		"1m":  {Period: "1m", ReturnPct: 1.2, BenchmarkPct: 0.9, StartValue: 111050, EndValue: 112384},
		"3m":  {Period: "3m", ReturnPct: 3.8, BenchmarkPct: 3.1, StartValue: 108270, EndValue: 112384},
		"ytd": {Period: "ytd", ReturnPct: 7.4, BenchmarkPct: 6.8, StartValue: 104640, EndValue: 112384},
		"1y":  {Period: "1y", ReturnPct: 11.9, BenchmarkPct: 10.2, StartValue: 100430, EndValue: 112384},
		"3y":  {Period: "3y", ReturnPct: 24.6, BenchmarkPct: 22.0, StartValue: 90200, EndValue: 112384},
	}
	perf, ok := byPeriod[strings.ToLower(strings.TrimSpace(period))]
	if !ok {
		return Performance{}, errors.New("unknown period")
	}
	return perf, nil
}

func (StubPortfolioData) RiskProfile(_ context.Context, accountID int64) (RiskProfile, error) {
	if accountID <= 0 {
		return RiskProfile{}, errors.New("invalid account id")
	}
	return RiskProfile{
		Score:          6.2,
		Level:          "moderate",
		VolatilityPct:  11.4,
		MaxDrawdownPct: -14.8,
		Notes:          "Equity weight slightly above the stated moderate target.",
	}, nil
}

func (StubPortfolioData) SearchInsights(_ context.Context, query string, limit int) ([]Insight, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("empty query")
	}
	now := time.Now().UnixMilli()
	all := []Insight{
		{Title: "Rate path steepens", Summary: "Futures now price two cuts by year end, supporting duration.", Source: "desk-note", PublishedAtUnixMs: now - 3_600_000},
		{Title: "Earnings breadth improves", Summary: "Beat rate above the five year average outside megacap tech.", Source: "research", PublishedAtUnixMs: now - 86_400_000},
		{Title: "International valuations", Summary: "Developed ex-US trades at a widening discount to US large cap.", Source: "research", PublishedAtUnixMs: now - 172_800_000},
	}
	if limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}
