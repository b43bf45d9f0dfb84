package advisor

import "strings"

// StatusType labels the progress events emitted while a turn runs. They are
// UX signals only and never carry control-flow meaning.
type StatusType string

const (
	StatusToolPlanning          StatusType = "tool_planning"
	StatusThinking              StatusType = "thinking"
	StatusFetchingPortfolioData StatusType = "fetching_portfolio_data"
	StatusFetchingMarketData    StatusType = "fetching_market_data"
	StatusAnalyzingPerformance  StatusType = "analyzing_performance"
	StatusAnalyzingRisk         StatusType = "analyzing_risk"
	StatusGeneratingInsights    StatusType = "generating_insights"
	StatusCompleted             StatusType = "completed"
	StatusError                 StatusType = "error"
)

type StatusUpdate struct {
	Type    StatusType `json:"type"`
	Message string     `json:"message"`
}

// classifyToolActivity maps a tool name onto a user-facing status by keyword
// matching. Best effort: an unrecognized name falls back to a generic
// planning status, and a wrong guess here must never affect dispatch.
func classifyToolActivity(toolName string) StatusUpdate {
	name := strings.ToLower(strings.TrimSpace(toolName))
	switch {
	case strings.Contains(name, "holding") || strings.Contains(name, "position"):
		return StatusUpdate{Type: StatusFetchingPortfolioData, Message: "Retrieving portfolio holdings..."}
	case strings.Contains(name, "quote") || strings.Contains(name, "market_data") || strings.Contains(name, "price"):
		return StatusUpdate{Type: StatusFetchingMarketData, Message: "Fetching market data..."}
	case strings.Contains(name, "performance") || strings.Contains(name, "return"):
		return StatusUpdate{Type: StatusAnalyzingPerformance, Message: "Analyzing portfolio performance..."}
	case strings.Contains(name, "risk") || strings.Contains(name, "drawdown") || strings.Contains(name, "volatility"):
		return StatusUpdate{Type: StatusAnalyzingRisk, Message: "Analyzing portfolio risk..."}
	case strings.Contains(name, "insight") || strings.Contains(name, "research") || strings.Contains(name, "search"):
		return StatusUpdate{Type: StatusGeneratingInsights, Message: "Searching market insights..."}
	case strings.Contains(name, "portfolio"):
		return StatusUpdate{Type: StatusFetchingPortfolioData, Message: "Retrieving portfolio data..."}
	default:
		return StatusUpdate{Type: StatusToolPlanning, Message: "Working with analysis tools..."}
	}
}

var thinkingRotation = []string{
	"Thinking through your question...",
	"Reviewing your portfolio context...",
	"Weighing the relevant factors...",
}
