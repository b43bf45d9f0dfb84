package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type caseSpecFile struct {
	Version string         `yaml:"version"`
	Cases   []caseSpecItem `yaml:"cases"`
}

type caseSpecItem struct {
	ID             string   `yaml:"id"`
	Title          string   `yaml:"title"`
	Category       string   `yaml:"category"`
	Turns          []string `yaml:"turns"`
	ExpectedTools  []string `yaml:"expected_tools"`
	MustContain    []string `yaml:"must_contain"`
	Forbidden      []string `yaml:"forbidden"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

type evalCase struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Category string   `json:"category,omitempty"`
	Turns    []string `json:"turns"`
	// ExpectedTools lists the tool calls a correct answer needs. An entry may
	// carry "|" alternatives when several tools would satisfy the intent.
	ExpectedTools  []string      `json:"expected_tools,omitempty"`
	MustContain    []string      `json:"must_contain,omitempty"`
	Forbidden      []string      `json:"forbidden,omitempty"`
	TimeoutPerTurn time.Duration `json:"timeout_per_turn"`
}

// defaultCaseYAML is the built-in advisory case pack: the single-intent and
// multi-intent queries clients actually ask, each bound to the tools that
// ground a correct answer.
const defaultCaseYAML = `version: v1

cases:
  - id: portfolio_performance_today
    title: Portfolio performance check
    category: performance
    turns:
      - "How is my portfolio performing today?"
    expected_tools:
      - "get_portfolio_performance|get_portfolio_holdings"
    must_contain:
      - "portfolio|return|perform"

  - id: current_holdings
    title: Current holdings listing
    category: holdings
    turns:
      - "What are my current holdings?"
    expected_tools:
      - "get_portfolio_holdings"
    must_contain:
      - "vtsax|aapl|holding"

  - id: market_sentiment_apple
    title: Market view on a single stock
    category: market
    turns:
      - "What's the market sentiment for Apple stock?"
    expected_tools:
      - "get_market_quotes|search_market_insights"
    must_contain:
      - "aapl|apple"

  - id: risk_assessment
    title: Portfolio risk assessment
    category: risk
    turns:
      - "How risky is my portfolio right now?"
    expected_tools:
      - "get_risk_analysis"
    must_contain:
      - "risk|volatility|drawdown"

  - id: rate_outlook_research
    title: Interest rate research lookup
    category: research
    turns:
      - "What's the latest research on interest rates?"
    expected_tools:
      - "search_market_insights"
    must_contain:
      - "rate|duration|cut"

  - id: performance_and_risk_multi_intent
    title: Combined performance and risk question
    category: multi_intent
    turns:
      - "How did my portfolio do this year, and how risky is it?"
    expected_tools:
      - "get_portfolio_performance"
      - "get_risk_analysis"
    must_contain:
      - "return|perform"
      - "risk|volatility"

  - id: follow_up_context
    title: Follow-up uses conversation context
    category: memory
    turns:
      - "What are my current holdings?"
      - "Which of those positions gained the most?"
    expected_tools:
      - "get_portfolio_holdings"
    must_contain:
      - "vtsax|aapl|position"
    forbidden:
      - "which holdings do you mean"
`

// loadCaseSpecs reads the case pack at path; an empty path loads the built-in
// advisory pack.
func loadCaseSpecs(specPath string) ([]evalCase, error) {
	var data []byte
	if strings.TrimSpace(specPath) == "" {
		data = []byte(defaultCaseYAML)
	} else {
		b, err := os.ReadFile(filepath.Clean(specPath))
		if err != nil {
			return nil, err
		}
		data = b
	}

	var spec caseSpecFile
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, err
	}
	if len(spec.Cases) == 0 {
		return nil, fmt.Errorf("case pack has no cases")
	}
	out := make([]evalCase, 0, len(spec.Cases))
	for _, item := range spec.Cases {
		id := strings.TrimSpace(item.ID)
		if id == "" {
			return nil, fmt.Errorf("case id is empty")
		}
		turns := normalizeStringSlice(item.Turns)
		if len(turns) == 0 {
			return nil, fmt.Errorf("case %s has no turns", id)
		}
		timeoutSeconds := item.TimeoutSeconds
		if timeoutSeconds <= 0 {
			timeoutSeconds = 90
		}
		out = append(out, evalCase{
			ID:             id,
			Title:          strings.TrimSpace(item.Title),
			Category:       strings.TrimSpace(strings.ToLower(item.Category)),
			Turns:          turns,
			ExpectedTools:  normalizeStringSlice(item.ExpectedTools),
			MustContain:    normalizeStringSlice(item.MustContain),
			Forbidden:      normalizeStringSlice(item.Forbidden),
			TimeoutPerTurn: time.Duration(timeoutSeconds) * time.Second,
		})
	}
	return out, nil
}

func normalizeStringSlice(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, item := range in {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
