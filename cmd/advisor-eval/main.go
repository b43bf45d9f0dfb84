// advisor-eval replays a scripted case pack through the full advisory stack
// (guardrails, engine, tools over fixture data) against the configured model
// and scores each answer on tool accuracy, relevance, personality and
// latency. Reports land as report.json / report.md; with -enforce-gate the
// process exits nonzero when the aggregate metrics miss the thresholds.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/quantfolio/advisor-agent/internal/advisor"
	"github.com/quantfolio/advisor-agent/internal/config"
	"github.com/quantfolio/advisor-agent/internal/guardrail"
	"github.com/quantfolio/advisor-agent/internal/llm"
	"github.com/quantfolio/advisor-agent/internal/memory"
	"github.com/quantfolio/advisor-agent/internal/thread"
	"github.com/quantfolio/advisor-agent/internal/tools"
)

type turnMetrics struct {
	Query        string        `json:"query"`
	Duration     time.Duration `json:"-"`
	DurationMS   int64         `json:"duration_ms"`
	FirstTokenMS int64         `json:"first_token_ms"`
	Steps        int           `json:"steps"`
	ToolCalls    []string      `json:"tool_calls,omitempty"`
	RunError     string        `json:"run_error,omitempty"`
}

type caseResult struct {
	Case            evalCase       `json:"case"`
	Turns           []turnMetrics  `json:"turns"`
	FinalText       string         `json:"final_text"`
	ToolsUsed       []string       `json:"tools_used,omitempty"`
	DurationTotalMS int64          `json:"duration_total_ms"`
	Score           scoreBreakdown `json:"score"`
	Outcome         caseOutcome    `json:"outcome"`
}

type scoreBreakdown struct {
	ToolAccuracy float64 `json:"tool_accuracy"`
	Relevance    float64 `json:"relevance"`
	Personality  float64 `json:"personality"`
	Efficiency   float64 `json:"efficiency"`
	Overall      float64 `json:"overall"`
}

type evalReport struct {
	GeneratedAt time.Time    `json:"generated_at"`
	Model       string       `json:"model"`
	Provider    string       `json:"provider"`
	CaseCount   int          `json:"case_count"`
	Results     []caseResult `json:"results"`
	Metrics     runMetrics   `json:"metrics"`
	Gate        gateReport   `json:"gate"`
}

func main() {
	cfgPath := flag.String("config", config.DefaultConfigPath(), "config file path")
	casesPath := flag.String("cases", "", "case pack yaml path (default: built-in advisory cases)")
	reportDir := flag.String("report-dir", "", "output directory for reports (default: ~/.advisor-agent/evals/<timestamp>)")
	accountID := flag.Int64("account", 1, "account id the cases run under")
	enforceGate := flag.Bool("enforce-gate", false, "exit nonzero when the quality gate rejects")
	minPassRate := flag.Float64("min-pass-rate", 0.8, "gate minimum case pass rate")
	minToolAccuracy := flag.Float64("min-tool-accuracy", 75, "gate minimum average tool accuracy")
	minFallbackFreeRate := flag.Float64("min-fallback-free-rate", 0.9, "gate minimum fallback-free rate")
	minOverall := flag.Float64("min-overall", 65, "gate minimum average overall score")
	flag.Parse()

	cfg, err := config.Load(filepath.Clean(*cfgPath))
	if err != nil {
		fatalf("failed to load config: %v", err)
	}
	apiKey := os.Getenv(cfg.APIKeyEnvName())
	if strings.TrimSpace(apiKey) == "" {
		fatalf("environment variable %s is not set", cfg.APIKeyEnvName())
	}

	timestamp := time.Now().Format("20060102-150405")
	outDir := strings.TrimSpace(*reportDir)
	if outDir == "" {
		home, _ := os.UserHomeDir()
		outDir = filepath.Join(home, ".advisor-agent", "evals", timestamp)
	}
	if err := os.MkdirAll(outDir, 0o700); err != nil {
		fatalf("failed to create output dir: %v", err)
	}
	// Eval state is disposable and kept apart from the live agent's data dir so
	// no lock or database is shared with a running session.
	stateDir := filepath.Join(outDir, "state")
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		fatalf("failed to create state dir: %v", err)
	}

	cases, err := loadCaseSpecs(strings.TrimSpace(*casesPath))
	if err != nil {
		fatalf("failed to load case pack: %v", err)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))

	provider, err := llm.NewProvider(cfg.Provider.Type, cfg.Provider.BaseURL, apiKey)
	if err != nil {
		fatalf("provider: %v", err)
	}

	store, err := memory.Open(filepath.Join(stateDir, "memory.sqlite"))
	if err != nil {
		fatalf("open memory store: %v", err)
	}
	defer func() { _ = store.Close() }()

	rulesPath := ""
	if cfg.Guardrail != nil {
		rulesPath = cfg.Guardrail.RulesPath
	}
	rules, err := guardrail.LoadRules(rulesPath)
	if err != nil {
		fatalf("load guardrail rules: %v", err)
	}
	validator, err := guardrail.NewValidator(guardrail.ValidatorOptions{Rules: rules, Log: log})
	if err != nil {
		fatalf("validator: %v", err)
	}

	recorder := newToolRecorder(tools.StubPortfolioData{})
	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry, recorder); err != nil {
		fatalf("register tools: %v", err)
	}

	threads, err := thread.NewManager(store, log)
	if err != nil {
		fatalf("thread manager: %v", err)
	}

	engine, err := advisor.NewEngine(advisor.Options{
		Provider:           provider,
		Store:              store,
		Threads:            threads,
		Validator:          validator,
		Registry:           registry,
		Log:                log,
		Model:              cfg.Provider.Model,
		MaxSteps:           cfg.EffectiveMaxSteps(),
		HistoryTokenBudget: cfg.EffectiveHistoryTokenBudget(),
		MaxOutputTokens:    cfg.EffectiveMaxOutputTokens(),
	})
	if err != nil {
		fatalf("engine: %v", err)
	}

	fmt.Printf("[advisor-eval] model=%s provider=%s cases=%d\n", cfg.Provider.Model, cfg.Provider.Type, len(cases))

	ctx := context.Background()
	results := make([]caseResult, 0, len(cases))
	for i, c := range cases {
		res := runCase(ctx, engine, threads, recorder, *accountID, c)
		results = append(results, res)
		fmt.Printf("  (%d/%d) case=%s overall=%.2f tool=%.2f rel=%.2f pers=%.2f eff=%.2f passed=%t\n",
			i+1, len(cases), c.ID, res.Score.Overall, res.Score.ToolAccuracy, res.Score.Relevance, res.Score.Personality, res.Score.Efficiency, res.Outcome.Passed)
	}

	metrics := aggregateRunMetrics(results)
	thresholds := gateThresholds{
		MinPassRate:         clamp01(*minPassRate),
		MinToolAccuracy:     clampScore(*minToolAccuracy),
		MinFallbackFreeRate: clamp01(*minFallbackFreeRate),
		MinAverageOverall:   clampScore(*minOverall),
	}
	gate := evaluateGate(metrics, thresholds)

	report := evalReport{
		GeneratedAt: time.Now(),
		Model:       cfg.Provider.Model,
		Provider:    cfg.Provider.Type,
		CaseCount:   len(cases),
		Results:     results,
		Metrics:     metrics,
		Gate:        gate,
	}

	if err := writeJSON(filepath.Join(outDir, "report.json"), report); err != nil {
		fatalf("failed to write report.json: %v", err)
	}
	if err := writeMarkdown(filepath.Join(outDir, "report.md"), report); err != nil {
		fatalf("failed to write report.md: %v", err)
	}

	fmt.Printf("[advisor-eval] pass_rate=%.2f avg_overall=%.2f avg_first_token_ms=%d gate=%s\n",
		metrics.PassRate, metrics.AverageOverall, metrics.AvgFirstTokenMS, gate.Status)
	if len(gate.FailReasons) > 0 {
		fmt.Printf("[advisor-eval] gate reasons: %s\n", strings.Join(gate.FailReasons, "; "))
	}
	fmt.Printf("[advisor-eval] report dir: %s\n", outDir)

	if *enforceGate && gate.Status != "pass" {
		fatalf("quality gate rejected this evaluation")
	}
}

func runCase(ctx context.Context, engine *advisor.Engine, threads *thread.Manager, recorder *toolRecorder, accountID int64, c evalCase) caseResult {
	result := caseResult{Case: c}

	th, err := threads.CreateNewSession(ctx, accountID)
	if err != nil {
		result.Outcome = caseOutcome{HardFailReasons: []string{"create_thread: " + err.Error()}}
		return result
	}
	threadID := th.ThreadID

	started := time.Now()
	var finalText string
	for _, query := range c.Turns {
		timeout := c.TimeoutPerTurn
		if timeout <= 0 {
			timeout = 90 * time.Second
		}
		turnCtx, cancel := context.WithTimeout(ctx, timeout)

		recorder.drain()
		oneStart := time.Now()
		var firstToken time.Duration
		var text strings.Builder
		res, runErr := engine.ProcessQuery(turnCtx, advisor.Request{
			Query:     query,
			AccountID: accountID,
			ThreadID:  threadID,
			OnToken: func(tok string) {
				if firstToken == 0 {
					firstToken = time.Since(oneStart)
				}
				text.WriteString(tok)
			},
		})
		dur := time.Since(oneStart)
		cancel()

		metrics := turnMetrics{
			Query:        query,
			Duration:     dur,
			DurationMS:   dur.Milliseconds(),
			FirstTokenMS: firstToken.Milliseconds(),
			ToolCalls:    recorder.drain(),
		}
		if runErr != nil {
			metrics.RunError = runErr.Error()
		} else {
			metrics.Steps = res.Steps
			threadID = res.ThreadID
			finalText = res.Text
			if finalText == "" {
				finalText = text.String()
			}
		}
		result.Turns = append(result.Turns, metrics)
		result.ToolsUsed = append(result.ToolsUsed, metrics.ToolCalls...)
	}

	result.FinalText = finalText
	result.DurationTotalMS = time.Since(started).Milliseconds()
	result.Score = evaluateScore(c, finalText, result.ToolsUsed, result.Turns)
	result.Outcome = assessCaseOutcome(c, result)
	return result
}

// evaluateScore is penalty based: every dimension starts at 100 and loses
// points per defect, then clamps to [0,100].
func evaluateScore(c evalCase, finalText string, toolsUsed []string, turns []turnMetrics) scoreBreakdown {
	toolAccuracy := 100.0
	relevance := 100.0
	personality := 100.0
	efficiency := 100.0

	lower := strings.ToLower(finalText)

	for _, expected := range c.ExpectedTools {
		if !toolWasUsed(toolsUsed, expected) {
			toolAccuracy -= 40
		}
	}
	if extra := len(toolsUsed) - len(c.ExpectedTools); extra > 0 {
		toolAccuracy -= float64(extra * 8)
	}

	for _, must := range c.MustContain {
		if !matchesRequirement(lower, must) {
			relevance -= 20
		}
	}
	for _, ban := range c.Forbidden {
		if strings.Contains(lower, strings.ToLower(strings.TrimSpace(ban))) {
			relevance -= 35
			personality -= 20
		}
	}
	if utf8.RuneCountInString(strings.TrimSpace(finalText)) < 40 {
		relevance -= 15
		personality -= 15
	}

	for _, phrase := range fallbackFinalPhrases {
		if strings.Contains(lower, phrase) {
			relevance -= 40
			personality -= 30
			break
		}
	}
	if looksPreambleOnly(finalText) {
		personality -= 35
	}
	personality -= float64(repetitionPenalty(finalText))

	totalSeconds := 0.0
	steps := 0
	for _, turn := range turns {
		totalSeconds += turn.Duration.Seconds()
		steps += turn.Steps
		if turn.FirstTokenMS > 5000 {
			efficiency -= 15
		}
		if strings.TrimSpace(turn.RunError) != "" {
			relevance -= 25
			efficiency -= 20
		}
	}
	efficiency -= math.Min(55, totalSeconds*1.2)
	if steps > len(turns)+len(c.ExpectedTools) {
		efficiency -= float64((steps - len(turns) - len(c.ExpectedTools)) * 6)
	}
	if len(toolsUsed) > 5 {
		efficiency -= float64((len(toolsUsed) - 5) * 4)
	}

	toolAccuracy = clampScore(toolAccuracy)
	relevance = clampScore(relevance)
	personality = clampScore(personality)
	efficiency = clampScore(efficiency)
	overall := clampScore(toolAccuracy*0.35 + relevance*0.3 + personality*0.2 + efficiency*0.15)

	return scoreBreakdown{
		ToolAccuracy: toolAccuracy,
		Relevance:    relevance,
		Personality:  personality,
		Efficiency:   efficiency,
		Overall:      overall,
	}
}

// toolWasUsed reports whether any alternative of expected ("a|b") was called.
func toolWasUsed(used []string, expected string) bool {
	for _, alt := range strings.Split(strings.ToLower(strings.TrimSpace(expected)), "|") {
		alt = strings.TrimSpace(alt)
		if alt == "" {
			continue
		}
		for _, name := range used {
			if strings.ToLower(strings.TrimSpace(name)) == alt {
				return true
			}
		}
	}
	return false
}

// matchesRequirement treats "|" as alternatives: the text satisfies the
// requirement when it contains any of them.
func matchesRequirement(text string, requirement string) bool {
	req := strings.TrimSpace(strings.ToLower(requirement))
	if req == "" {
		return true
	}
	for _, part := range strings.Split(req, "|") {
		p := strings.TrimSpace(part)
		if p == "" {
			continue
		}
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}

func looksPreambleOnly(text string) bool {
	trimmed := strings.TrimSpace(strings.ToLower(text))
	if trimmed == "" {
		return true
	}
	if utf8.RuneCountInString(trimmed) > 180 {
		return false
	}
	preambleHints := []string{"let me", "i will", "first i", "i'll first", "one moment", "give me a moment"}
	hasPreamble := false
	for _, hint := range preambleHints {
		if strings.Contains(trimmed, hint) {
			hasPreamble = true
			break
		}
	}
	if !hasPreamble {
		return false
	}
	finalHints := []string{"return", "portfolio", "holding", "risk", "allocation", "recommendation"}
	for _, hint := range finalHints {
		if strings.Contains(trimmed, hint) {
			return false
		}
	}
	return true
}

func repetitionPenalty(text string) int {
	clean := normalizeText(text)
	if clean == "" {
		return 0
	}
	parts := strings.FieldsFunc(clean, func(r rune) bool {
		switch r {
		case '.', '!', '?', ';', '\n':
			return true
		default:
			return false
		}
	})
	seen := map[string]int{}
	dup := 0
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if utf8.RuneCountInString(s) < 8 {
			continue
		}
		seen[s] = seen[s] + 1
		if seen[s] > 1 {
			dup++
		}
	}
	if dup <= 0 {
		return 0
	}
	penalty := dup * 6
	if penalty > 36 {
		penalty = 36
	}
	return penalty
}

func normalizeText(text string) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ""
	}
	trimmed = strings.ToLower(trimmed)
	trimmed = strings.Join(strings.Fields(trimmed), " ")
	if utf8.RuneCountInString(trimmed) > 500 {
		trimmed = string([]rune(trimmed)[:500])
	}
	return trimmed
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return math.Round(v*100) / 100
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	return os.WriteFile(path, b, 0o600)
}

func writeMarkdown(path string, report evalReport) error {
	var b strings.Builder
	b.WriteString("# Advisor Evaluation Report\n\n")
	b.WriteString(fmt.Sprintf("- Generated at: %s\n", report.GeneratedAt.Format(time.RFC3339)))
	b.WriteString(fmt.Sprintf("- Model: `%s` (%s)\n", report.Model, report.Provider))
	b.WriteString(fmt.Sprintf("- Cases: %d\n", report.CaseCount))

	b.WriteString("\n## Aggregate Metrics\n\n")
	b.WriteString(fmt.Sprintf("- Pass rate: %.2f (%d/%d)\n", report.Metrics.PassRate, report.Metrics.PassedCases, report.Metrics.CaseCount))
	b.WriteString(fmt.Sprintf("- Fallback-free rate: %.2f\n", report.Metrics.FallbackFreeRate))
	b.WriteString(fmt.Sprintf("- Average tool accuracy: %.2f\n", report.Metrics.AverageToolAccuracy))
	b.WriteString(fmt.Sprintf("- Average relevance: %.2f\n", report.Metrics.AverageRelevance))
	b.WriteString(fmt.Sprintf("- Average personality: %.2f\n", report.Metrics.AveragePersonality))
	b.WriteString(fmt.Sprintf("- Average efficiency: %.2f\n", report.Metrics.AverageEfficiency))
	b.WriteString(fmt.Sprintf("- Average overall: %.2f\n", report.Metrics.AverageOverall))
	b.WriteString(fmt.Sprintf("- Avg first token: %d ms, avg total: %d ms\n", report.Metrics.AvgFirstTokenMS, report.Metrics.AvgTotalMS))

	b.WriteString("\n## Gate\n\n")
	b.WriteString(fmt.Sprintf("- Status: `%s`\n", report.Gate.Status))
	b.WriteString(fmt.Sprintf("- Thresholds: pass>=%.2f tool_accuracy>=%.2f fallback_free>=%.2f overall>=%.2f\n",
		report.Gate.Thresholds.MinPassRate,
		report.Gate.Thresholds.MinToolAccuracy,
		report.Gate.Thresholds.MinFallbackFreeRate,
		report.Gate.Thresholds.MinAverageOverall,
	))
	if len(report.Gate.FailReasons) > 0 {
		b.WriteString("- Fail reasons: " + strings.Join(report.Gate.FailReasons, "; ") + "\n")
	}

	b.WriteString("\n## Case Results\n\n")
	b.WriteString("| Case | Passed | Tool | Relevance | Personality | Efficiency | Overall | First token (ms) |\n")
	b.WriteString("|---|---:|---:|---:|---:|---:|---:|---:|\n")
	for _, result := range report.Results {
		firstToken := int64(0)
		if len(result.Turns) > 0 {
			firstToken = result.Turns[0].FirstTokenMS
		}
		b.WriteString(fmt.Sprintf("| `%s` | %t | %.2f | %.2f | %.2f | %.2f | %.2f | %d |\n",
			result.Case.ID,
			result.Outcome.Passed,
			result.Score.ToolAccuracy,
			result.Score.Relevance,
			result.Score.Personality,
			result.Score.Efficiency,
			result.Score.Overall,
			firstToken,
		))
	}

	b.WriteString("\n## Case Details\n\n")
	for _, result := range report.Results {
		b.WriteString(fmt.Sprintf("### %s\n\n", result.Case.ID))
		if len(result.ToolsUsed) > 0 {
			b.WriteString("- Tools used: " + strings.Join(result.ToolsUsed, ", ") + "\n")
		}
		if len(result.Outcome.HardFailReasons) > 0 {
			b.WriteString("- Hard fail reasons: " + strings.Join(result.Outcome.HardFailReasons, ", ") + "\n")
		}
		b.WriteString(fmt.Sprintf("- Duration: %d ms\n", result.DurationTotalMS))
		if txt := strings.TrimSpace(result.FinalText); txt != "" {
			preview := txt
			if utf8.RuneCountInString(preview) > 260 {
				preview = string([]rune(preview)[:260]) + "..."
			}
			b.WriteString(fmt.Sprintf("- Output preview: %s\n", strings.ReplaceAll(preview, "\n", " ")))
		}
		b.WriteString("\n")
	}
	return os.WriteFile(path, []byte(b.String()), 0o600)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "[advisor-eval] "+format+"\n", args...)
	os.Exit(1)
}
