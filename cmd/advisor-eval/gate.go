package main

import (
	"fmt"
	"strings"
)

type caseOutcome struct {
	Passed          bool     `json:"passed"`
	FallbackFinal   bool     `json:"fallback_final"`
	HardFailReasons []string `json:"hard_fail_reasons,omitempty"`
}

type runMetrics struct {
	CaseCount           int     `json:"case_count"`
	PassedCases         int     `json:"passed_cases"`
	FallbackFreeCases   int     `json:"fallback_free_cases"`
	PassRate            float64 `json:"pass_rate"`
	FallbackFreeRate    float64 `json:"fallback_free_rate"`
	AverageToolAccuracy float64 `json:"average_tool_accuracy"`
	AverageRelevance    float64 `json:"average_relevance"`
	AveragePersonality  float64 `json:"average_personality"`
	AverageEfficiency   float64 `json:"average_efficiency"`
	AverageOverall      float64 `json:"average_overall"`
	AvgFirstTokenMS     int64   `json:"avg_first_token_ms"`
	AvgTotalMS          int64   `json:"avg_total_ms"`
}

type gateThresholds struct {
	MinPassRate         float64 `json:"min_pass_rate"`
	MinToolAccuracy     float64 `json:"min_tool_accuracy"`
	MinFallbackFreeRate float64 `json:"min_fallback_free_rate"`
	MinAverageOverall   float64 `json:"min_average_overall"`
}

type gateReport struct {
	Thresholds  gateThresholds `json:"thresholds"`
	Metrics     runMetrics     `json:"metrics"`
	Status      string         `json:"status"`
	FailReasons []string       `json:"fail_reasons,omitempty"`
}

// fallbackFinalPhrases mark answers where the engine gave up: the guardrail
// refusal and the internal-failure apology.
var fallbackFinalPhrases = []string{
	"i can only help with questions about your own accounts",
	"i'm sorry, i ran into a problem",
}

func assessCaseOutcome(c evalCase, result caseResult) caseOutcome {
	out := caseOutcome{Passed: true}

	finalTextLower := strings.ToLower(strings.TrimSpace(result.FinalText))
	for _, phrase := range fallbackFinalPhrases {
		if strings.Contains(finalTextLower, phrase) {
			out.FallbackFinal = true
			out.Passed = false
			out.HardFailReasons = append(out.HardFailReasons, "fallback_final_message")
			break
		}
	}

	for _, turn := range result.Turns {
		if strings.TrimSpace(turn.RunError) != "" {
			out.Passed = false
			out.HardFailReasons = append(out.HardFailReasons, "run_error")
		}
	}

	for _, expected := range c.ExpectedTools {
		if !toolWasUsed(result.ToolsUsed, expected) {
			out.Passed = false
			out.HardFailReasons = append(out.HardFailReasons, "missing_expected_tool:"+strings.TrimSpace(expected))
		}
	}
	for _, must := range c.MustContain {
		if !matchesRequirement(finalTextLower, must) {
			out.Passed = false
			out.HardFailReasons = append(out.HardFailReasons, "missing_must_contain")
			break
		}
	}
	for _, ban := range c.Forbidden {
		if strings.Contains(finalTextLower, strings.ToLower(strings.TrimSpace(ban))) {
			out.Passed = false
			out.HardFailReasons = append(out.HardFailReasons, "contains_forbidden")
			break
		}
	}

	if len(out.HardFailReasons) > 0 {
		out.HardFailReasons = uniqueStrings(out.HardFailReasons)
	}
	return out
}

func uniqueStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, item := range in {
		key := strings.TrimSpace(strings.ToLower(item))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, item)
	}
	return out
}

func aggregateRunMetrics(results []caseResult) runMetrics {
	metrics := runMetrics{CaseCount: len(results)}
	if len(results) == 0 {
		return metrics
	}
	var firstTokenTotal, totalTotal int64
	for _, result := range results {
		if result.Outcome.Passed {
			metrics.PassedCases++
		}
		if !result.Outcome.FallbackFinal {
			metrics.FallbackFreeCases++
		}
		metrics.AverageToolAccuracy += result.Score.ToolAccuracy
		metrics.AverageRelevance += result.Score.Relevance
		metrics.AveragePersonality += result.Score.Personality
		metrics.AverageEfficiency += result.Score.Efficiency
		metrics.AverageOverall += result.Score.Overall
		if len(result.Turns) > 0 {
			firstTokenTotal += result.Turns[0].FirstTokenMS
		}
		totalTotal += result.DurationTotalMS
	}
	den := float64(metrics.CaseCount)
	metrics.PassRate = float64(metrics.PassedCases) / den
	metrics.FallbackFreeRate = float64(metrics.FallbackFreeCases) / den
	metrics.AverageToolAccuracy = metrics.AverageToolAccuracy / den
	metrics.AverageRelevance = metrics.AverageRelevance / den
	metrics.AveragePersonality = metrics.AveragePersonality / den
	metrics.AverageEfficiency = metrics.AverageEfficiency / den
	metrics.AverageOverall = metrics.AverageOverall / den
	metrics.AvgFirstTokenMS = firstTokenTotal / int64(metrics.CaseCount)
	metrics.AvgTotalMS = totalTotal / int64(metrics.CaseCount)
	return metrics
}

func evaluateGate(metrics runMetrics, thresholds gateThresholds) gateReport {
	reasons := make([]string, 0, 4)
	if metrics.PassRate < thresholds.MinPassRate {
		reasons = append(reasons, fmt.Sprintf("pass_rate %.3f < threshold %.3f", metrics.PassRate, thresholds.MinPassRate))
	}
	if metrics.AverageToolAccuracy < thresholds.MinToolAccuracy {
		reasons = append(reasons, fmt.Sprintf("average_tool_accuracy %.2f < threshold %.2f", metrics.AverageToolAccuracy, thresholds.MinToolAccuracy))
	}
	if metrics.FallbackFreeRate < thresholds.MinFallbackFreeRate {
		reasons = append(reasons, fmt.Sprintf("fallback_free_rate %.3f < threshold %.3f", metrics.FallbackFreeRate, thresholds.MinFallbackFreeRate))
	}
	if metrics.AverageOverall < thresholds.MinAverageOverall {
		reasons = append(reasons, fmt.Sprintf("average_overall %.2f < threshold %.2f", metrics.AverageOverall, thresholds.MinAverageOverall))
	}

	report := gateReport{Thresholds: thresholds, Metrics: metrics, Status: "pass"}
	if len(reasons) > 0 {
		report.Status = "reject"
		report.FailReasons = reasons
	}
	return report
}
