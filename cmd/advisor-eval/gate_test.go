package main

import "testing"

func TestAssessCaseOutcome_FallbackAndMissingToolFail(t *testing.T) {
	t.Parallel()

	c := evalCase{
		ID:            "risk_assessment",
		ExpectedTools: []string{"get_risk_analysis"},
		MustContain:   []string{"risk"},
	}
	result := caseResult{
		Case:      c,
		FinalText: "I'm sorry, I ran into a problem while preparing your answer. Please try again in a moment.",
		ToolsUsed: nil,
	}

	outcome := assessCaseOutcome(c, result)
	if outcome.Passed {
		t.Fatalf("expected failing outcome")
	}
	if !outcome.FallbackFinal {
		t.Fatalf("expected fallback detection")
	}
	if len(outcome.HardFailReasons) == 0 {
		t.Fatalf("expected hard fail reasons")
	}
}

func TestAssessCaseOutcome_GroundedAnswerPasses(t *testing.T) {
	t.Parallel()

	c := evalCase{
		ID:            "risk_assessment",
		ExpectedTools: []string{"get_risk_analysis"},
		MustContain:   []string{"risk|volatility"},
		Forbidden:     []string{"guarantee"},
	}
	result := caseResult{
		Case:      c,
		FinalText: "Your portfolio is at a moderate risk level: volatility 11.4%, max drawdown -14.8%.",
		ToolsUsed: []string{"get_risk_analysis"},
	}

	outcome := assessCaseOutcome(c, result)
	if !outcome.Passed {
		t.Fatalf("expected passing outcome, reasons=%v", outcome.HardFailReasons)
	}
	if outcome.FallbackFinal {
		t.Fatalf("unexpected fallback detection")
	}
}

func TestAggregateRunMetrics(t *testing.T) {
	t.Parallel()

	results := []caseResult{
		{
			Score:           scoreBreakdown{ToolAccuracy: 100, Relevance: 90, Personality: 80, Efficiency: 70, Overall: 88},
			Outcome:         caseOutcome{Passed: true},
			Turns:           []turnMetrics{{FirstTokenMS: 400}},
			DurationTotalMS: 2000,
		},
		{
			Score:           scoreBreakdown{ToolAccuracy: 60, Relevance: 50, Personality: 40, Efficiency: 30, Overall: 48},
			Outcome:         caseOutcome{Passed: false, FallbackFinal: true},
			Turns:           []turnMetrics{{FirstTokenMS: 800}},
			DurationTotalMS: 4000,
		},
	}

	metrics := aggregateRunMetrics(results)
	if metrics.CaseCount != 2 || metrics.PassedCases != 1 {
		t.Fatalf("metrics=%+v", metrics)
	}
	if metrics.PassRate != 0.5 || metrics.FallbackFreeRate != 0.5 {
		t.Fatalf("rates=%.2f/%.2f, want 0.5/0.5", metrics.PassRate, metrics.FallbackFreeRate)
	}
	if metrics.AverageToolAccuracy != 80 || metrics.AverageOverall != 68 {
		t.Fatalf("averages=%.2f/%.2f", metrics.AverageToolAccuracy, metrics.AverageOverall)
	}
	if metrics.AvgFirstTokenMS != 600 || metrics.AvgTotalMS != 3000 {
		t.Fatalf("timing=%d/%d", metrics.AvgFirstTokenMS, metrics.AvgTotalMS)
	}
}

func TestEvaluateGate_RejectBelowThresholds(t *testing.T) {
	t.Parallel()

	thresholds := gateThresholds{
		MinPassRate:         0.8,
		MinToolAccuracy:     75,
		MinFallbackFreeRate: 0.9,
		MinAverageOverall:   65,
	}

	pass := evaluateGate(runMetrics{
		PassRate:            0.9,
		AverageToolAccuracy: 90,
		FallbackFreeRate:    1.0,
		AverageOverall:      80,
	}, thresholds)
	if pass.Status != "pass" || len(pass.FailReasons) != 0 {
		t.Fatalf("pass gate=%+v", pass)
	}

	reject := evaluateGate(runMetrics{
		PassRate:            0.5,
		AverageToolAccuracy: 60,
		FallbackFreeRate:    0.7,
		AverageOverall:      55,
	}, thresholds)
	if reject.Status != "reject" {
		t.Fatalf("status=%s, want reject", reject.Status)
	}
	if len(reject.FailReasons) != 4 {
		t.Fatalf("fail reasons=%v, want all four thresholds", reject.FailReasons)
	}
}
