package eval

import (
	"fmt"

	"metabuilder/pkg/proto"
)

// QualitySignals carries the raw static-analysis and performance probe
// outputs that feed confidence scoring alongside the evaluation result.
type QualitySignals struct {
	LintCritical      int
	LintWarnings      int
	SecurityHigh      int
	SecurityMedium    int
	AvgResponseMS     float64
	ThroughputRPS     float64
	PerfProbesPresent bool
}

// Confidence blend weights. Tests dominate; the remaining signals share
// the rest evenly.
const (
	testWeight     = 0.4
	lintWeight     = 0.2
	securityWeight = 0.2
	perfWeight     = 0.2
)

// Level cut points.
const (
	confidenceMediumFloor    = 0.6
	confidenceHighFloor      = 0.8
	confidenceExcellentFloor = 0.95
)

// slowResponseMS is the latency above which a risk signal is raised.
const slowResponseMS = 5000

// CalculateConfidence blends test, lint, security, and performance signals
// into a single confidence score for the run.
func CalculateConfidence(runID string, eval *proto.EvaluationResult, signals QualitySignals) *proto.ConfidenceScore {
	score := &proto.ConfidenceScore{
		RunID:            runID,
		TestPassRate:     testPassRate(eval),
		LintScore:        clamp01(1 - 0.1*float64(signals.LintCritical) - 0.01*float64(signals.LintWarnings)),
		SecurityScore:    clamp01(1 - 0.3*float64(signals.SecurityHigh) - 0.1*float64(signals.SecurityMedium)),
		PerformanceScore: performanceScore(signals),
	}

	score.OverallScore = testWeight*score.TestPassRate +
		lintWeight*score.LintScore +
		securityWeight*score.SecurityScore +
		perfWeight*score.PerformanceScore

	switch {
	case score.OverallScore >= confidenceExcellentFloor:
		score.ConfidenceLevel = proto.ConfidenceExcellent
	case score.OverallScore >= confidenceHighFloor:
		score.ConfidenceLevel = proto.ConfidenceHigh
	case score.OverallScore >= confidenceMediumFloor:
		score.ConfidenceLevel = proto.ConfidenceMedium
	default:
		score.ConfidenceLevel = proto.ConfidenceLow
	}

	score.RiskSignals = riskSignals(eval, signals)
	return score
}

// testPassRate is the fraction of golden tasks that passed, in [0,1].
func testPassRate(eval *proto.EvaluationResult) float64 {
	if eval == nil || len(eval.Tasks) == 0 {
		return 0
	}
	passed := 0
	for i := range eval.Tasks {
		if eval.Tasks[i].Passed {
			passed++
		}
	}
	return float64(passed) / float64(len(eval.Tasks))
}

// performanceScore averages a latency score and a throughput score. Latency
// under one second is perfect; each additional second costs the full score.
// Throughput saturates at 100 requests per second. Without probes the score
// is neutral rather than punitive.
func performanceScore(signals QualitySignals) float64 {
	if !signals.PerfProbesPresent {
		return 0.5
	}
	timeScore := 1.0
	if signals.AvgResponseMS >= 1000 {
		timeScore = clamp01(1 - (signals.AvgResponseMS-1000)/1000)
	}
	throughputScore := clamp01(signals.ThroughputRPS / 100)
	return (timeScore + throughputScore) / 2
}

func riskSignals(eval *proto.EvaluationResult, signals QualitySignals) []string {
	var risks []string
	if eval != nil {
		failed := 0
		for i := range eval.Tasks {
			if !eval.Tasks[i].Passed {
				failed++
			}
		}
		if failed > 0 {
			risks = append(risks, fmt.Sprintf("%d golden tasks failing", failed))
		}
	}
	if signals.LintCritical > 0 {
		risks = append(risks, fmt.Sprintf("%d critical lint findings", signals.LintCritical))
	}
	if signals.SecurityHigh > 0 {
		risks = append(risks, fmt.Sprintf("%d high-severity vulnerabilities", signals.SecurityHigh))
	}
	if signals.PerfProbesPresent && signals.AvgResponseMS > slowResponseMS {
		risks = append(risks, fmt.Sprintf("average response time %.0fms exceeds %dms", signals.AvgResponseMS, slowResponseMS))
	}
	return risks
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
