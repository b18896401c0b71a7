package verification

import (
	"github.com/dukex/conveyor/pkg/models"
)

// NoAnalysisMessage is reported, with status FAILED, when the provider returned no analysis.
const NoAnalysisMessage = "No Analysis result found. This is not a failure."

// Exceeds reports whether risk is above what tolerance accepts. HIGH is never acceptable, even at
// the highest tolerance; MEDIUM is acceptable from tolerance MEDIUM upwards.
func Exceeds(risk models.RiskLevel, tolerance models.Tolerance) bool {
	switch risk {
	case models.RiskLevelHigh:
		return true
	case models.RiskLevelMedium:
		return tolerance < models.ToleranceMedium
	default:
		return false
	}
}

// Verdict is the outcome of evaluating a set of analyses.
type Verdict struct {
	Status      models.ExecutionStatus
	OverallRisk models.RiskLevel
	NoData      bool
	Suppressed  bool
	Message     string
	// Failing lists the analyses whose risk exceeds the tolerance.
	Failing []models.MetricAnalysis
}

// Evaluate applies the tolerance to analyses. With suppressAnomalies set, a result failing only
// on non-actionable analyses passes.
func Evaluate(analyses []models.MetricAnalysis, tolerance models.Tolerance, suppressAnomalies bool) Verdict {
	if len(analyses) == 0 {
		return Verdict{
			Status:      models.ExecutionStatusFailed,
			OverallRisk: models.RiskLevelNA,
			NoData:      true,
			Message:     NoAnalysisMessage,
		}
	}

	verdict := Verdict{Status: models.ExecutionStatusSuccess, OverallRisk: models.RiskLevelNA}

	for _, analysis := range analyses {
		if analysis.Risk > verdict.OverallRisk {
			verdict.OverallRisk = analysis.Risk
		}

		if Exceeds(analysis.Risk, tolerance) {
			verdict.Failing = append(verdict.Failing, analysis)
		}
	}

	if len(verdict.Failing) == 0 {
		return verdict
	}

	if suppressAnomalies && allNonActionable(verdict.Failing) {
		verdict.Suppressed = true
		verdict.Message = "Failing metrics are non-actionable anomalies; verification passed"

		return verdict
	}

	verdict.Status = models.ExecutionStatusFailed
	verdict.Message = failureMessage(verdict.Failing, tolerance)

	return verdict
}

func allNonActionable(analyses []models.MetricAnalysis) bool {
	for _, analysis := range analyses {
		if !analysis.NonActionable {
			return false
		}
	}

	return true
}

func failureMessage(failing []models.MetricAnalysis, tolerance models.Tolerance) string {
	first := failing[0]

	name := first.MetricName
	if first.Transaction != "" {
		name = first.Transaction + "/" + first.MetricName
	}

	if len(failing) == 1 {
		return "Verification failed: " + name + " risk " + first.Risk.String() +
			" exceeds tolerance " + toleranceName(tolerance)
	}

	return "Verification failed: " + name + " and other metrics exceed tolerance " + toleranceName(tolerance)
}

func toleranceName(tolerance models.Tolerance) string {
	switch tolerance {
	case models.ToleranceLow:
		return "LOW"
	case models.ToleranceMedium:
		return "MEDIUM"
	case models.ToleranceHigh:
		return "HIGH"
	default:
		return "UNKNOWN"
	}
}
