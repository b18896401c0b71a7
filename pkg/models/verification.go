package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// RiskLevel is ordinal: NA < LOW < MEDIUM < HIGH.
type RiskLevel int

const (
	RiskLevelNA RiskLevel = iota
	RiskLevelLow
	RiskLevelMedium
	RiskLevelHigh
)

var riskLevelNames = map[RiskLevel]string{
	RiskLevelNA:     "NA",
	RiskLevelLow:    "LOW",
	RiskLevelMedium: "MEDIUM",
	RiskLevelHigh:   "HIGH",
}

func (r RiskLevel) String() string {
	if name, ok := riskLevelNames[r]; ok {
		return name
	}

	return fmt.Sprintf("RiskLevel(%d)", int(r))
}

func (r RiskLevel) MarshalText() ([]byte, error) {
	if _, ok := riskLevelNames[r]; !ok {
		return nil, fmt.Errorf("invalid risk level %d", int(r))
	}

	return []byte(r.String()), nil
}

func (r *RiskLevel) UnmarshalText(text []byte) error {
	for level, name := range riskLevelNames {
		if name == string(text) {
			*r = level

			return nil
		}
	}

	return fmt.Errorf("invalid risk level %q", text)
}

// RiskLevelFromScore maps the integer risk reported by analysis: -1 NA, 0 LOW, 1 MEDIUM, 2 HIGH.
func RiskLevelFromScore(score int) RiskLevel {
	switch {
	case score < 0:
		return RiskLevelNA
	case score == 0:
		return RiskLevelLow
	case score == 1:
		return RiskLevelMedium
	default:
		return RiskLevelHigh
	}
}

// Tolerance is the configured ceiling of acceptable risk: 1 LOW, 2 MEDIUM, 3 HIGH.
type Tolerance int

const (
	ToleranceLow    Tolerance = 1
	ToleranceMedium Tolerance = 2
	ToleranceHigh   Tolerance = 3
)

func (t Tolerance) Valid() bool {
	return t >= ToleranceLow && t <= ToleranceHigh
}

// ComparisonStrategy selects the baseline a verification compares against.
type ComparisonStrategy string

const (
	CompareWithPrevious ComparisonStrategy = "COMPARE_WITH_PREVIOUS"
	CompareWithCurrent  ComparisonStrategy = "COMPARE_WITH_CURRENT"
	Predictive          ComparisonStrategy = "PREDICTIVE"
)

func (s ComparisonStrategy) Valid() bool {
	switch s {
	case CompareWithPrevious, CompareWithCurrent, Predictive:
		return true
	default:
		return false
	}
}

// NeedsControlNodes reports whether the strategy requires baseline nodes.
func (s ComparisonStrategy) NeedsControlNodes() bool {
	return s == CompareWithPrevious || s == CompareWithCurrent
}

// MetricAnalysis is the risk assessment of one metric on one transaction or host group.
type MetricAnalysis struct {
	MetricName    string    `json:"metric_name"`
	Transaction   string    `json:"transaction,omitempty"`
	Risk          RiskLevel `json:"risk"`
	Score         float64   `json:"score,omitempty"`
	ControlValue  float64   `json:"control_value,omitempty"`
	TestValue     float64   `json:"test_value,omitempty"`
	FailFast      bool      `json:"fail_fast,omitempty"`
	NonActionable bool      `json:"non_actionable,omitempty"`
	Message       string    `json:"message,omitempty"`
}

// AnalysisContext is the per-invocation input of a verification.
type AnalysisContext struct {
	StateExecutionID    string             `json:"state_execution_id"`
	AccountID           string             `json:"account_id"`
	AppID               string             `json:"app_id"`
	WorkflowExecutionID string             `json:"workflow_execution_id"`
	ServiceID           string             `json:"service_id,omitempty"`
	Strategy            ComparisonStrategy `json:"strategy"`
	Tolerance           Tolerance          `json:"tolerance"`
	ControlNodes        map[string]string  `json:"control_nodes,omitempty"`
	TestNodes           map[string]string  `json:"test_nodes"`
	Metrics             []string           `json:"metrics,omitempty"`
	DurationMinutes     int                `json:"duration_minutes"`
	StartTime           time.Time          `json:"start_time"`
	ProviderURL         string             `json:"provider_url"`
}

// VerificationExecutionData is the verification's step specific execution data.
type VerificationExecutionData struct {
	Strategy       ComparisonStrategy `json:"strategy"`
	Tolerance      Tolerance          `json:"tolerance"`
	ControlNodes   map[string]string  `json:"control_nodes,omitempty"`
	TestNodes      map[string]string  `json:"test_nodes,omitempty"`
	Analyses       []MetricAnalysis   `json:"analyses,omitempty"`
	OverallRisk    RiskLevel          `json:"overall_risk"`
	ManualOverride bool               `json:"manual_override,omitempty"`
	NoData         bool               `json:"no_data,omitempty"`
	Suppressed     bool               `json:"suppressed,omitempty"`
	Message        string             `json:"message,omitempty"`
}

// VerificationRecord is the audit record of a verification, keyed by state execution id.
type VerificationRecord struct {
	StateExecutionID    string             `json:"state_execution_id"    validate:"required"`
	AccountID           string             `json:"account_id"`
	AppID               string             `json:"app_id"`
	WorkflowExecutionID string             `json:"workflow_execution_id"`
	ServiceID           string             `json:"service_id,omitempty"`
	StateType           string             `json:"state_type"`
	Strategy            ComparisonStrategy `json:"strategy"`
	Tolerance           Tolerance          `json:"tolerance"`
	Status              ExecutionStatus    `json:"status"                validate:"required"`
	OverallRisk         RiskLevel          `json:"overall_risk"`
	NoData              bool               `json:"no_data"`
	ManualOverride      bool               `json:"manual_override"`
	Message             string             `json:"message,omitempty"`
	Analyses            []MetricAnalysis   `json:"analyses,omitempty"`
	CreatedAt           time.Time          `json:"created_at"`
	UpdatedAt           time.Time          `json:"updated_at"`
}

// AnalysesJSON encodes the analyses for column storage.
func (r *VerificationRecord) AnalysesJSON() ([]byte, error) {
	if r.Analyses == nil {
		return []byte("[]"), nil
	}

	return json.Marshal(r.Analyses)
}
