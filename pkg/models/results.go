package models

import "time"

// ConfidenceInterval is a closed interval in percentage points unless noted
type ConfidenceInterval struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// StatisticalSignificance is the frequentist verdict of a treatment versus control
type StatisticalSignificance struct {
	PValue                float64  `json:"p_value"`
	ZScore                float64  `json:"z_score"`
	ConfidenceLevel       float64  `json:"confidence_level"`
	IsSignificant         bool     `json:"is_significant"`
	Power                 float64  `json:"power"`
	EffectSize            float64  `json:"effect_size"`
	RecommendedSampleSize int64    `json:"recommended_sample_size"`
	DaysToSignificance    *float64 `json:"days_to_significance,omitempty"`
}

// PosteriorDistribution is a Beta(alpha, beta) posterior over a conversion rate
type PosteriorDistribution struct {
	Alpha    float64 `json:"alpha"`
	Beta     float64 `json:"beta"`
	Mean     float64 `json:"mean"`
	Variance float64 `json:"variance"`
}

// Recommendation is the categorical Bayesian decision
type Recommendation string

const (
	RecommendDeploy   Recommendation = "deploy"
	RecommendContinue Recommendation = "continue_testing"
	RecommendStop     Recommendation = "stop_test"
)

// BayesianVerdict summarises the posterior comparison of treatment and control
type BayesianVerdict struct {
	ProbabilityToBeatControl float64               `json:"probability_to_beat_control"`
	ExpectedLoss             float64               `json:"expected_loss"`
	Posterior                PosteriorDistribution `json:"posterior"`
	ControlPosterior         PosteriorDistribution `json:"control_posterior"`
	CredibleInterval         ConfidenceInterval    `json:"credible_interval"`
	Recommendation           Recommendation        `json:"recommendation"`
}

// VariantResult is the per-variant slice of ExperimentResults
type VariantResult struct {
	VariantID              string                   `json:"variant_id"`
	Name                   string                   `json:"name"`
	IsControl              bool                     `json:"is_control"`
	Sessions               int64                    `json:"sessions"`
	Conversions            int64                    `json:"conversions"`
	ConversionRate         float64                  `json:"conversion_rate"`
	ConfidenceInterval     ConfidenceInterval       `json:"confidence_interval"`
	Significance           *StatisticalSignificance `json:"significance,omitempty"`
	ImprovementOverControl float64                  `json:"improvement_over_control"`
	MetricValues           map[string]float64       `json:"metric_values"`
	Bayesian               *BayesianVerdict         `json:"bayesian,omitempty"`
}

// ExperimentResults is the aggregated view computed from raw assignments
type ExperimentResults struct {
	ExperimentID        string                                   `json:"experiment_id"`
	TotalSessions       int64                                    `json:"total_sessions"`
	TotalConversions    int64                                    `json:"total_conversions"`
	OverallRate         float64                                  `json:"overall_rate"`
	Variants            []*VariantResult                         `json:"variants"`
	OverallSignificance *StatisticalSignificance                 `json:"overall_significance,omitempty"`
	BestVariantID       string                                   `json:"best_variant_id,omitempty"`
	Recommendations     []string                                 `json:"recommendations"`
	MetricIntervals     map[string]map[string]ConfidenceInterval `json:"metric_intervals"`
	EffectSize          float64                                  `json:"effect_size"`
	GeneratedAt         time.Time                                `json:"generated_at"`
}

// Variant returns the result row for a variant id, or nil
func (r *ExperimentResults) Variant(id string) *VariantResult {
	for _, v := range r.Variants {
		if v.VariantID == id {
			return v
		}
	}
	return nil
}

// Control returns the control row, or nil
func (r *ExperimentResults) Control() *VariantResult {
	for _, v := range r.Variants {
		if v.IsControl {
			return v
		}
	}
	return nil
}
