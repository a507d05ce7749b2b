package lifecycle

import (
	"fmt"
	"math"

	"github.com/inferloop/splitlab/internal/results"
	"github.com/inferloop/splitlab/pkg/constants"
	"github.com/inferloop/splitlab/pkg/errors"
	"github.com/inferloop/splitlab/pkg/models"
)

// ValidateConfig checks an experiment definition and reports every problem
// found. Traffic splits are expected to be normalized already.
func ValidateConfig(exp *models.Experiment) error {
	ve := errors.NewValidationErrors()

	if exp.Name == "" {
		ve.Add("name", errors.CodeMissingField, "name is required", nil)
	}
	if exp.TrafficAllocation < 1 || exp.TrafficAllocation > 100 {
		ve.Add("traffic_allocation", errors.CodeOutOfRange, "traffic allocation must be within [1, 100]", exp.TrafficAllocation)
	}
	if exp.ConfidenceLevel <= 0 || exp.ConfidenceLevel >= 100 {
		ve.Add("confidence_level", errors.CodeOutOfRange, "confidence level must be a percentage between 0 and 100", exp.ConfidenceLevel)
	}
	if exp.MinimumSampleSize < 0 {
		ve.Add("minimum_sample_size", errors.CodeOutOfRange, "minimum sample size cannot be negative", exp.MinimumSampleSize)
	}

	seen := make(map[string]bool, len(exp.Variants))
	sum := 0.0
	for i, v := range exp.Variants {
		field := fmt.Sprintf("variants[%d]", i)
		if v.Name == "" {
			ve.Add(field+".name", errors.CodeMissingField, "variant name is required", nil)
		}
		if seen[v.ID] {
			ve.Add(field+".id", errors.CodeDuplicateVariant, "variant id is not unique", v.ID)
		}
		seen[v.ID] = true
		if v.TrafficSplit < 0 || v.TrafficSplit > 100 {
			ve.Add(field+".traffic_split", errors.CodeOutOfRange, "traffic split must be within [0, 100]", v.TrafficSplit)
		}
		sum += v.TrafficSplit
	}
	if len(exp.Variants) > 0 && math.Abs(sum-100) > constants.TrafficSplitTolerance {
		ve.Add("variants", errors.CodeSplitMismatch, "traffic splits must sum to 100", sum)
	}

	for i, m := range exp.Metrics {
		field := fmt.Sprintf("metrics[%d]", i)
		if m.Name == "" {
			ve.Add(field+".name", errors.CodeMissingField, "metric name is required", nil)
		}
		if !results.KnownMetricType(m.Type) {
			ve.Add(field+".type", errors.CodeInvalidMetricType, "unknown metric type", m.Type)
		}
		if m.Direction != "" && m.Direction != models.DirectionIncrease && m.Direction != models.DirectionDecrease {
			ve.Add(field+".direction", errors.CodeInvalidInput, "direction must be increase or decrease", m.Direction)
		}
	}

	checkReadiness(exp, ve)
	return ve.OrNil()
}

// ValidateReadiness checks what a draft needs before it may start: at least
// two variants, exactly one control, and a primary metric.
func ValidateReadiness(exp *models.Experiment) error {
	ve := errors.NewValidationErrors()
	checkReadiness(exp, ve)
	return ve.OrNil()
}

func checkReadiness(exp *models.Experiment, ve *errors.ValidationErrors) {
	if len(exp.Variants) < 2 {
		ve.Add("variants", errors.CodeVariantCount, "at least two variants are required", len(exp.Variants))
	}

	controls := 0
	for _, v := range exp.Variants {
		if v.IsControl {
			controls++
		}
	}
	if controls != 1 {
		ve.Add("variants", errors.CodeControlCount, "exactly one control variant is required", controls)
	}

	if len(exp.Metrics) == 0 {
		ve.Add("metrics", errors.CodeNoMetrics, "at least one metric is required", nil)
	} else if exp.PrimaryMetric() == nil {
		ve.Add("metrics", errors.CodeNoPrimaryMetric, "at least one primary metric is required", nil)
	}
}
