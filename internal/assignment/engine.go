package assignment

import (
	"github.com/sirupsen/logrus"

	"github.com/inferloop/splitlab/pkg/models"
)

// Engine picks a variant for a subject from cumulative traffic ranges
type Engine struct {
	logger *logrus.Logger
}

// NewEngine creates a new assignment engine
func NewEngine(logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.New()
	}
	return &Engine{logger: logger}
}

// Assign returns the variant the subject falls into. Variants are walked in
// declaration order; a bucket past the last range falls back to the control,
// or the first variant when none is marked. It returns nil only when the
// experiment has no variants.
func (e *Engine) Assign(subjectID string, exp *models.Experiment) *models.Variant {
	if exp == nil || len(exp.Variants) == 0 {
		return nil
	}

	bucket := Bucket(subjectID, exp.ID)

	cumulative := 0.0
	for _, v := range exp.Variants {
		cumulative += v.TrafficSplit
		if bucket < cumulative {
			return v
		}
	}

	e.logger.WithFields(logrus.Fields{
		"experiment_id": exp.ID,
		"subject_id":    subjectID,
		"bucket":        bucket,
		"cumulative":    cumulative,
	}).Debug("Bucket outside traffic ranges, falling back to control")

	if control := exp.ControlVariant(); control != nil {
		return control
	}
	return exp.Variants[0]
}

// NormalizeSplits rescales variant splits proportionally so they sum to 100.
// Splits that already sum to 100 are left untouched. It reports whether any
// split changed.
func NormalizeSplits(variants []*models.Variant) bool {
	sum := 0.0
	for _, v := range variants {
		sum += v.TrafficSplit
	}
	if sum <= 0 || sum == 100 {
		return false
	}
	// The last split absorbs rounding so the total is exactly 100.
	partial := 0.0
	last := len(variants) - 1
	for i, v := range variants {
		if i == last {
			v.TrafficSplit = 100 - partial
			break
		}
		v.TrafficSplit = v.TrafficSplit / sum * 100
		partial += v.TrafficSplit
	}
	return true
}
