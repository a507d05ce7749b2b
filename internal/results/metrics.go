package results

import (
	"github.com/inferloop/splitlab/internal/stats/frequentist"
	"github.com/inferloop/splitlab/pkg/models"
)

// metricExtractor pulls the per-subject observations of one metric kind
// from a variant's assignments.
type metricExtractor func(m *models.Metric, assignments []*models.Assignment) []float64

var extractors = map[models.MetricType]metricExtractor{
	models.MetricRevenue:    conversionValues,
	models.MetricTimeSpent:  sessionField,
	models.MetricEngagement: sessionField,
	models.MetricCustom:     namedSessionField,
}

// KnownMetricType reports whether t has a value extractor
func KnownMetricType(t models.MetricType) bool {
	if t == models.MetricConversion {
		return true
	}
	_, ok := extractors[t]
	return ok
}

func conversionValues(_ *models.Metric, assignments []*models.Assignment) []float64 {
	var out []float64
	for _, a := range assignments {
		if a.Converted && a.ConversionValue != nil {
			out = append(out, *a.ConversionValue)
		}
	}
	return out
}

func sessionField(m *models.Metric, assignments []*models.Assignment) []float64 {
	field := m.SessionField
	if field == "" {
		field = m.Name
	}
	return fieldValues(field, assignments)
}

func namedSessionField(m *models.Metric, assignments []*models.Assignment) []float64 {
	return fieldValues(m.Name, assignments)
}

func fieldValues(field string, assignments []*models.Assignment) []float64 {
	var out []float64
	for _, a := range assignments {
		if v, ok := a.SessionMetrics[field]; ok {
			out = append(out, v)
		}
	}
	return out
}

// evaluateMetric returns a variant's value for a metric and its interval.
// Conversion metrics report the conversion rate in percent with a Wald
// interval; every other kind reports the mean of its observations.
func evaluateMetric(m *models.Metric, assignments []*models.Assignment, sessions, conversions int64, level float64) (float64, models.ConfidenceInterval) {
	if m.Type == models.MetricConversion {
		return rate(conversions, sessions), frequentist.ConfidenceInterval(conversions, sessions, level)
	}

	extract, ok := extractors[m.Type]
	if !ok {
		return 0, models.ConfidenceInterval{}
	}
	values := extract(m, assignments)
	if len(values) == 0 {
		return 0, models.ConfidenceInterval{}
	}

	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values)), frequentist.MeanInterval(values, level)
}
