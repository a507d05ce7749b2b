package results

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/splitlab/internal/stats/bayesian"
	"github.com/inferloop/splitlab/internal/stats/frequentist"
	"github.com/inferloop/splitlab/pkg/constants"
	"github.com/inferloop/splitlab/pkg/interfaces"
	"github.com/inferloop/splitlab/pkg/models"
)

// Aggregator turns raw assignments into ExperimentResults
type Aggregator struct {
	frequentist *frequentist.Analyzer
	bayesian    *bayesian.Analyzer
	clock       interfaces.Clock
	logger      *logrus.Logger
}

// NewAggregator creates a results aggregator. A nil Bayesian analyzer skips
// the per-variant Bayesian verdicts.
func NewAggregator(freq *frequentist.Analyzer, bayes *bayesian.Analyzer, clock interfaces.Clock, logger *logrus.Logger) *Aggregator {
	if logger == nil {
		logger = logrus.New()
	}
	if freq == nil {
		freq = frequentist.NewAnalyzer(0)
	}
	if clock == nil {
		clock = interfaces.SystemClock{}
	}
	return &Aggregator{
		frequentist: freq,
		bayesian:    bayes,
		clock:       clock,
		logger:      logger,
	}
}

// Aggregate computes the result set of an experiment from its assignments.
// Assignments pointing at unknown variants are ignored.
func (a *Aggregator) Aggregate(exp *models.Experiment, assignments []*models.Assignment) *models.ExperimentResults {
	level := exp.ConfidenceLevel
	if level <= 0 {
		level = constants.DefaultConfidenceLevel
	}

	byVariant := make(map[string][]*models.Assignment, len(exp.Variants))
	for _, as := range assignments {
		if exp.Variant(as.VariantID) == nil {
			continue
		}
		byVariant[as.VariantID] = append(byVariant[as.VariantID], as)
	}

	results := &models.ExperimentResults{
		ExperimentID:    exp.ID,
		Variants:        make([]*models.VariantResult, 0, len(exp.Variants)),
		Recommendations: []string{},
		MetricIntervals: make(map[string]map[string]models.ConfidenceInterval, len(exp.Metrics)),
		GeneratedAt:     a.clock.Now(),
	}
	for _, m := range exp.Metrics {
		results.MetricIntervals[m.Name] = make(map[string]models.ConfidenceInterval, len(exp.Variants))
	}

	samples := make(map[string]frequentist.Sample, len(exp.Variants))
	for _, v := range exp.Variants {
		rows := byVariant[v.ID]
		sample := frequentist.Sample{Sessions: int64(len(rows))}
		for _, as := range rows {
			if as.Converted {
				sample.Conversions++
			}
		}
		samples[v.ID] = sample

		vr := &models.VariantResult{
			VariantID:          v.ID,
			Name:               v.Name,
			IsControl:          v.IsControl,
			Sessions:           sample.Sessions,
			Conversions:        sample.Conversions,
			ConversionRate:     rate(sample.Conversions, sample.Sessions),
			ConfidenceInterval: frequentist.ConfidenceInterval(sample.Conversions, sample.Sessions, level),
			MetricValues:       make(map[string]float64, len(exp.Metrics)),
		}
		for _, m := range exp.Metrics {
			value, interval := evaluateMetric(m, rows, sample.Sessions, sample.Conversions, level)
			vr.MetricValues[m.Name] = value
			results.MetricIntervals[m.Name][v.ID] = interval
		}

		results.TotalSessions += sample.Sessions
		results.TotalConversions += sample.Conversions
		results.Variants = append(results.Variants, vr)
	}
	results.OverallRate = rate(results.TotalConversions, results.TotalSessions)

	control := results.Control()
	if control != nil {
		controlSample := samples[control.VariantID]
		for _, vr := range results.Variants {
			if vr.IsControl {
				continue
			}
			if control.ConversionRate > 0 {
				vr.ImprovementOverControl = (vr.ConversionRate - control.ConversionRate) / control.ConversionRate * 100
			}
			vr.Significance = a.frequentist.ZTest(samples[vr.VariantID], controlSample, level)
			if a.bayesian != nil {
				vr.Bayesian = a.bayesian.Analyze(samples[vr.VariantID], controlSample, level, exp.MinimumSampleSize)
			}
		}
	}

	if best := bestTreatment(results); best != nil && best.Significance != nil {
		overall := *best.Significance
		if exp.StartTime != nil {
			elapsed := results.GeneratedAt.Sub(*exp.StartTime)
			overall.DaysToSignificance = frequentist.DaysToSignificance(overall.RecommendedSampleSize, len(exp.Variants), results.TotalSessions, elapsed)
		}
		results.OverallSignificance = &overall
		results.BestVariantID = best.VariantID
		results.EffectSize = overall.EffectSize
	}

	results.Recommendations = recommendations(results, level)

	a.logger.WithFields(logrus.Fields{
		"experiment_id":     exp.ID,
		"total_sessions":    results.TotalSessions,
		"total_conversions": results.TotalConversions,
		"best_variant":      results.BestVariantID,
	}).Debug("Aggregated experiment results")

	return results
}

// bestTreatment returns the non-control variant with the highest conversion
// rate. Ties keep declaration order.
func bestTreatment(results *models.ExperimentResults) *models.VariantResult {
	var best *models.VariantResult
	for _, vr := range results.Variants {
		if vr.IsControl {
			continue
		}
		if best == nil || vr.ConversionRate > best.ConversionRate {
			best = vr
		}
	}
	return best
}

func recommendations(results *models.ExperimentResults, level float64) []string {
	var out []string

	overall := results.OverallSignificance
	switch {
	case overall != nil && overall.IsSignificant:
		best := results.Variant(results.BestVariantID)
		out = append(out, fmt.Sprintf(
			"Deploy variant %q: it converts at %.2f%%, %+.1f%% versus control (p=%.4f)",
			best.Name, best.ConversionRate, best.ImprovementOverControl, overall.PValue))
	default:
		out = append(out, fmt.Sprintf(
			"Continue testing: no variant is significant at the %.0f%% confidence level yet", level))
		if overall != nil && overall.RecommendedSampleSize > results.TotalSessions {
			out = append(out, fmt.Sprintf(
				"Increase the sample size to at least %d sessions per variant", overall.RecommendedSampleSize))
		}
	}

	for _, vr := range results.Variants {
		if vr.Sessions > 0 && vr.ConversionRate < constants.LowConversionRatePercent {
			out = append(out, fmt.Sprintf(
				"Variant %q converts at %.2f%%: consider pausing it and reallocating its traffic",
				vr.Name, vr.ConversionRate))
		}
	}
	return out
}

// rate returns conversions/sessions in percent
func rate(conversions, sessions int64) float64 {
	if sessions <= 0 {
		return 0
	}
	return float64(conversions) / float64(sessions) * 100
}
