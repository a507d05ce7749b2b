package frequentist

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/inferloop/splitlab/pkg/constants"
	"github.com/inferloop/splitlab/pkg/models"
)

// Abramowitz-Stegun 7.1.26 coefficients
const (
	asA1 = 0.254829592
	asA2 = -0.284496736
	asA3 = 1.421413741
	asA4 = -1.453152027
	asA5 = 1.061405429
	asP  = 0.3275911
)

// Sample is the raw conversion count of one arm
type Sample struct {
	Conversions int64 `json:"conversions"`
	Sessions    int64 `json:"sessions"`
}

// Rate returns conversions/sessions, or 0 for an empty sample
func (s Sample) Rate() float64 {
	if s.Sessions <= 0 {
		return 0
	}
	return float64(s.Conversions) / float64(s.Sessions)
}

// ZScore returns the two-sided critical value for a confidence level given
// in percent (90, 95, 99) or as a fraction (0.95). Unlisted levels get 1.96.
func ZScore(level float64) float64 {
	if level > 0 && level <= 1 {
		level *= 100
	}
	switch level {
	case 90:
		return 1.645
	case 95:
		return 1.96
	case 99:
		return 2.576
	default:
		return 1.96
	}
}

// NormalCDF approximates the standard normal CDF through the
// Abramowitz-Stegun rational approximation of erf.
func NormalCDF(z float64) float64 {
	x := math.Abs(z) / math.Sqrt2
	t := 1 / (1 + asP*x)
	y := 1 - (((((asA5*t+asA4)*t)+asA3)*t+asA2)*t+asA1)*t*math.Exp(-x*x)
	if z < 0 {
		y = -y
	}
	return 0.5 * (1 + y)
}

// ConfidenceInterval returns the Wald interval of a single proportion in
// percentage points, clamped to [0, 100].
func ConfidenceInterval(conversions, sessions int64, level float64) models.ConfidenceInterval {
	if sessions <= 0 {
		return models.ConfidenceInterval{}
	}
	p := float64(conversions) / float64(sessions)
	se := math.Sqrt(p * (1 - p) / float64(sessions))
	margin := ZScore(level) * se

	return models.ConfidenceInterval{
		Lower: clamp((p-margin)*100, 0, 100),
		Upper: clamp((p+margin)*100, 0, 100),
	}
}

// MeanInterval returns a normal-approximation interval around the mean of
// continuous observations, in the observations' own units.
func MeanInterval(values []float64, level float64) models.ConfidenceInterval {
	switch len(values) {
	case 0:
		return models.ConfidenceInterval{}
	case 1:
		return models.ConfidenceInterval{Lower: values[0], Upper: values[0]}
	}
	mean, std := stat.MeanStdDev(values, nil)
	margin := ZScore(level) * std / math.Sqrt(float64(len(values)))
	return models.ConfidenceInterval{Lower: mean - margin, Upper: mean + margin}
}

// CohensH is the standardized difference between two proportions
func CohensH(p1, p2 float64) float64 {
	return 2 * (math.Asin(math.Sqrt(clamp(p1, 0, 1))) - math.Asin(math.Sqrt(clamp(p2, 0, 1))))
}

// powerCriticalValue is the fixed 5% two-sided critical value power is
// measured against, whatever confidence level the test reports.
const powerCriticalValue = 1.96

// Power approximates the power of a two-sided test with n subjects per arm.
// It shifts the normal by the noncentrality |h|*sqrt(n/2) rather than using
// a noncentral distribution.
func Power(h float64, n float64) float64 {
	if n <= 0 || h == 0 {
		return 0
	}
	ncp := math.Abs(h) * math.Sqrt(n/2)
	return NormalCDF(ncp - powerCriticalValue)
}

// RequiredSampleSize returns the per-arm sample size needed to detect an
// effect of size h. Both percentiles go through the ZScore table.
func RequiredSampleSize(h float64, level, power float64) int64 {
	if h == 0 || math.IsNaN(h) {
		return constants.DefaultRecommendedSampleSize
	}
	z := ZScore(level) + ZScore(power)
	return int64(math.Ceil(2 * z * z / (h * h)))
}

// Analyzer runs two-proportion significance tests
type Analyzer struct {
	targetPower float64
}

// NewAnalyzer creates an analyzer recommending sample sizes for the given
// target power in percent. Zero selects the default.
func NewAnalyzer(targetPower float64) *Analyzer {
	if targetPower <= 0 {
		targetPower = constants.DefaultTargetPower
	}
	return &Analyzer{targetPower: targetPower}
}

// ZTest compares treatment against control with a pooled two-proportion
// z-test. Empty samples and zero variance yield a neutral verdict.
func (a *Analyzer) ZTest(treatment, control Sample, level float64) *models.StatisticalSignificance {
	if level <= 0 {
		level = constants.DefaultConfidenceLevel
	}

	if treatment.Sessions <= 0 || control.Sessions <= 0 {
		return &models.StatisticalSignificance{
			PValue:                1,
			ConfidenceLevel:       level,
			RecommendedSampleSize: constants.DefaultRecommendedSampleSize,
		}
	}

	p1 := treatment.Rate()
	p2 := control.Rate()
	h := CohensH(p1, p2)
	perArm := float64(treatment.Sessions+control.Sessions) / 2

	result := &models.StatisticalSignificance{
		PValue:                1,
		ConfidenceLevel:       level,
		EffectSize:            h,
		Power:                 Power(h, perArm),
		RecommendedSampleSize: RequiredSampleSize(h, level, a.targetPower),
	}

	nT := float64(treatment.Sessions)
	nC := float64(control.Sessions)
	pooled := float64(treatment.Conversions+control.Conversions) / (nT + nC)
	se := math.Sqrt(pooled * (1 - pooled) * (1/nT + 1/nC))
	if se == 0 || math.IsNaN(se) {
		return result
	}

	z := math.Abs(p1-p2) / se
	result.ZScore = z
	result.PValue = clamp(2*(1-NormalCDF(z)), 0, 1)
	result.IsSignificant = result.PValue < Alpha(level)
	return result
}

// Alpha converts a confidence level in percent to a significance threshold
func Alpha(level float64) float64 {
	if level > 0 && level <= 1 {
		return 1 - level
	}
	return 1 - level/100
}

// DaysToSignificance estimates the days still needed to reach the required
// per-arm sample size at the observed traffic rate. It returns nil when the
// rate cannot be estimated.
func DaysToSignificance(requiredPerArm int64, arms int, totalSessions int64, elapsed time.Duration) *float64 {
	if arms <= 0 || totalSessions <= 0 || elapsed <= 0 {
		return nil
	}
	days := elapsed.Hours() / 24
	perDay := float64(totalSessions) / days
	if perDay <= 0 {
		return nil
	}
	remaining := float64(requiredPerArm*int64(arms) - totalSessions)
	if remaining < 0 {
		remaining = 0
	}
	est := math.Ceil(remaining / perDay)
	return &est
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
