package bayesian

import (
	"math"
	"math/rand/v2"
	"sync"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/inferloop/splitlab/internal/stats/frequentist"
	"github.com/inferloop/splitlab/pkg/constants"
	"github.com/inferloop/splitlab/pkg/models"
)

// exponentialSumCutoff is the largest shape drawn as a sum of unit
// exponentials. Larger shapes go through the gonum Gamma sampler, which is
// exact for any shape and runs in constant time.
const exponentialSumCutoff = 256

// Config configures the Bayesian analyzer
type Config struct {
	// Draws is the number of Monte Carlo simulations per comparison
	Draws int
	// Seed fixes the random stream; zero seeds from the runtime
	Seed uint64
	// Source overrides Seed when set
	Source rand.Source
}

// Analyzer compares Beta-Binomial posteriors of treatment and control
type Analyzer struct {
	draws  int
	logger *logrus.Logger

	mu     sync.Mutex
	master *rand.Rand
}

// NewAnalyzer creates a new Bayesian analyzer
func NewAnalyzer(config Config, logger *logrus.Logger) *Analyzer {
	if logger == nil {
		logger = logrus.New()
	}

	draws := config.Draws
	if draws <= 0 {
		draws = constants.DefaultMonteCarloDraws
	}
	if draws > constants.MaxMonteCarloDraws {
		draws = constants.MaxMonteCarloDraws
	}

	src := config.Source
	if src == nil {
		if config.Seed != 0 {
			src = rand.NewPCG(config.Seed, config.Seed^0x9e3779b97f4a7c15)
		} else {
			src = rand.NewPCG(rand.Uint64(), rand.Uint64())
		}
	}

	return &Analyzer{
		draws:  draws,
		logger: logger,
		master: rand.New(src),
	}
}

// Posterior returns Beta(1+c, 1+n-c), the posterior under a uniform prior
func Posterior(conversions, sessions int64) models.PosteriorDistribution {
	if sessions < 0 {
		sessions = 0
	}
	if conversions < 0 {
		conversions = 0
	}
	if conversions > sessions {
		conversions = sessions
	}

	dist := distuv.Beta{
		Alpha: 1 + float64(conversions),
		Beta:  1 + float64(sessions-conversions),
	}
	return models.PosteriorDistribution{
		Alpha:    dist.Alpha,
		Beta:     dist.Beta,
		Mean:     dist.Mean(),
		Variance: dist.Variance(),
	}
}

// stream hands out an independent generator per call so concurrent
// analyses never share a rand.Rand.
func (a *Analyzer) stream() *rand.Rand {
	a.mu.Lock()
	defer a.mu.Unlock()
	return rand.New(rand.NewPCG(a.master.Uint64(), a.master.Uint64()))
}

// gamma draws a Gamma(shape, 1) variate. Shapes are integers here because
// the prior and the counts are; non-integer shapes are truncated below the
// cutoff.
func gamma(rng *rand.Rand, shape float64) float64 {
	if shape > exponentialSumCutoff {
		return distuv.Gamma{Alpha: shape, Beta: 1, Src: rng}.Rand()
	}
	sum := 0.0
	for i := 0; i < int(shape); i++ {
		sum += -math.Log(1 - rng.Float64())
	}
	return sum
}

func betaDraw(rng *rand.Rand, p models.PosteriorDistribution) float64 {
	x := gamma(rng, p.Alpha)
	y := gamma(rng, p.Beta)
	if x+y == 0 {
		return 0
	}
	return x / (x + y)
}

// ProbabilityToBeat estimates P(treatment rate > control rate) by Monte
// Carlo simulation over both posteriors.
func (a *Analyzer) ProbabilityToBeat(treatment, control models.PosteriorDistribution) float64 {
	rng := a.stream()

	wins := 0
	for i := 0; i < a.draws; i++ {
		if betaDraw(rng, treatment) > betaDraw(rng, control) {
			wins++
		}
	}
	return float64(wins) / float64(a.draws)
}

// ExpectedLoss is the point-estimate loss of choosing treatment: the shortfall
// of its posterior mean against control, floored at zero.
func ExpectedLoss(treatment, control models.PosteriorDistribution) float64 {
	return math.Max(0, control.Mean-treatment.Mean)
}

// CredibleInterval is a normal approximation around the posterior mean, on
// the rate scale [0, 1].
func CredibleInterval(p models.PosteriorDistribution, level float64) models.ConfidenceInterval {
	margin := frequentist.ZScore(level) * math.Sqrt(p.Variance)
	return models.ConfidenceInterval{
		Lower: math.Max(0, p.Mean-margin),
		Upper: math.Min(1, p.Mean+margin),
	}
}

// ExactCredibleInterval is the equal-tailed interval from Beta quantiles, on
// the rate scale [0, 1].
func ExactCredibleInterval(p models.PosteriorDistribution, level float64) models.ConfidenceInterval {
	tail := frequentist.Alpha(level) / 2
	dist := distuv.Beta{Alpha: p.Alpha, Beta: p.Beta}
	return models.ConfidenceInterval{
		Lower: dist.Quantile(tail),
		Upper: dist.Quantile(1 - tail),
	}
}

// Decide maps the posterior comparison to a recommendation. Until the
// minimum sample size is reached it always says continue.
func Decide(winProbability, expectedLoss float64, minimumSampleSize, currentSampleSize int64) models.Recommendation {
	switch {
	case currentSampleSize < minimumSampleSize:
		return models.RecommendContinue
	case winProbability > constants.DeployWinProbability && expectedLoss < constants.DeployMaxExpectedLoss:
		return models.RecommendDeploy
	case winProbability < constants.StopWinProbability || expectedLoss > constants.StopMinExpectedLoss:
		return models.RecommendStop
	default:
		return models.RecommendContinue
	}
}

// Analyze compares a treatment arm against control. The sample size fed to
// the decision rule is the combined session count of both arms.
func (a *Analyzer) Analyze(treatment, control frequentist.Sample, level float64, minimumSampleSize int64) *models.BayesianVerdict {
	tp := Posterior(treatment.Conversions, treatment.Sessions)
	cp := Posterior(control.Conversions, control.Sessions)

	win := a.ProbabilityToBeat(tp, cp)
	loss := ExpectedLoss(tp, cp)
	rec := Decide(win, loss, minimumSampleSize, treatment.Sessions+control.Sessions)

	a.logger.WithFields(logrus.Fields{
		"win_probability": win,
		"expected_loss":   loss,
		"recommendation":  rec,
		"draws":           a.draws,
	}).Debug("Bayesian comparison complete")

	return &models.BayesianVerdict{
		ProbabilityToBeatControl: win,
		ExpectedLoss:             loss,
		Posterior:                tp,
		ControlPosterior:         cp,
		CredibleInterval:         CredibleInterval(tp, level),
		Recommendation:           rec,
	}
}
