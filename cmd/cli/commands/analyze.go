package commands

import (
	"fmt"
	"io"
	"math"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inferloop/splitlab/internal/stats/bayesian"
	"github.com/inferloop/splitlab/internal/stats/frequentist"
	"github.com/inferloop/splitlab/pkg/models"
)

// CountsOptions holds the raw counts of a two-arm comparison
type CountsOptions struct {
	ControlConversions   int64
	ControlSessions      int64
	TreatmentConversions int64
	TreatmentSessions    int64
	ConfidenceLevel      float64
}

func (o *CountsOptions) bind(cmd *cobra.Command) {
	cmd.Flags().Int64Var(&o.ControlConversions, "control-conversions", 0, "Conversions in the control arm")
	cmd.Flags().Int64Var(&o.ControlSessions, "control-sessions", 0, "Sessions in the control arm (required)")
	cmd.Flags().Int64Var(&o.TreatmentConversions, "treatment-conversions", 0, "Conversions in the treatment arm")
	cmd.Flags().Int64Var(&o.TreatmentSessions, "treatment-sessions", 0, "Sessions in the treatment arm (required)")
	cmd.Flags().Float64Var(&o.ConfidenceLevel, "confidence", 0, "Confidence level in percent (default from config)")

	cmd.MarkFlagRequired("control-sessions")
	cmd.MarkFlagRequired("treatment-sessions")
}

func (o *CountsOptions) samples() (frequentist.Sample, frequentist.Sample, error) {
	control := frequentist.Sample{Conversions: o.ControlConversions, Sessions: o.ControlSessions}
	treatment := frequentist.Sample{Conversions: o.TreatmentConversions, Sessions: o.TreatmentSessions}
	for name, s := range map[string]frequentist.Sample{"control": control, "treatment": treatment} {
		if s.Sessions < 0 || s.Conversions < 0 {
			return control, treatment, fmt.Errorf("%s counts cannot be negative", name)
		}
		if s.Conversions > s.Sessions {
			return control, treatment, fmt.Errorf("%s conversions (%d) exceed sessions (%d)", name, s.Conversions, s.Sessions)
		}
	}
	return control, treatment, nil
}

// ArmSummary describes one arm of a comparison, rates in percent
type ArmSummary struct {
	Sessions           int64                     `json:"sessions"`
	Conversions        int64                     `json:"conversions"`
	ConversionRate     float64                   `json:"conversion_rate"`
	ConfidenceInterval models.ConfidenceInterval `json:"confidence_interval"`
}

// ZTestReport is the output of analyze ztest
type ZTestReport struct {
	Control      ArmSummary                      `json:"control"`
	Treatment    ArmSummary                      `json:"treatment"`
	Improvement  float64                         `json:"improvement"`
	Significance *models.StatisticalSignificance `json:"significance"`
}

// SampleSizeReport is the output of analyze samplesize
type SampleSizeReport struct {
	BaselineRate    float64  `json:"baseline_rate"`
	ExpectedRate    float64  `json:"expected_rate"`
	EffectSize      float64  `json:"effect_size"`
	ConfidenceLevel float64  `json:"confidence_level"`
	Power           float64  `json:"power"`
	PerArm          int64    `json:"per_arm"`
	Total           int64    `json:"total"`
	Days            *float64 `json:"days,omitempty"`
}

func NewAnalyzeCmd(g *GlobalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Run the experiment statistics on raw counts",
		Long: `Run the same significance test, Bayesian comparison and sample size
calculation the server uses, on counts given on the command line.`,
	}

	cmd.AddCommand(newZTestCmd(g))
	cmd.AddCommand(newBayesCmd(g))
	cmd.AddCommand(newSampleSizeCmd(g))

	return cmd
}

func newZTestCmd(g *GlobalOptions) *cobra.Command {
	opts := &CountsOptions{}

	cmd := &cobra.Command{
		Use:   "ztest",
		Short: "Two-proportion z-test of treatment against control",
		Example: `  splitlab analyze ztest --control-sessions 1000 --control-conversions 50 \
    --treatment-sessions 1000 --treatment-conversions 80`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runZTest(g, opts, cmd.OutOrStdout())
		},
	}
	opts.bind(cmd)

	return cmd
}

func runZTest(g *GlobalOptions, opts *CountsOptions, out io.Writer) error {
	control, treatment, err := opts.samples()
	if err != nil {
		return err
	}
	level := opts.ConfidenceLevel
	if level == 0 {
		level = g.config().Analysis.ConfidenceLevel
	}

	report := &ZTestReport{
		Control:      summarize(control, level),
		Treatment:    summarize(treatment, level),
		Significance: frequentist.NewAnalyzer(g.config().Analysis.TargetPower).ZTest(treatment, control, level),
	}
	if control.Rate() > 0 {
		report.Improvement = (treatment.Rate() - control.Rate()) / control.Rate() * 100
	}

	return g.render(out, report, func(w io.Writer) {
		s := report.Significance
		fmt.Fprintf(w, "Control:    %6.2f%% (%d/%d)  CI [%.2f, %.2f]\n",
			report.Control.ConversionRate, control.Conversions, control.Sessions,
			report.Control.ConfidenceInterval.Lower, report.Control.ConfidenceInterval.Upper)
		fmt.Fprintf(w, "Treatment:  %6.2f%% (%d/%d)  CI [%.2f, %.2f]\n",
			report.Treatment.ConversionRate, treatment.Conversions, treatment.Sessions,
			report.Treatment.ConfidenceInterval.Lower, report.Treatment.ConfidenceInterval.Upper)
		fmt.Fprintf(w, "Improvement: %+.2f%%\n", report.Improvement)
		fmt.Fprintf(w, "\nz = %.4f  p = %.4f  power = %.2f  h = %.4f\n", s.ZScore, s.PValue, s.Power, s.EffectSize)
		fmt.Fprintf(w, "Significant at %.0f%%: %t\n", s.ConfidenceLevel, s.IsSignificant)
		fmt.Fprintf(w, "Recommended sample size per arm: %d\n", s.RecommendedSampleSize)
	})
}

func newBayesCmd(g *GlobalOptions) *cobra.Command {
	opts := &CountsOptions{}
	var (
		draws     int
		seed      uint64
		minSample int64
	)

	cmd := &cobra.Command{
		Use:   "bayes",
		Short: "Beta-Binomial comparison of treatment against control",
		Example: `  splitlab analyze bayes --control-sessions 1000 --control-conversions 50 \
    --treatment-sessions 1000 --treatment-conversions 80 --seed 7`,
		RunE: func(cmd *cobra.Command, args []string) error {
			control, treatment, err := opts.samples()
			if err != nil {
				return err
			}
			cfg := g.config().Analysis
			if !cmd.Flags().Changed("draws") {
				draws = cfg.MonteCarloDraws
			}
			if !cmd.Flags().Changed("seed") {
				seed = cfg.Seed
			}
			if !cmd.Flags().Changed("min-sample") {
				minSample = cfg.MinimumSampleSize
			}
			level := opts.ConfidenceLevel
			if level == 0 {
				level = cfg.ConfidenceLevel
			}

			logger := logrus.New()
			logger.SetOutput(cmd.ErrOrStderr())
			if g.Verbose {
				logger.SetLevel(logrus.DebugLevel)
			} else {
				logger.SetLevel(logrus.WarnLevel)
			}

			analyzer := bayesian.NewAnalyzer(bayesian.Config{Draws: draws, Seed: seed}, logger)
			verdict := analyzer.Analyze(treatment, control, level, minSample)

			return g.render(cmd.OutOrStdout(), verdict, func(w io.Writer) {
				fmt.Fprintf(w, "P(treatment beats control): %.4f\n", verdict.ProbabilityToBeatControl)
				fmt.Fprintf(w, "Expected loss:              %.6f\n", verdict.ExpectedLoss)
				fmt.Fprintf(w, "Treatment posterior:        Beta(%.0f, %.0f) mean %.4f\n",
					verdict.Posterior.Alpha, verdict.Posterior.Beta, verdict.Posterior.Mean)
				fmt.Fprintf(w, "Control posterior:          Beta(%.0f, %.0f) mean %.4f\n",
					verdict.ControlPosterior.Alpha, verdict.ControlPosterior.Beta, verdict.ControlPosterior.Mean)
				fmt.Fprintf(w, "Credible interval:          [%.4f, %.4f]\n",
					verdict.CredibleInterval.Lower, verdict.CredibleInterval.Upper)
				fmt.Fprintf(w, "Recommendation:             %s\n", verdict.Recommendation)
			})
		},
	}
	opts.bind(cmd)
	cmd.Flags().IntVar(&draws, "draws", 0, "Monte Carlo draws (default from config)")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "Random seed, 0 for a random stream")
	cmd.Flags().Int64Var(&minSample, "min-sample", 0, "Minimum combined sample before a decision (default from config)")

	return cmd
}

func newSampleSizeCmd(g *GlobalOptions) *cobra.Command {
	var (
		baseline     float64
		mde          float64
		level        float64
		power        float64
		arms         int
		dailyTraffic int64
	)

	cmd := &cobra.Command{
		Use:   "samplesize",
		Short: "Per-arm sample size needed to detect a relative lift",
		Example: `  # 5% baseline, detect a 10% relative lift at 95% confidence and 80% power
  splitlab analyze samplesize --baseline 5 --mde 10

  # Include a duration estimate for 2,000 sessions per day over three arms
  splitlab analyze samplesize --baseline 5 --mde 10 --arms 3 --daily-traffic 2000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if baseline <= 0 || baseline >= 100 {
				return fmt.Errorf("baseline rate must be a percentage between 0 and 100")
			}
			if mde == 0 {
				return fmt.Errorf("minimum detectable effect cannot be zero")
			}
			if arms < 2 {
				return fmt.Errorf("an experiment needs at least two arms")
			}
			cfg := g.config().Analysis
			if level == 0 {
				level = cfg.ConfidenceLevel
			}
			if power == 0 {
				power = cfg.TargetPower
			}

			report := sampleSize(baseline, mde, level, power, arms, dailyTraffic)
			return g.render(cmd.OutOrStdout(), report, func(w io.Writer) {
				fmt.Fprintf(w, "Baseline %.2f%% -> expected %.2f%% (h = %.4f)\n", report.BaselineRate, report.ExpectedRate, report.EffectSize)
				fmt.Fprintf(w, "At %.0f%% confidence and %.0f%% power:\n", report.ConfidenceLevel, report.Power)
				fmt.Fprintf(w, "  %d sessions per arm, %d in total\n", report.PerArm, report.Total)
				if report.Days != nil {
					fmt.Fprintf(w, "  about %.0f days at %d sessions per day\n", *report.Days, dailyTraffic)
				}
			})
		},
	}

	cmd.Flags().Float64Var(&baseline, "baseline", 0, "Baseline conversion rate in percent (required)")
	cmd.Flags().Float64Var(&mde, "mde", 0, "Minimum detectable relative lift in percent (required)")
	cmd.Flags().Float64Var(&level, "confidence", 0, "Confidence level in percent (default from config)")
	cmd.Flags().Float64Var(&power, "power", 0, "Target power in percent (default from config)")
	cmd.Flags().IntVar(&arms, "arms", 2, "Number of arms including control")
	cmd.Flags().Int64Var(&dailyTraffic, "daily-traffic", 0, "Sessions per day across all arms, for a duration estimate")

	cmd.MarkFlagRequired("baseline")
	cmd.MarkFlagRequired("mde")

	return cmd
}

func sampleSize(baseline, mde, level, power float64, arms int, dailyTraffic int64) *SampleSizeReport {
	p1 := baseline / 100
	p2 := math.Min(p1*(1+mde/100), 1)
	h := frequentist.CohensH(p2, p1)
	perArm := frequentist.RequiredSampleSize(h, level, power)

	report := &SampleSizeReport{
		BaselineRate:    baseline,
		ExpectedRate:    p2 * 100,
		EffectSize:      h,
		ConfidenceLevel: level,
		Power:           power,
		PerArm:          perArm,
		Total:           perArm * int64(arms),
	}
	if dailyTraffic > 0 {
		days := math.Ceil(float64(report.Total) / float64(dailyTraffic))
		report.Days = &days
	}
	return report
}

func summarize(s frequentist.Sample, level float64) ArmSummary {
	return ArmSummary{
		Sessions:           s.Sessions,
		Conversions:        s.Conversions,
		ConversionRate:     s.Rate() * 100,
		ConfidenceInterval: frequentist.ConfidenceInterval(s.Conversions, s.Sessions, level),
	}
}
