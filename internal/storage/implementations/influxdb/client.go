package influxdb

import (
	"context"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/splitlab/pkg/errors"
	"github.com/inferloop/splitlab/pkg/models"
)

// Measurement names written by the history sink
const (
	VariantMeasurement    = "experiment_variant"
	ExperimentMeasurement = "experiment_summary"
)

// InfluxDBConfig contains configuration for the results history sink
type InfluxDBConfig struct {
	URL          string        `json:"url" mapstructure:"url"`
	Token        string        `json:"token" mapstructure:"token"`
	Organization string        `json:"organization" mapstructure:"organization"`
	Bucket       string        `json:"bucket" mapstructure:"bucket"`
	Timeout      time.Duration `json:"timeout" mapstructure:"timeout"`
	UseGZip      bool          `json:"use_gzip" mapstructure:"use_gzip"`
}

// HistorySink writes every computed results snapshot as InfluxDB points so
// rates and p-values can be charted over the life of an experiment
type HistorySink struct {
	config    *InfluxDBConfig
	client    influxdb2.Client
	writeAPI  api.WriteAPIBlocking
	logger    *logrus.Logger
	connected bool
}

// NewHistorySink creates a new, unconnected history sink
func NewHistorySink(config *InfluxDBConfig, logger *logrus.Logger) (*HistorySink, error) {
	if config == nil {
		return nil, errors.NewStorageError(errors.CodeInvalidConfig, "InfluxDB config cannot be nil")
	}
	if config.URL == "" || config.Bucket == "" {
		return nil, errors.NewStorageError(errors.CodeInvalidConfig, "InfluxDB url and bucket are required")
	}

	if logger == nil {
		logger = logrus.New()
	}

	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}

	return &HistorySink{
		config: config,
		logger: logger,
	}, nil
}

// Connect creates the client and checks the server is reachable
func (s *HistorySink) Connect(ctx context.Context) error {
	if s.connected {
		return nil
	}

	options := influxdb2.DefaultOptions().
		SetUseGZip(s.config.UseGZip).
		SetHTTPRequestTimeout(uint(s.config.Timeout.Seconds())).
		SetPrecision(time.Millisecond)

	client := influxdb2.NewClientWithOptions(s.config.URL, s.config.Token, options)

	ok, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed, "Failed to connect to InfluxDB")
	}
	if !ok {
		client.Close()
		return errors.NewStorageError(errors.CodeConnectionFailed, "InfluxDB ping failed")
	}

	s.client = client
	s.writeAPI = client.WriteAPIBlocking(s.config.Organization, s.config.Bucket)
	s.connected = true

	s.logger.WithFields(logrus.Fields{
		"url":          s.config.URL,
		"organization": s.config.Organization,
		"bucket":       s.config.Bucket,
	}).Info("Connected to InfluxDB")

	return nil
}

// Close closes the connection to InfluxDB
func (s *HistorySink) Close() error {
	if !s.connected {
		return nil
	}

	s.client.Close()
	s.connected = false
	s.logger.Info("Disconnected from InfluxDB")
	return nil
}

// Ping checks the InfluxDB server is reachable
func (s *HistorySink) Ping(ctx context.Context) error {
	if !s.connected {
		return errors.ErrNotConnected
	}
	ok, err := s.client.Ping(ctx)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed, "InfluxDB ping failed")
	}
	if !ok {
		return errors.NewStorageError(errors.CodeConnectionFailed, "InfluxDB ping failed")
	}
	return nil
}

// Record writes one point per variant and one summary point
func (s *HistorySink) Record(ctx context.Context, exp *models.Experiment, results *models.ExperimentResults) error {
	if !s.connected {
		return errors.NewStorageError(errors.CodeConnectionFailed, "Not connected to InfluxDB")
	}

	points := ResultPoints(exp, results)
	if err := s.writeAPI.WritePoint(ctx, points...); err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "Failed to write results to InfluxDB")
	}

	s.logger.WithFields(logrus.Fields{
		"experiment_id": results.ExperimentID,
		"points":        len(points),
	}).Debug("Wrote results history to InfluxDB")

	return nil
}

// ResultPoints converts a results snapshot to InfluxDB points stamped with
// the snapshot's generation time
func ResultPoints(exp *models.Experiment, results *models.ExperimentResults) []*write.Point {
	ts := results.GeneratedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	points := make([]*write.Point, 0, len(results.Variants)+1)
	for _, v := range results.Variants {
		p := influxdb2.NewPointWithMeasurement(VariantMeasurement).
			AddTag("experiment_id", results.ExperimentID).
			AddTag("variant_id", v.VariantID).
			AddTag("control", boolTag(v.IsControl)).
			AddField("sessions", v.Sessions).
			AddField("conversions", v.Conversions).
			AddField("conversion_rate", v.ConversionRate).
			AddField("ci_lower", v.ConfidenceInterval.Lower).
			AddField("ci_upper", v.ConfidenceInterval.Upper).
			AddField("improvement", v.ImprovementOverControl).
			SetTime(ts)

		if v.Significance != nil {
			p.AddField("p_value", v.Significance.PValue).
				AddField("z_score", v.Significance.ZScore).
				AddField("power", v.Significance.Power)
		}
		if v.Bayesian != nil {
			p.AddField("probability_to_beat_control", v.Bayesian.ProbabilityToBeatControl).
				AddField("expected_loss", v.Bayesian.ExpectedLoss)
		}
		for name, value := range v.MetricValues {
			p.AddField("metric_"+name, value)
		}
		points = append(points, p)
	}

	summary := influxdb2.NewPointWithMeasurement(ExperimentMeasurement).
		AddTag("experiment_id", results.ExperimentID).
		AddField("total_sessions", results.TotalSessions).
		AddField("total_conversions", results.TotalConversions).
		AddField("overall_rate", results.OverallRate).
		AddField("effect_size", results.EffectSize).
		SetTime(ts)
	if exp != nil {
		summary.AddTag("status", string(exp.Status))
	}
	if results.OverallSignificance != nil {
		summary.AddField("p_value", results.OverallSignificance.PValue).
			AddField("significant", results.OverallSignificance.IsSignificant)
	}
	if results.BestVariantID != "" {
		summary.AddField("best_variant_id", results.BestVariantID)
	}

	return append(points, summary)
}

func boolTag(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
