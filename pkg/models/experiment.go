package models

import (
	"time"
)

// ExperimentStatus is the lifecycle state of an experiment
type ExperimentStatus string

const (
	StatusDraft     ExperimentStatus = "draft"
	StatusRunning   ExperimentStatus = "running"
	StatusPaused    ExperimentStatus = "paused"
	StatusCompleted ExperimentStatus = "completed"
	StatusCancelled ExperimentStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed
func (s ExperimentStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Valid reports whether s is a known status
func (s ExperimentStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusRunning, StatusPaused, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Experiment is a configured test over a set of variants
type Experiment struct {
	ID                string           `json:"id"`
	Name              string           `json:"name"`
	Description       string           `json:"description,omitempty"`
	TargetPopulation  string           `json:"target_population,omitempty"`
	Status            ExperimentStatus `json:"status"`
	StartTime         *time.Time       `json:"start_time,omitempty"`
	EndTime           *time.Time       `json:"end_time,omitempty"`
	TrafficAllocation float64          `json:"traffic_allocation"`
	Variants          []*Variant       `json:"variants"`
	Metrics           []*Metric        `json:"metrics"`
	ConfidenceLevel   float64          `json:"confidence_level"`
	MinimumSampleSize int64            `json:"minimum_sample_size"`
	WinnerVariantID   string           `json:"winner_variant_id,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// ControlVariant returns the variant marked as control, or nil
func (e *Experiment) ControlVariant() *Variant {
	for _, v := range e.Variants {
		if v.IsControl {
			return v
		}
	}
	return nil
}

// Variant returns the variant with the given id, or nil
func (e *Experiment) Variant(id string) *Variant {
	for _, v := range e.Variants {
		if v.ID == id {
			return v
		}
	}
	return nil
}

// PrimaryMetric returns the first metric flagged primary, or nil
func (e *Experiment) PrimaryMetric() *Metric {
	for _, m := range e.Metrics {
		if m.Primary {
			return m
		}
	}
	return nil
}

// Clone returns a deep copy safe to mutate independently
func (e *Experiment) Clone() *Experiment {
	if e == nil {
		return nil
	}
	out := *e
	if e.StartTime != nil {
		t := *e.StartTime
		out.StartTime = &t
	}
	if e.EndTime != nil {
		t := *e.EndTime
		out.EndTime = &t
	}
	out.Variants = make([]*Variant, len(e.Variants))
	for i, v := range e.Variants {
		out.Variants[i] = v.Clone()
	}
	out.Metrics = make([]*Metric, len(e.Metrics))
	for i, m := range e.Metrics {
		mc := *m
		out.Metrics[i] = &mc
	}
	return &out
}

// Variant is one arm of an experiment, including the control
type Variant struct {
	ID             string                 `json:"id"`
	ExperimentID   string                 `json:"experiment_id"`
	Name           string                 `json:"name"`
	TrafficSplit   float64                `json:"traffic_split"`
	IsControl      bool                   `json:"is_control"`
	Configuration  map[string]interface{} `json:"configuration,omitempty"`
	Sessions       int64                  `json:"sessions"`
	Conversions    int64                  `json:"conversions"`
	ConversionRate float64                `json:"conversion_rate"`
	MetricValues   map[string]float64     `json:"metric_values,omitempty"`
}

// Clone returns a deep copy of the variant
func (v *Variant) Clone() *Variant {
	if v == nil {
		return nil
	}
	out := *v
	if v.Configuration != nil {
		out.Configuration = make(map[string]interface{}, len(v.Configuration))
		for k, val := range v.Configuration {
			out.Configuration[k] = val
		}
	}
	if v.MetricValues != nil {
		out.MetricValues = make(map[string]float64, len(v.MetricValues))
		for k, val := range v.MetricValues {
			out.MetricValues[k] = val
		}
	}
	return &out
}

// MetricType selects how a metric value is extracted from assignments
type MetricType string

const (
	MetricConversion MetricType = "conversion"
	MetricEngagement MetricType = "engagement"
	MetricRevenue    MetricType = "revenue"
	MetricTimeSpent  MetricType = "time_spent"
	MetricCustom     MetricType = "custom"
)

// OptimizationDirection tells whether larger metric values are better
type OptimizationDirection string

const (
	DirectionIncrease OptimizationDirection = "increase"
	DirectionDecrease OptimizationDirection = "decrease"
)

// Metric describes a measured outcome of an experiment
type Metric struct {
	Name              string                `json:"name"`
	Type              MetricType            `json:"type"`
	Direction         OptimizationDirection `json:"direction"`
	Primary           bool                  `json:"primary"`
	Weight            float64               `json:"weight"`
	Baseline          *float64              `json:"baseline,omitempty"`
	TargetImprovement *float64              `json:"target_improvement,omitempty"`
	// SessionField names the session metric used by engagement and
	// time-spent metrics. Empty means the metric name itself.
	SessionField string `json:"session_field,omitempty"`
}

// Assignment records which variant a subject was bucketed into
type Assignment struct {
	ID              string             `json:"id"`
	SubjectID       string             `json:"subject_id"`
	ExperimentID    string             `json:"experiment_id"`
	VariantID       string             `json:"variant_id"`
	AssignedAt      time.Time          `json:"assigned_at"`
	Converted       bool               `json:"converted"`
	ConvertedAt     *time.Time         `json:"converted_at,omitempty"`
	ConversionValue *float64           `json:"conversion_value,omitempty"`
	SessionMetrics  map[string]float64 `json:"session_metrics,omitempty"`
}
