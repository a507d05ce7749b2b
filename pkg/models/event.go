package models

import "time"

// EventType identifies a lifecycle event written to the audit sink
type EventType string

const (
	EventExperimentCreated   EventType = "experiment.created"
	EventExperimentStarted   EventType = "experiment.started"
	EventExperimentPaused    EventType = "experiment.paused"
	EventExperimentResumed   EventType = "experiment.resumed"
	EventExperimentStopped   EventType = "experiment.stopped"
	EventExperimentCancelled EventType = "experiment.cancelled"
	EventWinnerDeclared      EventType = "experiment.winner_declared"
)

// StopReason explains why a running experiment was stopped
type StopReason string

const (
	StopManual       StopReason = "manual"
	StopSignificance StopReason = "statistical_significance"
	StopMaxDuration  StopReason = "max_duration"
	StopBayesian     StopReason = "bayesian_deploy"
)

// LifecycleEvent is an append-only audit record
type LifecycleEvent struct {
	ID           string            `json:"id"`
	Type         EventType         `json:"type"`
	ExperimentID string            `json:"experiment_id"`
	VariantID    string            `json:"variant_id,omitempty"`
	Reason       StopReason        `json:"reason,omitempty"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	OccurredAt   time.Time         `json:"occurred_at"`
}
