package handlers

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/splitlab/internal/api/responses"
	"github.com/inferloop/splitlab/pkg/errors"
	"github.com/inferloop/splitlab/pkg/models"
)

// Engine is the experiment service the HTTP surface drives
type Engine interface {
	CreateExperiment(ctx context.Context, exp *models.Experiment) (*models.Experiment, error)
	GetExperiment(ctx context.Context, id string) (*models.Experiment, error)
	ListExperiments(ctx context.Context, status models.ExperimentStatus) ([]*models.Experiment, error)
	StartExperiment(ctx context.Context, id string) (*models.Experiment, error)
	PauseExperiment(ctx context.Context, id string) (*models.Experiment, error)
	ResumeExperiment(ctx context.Context, id string) (*models.Experiment, error)
	CancelExperiment(ctx context.Context, id string) (*models.Experiment, error)
	StopExperiment(ctx context.Context, id, winnerID string) (*models.Experiment, error)
	AssignSubject(ctx context.Context, experimentID, subjectID string) (*models.Assignment, error)
	RecordConversion(ctx context.Context, experimentID, subjectID string, value *float64, sessionMetrics map[string]float64) (*models.Assignment, error)
	ComputeResults(ctx context.Context, experimentID string) (*models.ExperimentResults, error)
}

// CreateExperimentRequest is the body of POST /experiments
type CreateExperimentRequest struct {
	ID                string            `json:"id,omitempty" validate:"omitempty,max=128"`
	Name              string            `json:"name" validate:"required,max=255"`
	Description       string            `json:"description,omitempty"`
	TargetPopulation  string            `json:"target_population,omitempty"`
	TrafficAllocation *float64          `json:"traffic_allocation,omitempty" validate:"omitempty,gte=1,lte=100"`
	ConfidenceLevel   float64           `json:"confidence_level,omitempty" validate:"gte=0,lt=100"`
	MinimumSampleSize int64             `json:"minimum_sample_size,omitempty" validate:"gte=0"`
	Variants          []*VariantRequest `json:"variants" validate:"required,min=2,dive,required"`
	Metrics           []*MetricRequest  `json:"metrics" validate:"required,min=1,dive,required"`
}

// VariantRequest describes one arm in a create request
type VariantRequest struct {
	ID            string                 `json:"id,omitempty" validate:"omitempty,max=128"`
	Name          string                 `json:"name" validate:"required,max=255"`
	TrafficSplit  float64                `json:"traffic_split" validate:"gte=0,lte=100"`
	IsControl     bool                   `json:"is_control"`
	Configuration map[string]interface{} `json:"configuration,omitempty"`
}

// MetricRequest describes one metric in a create request
type MetricRequest struct {
	Name              string   `json:"name" validate:"required,max=128"`
	Type              string   `json:"type" validate:"required,oneof=conversion engagement revenue time_spent custom"`
	Direction         string   `json:"direction,omitempty" validate:"omitempty,oneof=increase decrease"`
	Primary           bool     `json:"primary"`
	Weight            float64  `json:"weight,omitempty" validate:"gte=0"`
	Baseline          *float64 `json:"baseline,omitempty"`
	TargetImprovement *float64 `json:"target_improvement,omitempty"`
	SessionField      string   `json:"session_field,omitempty"`
}

// AssignRequest is the body of POST /experiments/{id}/assignments
type AssignRequest struct {
	SubjectID string `json:"subject_id" validate:"required,max=255"`
}

// ConversionRequest is the body of POST /experiments/{id}/conversions
type ConversionRequest struct {
	SubjectID      string             `json:"subject_id" validate:"required,max=255"`
	Value          *float64           `json:"value,omitempty"`
	SessionMetrics map[string]float64 `json:"session_metrics,omitempty"`
}

// StopRequest is the optional body of POST /experiments/{id}/stop
type StopRequest struct {
	WinnerVariantID string `json:"winner_variant_id,omitempty"`
}

// AssignmentResponse reports the outcome of an assignment request. Assigned
// is false when the subject gets no variant.
type AssignmentResponse struct {
	ExperimentID string             `json:"experiment_id"`
	SubjectID    string             `json:"subject_id"`
	Assigned     bool               `json:"assigned"`
	Assignment   *models.Assignment `json:"assignment,omitempty"`
}

// ConversionResponse reports the outcome of a conversion request
type ConversionResponse struct {
	ExperimentID string             `json:"experiment_id"`
	SubjectID    string             `json:"subject_id"`
	Recorded     bool               `json:"recorded"`
	Assignment   *models.Assignment `json:"assignment,omitempty"`
}

// ExperimentsHandler serves experiment management and tracking endpoints
type ExperimentsHandler struct {
	engine   Engine
	validate *validator.Validate
	json     *responses.JSONResponse
	logger   *logrus.Logger
}

// NewExperimentsHandler creates a handler over the given engine
func NewExperimentsHandler(engine Engine, logger *logrus.Logger) *ExperimentsHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &ExperimentsHandler{
		engine:   engine,
		validate: validator.New(),
		json:     responses.NewJSONResponse(logger),
		logger:   logger,
	}
}

// CreateExperiment handles POST /experiments
func (h *ExperimentsHandler) CreateExperiment(w http.ResponseWriter, r *http.Request) {
	var req CreateExperimentRequest
	if err := h.bind(r, &req); err != nil {
		h.json.WriteError(w, r, err)
		return
	}

	exp, err := h.engine.CreateExperiment(r.Context(), req.toModel())
	if err != nil {
		h.json.WriteError(w, r, err)
		return
	}
	h.json.Write(w, http.StatusCreated, exp)
}

// ListExperiments handles GET /experiments with an optional status filter
func (h *ExperimentsHandler) ListExperiments(w http.ResponseWriter, r *http.Request) {
	status := models.ExperimentStatus(r.URL.Query().Get("status"))
	exps, err := h.engine.ListExperiments(r.Context(), status)
	if err != nil {
		h.json.WriteError(w, r, err)
		return
	}
	h.json.Write(w, http.StatusOK, &responses.ListResponse{Items: exps, Count: len(exps)})
}

// GetExperiment handles GET /experiments/{id}
func (h *ExperimentsHandler) GetExperiment(w http.ResponseWriter, r *http.Request) {
	exp, err := h.engine.GetExperiment(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.json.WriteError(w, r, err)
		return
	}
	h.json.Write(w, http.StatusOK, exp)
}

// StartExperiment handles POST /experiments/{id}/start
func (h *ExperimentsHandler) StartExperiment(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.engine.StartExperiment)
}

// PauseExperiment handles POST /experiments/{id}/pause
func (h *ExperimentsHandler) PauseExperiment(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.engine.PauseExperiment)
}

// ResumeExperiment handles POST /experiments/{id}/resume
func (h *ExperimentsHandler) ResumeExperiment(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.engine.ResumeExperiment)
}

// CancelExperiment handles POST /experiments/{id}/cancel
func (h *ExperimentsHandler) CancelExperiment(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.engine.CancelExperiment)
}

// StopExperiment handles POST /experiments/{id}/stop. The body is optional;
// without a winner the engine selects one from the current results.
func (h *ExperimentsHandler) StopExperiment(w http.ResponseWriter, r *http.Request) {
	var req StopRequest
	if r.ContentLength != 0 {
		if err := responses.Decode(r, &req); err != nil {
			h.json.WriteError(w, r, err)
			return
		}
	}

	exp, err := h.engine.StopExperiment(r.Context(), mux.Vars(r)["id"], req.WinnerVariantID)
	if err != nil {
		h.json.WriteError(w, r, err)
		return
	}
	h.json.Write(w, http.StatusOK, exp)
}

// AssignSubject handles POST /experiments/{id}/assignments
func (h *ExperimentsHandler) AssignSubject(w http.ResponseWriter, r *http.Request) {
	var req AssignRequest
	if err := h.bind(r, &req); err != nil {
		h.json.WriteError(w, r, err)
		return
	}

	id := mux.Vars(r)["id"]
	a, err := h.engine.AssignSubject(r.Context(), id, req.SubjectID)
	if err != nil {
		h.json.WriteError(w, r, err)
		return
	}
	h.json.Write(w, http.StatusOK, &AssignmentResponse{
		ExperimentID: id,
		SubjectID:    req.SubjectID,
		Assigned:     a != nil,
		Assignment:   a,
	})
}

// RecordConversion handles POST /experiments/{id}/conversions
func (h *ExperimentsHandler) RecordConversion(w http.ResponseWriter, r *http.Request) {
	var req ConversionRequest
	if err := h.bind(r, &req); err != nil {
		h.json.WriteError(w, r, err)
		return
	}

	id := mux.Vars(r)["id"]
	a, err := h.engine.RecordConversion(r.Context(), id, req.SubjectID, req.Value, req.SessionMetrics)
	if err != nil {
		h.json.WriteError(w, r, err)
		return
	}

	status := http.StatusOK
	if a == nil {
		status = http.StatusAccepted
	}
	h.json.Write(w, status, &ConversionResponse{
		ExperimentID: id,
		SubjectID:    req.SubjectID,
		Recorded:     a != nil,
		Assignment:   a,
	})
}

// GetResults handles GET /experiments/{id}/results
func (h *ExperimentsHandler) GetResults(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.ComputeResults(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.json.WriteError(w, r, err)
		return
	}
	h.json.Write(w, http.StatusOK, res)
}

func (h *ExperimentsHandler) transition(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) (*models.Experiment, error)) {
	exp, err := fn(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.json.WriteError(w, r, err)
		return
	}
	h.json.Write(w, http.StatusOK, exp)
}

// bind decodes and validates a request body
func (h *ExperimentsHandler) bind(r *http.Request, dst interface{}) error {
	if err := responses.Decode(r, dst); err != nil {
		return err
	}
	if err := h.validate.Struct(dst); err != nil {
		return validationErrors(err)
	}
	return nil
}

// validationErrors converts validator failures into field-level details
func validationErrors(err error) error {
	var fieldErrs validator.ValidationErrors
	if !stderrors.As(err, &fieldErrs) {
		return errors.WrapError(err, errors.ErrorTypeValidation, errors.CodeInvalidInput, "invalid request")
	}

	ve := errors.NewValidationErrors()
	for _, fe := range fieldErrs {
		code := errors.CodeInvalidInput
		switch fe.Tag() {
		case "required":
			code = errors.CodeMissingField
		case "gt", "gte", "lt", "lte", "min", "max":
			code = errors.CodeOutOfRange
		}
		ve.Add(fe.Namespace(), code, fmt.Sprintf("failed %q constraint", fe.Tag()), fe.Value())
	}
	return ve
}

func (req *CreateExperimentRequest) toModel() *models.Experiment {
	exp := &models.Experiment{
		ID:                req.ID,
		Name:              req.Name,
		Description:       req.Description,
		TargetPopulation:  req.TargetPopulation,
		ConfidenceLevel:   req.ConfidenceLevel,
		MinimumSampleSize: req.MinimumSampleSize,
	}
	// omitted means the full population; an explicit value was range checked in bind
	if req.TrafficAllocation != nil {
		exp.TrafficAllocation = *req.TrafficAllocation
	}
	for _, v := range req.Variants {
		exp.Variants = append(exp.Variants, &models.Variant{
			ID:            v.ID,
			Name:          v.Name,
			TrafficSplit:  v.TrafficSplit,
			IsControl:     v.IsControl,
			Configuration: v.Configuration,
		})
	}
	for _, m := range req.Metrics {
		exp.Metrics = append(exp.Metrics, &models.Metric{
			Name:              m.Name,
			Type:              models.MetricType(m.Type),
			Direction:         models.OptimizationDirection(m.Direction),
			Primary:           m.Primary,
			Weight:            m.Weight,
			Baseline:          m.Baseline,
			TargetImprovement: m.TargetImprovement,
			SessionField:      m.SessionField,
		})
	}
	return exp
}
