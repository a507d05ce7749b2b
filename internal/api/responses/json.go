package responses

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/splitlab/pkg/constants"
	"github.com/inferloop/splitlab/pkg/errors"
)

// RequestIDHeader carries the per-request correlation id
const RequestIDHeader = constants.HeaderRequestID

// JSONResponse writes JSON bodies and error envelopes
type JSONResponse struct {
	logger *logrus.Logger
}

// NewJSONResponse creates a new JSON response writer
func NewJSONResponse(logger *logrus.Logger) *JSONResponse {
	if logger == nil {
		logger = logrus.New()
	}
	return &JSONResponse{
		logger: logger,
	}
}

// ListResponse wraps a collection
type ListResponse struct {
	Items interface{} `json:"items"`
	Count int         `json:"count"`
}

// Write encodes data with the given status code
func (j *JSONResponse) Write(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set(constants.HeaderContentType, constants.MimeTypeJSON)
	w.WriteHeader(status)
	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		j.logger.WithError(err).Error("Failed to encode JSON response")
	}
}

// WriteError maps err to its HTTP status and writes the error envelope
func (j *JSONResponse) WriteError(w http.ResponseWriter, r *http.Request, err error) {
	appErr := errors.AsAppError(err)
	status := errors.HTTPStatus(err)

	fields := logrus.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
		"status": status,
		"code":   appErr.Code,
	}
	if status >= http.StatusInternalServerError {
		j.logger.WithError(err).WithFields(fields).Error("Request failed")
	} else {
		j.logger.WithError(err).WithFields(fields).Debug("Request rejected")
	}

	j.Write(w, status, &errors.ErrorResponse{
		Error:     appErr,
		RequestID: r.Header.Get(RequestIDHeader),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Path:      r.URL.Path,
	})
}

// Decode reads a JSON request body into dst, rejecting unknown fields
func Decode(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.WrapError(err, errors.ErrorTypeValidation, errors.CodeInvalidInput, "invalid JSON body")
	}
	return nil
}
