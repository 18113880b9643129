// Package handlers implements the HTTP endpoints of the workflow service.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/flowforge-ai/flowforge/types"
)

// Response is the envelope every API endpoint returns.
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// ErrorInfo is the serialized form of a types.Error.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteJSON writes data as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteSuccess wraps data in the success envelope.
func WriteSuccess(w http.ResponseWriter, data any) {
	WriteJSON(w, http.StatusOK, Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
	})
}

// WriteError maps an error to the envelope. Unknown error types become a
// 500 with code INTERNAL_ERROR.
func WriteError(w http.ResponseWriter, err error, logger *zap.Logger) {
	var appErr *types.Error
	if !errors.As(err, &appErr) {
		appErr = types.NewError(types.ErrInternalError, err.Error())
	}

	status := appErr.HTTPStatus
	if status == 0 {
		status = mapErrorCodeToHTTPStatus(appErr.Code)
	}

	if logger != nil {
		logger.Warn("API error",
			zap.String("code", string(appErr.Code)),
			zap.String("message", appErr.Message),
			zap.Int("status", status),
		)
	}

	WriteJSON(w, status, Response{
		Success: false,
		Error: &ErrorInfo{
			Code:    string(appErr.Code),
			Message: appErr.Message,
		},
		Timestamp: time.Now(),
	})
}

// WriteErrorMessage writes a simple error without constructing a types.Error
// at the call site.
func WriteErrorMessage(w http.ResponseWriter, status int, code types.ErrorCode, message string, logger *zap.Logger) {
	WriteError(w, types.NewError(code, message).WithHTTPStatus(status), logger)
}

func mapErrorCodeToHTTPStatus(code types.ErrorCode) int {
	switch code {
	case types.ErrValidation, types.ErrCycleDetected, types.ErrUnknownDependency, types.ErrBadStartNodes:
		return http.StatusBadRequest
	case types.ErrNotFound:
		return http.StatusNotFound
	case types.ErrAlreadyResolved, types.ErrDuplicateRequest, types.ErrWorkflowTerminal:
		return http.StatusConflict
	case types.ErrTemplateReference, types.ErrHITLRejected:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody parses a JSON request body into dst with a size cap.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return types.NewError(types.ErrValidation, "invalid JSON body").WithCause(err)
	}
	return nil
}
