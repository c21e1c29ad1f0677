package core

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a terminal tool failure.
type ErrorCode string

// Tool error codes.
const (
	CodeCatalogNotAllowed      ErrorCode = "catalog_not_allowed"
	CodeMissingParamsContract  ErrorCode = "missing_params_contract"
	CodeInvalidParameters      ErrorCode = "invalid_parameters"
	CodeSchemaMetadataRequired ErrorCode = "SCHEMA_METADATA_REQUIRED"
	CodeDatasetNotFound        ErrorCode = "dataset_not_found"
	CodeInvalidPipeline        ErrorCode = "invalid_pipeline"
	CodeExecutionFailed        ErrorCode = "execution_failed"
	CodeInvalidRequest         ErrorCode = "invalid_request"
	CodeProcedureFailed        ErrorCode = "procedure_failed"
)

// ToolError is a structured, caller-facing failure.
type ToolError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	cause   error
}

// NewToolError creates a ToolError with a formatted message.
func NewToolError(code ErrorCode, format string, args ...any) *ToolError {
	return &ToolError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetail attaches a detail value and returns the error for chaining.
func (e *ToolError) WithDetail(key string, value any) *ToolError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause records the underlying error.
func (e *ToolError) WithCause(err error) *ToolError {
	e.cause = err
	return e
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error, if any.
func (e *ToolError) Unwrap() error {
	return e.cause
}

// AsToolError extracts a ToolError from err.
func AsToolError(err error) (*ToolError, bool) {
	var te *ToolError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// IsCode reports whether err is a ToolError with the given code.
func IsCode(err error, code ErrorCode) bool {
	te, ok := AsToolError(err)
	return ok && te.Code == code
}
