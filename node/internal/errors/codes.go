package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/ailightning/ailightning/pkg/nodeapi"
)

// NodeError represents a structured error with code and context
type NodeError struct {
	Code    nodeapi.ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *NodeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *NodeError) Unwrap() error {
	return e.Cause
}

// HTTPStatus maps the error code to an HTTP status
func (e *NodeError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// Response converts the error to its wire representation
func (e *NodeError) Response() nodeapi.ErrorResponse {
	return nodeapi.ErrorResponse{Code: e.Code, Message: e.Error(), Details: e.Details}
}

// NewNodeError creates a new NodeError
func NewNodeError(code nodeapi.ErrorCode, message string, cause error) *NodeError {
	return &NodeError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *NodeError) WithDetail(key string, value interface{}) *NodeError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *NodeError {
	return NewNodeError(nodeapi.CodeInvalidArgument, message, cause)
}

func ModelNotAvailable(model string) *NodeError {
	return NewNodeError(nodeapi.CodeModelNotAvailable, fmt.Sprintf("model %s is not served by this node", model), nil).
		WithDetail("model", model)
}

func SessionNotFound(sessionID string) *NodeError {
	return NewNodeError(nodeapi.CodeSessionNotFound, fmt.Sprintf("session %s not found", sessionID), nil).
		WithDetail("session_id", sessionID)
}

func SessionExists(sessionID string) *NodeError {
	return NewNodeError(nodeapi.CodeSessionExists, fmt.Sprintf("session %s already has a process", sessionID), nil).
		WithDetail("session_id", sessionID)
}

func ProcessTerminated(sessionID string, cause error) *NodeError {
	return NewNodeError(nodeapi.CodeProcessTerminated, fmt.Sprintf("inference process for session %s terminated", sessionID), cause).
		WithDetail("session_id", sessionID)
}

func Timeout(message string, cause error) *NodeError {
	return NewNodeError(nodeapi.CodeTimeout, message, cause)
}

func NoPortAvailable(start, end int) *NodeError {
	return NewNodeError(nodeapi.CodeNoPortAvailable, fmt.Sprintf("no free port in range %d-%d", start, end), nil).
		WithDetail("port_range_start", start).
		WithDetail("port_range_end", end)
}

func StartupFailed(message string, cause error) *NodeError {
	return NewNodeError(nodeapi.CodeStartupFailed, message, cause)
}

func Unauthorized(message string) *NodeError {
	return NewNodeError(nodeapi.CodeUnauthorized, message, nil)
}

func InternalError(message string, cause error) *NodeError {
	return NewNodeError(nodeapi.CodeInternal, message, cause)
}

// IsNodeError checks if an error is a NodeError
func IsNodeError(err error) bool {
	var ne *NodeError
	return stderrors.As(err, &ne)
}

// GetCode extracts the error code from an error
func GetCode(err error) nodeapi.ErrorCode {
	var ne *NodeError
	if stderrors.As(err, &ne) {
		return ne.Code
	}
	return nodeapi.CodeInternal
}

// WriteHTTP writes err as a JSON error response
func WriteHTTP(w http.ResponseWriter, err error) {
	var ne *NodeError
	if !stderrors.As(err, &ne) {
		ne = InternalError("internal error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ne.HTTPStatus())
	json.NewEncoder(w).Encode(ne.Response())
}
