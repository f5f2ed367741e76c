package nodeapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrorCode is the structured error code carried in node error responses.
type ErrorCode string

const (
	CodeModelNotAvailable ErrorCode = "MODEL_NOT_AVAILABLE"
	CodeSessionNotFound   ErrorCode = "SESSION_NOT_FOUND"
	CodeSessionExists     ErrorCode = "SESSION_EXISTS"
	CodeProcessTerminated ErrorCode = "PROCESS_TERMINATED"
	CodeTimeout           ErrorCode = "TIMEOUT"
	CodeNoPortAvailable   ErrorCode = "NO_PORT_AVAILABLE"
	CodeStartupFailed     ErrorCode = "STARTUP_FAILED"
	CodeInvalidArgument   ErrorCode = "INVALID_ARGUMENT"
	CodeUnauthorized      ErrorCode = "UNAUTHORIZED"
	CodeInternal          ErrorCode = "INTERNAL"
)

// HTTPStatus returns the status code a node answers with for the code.
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeSessionNotFound:
		return http.StatusNotFound
	case CodeSessionExists:
		return http.StatusConflict
	case CodeModelNotAvailable:
		return http.StatusUnprocessableEntity
	case CodeNoPortAvailable:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeProcessTerminated, CodeStartupFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ErrorResponse is the body of every non-2xx node response.
type ErrorResponse struct {
	Code    ErrorCode              `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// RemoteError is an error reported by a node, as seen by its caller.
type RemoteError struct {
	StatusCode int
	Code       ErrorCode
	Message    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("node error %s (http %d): %s", e.Code, e.StatusCode, e.Message)
}

// CodeOf returns the node error code carried by err, or "" if err did not
// come from a node.
func CodeOf(err error) ErrorCode {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}

// ReadError builds a RemoteError from a non-2xx response.
func ReadError(resp *http.Response) *RemoteError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var er ErrorResponse
	if err := json.Unmarshal(body, &er); err != nil || er.Code == "" {
		return &RemoteError{
			StatusCode: resp.StatusCode,
			Code:       CodeInternal,
			Message:    string(bytes.TrimSpace(body)),
		}
	}
	return &RemoteError{StatusCode: resp.StatusCode, Code: er.Code, Message: er.Message}
}

// Validator is implemented by every request type.
type Validator interface {
	Validate() error
}

// Decode reads exactly one JSON value into v, rejecting unknown fields and
// trailing data, then validates it.
func Decode(r io.Reader, v Validator) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	if dec.More() {
		return errors.New("invalid request body: trailing data")
	}
	return v.Validate()
}
