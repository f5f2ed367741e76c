package errors

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	"go.uber.org/zap"
)

// ErrorCode is the error code exposed to API clients.
type ErrorCode string

const (
	ErrorCodeInvalidRequest    ErrorCode = "INVALID_REQUEST"
	ErrorCodeNotFound          ErrorCode = "NOT_FOUND"
	ErrorCodeConflict          ErrorCode = "CONFLICT"
	ErrorCodePaymentPending    ErrorCode = "PAYMENT_PENDING"
	ErrorCodeServiceDown       ErrorCode = "SERVICE_UNAVAILABLE"
	ErrorCodeResourceExhausted ErrorCode = "RESOURCE_EXHAUSTED"
	ErrorCodeSettlementFailed  ErrorCode = "SETTLEMENT_FAILED"
	ErrorCodeRateLimited       ErrorCode = "RATE_LIMITED"
	ErrorCodeInternalError     ErrorCode = "INTERNAL_ERROR"
)

// ErrorResponse represents the standard error response format.
type ErrorResponse struct {
	Status    string                 `json:"status"`
	ErrorCode ErrorCode              `json:"error_code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// Handler renders errors as HTTP responses.
type Handler struct {
	logger *zap.Logger
}

func NewHandler(logger *zap.Logger) *Handler {
	return &Handler{logger: logger}
}

// HandleError writes err with the status its kind maps to.
func (h *Handler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	oe := asOrchestrationError(err)
	status, code := statusFor(oe.Kind)
	if oe.Kind == KindUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	if oe.Kind == KindInternal {
		h.logger.Error("Internal error", zap.String("path", r.URL.Path), zap.Error(err))
	}
	h.write(w, status, ErrorResponse{
		Status:    "error",
		ErrorCode: code,
		Message:   publicMessage(oe),
		Details:   oe.Details,
		RequestID: r.Header.Get("X-Request-ID"),
	})
}

// Describe returns the client-facing code and message for err, for
// transports that cannot carry an HTTP status.
func Describe(err error) (ErrorCode, string) {
	oe := asOrchestrationError(err)
	_, code := statusFor(oe.Kind)
	return code, publicMessage(oe)
}

func asOrchestrationError(err error) *OrchestrationError {
	var oe *OrchestrationError
	if !stderrors.As(err, &oe) {
		oe = Internal("internal error", err)
	}
	return oe
}

// internal causes stay in the logs
func publicMessage(oe *OrchestrationError) string {
	if oe.Kind == KindInternal {
		return oe.Message
	}
	return oe.Error()
}

// WriteErrorResponse writes a formatted error response.
func (h *Handler) WriteErrorResponse(w http.ResponseWriter, statusCode int, errorCode ErrorCode, message string, requestID string) {
	h.write(w, statusCode, ErrorResponse{
		Status:    "error",
		ErrorCode: errorCode,
		Message:   message,
		RequestID: requestID,
	})
}

func (h *Handler) write(w http.ResponseWriter, statusCode int, resp ErrorResponse) {
	h.logger.Warn("HTTP error response",
		zap.Int("status_code", statusCode),
		zap.String("error_code", string(resp.ErrorCode)),
		zap.String("message", resp.Message),
		zap.String("request_id", resp.RequestID))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(resp)
}

func statusFor(kind Kind) (int, ErrorCode) {
	switch kind {
	case KindInvalidArgument:
		return http.StatusBadRequest, ErrorCodeInvalidRequest
	case KindNotFound:
		return http.StatusNotFound, ErrorCodeNotFound
	case KindConflict:
		return http.StatusConflict, ErrorCodeConflict
	case KindPaymentPending:
		return http.StatusPaymentRequired, ErrorCodePaymentPending
	case KindUnavailable:
		return http.StatusServiceUnavailable, ErrorCodeServiceDown
	case KindResourceExhausted:
		return http.StatusInsufficientStorage, ErrorCodeResourceExhausted
	case KindSettlementFailed:
		return http.StatusBadGateway, ErrorCodeSettlementFailed
	default:
		return http.StatusInternalServerError, ErrorCodeInternalError
	}
}
