package httpclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	apperrors "github.com/utafrali/checkoutflow/pkg/errors"
)

// downstreamError mirrors the error half of httputil.Response, which both the
// wallet and the payment provider speak.
type downstreamError struct {
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// ParseResponseError consumes and closes the body of a non-2xx response and
// maps it to an AppError. Unstructured bodies are kept verbatim in the message.
func ParseResponseError(resp *http.Response, downstream string) error {
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s returned status %d (read body: %w)", downstream, resp.StatusCode, err)
	}

	code, message := "", string(body)
	var parsed downstreamError
	if json.Unmarshal(body, &parsed) == nil && parsed.Error != nil {
		code, message = parsed.Error.Code, parsed.Error.Message
	}
	return mapStatus(resp.StatusCode, code, fmt.Sprintf("%s: %s", downstream, message))
}

func mapStatus(status int, code, message string) error {
	switch {
	case code == "INSUFFICIENT_FUNDS":
		return apperrors.InsufficientFunds(message)
	case status == http.StatusNotFound:
		return &apperrors.AppError{Code: "NOT_FOUND", Message: message, Status: status, Err: apperrors.ErrNotFound}
	case status == http.StatusBadRequest:
		return apperrors.InvalidInput(message)
	case status == http.StatusUnauthorized:
		return apperrors.Unauthorized(message)
	case status == http.StatusForbidden:
		return apperrors.Forbidden(message)
	case status == http.StatusConflict:
		return apperrors.Conflict(message)
	case status == http.StatusPaymentRequired, status == http.StatusUnprocessableEntity:
		return apperrors.PaymentFailed(message)
	case status == http.StatusTooManyRequests:
		return apperrors.TooManyRequests(message)
	case status >= 500:
		return apperrors.ServiceUnavailable(message)
	default:
		return &apperrors.AppError{Code: "DOWNSTREAM_ERROR", Message: message, Status: http.StatusBadGateway}
	}
}

// AsUnavailable converts transport failures, open breakers and ServerErrors into
// ServiceUnavailable so callers see one retryable error kind. AppErrors pass through.
func AsUnavailable(err error, downstream string) error {
	if err == nil {
		return nil
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, ErrCircuitOpen) {
		return apperrors.ServiceUnavailable(downstream + " is temporarily unavailable")
	}
	return &apperrors.AppError{
		Code:    "SERVICE_UNAVAILABLE",
		Message: downstream + " request failed",
		Status:  http.StatusServiceUnavailable,
		Err:     errors.Join(apperrors.ErrServiceUnavail, err),
	}
}
