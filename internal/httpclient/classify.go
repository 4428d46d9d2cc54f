package httpclient

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"

	"github.com/albumqr/albumqr-mesh/internal/resilience"
)

// classifyTransportError turns a low-level client error into an
// IntegrationError so nothing above this package sees raw net errors.
func classifyTransportError(service string, err error) *resilience.IntegrationError {
	if ie, ok := resilience.AsIntegrationError(err); ok {
		return ie
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.Canceled):
		return resilience.Wrap(resilience.ErrorNetwork, service, err).WithRetryable(false)
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		return resilience.Wrap(resilience.ErrorTimeout, service, err)
	case errors.Is(err, syscall.ECONNREFUSED):
		return resilience.Wrap(resilience.ErrorNetwork, service, err).WithDetail("reason", "connection_refused")
	case errors.Is(err, syscall.ECONNRESET):
		return resilience.Wrap(resilience.ErrorNetwork, service, err).WithDetail("reason", "connection_reset")
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return resilience.Wrap(resilience.ErrorNetwork, service, err).WithDetail("reason", "protocol")
	default:
		return resilience.Wrap(resilience.ErrorNetwork, service, err)
	}
}

// retryableHTTP is the classifier used for outbound HTTP: server errors and
// retryable transport failures get another attempt, everything else does not.
func retryableHTTP(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= http.StatusInternalServerError
	}
	ie, ok := resilience.AsIntegrationError(err)
	if !ok {
		return false
	}
	return ie.Retryable && (ie.Type == resilience.ErrorNetwork || ie.Type == resilience.ErrorTimeout)
}

// errorForStatus maps a non-2xx status to the error taxonomy.
func errorForStatus(service string, status int, message string) *resilience.IntegrationError {
	var t resilience.ErrorType
	switch {
	case status == http.StatusUnauthorized:
		t = resilience.ErrorAuthentication
	case status == http.StatusForbidden:
		t = resilience.ErrorAuthorization
	case status == http.StatusNotFound:
		t = resilience.ErrorNotFound
	case status == http.StatusConflict:
		t = resilience.ErrorConflict
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		t = resilience.ErrorValidation
	case status == http.StatusTooManyRequests:
		t = resilience.ErrorRateLimit
	case status >= http.StatusInternalServerError:
		return resilience.NewError(resilience.ErrorExternal, service, message).
			WithStatus(status).
			WithRetryable(true)
	default:
		t = resilience.ErrorValidation
	}
	return resilience.NewError(t, service, message).WithStatus(status)
}
