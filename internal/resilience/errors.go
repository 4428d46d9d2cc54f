// Package resilience provides the failure-handling primitives shared by every
// outbound call in the mesh: a classified error type, a circuit breaker and a
// bounded exponential-backoff retry loop.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrorType classifies an integration failure.
type ErrorType int

const (
	ErrorNetwork ErrorType = iota
	ErrorTimeout
	ErrorAuthentication
	ErrorAuthorization
	ErrorValidation
	ErrorNotFound
	ErrorConflict
	ErrorRateLimit
	ErrorInternal
	ErrorExternal // reserved for circuit breaker rejections
)

func (t ErrorType) String() string {
	switch t {
	case ErrorNetwork:
		return "network"
	case ErrorTimeout:
		return "timeout"
	case ErrorAuthentication:
		return "authentication"
	case ErrorAuthorization:
		return "authorization"
	case ErrorValidation:
		return "validation"
	case ErrorNotFound:
		return "not_found"
	case ErrorConflict:
		return "conflict"
	case ErrorRateLimit:
		return "rate_limit"
	case ErrorInternal:
		return "internal"
	case ErrorExternal:
		return "external"
	default:
		return "unknown"
	}
}

// MarshalText encodes the type by name so it reads well in logs and JSON.
func (t ErrorType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// DefaultRetryable reports whether errors of this type are transient by default.
func (t ErrorType) DefaultRetryable() bool {
	switch t {
	case ErrorNetwork, ErrorTimeout, ErrorRateLimit, ErrorInternal:
		return true
	default:
		return false
	}
}

// IntegrationError is the error type that crosses service boundaries.
// Low-level transport errors are reclassified into it at the client edge.
type IntegrationError struct {
	Type       ErrorType
	Service    string
	Message    string
	Details    map[string]any
	Retryable  bool
	StatusCode int // 0 when no HTTP status is involved
	Timestamp  time.Time
	Err        error
}

// NewError builds an IntegrationError with the type's default retryability.
func NewError(t ErrorType, service, message string) *IntegrationError {
	return &IntegrationError{
		Type:      t,
		Service:   service,
		Message:   message,
		Retryable: t.DefaultRetryable(),
		Timestamp: time.Now().UTC(),
	}
}

// Wrap builds an IntegrationError that keeps err as its cause.
func Wrap(t ErrorType, service string, err error) *IntegrationError {
	ie := NewError(t, service, err.Error())
	ie.Err = err
	return ie
}

func (e *IntegrationError) Error() string {
	if e.Service == "" {
		return fmt.Sprintf("%s: %s", e.Type, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Service, e.Type, e.Message)
}

func (e *IntegrationError) Unwrap() error {
	return e.Err
}

// WithStatus sets the HTTP status code and returns the error for chaining.
func (e *IntegrationError) WithStatus(code int) *IntegrationError {
	e.StatusCode = code
	return e
}

// WithRetryable overrides the default retryability.
func (e *IntegrationError) WithRetryable(retryable bool) *IntegrationError {
	e.Retryable = retryable
	return e
}

// WithDetail attaches a key/value detail.
func (e *IntegrationError) WithDetail(key string, value any) *IntegrationError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// AsIntegrationError extracts an IntegrationError from the chain.
func AsIntegrationError(err error) (*IntegrationError, bool) {
	var ie *IntegrationError
	if errors.As(err, &ie) {
		return ie, true
	}
	return nil, false
}

// IsType reports whether err carries an IntegrationError of type t.
func IsType(err error, t ErrorType) bool {
	ie, ok := AsIntegrationError(err)
	return ok && ie.Type == t
}

// HandlerFunc reacts to a classified error.
type HandlerFunc func(ctx context.Context, err *IntegrationError)

// ErrorHandler dispatches classified errors to handlers registered per type.
type ErrorHandler struct {
	mu       sync.RWMutex
	handlers map[ErrorType][]HandlerFunc
	fallback HandlerFunc
}

// NewErrorHandler creates an empty dispatcher.
func NewErrorHandler() *ErrorHandler {
	return &ErrorHandler{handlers: make(map[ErrorType][]HandlerFunc)}
}

// Register adds a handler for one error type.
func (h *ErrorHandler) Register(t ErrorType, fn HandlerFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[t] = append(h.handlers[t], fn)
}

// SetFallback sets the handler used when no handler matches the type.
func (h *ErrorHandler) SetFallback(fn HandlerFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fallback = fn
}

// Handle classifies err and runs the matching handlers. Errors that are not
// IntegrationErrors are treated as non-retryable internal failures.
// It returns the classified error.
func (h *ErrorHandler) Handle(ctx context.Context, service string, err error) *IntegrationError {
	if err == nil {
		return nil
	}
	ie, ok := AsIntegrationError(err)
	if !ok {
		ie = Wrap(ErrorInternal, service, err).WithRetryable(false)
	}

	h.mu.RLock()
	handlers := append([]HandlerFunc(nil), h.handlers[ie.Type]...)
	fallback := h.fallback
	h.mu.RUnlock()

	if len(handlers) == 0 && fallback != nil {
		fallback(ctx, ie)
		return ie
	}
	for _, fn := range handlers {
		fn(ctx, ie)
	}
	return ie
}
