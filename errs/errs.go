// Package errs provides structured error types and helpers for the order desk services.
package errs

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// Code identifies an error category surfaced to callers.
type Code string

const (
	// CodeNotFound indicates a referenced order, client or asset is absent.
	CodeNotFound Code = "not_found"
	// CodeInvalidTransition indicates the requested status pair is not allowed.
	CodeInvalidTransition Code = "invalid_transition"
	// CodeValidation indicates the caller supplied invalid or incomplete data.
	CodeValidation Code = "validation_failure"
	// CodePartialFailure indicates a multi-step operation failed after earlier steps succeeded.
	CodePartialFailure Code = "partial_failure"
	// CodeConflict indicates the entity already exists.
	CodeConflict Code = "conflict"
	// CodeForbidden indicates the acting role may not perform the action.
	CodeForbidden Code = "forbidden"
	// CodeRateLimited indicates that the request exceeded rate limits.
	CodeRateLimited Code = "rate_limited"
	// CodeUnavailable indicates a backing store is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
	// CodeInternal captures uncategorized failures.
	CodeInternal Code = "internal"
)

// Detail keys shared across components.
const (
	DetailOrderID        = "order_id"
	DetailPartialOrderID = "partial_order_id"
	DetailFrom           = "from"
	DetailTo             = "to"
	DetailField          = "field"
)

// E captures structured error information produced across the order desk stack.
type E struct {
	Component   string
	Code        Code
	HTTP        int
	Message     string
	Details     map[string]string
	Remediation string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component:   strings.TrimSpace(component),
		Code:        code,
		HTTP:        0,
		Message:     "",
		Details:     nil,
		Remediation: "",
		cause:       nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithRemediation attaches remediation guidance to the error.
func WithRemediation(remediation string) Option {
	trimmed := strings.TrimSpace(remediation)
	return func(e *E) {
		e.Remediation = trimmed
	}
}

// WithHTTP overrides the HTTP status derived from the code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithDetails merges the provided details into the error envelope.
func WithDetails(details map[string]string) Option {
	return func(e *E) {
		if len(details) == 0 {
			return
		}
		if e.Details == nil {
			e.Details = make(map[string]string, len(details))
		}
		for k, v := range details {
			key := strings.TrimSpace(k)
			if key == "" {
				continue
			}
			e.Details[key] = strings.TrimSpace(v)
		}
	}
}

// WithDetail appends a single detail key/value pair.
func WithDetail(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Details == nil {
			e.Details = make(map[string]string, 1)
		}
		e.Details[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = string(CodeInternal)
	}
	parts = append(parts, "code="+code)

	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.Remediation != "" {
		parts = append(parts, "remediation="+strconv.Quote(e.Remediation))
	}
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Details[k]))
		}
		parts = append(parts, "details="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Is reports whether target is an *E with the same code, so callers can match
// on a sentinel built with New(component, code).
func (e *E) Is(target error) bool {
	var other *E
	if !errors.As(target, &other) || other == nil || e == nil {
		return false
	}
	return other.Code == e.Code && (other.Component == "" || other.Component == e.Component)
}

// Status returns the HTTP status associated with the error.
func (e *E) Status() int {
	if e == nil {
		return http.StatusOK
	}
	if e.HTTP > 0 {
		return e.HTTP
	}
	switch e.Code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidTransition, CodeConflict:
		return http.StatusConflict
	case CodeValidation:
		return http.StatusUnprocessableEntity
	case CodePartialFailure:
		return http.StatusMultiStatus
	case CodeForbidden:
		return http.StatusForbidden
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// NotFound returns a standardized error for a missing entity.
func NotFound(component, entity, id string) *E {
	entity = strings.TrimSpace(entity)
	if entity == "" {
		entity = "entity"
	}
	return New(component, CodeNotFound,
		WithMessage(entity+" not found"),
		WithDetail(entity+"_id", id))
}

// InvalidTransition returns a standardized error for a disallowed status change.
func InvalidTransition(component, orderID, from, to string) *E {
	return New(component, CodeInvalidTransition,
		WithMessage("cannot move order from "+from+" to "+to),
		WithDetail(DetailOrderID, orderID),
		WithDetail(DetailFrom, from),
		WithDetail(DetailTo, to))
}

// Validation returns a standardized error for rejected input.
func Validation(component, field, message string) *E {
	opts := []Option{WithMessage(message)}
	if strings.TrimSpace(field) != "" {
		opts = append(opts, WithDetail(DetailField, field))
	}
	return New(component, CodeValidation, opts...)
}

// Partial returns a standardized error for a multi-step operation that stopped halfway.
func Partial(component, message, partialID string, cause error, opts ...Option) *E {
	base := []Option{
		WithMessage(message),
		WithDetail(DetailPartialOrderID, partialID),
		WithCause(cause),
		WithRemediation("cancel the orphaned order or retry the missing step manually"),
	}
	return New(component, CodePartialFailure, append(base, opts...)...)
}

// CodeOf returns the code of the first *E in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return CodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// HTTPStatus maps err to an HTTP status code.
func HTTPStatus(err error) int {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Status()
	}
	return http.StatusInternalServerError
}

// DetailOf returns a detail value from the first *E in err's chain.
func DetailOf(err error, key string) string {
	var e *E
	if errors.As(err, &e) && e != nil && e.Details != nil {
		return e.Details[key]
	}
	return ""
}

// MessageOf returns a human-readable message for err.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var e *E
	if errors.As(err, &e) && e != nil && e.Message != "" {
		return e.Message
	}
	return err.Error()
}
