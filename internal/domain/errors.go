package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type ErrorKind int

const (
	KindTransport ErrorKind = iota
	KindConfiguration
	KindAuth
	KindNotFound
	KindConflict
	KindValidation
	KindNotSupported
)

func (k ErrorKind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindValidation:
		return "validation"
	case KindNotSupported:
		return "not_supported"
	default:
		return "transport"
	}
}

// ProviderError is the classified error every adapter returns.
type ProviderError struct {
	Kind         ErrorKind
	Provider     ProviderKind
	Op           string
	StatusCode   int
	ProviderCode string
	Message      string
	Retryable    bool
	Err          error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Provider))
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": HTTP %d", e.StatusCode)
	}
	if e.ProviderCode != "" {
		fmt.Fprintf(&b, " (%s)", e.ProviderCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	} else if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Classify maps an HTTP status code to an error kind and retryability.
func Classify(statusCode int) (ErrorKind, bool) {
	switch {
	case statusCode == http.StatusNotFound:
		return KindNotFound, false
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return KindAuth, false
	case statusCode == http.StatusConflict:
		return KindConflict, false
	case statusCode == http.StatusUnprocessableEntity || statusCode == http.StatusBadRequest:
		return KindValidation, false
	case statusCode == http.StatusTooManyRequests || statusCode == http.StatusRequestTimeout:
		return KindTransport, true
	case statusCode >= 500:
		return KindTransport, true
	}
	return KindTransport, false
}

// NewHTTPError builds a classified error for a non-2xx response.
func NewHTTPError(provider ProviderKind, op string, statusCode int, providerCode, message string) *ProviderError {
	kind, retryable := Classify(statusCode)
	return &ProviderError{
		Kind:         kind,
		Provider:     provider,
		Op:           op,
		StatusCode:   statusCode,
		ProviderCode: providerCode,
		Message:      message,
		Retryable:    retryable,
	}
}

// NewTransportError wraps a network-level failure as retryable.
func NewTransportError(provider ProviderKind, op string, err error) *ProviderError {
	return &ProviderError{Kind: KindTransport, Provider: provider, Op: op, Retryable: true, Err: err}
}

func NewNotSupported(provider ProviderKind, op string) *ProviderError {
	return &ProviderError{
		Kind:     KindNotSupported,
		Provider: provider,
		Op:       op,
		Message:  op + " is not supported by " + string(provider),
	}
}

func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	ok := errors.As(err, &pe)
	return pe, ok
}

func isKind(err error, kind ErrorKind) bool {
	pe, ok := AsProviderError(err)
	return ok && pe.Kind == kind
}

func IsNotFound(err error) bool     { return isKind(err, KindNotFound) }
func IsConflict(err error) bool     { return isKind(err, KindConflict) }
func IsAuth(err error) bool         { return isKind(err, KindAuth) }
func IsNotSupported(err error) bool { return isKind(err, KindNotSupported) }

// IsRetryable reports whether a classified error may succeed on retry.
// Unclassified errors are treated as transport failures.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ce *ConfigError
	if errors.As(err, &ce) {
		return false
	}
	if pe, ok := AsProviderError(err); ok {
		return pe.Retryable
	}
	return true
}

// ConfigError reports missing or invalid configuration. It is never retried.
type ConfigError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	msg := "configuration error"
	if e.Field != "" {
		msg += " (" + e.Field + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
