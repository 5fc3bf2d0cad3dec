// Package errs provides structured error types and helpers for the mediation engine.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies a mediation failure category.
type Code string

const (
	// CodeNoFill indicates that no provider in the waterfall had a ready ad.
	CodeNoFill Code = "no_fill"
	// CodeNotReady indicates that the addressed provider has no ready handle for the format.
	CodeNotReady Code = "not_ready"
	// CodeUnsupported indicates that the provider does not serve the format.
	CodeUnsupported Code = "unsupported"
	// CodeDisplayFailed indicates that the network reported a display failure.
	CodeDisplayFailed Code = "display_failed"
	// CodeNotRewarded indicates a rewarded ad closed without a reward signal.
	CodeNotRewarded Code = "not_rewarded"
	// CodeCapped indicates the show was suppressed by frequency capping.
	CodeCapped Code = "capped"
	// CodeProviderFault indicates the provider failed synchronously (error or panic).
	CodeProviderFault Code = "provider_fault"
	// CodeLoadFailed indicates the network reported a load failure.
	CodeLoadFailed Code = "load_failed"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeUnavailable indicates the component is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the mediation stack.
type E struct {
	Network  string
	Code     Code
	Format   string
	Message  string
	Metadata map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the network and error code.
func New(network string, code Code, opts ...Option) *E {
	e := &E{
		Network:  strings.TrimSpace(network),
		Code:     code,
		Format:   "",
		Message:  "",
		Metadata: nil,
		cause:    nil,
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

// WithFormat records the ad format the failure relates to.
func WithFormat(format string) Option {
	trimmed := strings.TrimSpace(format)
	return func(e *E) {
		e.Format = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithMetadata merges the provided metadata into the error envelope.
func WithMetadata(meta map[string]string) Option {
	return func(e *E) {
		if len(meta) == 0 {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, len(meta))
		}
		for k, v := range meta {
			key := strings.TrimSpace(k)
			if key == "" {
				continue
			}
			e.Metadata[key] = strings.TrimSpace(v)
		}
	}
}

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		e.Metadata[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	network := strings.TrimSpace(e.Network)
	if network == "" {
		network = "unknown"
	}
	parts = append(parts, "network="+network)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Format != "" {
		parts = append(parts, "format="+e.Format)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Metadata[k]))
		}
		parts = append(parts, "meta="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Is matches another envelope by code so errors.Is works against sentinel envelopes.
func (e *E) Is(target error) bool {
	var other *E
	if !errors.As(target, &other) || other == nil || e == nil {
		return false
	}
	return other.Code == e.Code && (other.Network == "" || other.Network == e.Network)
}

// CodeOf extracts the envelope code from err, or "" when err carries no envelope.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return ""
}

// Unsupported returns a standardized error for formats a network does not serve.
func Unsupported(network, format string) *E {
	return New(network, CodeUnsupported, WithFormat(format), WithMessage("format not supported"))
}
