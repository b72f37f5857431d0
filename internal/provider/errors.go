package provider

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies provider failures for retry decisions.
type Kind int

const (
	// Transient failures (network, timeout, rate limit, 5xx) are retried.
	Transient Kind = iota + 1
	// Permanent failures (revoked auth, missing permission, deleted channel)
	// need a human to reconnect the channel.
	Permanent
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	}
	return "unknown"
}

// Error wraps a provider failure with its classification.
type Error struct {
	Provider string
	Op       string
	Kind     Kind
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider: %s: %s: %s: %v", e.Provider, e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified provider error. Context timeouts and
// cancellations are always transient.
func NewError(provider, op string, kind Kind, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		kind = Transient
	}
	return &Error{Provider: provider, Op: op, Kind: kind, Err: err}
}

// IsPermanent reports whether err is a permanent provider error.
func IsPermanent(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == Permanent
}

// IsTransient reports whether err should be retried. Unclassified errors
// count as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !IsPermanent(err)
}
