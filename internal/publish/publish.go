// Package publish defines the contract with the external publishing
// platform and an HTTP implementation of it.
package publish

import (
	"context"
	"errors"
	"fmt"
)

// Publisher pushes an article to the publishing platform. Publish must be
// safe for concurrent use; the platform is treated as opaque.
type Publisher interface {
	Publish(ctx context.Context, articleRef string) error
}

// Func adapts a function to Publisher.
type Func func(ctx context.Context, articleRef string) error

func (f Func) Publish(ctx context.Context, articleRef string) error { return f(ctx, articleRef) }

// Kind classifies a publish failure.
type Kind int

const (
	// Transient failures are retried with backoff.
	Transient Kind = iota
	// Permanent failures resolve the occurrence as failed immediately.
	Permanent
)

func (k Kind) String() string {
	if k == Permanent {
		return "permanent"
	}
	return "transient"
}

// Error is a classified publish failure.
type Error struct {
	Kind       Kind
	StatusCode int // HTTP status when the failure came from a response
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s publish failure (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s publish failure: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewTransient wraps err as a retryable failure.
func NewTransient(err error) error { return &Error{Kind: Transient, Err: err} }

// NewPermanent wraps err as a non-retryable failure.
func NewPermanent(err error) error { return &Error{Kind: Permanent, Err: err} }

// IsPermanent reports whether err is classified permanent. Unclassified
// errors are transient.
func IsPermanent(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == Permanent
}
