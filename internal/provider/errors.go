// Package provider holds the outbound clients for the rewards and SSI services and the
// error taxonomy the reconciliation engine acts on.
package provider

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a provider failure.
type Kind int

const (
	// Transient failures are retried on a later run.
	Transient Kind = iota + 1
	// Permanent failures move the item to Error right away.
	Permanent
	// Conflict means the resource already exists; the caller adopts ExternalID.
	Conflict
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case Conflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// ErrReferenceMissing is returned when the parent entity an item refers to no longer exists.
var ErrReferenceMissing = &Error{Kind: Permanent, Op: "reference", Err: errors.New("referenced entity no longer exists")}

// Error is the failure shape of every provider call.
type Error struct {
	Kind       Kind
	Op         string
	StatusCode int
	ExternalID string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Op, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Classify returns the kind of err. Unknown errors are transient; only a provider
// can tell us a request will never succeed.
func Classify(err error) Kind {
	if err == nil {
		return 0
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return Transient
}

func IsTransient(err error) bool { return err != nil && Classify(err) == Transient }
func IsPermanent(err error) bool { return err != nil && Classify(err) == Permanent }
func IsConflict(err error) bool  { return err != nil && Classify(err) == Conflict }

// ConflictID returns the identifier carried by a conflict, if any.
func ConflictID(err error) (string, bool) {
	var pe *Error
	if errors.As(err, &pe) && pe.Kind == Conflict && pe.ExternalID != "" {
		return pe.ExternalID, true
	}
	return "", false
}

// Permanentf builds a permanent error for failures detected before any call is made.
func Permanentf(op, format string, args ...any) error {
	return &Error{Kind: Permanent, Op: op, Err: fmt.Errorf(format, args...)}
}

func kindForStatus(code int) Kind {
	switch {
	case code == http.StatusConflict:
		return Conflict
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
		return Transient
	default:
		return Permanent
	}
}

// transportError wraps failures that never produced a response: network errors,
// timeouts and an open breaker are all worth another try.
func transportError(op string, err error) error {
	return &Error{Kind: Transient, Op: op, Err: err}
}
