package types

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared across packages.
var (
	// ErrNotFound is returned by the store when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when a provision request collides
	// with an existing tenant (same domain or owner+name).
	ErrAlreadyExists = errors.New("tenant already exists")

	// ErrNoTransition marks a lifecycle trigger that is not in the
	// transition diagram for the tenant's current state. Replays of
	// stale events land here and are safe no-ops.
	ErrNoTransition = errors.New("no transition for event in current state")

	// ErrCredentialsRevealed is returned on a second read of the
	// one-shot credentials channel.
	ErrCredentialsRevealed = errors.New("credentials already revealed")

	// ErrWebhookIgnored marks a webhook that was dropped: bad
	// signature, unknown event type or duplicate delivery.
	ErrWebhookIgnored = errors.New("webhook ignored")
)

// TransientError wraps failures worth retrying: gateway 5xx, connection
// resets, object-store throttling.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. A nil err returns nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// PermanentError wraps failures that must not be retried: 4xx, auth
// failures, not-found on required resources.
type PermanentError struct {
	Op  string
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %s: %v", e.Op, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as non-retryable. A nil err returns nil.
func Permanent(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Op: op, Err: err}
}

// ProvisionTimeoutError means readiness was not achieved within the
// per-step deadline. The provisioner rolls back on it.
type ProvisionTimeoutError struct {
	Step     string
	Ref      string
	Deadline time.Duration
}

func (e *ProvisionTimeoutError) Error() string {
	return fmt.Sprintf("provision timeout: %s (%s) not ready within %s", e.Step, e.Ref, e.Deadline)
}

// ExecError reports a non-zero exit from an in-pod command. Command is
// stored pre-redacted; constructors must never embed credentials.
type ExecError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("exec %q: exit %d: %s", e.Command, e.ExitCode, e.Stderr)
}

// InvariantError marks a violated internal invariant: a transition
// outside the closed set, a duplicate tenant id, an unexpected nil.
// Never retried; the tenant is pinned to its prior state.
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string {
	return "invariant violation: " + e.Msg
}

// Invariantf builds an InvariantError.
func Invariantf(format string, args ...any) error {
	return &InvariantError{Msg: fmt.Sprintf(format, args...)}
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err is terminal for the current step.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// IsProvisionTimeout reports whether err is a readiness deadline miss.
func IsProvisionTimeout(err error) bool {
	var pt *ProvisionTimeoutError
	return errors.As(err, &pt)
}

// IsInvariant reports whether err is an invariant violation.
func IsInvariant(err error) bool {
	var ie *InvariantError
	return errors.As(err, &ie)
}
