package engine

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorClass represents the classification of a provider error for retry
// logic. Any non-permanent class is retried with bounded exponential backoff
// before the node is marked failed.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on
	// retry, such as a network timeout.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassPermanent indicates a non-recoverable error. This is the
	// default: a provider failure counts as permanent unless the provider
	// explicitly marks it otherwise.
	ErrorClassPermanent ErrorClass = "permanent"
)

// CycleError reports a dependency cycle detected while building the graph.
// It is fatal: planning is aborted and no side effect occurs.
type CycleError struct {
	// Participants holds the node IDs on the cycle, in traversal order,
	// with the first node repeated at the end.
	Participants []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Participants, " -> "))
}

// UnresolvedReferenceError reports an attribute reference or explicit
// dependency that points at a node or output that does not exist. Fatal,
// detected at graph build time.
type UnresolvedReferenceError struct {
	// NodeID is the node carrying the bad reference.
	NodeID string

	// Attribute is the desired-attribute key holding the reference, or
	// "depends_on" for an explicit dependency.
	Attribute string

	// Target is the referenced node ID.
	Target string
}

func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("node %s: attribute %q references unknown node %s",
		e.NodeID, e.Attribute, e.Target)
}

// ProviderError wraps a failure returned by a provider operation, carrying
// the classification the executor uses to decide whether to retry.
type ProviderError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass

	// Op is the provider operation that failed.
	Op string

	// NodeID is the resource the operation targeted.
	NodeID string

	// Message is the human-readable error message.
	Message string

	// Err is the underlying error, if any.
	Err error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s %s: %s: %v", e.Class, e.Op, e.NodeID, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s %s: %s", e.Class, e.Op, e.NodeID, e.Message)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewTransientError creates a provider error that the executor will retry.
func NewTransientError(op, nodeID, message string, err error) *ProviderError {
	return &ProviderError{Class: ErrorClassTransient, Op: op, NodeID: nodeID, Message: message, Err: err}
}

// NewThrottledError creates a rate-limit provider error, retried with a
// longer initial backoff.
func NewThrottledError(op, nodeID, message string, err error) *ProviderError {
	return &ProviderError{Class: ErrorClassThrottled, Op: op, NodeID: nodeID, Message: message, Err: err}
}

// NewPermanentError creates a non-retryable provider error.
func NewPermanentError(op, nodeID, message string, err error) *ProviderError {
	return &ProviderError{Class: ErrorClassPermanent, Op: op, NodeID: nodeID, Message: message, Err: err}
}

// IsRetryable returns true if the error is a provider error classified as
// transient or throttled.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Class == ErrorClassTransient || pe.Class == ErrorClassThrottled
	}
	return false
}

// IsThrottled returns true if the error is a throttled provider error.
func IsThrottled(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Class == ErrorClassThrottled
	}
	return false
}

// WaitTimeoutError reports a wait condition that never became true within
// its deadline. The node is marked failed and its dependents blocked.
type WaitTimeoutError struct {
	// NodeID is the resource whose wait condition timed out.
	NodeID string

	// OutputKey is the observed attribute that was polled.
	OutputKey string

	// Expect is the value the attribute never reached.
	Expect string

	// Timeout is the deadline that elapsed.
	Timeout time.Duration
}

func (e *WaitTimeoutError) Error() string {
	return fmt.Sprintf("node %s: wait for %s=%q did not converge within %s",
		e.NodeID, e.OutputKey, e.Expect, e.Timeout)
}

// BlockedError reports why a node was never dispatched.
type BlockedError struct {
	// NodeID is the node that was skipped.
	NodeID string

	// Cause is the failed or blocked node it depends on. Empty when the
	// node was skipped because the run was cancelled.
	Cause string
}

func (e *BlockedError) Error() string {
	if e.Cause == "" {
		return fmt.Sprintf("node %s: skipped, run cancelled", e.NodeID)
	}
	return fmt.Sprintf("node %s: blocked by failed dependency %s", e.NodeID, e.Cause)
}

// ErrDuplicateNode is returned by BuildGraph when two declarations share an
// identity.
var ErrDuplicateNode = errors.New("duplicate node identity")
