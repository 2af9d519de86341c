package pipeline

import (
	"errors"
	"fmt"
)

// ErrSessionExpired is returned by Session.Current once the suspicion
// threshold is crossed; the orchestrator halts new dispatch on it.
var ErrSessionExpired = errors.New("session expired")

// ErrorKind classifies a fetch failure for the retry decision.
type ErrorKind string

// Failure taxonomy. Transport, authorization, and proxy failures are
// retryable; structural failures indicate an upstream contract change and
// are surfaced immediately; exhausted marks items past their retry budget.
const (
	KindTransport     ErrorKind = "transport"
	KindAuthorization ErrorKind = "authorization"
	KindStructural    ErrorKind = "structural"
	KindProxy         ErrorKind = "proxy"
	KindExhausted     ErrorKind = "exhausted"
)

// Retryable reports whether a failure of this kind may be replayed.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindTransport, KindAuthorization, KindProxy:
		return true
	default:
		return false
	}
}

// FetchError is the typed outcome of a failed fetch attempt.
type FetchError struct {
	Kind ErrorKind
	SKU  string
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch sku %s: %s: %v", e.SKU, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// NewFetchError wraps err with its classification.
func NewFetchError(kind ErrorKind, sku string, err error) *FetchError {
	return &FetchError{Kind: kind, SKU: sku, Err: err}
}

// KindOf extracts the classification from err, defaulting to transport so
// unclassified failures stay retryable.
func KindOf(err error) ErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindTransport
}
