// Package errclass categorizes upstream failures so adapters and the retry
// driver can decide between retrying, rotating a credential, or giving up.
package errclass

import (
	"errors"
	"fmt"
	"strings"
)

// Class is the failure category of an upstream error.
type Class int

const (
	// Fatal errors are propagated immediately, no retry.
	Fatal Class = iota
	// Retryable errors are transient upstream failures, retried with backoff.
	Retryable
	// KeyInvalid means the credential itself was rejected; rotate, never retry
	// the same key.
	KeyInvalid
	// RateLimited (HTTP 429) is its own class. It is neither retried (that
	// would amplify load against the limit) nor treated as a key failure
	// (the key is healthy, just bursty).
	RateLimited
)

func (c Class) String() string {
	switch c {
	case Retryable:
		return "retryable"
	case KeyInvalid:
		return "key_invalid"
	case RateLimited:
		return "rate_limited"
	default:
		return "fatal"
	}
}

// Sentinel errors shared across the gateway.
var (
	ErrNoCredentials      = errors.New("no credentials available")
	ErrEmptyVisibleStream = errors.New("stream produced no visible text")
	ErrRetryableStream    = errors.New("retryable stream error")
	ErrQuotaExceeded      = errors.New("weekly quota exceeded")
	ErrImagePollTimeout   = errors.New("image generation polling timed out")
)

// transientPhrases are matched case-insensitively against error messages when
// no HTTP status is available (network failures, proxy-mangled bodies).
var transientPhrases = []string{
	"upstream connect error",
	"unavailable",
	"overloaded",
	"rate limit",
	"too many requests",
	"deadline exceeded",
	"backend error",
	"network",
	"fetch failed",
	"quic",
}

var retryableStatuses = map[int]bool{
	408: true, 409: true, 425: true,
	500: true, 502: true, 503: true, 504: true, 524: true,
}

// Classify maps an HTTP status and/or message into a Class. Pass status 0
// when the failure happened before a response arrived. Pure; no side effects.
func Classify(status int, message string) Class {
	switch {
	case retryableStatuses[status]:
		return Retryable
	case status == 401 || status == 403:
		return KeyInvalid
	case status == 429:
		return RateLimited
	}
	lower := strings.ToLower(message)
	for _, phrase := range transientPhrases {
		if strings.Contains(lower, phrase) {
			return Retryable
		}
	}
	return Fatal
}

// ClassifiedError carries the classification alongside the underlying cause
// so the retry loop can inspect it as a value rather than catching by type.
type ClassifiedError struct {
	Class   Class
	Status  int
	Message string
	Err     error
}

func (e *ClassifiedError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("upstream error (status %d, %s): %s", e.Status, e.Class, e.Message)
	}
	return fmt.Sprintf("upstream error (%s): %s", e.Class, e.Message)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// New classifies and wraps in one step.
func New(status int, message string, cause error) *ClassifiedError {
	return &ClassifiedError{
		Class:   Classify(status, message),
		Status:  status,
		Message: message,
		Err:     cause,
	}
}

// ClassOf extracts the class from err, walking the wrap chain. Errors that
// carry no classification are Fatal unless their message matches a transient
// phrase.
func ClassOf(err error) Class {
	if err == nil {
		return Fatal
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	if errors.Is(err, ErrRetryableStream) {
		return Retryable
	}
	return Classify(0, err.Error())
}
