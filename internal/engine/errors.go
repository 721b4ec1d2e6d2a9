package engine

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/aws/smithy-go"
)

// Graph construction errors. Both are fatal and surface before any remote
// call is made.
var (
	ErrCycleDetected       = errors.New("dependency cycle detected")
	ErrUnresolvedReference = errors.New("unresolved reference")
)

// ProviderError wraps an error returned by a provider call and records
// whether the executor may retry it.
type ProviderError struct {
	Err       error
	Transient bool
}

func (e *ProviderError) Error() string {
	if e.Transient {
		return fmt.Sprintf("transient provider error: %v", e.Err)
	}
	return fmt.Sprintf("provider error: %v", e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Transient marks err as retryable.
func Transient(err error) error {
	return &ProviderError{Err: err, Transient: true}
}

// Permanent marks err as not retryable.
func Permanent(err error) error {
	return &ProviderError{Err: err, Transient: false}
}

// smithyTransientCodes are AWS API error codes worth retrying.
var smithyTransientCodes = map[string]bool{
	"Throttling":                             true,
	"ThrottlingException":                    true,
	"TooManyRequestsException":               true,
	"RequestLimitExceeded":                   true,
	"ServiceUnavailable":                     true,
	"ServiceUnavailableError":                true,
	"InternalFailure":                        true,
	"InternalError":                          true,
	"RequestTimeout":                         true,
	"RequestTimeoutException":                true,
	"PriorRequestNotComplete":                true,
	"ProvisionedThroughputExceededException": true,
}

// transientPatterns is the fallback substring classification for errors that
// carry no typed code.
var transientPatterns = []string{
	"throttl",
	"rate exceed",
	"too many requests",
	"request limit",
	"service unavailable",
	"internal server error",
	"connection reset",
	"connection refused",
	"timeout",
	"tls handshake",
	"i/o timeout",
	"temporary failure",
}

// IsTransient reports whether an error is likely transient and worth
// retrying with backoff.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Transient
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if smithyTransientCodes[apiErr.ErrorCode()] {
			return true
		}
		if apiErr.ErrorFault() == smithy.FaultServer {
			return true
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
