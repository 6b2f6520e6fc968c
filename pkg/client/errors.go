package client

import (
	"errors"

	"github.com/Sternrassler/quote-client/pkg/failure"
)

// ErrContextCancelled is returned when the context ends during a backoff wait.
var ErrContextCancelled = errors.New("context cancelled")

// shouldRetry determines if a failure class is retried.
func shouldRetry(class failure.Class) bool {
	switch class {
	case failure.ClassTransientUpstream:
		// Upstream instability: gateway errors, unavailable, network
		return true
	case failure.ClassRateLimited:
		// Retrying would amplify the pressure; surface it so the caller backs off
		return false
	default:
		return false
	}
}
