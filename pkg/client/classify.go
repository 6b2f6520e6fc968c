package client

import (
	"bytes"
	"context"
	"errors"
	"net/http"

	"github.com/Sternrassler/quote-client/pkg/failure"
)

// Classifier maps one failed attempt to a failure class. Implementations are
// called once per failure; the result is never revisited.
type Classifier interface {
	// Classify returns the class for a response status and body, or for a
	// transport error when err is non-nil. It returns "" for success.
	Classify(statusCode int, body []byte, err error) failure.Class
}

// ClassifierFunc adapts a function to the Classifier interface.
type ClassifierFunc func(statusCode int, body []byte, err error) failure.Class

// Classify calls f.
func (f ClassifierFunc) Classify(statusCode int, body []byte, err error) failure.Class {
	return f(statusCode, body, err)
}

// rateLimitMarkers are matched case-insensitively against 500 response bodies.
var rateLimitMarkers = [][]byte{
	[]byte("rate limit"),
	[]byte("rate-limit"),
	[]byte("ratelimit"),
	[]byte("too many requests"),
	[]byte("quota exceeded"),
}

// HTTPClassifier classifies by status code, inspecting the body only for
// generic 500s.
//
//   - transport error: transient (fatal when the context was cancelled)
//   - 502, 503, 504: transient
//   - 429: rate-limited
//   - 500: rate-limited if the body mentions a rate limit, otherwise transient
//   - any other non-2xx: fatal
type HTTPClassifier struct{}

// Classify implements Classifier.
func (HTTPClassifier) Classify(statusCode int, body []byte, err error) failure.Class {
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return failure.ClassFatal
		}
		return failure.ClassTransientUpstream
	}

	switch {
	case statusCode >= 200 && statusCode < 300:
		return ""
	case statusCode == http.StatusBadGateway,
		statusCode == http.StatusServiceUnavailable,
		statusCode == http.StatusGatewayTimeout:
		return failure.ClassTransientUpstream
	case statusCode == http.StatusTooManyRequests:
		return failure.ClassRateLimited
	case statusCode == http.StatusInternalServerError:
		if HasRateLimitMarker(body) {
			return failure.ClassRateLimited
		}
		return failure.ClassTransientUpstream
	default:
		return failure.ClassFatal
	}
}

// HasRateLimitMarker reports whether body carries a rate-limit indicator.
func HasRateLimitMarker(body []byte) bool {
	lower := bytes.ToLower(body)
	for _, marker := range rateLimitMarkers {
		if bytes.Contains(lower, marker) {
			return true
		}
	}
	return false
}
