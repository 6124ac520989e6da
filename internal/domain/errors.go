package domain

import (
	"errors"
	"strings"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrIdempotencyConflict = errors.New("idempotency conflict")
	ErrRateLimited         = errors.New("rate limited")
	ErrUpstreamTimeout     = errors.New("upstream timeout")
	ErrUpstreamRateLimit   = errors.New("upstream rate limit")
	ErrSchemaInvalid       = errors.New("schema invalid")
	ErrInternal            = errors.New("internal error")
)

var retryablePatterns = []string{
	"timeout",
	"rate limit",
	"network",
	"temporary",
	"temporarily",
	"unavailable",
	"busy",
	"overloaded",
}

// IsRetryableError classifies a handler or upstream error as transient.
// Message hints win over the sentinel chain: an upstream timeout wrapped in a
// permanent sentinel is still worth retrying.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range retryablePatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	switch {
	case errors.Is(err, ErrInvalidArgument),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrConflict),
		errors.Is(err, ErrIdempotencyConflict),
		errors.Is(err, ErrSchemaInvalid):
		return false
	}
	return true
}
