package engine

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/rish2jain/youcom-sub007/internal/breaker"
)

// AdapterErrorKind classifies upstream call failures.
type AdapterErrorKind string

const (
	// AdapterTimeout covers deadline and cancellation failures on the wire.
	AdapterTimeout AdapterErrorKind = "timeout"
	// AdapterHTTP covers non-2xx responses and connection failures, which
	// carry StatusCode 0.
	AdapterHTTP AdapterErrorKind = "http"
	// AdapterParse covers responses that arrived but could not be decoded or
	// failed validation. Parsing fails closed; partial payloads are never
	// returned.
	AdapterParse AdapterErrorKind = "parse"
)

// AdapterError is the typed failure for a single upstream call.
type AdapterError struct {
	Source     SourceKind
	Kind       AdapterErrorKind
	StatusCode int
	Err        error
}

func (e *AdapterError) Error() string {
	switch e.Kind {
	case AdapterHTTP:
		if e.StatusCode > 0 {
			return fmt.Sprintf("%s adapter: http %d", e.Source, e.StatusCode)
		}
		return fmt.Sprintf("%s adapter: connection: %v", e.Source, e.Err)
	default:
		return fmt.Sprintf("%s adapter: %s: %v", e.Source, e.Kind, e.Err)
	}
}

func (e *AdapterError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt could plausibly succeed.
// Malformed payloads and non-429 client errors are permanent.
func (e *AdapterError) Retryable() bool {
	switch e.Kind {
	case AdapterTimeout:
		return true
	case AdapterParse:
		return false
	default:
		return e.StatusCode == 0 || e.StatusCode == 429 || e.StatusCode >= 500
	}
}

// CountsAgainstBreaker reports whether the failure signals an unhealthy
// upstream. Client errors prove the upstream is alive and judging requests,
// so they neither count nor reset.
func (e *AdapterError) CountsAgainstBreaker() bool {
	switch e.Kind {
	case AdapterTimeout, AdapterParse:
		return true
	default:
		return e.StatusCode == 0 || e.StatusCode >= 500
	}
}

// PlanningError rejects a request before any upstream work starts.
type PlanningError struct {
	Reason string
}

func (e *PlanningError) Error() string { return "planning: " + e.Reason }

// AggregationFailure is returned when every planned source failed and no
// card can honestly be produced.
type AggregationFailure struct {
	Entity  string
	Reasons map[SourceKind]ReasonCode
}

func (e *AggregationFailure) Error() string {
	return fmt.Sprintf("aggregation failed for %q: all %d planned sources failed", e.Entity, len(e.Reasons))
}

// countsAgainstBreaker is the failure classifier wired into every breaker.
func countsAgainstBreaker(err error) bool {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae.CountsAgainstBreaker()
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return err != nil
}

// reasonFor maps a stage error to the card's reason code.
func reasonFor(err error) ReasonCode {
	if breaker.IsOpen(err) {
		return ReasonBreakerOpen
	}
	var ae *AdapterError
	if errors.As(err, &ae) {
		switch ae.Kind {
		case AdapterTimeout:
			return ReasonTimeout
		case AdapterParse:
			return ReasonMalformed
		default:
			return ReasonUpstreamError
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ReasonDeadlineExceeded
	}
	return ReasonUpstreamError
}

// transportError classifies an http.Client error for source.
func transportError(source SourceKind, err error) *AdapterError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &AdapterError{Source: source, Kind: AdapterTimeout, Err: err}
	}
	var ue *url.Error
	if errors.As(err, &ue) && ue.Timeout() {
		return &AdapterError{Source: source, Kind: AdapterTimeout, Err: err}
	}
	return &AdapterError{Source: source, Kind: AdapterHTTP, StatusCode: 0, Err: err}
}
