// Package errors provides standardized error handling patterns for hydrostream.
//
// # Overview
//
// The package implements a three-class error classification system for the
// telemetry pipeline: Transient (temporary, retryable), Invalid (bad input,
// non-retryable), and Fatal (unrecoverable, stop processing). On top of the
// classes it defines the pipeline's rejection taxonomy: a rejection is a
// per-reading failure (malformed payload, missing interpolation context,
// out-of-range value, stale timestamp, unknown sensor) that discards the
// offending reading and lets the stream continue.
//
// # Quick Start
//
// Return standard error variables for known conditions:
//
//	if occupancy >= capacity {
//	    return errors.ErrBufferFull
//	}
//
// Wrap errors with component context:
//
//	if err := publisher.Deliver(ctx, cleaned, verdict); err != nil {
//	    return errors.WrapTransient(err, "natspub", "Deliver", "publish pair")
//	}
//
// Check classification for retry logic:
//
//	if errors.IsTransient(err) {
//	    // schedule a retry
//	}
//
// Rejections are checked separately because they are recovered locally and
// never retried:
//
//	if errors.IsRejection(err) {
//	    monitor.RecordOutcome(monitor.OutcomeError)
//	    return nil // reading dropped, pipeline continues
//	}
package errors
