// Package retry provides exponential backoff retry logic with jitter and
// context cancellation for transient failures across the pipeline.
//
// It is used for transport (re)connection, subscription setup, and
// downstream delivery, where bounded retry budgets are required: no caller
// may block ingestion indefinitely.
//
// Basic usage:
//
//	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
//	    return nc.Publish(subject, payload)
//	})
//
// Errors wrapped with NonRetryable fail immediately without consuming the
// remaining attempts.
package retry
