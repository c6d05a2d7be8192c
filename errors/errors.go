// Package errors provides error handling for finkstream.
//
// It re-exports github.com/cockroachdb/errors and defines the marker
// sentinels used to classify failures of a distribution cycle. A failure is
// classified by marking the underlying cause:
//
//	return errors.Mark(errors.Wrap(err, "scan failed"), errors.ErrSourceUnavailable)
//
// and inspected with errors.Is, which sees through the wrapping:
//
//	if errors.Is(err, errors.ErrPublishFailure) {
//	    // window will be retried
//	}
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New      = crdb.New
	Newf     = crdb.Newf
	Wrap     = crdb.Wrap
	Wrapf    = crdb.Wrapf
	Mark     = crdb.Mark
	WithHint = crdb.WithHint
)

// Error inspection
var (
	Is    = crdb.Is
	IsAny = crdb.IsAny
	As    = crdb.As
)

// Failure classes. ErrConfiguration is fatal at startup; every other class is
// contained within a single cycle and retried.
var (
	ErrConfiguration       = crdb.New("configuration error")
	ErrSourceUnavailable   = crdb.New("record source unavailable")
	ErrFilterStage         = crdb.New("filter stage failed")
	ErrPublishFailure      = crdb.New("publish failed")
	ErrMarkFailure         = crdb.New("mark as distributed failed")
	ErrCheckpointFailure   = crdb.New("watermark checkpoint failed")
	ErrWatermarkRegression = crdb.New("watermark regression")
)

// Configurationf builds a configuration error with a formatted message.
func Configurationf(format string, args ...interface{}) error {
	return crdb.Mark(crdb.Newf(format, args...), ErrConfiguration)
}

// IsRetryable reports whether err belongs to a per-cycle failure class that
// the distribution loop retries on the next cycle.
func IsRetryable(err error) bool {
	return crdb.IsAny(err,
		ErrSourceUnavailable,
		ErrFilterStage,
		ErrPublishFailure,
		ErrMarkFailure,
		ErrCheckpointFailure,
	)
}
