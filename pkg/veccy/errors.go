package veccy

import (
	"context"
	"errors"

	"github.com/skanga/veccy/pkg/config"
	"github.com/skanga/veccy/pkg/index"
	"github.com/skanga/veccy/pkg/math/vector"
	"github.com/skanga/veccy/pkg/persist"
	"github.com/skanga/veccy/pkg/quantize"
	"github.com/skanga/veccy/pkg/storage"
)

// Boundary error kinds. Every error leaving the facade matches exactly
// one of these via errors.Is; the underlying cause stays on the chain.
var (
	// ErrInvalid reports malformed input: dimension mismatch, non-finite
	// values, empty query, non-positive k, unknown metric, bad config.
	ErrInvalid = errors.New("veccy: invalid argument")
	// ErrNotFound reports a missing record.
	ErrNotFound = errors.New("veccy: not found")
	// ErrNotInitialized reports an operation before Init or after Close.
	ErrNotInitialized = errors.New("veccy: not initialized")
	// ErrInitialization reports a failed Init; partial progress was
	// rolled back.
	ErrInitialization = errors.New("veccy: initialization failed")
	// ErrConflict reports a concurrent-writer violation. The current
	// index serializes writers behind a blocking lock, so this kind is
	// reserved for non-blocking locking schemes.
	ErrConflict = errors.New("veccy: write conflict")
	// ErrIO reports an underlying persistence read/write failure.
	ErrIO = errors.New("veccy: io failure")
	// ErrCorruption reports a snapshot checksum or format mismatch.
	ErrCorruption = errors.New("veccy: corrupt data")
	// ErrCancelled reports a batch operation stopped early by the
	// caller's context.
	ErrCancelled = errors.New("veccy: cancelled")
	// ErrInternal reports an invariant violation; it indicates a bug.
	ErrInternal = errors.New("veccy: internal error")
)

// mapError classifies a lower-layer error into a boundary kind, keeping
// the original on the chain. Errors already classified pass through.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrInvalid), errors.Is(err, ErrNotFound),
		errors.Is(err, ErrNotInitialized), errors.Is(err, ErrCancelled),
		errors.Is(err, ErrCorruption), errors.Is(err, ErrIO),
		errors.Is(err, ErrInternal):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return errors.Join(ErrCancelled, err)
	case errors.Is(err, storage.ErrNotFound):
		return errors.Join(ErrNotFound, err)
	case errors.Is(err, vector.ErrDimensionMismatch),
		errors.Is(err, vector.ErrNonFinite),
		errors.Is(err, vector.ErrUnknownMetric),
		errors.Is(err, index.ErrEmptyQuery),
		errors.Is(err, index.ErrInvalidK),
		errors.Is(err, index.ErrBadBatch),
		errors.Is(err, storage.ErrInvalidRecord),
		errors.Is(err, storage.ErrInvalidCursor),
		errors.Is(err, quantize.ErrBadSubspaces),
		errors.Is(err, quantize.ErrEmptySample),
		errors.Is(err, quantize.ErrInvalidSample),
		errors.Is(err, config.ErrInvalid):
		return errors.Join(ErrInvalid, err)
	case errors.Is(err, persist.ErrCorrupt),
		errors.Is(err, storage.ErrCorruptedLog),
		errors.Is(err, index.ErrSnapshotCorrupt):
		return errors.Join(ErrCorruption, err)
	case errors.Is(err, storage.ErrClosed),
		errors.Is(err, index.ErrClosed),
		errors.Is(err, persist.ErrClosed):
		return errors.Join(ErrNotInitialized, err)
	default:
		return errors.Join(ErrIO, err)
	}
}
