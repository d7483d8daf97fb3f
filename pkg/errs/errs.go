// Package errs classifies errors by how the rest of the system should react
// to them: retry, report upstream, or cancel the timeline. Every subsystem
// wraps its failures into one of these kinds so callers can branch on
// errors.As instead of string matching.
package errs

import "fmt"

// Transient wraps an error that is expected to resolve on retry (network
// hiccups, blob-store 5xx, disk EAGAIN). Callers should back off and retry.
type Transient struct{ Err error }

func (e *Transient) Error() string { return "transient: " + e.Err.Error() }
func (e *Transient) Unwrap() error { return e.Err }

func WrapTransient(err error) error {
	if err == nil {
		return nil
	}
	return &Transient{Err: err}
}

// Cancelled wraps an error caused by task or timeline cancellation. It is
// never fatal and should not be logged at error level.
type Cancelled struct{ Err error }

func (e *Cancelled) Error() string { return "cancelled: " + e.Err.Error() }
func (e *Cancelled) Unwrap() error { return e.Err }

func WrapCancelled(err error) error {
	if err == nil {
		return nil
	}
	return &Cancelled{Err: err}
}

// StaleTerm means a safekeeper rejected a message because its persisted
// term is higher than the sender's. It is reported back to the proposer,
// which is expected to step down; it is never fatal to the safekeeper.
type StaleTerm struct {
	Local uint64
	Msg   uint64
}

func (e *StaleTerm) Error() string {
	return fmt.Sprintf("stale term: local=%d msg=%d", e.Local, e.Msg)
}

// Fatal wraps an invariant violation (commit LSN regression, a WAL hole,
// persisted-state corruption). The caller must cancel the owning timeline;
// further requests against it should fail with Cancelled until an operator
// intervenes.
type Fatal struct{ Err error }

func (e *Fatal) Error() string { return "fatal: " + e.Err.Error() }
func (e *Fatal) Unwrap() error { return e.Err }

func WrapFatal(err error) error {
	if err == nil {
		return nil
	}
	return &Fatal{Err: err}
}

// PermanentLoadFailure reports a broken layer file: summary magic or
// format-version mismatch, checksum mismatch, or corrupt index. No broken
// state is recorded on the layer: pkg/layerobj returns this error from
// GetOrDownload and leaves the handle Evicted, so a later call downloads
// and opens the layer again.
type PermanentLoadFailure struct {
	LayerName string
	Err       error
}

func (e *PermanentLoadFailure) Error() string {
	return fmt.Sprintf("permanent load failure for layer %s: %v", e.LayerName, e.Err)
}
func (e *PermanentLoadFailure) Unwrap() error { return e.Err }
