package syncer

import (
	"errors"
	"fmt"
)

// ErrorKind classifies sync failures for the caller.
type ErrorKind int

const (
	// KindTransient covers network and timeout failures that were retried
	// with backoff and still failed; the next sync attempt may succeed.
	KindTransient ErrorKind = iota
	// KindFatal covers protocol and local-store failures that a retry will
	// not fix.
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// transportKind maps a transport failure to its error kind. Permanent server
// rejections, a revoked credential for instance, are fatal; everything else
// is worth another cycle.
func transportKind(err error) ErrorKind {
	if !retryable(err) {
		return KindFatal
	}
	return KindTransient
}

// SyncError is the single error type SyncNow surfaces. Per-record conflicts
// are not errors: they are counted in the Summary and stay dirty for the
// next pass.
type SyncError struct {
	Kind  ErrorKind
	Table string
	Op    string // "push" or "pull"
	Err   error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync %s %s: %s: %v", e.Op, e.Table, e.Kind, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a recoverable sync failure.
func IsTransient(err error) bool {
	var se *SyncError
	return errors.As(err, &se) && se.Kind == KindTransient
}
