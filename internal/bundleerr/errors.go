// Package bundleerr provides the error-kind taxonomy used across the
// update engine, modeled on the registration/description pattern of
// registry/api/errcode, minus the HTTP-status coupling: this is not a
// server, so each kind instead carries whether the engine's retry loop
// may retry it.
package bundleerr

import "fmt"

// Kind identifies a class of failure from the taxonomy in the engine's
// error handling design. It is a closed set: new kinds are added here,
// not invented ad hoc at call sites.
type Kind string

const (
	// KindNetwork covers TCP resets, DNS failures, HTTP 408/429/5xx, and
	// file:// IO errors other than not-found. Retryable.
	KindNetwork Kind = "network"
	// KindParse covers malformed manifest JSON. Not retryable.
	KindParse Kind = "parse"
	// KindSignature covers an Ed25519 verification failure. Not retryable.
	KindSignature Kind = "signature"
	// KindPlatform covers a manifest that does not declare the running
	// platform. Not retryable.
	KindPlatform Kind = "platform"
	// KindShellTooOld covers shellVersion < manifest.minShellVersion. Not
	// retryable in the ordinary sense; it is surfaced as its own event.
	KindShellTooOld Kind = "shell-too-old"
	// KindHashMismatch covers a downloaded blob whose digest does not
	// match what the manifest declared. Not retryable for that blob.
	KindHashMismatch Kind = "hash-mismatch"
	// KindIntegrityGap covers a blob required by materialization that is
	// missing from the CAS. Not retryable.
	KindIntegrityGap Kind = "missing-in-cas"
	// KindFilesystemOp covers a failed link, rename, or delete. Not
	// retryable.
	KindFilesystemOp Kind = "fs"
	// KindCancelled covers an externally cancelled operation. Not
	// retryable.
	KindCancelled Kind = "cancelled"
)

// retryable records, per kind, whether the engine's backoff loop may
// retry an operation that failed with that kind. This is the single
// source of truth referenced by both the Fetcher's classification and
// the UpdateEngine's retry loop.
var retryable = map[Kind]bool{
	KindNetwork:      true,
	KindParse:        false,
	KindSignature:    false,
	KindPlatform:     false,
	KindShellTooOld:  false,
	KindHashMismatch: false,
	KindIntegrityGap: false,
	KindFilesystemOp: false,
	KindCancelled:    false,
}

// Error is a bundleerr-classified error: a Kind plus the underlying
// cause and optional free-form detail for diagnostics.
type Error struct {
	Kind   Kind
	Reason string
	Cause  error

	// retryOverride, when non-nil, takes precedence over the Kind's
	// default retryability. The Fetcher needs this: an HTTP 4xx other
	// than 408/429 is a KindNetwork failure (it happened talking to the
	// server) but, unlike every other KindNetwork case, must not be
	// retried.
	retryOverride *bool
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether the engine's backoff loop may retry the
// operation that produced err. Non-bundleerr errors are treated as
// non-retryable, since only classified failures are known to be safe to
// repeat.
func Retryable(err error) bool {
	var be *Error
	if !asError(err, &be) {
		return false
	}
	if be.retryOverride != nil {
		return *be.retryOverride
	}
	return retryable[be.Kind]
}

// asError is a tiny errors.As wrapper kept local to avoid importing
// "errors" into this file's symbol table twice when callers also need
// errors.As for their own wrapping chains.
func asError(err error, target **Error) bool {
	for err != nil {
		if be, ok := err.(*Error); ok {
			*target = be
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// New constructs a classified error.
func New(kind Kind, reason string, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, Cause: cause}
}

// NewWithRetry constructs a classified error whose retryability overrides
// kind's default, for the cases where a single kind covers both retryable
// and non-retryable instances (the Fetcher uses it for every non-2xx HTTP
// status and for file:// paths that are missing or are directories).
func NewWithRetry(kind Kind, reason string, cause error, retry bool) *Error {
	return &Error{Kind: kind, Reason: reason, Cause: cause, retryOverride: &retry}
}

// Of reports the Kind of err, or "" if err is not a *Error (or wrapping
// one).
func Of(err error) Kind {
	var be *Error
	if !asError(err, &be) {
		return ""
	}
	return be.Kind
}
