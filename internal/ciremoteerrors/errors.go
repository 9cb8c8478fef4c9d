// Package ciremoteerrors classifies the errors that cross the mirror pool's
// boundary (spec §7). Errors are tagged with a Kind and, for gRPC-adjacent
// callers, carry a grpc/codes classification the way the teacher's
// internal/helper/error.go wraps internal errors even outside of any RPC.
package ciremoteerrors

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind enumerates the error taxonomy of spec §7.
type Kind string

const (
	TransportRecoverable  Kind = "TRANSPORT_RECOVERABLE"
	TransportPermanent    Kind = "TRANSPORT_PERMANENT"
	AuthWrongCredentials  Kind = "AUTH_WRONG_CREDENTIALS"
	RevisionNotFound      Kind = "REVISION_NOT_FOUND"
	SubmoduleMissingConfig Kind = "SUBMODULE_MISSING_CONFIG"
	SubmoduleMissingEntry  Kind = "SUBMODULE_MISSING_ENTRY"
	SubmoduleMissingCommit Kind = "SUBMODULE_MISSING_COMMIT"
	GCDiskFull            Kind = "GC_DISK_FULL"
	GCProcessFailed       Kind = "GC_PROCESS_FAILED"
	GCRenameFailed        Kind = "GC_RENAME_FAILED"
	NativeGitUnavailable  Kind = "NATIVE_GIT_UNAVAILABLE"
	OperationCancelled    Kind = "OPERATION_CANCELLED"
	Internal              Kind = "INTERNAL"
)

// grpcCode maps a Kind to the grpc status code the teacher repo would report
// it as, had this component been exposed over RPC.
func (k Kind) grpcCode() codes.Code {
	switch k {
	case TransportRecoverable:
		return codes.Unavailable
	case TransportPermanent:
		return codes.PermissionDenied
	case AuthWrongCredentials:
		return codes.Unauthenticated
	case RevisionNotFound:
		return codes.NotFound
	case SubmoduleMissingConfig, SubmoduleMissingEntry, SubmoduleMissingCommit:
		return codes.FailedPrecondition
	case GCDiskFull, GCProcessFailed, GCRenameFailed:
		return codes.ResourceExhausted
	case NativeGitUnavailable:
		return codes.Unimplemented
	case OperationCancelled:
		return codes.Canceled
	default:
		return codes.Unknown
	}
}

// Error is a classified error carrying its Kind and an optional cause.
type Error struct {
	kind  Kind
	msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

// Unwrap exposes the wrapped cause to errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.cause }

// GRPCStatus lets the error satisfy interfaces that expect a *status.Status,
// mirroring internal/helper/error.go's statusWrapper.
func (e *Error) GRPCStatus() *status.Status {
	return status.New(e.kind.grpcCode(), e.Error())
}

// New creates a classified error with a plain message.
func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap creates a classified error around an existing cause.
func Wrap(kind Kind, cause error, msg string) *Error {
	return &Error{kind: kind, msg: msg, cause: cause}
}

// Wrapf creates a classified error around an existing cause with a formatted
// message.
func Wrapf(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...), cause: cause}
}

// KindOf extracts the Kind from err, returning Internal if err was not
// produced by this package.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.kind
	}
	return Internal
}

// SubmoduleMissingConfigError carries the context spec §4.F requires:
// the parent repo identity, the commit that should have had a .gitmodules
// blob, and the path that was being resolved.
type SubmoduleMissingConfigError struct {
	*Error
	MainRepoURL   string
	MainCommitSha string
	SubmodulePath string
}

// NewSubmoduleMissingConfig reports a commit with no (or unparsable)
// .gitmodules blob.
func NewSubmoduleMissingConfig(mainRepoURL, mainCommitSha, submodulePath string) *SubmoduleMissingConfigError {
	return &SubmoduleMissingConfigError{
		Error: Newf(SubmoduleMissingConfig, "no .gitmodules found in %s at commit %s for path %q",
			mainRepoURL, mainCommitSha, submodulePath),
		MainRepoURL:   mainRepoURL,
		MainCommitSha: mainCommitSha,
		SubmodulePath: submodulePath,
	}
}

// SubmoduleMissingEntryError reports a .gitmodules blob with no entry for
// the requested path.
type SubmoduleMissingEntryError struct {
	*Error
	MainRepoURL   string
	MainCommitSha string
	SubmodulePath string
}

// NewSubmoduleMissingEntry reports a .gitmodules blob with no entry for path.
func NewSubmoduleMissingEntry(mainRepoURL, mainCommitSha, submodulePath string) *SubmoduleMissingEntryError {
	return &SubmoduleMissingEntryError{
		Error: Newf(SubmoduleMissingEntry, "no submodule entry for path %q in %s at commit %s",
			submodulePath, mainRepoURL, mainCommitSha),
		MainRepoURL:   mainRepoURL,
		MainCommitSha: mainCommitSha,
		SubmodulePath: submodulePath,
	}
}

// SubmoduleMissingCommitError reports that the submodule's pointer commit is
// absent even after a fetch of the sub-mirror.
type SubmoduleMissingCommitError struct {
	*Error
	MainRepoURL      string
	MainCommitSha    string
	SubmodulePath    string
	SubmoduleURL     string
	SubmoduleCommit  string
}

// NewSubmoduleMissingCommit reports that the submodule pointer is unresolvable.
func NewSubmoduleMissingCommit(mainRepoURL, mainCommitSha, submodulePath, submoduleURL, submoduleCommit string) *SubmoduleMissingCommitError {
	return &SubmoduleMissingCommitError{
		Error: Newf(SubmoduleMissingCommit, "commit %s of submodule %q (%s) referenced by %s at %s is missing even after fetch",
			submoduleCommit, submodulePath, submoduleURL, mainRepoURL, mainCommitSha),
		MainRepoURL:     mainRepoURL,
		MainCommitSha:   mainCommitSha,
		SubmodulePath:   submodulePath,
		SubmoduleURL:    submoduleURL,
		SubmoduleCommit: submoduleCommit,
	}
}

// WithBranches returns a copy of the error message annotated with the
// branches of the main repository that reference mainCommitSha, letting the
// Change Collector label the failure precisely (spec §4.E.5).
func (e *SubmoduleMissingCommitError) WithBranches(branches []string) *SubmoduleMissingCommitError {
	if len(branches) == 0 {
		return e
	}
	annotated := *e
	annotated.Error = Wrapf(e.kind, e.cause, "%s (affected branches: %v)", e.msg, branches)
	return &annotated
}

// IsRecoverable reports whether err is eligible for the Fetch Coordinator's
// automatic retry (spec §4.D "Retry"). Wrong-passphrase and other permanent
// auth failures are never retried.
func IsRecoverable(err error) bool {
	return KindOf(err) == TransportRecoverable
}
