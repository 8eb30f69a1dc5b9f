// Package chronoserr defines the typed error taxonomy every engine and
// provider in chronos returns through, so callers can branch on Kind with
// errors.As instead of string-matching messages.
package chronoserr

import (
	"errors"
	"fmt"
	"os"
)

// Kind classifies a failure the way the imaging engine's error design groups
// them: transient vs terminal, and by which layer detected the fault. The
// named values mirror the core's published error codes one-for-one so a
// caller can branch on Kind instead of matching message text.
type Kind string

const (
	// KindDeviceNotConnected means the disk or partition index a caller
	// named could not be resolved to a live device (unplugged, not present).
	KindDeviceNotConnected Kind = "device_not_connected"
	// KindDeviceIoError covers read/write failures against a disk, volume,
	// or container backing file once it was successfully opened. Never
	// retried automatically; surfaced with the offending offset when known.
	KindDeviceIoError Kind = "device_io_error"
	// KindAccessDenied means the OS refused the open/write because of
	// permissions; the host is expected to elevate and retry, not chronos.
	KindAccessDenied Kind = "access_denied"
	// KindInvalidParameter is assertion-grade: a malformed descriptor or
	// other caller-supplied value that indicates a defective call into the
	// core, not a runtime condition.
	KindInvalidParameter Kind = "invalid_parameter"
	// KindPathNotFound means a filesystem path a caller named (an image
	// file, a job file) does not exist.
	KindPathNotFound Kind = "path_not_found"
	// KindIncompleteBackup means a backup's copy step read fewer bytes
	// (bytes skipped as all-zero included) than the range plan expected;
	// the operation is fatal and the core
	// refuses to claim success, but leaves the partial output in place.
	KindIncompleteBackup Kind = "incomplete_backup"
	// KindImageUndersized means a source or destination image is smaller
	// than its sidecar's expected allocated size (or is empty outright).
	KindImageUndersized Kind = "image_undersized"
	// KindSectorSizeMismatch means a restore source (per its sidecar) and
	// target disagree on logical sector size; no geometry translation is
	// attempted.
	KindSectorSizeMismatch Kind = "sector_size_mismatch"
	// KindTargetTooSmall means a restore target is smaller than its source
	// image by more than the tolerance a plain-image restore allows.
	KindTargetTooSmall Kind = "target_too_small"
	// KindSystemDiskProtected means an operation would overwrite a system or
	// boot disk without ForceOverwrite.
	KindSystemDiskProtected Kind = "system_disk_protected"
	// KindSourceEqualsDestination means a clone's source and destination
	// name the same device.
	KindSourceEqualsDestination Kind = "source_equals_destination"
	// KindCancelled means an operation observed ctx.Err() at a cancellation
	// checkpoint and unwound cleanly. Not an error for the user, but a
	// distinct outcome that must never be reported as an I/O kind.
	KindCancelled Kind = "cancelled"

	// KindDeviceBusy means the destination is held by another process
	// (locked volume, mounted filesystem) during volume preparation, and
	// the caller should resolve that before retrying. Not one of the core's
	// published codes; narrower than KindDeviceIoError for this one case.
	KindDeviceBusy Kind = "device_busy"
	// KindCorruptSidecar means a .chronos.json failed schema validation or
	// hash verification. Not one of the core's published codes.
	KindCorruptSidecar Kind = "corrupt_sidecar"
	// KindUnsupported means a feature/platform combination chronos does not
	// implement (e.g. a container restore source with no container service
	// configured, or a compressed image with no codec configured). Not one
	// of the core's published codes.
	KindUnsupported Kind = "unsupported"
)

// Error is the typed error wrapped through chronos's layers. Offset is the
// byte offset into the source/destination stream the failure relates to,
// when known; zero otherwise.
type Error struct {
	Kind   Kind
	Offset int64
	Op     string
	Err    error
}

func (e *Error) Error() string {
	if e.Offset != 0 {
		return fmt.Sprintf("%s: %s at offset %d: %v", e.Op, e.Kind, e.Offset, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with the given kind and operation name.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// AtOffset is New with an associated byte offset.
func AtOffset(kind Kind, op string, offset int64, err error) *Error {
	return &Error{Kind: kind, Op: op, Offset: offset, Err: err}
}

// FromOSError classifies a filesystem/device error from the os package into
// one of the core's distinguishable codes: a missing path, a permission
// failure, or (the default) a generic device I/O error.
func FromOSError(op string, err error) *Error {
	switch {
	case os.IsNotExist(err):
		return New(KindPathNotFound, op, err)
	case os.IsPermission(err):
		return New(KindAccessDenied, op, err)
	default:
		return New(KindDeviceIoError, op, err)
	}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
