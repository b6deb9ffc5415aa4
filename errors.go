package wim

import (
	"fmt"

	"golang.org/x/xerrors"
)

// ErrorKind is one of the stable error kinds from spec.md §7. Callers
// match on kind with errors.As against *Error, not on message text.
type ErrorKind int

const (
	ErrRead ErrorKind = iota
	ErrWrite
	ErrOpen
	ErrSeek
	ErrDecompressionFailed
	ErrInvalidResourceHash
	ErrInvalidReparseData
	ErrInvalidMetadata
	ErrInvalidHeader
	ErrInvalidSecurityData
	ErrUnsupported
	ErrImageNameCollision
	ErrNoImage
	ErrNotADirectory
	ErrImageCountMismatch
	ErrOutOfMemory
	ErrCancelled
	ErrNtfsVolume
)

func (k ErrorKind) String() string {
	switch k {
	case ErrRead:
		return "read"
	case ErrWrite:
		return "write"
	case ErrOpen:
		return "open"
	case ErrSeek:
		return "seek"
	case ErrDecompressionFailed:
		return "decompression failed"
	case ErrInvalidResourceHash:
		return "invalid resource hash"
	case ErrInvalidReparseData:
		return "invalid reparse data"
	case ErrInvalidMetadata:
		return "invalid metadata"
	case ErrInvalidHeader:
		return "invalid header"
	case ErrInvalidSecurityData:
		return "invalid security data"
	case ErrUnsupported:
		return "unsupported"
	case ErrImageNameCollision:
		return "image name collision"
	case ErrNoImage:
		return "no image"
	case ErrNotADirectory:
		return "not a directory"
	case ErrImageCountMismatch:
		return "image count mismatch"
	case ErrOutOfMemory:
		return "out of memory"
	case ErrCancelled:
		return "cancelled"
	case ErrNtfsVolume:
		return "ntfs volume"
	default:
		return "unknown"
	}
}

// Error carries an ErrorKind plus the context the teacher's layers
// accumulate on the way up (path, offset, operation), wrapping an
// optional underlying cause with xerrors so %w chains still work.
type Error struct {
	Kind ErrorKind
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Path != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Kind, e.Path, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Path != "":
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Path)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, wim.ErrInvalidMetadata)-style kind checks
// when compared against a bare ErrorKind wrapped as an *Error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// NewError builds an *Error, wrapping err with operation/path context
// the way each layer in the teacher's error chain adds its own frame.
func NewError(kind ErrorKind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// Wrap adds another layer of op/path context to an existing error
// without discarding its kind, mirroring xerrors.Errorf("%s: %w", ...)
// used throughout internal/build and internal/install.
func Wrap(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var we *Error
	if xerrors.As(err, &we) {
		return xerrors.Errorf("%s: %s: %w", op, path, err)
	}
	return xerrors.Errorf("%s: %s: %w", op, path, err)
}

// Warning is a non-fatal condition surfaced alongside a successful
// result (spec.md §9's "permissive reader" behaviors, §4.5's
// LinkGroupInconsistent, §7's best-effort XML-property OOM).
type Warning struct {
	Kind    string
	Message string
}

func (w Warning) String() string {
	return fmt.Sprintf("%s: %s", w.Kind, w.Message)
}
