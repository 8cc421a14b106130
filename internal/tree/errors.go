package tree

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidPath reports an empty or malformed path component.
	ErrInvalidPath = errors.New("invalid path")

	// ErrNotFound reports an unknown inode, path or child name.
	ErrNotFound = errors.New("not found")

	// ErrNotDirectory reports a directory operation on a file.
	ErrNotDirectory = errors.New("not a directory")

	// ErrNotFile reports a file operation on a directory.
	ErrNotFile = errors.New("not a regular file")

	// ErrAlreadyExists reports a name collision inside a directory.
	ErrAlreadyExists = errors.New("already exists")

	// ErrSourceFetchFailed reports a failed item list fetch.
	ErrSourceFetchFailed = errors.New("source fetch failed")

	// ErrNoPayload reports a payload file with no local data to serve.
	ErrNoPayload = errors.New("payload not available")
)

// Error records the operation and path that produced an error.
type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(op, path string, err error) error {
	return &Error{Op: op, Path: path, Err: err}
}
