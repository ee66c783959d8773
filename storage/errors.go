package storage

import "errors"

var (
	// ErrNotFound is returned when a retrieved key does not exist in the
	// database. It is expected during normal operation: callers probing for
	// prior operations or uninitialized counters handle it explicitly.
	ErrNotFound = errors.New("key not found")

	// ErrAlreadyExists is returned when an insert targets an existing key.
	ErrAlreadyExists = errors.New("key already exists")

	// ErrDataMismatch is returned when an index insert would overwrite an
	// existing entry with different data.
	ErrDataMismatch = errors.New("data for key is different")
)
