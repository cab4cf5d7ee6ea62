package storage

import (
	"errors"
)

var (
	// ErrNotFound is returned when a requested key or snapshot does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStorageIO wraps transient read/write failures of the backing
	// storage. Callers retry these with bounded backoff; after exhaustion
	// they are fatal for the run.
	ErrStorageIO = errors.New("storage i/o failure")

	// ErrCapacityExceeded is returned when the backing storage is full. It is
	// fatal and never retried.
	ErrCapacityExceeded = errors.New("storage capacity exceeded")

	// ErrSnapshotCommitted is returned on writes to a snapshot that was
	// already committed.
	ErrSnapshotCommitted = errors.New("snapshot already committed")
)
