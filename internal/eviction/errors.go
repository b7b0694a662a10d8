package eviction

import "errors"

// ErrPersistenceIO is returned when serializing an evicted block to disk
// fails. The caller's recovery path is to skip persistence and discard the
// block rather than fail the eviction itself.
var ErrPersistenceIO = errors.New("eviction: persistence io error")

// ErrInvalidArgument flags programmer error, surfaced immediately.
var ErrInvalidArgument = errors.New("eviction: invalid argument")
