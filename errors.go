package mlxr

import "errors"

// ErrSchedulerClosed is returned by Submit/Fork after Close.
var ErrSchedulerClosed = errors.New("mlxr: scheduler closed")

// ErrOutOfCapacity surfaces a capacity failure that survived eviction and
// preemption: the request that triggered it fails; the
// scheduler keeps running.
var ErrOutOfCapacity = errors.New("mlxr: out of capacity")

// ErrTimeout marks a request that exceeded its wall-clock deadline.
var ErrTimeout = errors.New("mlxr: request deadline exceeded")

// ErrCancelled marks an externally cancelled request.
var ErrCancelled = errors.New("mlxr: request cancelled")

// ErrInvalidArgument flags malformed requests, surfaced immediately.
var ErrInvalidArgument = errors.New("mlxr: invalid argument")
