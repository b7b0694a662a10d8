package arena

import "errors"

// ErrOutOfCapacity is returned when the arena cannot satisfy an allocation
// from either tier. It is recoverable: callers (the pager, then the
// scheduler) retry after eviction or preemption.
var ErrOutOfCapacity = errors.New("arena: out of capacity")

// ErrUnknownBlock is returned when an operation references a block id the
// arena never issued or has already fully released bookkeeping for.
var ErrUnknownBlock = errors.New("arena: unknown block id")

// ErrInvalidArgument flags programmer error (malformed shapes, negative
// counts) - surfaced immediately, never retried.
var ErrInvalidArgument = errors.New("arena: invalid argument")
