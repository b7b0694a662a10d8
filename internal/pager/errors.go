package pager

import "errors"

// ErrOutOfCapacity propagates arena.ErrOutOfCapacity up through the pager:
// EnsureCapacity returns it without partial growth when allocation fails.
var ErrOutOfCapacity = errors.New("pager: out of capacity")

// ErrUnknownSequence is returned for operations against a sequence id the
// pager never created (or has since deleted).
var ErrUnknownSequence = errors.New("pager: unknown sequence")

// ErrKVMiss is returned by BlockForToken when the addressed slot is the -1
// evicted sentinel.
var ErrKVMiss = errors.New("pager: kv miss, position evicted")

// ErrInvalidArgument flags programmer error, surfaced immediately.
var ErrInvalidArgument = errors.New("pager: invalid argument")
