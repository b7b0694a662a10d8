package engine

import "errors"

// ErrShapeMismatch flags malformed forward-pass inputs - programmer
// error, surfaced immediately and never retried.
var ErrShapeMismatch = errors.New("engine: shape mismatch")

// ErrKernelFailure wraps an opaque kernel-reported error. The in-flight
// request fails; the scheduler continues.
var ErrKernelFailure = errors.New("engine: kernel failure")
