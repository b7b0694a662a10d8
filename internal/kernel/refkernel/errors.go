package refkernel

import (
	"errors"
	"fmt"
)

// ErrShapeMismatch is returned when an operator's inputs don't satisfy its
// documented shape contract.
var ErrShapeMismatch = errors.New("refkernel: shape mismatch")

func shapeError(op string, shapes ...[]int) error {
	return fmt.Errorf("%w: %s got shapes %v", ErrShapeMismatch, op, shapes)
}
