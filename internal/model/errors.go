package model

import (
	"fmt"
)

// ShapeMismatchError is returned when a tensor does not match the shape the
// graph declares for its input.
type ShapeMismatchError struct {
	Want []int64
	Got  []int64
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("tensor shape %v does not match model input shape %v", e.Got, e.Want)
}

// UnknownLabelError is returned when an output index has no label. It means
// the label file and the model were packaged from different sources.
type UnknownLabelError struct {
	Index int
	Size  int
}

func (e *UnknownLabelError) Error() string {
	return fmt.Sprintf("no label for class index %d (label mapping has %d entries)", e.Index, e.Size)
}

// InitializationError is fatal: the service must not start.
type InitializationError struct {
	Resource string
	Err      error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("initialize %s: %v", e.Resource, e.Err)
}

func (e *InitializationError) Unwrap() error { return e.Err }

// InferenceError wraps a failure of a single forward pass.
type InferenceError struct {
	Err error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference failed: %v", e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

// InvariantError marks a packaging bug between model and labels.
type InvariantError struct {
	Err error
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violated: %v", e.Err)
}

func (e *InvariantError) Unwrap() error { return e.Err }
