// Package tensors implements a `Tensor`, a representation of a multidimensional array.
//
// Tensors are multidimensional arrays (from scalar with 0 dimensions, to arbitrarily large dimensions), defined
// by their shape (a data type and its axes' dimensions) and their actual content, stored as a flat slice of the
// Go type corresponding to the DType.
//
// Tensors are the values that flow through neural modules, the payload of the collective operations, and the
// unit of checkpointing (Save/Load).
//
// There are various ways to construct a Tensor from local data:
//
//   - FromShape(shape shapes.Shape): creates a tensor with the given shape, and zero values.
//
//   - FromScalarAndDimensions[T dtypes.Supported](value T, dimensions ...int): creates a Tensor with the
//     given dimensions, filled with the scalar value given. `T` must be one of the supported types.
//
//   - FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int): creates a Tensor with the
//     given dimensions and set the flattened values with the given data (copied). `T` must be one of the
//     supported types. Example:
//
//     t := FromFlatDataAndDimensions([]int8{1, 2, 3, 4}, 2, 2) // Tensor with [[1,2], [3,4]]
//
//   - AliasOfFlatData[T dtypes.Supported](data []T, dimensions ...int): like FromFlatDataAndDimensions, but
//     the tensor shares the caller's backing array instead of copying.
//
//   - FromValue[S MultiDimensionSlice](value S): Generic conversion works with the scalar supported `DType`s
//     as well as with any arbitrary multidimensional slice of them. Slices of rank > 1 must be regular, that is
//     all the sub-slices must have the same shape. Example:
//
//     t := FromValue([][]float32{{1, 2}, {3, 5}, {7, 11}})
//
//   - FromAnyValue(value any): same as FromValue but non-generic, it takes an anonymous type `any`. The exception
//     is if `value` is already a tensor, then it is a no-op, and it returns the tensor itself.
//
// Access to the data is done with the ConstFlatData/MutableFlatData family of accessors, which hold the tensor
// lock for the duration of the callback. The accessors hand out the actual backing slice, not a copy.
package tensors

import (
	"sync"

	"github.com/ethan626/tnt/pkg/core/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Tensor represents a multidimensional array (from scalar with 0 dimensions, to arbitrarily large dimensions),
// defined by its shape -- a data type (dtypes.DType) and its axes' dimensions -- and its content, stored as a
// flat (1D) slice of values.
//
// More details in the package documentation.
type Tensor struct {
	// shape of the tensor.
	shape shapes.Shape

	// mu protects flat, but not the shape, which is considered immutable (only cleared
	// when the Tensor is finalized).
	mu sync.Mutex

	// flat holds the data as a slice of the Go type for the shape's dtype.
	// It is nil after the tensor is finalized.
	flat any
}

// must converts an error to a panic. It's a no-op if err==nil.
func must(err error) {
	if err != nil {
		panic(err)
	}
}

// newEmptyTensor returns a Tensor object initialized only with the shape, but no storage yet.
// The returned tensor is invalid until flat data is associated with it.
func newEmptyTensor(shape shapes.Shape) *Tensor {
	return &Tensor{
		shape: shape,
	}
}

// Shape of the tensor, includes DType.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType returns the DType of the tensor's shape.
// It is a shortcut to `Tensor.Shape().DType`.
func (t *Tensor) DType() dtypes.DType {
	if t == nil {
		return dtypes.InvalidDType
	}
	return t.shape.DType
}

// Rank returns the rank of the tensor's shape.
// It is a shortcut to `Tensor.Shape().Rank()`.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// IsScalar returns whether the tensor represents a scalar value.
// It is a shortcut to `Tensor.Shape().IsScalar()`.
func (t *Tensor) IsScalar() bool { return t.shape.IsScalar() }

// Size returns the number of elements in the tensor.
// It is a shortcut to `Tensor.Shape().Size()`.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory returns the number of bytes used to store the tensor. An alias to Tensor.Shape().Memory().
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// Ok returns whether the Tensor is in a valid state: it is not nil, and it hasn't been finalized.
func (t *Tensor) Ok() bool {
	return t != nil && t.shape.Ok() && t.flat != nil
}

// IsFinalized returns true if the tensor has already been finalized and its data freed.
func (t *Tensor) IsFinalized() bool {
	return t == nil || t.flat == nil
}

// CheckValid returns an error if it's nil, has been finalized, or if its shape is invalid.
func (t *Tensor) CheckValid() error {
	if t == nil {
		return errors.New("Tensor is nil")
	}
	if !t.shape.Ok() {
		return errors.New("Tensor shape is invalid")
	}
	if t.flat == nil {
		return errors.New("Tensor has been finalized, or was never associated with data")
	}
	return nil
}

// AssertValid panics if it's nil, has been finalized, or if its shape is invalid.
func (t *Tensor) AssertValid() {
	err := t.CheckValid()
	if err != nil {
		panic(err)
	}
}

// FinalizeAll immediately frees the tensor data and leaves the Tensor in an invalid state.
// Shape is cleared also. It is a no-op if the tensor was already finalized.
//
// It's the caller's responsibility to ensure the tensor data is not being used elsewhere
// (like aliased by another tensor).
func (t *Tensor) FinalizeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.Ok() {
		// Likely already finalized, no-op.
		return
	}
	t.flat = nil
	t.shape = shapes.Invalid()
}
