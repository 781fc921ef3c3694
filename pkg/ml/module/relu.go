package module

import (
	"github.com/ethan626/tnt/pkg/core/tensors"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// ReLU applies max(0, x) elementwise. It has no parameters and accepts any float shape.
type ReLU struct {
	name      string
	lastInput *tensors.Tensor
}

var _ Module = (*ReLU)(nil)

// NewReLU creates a ReLU activation module.
func NewReLU(name string) *ReLU {
	return &ReLU{name: name}
}

// Name of the module instance.
func (r *ReLU) Name() string { return r.name }

// Parameters returns nil, ReLU is stateless.
func (r *ReLU) Parameters() []*Parameter { return nil }

// Forward computes max(0, x) elementwise. The input is cached for the following Backward call.
func (r *ReLU) Forward(x *tensors.Tensor) *tensors.Tensor {
	x.AssertValid()
	r.lastInput = x
	out := x.Clone()
	switch x.DType() {
	case dtypes.Float32:
		reluKernel[float32](out)
	case dtypes.Float64:
		reluKernel[float64](out)
	default:
		exceptions.Panicf("module.ReLU(%q): dtype %s not supported, use Float32 or Float64",
			r.name, x.DType())
	}
	return out
}

func reluKernel[T podFloatConstraints](t *tensors.Tensor) {
	tensors.MustMutableFlatData(t, func(flat []T) {
		pool.For(len(flat), func(from, to int) {
			for i := from; i < to; i++ {
				if flat[i] < 0 {
					flat[i] = 0
				}
			}
		})
	})
}

// Backward zeroes the incoming gradient wherever the cached input was not positive.
func (r *ReLU) Backward(dOut *tensors.Tensor) *tensors.Tensor {
	if r.lastInput == nil {
		exceptions.Panicf("module.ReLU(%q): Backward called without a preceding Forward", r.name)
	}
	x := r.lastInput
	r.lastInput = nil
	dOut.Shape().Assert(x.DType(), x.Shape().Dimensions...)
	dX := dOut.Clone()
	switch x.DType() {
	case dtypes.Float32:
		reluBackwardKernel[float32](x, dX)
	case dtypes.Float64:
		reluBackwardKernel[float64](x, dX)
	}
	return dX
}

func reluBackwardKernel[T podFloatConstraints](x, dX *tensors.Tensor) {
	tensors.MustConstFlatData(x, func(xFlat []T) {
		tensors.MustMutableFlatData(dX, func(dXFlat []T) {
			pool.For(len(xFlat), func(from, to int) {
				for i := from; i < to; i++ {
					if xFlat[i] <= 0 {
						dXFlat[i] = 0
					}
				}
			})
		})
	})
}
