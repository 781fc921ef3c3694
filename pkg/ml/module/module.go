// Package module implements neural network modules with explicit forward and backward passes.
//
// A Module owns named Parameters and computes eagerly on tensors.Tensor values: Forward caches
// whatever activations the following Backward call needs, and Backward accumulates parameter
// gradients while propagating the loss gradient back to the module's input.
//
// The building blocks are Linear, ReLU and Sequential. Wrappers that change how parameters are
// stored or synchronized (data-parallel replication, parameter sharding, compilation) implement
// Module as well, so they compose with the same training loops.
package module

import (
	"github.com/ethan626/tnt/pkg/core/tensors"
	"github.com/ethan626/tnt/pkg/support/xslices"
)

// Module is a neural network module (or a composition of modules).
type Module interface {
	// Forward computes the module's output for x.
	// Implementations cache the activations needed by the following Backward call.
	Forward(x *tensors.Tensor) *tensors.Tensor

	// Backward takes the gradient of the loss with respect to the module's output and returns
	// the gradient with respect to the module's input, accumulating parameter gradients along
	// the way. It must follow a matching Forward call.
	Backward(dOut *tensors.Tensor) *tensors.Tensor

	// Parameters returns the module's parameters.
	// Wrappers must preserve the set: same names, same order.
	Parameters() []*Parameter

	// Name of the module instance.
	Name() string
}

// Parameter is a named, trainable tensor held by a Module.
type Parameter struct {
	Name  string
	Value *tensors.Tensor

	// Grad accumulates the gradient of the loss with respect to Value.
	// It is nil until the first backward pass touches it.
	Grad *tensors.Tensor

	Trainable bool

	// Sharding is set by wrappers that take over the parameter storage, and records
	// which flat range of the original value this process holds.
	Sharding *ShardInfo
}

// ShardInfo records how a parameter's storage was split across processes by a sharding wrapper.
type ShardInfo struct {
	// Rank is the process that owns this shard, out of WorldSize.
	Rank, WorldSize int

	// Offset is the start of the shard in the flattened original parameter.
	// NumElements is its length, excluding any padding added to even out the last shard.
	Offset, NumElements int
}

// EnsureGrad returns p.Grad, allocating a zero-initialized tensor shaped like Value on first use.
func (p *Parameter) EnsureGrad() *tensors.Tensor {
	if p.Grad == nil {
		p.Grad = tensors.FromShape(p.Value.Shape())
	}
	return p.Grad
}

// ZeroGrad resets the accumulated gradient to zeros. A nil gradient stays nil.
func (p *Parameter) ZeroGrad() {
	if p.Grad == nil {
		return
	}
	p.Grad.MustMutableFlatData(func(flat any) {
		xslices.ZeroAnySlice(flat)
	})
}
