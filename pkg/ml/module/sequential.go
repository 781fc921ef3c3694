package module

import (
	"github.com/ethan626/tnt/pkg/core/tensors"
	"github.com/gomlx/exceptions"
)

// Sequential chains modules, feeding each module's output to the next.
type Sequential struct {
	name    string
	modules []Module
}

var _ Module = (*Sequential)(nil)

// NewSequential creates a Sequential container over the given modules, applied in order.
func NewSequential(name string, modules ...Module) *Sequential {
	if len(modules) == 0 {
		exceptions.Panicf("module.NewSequential(%q): at least one module is required", name)
	}
	return &Sequential{name: name, modules: modules}
}

// Name of the container instance.
func (s *Sequential) Name() string { return s.name }

// Modules returns the chained modules, in application order.
func (s *Sequential) Modules() []Module { return s.modules }

// Parameters returns the parameters of all chained modules, in application order.
func (s *Sequential) Parameters() []*Parameter {
	var params []*Parameter
	for _, m := range s.modules {
		params = append(params, m.Parameters()...)
	}
	return params
}

// Forward applies the chained modules in order.
func (s *Sequential) Forward(x *tensors.Tensor) *tensors.Tensor {
	for _, m := range s.modules {
		x = m.Forward(x)
	}
	return x
}

// Backward propagates the output gradient through the chained modules in reverse order.
func (s *Sequential) Backward(dOut *tensors.Tensor) *tensors.Tensor {
	for i := len(s.modules) - 1; i >= 0; i-- {
		dOut = s.modules[i].Backward(dOut)
	}
	return dOut
}
