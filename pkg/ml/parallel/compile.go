package parallel

import (
	"github.com/ethan626/tnt/backends"
	"github.com/ethan626/tnt/pkg/core/distributed"
	"github.com/ethan626/tnt/pkg/core/tensors"
	"github.com/ethan626/tnt/pkg/ml/module"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Compiled is a module lowered by a backend. Forward and Backward run the backend's
// compiled form; the parameter set is the wrapped module's, unchanged, so state dicts
// and optimizers carry over.
type Compiled struct {
	backend  backends.Backend
	wrapped  module.Module
	compiled module.Module
}

var _ module.Module = (*Compiled)(nil)

// Compile lowers m with the backend named by params and returns the compiled wrapper.
// An empty params.Backend picks the default backend, like backends.New.
func Compile(m module.Module, params CompileParams) (*Compiled, error) {
	if m == nil {
		return nil, errors.New("Compile: a module is required")
	}
	backend, err := resolveBackend(&params, distributed.Device{})
	if err != nil {
		return nil, err
	}
	return compileModule(backend, m)
}

// resolveBackend constructs the backend named by params, falling back to the device's
// backend and ordinal when params does not name one.
func resolveBackend(params *CompileParams, device distributed.Device) (backends.Backend, error) {
	config := params.Backend
	if config == "" {
		config = device.String()
	}
	backend, err := backends.NewWithConfig(config)
	if err != nil {
		return nil, errors.WithMessagef(err, "resolving compile backend %q", config)
	}
	return backend, nil
}

func compileModule(backend backends.Backend, m module.Module) (*Compiled, error) {
	if !backend.Capabilities().ShardedParameters {
		for _, p := range m.Parameters() {
			if p.Sharding != nil {
				return nil, errors.Wrapf(ErrIncompatibleOptions,
					"backend %q cannot compile sharded parameter %q", backend.Name(), p.Name)
			}
		}
	}
	compiled, err := backend.Compile(m)
	if err != nil {
		return nil, errors.WithMessagef(err, "compiling module %q with backend %q", m.Name(), backend.Name())
	}
	klog.V(1).Infof("compiled module %q with backend %q", m.Name(), backend.Name())
	return &Compiled{backend: backend, wrapped: m, compiled: compiled}, nil
}

// Forward runs the compiled form.
func (c *Compiled) Forward(x *tensors.Tensor) *tensors.Tensor {
	return c.compiled.Forward(x)
}

// Backward runs the compiled form's backward pass.
func (c *Compiled) Backward(dOut *tensors.Tensor) *tensors.Tensor {
	return c.compiled.Backward(dOut)
}

// Parameters returns the wrapped module's parameters, unchanged.
func (c *Compiled) Parameters() []*module.Parameter {
	return c.wrapped.Parameters()
}

// Name returns the wrapped module's name.
func (c *Compiled) Name() string { return c.wrapped.Name() }

// Module returns the module that was compiled, which may itself be a parallel wrapper.
func (c *Compiled) Module() module.Module { return c.wrapped }

// Backend returns the backend that compiled the module.
func (c *Compiled) Backend() backends.Backend { return c.backend }
