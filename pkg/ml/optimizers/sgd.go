// Package optimizers implements eager optimizers over module parameters, plus the
// learning-rate schedules used alongside stochastic weight averaging.
package optimizers

import (
	"github.com/ethan626/tnt/pkg/core/tensors"
	"github.com/ethan626/tnt/pkg/ml/module"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

type podFloatConstraints interface {
	float32 | float64
}

// SGD implements stochastic gradient descent with optional momentum and weight decay:
//
//	g = grad + WeightDecay*w
//	v = Momentum*v + g
//	w = w - LR*v
//
// The zero value is not usable, set at least LR. Momentum buffers are allocated lazily,
// one per parameter, on the first Step that sees the parameter.
type SGD struct {
	LR, Momentum, WeightDecay float64

	velocity map[*module.Parameter]*tensors.Tensor
}

// Step applies one update to every trainable parameter that has a gradient.
// Parameters with a nil gradient (never touched by a backward pass) are skipped.
func (o *SGD) Step(params []*module.Parameter) {
	for _, p := range params {
		if !p.Trainable || p.Grad == nil {
			continue
		}
		var velocity *tensors.Tensor
		if o.Momentum != 0 {
			if o.velocity == nil {
				o.velocity = make(map[*module.Parameter]*tensors.Tensor)
			}
			velocity = o.velocity[p]
			if velocity == nil {
				velocity = tensors.FromShape(p.Value.Shape())
				o.velocity[p] = velocity
			}
		}
		switch p.Value.DType() {
		case dtypes.Float32:
			sgdStep[float32](o, p.Value, p.Grad, velocity)
		case dtypes.Float64:
			sgdStep[float64](o, p.Value, p.Grad, velocity)
		default:
			exceptions.Panicf("optimizers.SGD: parameter %q has dtype %s, only Float32 and Float64 are supported",
				p.Name, p.Value.DType())
		}
	}
}

// ZeroGrad resets the gradients of all given parameters.
func (o *SGD) ZeroGrad(params []*module.Parameter) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

func sgdStep[T podFloatConstraints](o *SGD, value, grad, velocity *tensors.Tensor) {
	lr, mom, wd := T(o.LR), T(o.Momentum), T(o.WeightDecay)
	tensors.MustMutableFlatData(value, func(w []T) {
		tensors.MustConstFlatData(grad, func(g []T) {
			if velocity == nil {
				for i := range w {
					w[i] -= lr * (g[i] + wd*w[i])
				}
				return
			}
			tensors.MustMutableFlatData(velocity, func(v []T) {
				for i := range w {
					v[i] = mom*v[i] + g[i] + wd*w[i]
					w[i] -= lr * v[i]
				}
			})
		})
	})
}
