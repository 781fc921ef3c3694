package optimizers_test

import (
	"math"
	"testing"

	"github.com/ethan626/tnt/pkg/core/tensors"
	"github.com/ethan626/tnt/pkg/ml/module"
	"github.com/ethan626/tnt/pkg/ml/optimizers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newParam(t *testing.T, value, grad []float32) *module.Parameter {
	p := &module.Parameter{
		Name:      "w",
		Value:     tensors.FromValue(value),
		Trainable: true,
	}
	if grad != nil {
		p.EnsureGrad()
		require.NoError(t, tensors.AssignFlatData(p.Grad, grad))
	}
	return p
}

func TestSGDStep(t *testing.T) {
	p := newParam(t, []float32{1, 2}, []float32{0.5, 1})
	sgd := &optimizers.SGD{LR: 0.1}
	sgd.Step([]*module.Parameter{p})
	require.Equal(t, []float32{0.95, 1.9}, tensors.MustCopyFlatData[float32](p.Value))
}

func TestSGDWeightDecay(t *testing.T) {
	p := newParam(t, []float32{1}, []float32{0})
	sgd := &optimizers.SGD{LR: 0.1, WeightDecay: 0.5}
	sgd.Step([]*module.Parameter{p})
	// w = 1 - 0.1*(0 + 0.5*1) = 0.95
	require.Equal(t, []float32{0.95}, tensors.MustCopyFlatData[float32](p.Value))
}

func TestSGDMomentum(t *testing.T) {
	p := newParam(t, []float32{1}, []float32{1})
	sgd := &optimizers.SGD{LR: 0.1, Momentum: 0.9}

	sgd.Step([]*module.Parameter{p})
	require.InDelta(t, 0.9, tensors.MustCopyFlatData[float32](p.Value)[0], 1e-6)

	// Same gradient again: velocity becomes 0.9*1 + 1 = 1.9.
	sgd.Step([]*module.Parameter{p})
	require.InDelta(t, 0.71, tensors.MustCopyFlatData[float32](p.Value)[0], 1e-6)
}

func TestSGDSkipsFrozenAndGradless(t *testing.T) {
	frozen := newParam(t, []float32{1}, []float32{1})
	frozen.Trainable = false
	gradless := newParam(t, []float32{2}, nil)

	sgd := &optimizers.SGD{LR: 0.1}
	sgd.Step([]*module.Parameter{frozen, gradless})
	require.Equal(t, []float32{1}, tensors.MustCopyFlatData[float32](frozen.Value))
	require.Equal(t, []float32{2}, tensors.MustCopyFlatData[float32](gradless.Value))
}

func TestSGDZeroGrad(t *testing.T) {
	p := newParam(t, []float32{1}, []float32{3})
	sgd := &optimizers.SGD{LR: 0.1}
	sgd.ZeroGrad([]*module.Parameter{p})
	require.Equal(t, []float32{0}, tensors.MustCopyFlatData[float32](p.Grad))
}

// Fit y = 2x - 1 with a 1-feature Linear layer, plain SGD on a mean squared error loss.
func TestSGDRegression(t *testing.T) {
	linear := module.NewLinear("fit", 1, 1).WithSeed(3)
	x := tensors.FromValue([][]float32{{0}, {1}, {2}, {3}})
	target := []float32{-1, 1, 3, 5}

	sgd := &optimizers.SGD{LR: 0.05}
	params := linear.Parameters()
	for step := 0; step < 500; step++ {
		sgd.ZeroGrad(params)
		out := linear.Forward(x)
		dOut := tensors.FromShape(out.Shape())
		tensors.MustConstFlatData(out, func(outFlat []float32) {
			tensors.MustMutableFlatData(dOut, func(dOutFlat []float32) {
				for i := range outFlat {
					dOutFlat[i] = outFlat[i] - target[i]
				}
			})
		})
		linear.Backward(dOut)
		sgd.Step(params)
	}

	weight := tensors.MustCopyFlatData[float32](params[0].Value)[0]
	bias := tensors.MustCopyFlatData[float32](params[1].Value)[0]
	assert.InDelta(t, 2.0, weight, 0.01)
	assert.InDelta(t, -1.0, bias, 0.01)
}

func TestSWALRFactor(t *testing.T) {
	// Before the averaging phase the factor is 1, after annealing it is 0.
	assert.Equal(t, 1.0, optimizers.SWALRFactor(0, 5, 4, optimizers.AnnealCosine))
	assert.Equal(t, 1.0, optimizers.SWALRFactor(4, 5, 4, optimizers.AnnealLinear))
	assert.Equal(t, 0.0, optimizers.SWALRFactor(9, 5, 4, optimizers.AnnealCosine))
	assert.Equal(t, 0.0, optimizers.SWALRFactor(100, 5, 4, optimizers.AnnealLinear))

	// At the start of the anneal the factor is still 1.
	assert.Equal(t, 1.0, optimizers.SWALRFactor(5, 5, 4, optimizers.AnnealCosine))
	assert.Equal(t, 1.0, optimizers.SWALRFactor(5, 5, 4, optimizers.AnnealLinear))

	// Midpoint.
	assert.InDelta(t, 0.5, optimizers.SWALRFactor(7, 5, 4, optimizers.AnnealCosine), 1e-9)
	assert.InDelta(t, 0.5, optimizers.SWALRFactor(7, 5, 4, optimizers.AnnealLinear), 1e-9)

	// Quarter point: cosine is flatter than linear near the ends.
	cos := optimizers.SWALRFactor(6, 5, 4, optimizers.AnnealCosine)
	assert.InDelta(t, (1+math.Cos(math.Pi/4))/2, cos, 1e-9)
	assert.Greater(t, cos, optimizers.SWALRFactor(6, 5, 4, optimizers.AnnealLinear))

	// annealEpochs == 0 jumps straight to 0 at swaStart.
	assert.Equal(t, 0.0, optimizers.SWALRFactor(5, 5, 0, optimizers.AnnealCosine))

	require.Panics(t, func() { optimizers.SWALRFactor(0, 5, -1, optimizers.AnnealCosine) })
	require.Panics(t, func() { optimizers.SWALRFactor(6, 5, 4, optimizers.AnnealStrategy("bogus")) })
}
