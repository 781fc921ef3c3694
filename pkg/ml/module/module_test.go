package module_test

import (
	"testing"

	"github.com/ethan626/tnt/pkg/core/tensors"
	"github.com/ethan626/tnt/pkg/ml/module"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinearForward(t *testing.T) {
	linear := module.NewLinear("proj", 2, 3)
	params := linear.Parameters()
	require.Len(t, params, 2)
	require.Equal(t, "proj.weight", params[0].Name)
	require.Equal(t, "proj.bias", params[1].Name)
	require.NoError(t, params[0].Value.Shape().Check(dtypes.Float32, 2, 3))
	require.NoError(t, params[1].Value.Shape().Check(dtypes.Float32, 3))

	require.NoError(t, tensors.AssignFlatData(params[0].Value, []float32{1, 2, 3, 4, 5, 6}))
	require.NoError(t, tensors.AssignFlatData(params[1].Value, []float32{0.5, 0.5, 0.5}))

	out := linear.Forward(tensors.FromValue([][]float32{{1, 2}}))
	require.NoError(t, out.Shape().Check(dtypes.Float32, 1, 3))
	require.Equal(t, []float32{9.5, 12.5, 15.5}, tensors.MustCopyFlatData[float32](out))

	// Without bias there is a single parameter.
	noBias := module.NewLinear("proj", 2, 3).WithBias(false)
	require.Len(t, noBias.Parameters(), 1)
	require.NoError(t, tensors.AssignFlatData(noBias.Parameters()[0].Value, []float32{1, 2, 3, 4, 5, 6}))
	out = noBias.Forward(tensors.FromValue([][]float32{{1, 2}}))
	require.Equal(t, []float32{9, 12, 15}, tensors.MustCopyFlatData[float32](out))

	// Input with the wrong feature dimension panics.
	require.Panics(t, func() { linear.Forward(tensors.FromValue([][]float32{{1, 2, 3}})) })
	require.Panics(t, func() { module.NewLinear("bad", 0, 3) })
}

func TestLinearBackward(t *testing.T) {
	linear := module.NewLinear("proj", 2, 3)
	params := linear.Parameters()
	weight, bias := params[0], params[1]
	require.NoError(t, tensors.AssignFlatData(weight.Value, []float32{1, 2, 3, 4, 5, 6}))
	require.NoError(t, tensors.AssignFlatData(bias.Value, []float32{0.5, 0.5, 0.5}))

	x := tensors.FromValue([][]float32{{1, 2}})
	dOut := tensors.FromValue([][]float32{{1, 1, 1}})

	linear.Forward(x)
	dX := linear.Backward(dOut)
	require.Equal(t, []float32{6, 15}, tensors.MustCopyFlatData[float32](dX))
	require.Equal(t, []float32{1, 1, 1, 2, 2, 2}, tensors.MustCopyFlatData[float32](weight.Grad))
	require.Equal(t, []float32{1, 1, 1}, tensors.MustCopyFlatData[float32](bias.Grad))

	// Gradients accumulate across passes.
	linear.Forward(x)
	linear.Backward(dOut)
	require.Equal(t, []float32{2, 2, 2, 4, 4, 4}, tensors.MustCopyFlatData[float32](weight.Grad))

	weight.ZeroGrad()
	require.Equal(t, []float32{0, 0, 0, 0, 0, 0}, tensors.MustCopyFlatData[float32](weight.Grad))

	// Backward without a fresh Forward panics.
	require.Panics(t, func() { linear.Backward(dOut) })
}

func TestLinearNonTrainable(t *testing.T) {
	linear := module.NewLinear("frozen", 2, 2)
	for _, p := range linear.Parameters() {
		p.Trainable = false
	}
	linear.Forward(tensors.FromValue([][]float32{{1, 2}}))
	linear.Backward(tensors.FromValue([][]float32{{1, 1}}))
	for _, p := range linear.Parameters() {
		assert.Nil(t, p.Grad)
	}
}

func TestReLU(t *testing.T) {
	relu := module.NewReLU("act")
	require.Nil(t, relu.Parameters())

	x := tensors.FromValue([][]float32{{-1, 0, 2}, {3, -0.5, 0.25}})
	out := relu.Forward(x)
	require.Equal(t, []float32{0, 0, 2, 3, 0, 0.25}, tensors.MustCopyFlatData[float32](out))

	// The input itself is untouched.
	require.Equal(t, []float32{-1, 0, 2, 3, -0.5, 0.25}, tensors.MustCopyFlatData[float32](x))

	dOut := tensors.FromValue([][]float32{{1, 1, 1}, {1, 1, 1}})
	dX := relu.Backward(dOut)
	require.Equal(t, []float32{0, 0, 1, 1, 0, 1}, tensors.MustCopyFlatData[float32](dX))

	require.Panics(t, func() { relu.Backward(dOut) })
	require.Panics(t, func() { relu.Forward(tensors.FromValue([]int32{1})) })
}

func TestSequential(t *testing.T) {
	fc1 := module.NewLinear("fc1", 2, 3)
	fc2 := module.NewLinear("fc2", 3, 1)
	mlp := module.NewSequential("mlp", fc1, module.NewReLU("act"), fc2)

	params := mlp.Parameters()
	require.Len(t, params, 4)
	require.Equal(t, []string{"fc1.weight", "fc1.bias", "fc2.weight", "fc2.bias"},
		[]string{params[0].Name, params[1].Name, params[2].Name, params[3].Name})

	out := mlp.Forward(tensors.FromValue([][]float32{{1, -1}, {0.5, 2}}))
	require.NoError(t, out.Shape().Check(dtypes.Float32, 2, 1))

	mlp.Backward(tensors.FromValue([][]float32{{1}, {1}}))
	require.NotNil(t, params[0].Grad)
	require.NotNil(t, params[2].Grad)

	require.Panics(t, func() { module.NewSequential("empty") })
}

// sumOutputs runs a forward pass and reduces the output to a scalar loss.
func sumOutputs(m module.Module, x *tensors.Tensor) float64 {
	out := m.Forward(x)
	var sum float64
	tensors.MustConstFlatData(out, func(flat []float64) {
		for _, v := range flat {
			sum += v
		}
	})
	return sum
}

func TestGradientsNumerically(t *testing.T) {
	mlp := module.NewSequential("mlp",
		module.NewLinear("fc1", 3, 5).WithDType(dtypes.Float64).WithSeed(1),
		module.NewReLU("act"),
		module.NewLinear("fc2", 5, 2).WithDType(dtypes.Float64).WithSeed(2),
	)
	x := tensors.FromValue([][]float64{{0.5, -1, 2}, {1, 0.25, -0.75}})

	// Analytic gradients of loss = sum(outputs).
	out := mlp.Forward(x)
	dOut := tensors.FromShape(out.Shape())
	tensors.MustMutableFlatData(dOut, func(flat []float64) {
		for i := range flat {
			flat[i] = 1
		}
	})
	mlp.Backward(dOut)

	// Central finite differences on every parameter element.
	const eps = 1e-6
	for _, p := range mlp.Parameters() {
		require.NotNil(t, p.Grad, "parameter %s has no gradient", p.Name)
		analytic := tensors.MustCopyFlatData[float64](p.Grad)
		for idx := range analytic {
			tensors.MustMutableFlatData(p.Value, func(flat []float64) { flat[idx] += eps })
			lossPlus := sumOutputs(mlp, x)
			tensors.MustMutableFlatData(p.Value, func(flat []float64) { flat[idx] -= 2 * eps })
			lossMinus := sumOutputs(mlp, x)
			tensors.MustMutableFlatData(p.Value, func(flat []float64) { flat[idx] += eps })
			numeric := (lossPlus - lossMinus) / (2 * eps)
			assert.InDeltaf(t, numeric, analytic[idx], 1e-5,
				"gradient mismatch for %s element %d", p.Name, idx)
		}
	}
}

func TestStateDict(t *testing.T) {
	linear := module.NewLinear("proj", 2, 3).WithSeed(7)
	stateDict := module.StateDict(linear)
	require.Len(t, stateDict, 2)

	// The state dict aliases the parameter storage.
	require.Same(t, linear.Parameters()[0].Value, stateDict["proj.weight"])
	require.Same(t, linear.Parameters()[1].Value, stateDict["proj.bias"])

	// Loading into a differently initialized layer makes the layers identical.
	other := module.NewLinear("proj", 2, 3).WithSeed(999)
	require.False(t, other.Parameters()[0].Value.Equal(linear.Parameters()[0].Value))
	require.NoError(t, module.LoadStateDict(other, stateDict))
	require.True(t, other.Parameters()[0].Value.Equal(linear.Parameters()[0].Value))
	require.True(t, other.Parameters()[1].Value.Equal(linear.Parameters()[1].Value))

	// Loading copies in place, it does not alias.
	require.NotSame(t, other.Parameters()[0].Value, stateDict["proj.weight"])
}

func TestLoadStateDictErrors(t *testing.T) {
	linear := module.NewLinear("proj", 2, 3)

	// Unknown key.
	err := module.LoadStateDict(linear, map[string]*tensors.Tensor{
		"proj.weight": linear.Parameters()[0].Value,
		"proj.bias":   linear.Parameters()[1].Value,
		"bogus":       tensors.FromValue([]float32{1}),
	})
	require.ErrorContains(t, err, "bogus")

	// Missing parameter.
	err = module.LoadStateDict(linear, map[string]*tensors.Tensor{
		"proj.weight": linear.Parameters()[0].Value,
	})
	require.ErrorContains(t, err, "proj.bias")

	// Shape mismatch.
	err = module.LoadStateDict(linear, map[string]*tensors.Tensor{
		"proj.weight": tensors.FromValue([]float32{1, 2, 3}),
		"proj.bias":   linear.Parameters()[1].Value,
	})
	require.ErrorContains(t, err, "proj.weight")
}
