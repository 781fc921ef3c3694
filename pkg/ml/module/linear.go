package module

import (
	"math"
	"math/rand/v2"

	"github.com/ethan626/tnt/internal/workerspool"
	"github.com/ethan626/tnt/pkg/core/shapes"
	"github.com/ethan626/tnt/pkg/core/tensors"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// pool parallelizes the elementwise and batched kernels of this package.
var pool = workerspool.New()

// podFloatConstraints are the Go native float types a module can store parameters in.
type podFloatConstraints interface {
	float32 | float64
}

// Linear implements a fully connected layer: y = x·W + b, with W shaped [inputDim, outputDim]
// and the optional bias b shaped [outputDim]. Inputs are batched, shaped [batchSize, inputDim].
type Linear struct {
	name                string
	inputDim, outputDim int
	dtype               dtypes.DType
	useBias             bool
	seed                uint64

	weight, bias *Parameter

	lastInput *tensors.Tensor
}

var _ Module = (*Linear)(nil)

// NewLinear creates a Linear layer with the given input and output feature dimensions.
//
// It defaults to Float32 storage, a bias term and a fixed initialization seed; change those
// with WithDType, WithBias and WithSeed before the first Forward call.
// Weights and bias are initialized uniformly in [-1/sqrt(inputDim), 1/sqrt(inputDim)).
func NewLinear(name string, inputDim, outputDim int) *Linear {
	if inputDim <= 0 || outputDim <= 0 {
		exceptions.Panicf("module.NewLinear(%q): feature dimensions must be positive, got [%d, %d]",
			name, inputDim, outputDim)
	}
	l := &Linear{
		name:      name,
		inputDim:  inputDim,
		outputDim: outputDim,
		dtype:     dtypes.Float32,
		useBias:   true,
		seed:      42,
	}
	l.initParameters()
	return l
}

// WithDType sets the parameter storage dtype, Float32 (default) or Float64.
// It re-initializes the parameters.
func (l *Linear) WithDType(dtype dtypes.DType) *Linear {
	l.dtype = dtype
	l.initParameters()
	return l
}

// WithBias sets whether the layer adds a bias term. Default is true.
// It re-initializes the parameters.
func (l *Linear) WithBias(useBias bool) *Linear {
	l.useBias = useBias
	l.initParameters()
	return l
}

// WithSeed sets the seed used to initialize the parameters: the same seed always produces
// the same initial values. It re-initializes the parameters.
func (l *Linear) WithSeed(seed uint64) *Linear {
	l.seed = seed
	l.initParameters()
	return l
}

func (l *Linear) initParameters() {
	l.weight = &Parameter{
		Name:      l.name + ".weight",
		Value:     tensors.FromShape(shapes.Make(l.dtype, l.inputDim, l.outputDim)),
		Trainable: true,
	}
	l.bias = nil
	if l.useBias {
		l.bias = &Parameter{
			Name:      l.name + ".bias",
			Value:     tensors.FromShape(shapes.Make(l.dtype, l.outputDim)),
			Trainable: true,
		}
	}
	switch l.dtype {
	case dtypes.Float32:
		initUniform[float32](l)
	case dtypes.Float64:
		initUniform[float64](l)
	default:
		exceptions.Panicf("module.Linear(%q): dtype %s not supported for parameters, use Float32 or Float64",
			l.name, l.dtype)
	}
}

func initUniform[T podFloatConstraints](l *Linear) {
	rng := rand.New(rand.NewPCG(l.seed, l.seed+1))
	limit := 1.0 / math.Sqrt(float64(l.inputDim))
	fill := func(t *tensors.Tensor) {
		tensors.MustMutableFlatData(t, func(flat []T) {
			for i := range flat {
				flat[i] = T((rng.Float64()*2 - 1) * limit)
			}
		})
	}
	fill(l.weight.Value)
	if l.bias != nil {
		fill(l.bias.Value)
	}
}

// Name of the layer instance.
func (l *Linear) Name() string { return l.name }

// InputDim returns the input feature dimension.
func (l *Linear) InputDim() int { return l.inputDim }

// OutputDim returns the output feature dimension.
func (l *Linear) OutputDim() int { return l.outputDim }

// Parameters returns the weight and, if enabled, the bias.
func (l *Linear) Parameters() []*Parameter {
	if l.bias == nil {
		return []*Parameter{l.weight}
	}
	return []*Parameter{l.weight, l.bias}
}

// Forward computes x·W + b for a batched input shaped [batchSize, inputDim].
// The input is cached for the following Backward call.
func (l *Linear) Forward(x *tensors.Tensor) *tensors.Tensor {
	x.Shape().Assert(l.dtype, shapes.UncheckedAxis, l.inputDim)
	batch := x.Shape().Dim(0)
	l.lastInput = x
	out := tensors.FromShape(shapes.Make(l.dtype, batch, l.outputDim))
	switch l.dtype {
	case dtypes.Float32:
		linearForward[float32](l, x, out, batch)
	case dtypes.Float64:
		linearForward[float64](l, x, out, batch)
	}
	return out
}

func linearForward[T podFloatConstraints](l *Linear, x, out *tensors.Tensor, batch int) {
	in, outDim := l.inputDim, l.outputDim
	tensors.MustConstFlatData(x, func(xFlat []T) {
		tensors.MustConstFlatData(l.weight.Value, func(wFlat []T) {
			tensors.MustMutableFlatData(out, func(outFlat []T) {
				pool.For(batch, func(from, to int) {
					for b := from; b < to; b++ {
						xRow := xFlat[b*in : (b+1)*in]
						outRow := outFlat[b*outDim : (b+1)*outDim]
						for i, xv := range xRow {
							wRow := wFlat[i*outDim : (i+1)*outDim]
							for j, wv := range wRow {
								outRow[j] += xv * wv
							}
						}
					}
				})
			})
		})
	})
	if l.bias == nil {
		return
	}
	tensors.MustConstFlatData(l.bias.Value, func(bFlat []T) {
		tensors.MustMutableFlatData(out, func(outFlat []T) {
			for b := 0; b < batch; b++ {
				outRow := outFlat[b*outDim : (b+1)*outDim]
				for j, bv := range bFlat {
					outRow[j] += bv
				}
			}
		})
	})
}

// Backward takes dOut shaped [batchSize, outputDim], accumulates the weight and bias
// gradients and returns the gradient with respect to the cached input.
func (l *Linear) Backward(dOut *tensors.Tensor) *tensors.Tensor {
	if l.lastInput == nil {
		exceptions.Panicf("module.Linear(%q): Backward called without a preceding Forward", l.name)
	}
	x := l.lastInput
	l.lastInput = nil
	batch := x.Shape().Dim(0)
	dOut.Shape().Assert(l.dtype, batch, l.outputDim)
	dX := tensors.FromShape(x.Shape())
	switch l.dtype {
	case dtypes.Float32:
		linearBackward[float32](l, x, dOut, dX, batch)
	case dtypes.Float64:
		linearBackward[float64](l, x, dOut, dX, batch)
	}
	return dX
}

func linearBackward[T podFloatConstraints](l *Linear, x, dOut, dX *tensors.Tensor, batch int) {
	in, outDim := l.inputDim, l.outputDim
	tensors.MustConstFlatData(x, func(xFlat []T) {
		tensors.MustConstFlatData(dOut, func(dOutFlat []T) {
			// dX[b,i] = sum_j dOut[b,j] * W[i,j]
			tensors.MustConstFlatData(l.weight.Value, func(wFlat []T) {
				tensors.MustMutableFlatData(dX, func(dXFlat []T) {
					pool.For(batch, func(from, to int) {
						for b := from; b < to; b++ {
							dOutRow := dOutFlat[b*outDim : (b+1)*outDim]
							dXRow := dXFlat[b*in : (b+1)*in]
							for i := range dXRow {
								wRow := wFlat[i*outDim : (i+1)*outDim]
								var sum T
								for j, dv := range dOutRow {
									sum += dv * wRow[j]
								}
								dXRow[i] = sum
							}
						}
					})
				})
			})
			// dW[i,j] += sum_b x[b,i] * dOut[b,j], each worker owning a range of i rows.
			if l.weight.Trainable {
				tensors.MustMutableFlatData(l.weight.EnsureGrad(), func(dWFlat []T) {
					pool.For(in, func(from, to int) {
						for i := from; i < to; i++ {
							dWRow := dWFlat[i*outDim : (i+1)*outDim]
							for b := 0; b < batch; b++ {
								xv := xFlat[b*in+i]
								dOutRow := dOutFlat[b*outDim : (b+1)*outDim]
								for j, dv := range dOutRow {
									dWRow[j] += xv * dv
								}
							}
						}
					})
				})
			}
			// db[j] += sum_b dOut[b,j]
			if l.bias != nil && l.bias.Trainable {
				tensors.MustMutableFlatData(l.bias.EnsureGrad(), func(dBFlat []T) {
					for b := 0; b < batch; b++ {
						dOutRow := dOutFlat[b*outDim : (b+1)*outDim]
						for j, dv := range dOutRow {
							dBFlat[j] += dv
						}
					}
				})
			}
		})
	})
}
