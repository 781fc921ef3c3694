package distributed

import (
	"github.com/ethan626/tnt/internal/workerspool"
	"github.com/ethan626/tnt/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// pool parallelizes the elementwise reduce kernels.
var pool = workerspool.New()

// podNumericConstraints are the Go pod (plain-old-data) types the reduce kernels work on.
// BFloat16 and Float16 are not included because Go has no native arithmetic for them;
// they get dedicated kernels that do the arithmetic in float32.
type podNumericConstraints interface {
	int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64 | float32 | float64
}

// reducibleDType reports whether elements of this dtype can be combined by the reduce ops.
func reducibleDType(dtype dtypes.DType) bool {
	switch dtype {
	case dtypes.Int8, dtypes.Int16, dtypes.Int32, dtypes.Int64,
		dtypes.Uint8, dtypes.Uint16, dtypes.Uint32, dtypes.Uint64,
		dtypes.Float32, dtypes.Float64, dtypes.BFloat16, dtypes.Float16:
		return true
	}
	return false
}

// reduceTensorInto combines src into dst elementwise: dst[i] = op(dst[i], src[i]).
// ReduceOpAvg accumulates like ReduceOpSum; the caller divides by the world size at the
// end with scaleTensorByWorld. Shapes and dtypes must match.
func reduceTensorInto(op ReduceOp, dst, src *tensors.Tensor) error {
	if op == ReduceOpAvg {
		op = ReduceOpSum
	}
	if !dst.Shape().Equal(src.Shape()) {
		return errors.Errorf("cannot reduce %s into %s, shapes must match", src.Shape(), dst.Shape())
	}
	switch dtype := dst.DType(); dtype {
	case dtypes.Int8:
		reduceFlatInto[int8](op, dst, src)
	case dtypes.Int16:
		reduceFlatInto[int16](op, dst, src)
	case dtypes.Int32:
		reduceFlatInto[int32](op, dst, src)
	case dtypes.Int64:
		reduceFlatInto[int64](op, dst, src)
	case dtypes.Uint8:
		reduceFlatInto[uint8](op, dst, src)
	case dtypes.Uint16:
		reduceFlatInto[uint16](op, dst, src)
	case dtypes.Uint32:
		reduceFlatInto[uint32](op, dst, src)
	case dtypes.Uint64:
		reduceFlatInto[uint64](op, dst, src)
	case dtypes.Float32:
		reduceFlatInto[float32](op, dst, src)
	case dtypes.Float64:
		reduceFlatInto[float64](op, dst, src)
	case dtypes.BFloat16:
		tensors.MustMutableFlatData(dst, func(dstFlat []bfloat16.BFloat16) {
			tensors.MustConstFlatData(src, func(srcFlat []bfloat16.BFloat16) {
				reduceFlatBFloat16(op, dstFlat, srcFlat)
			})
		})
	case dtypes.Float16:
		tensors.MustMutableFlatData(dst, func(dstFlat []float16.Float16) {
			tensors.MustConstFlatData(src, func(srcFlat []float16.Float16) {
				reduceFlatFloat16(op, dstFlat, srcFlat)
			})
		})
	default:
		return errors.Errorf("reduce does not support dtype %s", dtype)
	}
	return nil
}

func reduceFlatInto[T podNumericConstraints](op ReduceOp, dst, src *tensors.Tensor) {
	tensors.MustMutableFlatData(dst, func(dstFlat []T) {
		tensors.MustConstFlatData(src, func(srcFlat []T) {
			reduceFlat(op, dstFlat, srcFlat)
		})
	})
}

func reduceFlat[T podNumericConstraints](op ReduceOp, dst, src []T) {
	pool.For(len(dst), func(from, to int) {
		dst, src := dst[from:to], src[from:to]
		switch op {
		case ReduceOpSum:
			for i, v := range src {
				dst[i] += v
			}
		case ReduceOpMax:
			for i, v := range src {
				if v > dst[i] {
					dst[i] = v
				}
			}
		case ReduceOpMin:
			for i, v := range src {
				if v < dst[i] {
					dst[i] = v
				}
			}
		}
	})
}

func reduceFlatBFloat16(op ReduceOp, dst, src []bfloat16.BFloat16) {
	pool.For(len(dst), func(from, to int) {
		dst, src := dst[from:to], src[from:to]
		switch op {
		case ReduceOpSum:
			for i, v := range src {
				dst[i] = bfloat16.FromFloat32(dst[i].Float32() + v.Float32())
			}
		case ReduceOpMax:
			for i, v := range src {
				if v.Float32() > dst[i].Float32() {
					dst[i] = v
				}
			}
		case ReduceOpMin:
			for i, v := range src {
				if v.Float32() < dst[i].Float32() {
					dst[i] = v
				}
			}
		}
	})
}

func reduceFlatFloat16(op ReduceOp, dst, src []float16.Float16) {
	pool.For(len(dst), func(from, to int) {
		dst, src := dst[from:to], src[from:to]
		switch op {
		case ReduceOpSum:
			for i, v := range src {
				dst[i] = float16.Fromfloat32(dst[i].Float32() + v.Float32())
			}
		case ReduceOpMax:
			for i, v := range src {
				if v.Float32() > dst[i].Float32() {
					dst[i] = v
				}
			}
		case ReduceOpMin:
			for i, v := range src {
				if v.Float32() < dst[i].Float32() {
					dst[i] = v
				}
			}
		}
	})
}

// scaleTensorByWorld divides every element of t by world, the final step of ReduceOpAvg.
// Integer dtypes truncate; half precision dtypes divide in float32.
func scaleTensorByWorld(t *tensors.Tensor, world int) error {
	switch dtype := t.DType(); dtype {
	case dtypes.Int8:
		scaleFlat[int8](t, world)
	case dtypes.Int16:
		scaleFlat[int16](t, world)
	case dtypes.Int32:
		scaleFlat[int32](t, world)
	case dtypes.Int64:
		scaleFlat[int64](t, world)
	case dtypes.Uint8:
		scaleFlat[uint8](t, world)
	case dtypes.Uint16:
		scaleFlat[uint16](t, world)
	case dtypes.Uint32:
		scaleFlat[uint32](t, world)
	case dtypes.Uint64:
		scaleFlat[uint64](t, world)
	case dtypes.Float32:
		scaleFlat[float32](t, world)
	case dtypes.Float64:
		scaleFlat[float64](t, world)
	case dtypes.BFloat16:
		tensors.MustMutableFlatData(t, func(flat []bfloat16.BFloat16) {
			w := float32(world)
			pool.For(len(flat), func(from, to int) {
				for i := from; i < to; i++ {
					flat[i] = bfloat16.FromFloat32(flat[i].Float32() / w)
				}
			})
		})
	case dtypes.Float16:
		tensors.MustMutableFlatData(t, func(flat []float16.Float16) {
			w := float32(world)
			pool.For(len(flat), func(from, to int) {
				for i := from; i < to; i++ {
					flat[i] = float16.Fromfloat32(flat[i].Float32() / w)
				}
			})
		})
	default:
		return errors.Errorf("reduce op %s does not support dtype %s", ReduceOpAvg, dtype)
	}
	return nil
}

func scaleFlat[T podNumericConstraints](t *tensors.Tensor, world int) {
	tensors.MustMutableFlatData(t, func(flat []T) {
		w := T(world)
		pool.For(len(flat), func(from, to int) {
			for i := from; i < to; i++ {
				flat[i] /= w
			}
		})
	})
}
