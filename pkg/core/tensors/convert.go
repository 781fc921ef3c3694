package tensors

import (
	"github.com/ethan626/tnt/pkg/core/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// MustConvertDType returns a new tensor with the values cast elementwise to the given dtype.
// It panics on unsupported dtype pairs. See Tensor.ConvertDType.
func (t *Tensor) MustConvertDType(to dtypes.DType) *Tensor {
	converted, err := t.ConvertDType(to)
	must(err)
	return converted
}

// ConvertDType returns a new tensor of the same dimensions with the values cast elementwise to
// the given dtype. The original tensor is unchanged. Converting to the same dtype returns a clone.
//
// Supported dtypes are the float types (Float64, Float32, Float16, BFloat16) and the signed and
// unsigned integers. Casts to a narrower type truncate the usual Go way.
//
// Integer-to-integer casts pivot on int64, so 64-bit values survive the trip; everything else
// pivots on float64.
func (t *Tensor) ConvertDType(to dtypes.DType) (*Tensor, error) {
	if err := t.CheckValid(); err != nil {
		return nil, err
	}
	from := t.shape.DType
	if to == from {
		return t.Clone(), nil
	}
	if !convertibleDType(from) || !convertibleDType(to) {
		return nil, errors.Errorf("ConvertDType from %s to %s is not supported", from, to)
	}
	converted := FromShape(shapes.Make(to, t.shape.Dimensions...))
	if t.shape.IsZeroSize() {
		return converted, nil
	}
	t.MustConstFlatData(func(srcFlat any) {
		converted.MustMutableFlatData(func(dstFlat any) {
			if from.IsInt() && to.IsInt() {
				convertFromInt64(dstFlat, flatToInt64(srcFlat))
			} else {
				convertFromFloat64(dstFlat, flatToFloat64(srcFlat))
			}
		})
	})
	return converted, nil
}

func convertibleDType(dtype dtypes.DType) bool {
	switch dtype {
	case dtypes.Float64, dtypes.Float32, dtypes.Float16, dtypes.BFloat16,
		dtypes.Int8, dtypes.Int16, dtypes.Int32, dtypes.Int64,
		dtypes.Uint8, dtypes.Uint16, dtypes.Uint32, dtypes.Uint64:
		return true
	}
	return false
}

func flatToInt64(flat any) []int64 {
	if s, ok := flat.([]int64); ok {
		return s
	}
	var pivot []int64
	fill := func(n int, at func(i int) int64) {
		pivot = make([]int64, n)
		for i := range pivot {
			pivot[i] = at(i)
		}
	}
	switch s := flat.(type) {
	case []int32:
		fill(len(s), func(i int) int64 { return int64(s[i]) })
	case []int16:
		fill(len(s), func(i int) int64 { return int64(s[i]) })
	case []int8:
		fill(len(s), func(i int) int64 { return int64(s[i]) })
	case []uint64:
		fill(len(s), func(i int) int64 { return int64(s[i]) })
	case []uint32:
		fill(len(s), func(i int) int64 { return int64(s[i]) })
	case []uint16:
		fill(len(s), func(i int) int64 { return int64(s[i]) })
	case []uint8:
		fill(len(s), func(i int) int64 { return int64(s[i]) })
	default:
		panic(errors.Errorf("flatToInt64: unexpected flat data type %T", flat))
	}
	return pivot
}

func convertFromInt64(flat any, pivot []int64) {
	switch d := flat.(type) {
	case []int64:
		copy(d, pivot)
	case []int32:
		for i, v := range pivot {
			d[i] = int32(v)
		}
	case []int16:
		for i, v := range pivot {
			d[i] = int16(v)
		}
	case []int8:
		for i, v := range pivot {
			d[i] = int8(v)
		}
	case []uint64:
		for i, v := range pivot {
			d[i] = uint64(v)
		}
	case []uint32:
		for i, v := range pivot {
			d[i] = uint32(v)
		}
	case []uint16:
		for i, v := range pivot {
			d[i] = uint16(v)
		}
	case []uint8:
		for i, v := range pivot {
			d[i] = uint8(v)
		}
	default:
		panic(errors.Errorf("convertFromInt64: unexpected flat data type %T", flat))
	}
}

func flatToFloat64(flat any) []float64 {
	if s, ok := flat.([]float64); ok {
		return s
	}
	var pivot []float64
	fill := func(n int, at func(i int) float64) {
		pivot = make([]float64, n)
		for i := range pivot {
			pivot[i] = at(i)
		}
	}
	switch s := flat.(type) {
	case []float32:
		fill(len(s), func(i int) float64 { return float64(s[i]) })
	case []float16.Float16:
		fill(len(s), func(i int) float64 { return float64(s[i].Float32()) })
	case []bfloat16.BFloat16:
		fill(len(s), func(i int) float64 { return float64(s[i].Float32()) })
	case []int64:
		fill(len(s), func(i int) float64 { return float64(s[i]) })
	case []int32:
		fill(len(s), func(i int) float64 { return float64(s[i]) })
	case []int16:
		fill(len(s), func(i int) float64 { return float64(s[i]) })
	case []int8:
		fill(len(s), func(i int) float64 { return float64(s[i]) })
	case []uint64:
		fill(len(s), func(i int) float64 { return float64(s[i]) })
	case []uint32:
		fill(len(s), func(i int) float64 { return float64(s[i]) })
	case []uint16:
		fill(len(s), func(i int) float64 { return float64(s[i]) })
	case []uint8:
		fill(len(s), func(i int) float64 { return float64(s[i]) })
	default:
		panic(errors.Errorf("flatToFloat64: unexpected flat data type %T", flat))
	}
	return pivot
}

func convertFromFloat64(flat any, pivot []float64) {
	switch d := flat.(type) {
	case []float64:
		copy(d, pivot)
	case []float32:
		for i, v := range pivot {
			d[i] = float32(v)
		}
	case []float16.Float16:
		for i, v := range pivot {
			d[i] = float16.Fromfloat32(float32(v))
		}
	case []bfloat16.BFloat16:
		for i, v := range pivot {
			d[i] = bfloat16.FromFloat32(float32(v))
		}
	case []int64:
		for i, v := range pivot {
			d[i] = int64(v)
		}
	case []int32:
		for i, v := range pivot {
			d[i] = int32(v)
		}
	case []int16:
		for i, v := range pivot {
			d[i] = int16(v)
		}
	case []int8:
		for i, v := range pivot {
			d[i] = int8(v)
		}
	case []uint64:
		for i, v := range pivot {
			d[i] = uint64(v)
		}
	case []uint32:
		for i, v := range pivot {
			d[i] = uint32(v)
		}
	case []uint16:
		for i, v := range pivot {
			d[i] = uint16(v)
		}
	case []uint8:
		for i, v := range pivot {
			d[i] = uint8(v)
		}
	default:
		panic(errors.Errorf("convertFromFloat64: unexpected flat data type %T", flat))
	}
}
