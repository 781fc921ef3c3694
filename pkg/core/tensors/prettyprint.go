package tensors

import (
	"bytes"
	"fmt"
	"reflect"
	"strings"

	"github.com/ethan626/tnt/pkg/support/xslices"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"
)

var (
	typeFloat16  = reflect.TypeOf(float16.Float16(0))
	typeBFloat16 = reflect.TypeOf(bfloat16.BFloat16(0))
)

// Summary returns a multi-line summary of the Tensor's content.
// Inspired by numpy output: long axes are elided with "..." after the first and last 3 entries.
func (t *Tensor) Summary(precision int) string {
	if t.Shape().IsZeroSize() {
		return t.Shape().String()
	}

	// Easy string building.
	var buf bytes.Buffer
	w := func(format string, args ...any) { _, _ = fmt.Fprintf(&buf, format, args...) }

	// Print value with appropriate formatting:
	wValue := func(v reflect.Value) {
		if v.Type() == typeFloat16 {
			w("%.*g", precision, v.Interface().(float16.Float16).Float32())
			return
		} else if v.Type() == typeBFloat16 {
			w("%.*g", precision, v.Interface().(bfloat16.BFloat16).Float32())
			return
		}
		switch v.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			w("%d", v.Int())
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			w("%d", v.Uint())
		case reflect.Complex64, reflect.Complex128:
			c := v.Complex()
			w("(%.*g+%.*gi)", precision, real(c), precision, imag(c))
		case reflect.Bool:
			w("%v", v.Bool())
		default:
			w("%.*g", precision, v.Interface())
		}
	}

	// Access the contents of the tensor without copy:
	dims := t.Shape().Dimensions
	t.MustConstFlatData(func(flat any) {
		values := reflect.ValueOf(flat)

		// Print Go type equivalent.
		for _, dim := range dims {
			w("[%d]", dim)
		}
		w("%s", values.Type().Elem())
		if len(dims) == 0 {
			// Scalar value.
			w("(")
			wValue(values.Index(0))
			w(")")
			return
		}

		var printElements func(index, indent int, currentDims []int)
		printElements = func(index, indent int, currentDims []int) {
			n := currentDims[0]
			if len(currentDims) == 1 {
				// One row of data:
				w("{")
				if n > 6 {
					for i := range 3 {
						if i > 0 {
							w(", ")
						}
						wValue(values.Index(index + i))
					}
					w(", ..., ")
					for i := n - 3; i < n; i++ {
						if i > n-3 {
							w(", ")
						}
						wValue(values.Index(index + i))
					}
				} else {
					for i := range n {
						if i > 0 {
							w(", ")
						}
						wValue(values.Index(index + i))
					}
				}
				w("}")
				return
			}

			// Outer axes: one sub-element per line, eliding all but the first and last 3.
			stride := 1
			for _, dim := range currentDims[1:] {
				stride *= dim
			}
			indentStr := strings.Repeat(" ", indent)
			w("{")
			if n > 6 {
				for i := range 3 {
					if i > 0 {
						w(",\n%s", indentStr)
					}
					printElements(index+i*stride, indent+1, currentDims[1:])
				}
				w(",\n%s...", indentStr)
				for i := n - 3; i < n; i++ {
					w(",\n%s", indentStr)
					printElements(index+i*stride, indent+1, currentDims[1:])
				}
			} else {
				for i := range n {
					if i > 0 {
						w(",\n%s", indentStr)
					}
					printElements(index+i*stride, indent+1, currentDims[1:])
				}
			}
			w("}")
		}
		printElements(0, 1, dims)
	})
	return buf.String()
}

// GoStr converts to string, using a Go-syntax representation that can be copied&pasted back to code.
func (t *Tensor) GoStr() string {
	t.AssertValid()
	if t.Shape().IsZeroSize() {
		// For zero-dimensioned tensors (for some axis), we simply return the shape.
		return t.shape.String()
	}
	value := t.Value()
	if t.IsScalar() {
		return fmt.Sprintf("%s(%v)", t.shape.DType.GoType(), value)
	}
	return fmt.Sprintf("%s: %s", t.shape, xslices.SliceToGoStr(value))
}
