package backends

import (
	"maps"

	"github.com/gomlx/gopjrt/dtypes"
)

// Capabilities holds mappings of what is supported by a backend.
// The preparation layer consults it before handing a module over for compilation.
type Capabilities struct {
	// Training indicates the backend can compile modules whose backward pass will be used.
	Training bool

	// ShardedParameters indicates the backend accepts modules whose parameters carry
	// sharding information.
	ShardedParameters bool

	// DTypes list the data types supported by a backend.
	// If not listed, it's assumed to be false, hence not supported.
	DTypes map[dtypes.DType]bool
}

// Clone makes a deep copy of the Capabilities.
func (c Capabilities) Clone() Capabilities {
	c2 := c
	c2.DTypes = make(map[dtypes.DType]bool, len(c.DTypes))
	maps.Copy(c2.DTypes, c.DTypes)
	return c2
}
