// Package eager implements the default compile backend, named "go": modules execute
// directly, so "compilation" validates the module against the backend's capability
// table and returns it unchanged.
//
// To use it simply include:
//
//	import _ "github.com/ethan626/tnt/backends/eager"
package eager

import (
	"strconv"

	"github.com/ethan626/tnt/backends"
	"github.com/ethan626/tnt/pkg/ml/module"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// BackendName to be used in TNT_BACKEND to specify this backend.
const BackendName = "go"

// Registers New() as the constructor for the "go" backend.
func init() {
	backends.Register(BackendName, New)
}

// Capabilities of the eager backend: training and sharded parameters over the dtypes the
// module layer can store.
var Capabilities = backends.Capabilities{
	Training:          true,
	ShardedParameters: true,
	DTypes: map[dtypes.DType]bool{
		dtypes.Float32: true,
		dtypes.Float64: true,
	},
}

// New constructs a new eager Backend.
//
// The config string is either empty or a device ordinal ("0"); there is only the local
// device, so the ordinal is validated and otherwise ignored.
func New(config string) (backends.Backend, error) {
	if config != "" {
		if _, err := strconv.Atoi(config); err != nil {
			return nil, errors.Errorf("eager backend configuration must be empty or a device ordinal, got %q", config)
		}
	}
	return &Backend{}, nil
}

// Backend implements the backends.Backend interface by running modules as they are.
type Backend struct {
	finalized bool
}

var _ backends.Backend = (*Backend)(nil)

// Name returns the short name of the backend.
func (b *Backend) Name() string { return BackendName }

// Description is a longer description of the Backend that can be used to pretty-print.
func (b *Backend) Description() string {
	return "Eager Go Backend (runs modules unchanged)"
}

// Capabilities returns information about what is supported by this backend.
func (b *Backend) Capabilities() backends.Capabilities {
	return Capabilities
}

// Compile checks that every parameter of m uses a dtype this backend supports and then
// returns m unchanged.
func (b *Backend) Compile(m module.Module) (module.Module, error) {
	if b.finalized {
		return nil, errors.New("eager backend is finalized")
	}
	for _, p := range m.Parameters() {
		if dtype := p.Value.DType(); !Capabilities.DTypes[dtype] {
			return nil, errors.Errorf("eager backend does not support dtype %s of parameter %q", dtype, p.Name)
		}
	}
	return m, nil
}

// IsFinalized returns true if the backend was finalized.
func (b *Backend) IsFinalized() bool { return b.finalized }

// Finalize marks the backend invalid. The eager backend holds no resources to release.
func (b *Backend) Finalize() { b.finalized = true }
