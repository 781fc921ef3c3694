// Package backends defines the interface a graph-compilation backend implements,
// and the registry used to select one by name.
//
// A backend takes a module.Module and returns an optimized version of it with the same
// parameters and state-dict keys. Backends register themselves on import, so programs
// pick one up with a blank import, e.g.:
//
//	import _ "github.com/ethan626/tnt/backends/eager"
//
// The backend to use is selected with the TNT_BACKEND environment variable, or the
// DefaultConfig variable, or defaults to the first registered backend.
package backends

import (
	"os"
	"strings"

	"github.com/ethan626/tnt/pkg/ml/module"
	"github.com/ethan626/tnt/pkg/support/xslices"
	"github.com/pkg/errors"
)

// Backend is the API a compile backend implements.
type Backend interface {
	// Name returns the short name of the backend, e.g.: "go" for the eager backend.
	Name() string

	// Description is a longer description of the Backend that can be used to pretty-print.
	Description() string

	// Capabilities returns what the backend supports.
	Capabilities() Capabilities

	// Compile returns a version of m optimized by this backend.
	// The returned module must preserve m's parameters and state-dict keys.
	Compile(m module.Module) (module.Module, error)

	// IsFinalized returns true if the backend was finalized and can no longer compile.
	IsFinalized() bool

	// Finalize releases all the associated resources immediately, and makes the backend invalid.
	Finalize()
}

// Constructor takes a config string (optionally empty) and returns a Backend.
type Constructor func(config string) (Backend, error)

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register backend with the given name, and a constructor that takes as input a configuration
// string that is passed along to the backend constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// List returns the names of the registered backends, sorted.
func List() []string {
	return xslices.SortedKeys(registeredConstructors)
}

// DefaultConfig is the name of the default backend configuration to use if specified.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// TNT_BACKEND is the environment variable with the default backend configuration to use.
//
// The format of config is "<backend_name>:<backend_configuration>".
// The "<backend_name>" is the name of a registered backend (e.g.: "go") and
// "<backend_configuration>" is backend specific (e.g.: for the eager backend, a device ordinal).
const TNT_BACKEND = "TNT_BACKEND"

// New returns a new default Backend.
//
// The default is:
//
// 1. The environment TNT_BACKEND is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered backend is used with an empty configuration.
//
// It returns an error if no backend was registered.
func New() (Backend, error) {
	if config, found := os.LookupEnv(TNT_BACKEND); found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig creates a Backend from a configuration string formatted as
// "<backend_name>:<backend_configuration>".
//
// The "<backend_name>" is the name of a registered backend (e.g.: "go") and
// "<backend_configuration>" is backend specific. Both parts are optional: an empty name
// selects the first registered backend.
func NewWithConfig(config string) (Backend, error) {
	if len(registeredConstructors) == 0 {
		return nil, errors.Errorf(
			"no compile backends registered, import one for its side effects, e.g. import _ %q",
			"github.com/ethan626/tnt/backends/eager")
	}
	backendName := firstRegistered
	backendConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendConfig = config[idx+1:]
		if backendName == "" {
			backendName = firstRegistered
		}
	} else if _, found := registeredConstructors[config]; found {
		// A bare backend name, no configuration.
		backendName = config
		backendConfig = ""
	}
	constructor, found := registeredConstructors[backendName]
	if !found {
		return nil, errors.Errorf("can't find compile backend %q for configuration %q, registered backends: %q",
			backendName, config, List())
	}
	return constructor(backendConfig)
}
