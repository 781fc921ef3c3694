package distributed

import (
	"sync"

	"github.com/pkg/errors"
)

// The process-wide default group, installed by Init (usually through InitFromEnv) and
// consumed by code that doesn't thread a *ProcessGroup explicitly.
var (
	defaultMu    sync.RWMutex
	defaultGroup *ProcessGroup
)

// Init installs g as the process-wide default group. It fails if a default group is
// already installed; call Shutdown first to replace it.
func Init(g *ProcessGroup) error {
	if g == nil {
		return errors.New("cannot install a nil process group as default")
	}
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultGroup != nil {
		return errors.New("default process group is already initialized, call Shutdown first")
	}
	defaultGroup = g
	return nil
}

// Default returns the process-wide default group installed by Init or InitFromEnv.
func Default() (*ProcessGroup, error) {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	if defaultGroup == nil {
		return nil, errors.New("default process group is not initialized, call InitFromEnv or Init first")
	}
	return defaultGroup, nil
}

// MustDefault returns the process-wide default group. It panics when none is installed.
func MustDefault() *ProcessGroup {
	g, err := Default()
	must(err)
	return g
}

// IsInitialized reports whether a default group is installed.
func IsInitialized() bool {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultGroup != nil
}

// Shutdown closes the default group and uninstalls it, so a new one can be initialized.
// It is a no-op when no group is installed.
func Shutdown() error {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultGroup == nil {
		return nil
	}
	err := defaultGroup.Close()
	defaultGroup = nil
	return err
}
