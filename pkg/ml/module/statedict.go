package module

import (
	"github.com/ethan626/tnt/pkg/core/tensors"
	"github.com/pkg/errors"
)

// StateDict returns the parameter values of m keyed by parameter name.
//
// The returned tensors are the parameters' own storage, not copies: mutating them mutates
// the module. Wrappers around a module must preserve the key set and the values.
func StateDict(m Module) map[string]*tensors.Tensor {
	params := m.Parameters()
	stateDict := make(map[string]*tensors.Tensor, len(params))
	for _, p := range params {
		stateDict[p.Name] = p.Value
	}
	return stateDict
}

// LoadStateDict copies the values in stateDict into the matching parameters of m, in place.
//
// Every parameter of m must be present with a matching shape, and every key must match a
// parameter; anything else is an error and the module is left partially updated.
func LoadStateDict(m Module, stateDict map[string]*tensors.Tensor) error {
	params := m.Parameters()
	byName := make(map[string]*Parameter, len(params))
	for _, p := range params {
		byName[p.Name] = p
	}
	for name := range stateDict {
		if _, found := byName[name]; !found {
			return errors.Errorf("state dict key %q does not match any parameter of module %q", name, m.Name())
		}
	}
	for _, p := range params {
		value, found := stateDict[p.Name]
		if !found {
			return errors.Errorf("state dict is missing parameter %q of module %q", p.Name, m.Name())
		}
		if err := p.Value.CopyFrom(value); err != nil {
			return errors.WithMessagef(err, "loading state dict value for parameter %q of module %q",
				p.Name, m.Name())
		}
	}
	return nil
}
