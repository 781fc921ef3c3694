package parallel

import (
	"github.com/ethan626/tnt/pkg/core/tensors"
	"github.com/ethan626/tnt/pkg/ml/module"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// AveragedModule maintains a running average of a module's trainable parameter values,
// for stochastic weight averaging. It is not a module.Module itself: it tracks the source
// module's parameters in place and can copy the averaged values into another module, or
// swap them with the source's current values for evaluation.
//
// Each Update folds the source's current values into the average with equal weight, so
// after n updates the average is the arithmetic mean of the n snapshots.
type AveragedModule struct {
	source  module.Module
	params  []*module.Parameter
	average []*tensors.Tensor
	count   int
}

// NewAveragedModule starts averaging m's trainable parameters. The average starts empty:
// it holds nothing until the first Update.
//
// It panics if a trainable parameter is not float32 or float64.
func NewAveragedModule(m module.Module) *AveragedModule {
	a := &AveragedModule{source: m}
	for _, p := range m.Parameters() {
		if !p.Trainable {
			continue
		}
		if dt := p.Value.DType(); dt != dtypes.Float32 && dt != dtypes.Float64 {
			exceptions.Panicf("weight averaging does not support parameter %q of dtype %s", p.Name, dt)
		}
		a.params = append(a.params, p)
		a.average = append(a.average, tensors.FromShape(p.Value.Shape()))
	}
	return a
}

// Update folds the source module's current parameter values into the average.
func (a *AveragedModule) Update() {
	a.count++
	for i, p := range a.params {
		switch p.Value.DType() {
		case dtypes.Float32:
			foldInto[float32](a.average[i], p.Value, a.count)
		case dtypes.Float64:
			foldInto[float64](a.average[i], p.Value, a.count)
		}
	}
}

// foldInto updates the running mean in place: avg += (value - avg) / count.
func foldInto[T float32 | float64](avg, value *tensors.Tensor, count int) {
	tensors.MustMutableFlatData(avg, func(dst []T) {
		tensors.MustConstFlatData(value, func(src []T) {
			for i, v := range src {
				dst[i] += (v - dst[i]) / T(count)
			}
		})
	})
}

// NumUpdates returns how many snapshots have been folded into the average.
func (a *AveragedModule) NumUpdates() int { return a.count }

// Average returns the averaged tensor for the named parameter, or nil if the name does
// not match a tracked parameter. The returned tensor is the tracker's own storage: it
// changes on the next Update.
func (a *AveragedModule) Average(name string) *tensors.Tensor {
	for i, p := range a.params {
		if p.Name == name {
			return a.average[i]
		}
	}
	return nil
}

// CopyTo copies the averaged values into dst's matching parameters, leaving the tracker
// unchanged. Every tracked parameter must exist in dst with the same shape.
func (a *AveragedModule) CopyTo(dst module.Module) error {
	if a.count == 0 {
		return errors.New("weight average is empty, call Update first")
	}
	byName := make(map[string]*module.Parameter)
	for _, p := range dst.Parameters() {
		byName[p.Name] = p
	}
	for i, p := range a.params {
		target, found := byName[p.Name]
		if !found {
			return errors.Errorf("module %q has no parameter %q to receive the averaged value", dst.Name(), p.Name)
		}
		if err := target.Value.CopyFrom(a.average[i]); err != nil {
			return errors.WithMessagef(err, "copying averaged value into %q", p.Name)
		}
	}
	return nil
}

// Swap exchanges the source module's parameter values with the averaged values, in place.
// Calling it twice restores the original values. Typical use is swapping the average in
// for evaluation and back out to continue training.
func (a *AveragedModule) Swap() error {
	if a.count == 0 {
		return errors.New("weight average is empty, call Update first")
	}
	for i, p := range a.params {
		p.Value, a.average[i] = a.average[i], p.Value
	}
	return nil
}
