package parallel

import (
	"context"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/ethan626/tnt/pkg/core/distributed"
	"github.com/ethan626/tnt/pkg/core/shapes"
	"github.com/ethan626/tnt/pkg/core/tensors"
	"github.com/ethan626/tnt/pkg/ml/module"
	"github.com/ethan626/tnt/pkg/support/xsync"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// FullyShardedDataParallel shards a module's trainable parameters across the process
// group: the parameters are flattened into one buffer, padded to a multiple of the world
// size, and each rank keeps only its slice. Forward gathers the full parameters from all
// ranks; ReduceGradients reduce-scatters the gradients so each rank ends up with the
// averaged gradient for its own shard, which is all the optimizer steps.
//
// Parameter memory per rank is the shard plus, while gathered, one full copy. Gradients
// and optimizer state stay shard-sized throughout.
//
// The wrapper mutates the wrapped module's parameters in place: their Value tensors
// become views into the shard (or into the gathered buffer), and Sharding records the
// flat range each rank owns.
type FullyShardedDataParallel struct {
	wrapped  module.Module
	group    *distributed.ProcessGroup
	strategy FSDPStrategy

	dtype   dtypes.DType
	params  []*module.Parameter
	dims    [][]int
	sizes   []int
	offsets []int

	total    int // elements across all trainable parameters
	padded   int // total rounded up to a multiple of the world size
	shardLen int // padded / world

	localShard *tensors.Tensor
	flatParam  *module.Parameter // set when UseOrigParams is false

	gatherSem *xsync.Semaphore

	mu      sync.Mutex
	full    *tensors.Tensor // gathered parameters in the master dtype, nil while resharded
	compute *tensors.Tensor // gathered parameters in the compute dtype, == full unless MixedPrecision.ParamDType differs
}

var _ module.Module = (*FullyShardedDataParallel)(nil)

// PrepareSharded wraps m for fully sharded data-parallel training on the process group g.
//
// All trainable parameters must share one dtype, Float32 or Float64. Unlike the
// data-parallel wrapper there is no initial broadcast: ranks are expected to construct
// identical modules, which the deterministic parameter initialization gives them.
//
// Sharded training needs the v2 collectives; preparing on a group that negotiated an
// older protocol fails with ErrUnsupportedProtocol.
func PrepareSharded(ctx context.Context, m module.Module, g *distributed.ProcessGroup, strategy FSDPStrategy) (*FullyShardedDataParallel, error) {
	if m == nil {
		return nil, errors.New("PrepareSharded: a module is required")
	}
	if g == nil {
		return nil, errors.New("PrepareSharded: a process group is required")
	}
	if g.ProtocolVersion() < 2 {
		return nil, errors.Wrapf(ErrUnsupportedProtocol,
			"sharded data parallelism requires protocol version 2, the group negotiated version %d",
			g.ProtocolVersion())
	}
	if mp := strategy.MixedPrecision; mp != nil {
		for _, dt := range []dtypes.DType{mp.ParamDType, mp.ReduceDType, mp.BufferDType} {
			if !validPrecisionDType(dt) {
				return nil, errors.Wrapf(ErrInvalidStrategy, "mixed precision dtype %s is not a float type", dt)
			}
		}
	}

	f := &FullyShardedDataParallel{
		wrapped:   m,
		group:     g,
		strategy:  strategy,
		dtype:     dtypes.InvalidDType,
		gatherSem: xsync.NewSemaphore(strategy.LimitAllGathers),
	}
	for _, p := range m.Parameters() {
		if !p.Trainable {
			if bd := f.bufferDType(); bd != dtypes.InvalidDType && p.Value.DType() != bd {
				converted, err := p.Value.ConvertDType(bd)
				if err != nil {
					return nil, errors.WithMessagef(err, "converting buffer %q to %s", p.Name, bd)
				}
				p.Value = converted
			}
			continue
		}
		dt := p.Value.DType()
		if dt != dtypes.Float32 && dt != dtypes.Float64 {
			return nil, errors.Errorf("sharded training supports float32 and float64 parameters, parameter %q has dtype %s", p.Name, dt)
		}
		if f.dtype == dtypes.InvalidDType {
			f.dtype = dt
		} else if dt != f.dtype {
			return nil, errors.Errorf("sharding requires all trainable parameters to share one dtype, got %s and %s", f.dtype, dt)
		}
		f.params = append(f.params, p)
		f.dims = append(f.dims, p.Value.Shape().Dimensions)
		f.sizes = append(f.sizes, p.Value.Size())
		f.offsets = append(f.offsets, f.total)
		f.total += p.Value.Size()
	}
	if len(f.params) == 0 {
		return nil, errors.Errorf("module %q has no trainable parameters to shard", m.Name())
	}

	world := g.World()
	f.shardLen = (f.total + world - 1) / world
	f.padded = f.shardLen * world

	// Flatten the parameters and keep only this rank's slice.
	flat := tensors.FromShape(shapes.Make(f.dtype, f.padded))
	for i, p := range f.params {
		if err := flat.FlatRange(f.offsets[i], f.offsets[i]+f.sizes[i]).CopyFrom(p.Value.WithShape(f.sizes[i])); err != nil {
			return nil, errors.WithMessagef(err, "flattening parameter %q", p.Name)
		}
	}
	shardStart := g.Rank() * f.shardLen
	f.localShard = flat.FlatRange(shardStart, shardStart+f.shardLen).Clone()

	for i, p := range f.params {
		lo := max(f.offsets[i], shardStart)
		hi := min(f.offsets[i]+f.sizes[i], shardStart+f.shardLen)
		info := &module.ShardInfo{Rank: g.Rank(), WorldSize: world}
		if lo < hi {
			info.Offset = lo - f.offsets[i]
			info.NumElements = hi - lo
		}
		p.Sharding = info
		p.Grad = nil
	}
	if !strategy.UseOrigParams {
		f.flatParam = &module.Parameter{
			Name:      m.Name() + ".flat_param",
			Value:     f.localShard,
			Trainable: true,
			Sharding: &module.ShardInfo{
				Rank:        g.Rank(),
				WorldSize:   world,
				Offset:      shardStart,
				NumElements: max(0, min(shardStart+f.shardLen, f.total)-shardStart),
			},
		}
	}
	f.installShardViews()

	klog.V(1).Infof("FSDP: wrapped %q on rank %d/%d, %s elements in %d parameters, shard holds %s (use_orig_params=%v)",
		m.Name(), g.Rank(), world, humanize.Comma(int64(f.total)), len(f.params),
		humanize.Comma(int64(f.shardLen)), strategy.UseOrigParams)
	return f, nil
}

func validPrecisionDType(dt dtypes.DType) bool {
	switch dt {
	case dtypes.InvalidDType, dtypes.Float16, dtypes.BFloat16, dtypes.Float32, dtypes.Float64:
		return true
	}
	return false
}

// paramDType is the dtype the gathered parameters are presented in.
func (f *FullyShardedDataParallel) paramDType() dtypes.DType {
	if mp := f.strategy.MixedPrecision; mp != nil && mp.ParamDType != dtypes.InvalidDType {
		return mp.ParamDType
	}
	return f.dtype
}

// reduceDType is the dtype gradients are reduced in. It defaults to the compute dtype.
func (f *FullyShardedDataParallel) reduceDType() dtypes.DType {
	if mp := f.strategy.MixedPrecision; mp != nil && mp.ReduceDType != dtypes.InvalidDType {
		return mp.ReduceDType
	}
	return f.paramDType()
}

func (f *FullyShardedDataParallel) bufferDType() dtypes.DType {
	if mp := f.strategy.MixedPrecision; mp != nil {
		return mp.BufferDType
	}
	return dtypes.InvalidDType
}

// installShardViews points the original parameters at this rank's slice of the shard.
// Parameters whose flat range misses the shard entirely get an empty view. In flat-param
// mode the originals keep no storage between gathers.
func (f *FullyShardedDataParallel) installShardViews() {
	shardStart := f.group.Rank() * f.shardLen
	for i, p := range f.params {
		lo := max(f.offsets[i], shardStart)
		hi := min(f.offsets[i]+f.sizes[i], shardStart+f.shardLen)
		if f.strategy.UseOrigParams && lo < hi {
			p.Value = f.localShard.FlatRange(lo-shardStart, hi-shardStart)
		} else {
			p.Value = f.localShard.FlatRange(0, 0)
		}
	}
}

// GatherFullParameters all-gathers the parameter shards and installs full, originally
// shaped values into the wrapped module's parameters. It is a collective: every rank must
// call it, in the same order relative to other collectives on the group. Gathering while
// already gathered is a no-op.
//
// With MixedPrecision.ParamDType set, the installed values are a converted copy in that
// dtype; the master copy keeps the original dtype.
func (f *FullyShardedDataParallel) GatherFullParameters(ctx context.Context) error {
	f.mu.Lock()
	if f.full != nil {
		f.mu.Unlock()
		return nil
	}
	f.mu.Unlock()

	f.gatherSem.Acquire()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full != nil {
		f.gatherSem.Release()
		return nil
	}

	shards, err := f.group.AllGatherTensors(ctx, f.localShard)
	if err != nil {
		f.gatherSem.Release()
		return errors.WithMessage(err, "gathering parameter shards")
	}
	full := tensors.FromShape(shapes.Make(f.dtype, f.padded))
	for r, shard := range shards {
		if err := full.FlatRange(r*f.shardLen, (r+1)*f.shardLen).CopyFrom(shard); err != nil {
			f.gatherSem.Release()
			return errors.WithMessagef(err, "assembling the shard from rank %d", r)
		}
	}
	compute := full
	if pd := f.paramDType(); pd != f.dtype {
		compute, err = full.ConvertDType(pd)
		if err != nil {
			f.gatherSem.Release()
			return errors.WithMessagef(err, "converting gathered parameters to %s", pd)
		}
	}
	for i, p := range f.params {
		p.Value = compute.FlatRange(f.offsets[i], f.offsets[i]+f.sizes[i]).WithShape(f.dims[i]...)
		// Shard-sized gradient views from the previous reduction don't fit the full
		// parameters; the backward pass re-allocates full-sized ones.
		p.Grad = nil
	}
	f.full, f.compute = full, compute
	return nil
}

// FreeFullParameters drops the gathered parameters and points the originals back at this
// rank's shard. Gradients accumulated against the gathered values are dropped with them;
// ReduceGradients reduces before it frees, so the normal training step loses nothing.
// Freeing while not gathered is a no-op.
func (f *FullyShardedDataParallel) FreeFullParameters() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full == nil {
		return
	}
	f.installShardViews()
	for _, p := range f.params {
		p.Grad = nil
	}
	if f.flatParam != nil {
		f.flatParam.Value = f.localShard
	}
	f.full, f.compute = nil, nil
	f.gatherSem.Release()
}

// WithFullParameters gathers the full parameters, runs fn, and reshards. If the
// parameters were already gathered it just runs fn and leaves them gathered. Use it for
// evaluation or checkpointing code that needs the whole module materialized.
func (f *FullyShardedDataParallel) WithFullParameters(ctx context.Context, fn func() error) error {
	f.mu.Lock()
	already := f.full != nil
	f.mu.Unlock()
	if !already {
		if err := f.GatherFullParameters(ctx); err != nil {
			return err
		}
		defer f.FreeFullParameters()
	}
	return fn()
}

// IsGathered reports whether the full parameters are currently materialized.
func (f *FullyShardedDataParallel) IsGathered() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.full != nil
}

// ReduceGradients averages the gradients across the process group and reshards: it
// flattens the full gradients, reduce-scatters them so each rank receives the averaged
// slice it owns, frees the gathered parameters, and installs the gradient shard. After it
// returns, the optimizer sees shard-sized values and matching shard-sized gradients.
//
// A parameter whose gradient was never touched contributes zeros. With
// MixedPrecision.ReduceDType set, the reduction runs in that dtype and the resulting
// shard is converted back to the master dtype.
func (f *FullyShardedDataParallel) ReduceGradients(ctx context.Context) error {
	f.mu.Lock()
	gathered := f.full != nil
	f.mu.Unlock()
	if !gathered {
		return errors.New("parameters are not gathered, run the forward and backward passes first")
	}

	flatGrad := tensors.FromShape(shapes.Make(f.paramDType(), f.padded))
	for i, p := range f.params {
		if p.Grad == nil {
			continue
		}
		if err := flatGrad.FlatRange(f.offsets[i], f.offsets[i]+f.sizes[i]).CopyFrom(p.Grad.WithShape(f.sizes[i])); err != nil {
			return errors.WithMessagef(err, "collecting gradient of %q", p.Name)
		}
	}
	if rd := f.reduceDType(); rd != flatGrad.DType() {
		converted, err := flatGrad.ConvertDType(rd)
		if err != nil {
			return errors.WithMessagef(err, "converting gradients to %s for reduction", rd)
		}
		flatGrad = converted
	}
	gradShard, err := f.group.ReduceScatter(ctx, flatGrad, distributed.ReduceOpAvg)
	if err != nil {
		return errors.WithMessage(err, "reduce-scattering gradients")
	}
	if gradShard.DType() != f.dtype {
		converted, err := gradShard.ConvertDType(f.dtype)
		if err != nil {
			return errors.WithMessagef(err, "converting the gradient shard to %s", f.dtype)
		}
		gradShard = converted
	}

	f.FreeFullParameters()
	shardStart := f.group.Rank() * f.shardLen
	if !f.strategy.UseOrigParams {
		f.flatParam.Grad = gradShard
		return nil
	}
	for i, p := range f.params {
		lo := max(f.offsets[i], shardStart)
		hi := min(f.offsets[i]+f.sizes[i], shardStart+f.shardLen)
		if lo < hi {
			p.Grad = gradShard.FlatRange(lo-shardStart, hi-shardStart)
		} else {
			p.Grad = nil
		}
	}
	return nil
}

// Forward gathers the full parameters if needed and runs the wrapped module. Call
// GatherFullParameters first to control the context or handle gather errors explicitly;
// Forward panics if the gather fails.
func (f *FullyShardedDataParallel) Forward(x *tensors.Tensor) *tensors.Tensor {
	if err := f.GatherFullParameters(context.Background()); err != nil {
		exceptions.Panicf("gathering full parameters for the forward pass: %+v", err)
	}
	return f.wrapped.Forward(x)
}

// Backward runs the wrapped module's backward pass, accumulating full-sized gradients.
// The parameters must still be gathered from the preceding Forward.
func (f *FullyShardedDataParallel) Backward(dOut *tensors.Tensor) *tensors.Tensor {
	if !f.IsGathered() {
		exceptions.Panicf("the backward pass requires gathered parameters, run Forward first")
	}
	return f.wrapped.Backward(dOut)
}

// Parameters returns the original parameters when UseOrigParams is set. Otherwise it
// returns the single flat shard parameter, followed by the module's non-trainable
// parameters; state dicts built from the wrapper then hold the flat parameter instead of
// the original names.
func (f *FullyShardedDataParallel) Parameters() []*module.Parameter {
	if f.strategy.UseOrigParams {
		return f.wrapped.Parameters()
	}
	params := []*module.Parameter{f.flatParam}
	for _, p := range f.wrapped.Parameters() {
		if !p.Trainable {
			params = append(params, p)
		}
	}
	return params
}

// Name returns the wrapped module's name.
func (f *FullyShardedDataParallel) Name() string { return f.wrapped.Name() }

// Module returns the wrapped module.
func (f *FullyShardedDataParallel) Module() module.Module { return f.wrapped }

// Group returns the process group the parameters are sharded over.
func (f *FullyShardedDataParallel) Group() *distributed.ProcessGroup { return f.group }

// MixedPrecision returns the wrapper's mixed precision policy, nil if none was set.
func (f *FullyShardedDataParallel) MixedPrecision() *MixedPrecision {
	return f.strategy.MixedPrecision
}
