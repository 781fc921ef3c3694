// Package parallel prepares modules for distributed training: data-parallel replication
// (DistributedDataParallel), parameter sharding (FullyShardedDataParallel), backend
// compilation and stochastic weight averaging, behind a single Prepare entry point.
//
// A Strategy describes how the module is to be parallelized; Prepare validates the
// combination of strategy, compile and averaging options up front and only then wraps the
// module. All wrappers implement module.Module and preserve the wrapped module's parameter
// set, so optimizers and state dicts keep working on the prepared result.
package parallel

import (
	"github.com/ethan626/tnt/pkg/core/distributed"
	"github.com/ethan626/tnt/pkg/ml/optimizers"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Strategy describes how a module is parallelized across the process group.
// It is a sealed interface: the implementations are DDPStrategy and FSDPStrategy.
type Strategy interface {
	// strategyName returns the short name the strategy is registered under for
	// ParseStrategy, and seals the interface.
	strategyName() string
}

// DefaultBucketCapMB is the gradient bucket capacity used when DDPStrategy.BucketCapMB
// is left zero.
const DefaultBucketCapMB = 25

// DDPStrategy configures data-parallel replication: every rank holds a full replica and
// gradients are averaged across ranks after each backward pass.
//
// The zero value is a valid default configuration.
type DDPStrategy struct {
	// FindUnusedParameters tolerates trainable parameters that the backward pass never
	// touched: their bucket slot is filled with zeros. When false, a missing gradient is
	// an error naming the parameter.
	FindUnusedParameters bool

	// GradientAsBucketView makes each parameter's Grad tensor an alias into the bucket
	// buffer, so gradient accumulation writes straight into the reduction buffer and the
	// copy back after the all-reduce disappears.
	GradientAsBucketView bool

	// StaticGraph freezes the set of participating parameters after the first gradient
	// reduction; a later change is an error. It is incompatible with compilation.
	StaticGraph bool

	// BucketCapMB caps the size of one gradient bucket, in mebibytes. Zero means
	// DefaultBucketCapMB.
	BucketCapMB int

	// Algo selects the all-reduce algorithm. AlgoAuto defers to the process group's
	// configured algorithm.
	Algo distributed.Algo
}

func (DDPStrategy) strategyName() string { return "ddp" }

// FSDPStrategy configures fully sharded data parallelism: the trainable parameters are
// flattened into one buffer and each rank keeps only its 1/world shard, gathering the full
// parameters just-in-time for compute.
//
// Use NewFSDPStrategy for the usual defaults; the zero value disables the gather throttle
// and keeps only the flat shard parameter.
type FSDPStrategy struct {
	// LimitAllGathers caps how many full-parameter gathers may be in flight at once
	// across concurrent forward passes. Zero or negative means no limit.
	LimitAllGathers int

	// UseOrigParams keeps the original named parameters visible on the wrapper, as
	// aliases into the gathered buffer (or into the local shard while resharded), so
	// state dicts and optimizers see the original names. When false the wrapper exposes
	// a single flat shard parameter instead. Compilation requires true.
	UseOrigParams bool

	// MixedPrecision optionally lowers the precision of compute and gradient reduction.
	// Nil keeps everything in the parameters' own dtype.
	MixedPrecision *MixedPrecision
}

func (FSDPStrategy) strategyName() string { return "fsdp" }

// NewFSDPStrategy returns the default sharding configuration: at most 2 concurrent
// gathers and the original parameters kept visible.
func NewFSDPStrategy() FSDPStrategy {
	return FSDPStrategy{LimitAllGathers: 2, UseOrigParams: true}
}

// MixedPrecision declares the reduced-precision policy of a sharded module. Zero-valued
// fields (dtypes.InvalidDType) keep the respective tensors in their original dtype.
type MixedPrecision struct {
	// ParamDType is the dtype parameters are cast to for the forward and backward
	// computation. The master copy in the shard keeps the original dtype.
	ParamDType dtypes.DType

	// ReduceDType is the dtype gradients are cast to for the cross-rank reduction.
	ReduceDType dtypes.DType

	// BufferDType is the dtype non-trainable parameters are converted to.
	BufferDType dtypes.DType
}

// CompileParams configures the optional compilation step after wrapping.
type CompileParams struct {
	// Backend is a compile backend registry configuration, "<name>" or "<name>:<config>"
	// (see backends.NewWithConfig). Empty selects the default backend.
	Backend string
}

// SWAParams configures stochastic weight averaging on a data-parallel module: from
// EpochStart on, UpdateSWA folds the current weights into a running average, while the
// learning rate anneals over AnnealEpochs following AnnealStrategy.
type SWAParams struct {
	EpochStart   int
	AnnealEpochs int

	// AnnealStrategy defaults to cosine annealing when empty.
	AnnealStrategy optimizers.AnnealStrategy
}

// ParseStrategy resolves a strategy name to its default configuration: "ddp" to the
// zero DDPStrategy, "fsdp" to NewFSDPStrategy.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "ddp":
		return DDPStrategy{}, nil
	case "fsdp":
		return NewFSDPStrategy(), nil
	}
	return nil, errors.Wrapf(ErrInvalidStrategy, "strategy %q not supported, use %q or %q", s, "ddp", "fsdp")
}
