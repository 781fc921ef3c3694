package parallel

import (
	"context"

	"github.com/dustin/go-humanize"
	"github.com/ethan626/tnt/pkg/core/distributed"
	"github.com/ethan626/tnt/pkg/core/shapes"
	"github.com/ethan626/tnt/pkg/core/tensors"
	"github.com/ethan626/tnt/pkg/ml/module"
	"github.com/ethan626/tnt/pkg/support/xslices"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DistributedDataParallel replicates a module across the process group and averages
// gradients after each backward pass.
//
// Forward and Backward run on the local replica only. ReduceGradients is the collective
// step: it averages every trainable parameter's gradient across ranks, bucketing small
// gradients together so the transport sees a few large tensors instead of many small ones.
// After ReduceGradients all replicas hold identical gradients, so stepping the optimizer
// on each rank keeps the replicas in sync.
type DistributedDataParallel struct {
	wrapped  module.Module
	group    *distributed.ProcessGroup
	strategy DDPStrategy
	algo     distributed.Algo

	trainable []*module.Parameter
	buckets   []gradBucket

	// participation records which parameters had gradients on the first reduction, when
	// StaticGraph is set. Later reductions must present the same set; parameters outside
	// it contribute zeros and are skipped when the reduced gradients are written back.
	participation map[*module.Parameter]bool

	swaParams *SWAParams
	swa       *AveragedModule
}

var _ module.Module = (*DistributedDataParallel)(nil)

// gradBucket is a flat buffer holding the gradients of a run of same-dtype parameters,
// reduced in a single all-reduce. views[i] aliases params[i]'s slot in the buffer, shaped
// like the parameter.
type gradBucket struct {
	buffer *tensors.Tensor
	params []*module.Parameter
	views  []*tensors.Tensor
}

// PrepareDataParallel wraps m for data-parallel training on the process group g.
//
// It broadcasts rank 0's parameter values so all replicas start identical, then builds the
// gradient buckets. With GradientAsBucketView set, each trainable parameter's Grad is
// installed as a view into its bucket's buffer, so the backward pass accumulates directly
// into the reduction buffer.
func PrepareDataParallel(ctx context.Context, m module.Module, g *distributed.ProcessGroup, strategy DDPStrategy) (*DistributedDataParallel, error) {
	if m == nil {
		return nil, errors.New("PrepareDataParallel: a module is required")
	}
	if g == nil {
		return nil, errors.New("PrepareDataParallel: a process group is required")
	}
	if !strategy.Algo.IsAAlgo() {
		return nil, errors.Wrapf(ErrInvalidStrategy, "unknown all-reduce algorithm %d", strategy.Algo)
	}
	if strategy.BucketCapMB < 0 {
		return nil, errors.Wrapf(ErrInvalidStrategy, "bucket capacity must be >= 0 MB, got %d", strategy.BucketCapMB)
	}

	// Align every replica with rank 0's weights before the first step.
	for _, p := range m.Parameters() {
		if err := g.Broadcast(ctx, p.Value, 0); err != nil {
			return nil, errors.WithMessagef(err, "broadcasting parameter %q from rank 0", p.Name)
		}
	}

	algo := strategy.Algo
	if algo == distributed.AlgoAuto {
		algo = g.AllReduceAlgo()
	}
	d := &DistributedDataParallel{
		wrapped:  m,
		group:    g,
		strategy: strategy,
		algo:     algo,
	}
	for _, p := range m.Parameters() {
		if p.Trainable {
			d.trainable = append(d.trainable, p)
		}
	}
	d.buildBuckets()
	if strategy.GradientAsBucketView {
		for _, b := range d.buckets {
			for i, p := range b.params {
				p.Grad = b.views[i]
			}
		}
	}
	klog.V(1).Infof("DDP: wrapped %q on rank %d/%d, %d trainable parameters in %d buckets (cap %s, algo %s)",
		m.Name(), g.Rank(), g.World(), len(d.trainable), len(d.buckets),
		humanize.IBytes(uint64(strategy.bucketCapBytes())), algo)
	return d, nil
}

func (s DDPStrategy) bucketCapBytes() int {
	capMB := s.BucketCapMB
	if capMB == 0 {
		capMB = DefaultBucketCapMB
	}
	return capMB << 20
}

// buildBuckets groups trainable parameters into flat reduction buffers. Gradients become
// ready roughly in reverse parameter order during the backward pass, so later parameters
// are bucketed first. A bucket holds a run of parameters with the same dtype, up to the
// configured capacity; a single parameter larger than the capacity gets its own bucket.
func (d *DistributedDataParallel) buildBuckets() {
	capBytes := d.strategy.bucketCapBytes()

	var members []*module.Parameter
	var elems, bytes int
	dtype := dtypes.InvalidDType
	flush := func() {
		if len(members) == 0 {
			return
		}
		d.buckets = append(d.buckets, newGradBucket(dtype, elems, members))
		members, elems, bytes = nil, 0, 0
	}
	for i := len(d.trainable) - 1; i >= 0; i-- {
		p := d.trainable[i]
		dt := p.Value.DType()
		pBytes := p.Value.Size() * dt.Size()
		if len(members) > 0 && (dt != dtype || bytes+pBytes > capBytes) {
			flush()
		}
		dtype = dt
		members = append(members, p)
		elems += p.Value.Size()
		bytes += pBytes
	}
	flush()
}

func newGradBucket(dtype dtypes.DType, elems int, members []*module.Parameter) gradBucket {
	b := gradBucket{
		buffer: tensors.FromShape(shapes.Make(dtype, elems)),
		params: members,
	}
	offset := 0
	for _, p := range members {
		n := p.Value.Size()
		view := b.buffer.FlatRange(offset, offset+n).WithShape(p.Value.Shape().Dimensions...)
		b.views = append(b.views, view)
		offset += n
	}
	return b
}

// ReduceGradients averages the trainable parameters' gradients across the process group.
// Call it after the backward pass and before the optimizer step; every rank must call it
// the same number of times.
//
// Without GradientAsBucketView, gradients are copied into the bucket buffers, reduced, and
// copied back; a parameter with no gradient is an error unless FindUnusedParameters is
// set, in which case it contributes zeros and still receives the averaged gradient. With
// GradientAsBucketView the gradients already live in the buffers and no copies are made.
//
// With StaticGraph, the parameters that had gradients on the first call become the fixed
// participant set: the set must not change on later calls, and parameters outside it
// contribute zeros and keep a nil gradient.
func (d *DistributedDataParallel) ReduceGradients(ctx context.Context) error {
	participants, err := d.checkParticipation()
	if err != nil {
		return err
	}
	for bi := range d.buckets {
		b := &d.buckets[bi]
		if !d.strategy.GradientAsBucketView {
			for i, p := range b.params {
				active := p.Grad != nil
				if participants != nil {
					active = participants[p]
				}
				switch {
				case active:
					if err := b.views[i].CopyFrom(p.Grad); err != nil {
						return errors.WithMessagef(err, "collecting gradient of %q", p.Name)
					}
				case d.strategy.FindUnusedParameters || participants != nil:
					zeroTensor(b.views[i])
				default:
					return errors.Errorf("parameter %q has no gradient, run a backward pass first or set FindUnusedParameters", p.Name)
				}
			}
		}
		if err := d.group.AllReduce(ctx, b.buffer, distributed.ReduceOpAvg, d.algo); err != nil {
			return errors.WithMessagef(err, "reducing gradient bucket %d", bi)
		}
		if !d.strategy.GradientAsBucketView {
			for i, p := range b.params {
				if participants != nil && !participants[p] {
					continue
				}
				if err := p.EnsureGrad().CopyFrom(b.views[i]); err != nil {
					return errors.WithMessagef(err, "distributing reduced gradient of %q", p.Name)
				}
			}
		}
	}
	return nil
}

// checkParticipation enforces StaticGraph: the set of parameters with gradients is
// recorded on the first reduction and must not change afterwards. It returns the frozen
// set, nil when StaticGraph is off.
func (d *DistributedDataParallel) checkParticipation() (map[*module.Parameter]bool, error) {
	if !d.strategy.StaticGraph {
		return nil, nil
	}
	if d.participation == nil {
		d.participation = make(map[*module.Parameter]bool, len(d.trainable))
		for _, p := range d.trainable {
			d.participation[p] = p.Grad != nil
		}
		return d.participation, nil
	}
	for _, p := range d.trainable {
		if (p.Grad != nil) != d.participation[p] {
			return nil, errors.Errorf("static graph: parameter %q changed participation between iterations", p.Name)
		}
	}
	return d.participation, nil
}

func zeroTensor(t *tensors.Tensor) {
	t.MustMutableFlatData(func(flat any) {
		xslices.ZeroAnySlice(flat)
	})
}

// Forward runs the local replica.
func (d *DistributedDataParallel) Forward(x *tensors.Tensor) *tensors.Tensor {
	return d.wrapped.Forward(x)
}

// Backward runs the local replica's backward pass. It accumulates local gradients only;
// call ReduceGradients to average them across ranks.
func (d *DistributedDataParallel) Backward(dOut *tensors.Tensor) *tensors.Tensor {
	return d.wrapped.Backward(dOut)
}

// Parameters returns the wrapped module's parameters, unchanged.
func (d *DistributedDataParallel) Parameters() []*module.Parameter {
	return d.wrapped.Parameters()
}

// Name returns the wrapped module's name.
func (d *DistributedDataParallel) Name() string { return d.wrapped.Name() }

// Module returns the wrapped module.
func (d *DistributedDataParallel) Module() module.Module { return d.wrapped }

// Group returns the process group the wrapper reduces over.
func (d *DistributedDataParallel) Group() *distributed.ProcessGroup { return d.group }

// NumBuckets returns the number of gradient reduction buckets.
func (d *DistributedDataParallel) NumBuckets() int { return len(d.buckets) }

func (d *DistributedDataParallel) attachSWA(params *SWAParams) {
	d.swaParams = params
	d.swa = NewAveragedModule(d.wrapped)
}

// UpdateSWA folds the current parameter values into the weight average. It is a no-op
// before the configured start epoch, or when no averaging was requested.
func (d *DistributedDataParallel) UpdateSWA(epoch int) {
	if d.swa == nil || epoch < d.swaParams.EpochStart {
		return
	}
	d.swa.Update()
}

// SWA returns the averaged-weights tracker, or nil when Prepare was called without
// WithSWA.
func (d *DistributedDataParallel) SWA() *AveragedModule { return d.swa }
