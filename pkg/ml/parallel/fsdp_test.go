package parallel_test

import (
	"context"
	"testing"

	"github.com/ethan626/tnt/pkg/core/distributed"
	"github.com/ethan626/tnt/pkg/core/distributed/disttest"
	"github.com/ethan626/tnt/pkg/core/tensors"
	"github.com/ethan626/tnt/pkg/ml/module"
	"github.com/ethan626/tnt/pkg/ml/optimizers"
	"github.com/ethan626/tnt/pkg/ml/parallel"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fillTensor64(t *tensors.Tensor, v float64) {
	tensors.MustMutableFlatData(t, func(flat []float64) {
		for i := range flat {
			flat[i] = v
		}
	})
}

// Linear(4, 3) flattens to 12+3 = 15 elements; across two ranks that pads to 16 with
// 8 elements per shard. Rank 0 holds the first 8 weight elements, rank 1 the remaining
// 4 plus the whole bias plus padding.
func TestFSDPShardLayout(t *testing.T) {
	disttest.Run(t, 2, func(ctx context.Context, g *distributed.ProcessGroup) error {
		lin := module.NewLinear("lin", 4, 3)
		w, b := lin.Parameters()[0], lin.Parameters()[1]
		wantW, wantB := w.Value.Clone(), b.Value.Clone()

		fsdp, err := parallel.PrepareSharded(ctx, lin, g, parallel.NewFSDPStrategy())
		if err != nil {
			return err
		}
		type shard struct{ wLen, wOff, bLen, bOff int }
		want := []shard{
			{wLen: 8, wOff: 0, bLen: 0, bOff: 0},
			{wLen: 4, wOff: 8, bLen: 3, bOff: 0},
		}[g.Rank()]
		if w.Value.Size() != want.wLen || w.Sharding.Offset != want.wOff || w.Sharding.NumElements != want.wLen {
			return errors.Errorf("rank %d: weight shard is %d elements at offset %d, want %d at %d",
				g.Rank(), w.Value.Size(), w.Sharding.Offset, want.wLen, want.wOff)
		}
		if b.Value.Size() != want.bLen || b.Sharding.NumElements != want.bLen {
			return errors.Errorf("rank %d: bias shard is %d elements, want %d", g.Rank(), b.Value.Size(), want.bLen)
		}
		if w.Sharding.WorldSize != 2 || w.Sharding.Rank != g.Rank() {
			return errors.Errorf("rank %d: bad shard info %+v", g.Rank(), w.Sharding)
		}

		// Gathering reassembles the original values and shapes on every rank.
		if err := fsdp.GatherFullParameters(ctx); err != nil {
			return err
		}
		if !fsdp.IsGathered() {
			return errors.New("IsGathered is false after a gather")
		}
		if !wantW.Equal(w.Value) || !wantB.Equal(b.Value) {
			return errors.Errorf("rank %d: gathered values differ from the originals", g.Rank())
		}

		fsdp.FreeFullParameters()
		if fsdp.IsGathered() {
			return errors.New("IsGathered is true after a free")
		}
		if w.Value.Size() != want.wLen {
			return errors.Errorf("rank %d: weight did not reshard, has %d elements", g.Rank(), w.Value.Size())
		}
		return nil
	})
}

// Mirrors the DDP equivalence test: two ranks, half the batch each, must step to the
// same weights as one process over the whole batch, even though each rank only ever
// updates its own shard.
func TestFSDPTwoRankTrainingStep(t *testing.T) {
	xData := []float32{0.5, -1, 2, 1.5, 0.25, -0.75, 3, -2, 0.125, 1, 2, -1}
	disttest.Run(t, 2, func(ctx context.Context, g *distributed.ProcessGroup) error {
		lin := module.NewLinear("lin", 3, 2)
		fsdp, err := parallel.PrepareSharded(ctx, lin, g, parallel.NewFSDPStrategy())
		if err != nil {
			return err
		}

		xFull := tensors.FromFlatDataAndDimensions(xData, 4, 3)
		xLocal := xFull.FlatRange(g.Rank()*6, (g.Rank()+1)*6).WithShape(2, 3)
		fsdp.Forward(xLocal)
		fsdp.Backward(constTensor(1, 2, 2))
		if err := fsdp.ReduceGradients(ctx); err != nil {
			return err
		}
		opt := &optimizers.SGD{LR: 0.1}
		opt.Step(fsdp.Parameters())

		ref := module.NewLinear("lin", 3, 2)
		ref.Forward(xFull)
		ref.Backward(constTensor(0.5, 4, 2))
		refOpt := &optimizers.SGD{LR: 0.1}
		refOpt.Step(ref.Parameters())

		if err := fsdp.GatherFullParameters(ctx); err != nil {
			return err
		}
		defer fsdp.FreeFullParameters()
		refParams := ref.Parameters()
		for i, p := range lin.Parameters() {
			want := tensors.MustCopyFlatData[float32](refParams[i].Value)
			got := tensors.MustCopyFlatData[float32](p.Value)
			if d := maxAbsDiff(want, got); d > 1e-5 {
				return errors.Errorf("parameter %q diverged from the single-process reference by %g", p.Name, d)
			}
		}
		return nil
	})
}

func TestFSDPFlatParamMode(t *testing.T) {
	ctx := context.Background()
	g := newLocalGroup(t)

	lin := module.NewLinear("lin", 4, 3)
	wantOut := module.NewLinear("lin", 4, 3) // same deterministic initialization

	strategy := parallel.NewFSDPStrategy()
	strategy.UseOrigParams = false
	fsdp, err := parallel.PrepareSharded(ctx, lin, g, strategy)
	require.NoError(t, err)

	params := fsdp.Parameters()
	require.Len(t, params, 1)
	flat := params[0]
	assert.Equal(t, "lin.flat_param", flat.Name)
	assert.Equal(t, 15, flat.Value.Size())
	require.NotNil(t, flat.Sharding)
	assert.Equal(t, 0, flat.Sharding.Offset)
	assert.Equal(t, 15, flat.Sharding.NumElements)

	// The original parameters keep no storage between gathers.
	assert.Equal(t, 0, lin.Parameters()[0].Value.Size())

	// Forward gathers and computes with the reassembled values.
	x := tensors.FromValue([][]float32{{1, 0, -1, 2}, {0.5, 2, 1, -1}})
	out := fsdp.Forward(x)
	assert.True(t, wantOut.Forward(x).Equal(out))

	fsdp.Backward(constTensor(1, 2, 3))
	require.NoError(t, fsdp.ReduceGradients(ctx))
	require.NotNil(t, flat.Grad)
	assert.Equal(t, 15, flat.Grad.Size())

	// The optimizer steps the flat shard directly.
	opt := &optimizers.SGD{LR: 0.1}
	opt.Step(params)
	out2 := fsdp.Forward(x)
	assert.False(t, out.Equal(out2), "the step must change the output")
}

func TestFSDPProtocolGate(t *testing.T) {
	ctx := context.Background()
	g, err := distributed.NewProcessGroup(ctx, nil, 0, 1, distributed.WithProtocolVersion(1))
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })

	lin := module.NewLinear("lin", 4, 3)
	_, err = parallel.PrepareSharded(ctx, lin, g, parallel.NewFSDPStrategy())
	require.Error(t, err)
	assert.True(t, errors.Is(err, parallel.ErrUnsupportedProtocol))
	assert.ErrorContains(t, err, "requires protocol version 2")

	// The same gate fires through the Prepare dispatch.
	_, err = parallel.Prepare(ctx, lin, testDevice,
		parallel.WithStrategyName("fsdp"), parallel.WithProcessGroup(g))
	require.Error(t, err)
	assert.True(t, errors.Is(err, parallel.ErrUnsupportedProtocol))
}

func TestFSDPMixedPrecision(t *testing.T) {
	ctx := context.Background()
	g := newLocalGroup(t)

	lin := module.NewLinear("lin", 4, 3)
	w, b := lin.Parameters()[0], lin.Parameters()[1]
	wantW := tensors.MustCopyFlatData[float32](w.Value)

	strategy := parallel.NewFSDPStrategy()
	strategy.MixedPrecision = &parallel.MixedPrecision{ParamDType: dtypes.Float64}
	fsdp, err := parallel.PrepareSharded(ctx, lin, g, strategy)
	require.NoError(t, err)

	// The policy is observable, unchanged, on the wrapper.
	require.NotNil(t, fsdp.MixedPrecision())
	assert.Equal(t, dtypes.Float64, fsdp.MixedPrecision().ParamDType)

	// Gathered values are presented in the compute dtype.
	require.NoError(t, fsdp.GatherFullParameters(ctx))
	assert.Equal(t, dtypes.Float64, w.Value.DType())
	assert.Equal(t, []int{4, 3}, w.Value.Shape().Dimensions)
	gathered := tensors.MustCopyFlatData[float64](w.Value)
	for i, v := range wantW {
		assert.InDelta(t, float64(v), gathered[i], 1e-12)
	}

	// Gradients accumulate in the compute dtype and come back in the master dtype.
	fillTensor64(w.EnsureGrad(), 2)
	require.NoError(t, fsdp.ReduceGradients(ctx))
	require.NotNil(t, w.Grad)
	assert.Equal(t, dtypes.Float32, w.Grad.DType())
	for _, v := range tensors.MustCopyFlatData[float32](w.Grad) {
		assert.Equal(t, float32(2), v)
	}
	require.NotNil(t, b.Grad)
	for _, v := range tensors.MustCopyFlatData[float32](b.Grad) {
		assert.Zero(t, v, "untouched parameters reduce to zero gradients")
	}

	// Non-float compute dtypes are rejected up front.
	bad := parallel.NewFSDPStrategy()
	bad.MixedPrecision = &parallel.MixedPrecision{ParamDType: dtypes.Int32}
	_, err = parallel.PrepareSharded(ctx, module.NewLinear("lin", 4, 3), g, bad)
	require.Error(t, err)
	assert.True(t, errors.Is(err, parallel.ErrInvalidStrategy))
	assert.ErrorContains(t, err, "not a float type")
}

func TestFSDPValidation(t *testing.T) {
	ctx := context.Background()
	g := newLocalGroup(t)

	_, err := parallel.PrepareSharded(ctx, nil, g, parallel.NewFSDPStrategy())
	assert.ErrorContains(t, err, "a module is required")

	_, err = parallel.PrepareSharded(ctx, module.NewLinear("lin", 2, 2), nil, parallel.NewFSDPStrategy())
	assert.ErrorContains(t, err, "a process group is required")

	// Trainable parameters must share one dtype.
	mixed := module.NewSequential("mixed",
		module.NewLinear("a", 2, 2),
		module.NewLinear("b", 2, 2).WithDType(dtypes.Float64))
	_, err = parallel.PrepareSharded(ctx, mixed, g, parallel.NewFSDPStrategy())
	assert.ErrorContains(t, err, "share one dtype")

	// Nothing trainable, nothing to shard.
	frozen := module.NewLinear("frozen", 2, 2)
	for _, p := range frozen.Parameters() {
		p.Trainable = false
	}
	_, err = parallel.PrepareSharded(ctx, frozen, g, parallel.NewFSDPStrategy())
	assert.ErrorContains(t, err, "no trainable parameters")
}

func TestFSDPWithFullParameters(t *testing.T) {
	ctx := context.Background()
	g := newLocalGroup(t)

	lin := module.NewLinear("lin", 4, 3)
	fsdp, err := parallel.PrepareSharded(ctx, lin, g, parallel.NewFSDPStrategy())
	require.NoError(t, err)
	w := lin.Parameters()[0]

	ran := false
	err = fsdp.WithFullParameters(ctx, func() error {
		ran = true
		if !fsdp.IsGathered() {
			return errors.New("not gathered inside WithFullParameters")
		}
		assert.Equal(t, []int{4, 3}, w.Value.Shape().Dimensions)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.False(t, fsdp.IsGathered(), "parameters reshard when the callback returns")

	// Errors from the callback come through, and the reshard still happens.
	sentinel := errors.New("boom")
	err = fsdp.WithFullParameters(ctx, func() error { return sentinel })
	assert.True(t, errors.Is(err, sentinel))
	assert.False(t, fsdp.IsGathered())

	// If already gathered, the callback runs in place and the parameters stay gathered.
	require.NoError(t, fsdp.GatherFullParameters(ctx))
	require.NoError(t, fsdp.WithFullParameters(ctx, func() error { return nil }))
	assert.True(t, fsdp.IsGathered())
	fsdp.FreeFullParameters()
}
