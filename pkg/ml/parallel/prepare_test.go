package parallel_test

import (
	"context"
	"testing"

	"github.com/ethan626/tnt/backends"
	_ "github.com/ethan626/tnt/backends/eager"
	"github.com/ethan626/tnt/pkg/core/distributed"
	"github.com/ethan626/tnt/pkg/core/tensors"
	"github.com/ethan626/tnt/pkg/ml/module"
	"github.com/ethan626/tnt/pkg/ml/parallel"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// capBackend is a stub backend with fixed capabilities, for exercising the capability
// checks in Prepare without a real second backend.
type capBackend struct {
	name string
	caps backends.Capabilities
}

func (b capBackend) Name() string                                   { return b.name }
func (b capBackend) Description() string                            { return "capability stub" }
func (b capBackend) Capabilities() backends.Capabilities            { return b.caps }
func (b capBackend) Compile(m module.Module) (module.Module, error) { return m, nil }
func (b capBackend) IsFinalized() bool                              { return false }
func (b capBackend) Finalize()                                      {}

func init() {
	backends.Register("notrain", func(config string) (backends.Backend, error) {
		return capBackend{name: "notrain", caps: backends.Capabilities{Training: false, ShardedParameters: true}}, nil
	})
	backends.Register("nosharding", func(config string) (backends.Backend, error) {
		return capBackend{name: "nosharding", caps: backends.Capabilities{Training: true, ShardedParameters: false}}, nil
	})
}

// newLocalGroup returns a single-process group, enough to exercise the wrappers without
// a second rank.
func newLocalGroup(t *testing.T) *distributed.ProcessGroup {
	t.Helper()
	g, err := distributed.NewProcessGroup(context.Background(), nil, 0, 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })
	return g
}

var testDevice = distributed.Device{Backend: "go"}

func TestPrepareValidation(t *testing.T) {
	ctx := context.Background()
	lin := module.NewLinear("lin", 2, 2)

	_, err := parallel.Prepare(ctx, nil, testDevice)
	assert.ErrorContains(t, err, "a module is required")

	_, err = parallel.Prepare(ctx, lin, testDevice,
		parallel.WithStrategy(parallel.DDPStrategy{}), parallel.WithStrategyName("ddp"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, parallel.ErrIncompatibleOptions))
	assert.ErrorContains(t, err, "not both")

	_, err = parallel.Prepare(ctx, lin, testDevice, parallel.WithStrategyName("foo"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, parallel.ErrInvalidStrategy))
	assert.ErrorContains(t, err, `strategy "foo" not supported`)

	// Option incompatibilities are reported before any group or backend is needed.
	_, err = parallel.Prepare(ctx, lin, testDevice,
		parallel.WithStrategy(parallel.NewFSDPStrategy()),
		parallel.WithSWA(&parallel.SWAParams{EpochStart: 1}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, parallel.ErrIncompatibleOptions))
	assert.ErrorContains(t, err, "stochastic weight averaging is currently not supported with the FSDP strategy")

	noOrig := parallel.NewFSDPStrategy()
	noOrig.UseOrigParams = false
	_, err = parallel.Prepare(ctx, lin, testDevice,
		parallel.WithStrategy(noOrig),
		parallel.WithCompile(&parallel.CompileParams{Backend: "go"}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, parallel.ErrIncompatibleOptions))
	assert.ErrorContains(t, err, "graph compilation requires FSDPStrategy.UseOrigParams to be true")

	_, err = parallel.Prepare(ctx, lin, testDevice,
		parallel.WithStrategy(parallel.DDPStrategy{StaticGraph: true}),
		parallel.WithCompile(&parallel.CompileParams{Backend: "go"}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, parallel.ErrIncompatibleOptions))
	assert.ErrorContains(t, err, "graph compilation requires DDPStrategy.StaticGraph to be false")

	_, err = parallel.Prepare(ctx, lin, testDevice,
		parallel.WithCompile(&parallel.CompileParams{Backend: "bogus"}))
	assert.ErrorContains(t, err, "bogus")

	_, err = parallel.Prepare(ctx, lin, testDevice,
		parallel.WithCompile(&parallel.CompileParams{Backend: "notrain"}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, parallel.ErrIncompatibleOptions))
	assert.ErrorContains(t, err, "does not support training")

	_, err = parallel.Prepare(ctx, lin, testDevice,
		parallel.WithStrategy(parallel.NewFSDPStrategy()),
		parallel.WithCompile(&parallel.CompileParams{Backend: "nosharding"}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, parallel.ErrIncompatibleOptions))
	assert.ErrorContains(t, err, "does not support sharded parameters")

	// A strategy without a process group, and no default installed.
	_, err = parallel.Prepare(ctx, lin, testDevice, parallel.WithStrategy(parallel.DDPStrategy{}))
	assert.ErrorContains(t, err, "needs a process group")
}

func TestPrepareNoStrategy(t *testing.T) {
	ctx := context.Background()
	lin := module.NewLinear("lin", 2, 2)

	got, err := parallel.Prepare(ctx, lin, testDevice)
	require.NoError(t, err)
	assert.Same(t, lin, got, "no strategy and no compile returns the module untouched")

	got, err = parallel.Prepare(ctx, lin, testDevice, parallel.WithCompile(&parallel.CompileParams{Backend: "go"}))
	require.NoError(t, err)
	compiled, ok := got.(*parallel.Compiled)
	require.True(t, ok)
	assert.Same(t, lin, compiled.Module())
	assert.Equal(t, "lin", compiled.Name())
	assert.Equal(t, "go", compiled.Backend().Name())

	// Compilation keeps the parameter set intact: same names, same tensors.
	sdBefore := module.StateDict(lin)
	sdAfter := module.StateDict(compiled)
	require.Len(t, sdAfter, len(sdBefore))
	for name, tensor := range sdBefore {
		assert.Same(t, tensor, sdAfter[name], "state dict entry %q", name)
	}

	x := tensors.FromValue([][]float32{{1, 2}, {3, 4}})
	want := lin.Forward(x)
	got2 := compiled.Forward(x)
	assert.True(t, want.Equal(got2))

	// An empty CompileParams picks the backend from the device.
	got, err = parallel.Prepare(ctx, lin, testDevice, parallel.WithCompile(&parallel.CompileParams{}))
	require.NoError(t, err)
	compiled, ok = got.(*parallel.Compiled)
	require.True(t, ok)
	assert.Equal(t, "go", compiled.Backend().Name())
}

func TestPrepareDispatch(t *testing.T) {
	ctx := context.Background()
	g := newLocalGroup(t)

	ddpIn := module.NewLinear("lin", 2, 2)
	got, err := parallel.Prepare(ctx, ddpIn, testDevice,
		parallel.WithStrategyName("ddp"), parallel.WithProcessGroup(g))
	require.NoError(t, err)
	ddp, ok := parallel.AsDataParallel(got)
	require.True(t, ok)
	assert.Same(t, ddpIn, ddp.Module())
	assert.False(t, parallel.IsSharded(got))
	// The wrapper exposes the same parameters.
	require.Len(t, got.Parameters(), 2)
	assert.Same(t, ddpIn.Parameters()[0], got.Parameters()[0])

	fsdpIn := module.NewLinear("lin", 2, 2)
	got, err = parallel.Prepare(ctx, fsdpIn, testDevice,
		parallel.WithStrategyName("fsdp"), parallel.WithProcessGroup(g))
	require.NoError(t, err)
	assert.True(t, parallel.IsSharded(got))
	_, ok = parallel.AsSharded(got)
	require.True(t, ok)

	// Compile wraps outside the parallel wrapper, and the As helpers see through it.
	bothIn := module.NewLinear("lin", 2, 2)
	got, err = parallel.Prepare(ctx, bothIn, testDevice,
		parallel.WithStrategy(parallel.DDPStrategy{}),
		parallel.WithCompile(&parallel.CompileParams{Backend: "go"}),
		parallel.WithProcessGroup(g))
	require.NoError(t, err)
	compiled, ok := got.(*parallel.Compiled)
	require.True(t, ok)
	_, ok = parallel.AsDataParallel(compiled)
	assert.True(t, ok)

	shardedIn := module.NewLinear("lin", 2, 2)
	got, err = parallel.Prepare(ctx, shardedIn, testDevice,
		parallel.WithStrategy(parallel.NewFSDPStrategy()),
		parallel.WithCompile(&parallel.CompileParams{Backend: "go"}),
		parallel.WithProcessGroup(g))
	require.NoError(t, err)
	assert.True(t, parallel.IsSharded(got))
}

func TestPrepareSWAAttach(t *testing.T) {
	ctx := context.Background()
	g := newLocalGroup(t)

	lin := module.NewLinear("lin", 2, 2)
	got, err := parallel.Prepare(ctx, lin, testDevice,
		parallel.WithStrategy(parallel.DDPStrategy{}),
		parallel.WithProcessGroup(g),
		parallel.WithSWA(&parallel.SWAParams{EpochStart: 2}))
	require.NoError(t, err)
	ddp, ok := parallel.AsDataParallel(got)
	require.True(t, ok)
	swa := ddp.SWA()
	require.NotNil(t, swa)

	// Updates only count from the start epoch on.
	ddp.UpdateSWA(0)
	ddp.UpdateSWA(1)
	assert.Equal(t, 0, swa.NumUpdates())
	ddp.UpdateSWA(2)
	ddp.UpdateSWA(3)
	assert.Equal(t, 2, swa.NumUpdates())

	plain := module.NewLinear("lin", 2, 2)
	got, err = parallel.Prepare(ctx, plain, testDevice,
		parallel.WithStrategy(parallel.DDPStrategy{}), parallel.WithProcessGroup(g))
	require.NoError(t, err)
	ddp, ok = parallel.AsDataParallel(got)
	require.True(t, ok)
	assert.Nil(t, ddp.SWA())
}
