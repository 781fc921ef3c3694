package distributed_test

import (
	"context"
	"testing"

	"github.com/ethan626/tnt/pkg/core/distributed"
	"github.com/ethan626/tnt/pkg/core/distributed/disttest"
	"github.com/ethan626/tnt/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestNewProcessGroupValidation(t *testing.T) {
	ctx := context.Background()
	store := distributed.NewHashStore()
	defer func() { _ = store.Close() }()

	_, err := distributed.NewProcessGroup(ctx, store, 0, 0)
	require.ErrorContains(t, err, "world size must be >= 1")

	_, err = distributed.NewProcessGroup(ctx, store, -1, 2)
	require.ErrorContains(t, err, "rank must be in [0, 2)")

	_, err = distributed.NewProcessGroup(ctx, store, 2, 2)
	require.ErrorContains(t, err, "rank must be in [0, 2)")

	_, err = distributed.NewProcessGroup(ctx, store, 0, 2, distributed.WithProtocolVersion(0))
	require.ErrorContains(t, err, "protocol version must be >= 1")

	_, err = distributed.NewProcessGroup(ctx, nil, 0, 2)
	require.ErrorContains(t, err, "store is required")
}

func TestSingleProcessGroup(t *testing.T) {
	ctx := context.Background()
	g, err := distributed.NewProcessGroup(ctx, nil, 0, 1)
	require.NoError(t, err)

	assert.Equal(t, 0, g.Rank())
	assert.Equal(t, 1, g.World())
	assert.NotEmpty(t, g.Session())
	assert.Equal(t, distributed.ProtocolVersion, g.ProtocolVersion())
	assert.Equal(t, distributed.AlgoAuto, g.AllReduceAlgo())

	// Every collective degenerates to a local operation with a single rank.
	v := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3}, 3)
	require.NoError(t, g.AllReduce(ctx, v, distributed.ReduceOpSum, distributed.AlgoAuto))
	assert.Equal(t, []float32{1, 2, 3}, tensors.MustCopyFlatData[float32](v))

	gathered, err := g.AllGatherTensors(ctx, v)
	require.NoError(t, err)
	require.Len(t, gathered, 1)
	assert.Same(t, v, gathered[0])

	require.NoError(t, g.Broadcast(ctx, v, 0))
	require.ErrorContains(t, g.Broadcast(ctx, v, 1), "invalid root rank")

	shard, err := g.ReduceScatter(ctx, v, distributed.ReduceOpSum)
	require.NoError(t, err)
	assert.NotSame(t, v, shard)
	assert.Equal(t, []float32{1, 2, 3}, tensors.MustCopyFlatData[float32](shard))

	require.NoError(t, g.Barrier(ctx))
	require.NoError(t, g.Close())
	require.NoError(t, g.Close())
}

func TestRendezvous(t *testing.T) {
	const worldSize = 3
	sessions := make([]string, worldSize)
	protocols := make([]int, worldSize)
	disttest.Run(t, worldSize, func(ctx context.Context, g *distributed.ProcessGroup) error {
		if g.World() != worldSize {
			return errors.Errorf("World() = %d, want %d", g.World(), worldSize)
		}
		sessions[g.Rank()] = g.Session()
		protocols[g.Rank()] = g.ProtocolVersion()
		return nil
	})
	assert.NotEmpty(t, sessions[0])
	for rank := 1; rank < worldSize; rank++ {
		assert.Equal(t, sessions[0], sessions[rank], "rank %d joined a different session", rank)
	}
	for rank, protocol := range protocols {
		assert.Equal(t, distributed.ProtocolVersion, protocol, "rank %d", rank)
	}
}

func TestProtocolNegotiation(t *testing.T) {
	t.Run("uniform", func(t *testing.T) {
		disttest.Run(t, 2, func(ctx context.Context, g *distributed.ProcessGroup) error {
			if g.ProtocolVersion() != 1 {
				return errors.Errorf("negotiated protocol %d, want 1", g.ProtocolVersion())
			}
			return nil
		}, distributed.WithProtocolVersion(1))
	})

	// Ranks advertising different versions agree on the lowest one.
	t.Run("mixed", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), disttest.Timeout)
		defer cancel()
		store := distributed.NewHashStore()
		defer func() { _ = store.Close() }()

		versions := []int{2, 1}
		eg, ctx := errgroup.WithContext(ctx)
		for rank := range 2 {
			eg.Go(func() error {
				g, err := distributed.NewProcessGroup(ctx, store, rank, 2,
					distributed.WithProtocolVersion(versions[rank]))
				if err != nil {
					return err
				}
				defer func() { _ = g.Close() }()
				if g.ProtocolVersion() != 1 {
					return errors.Errorf("rank %d negotiated protocol %d, want 1", rank, g.ProtocolVersion())
				}
				return nil
			})
		}
		require.NoError(t, eg.Wait())
	})
}

func TestSendRecv(t *testing.T) {
	disttest.Run(t, 2, func(ctx context.Context, g *distributed.ProcessGroup) error {
		switch g.Rank() {
		case 0:
			payload := tensors.FromFlatDataAndDimensions([]int32{1, 2, 3, 4, 5, 6}, 2, 3)
			if err := g.Send(ctx, payload, 1); err != nil {
				return err
			}
			reply, err := g.Recv(ctx, 1)
			if err != nil {
				return err
			}
			if got := tensors.MustCopyFlatData[float64](reply); len(got) != 1 || got[0] != 3.5 {
				return errors.Errorf("rank 0 received %v, want [3.5]", got)
			}
		case 1:
			got, err := g.Recv(ctx, 0)
			if err != nil {
				return err
			}
			want := tensors.FromFlatDataAndDimensions([]int32{1, 2, 3, 4, 5, 6}, 2, 3)
			if !want.Equal(got) {
				return errors.Errorf("rank 1 received %s, want %s", got, want)
			}
			if err := g.Send(ctx, tensors.FromValue(3.5), 0); err != nil {
				return err
			}
		}
		return nil
	})
}

func TestSendRecvValidation(t *testing.T) {
	ctx := context.Background()
	g, err := distributed.NewProcessGroup(ctx, nil, 0, 1)
	require.NoError(t, err)
	defer func() { _ = g.Close() }()

	v := tensors.FromValue(int32(7))
	require.ErrorContains(t, g.Send(ctx, v, 0), "itself")
	require.ErrorContains(t, g.Send(ctx, v, 3), "invalid peer rank 3")
	_, err = g.Recv(ctx, 0)
	require.ErrorContains(t, err, "itself")
	_, err = g.Recv(ctx, -1)
	require.ErrorContains(t, err, "invalid peer rank -1")
}

func TestDefaultGroup(t *testing.T) {
	require.False(t, distributed.IsInitialized())
	_, err := distributed.Default()
	require.ErrorContains(t, err, "not initialized")
	assert.Panics(t, func() { distributed.MustDefault() })
	require.ErrorContains(t, distributed.Init(nil), "nil process group")

	g, err := distributed.NewProcessGroup(context.Background(), nil, 0, 1)
	require.NoError(t, err)
	require.NoError(t, distributed.Init(g))
	require.True(t, distributed.IsInitialized())

	got, err := distributed.Default()
	require.NoError(t, err)
	assert.Same(t, g, got)
	assert.Same(t, g, distributed.MustDefault())

	other, err := distributed.NewProcessGroup(context.Background(), nil, 0, 1)
	require.NoError(t, err)
	defer func() { _ = other.Close() }()
	require.ErrorContains(t, distributed.Init(other), "already initialized")

	require.NoError(t, distributed.Shutdown())
	require.False(t, distributed.IsInitialized())
	require.NoError(t, distributed.Shutdown())
}
