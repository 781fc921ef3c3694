package distributed_test

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/ethan626/tnt/pkg/core/distributed"
	"github.com/ethan626/tnt/pkg/core/distributed/disttest"
	"github.com/ethan626/tnt/pkg/core/shapes"
	"github.com/ethan626/tnt/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestBroadcast(t *testing.T) {
	const worldSize = 3
	const root = 1
	disttest.Run(t, worldSize, func(ctx context.Context, g *distributed.ProcessGroup) error {
		var v *tensors.Tensor
		if g.Rank() == root {
			v = tensors.FromFlatDataAndDimensions([]float32{10, 20, 30}, 3)
		} else {
			v = tensors.FromShape(shapes.Make(dtypes.Float32, 3))
		}
		if err := g.Broadcast(ctx, v, root); err != nil {
			return err
		}
		got := tensors.MustCopyFlatData[float32](v)
		want := []float32{10, 20, 30}
		for i := range want {
			if got[i] != want[i] {
				return errors.Errorf("rank %d after broadcast has %v, want %v", g.Rank(), got, want)
			}
		}
		return nil
	})
}

func TestBroadcastShapeMismatch(t *testing.T) {
	// Rank 2 allocates the wrong shape. The root sends the same frame to everyone, so only
	// the mismatched rank fails, when it copies the received values into its tensor.
	disttest.Run(t, 3, func(ctx context.Context, g *distributed.ProcessGroup) error {
		var v *tensors.Tensor
		if g.Rank() == 2 {
			v = tensors.FromShape(shapes.Make(dtypes.Float32, 2))
		} else {
			v = tensors.FromFlatDataAndDimensions([]float32{1, 2, 3}, 3)
		}
		err := g.Broadcast(ctx, v, 0)
		if g.Rank() == 2 {
			if err == nil {
				return errors.New("rank 2 expected a shape mismatch error from Broadcast")
			}
			return nil
		}
		return err
	})
}

func TestAllGatherTensors(t *testing.T) {
	// Each rank contributes a different shape, filled with rank+1.
	const worldSize = 3
	disttest.Run(t, worldSize, func(ctx context.Context, g *distributed.ProcessGroup) error {
		own := tensors.FromScalarAndDimensions(float32(g.Rank()+1), g.Rank()+1, worldSize-g.Rank())
		result, err := g.AllGatherTensors(ctx, own)
		if err != nil {
			return err
		}
		if len(result) != worldSize {
			return errors.Errorf("rank %d gathered %d tensors, want %d", g.Rank(), len(result), worldSize)
		}
		if result[g.Rank()] != own {
			return errors.Errorf("rank %d: own entry of the gather result is not the contributed tensor", g.Rank())
		}
		for peer, part := range result {
			wantShape := shapes.Make(dtypes.Float32, peer+1, worldSize-peer)
			if !part.Shape().Equal(wantShape) {
				return errors.Errorf("rank %d gathered shape %s from rank %d, want %s",
					g.Rank(), part.Shape(), peer, wantShape)
			}
			for i, x := range tensors.MustCopyFlatData[float32](part) {
				if x != float32(peer+1) {
					return errors.Errorf("rank %d gathered element %d = %g from rank %d, want %d",
						g.Rank(), i, x, peer, peer+1)
				}
			}
		}
		return nil
	})
}

func TestAllGatherTensorsDTypeMismatch(t *testing.T) {
	// Shapes may differ across ranks but dtypes may not. Every rank sees the foreign dtype,
	// so every rank must report the mismatch.
	disttest.Run(t, 2, func(ctx context.Context, g *distributed.ProcessGroup) error {
		var own *tensors.Tensor
		if g.Rank() == 0 {
			own = tensors.FromFlatDataAndDimensions([]float32{1, 2}, 2)
		} else {
			own = tensors.FromFlatDataAndDimensions([]float64{3, 4}, 2)
		}
		_, err := g.AllGatherTensors(ctx, own)
		if err == nil {
			return errors.Errorf("rank %d expected a dtype mismatch error from AllGatherTensors", g.Rank())
		}
		return nil
	})
}

func TestAllReduce(t *testing.T) {
	const worldSize = 3
	const size = 6
	ops := []struct {
		op   distributed.ReduceOp
		want func(i int) float32
	}{
		{distributed.ReduceOpSum, func(i int) float32 { return float32(6 * (i + 1)) }},
		{distributed.ReduceOpAvg, func(i int) float32 { return float32(2 * (i + 1)) }},
		{distributed.ReduceOpMax, func(i int) float32 { return float32(3 * (i + 1)) }},
		{distributed.ReduceOpMin, func(i int) float32 { return float32(i + 1) }},
	}
	for _, algo := range []distributed.Algo{distributed.AlgoNaive, distributed.AlgoRing, distributed.AlgoAuto} {
		t.Run(algo.String(), func(t *testing.T) {
			for _, tc := range ops {
				t.Run(tc.op.String(), func(t *testing.T) {
					disttest.Run(t, worldSize, func(ctx context.Context, g *distributed.ProcessGroup) error {
						flat := make([]float32, size)
						for i := range flat {
							flat[i] = float32((g.Rank() + 1) * (i + 1))
						}
						v := tensors.FromFlatDataAndDimensions(flat, 2, 3)
						if err := g.AllReduce(ctx, v, tc.op, algo); err != nil {
							return err
						}
						for i, x := range tensors.MustCopyFlatData[float32](v) {
							if want := tc.want(i); x != want {
								return errors.Errorf("rank %d element %d = %g, want %g", g.Rank(), i, x, want)
							}
						}
						return nil
					})
				})
			}
		})
	}
}

func TestAllReduceRingUneven(t *testing.T) {
	// 7 elements over 3 ranks: the ring splits them 3/2/2.
	t.Run("7 elements, 3 ranks", func(t *testing.T) {
		disttest.Run(t, 3, func(ctx context.Context, g *distributed.ProcessGroup) error {
			flat := make([]int32, 7)
			for i := range flat {
				flat[i] = int32((g.Rank() + 1) * (i + 1))
			}
			v := tensors.FromFlatDataAndDimensions(flat, 7)
			if err := g.AllReduce(ctx, v, distributed.ReduceOpSum, distributed.AlgoRing); err != nil {
				return err
			}
			for i, x := range tensors.MustCopyFlatData[int32](v) {
				if want := int32(6 * (i + 1)); x != want {
					return errors.Errorf("rank %d element %d = %d, want %d", g.Rank(), i, x, want)
				}
			}
			return nil
		})
	})

	// A single element over 2 ranks leaves rank 1 with an empty chunk.
	t.Run("1 element, 2 ranks", func(t *testing.T) {
		disttest.Run(t, 2, func(ctx context.Context, g *distributed.ProcessGroup) error {
			v := tensors.FromFlatDataAndDimensions([]int32{int32(g.Rank() + 1)}, 1)
			if err := g.AllReduce(ctx, v, distributed.ReduceOpSum, distributed.AlgoRing); err != nil {
				return err
			}
			if got := tensors.MustCopyFlatData[int32](v); got[0] != 3 {
				return errors.Errorf("rank %d got %d, want 3", g.Rank(), got[0])
			}
			return nil
		})
	})
}

func TestAllReduceBFloat16(t *testing.T) {
	// 1.5, 2.5 and small integers are exactly representable in bfloat16, so the sums are exact.
	for _, algo := range []distributed.Algo{distributed.AlgoNaive, distributed.AlgoRing} {
		t.Run(algo.String(), func(t *testing.T) {
			disttest.Run(t, 2, func(ctx context.Context, g *distributed.ProcessGroup) error {
				flat := []bfloat16.BFloat16{
					bfloat16.FromFloat32(1.5),
					bfloat16.FromFloat32(2.5),
					bfloat16.FromFloat32(float32(g.Rank())),
				}
				v := tensors.FromFlatDataAndDimensions(flat, 3)
				if err := g.AllReduce(ctx, v, distributed.ReduceOpSum, algo); err != nil {
					return err
				}
				want := []float32{3, 5, 1}
				for i, x := range tensors.MustCopyFlatData[bfloat16.BFloat16](v) {
					if x.Float32() != want[i] {
						return errors.Errorf("rank %d element %d = %g, want %g", g.Rank(), i, x.Float32(), want[i])
					}
				}
				return nil
			})
		})
	}
}

func TestAllReduceValidation(t *testing.T) {
	ctx := context.Background()
	g, err := distributed.NewProcessGroup(ctx, nil, 0, 1)
	require.NoError(t, err)
	defer func() { _ = g.Close() }()

	v := tensors.FromFlatDataAndDimensions([]float32{1}, 1)
	require.ErrorContains(t, g.AllReduce(ctx, v, distributed.ReduceOpUndefined, distributed.AlgoAuto),
		"unsupported reduce op")
	require.ErrorContains(t, g.AllReduce(ctx, v, distributed.ReduceOpSum, distributed.Algo(99)),
		"unsupported algorithm")
	b := tensors.FromValue(true)
	require.ErrorContains(t, g.AllReduce(ctx, b, distributed.ReduceOpSum, distributed.AlgoAuto),
		"does not support dtype")
}

func TestReduceScatter(t *testing.T) {
	// 8 elements over 3 ranks: shards of ceil(8/3)=3 elements, the last one zero padded.
	const worldSize = 3
	run := func(t *testing.T, op distributed.ReduceOp, want [][]float32) {
		disttest.Run(t, worldSize, func(ctx context.Context, g *distributed.ProcessGroup) error {
			flat := make([]float32, 8)
			for i := range flat {
				flat[i] = float32((g.Rank() + 1) * (i + 1))
			}
			v := tensors.FromFlatDataAndDimensions(flat, 2, 4)
			shard, err := g.ReduceScatter(ctx, v, op)
			if err != nil {
				return err
			}
			wantShape := shapes.Make(dtypes.Float32, 3)
			if !shard.Shape().Equal(wantShape) {
				return errors.Errorf("rank %d shard shape %s, want %s", g.Rank(), shard.Shape(), wantShape)
			}
			got := tensors.MustCopyFlatData[float32](shard)
			for i := range want[g.Rank()] {
				if got[i] != want[g.Rank()][i] {
					return errors.Errorf("rank %d shard %v, want %v", g.Rank(), got, want[g.Rank()])
				}
			}
			return nil
		})
	}

	t.Run("Sum", func(t *testing.T) {
		run(t, distributed.ReduceOpSum, [][]float32{
			{6, 12, 18},
			{24, 30, 36},
			{42, 48, 0},
		})
	})
	t.Run("Avg", func(t *testing.T) {
		run(t, distributed.ReduceOpAvg, [][]float32{
			{2, 4, 6},
			{8, 10, 12},
			{14, 16, 0},
		})
	})
}

func TestReduceScatterProtocolGate(t *testing.T) {
	disttest.Run(t, 2, func(ctx context.Context, g *distributed.ProcessGroup) error {
		v := tensors.FromFlatDataAndDimensions([]float32{1, 2}, 2)
		_, err := g.ReduceScatter(ctx, v, distributed.ReduceOpSum)
		if !errors.Is(err, distributed.ErrUnsupportedProtocol) {
			return errors.Errorf("rank %d: ReduceScatter on protocol 1 returned %v, want ErrUnsupportedProtocol",
				g.Rank(), err)
		}
		return nil
	}, distributed.WithProtocolVersion(1))
}

func TestBarrier(t *testing.T) {
	const worldSize = 3
	var first, second atomic.Int32
	disttest.Run(t, worldSize, func(ctx context.Context, g *distributed.ProcessGroup) error {
		first.Add(1)
		if err := g.Barrier(ctx); err != nil {
			return err
		}
		if n := first.Load(); n != worldSize {
			return errors.Errorf("rank %d passed the first barrier with %d arrivals", g.Rank(), n)
		}
		second.Add(1)
		if err := g.Barrier(ctx); err != nil {
			return err
		}
		if n := second.Load(); n != worldSize {
			return errors.Errorf("rank %d passed the second barrier with %d arrivals", g.Rank(), n)
		}
		return nil
	})
}
