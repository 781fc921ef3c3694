package distributed

import (
	"context"

	"github.com/ethan626/tnt/pkg/core/shapes"
	"github.com/ethan626/tnt/pkg/core/tensors"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// ErrUnsupportedProtocol is returned when an operation needs a newer wire protocol than
// the one the group negotiated during rendezvous.
var ErrUnsupportedProtocol = errors.New("operation not supported by the negotiated protocol version")

// Send transfers t to rank dst. The matching Recv on dst yields a new tensor with t's
// shape and values.
func (g *ProcessGroup) Send(ctx context.Context, t *tensors.Tensor, dst int) error {
	if err := t.CheckValid(); err != nil {
		return errors.WithMessage(err, "Send")
	}
	if err := g.checkPeer(dst); err != nil {
		return err
	}
	return g.sendTensor(ctx, dst, t)
}

// Recv blocks until rank src sends a tensor and returns it.
func (g *ProcessGroup) Recv(ctx context.Context, src int) (*tensors.Tensor, error) {
	if err := g.checkPeer(src); err != nil {
		return nil, err
	}
	return g.recvTensor(ctx, src)
}

// Broadcast distributes root's tensor to all ranks in place: the root sends its t and
// every other rank overwrites its own t with the received values. All ranks must pass
// tensors of the same shape and dtype.
func (g *ProcessGroup) Broadcast(ctx context.Context, t *tensors.Tensor, root int) error {
	if err := t.CheckValid(); err != nil {
		return errors.WithMessage(err, "Broadcast")
	}
	if root < 0 || root >= g.world {
		return errors.Errorf("invalid root rank %d, world size is %d", root, g.world)
	}
	if g.world == 1 {
		return nil
	}
	if g.rank == root {
		eg, egCtx := errgroup.WithContext(ctx)
		for peer := range g.world {
			if peer == g.rank {
				continue
			}
			eg.Go(func() error {
				return g.sendTensor(egCtx, peer, t)
			})
		}
		return eg.Wait()
	}
	recv, err := g.recvTensor(ctx, root)
	if err != nil {
		return err
	}
	return errors.WithMessage(t.CopyFrom(recv), "Broadcast")
}

// AllGatherTensors collects every rank's tensor. The result has World() entries and
// entry r holds rank r's tensor with its own shape: ranks may contribute different
// shapes and ranks (payloads carry their shape on the wire), only the dtype must agree.
// This rank's own entry is t itself, not a copy.
func (g *ProcessGroup) AllGatherTensors(ctx context.Context, t *tensors.Tensor) ([]*tensors.Tensor, error) {
	if err := t.CheckValid(); err != nil {
		return nil, errors.WithMessage(err, "AllGatherTensors")
	}
	result := make([]*tensors.Tensor, g.world)
	result[g.rank] = t
	if g.world == 1 {
		return result, nil
	}
	eg, egCtx := errgroup.WithContext(ctx)
	for peer := range g.world {
		if peer == g.rank {
			continue
		}
		eg.Go(func() error {
			return g.sendTensor(egCtx, peer, t)
		})
		eg.Go(func() error {
			recv, err := g.recvTensor(egCtx, peer)
			if err != nil {
				return err
			}
			result[peer] = recv
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	for peer, recv := range result {
		if recv.DType() != t.DType() {
			return nil, errors.Errorf("AllGatherTensors: rank %d contributed dtype %s, this rank has %s",
				peer, recv.DType(), t.DType())
		}
	}
	return result, nil
}

// checkReduce validates the tensor and op of a reduce collective.
func checkReduce(t *tensors.Tensor, op ReduceOp) error {
	if err := t.CheckValid(); err != nil {
		return err
	}
	switch op {
	case ReduceOpSum, ReduceOpAvg, ReduceOpMax, ReduceOpMin:
	default:
		return errors.Errorf("unsupported reduce op %s", op)
	}
	if !reducibleDType(t.DType()) {
		return errors.Errorf("reduce does not support dtype %s", t.DType())
	}
	return nil
}

// AllReduce combines the tensors of all ranks elementwise with op and leaves the result
// in t on every rank, in place. All ranks must pass the same shape and dtype.
//
// algo picks the transport pattern: AlgoNaive gathers on rank 0, reduces in rank order
// and broadcasts, AlgoRing rotates chunks around the ranks in 2*(World()-1) steps, and
// AlgoAuto picks ring when the world is larger than 2 ranks and the flat size divides
// evenly across them, naive otherwise.
func (g *ProcessGroup) AllReduce(ctx context.Context, t *tensors.Tensor, op ReduceOp, algo Algo) error {
	if err := checkReduce(t, op); err != nil {
		return errors.WithMessage(err, "AllReduce")
	}
	switch algo {
	case AlgoAuto, AlgoNaive, AlgoRing:
	default:
		return errors.Errorf("AllReduce: unsupported algorithm %s", algo)
	}
	if g.world == 1 {
		return nil
	}
	if algo == AlgoAuto {
		if g.world > 2 && t.Size()%g.world == 0 {
			algo = AlgoRing
		} else {
			algo = AlgoNaive
		}
	}
	if algo == AlgoRing {
		return g.allReduceRing(ctx, t, op)
	}
	return g.allReduceNaive(ctx, t, op)
}

// allReduceNaive gathers every rank's tensor on rank 0, folds them in rank order and
// broadcasts the result. The rank-ordered fold keeps float results deterministic.
func (g *ProcessGroup) allReduceNaive(ctx context.Context, t *tensors.Tensor, op ReduceOp) error {
	const root = 0
	if g.rank == root {
		recvs := make([]*tensors.Tensor, g.world)
		eg, egCtx := errgroup.WithContext(ctx)
		for peer := range g.world {
			if peer == root {
				continue
			}
			eg.Go(func() error {
				recv, err := g.recvTensor(egCtx, peer)
				if err != nil {
					return err
				}
				recvs[peer] = recv
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return err
		}
		for peer := 1; peer < g.world; peer++ {
			if err := reduceTensorInto(op, t, recvs[peer]); err != nil {
				return errors.WithMessagef(err, "AllReduce: folding rank %d", peer)
			}
		}
		if op == ReduceOpAvg {
			if err := scaleTensorByWorld(t, g.world); err != nil {
				return errors.WithMessage(err, "AllReduce")
			}
		}
	} else {
		if err := g.sendTensor(ctx, root, t); err != nil {
			return err
		}
	}
	return g.Broadcast(ctx, t, root)
}

// chunkBounds splits size elements into world chunks for the ring passes, spreading the
// remainder over the first size%world chunks. Chunks can be empty when size < world.
func chunkBounds(size, world, chunk int) (from, to int) {
	base := size / world
	extra := size % world
	from = chunk*base + min(chunk, extra)
	to = from + base
	if chunk < extra {
		to++
	}
	return
}

// allReduceRing runs the two ring passes: a scatter-reduce pass after which rank r owns
// the fully reduced chunk (r+1) mod world, then an all-gather pass that rotates the
// owned chunks to every rank. Each step exchanges one chunk with the ring neighbors.
func (g *ProcessGroup) allReduceRing(ctx context.Context, t *tensors.Tensor, op ReduceOp) error {
	world, rank := g.world, g.rank
	next, prev := (rank+1)%world, (rank+world-1)%world
	size := t.Size()

	chunkView := func(chunk int) *tensors.Tensor {
		from, to := chunkBounds(size, world, chunk)
		if from == to {
			return nil
		}
		return t.FlatRange(from, to)
	}
	exchange := func(sendIdx, recvIdx int) (*tensors.Tensor, error) {
		eg, egCtx := errgroup.WithContext(ctx)
		if send := chunkView(sendIdx); send != nil {
			eg.Go(func() error {
				return g.sendTensor(egCtx, next, send)
			})
		}
		var received *tensors.Tensor
		if chunkView(recvIdx) != nil {
			eg.Go(func() error {
				var err error
				received, err = g.recvTensor(egCtx, prev)
				return err
			})
		}
		if err := eg.Wait(); err != nil {
			return nil, err
		}
		return received, nil
	}

	// Scatter-reduce pass.
	for step := range world - 1 {
		sendIdx := (rank - step + world) % world
		recvIdx := (rank - step - 1 + world) % world
		received, err := exchange(sendIdx, recvIdx)
		if err != nil {
			return err
		}
		if received != nil {
			if err := reduceTensorInto(op, chunkView(recvIdx), received); err != nil {
				return errors.WithMessage(err, "AllReduce(ring)")
			}
		}
	}
	// All-gather pass.
	for step := range world - 1 {
		sendIdx := (rank + 1 - step + world) % world
		recvIdx := (rank - step + world) % world
		received, err := exchange(sendIdx, recvIdx)
		if err != nil {
			return err
		}
		if received != nil {
			if err := chunkView(recvIdx).CopyFrom(received); err != nil {
				return errors.WithMessage(err, "AllReduce(ring)")
			}
		}
	}
	if op == ReduceOpAvg {
		return errors.WithMessage(scaleTensorByWorld(t, world), "AllReduce")
	}
	return nil
}

// ReduceScatter reduces the flattened tensors of all ranks elementwise and hands each
// rank one contiguous shard of the result. The shard is a new rank-1 tensor with
// ceil(Size()/World()) elements; when the flat size does not divide evenly the last
// shards are zero-padded. All ranks must pass the same shape and dtype.
//
// It requires wire protocol version 2; against older peers the error wraps
// ErrUnsupportedProtocol.
func (g *ProcessGroup) ReduceScatter(ctx context.Context, t *tensors.Tensor, op ReduceOp) (*tensors.Tensor, error) {
	if err := checkReduce(t, op); err != nil {
		return nil, errors.WithMessage(err, "ReduceScatter")
	}
	if g.protocol < 2 {
		return nil, errors.Wrapf(ErrUnsupportedProtocol,
			"ReduceScatter requires protocol version 2, the group negotiated version %d", g.protocol)
	}
	size := t.Size()
	if g.world == 1 {
		return t.FlatRange(0, size).Clone(), nil
	}
	shardLen := (size + g.world - 1) / g.world

	const root = 0
	if g.rank != root {
		if err := g.sendTensor(ctx, root, t); err != nil {
			return nil, err
		}
		return g.recvTensor(ctx, root)
	}

	// Root: fold everyone into a zero-padded flat copy, then scatter the shards.
	work := tensors.FromShape(shapes.Make(t.DType(), shardLen*g.world))
	if err := work.FlatRange(0, size).CopyFrom(t.FlatRange(0, size)); err != nil {
		return nil, errors.WithMessage(err, "ReduceScatter")
	}
	recvs := make([]*tensors.Tensor, g.world)
	eg, egCtx := errgroup.WithContext(ctx)
	for peer := range g.world {
		if peer == root {
			continue
		}
		eg.Go(func() error {
			recv, err := g.recvTensor(egCtx, peer)
			if err != nil {
				return err
			}
			recvs[peer] = recv
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	for peer := 1; peer < g.world; peer++ {
		if recvs[peer].Size() != size || recvs[peer].DType() != t.DType() {
			return nil, errors.Errorf("ReduceScatter: rank %d contributed %s, this rank has %s",
				peer, recvs[peer].Shape(), t.Shape())
		}
		if err := reduceTensorInto(op, work.FlatRange(0, size), recvs[peer].FlatRange(0, size)); err != nil {
			return nil, errors.WithMessagef(err, "ReduceScatter: folding rank %d", peer)
		}
	}
	if op == ReduceOpAvg {
		if err := scaleTensorByWorld(work, g.world); err != nil {
			return nil, errors.WithMessage(err, "ReduceScatter")
		}
	}
	eg, egCtx = errgroup.WithContext(ctx)
	for peer := range g.world {
		if peer == root {
			continue
		}
		eg.Go(func() error {
			return g.sendTensor(egCtx, peer, work.FlatRange(peer*shardLen, (peer+1)*shardLen))
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return work.FlatRange(root*shardLen, (root+1)*shardLen).Clone(), nil
}

// Barrier blocks until every rank of the group has entered it. Successive barriers are
// independent: each call uses a fresh pair of store keys.
func (g *ProcessGroup) Barrier(ctx context.Context) error {
	if g.world == 1 {
		return nil
	}
	seq := g.barrierSeq.Add(1)
	arrived, err := g.store.Add(ctx, barrierKey(g.session, seq, "arrived"), 1)
	if err != nil {
		return errors.WithMessage(err, "Barrier")
	}
	if arrived == int64(g.world) {
		if err := g.store.Set(barrierKey(g.session, seq, "release"), []byte{1}); err != nil {
			return errors.WithMessage(err, "Barrier")
		}
	}
	if _, err := g.store.Get(ctx, barrierKey(g.session, seq, "release")); err != nil {
		return errors.WithMessage(err, "Barrier")
	}
	return nil
}
