package distributed

// Algo selects the algorithm AllReduce uses to combine tensors across ranks.
type Algo int

//go:generate go tool enumer -type Algo -trimprefix=Algo -transform=snake -text -output=gen_algo_enumer.go algo.go

const (
	// AlgoAuto lets AllReduce choose: ring when the world is larger than 2 ranks and the
	// tensor splits evenly across them, naive otherwise.
	AlgoAuto Algo = iota

	// AlgoNaive gathers all tensors on rank 0, reduces there and broadcasts the result.
	AlgoNaive

	// AlgoRing moves chunks around a ring of ranks in 2*(world-1) steps, keeping the
	// per-rank traffic constant in the world size.
	AlgoRing
)
