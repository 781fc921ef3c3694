package distributed

// ReduceOp selects how AllReduce and ReduceScatter combine elements across ranks.
type ReduceOp int

//go:generate go tool enumer -type ReduceOp -trimprefix=ReduceOp -output=gen_reduceop_enumer.go reduceop.go

const (
	// ReduceOpUndefined is an undefined value.
	ReduceOpUndefined ReduceOp = iota

	// ReduceOpSum reduces by summing the elements of all ranks.
	ReduceOpSum

	// ReduceOpAvg sums the elements of all ranks and divides by the world size.
	// For integer dtypes the division truncates.
	ReduceOpAvg

	// ReduceOpMax reduces by taking the maximum value across ranks.
	ReduceOpMax

	// ReduceOpMin reduces by taking the minimum value across ranks.
	ReduceOpMin
)
