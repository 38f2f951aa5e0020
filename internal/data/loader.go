package data

import (
	"math/rand"

	"github.com/pkg/errors"
)

// Batch is batch_size windows flattened into two aligned row-major
// buffers of shape (BatchSize, BlockSize). The model runner
// materializes these into device tensors.
type Batch struct {
	Inputs    []int32
	Targets   []int32
	BatchSize int
	BlockSize int
}

// Loader turns a Dataset into a restartable, rank-local stream of
// batches. Each epoch the full index range is permuted with a seed
// derived from the epoch number, identically on every rank, then
// sliced contiguously into world disjoint shards; this rank only
// draws from its own shard. When the shard is exhausted the loader
// reshuffles and resets on its own, reporting the transition to the
// caller instead of surfacing an error.
type Loader struct {
	ds        *Dataset
	batchSize int
	rank      int
	world     int
	shuffle   bool
	dropLast  bool
	seed      int64

	epoch  int
	shard  []int
	cursor int
}

// NewLoader validates the partition geometry and positions the
// loader at the start of epoch 0. The seed must be the same on every
// rank; per-epoch reshuffles derive from it deterministically, so a
// resumed run walks the same permutations regardless of when each
// rank exhausted its shard.
func NewLoader(ds *Dataset, batchSize, rank, world int, shuffle, dropLast bool, seed int64) (*Loader, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", batchSize)
	}
	if world <= 0 || rank < 0 || rank >= world {
		return nil, errors.Errorf("invalid rank %d for world size %d", rank, world)
	}
	if ds.Len() < world {
		return nil, errors.Errorf("dataset of %d windows cannot be sharded %d ways", ds.Len(), world)
	}
	if dropLast && ds.Len()/world < batchSize {
		return nil, errors.Errorf("shard of %d windows cannot fill a batch of %d with drop_last set",
			ds.Len()/world, batchSize)
	}
	l := &Loader{
		ds:        ds,
		batchSize: batchSize,
		rank:      rank,
		world:     world,
		shuffle:   shuffle,
		dropLast:  dropLast,
		seed:      seed,
	}
	l.buildEpoch(0)
	return l, nil
}

// Epoch is the index of the epoch the cursor currently sits in.
func (l *Loader) Epoch() int { return l.epoch }

// buildEpoch permutes the full index range for epoch e and carves
// out this rank's contiguous shard. Ranks below len % world absorb
// the remainder one index each, so the union of shards is the whole
// permutation with no overlap.
func (l *Loader) buildEpoch(e int) {
	n := l.ds.Len()
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	if l.shuffle {
		rng := rand.New(rand.NewSource(l.seed + int64(e)))
		rng.Shuffle(n, func(i, j int) {
			perm[i], perm[j] = perm[j], perm[i]
		})
	}

	base := n / l.world
	rem := n % l.world
	start := l.rank*base + min(l.rank, rem)
	size := base
	if l.rank < rem {
		size++
	}

	l.epoch = e
	l.shard = perm[start : start+size]
	l.cursor = 0
}

// NextBatch returns the next batch for this rank. The second result
// reports that the loader crossed an epoch boundary while producing
// this batch; exhaustion is never an error. With drop_last a short
// remainder is discarded and the new epoch's first full batch is
// returned; otherwise the final partial batch is returned once.
func (l *Loader) NextBatch() (*Batch, bool, error) {
	advanced := false
	remaining := len(l.shard) - l.cursor

	if l.dropLast && remaining < l.batchSize {
		l.buildEpoch(l.epoch + 1)
		advanced = true
		remaining = len(l.shard)
	} else if remaining == 0 {
		l.buildEpoch(l.epoch + 1)
		advanced = true
		remaining = len(l.shard)
	}

	size := l.batchSize
	if size > remaining {
		size = remaining
	}

	block := l.ds.BlockSize()
	b := &Batch{
		Inputs:    make([]int32, size*block),
		Targets:   make([]int32, size*block),
		BatchSize: size,
		BlockSize: block,
	}
	for i := 0; i < size; i++ {
		idx := l.shard[l.cursor+i]
		in := b.Inputs[i*block : (i+1)*block]
		tg := b.Targets[i*block : (i+1)*block]
		if err := l.ds.FillWindow(idx, in, tg); err != nil {
			return nil, advanced, errors.WithMessagef(err, "rank %d epoch %d", l.rank, l.epoch)
		}
	}
	l.cursor += size
	return b, advanced, nil
}
