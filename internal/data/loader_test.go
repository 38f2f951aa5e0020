package data

import (
	"testing"
)

func newTestLoader(t *testing.T, corpusLen, block, batch, rank, world int, shuffle, dropLast bool, seed int64) *Loader {
	t.Helper()
	c := openTestCorpus(t, corpusLen)
	ds, err := NewDataset(c, block)
	if err != nil {
		t.Fatalf("NewDataset: %v", err)
	}
	l, err := NewLoader(ds, batch, rank, world, shuffle, dropLast, seed)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	return l
}

// drainEpoch pulls batches until the loader reports an epoch
// transition, returning the window start offsets seen before it.
func drainEpoch(t *testing.T, l *Loader) []int32 {
	t.Helper()
	var starts []int32
	for {
		b, advanced, err := l.NextBatch()
		if err != nil {
			t.Fatalf("NextBatch: %v", err)
		}
		if advanced {
			return starts
		}
		for i := 0; i < b.BatchSize; i++ {
			starts = append(starts, b.Inputs[i*b.BlockSize])
		}
	}
}

func TestLoaderShardUnion(t *testing.T) {
	// 40 tokens, block 7: 32 windows across 3 ranks -> shards of
	// 11, 11, 10. With the identity corpus the first input token of
	// each window is its start offset.
	const corpusLen, block, world = 40, 7, 3
	nWindows := corpusLen - block - 1

	seen := make(map[int32]int)
	var total int
	for rank := 0; rank < world; rank++ {
		l := newTestLoader(t, corpusLen, block, 4, rank, world, true, false, 99)
		starts := drainEpoch(t, l)
		total += len(starts)
		for _, s := range starts {
			seen[s]++
		}
	}

	if total != nWindows {
		t.Fatalf("ranks drew %d windows in one epoch, want %d", total, nWindows)
	}
	for i := 0; i < nWindows; i++ {
		if seen[int32(i)] != 1 {
			t.Errorf("window %d drawn %d times, want exactly once", i, seen[int32(i)])
		}
	}
}

func TestLoaderDropLast(t *testing.T) {
	// Shard of 11 windows, batch 4: two full batches per epoch, the
	// 3-window remainder discarded.
	l := newTestLoader(t, 40, 7, 4, 0, 3, true, true, 99)

	for i := 0; i < 9; i++ {
		b, advanced, err := l.NextBatch()
		if err != nil {
			t.Fatalf("batch %d: %v", i, err)
		}
		if b.BatchSize != 4 {
			t.Errorf("batch %d size = %d, want 4 with drop_last", i, b.BatchSize)
		}
		wantAdvance := i != 0 && i%2 == 0
		if advanced != wantAdvance {
			t.Errorf("batch %d advanced = %v, want %v", i, advanced, wantAdvance)
		}
	}
	if l.Epoch() != 4 {
		t.Errorf("epoch = %d after 9 batches, want 4", l.Epoch())
	}
}

func TestLoaderPartialFinalBatch(t *testing.T) {
	l := newTestLoader(t, 40, 7, 4, 0, 3, false, false, 99)

	sizes := []int{4, 4, 3, 4}
	for i, want := range sizes {
		b, advanced, err := l.NextBatch()
		if err != nil {
			t.Fatalf("batch %d: %v", i, err)
		}
		if b.BatchSize != want {
			t.Errorf("batch %d size = %d, want %d", i, b.BatchSize, want)
		}
		if got, want := advanced, i == 3; got != want {
			t.Errorf("batch %d advanced = %v, want %v", i, got, want)
		}
	}
}

func TestLoaderDeterministicReshuffle(t *testing.T) {
	run := func() [][]int32 {
		l := newTestLoader(t, 40, 7, 4, 1, 3, true, false, 7)
		var epochs [][]int32
		for e := 0; e < 3; e++ {
			epochs = append(epochs, drainEpoch(t, l))
		}
		return epochs
	}

	a, b := run(), run()
	for e := range a {
		if len(a[e]) != len(b[e]) {
			t.Fatalf("epoch %d lengths differ: %d vs %d", e, len(a[e]), len(b[e]))
		}
		for i := range a[e] {
			if a[e][i] != b[e][i] {
				t.Fatalf("epoch %d diverges at position %d: %d vs %d", e, i, a[e][i], b[e][i])
			}
		}
	}

	t.Run("epochs differ from each other", func(t *testing.T) {
		same := true
		for i := range a[0] {
			if i < len(a[1]) && a[0][i] != a[1][i] {
				same = false
				break
			}
		}
		if same {
			t.Error("epoch 0 and epoch 1 produced the same order; reshuffle had no effect")
		}
	})
}

func TestLoaderNoShuffle(t *testing.T) {
	l := newTestLoader(t, 40, 7, 4, 0, 1, false, false, 0)
	b, _, err := l.NextBatch()
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < b.BatchSize; i++ {
		if got := b.Inputs[i*b.BlockSize]; got != int32(i) {
			t.Errorf("unshuffled window %d starts at %d", i, got)
		}
	}
}

func TestLoaderConstructionErrors(t *testing.T) {
	c := openTestCorpus(t, 40)
	ds, err := NewDataset(c, 7)
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name               string
		batch, rank, world int
		dropLast           bool
	}{
		{"zero batch", 0, 0, 1, false},
		{"rank outside world", 4, 2, 2, false},
		{"world larger than dataset", 4, 0, 64, false},
		{"drop_last starves shard", 16, 0, 3, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewLoader(ds, tc.batch, tc.rank, tc.world, true, tc.dropLast, 1); err == nil {
				t.Error("expected construction error")
			}
		})
	}
}
