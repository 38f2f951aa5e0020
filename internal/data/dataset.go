package data

import (
	"github.com/pkg/errors"
)

// ErrOutOfRange reports a window index outside the dataset.
var ErrOutOfRange = errors.New("window index out of range")

// Window is one fixed-length training example: Target is Input
// shifted forward by one token.
type Window struct {
	Input  []int32
	Target []int32
}

// Dataset exposes fixed-length windows over a corpus. A window
// starting at offset i covers tokens [i, i+blockSize] so that the
// target can look one token ahead; the last admissible start is
// therefore corpusLen - blockSize - 2.
type Dataset struct {
	corpus    *Corpus
	blockSize int
	length    int
}

// NewDataset validates that the corpus can hold at least one window.
func NewDataset(c *Corpus, blockSize int) (*Dataset, error) {
	if blockSize <= 0 {
		return nil, errors.Errorf("block size must be positive, got %d", blockSize)
	}
	n := c.Len() - blockSize - 1
	if n <= 0 {
		return nil, errors.Errorf("corpus %s has %d tokens, too short for block size %d",
			c.Path(), c.Len(), blockSize)
	}
	return &Dataset{corpus: c, blockSize: blockSize, length: n}, nil
}

// Len is the number of valid window start offsets.
func (d *Dataset) Len() int { return d.length }

// BlockSize is the window length.
func (d *Dataset) BlockSize() int { return d.blockSize }

// Window materializes the window starting at index i.
func (d *Dataset) Window(i int) (Window, error) {
	w := Window{
		Input:  make([]int32, d.blockSize),
		Target: make([]int32, d.blockSize),
	}
	err := d.FillWindow(i, w.Input, w.Target)
	return w, err
}

// FillWindow writes the window starting at index i into caller-owned
// buffers of length BlockSize, avoiding per-window allocation on the
// hot path.
func (d *Dataset) FillWindow(i int, input, target []int32) error {
	if i < 0 || i >= d.length {
		return errors.Wrapf(ErrOutOfRange, "index %d, dataset length %d", i, d.length)
	}
	if err := d.corpus.FillTokens(input, i); err != nil {
		return err
	}
	return d.corpus.FillTokens(target, i+1)
}
