// Package data provides the token corpus, fixed-length training
// windows over it, and the rank-sharded epoch loader.
package data

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/exp/mmap"
)

// Corpus is an immutable, memory-mapped sequence of uint16 token ids.
// The on-disk format is a flat little-endian binary file with no
// header. A Corpus is shared read-only across all worker processes.
type Corpus struct {
	r    *mmap.ReaderAt
	path string
	n    int
}

// OpenCorpus memory-maps the token file at path.
func OpenCorpus(path string) (*Corpus, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open corpus %s", path)
	}
	if r.Len()%2 != 0 {
		r.Close()
		return nil, errors.Errorf("corpus %s has odd byte length %d, want uint16 records", path, r.Len())
	}
	return &Corpus{r: r, path: path, n: r.Len() / 2}, nil
}

// OpenSplit opens the named split ("train" or "val") as
// <dataDir>/<split>.bin.
func OpenSplit(dataDir, split string) (*Corpus, error) {
	return OpenCorpus(filepath.Join(dataDir, split+".bin"))
}

// Len is the number of tokens in the corpus.
func (c *Corpus) Len() int { return c.n }

// Path is the file the corpus was mapped from.
func (c *Corpus) Path() string { return c.path }

// Token returns the token id at position i. The caller guarantees
// 0 <= i < Len; the dataset layer enforces window bounds.
func (c *Corpus) Token(i int) uint16 {
	var b [2]byte
	c.r.ReadAt(b[:], int64(i)*2)
	return binary.LittleEndian.Uint16(b[:])
}

// FillTokens copies tokens [start, start+len(dst)) into dst as int32
// values, one mapped read per call.
func (c *Corpus) FillTokens(dst []int32, start int) error {
	if start < 0 || start+len(dst) > c.n {
		return errors.Errorf("token range [%d,%d) outside corpus of %d tokens", start, start+len(dst), c.n)
	}
	buf := make([]byte, len(dst)*2)
	if _, err := c.r.ReadAt(buf, int64(start)*2); err != nil {
		return errors.Wrapf(err, "read corpus %s", c.path)
	}
	for i := range dst {
		dst[i] = int32(binary.LittleEndian.Uint16(buf[i*2:]))
	}
	return nil
}

// Close unmaps the corpus.
func (c *Corpus) Close() error { return c.r.Close() }

// Hash returns a short content hash of the corpus file, recorded in
// checkpoint manifests so a resumed run can spot a swapped dataset.
func (c *Corpus) Hash() (string, error) {
	f, err := os.Open(c.path)
	if err != nil {
		return "", errors.Wrapf(err, "hash corpus %s", c.path)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.Wrapf(err, "hash corpus %s", c.path)
	}
	return fmt.Sprintf("%x", h.Sum(nil))[:16], nil
}
