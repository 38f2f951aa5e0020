package data

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
)

// writeCorpus writes tokens 0,1,2,... as a little-endian uint16 file
// and returns its path.
func writeCorpus(t *testing.T, dir string, n int) string {
	t.Helper()
	buf := make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(i))
	}
	path := filepath.Join(dir, "train.bin")
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("write corpus: %v", err)
	}
	return path
}

func openTestCorpus(t *testing.T, n int) *Corpus {
	t.Helper()
	path := writeCorpus(t, t.TempDir(), n)
	c, err := OpenCorpus(path)
	if err != nil {
		t.Fatalf("open corpus: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCorpus(t *testing.T) {
	c := openTestCorpus(t, 64)

	if c.Len() != 64 {
		t.Fatalf("Len = %d, want 64", c.Len())
	}
	for _, i := range []int{0, 1, 33, 63} {
		if got := c.Token(i); got != uint16(i) {
			t.Errorf("Token(%d) = %d, want %d", i, got, i)
		}
	}

	t.Run("fill range", func(t *testing.T) {
		dst := make([]int32, 5)
		if err := c.FillTokens(dst, 10); err != nil {
			t.Fatalf("FillTokens: %v", err)
		}
		for i, v := range dst {
			if v != int32(10+i) {
				t.Errorf("dst[%d] = %d, want %d", i, v, 10+i)
			}
		}
	})

	t.Run("fill out of range", func(t *testing.T) {
		dst := make([]int32, 5)
		if err := c.FillTokens(dst, 62); err == nil {
			t.Error("expected error reading past corpus end")
		}
	})

	t.Run("odd byte length rejected", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "odd.bin")
		if err := os.WriteFile(path, []byte{1, 2, 3}, 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := OpenCorpus(path); err == nil {
			t.Error("expected error for odd-length file")
		}
	})
}

func TestDatasetWindows(t *testing.T) {
	c := openTestCorpus(t, 64)
	block := 8
	ds, err := NewDataset(c, block)
	if err != nil {
		t.Fatalf("NewDataset: %v", err)
	}

	wantLen := 64 - block - 1
	if ds.Len() != wantLen {
		t.Fatalf("Len = %d, want %d", ds.Len(), wantLen)
	}

	t.Run("target is input shifted by one", func(t *testing.T) {
		for _, i := range []int{0, 7, ds.Len() - 1} {
			w, err := ds.Window(i)
			if err != nil {
				t.Fatalf("Window(%d): %v", i, err)
			}
			if len(w.Input) != block || len(w.Target) != block {
				t.Fatalf("Window(%d) lengths = %d/%d, want %d", i, len(w.Input), len(w.Target), block)
			}
			for j := 0; j < block-1; j++ {
				if w.Target[j] != w.Input[j+1] {
					t.Errorf("Window(%d): target[%d] = %d, input[%d] = %d", i, j, w.Target[j], j+1, w.Input[j+1])
				}
			}
			if w.Input[0] != int32(i) {
				t.Errorf("Window(%d) starts at token %d", i, w.Input[0])
			}
		}
	})

	t.Run("bounds", func(t *testing.T) {
		for _, i := range []int{-1, ds.Len(), ds.Len() + 5} {
			if _, err := ds.Window(i); !errors.Is(err, ErrOutOfRange) {
				t.Errorf("Window(%d) error = %v, want ErrOutOfRange", i, err)
			}
		}
	})

	t.Run("corpus too short", func(t *testing.T) {
		small := openTestCorpus(t, 9)
		if _, err := NewDataset(small, 8); err == nil {
			t.Error("expected error for corpus shorter than one window")
		}
	})
}

func TestMeta(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		m, err := LoadMeta(t.TempDir())
		if err != nil {
			t.Fatalf("LoadMeta: %v", err)
		}
		if m != nil {
			t.Errorf("expected nil meta for missing file, got %+v", m)
		}
	})

	t.Run("vocab and decode", func(t *testing.T) {
		dir := t.TempDir()
		body := `{"vocab_size": 4, "itos": {"0": "a", "1": "b", "2": "c", "3": "\n"}}`
		if err := os.WriteFile(filepath.Join(dir, "meta.json"), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
		m, err := LoadMeta(dir)
		if err != nil {
			t.Fatalf("LoadMeta: %v", err)
		}
		if m.VocabSize != 4 {
			t.Errorf("VocabSize = %d, want 4", m.VocabSize)
		}
		if got := m.Decode([]int{0, 1, 2}); got != "abc" {
			t.Errorf("Decode = %q, want %q", got, "abc")
		}
	})

	t.Run("ids without table", func(t *testing.T) {
		var m *Meta
		if got := m.Decode([]int{7, 8}); got != "7 8" {
			t.Errorf("Decode = %q, want %q", got, "7 8")
		}
	})
}
