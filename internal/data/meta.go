package data

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
)

// DefaultVocabSize is used when the data directory carries no
// meta.json: the GPT-2 vocabulary of 50257, padded up to 50304 for
// kernel efficiency.
const DefaultVocabSize = 50304

// Meta is the optional vocabulary sidecar written by corpus
// preparation. Itos is only present for character-level corpora and
// lets sampled token ids be decoded back to text.
type Meta struct {
	VocabSize int               `json:"vocab_size"`
	Itos      map[string]string `json:"itos,omitempty"`
}

// LoadMeta reads <dataDir>/meta.json. A missing file returns
// (nil, nil); the caller falls back to DefaultVocabSize.
func LoadMeta(dataDir string) (*Meta, error) {
	path := filepath.Join(dataDir, "meta.json")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()
	var m Meta
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	if m.VocabSize <= 0 {
		return nil, errors.Errorf("%s: vocab_size must be positive, got %d", path, m.VocabSize)
	}
	return &m, nil
}

// Decode renders a sampled id sequence as text using the itos table,
// falling back to space-separated ids when no table is present.
func (m *Meta) Decode(ids []int) string {
	var out []byte
	for i, id := range ids {
		if m != nil && m.Itos != nil {
			if s, ok := m.Itos[strconv.Itoa(id)]; ok {
				out = append(out, s...)
				continue
			}
		}
		if i > 0 {
			out = append(out, ' ')
		}
		out = strconv.AppendInt(out, int64(id), 10)
	}
	return string(out)
}
