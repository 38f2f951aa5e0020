// Package checkpoint persists full training state: model weights,
// optimizer moments, the architecture arguments, loop progress and
// the configuration that produced them. Files are written atomically
// so a crash mid-save never clobbers the previous good state.
package checkpoint

import (
	"encoding/gob"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/BilyZ98/nanogpt/internal/config"
	"github.com/BilyZ98/nanogpt/internal/model"
)

// ErrCorrupt marks a checkpoint that exists but cannot be decoded or
// is missing required state. Callers test with errors.Is.
var ErrCorrupt = errors.New("corrupt checkpoint")

const (
	fileName     = "ckpt.gob"
	manifestName = "manifest.json"
)

// Checkpoint is the unit written at evaluation boundaries and read
// back on resume.
type Checkpoint struct {
	ModelState  map[string]model.ParamState
	OptState    model.OptState
	ModelArgs   model.Config
	IterNum     int
	BestValLoss float64
	Config      config.Config
}

// Path returns the checkpoint file under dir.
func Path(dir string) string { return filepath.Join(dir, fileName) }

// Save writes ck under dir via temp file, fsync and rename.
func Save(dir string, ck *Checkpoint) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "creating checkpoint dir")
	}
	tmp := Path(dir) + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(err, "creating checkpoint temp file")
	}
	if err := gob.NewEncoder(f).Encode(ck); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrap(err, "encoding checkpoint")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrap(err, "syncing checkpoint")
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "closing checkpoint temp file")
	}
	if err := os.Rename(tmp, Path(dir)); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "publishing checkpoint")
	}
	return nil
}

// Load reads and validates the checkpoint under dir. A missing file
// surfaces as the os.Open error; an unreadable or incomplete file is
// ErrCorrupt. Model state keys are canonicalized before returning,
// whoever wrote the file.
func Load(dir string) (*Checkpoint, error) {
	f, err := os.Open(Path(dir))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var ck Checkpoint
	if err := gob.NewDecoder(f).Decode(&ck); err != nil {
		return nil, errors.Wrapf(ErrCorrupt, "decoding %s: %v", Path(dir), err)
	}
	if err := validate(&ck); err != nil {
		return nil, err
	}
	ck.ModelState = model.CanonicalizeStateDict(ck.ModelState)
	return &ck, nil
}

func validate(ck *Checkpoint) error {
	switch {
	case len(ck.ModelState) == 0:
		return errors.Wrap(ErrCorrupt, "no model state")
	case len(ck.OptState.M) == 0 || len(ck.OptState.V) == 0:
		return errors.Wrap(ErrCorrupt, "no optimizer state")
	case ck.ModelArgs.VocabSize <= 0 || ck.ModelArgs.BlockSize <= 0 || ck.ModelArgs.NLayer <= 0:
		return errors.Wrapf(ErrCorrupt, "implausible model args %+v", ck.ModelArgs)
	case ck.IterNum < 0:
		return errors.Wrapf(ErrCorrupt, "negative iteration %d", ck.IterNum)
	}
	return nil
}

// Manifest is a human-readable JSON sidecar describing the last
// save, including the corpus fingerprint so a resumed run can spot a
// swapped dataset.
type Manifest struct {
	SavedAt       time.Time
	IterNum       int
	BestValLoss   float64
	TrainCorpus   string
	CorpusHash    string
	TokensPerIter int
	WorldSize     int
}

// WriteManifest replaces the manifest under dir.
func WriteManifest(dir string, m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding manifest")
	}
	path := filepath.Join(dir, manifestName)
	return errors.Wrap(os.WriteFile(path, append(data, '\n'), 0o644), "writing manifest")
}

// ReadManifest loads the manifest under dir, if present.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, "decoding manifest")
	}
	return &m, nil
}
