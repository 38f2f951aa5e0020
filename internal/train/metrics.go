package train

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// EvalRecord is one evaluation snapshot. The full history is kept in
// metrics.json under the output directory and rewritten at each
// eval, so a resumed run extends the same file.
type EvalRecord struct {
	Iter      int
	TrainLoss float64
	ValLoss   float64
	LR        float64
	MFU       float64
	SavedAt   time.Time
}

const metricsFile = "metrics.json"

func metricsPath(dir string) string { return filepath.Join(dir, metricsFile) }

func writeMetrics(dir string, recs []EvalRecord) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "creating metrics dir")
	}
	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding metrics")
	}
	return errors.Wrap(os.WriteFile(metricsPath(dir), append(data, '\n'), 0o644), "writing metrics")
}

func readMetrics(dir string) ([]EvalRecord, error) {
	raw, err := os.ReadFile(metricsPath(dir))
	if err != nil {
		return nil, err
	}
	var recs []EvalRecord
	if err := json.Unmarshal(raw, &recs); err != nil {
		return nil, errors.Wrap(err, "decoding metrics")
	}
	return recs, nil
}
