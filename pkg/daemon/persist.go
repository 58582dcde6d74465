package daemon

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/presscal/presscal/pkg/calibration"
)

// persistResult writes a finished session to the data directory, both as a
// timestamped JSON document and a point table in CSV. It also refreshes
// last-result.json so clients can fetch the latest run after a daemon
// restart.
func (d *Daemon) persistResult(res *calibration.Result) error {
	dir := d.runner.Config().DataDir
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create data directory")
	}

	stamp := res.FinishedAt.Format("20060102-150405")
	jsonPath := filepath.Join(dir, fmt.Sprintf("result-%s.json", stamp))
	csvPath := filepath.Join(dir, fmt.Sprintf("result-%s.csv", stamp))

	if err := writeResultJSON(jsonPath, res); err != nil {
		return err
	}
	if err := writeResultJSON(filepath.Join(dir, "last-result.json"), res); err != nil {
		return err
	}
	if err := WriteResultCSV(csvPath, res); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"json": jsonPath,
		"csv":  csvPath,
	}).Info("result persisted")
	return nil
}

func writeResultJSON(path string, res *calibration.Result) error {
	b, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal result")
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	return nil
}

// WriteResultCSV exports the point table of a session. The CLI reuses it for
// on-demand exports.
func WriteResultCSV(path string, res *calibration.Result) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := []string{
		"index", "setpointKPa", "pressureMeanKPa", "pressureStdKPa",
		"dutMean", "dutStd", "spanPct", "errorPct", "lastU", "degraded",
	}
	if err := w.Write(header); err != nil {
		return errors.Wrap(err, "write csv header")
	}
	for _, p := range res.Points {
		row := []string{
			strconv.Itoa(p.Index),
			fmtF(p.SetpointKPa),
			fmtF(p.PressureMean),
			fmtF(p.PressureStd),
			fmtF(p.DUTMean),
			fmtF(p.DUTStd),
			fmtF(p.SpanPct),
			fmtF(p.ErrorPct),
			fmtF(p.LastU),
			strconv.FormatBool(p.Degraded),
		}
		if err := w.Write(row); err != nil {
			return errors.Wrap(err, "write csv row")
		}
	}
	w.Flush()
	return errors.Wrap(w.Error(), "flush csv")
}

func fmtF(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}
