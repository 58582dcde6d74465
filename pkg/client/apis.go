package client

import (
	"encoding/json"
	"strconv"

	pkgerrors "github.com/pkg/errors"

	"github.com/presscal/presscal/pkg/calibration"
	"github.com/presscal/presscal/pkg/config"
)

// ScheduleStatus mirrors the daemon's schedule report.
type ScheduleStatus struct {
	Cron    string `json:"cron,omitempty"`
	NextRun string `json:"nextRun,omitempty"`
	Active  bool   `json:"active"`
}

func (c *Client) GetStatus() (*calibration.Status, error) {
	ret, err := c.Get("/status")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get status")
	}

	var st calibration.Status
	if err := json.Unmarshal([]byte(ret), &st); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal status")
	}
	return &st, nil
}

func (c *Client) GetResult() (*calibration.Result, error) {
	ret, err := c.Get("/result")
	if err != nil {
		return nil, err
	}

	var res calibration.Result
	if err := json.Unmarshal([]byte(ret), &res); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal result")
	}
	return &res, nil
}

func (c *Client) GetConfig() (*config.RawFileConfig, error) {
	ret, err := c.Get("/config")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get config")
	}

	var conf config.RawFileConfig
	if err := json.Unmarshal([]byte(ret), &conf); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal config")
	}
	return &conf, nil
}

func (c *Client) SetConfig(u *config.RawFileConfig) (string, error) {
	payload, err := json.Marshal(u)
	if err != nil {
		return "", err
	}
	return c.Put("/config", string(payload))
}

// StartCalibration begins a run. A non-nil override is a partial config
// update applied atomically with the start.
func (c *Client) StartCalibration(override *config.RawFileConfig) (string, error) {
	if override == nil {
		return c.Post("/start", "")
	}
	payload, err := json.Marshal(override)
	if err != nil {
		return "", err
	}
	return c.Post("/start", string(payload))
}

func (c *Client) AbortCalibration(reason string) (string, error) {
	payload, err := json.Marshal(reason)
	if err != nil {
		return "", err
	}
	return c.Post("/abort", string(payload))
}

// Zero tares the reference channel and returns the captured baseline in kPa.
func (c *Client) Zero() (float64, error) {
	ret, err := c.Post("/zero", "")
	if err != nil {
		return 0, pkgerrors.Wrapf(err, "failed to zero the reference")
	}
	pZero, err := strconv.ParseFloat(ret, 64)
	if err != nil {
		return 0, pkgerrors.Wrapf(err, "failed to parse zero response")
	}
	return pZero, nil
}

func (c *Client) SetManual(setpointKPa float64) (string, error) {
	return c.Post("/manual", strconv.FormatFloat(setpointKPa, 'f', -1, 64))
}

func (c *Client) StopManual() (string, error) {
	return c.Delete("/manual")
}

func (c *Client) SetSchedule(cronExpr string) (string, error) {
	payload, err := json.Marshal(map[string]string{"cron": cronExpr})
	if err != nil {
		return "", err
	}
	return c.Put("/schedule", string(payload))
}

func (c *Client) GetSchedule() (*ScheduleStatus, error) {
	ret, err := c.Get("/schedule")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get schedule")
	}

	var st ScheduleStatus
	if err := json.Unmarshal([]byte(ret), &st); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal schedule")
	}
	return &st, nil
}

func (c *Client) ClearSchedule() (string, error) {
	return c.Delete("/schedule")
}

func (c *Client) GetVersion() (string, error) {
	ret, err := c.Get("/version")
	if err != nil {
		return "", pkgerrors.Wrapf(err, "failed to get version")
	}
	// Remove "" around JSON string. I don't want to use a JSON decoder just for this.
	if len(ret) >= 2 && ret[0] == '"' && ret[len(ret)-1] == '"' {
		ret = ret[1 : len(ret)-1]
	}
	return ret, nil
}
