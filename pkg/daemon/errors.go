package daemon

import "errors"

var (
	// ErrRunInProgress is returned for commands that require an idle rig.
	ErrRunInProgress = errors.New("calibration run already in progress")

	// ErrNoResult is returned when no session has finished yet.
	ErrNoResult = errors.New("no calibration result available")
)
