// Package calibration defines the types shared by the daemon and client for
// the automatic calibration workflow. It contains:
//
//   - State: the discrete states of the calibration state machine
//   - Direction: the ordering of the setpoint sequence
//   - Point: one finalized calibration point with its statistics
//   - Result: the finished session including the least-squares fit
//   - Status: a synthesized view model returned by HTTP APIs
//
// These types are shared across daemon and client code to keep the JSON
// contracts consistent.
package calibration
