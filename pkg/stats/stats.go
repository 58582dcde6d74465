// Package stats aggregates per-point measurement samples and fits the final
// calibration line.
package stats

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/presscal/presscal/pkg/calibration"
)

// Summary is the mean and sample standard deviation of one sampled channel.
type Summary struct {
	Mean float64
	Std  float64
}

// Summarize computes mean and sample (ddof=1) standard deviation. A slice
// with fewer than two samples has Std 0.
func Summarize(samples []float64) Summary {
	if len(samples) == 0 {
		return Summary{}
	}
	s := Summary{Mean: stat.Mean(samples, nil)}
	if len(samples) > 1 {
		s.Std = stat.StdDev(samples, nil)
	}
	return s
}

// SpanPct expresses a value as a percentage of the [min, max] instrument
// span. A degenerate span yields 0.
func SpanPct(value, min, max float64) float64 {
	span := max - min
	if math.Abs(span) < 1e-12 {
		return 0
	}
	return 100 * (value - min) / span
}

// ErrorPct is the Fluke-style accuracy metric: the difference between the
// DUT reading and the reference pressure, each expressed as a percentage of
// its own configured span.
func ErrorPct(pressureKPa, pMin, pMax, dut, sigMin, sigMax float64) float64 {
	pSpan := pMax - pMin
	sigSpan := sigMax - sigMin
	if math.Abs(pSpan) < 1e-12 || math.Abs(sigSpan) < 1e-12 {
		return 0
	}
	pPct := 100 * (pressureKPa - pMin) / pSpan
	sigPct := 100 * (dut - sigMin) / sigSpan
	return sigPct - pPct
}

// FitPoints fits y = m*x + b by ordinary least squares over the point table,
// with x the measured pressure means and y the DUT means. R^2 is defined as
// 1 when SS_tot is 0. Returns nil for fewer than two points.
func FitPoints(points []calibration.Point) *calibration.Fit {
	if len(points) < 2 {
		return nil
	}
	x := make([]float64, len(points))
	y := make([]float64, len(points))
	for i, p := range points {
		x[i] = p.PressureMean
		y[i] = p.DUTMean
	}

	b, m := stat.LinearRegression(x, y, nil, false)

	yMean := stat.Mean(y, nil)
	var ssRes, ssTot float64
	for i := range x {
		r := y[i] - (m*x[i] + b)
		ssRes += r * r
		d := y[i] - yMean
		ssTot += d * d
	}

	r2 := 1.0
	if ssTot > 0 {
		r2 = 1 - ssRes/ssTot
	}

	return &calibration.Fit{Slope: m, Intercept: b, R2: r2}
}
