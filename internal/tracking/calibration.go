package tracking

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/sorter/internal/config"
)

// Calibration maps a pixel distance along the conveyor to centimetres with a
// polynomial. Coefficients are lowest order first.
type Calibration struct {
	Coefficients []float64
}

// Cm evaluates the polynomial at px.
func (c Calibration) Cm(px float64) float64 {
	var v float64
	for i := len(c.Coefficients) - 1; i >= 0; i-- {
		v = v*px + c.Coefficients[i]
	}
	return v
}

// SpeedCmPerMs converts a pixel speed to cm/ms, measured over one second of
// travel so a non-linear fit is averaged rather than sampled at one point.
func (c Calibration) SpeedCmPerMs(pxPerMs float64) float64 {
	return (c.Cm(pxPerMs*1000) - c.Cm(0)) / 1000
}

// FitCalibration fits a polynomial of the given degree to the points by
// least squares.
func FitCalibration(points []config.CalibrationPoint, degree int) (Calibration, error) {
	if degree < 0 {
		return Calibration{}, errors.New("negative calibration degree")
	}
	n, k := len(points), degree+1
	if n < k {
		return Calibration{}, fmt.Errorf("degree %d needs at least %d points, have %d", degree, k, n)
	}

	a := mat.NewDense(n, k, nil)
	b := mat.NewDense(n, 1, nil)
	for i, p := range points {
		x := 1.0
		for j := 0; j < k; j++ {
			a.Set(i, j, x)
			x *= p.Pixels
		}
		b.Set(i, 0, p.Centimeters)
	}

	var coef mat.Dense
	if err := coef.Solve(a, b); err != nil {
		return Calibration{}, fmt.Errorf("fit calibration: %w", err)
	}
	c := Calibration{Coefficients: make([]float64, k)}
	for j := range c.Coefficients {
		c.Coefficients[j] = coef.At(j, 0)
	}
	return c, nil
}
