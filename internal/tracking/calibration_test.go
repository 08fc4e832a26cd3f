package tracking

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sorter/internal/config"
)

func TestFitCalibration_Linear(t *testing.T) {
	c, err := FitCalibration([]config.CalibrationPoint{{Pixels: 0, Centimeters: 0}, {Pixels: 1000, Centimeters: 25}}, 1)
	require.NoError(t, err)
	require.Len(t, c.Coefficients, 2)
	assert.InDelta(t, 0, c.Coefficients[0], 1e-9)
	assert.InDelta(t, 0.025, c.Coefficients[1], 1e-12)
	assert.InDelta(t, 0.25, c.Cm(10), 1e-9)
}

func TestFitCalibration_QuadraticLeastSquares(t *testing.T) {
	// cm = 1 + 0.02 px + 0.00001 px^2
	var pts []config.CalibrationPoint
	for _, px := range []float64{0, 100, 250, 400, 600, 800} {
		pts = append(pts, config.CalibrationPoint{Pixels: px, Centimeters: 1 + 0.02*px + 0.00001*px*px})
	}
	c, err := FitCalibration(pts, 2)
	require.NoError(t, err)
	assert.InDelta(t, 1, c.Coefficients[0], 1e-6)
	assert.InDelta(t, 0.02, c.Coefficients[1], 1e-8)
	assert.InDelta(t, 0.00001, c.Coefficients[2], 1e-10)
}

func TestFitCalibration_Errors(t *testing.T) {
	_, err := FitCalibration([]config.CalibrationPoint{{Pixels: 1, Centimeters: 1}}, 1)
	assert.Error(t, err)
	_, err = FitCalibration(nil, -1)
	assert.Error(t, err)
}

func TestSpeedCmPerMs(t *testing.T) {
	c := Calibration{Coefficients: []float64{3, 0.025}}
	assert.InDelta(t, 0.005, c.SpeedCmPerMs(0.2), 1e-12, "offset cancels")
}
