// Package defocus computes the per-particle CTF parameters of every tilt image:
// the defocus corrected for the particle's height in the tilted specimen, the
// dose-dependent B-factor and the tilt-dependent scale factor.
//
// Coordinates follow the IMOD convention: beam along Z, tilt around Y.
package defocus

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"subtomoprep/internal/models"
	"subtomoprep/pkg/tilt"
)

// ErrNoLowTilt is returned by LowTiltAverage when no image lies below the limit
var ErrNoLowTilt = errors.New("no tilt image below the low-tilt limit")

// doseTolerance widens the tilt step when matching an image to the tilt-order table
const doseTolerance = 0.25

// Geometry is the tomogram frame particles are positioned in
type Geometry struct {
	// TomoSize is the full tomogram size in pixels (X, Y, Z)
	TomoSize [3]int

	// PixelSize is the calibrated pixel size in Å
	PixelSize float64
}

// Optics are the microscope constants copied into every CTF record
type Optics struct {
	// Voltage in kV
	Voltage float64

	// Cs is the spherical aberration in mm
	Cs float64

	// AmpContrast is the amplitude contrast fraction
	AmpContrast float64
}

// Shift returns the defocus offset in Å of particle p in an image tilted by
// thetaDeg degrees: the particle's in-plane distance from the tilt axis
// projected onto the beam direction.
func Shift(g Geometry, p models.Particle, thetaDeg float64) float64 {
	xTomo := (p.X - float64(g.TomoSize[0])/2) * g.PixelSize
	zTomo := (p.Z - float64(g.TomoSize[2])/2) * g.PixelSize

	theta := thetaDeg * math.Pi / 180
	xImg := xTomo*math.Cos(theta) + zTomo*math.Sin(theta)
	return xImg * math.Sin(theta)
}

// TiltScale is the attenuation applied to an image tilted by thetaDeg
func TiltScale(thetaDeg float64) float64 {
	return math.Cos(math.Abs(thetaDeg * math.Pi / 180))
}

// TiltStep is the mean angular increment of the series. Series with fewer
// than two images have a step of zero.
func TiltStep(angles []float64) float64 {
	if len(angles) < 2 {
		return 0
	}
	return (floats.Max(angles) - floats.Min(angles)) / float64(len(angles)-1)
}

// LowTiltAverage replaces the defocus of every image with |tilt| >= limit by
// the mean defocus of the images below the limit. It returns the new defocus
// list and the mean; the input slice is not modified.
func LowTiltAverage(angles, defoci []float64, limit float64) ([]float64, float64, error) {
	if err := tilt.CheckLength("defocus list", len(angles), len(defoci)); err != nil {
		return nil, 0, err
	}

	var low []float64
	for i, a := range angles {
		if math.Abs(a) < limit {
			low = append(low, defoci[i])
		}
	}
	if len(low) == 0 {
		return nil, 0, fmt.Errorf("%w (limit %g)", ErrNoLowTilt, limit)
	}
	mean := stat.Mean(low, nil)

	out := make([]float64, len(defoci))
	for i, a := range angles {
		if math.Abs(a) < limit {
			out[i] = defoci[i]
		} else {
			out[i] = mean
		}
	}
	return out, mean, nil
}
