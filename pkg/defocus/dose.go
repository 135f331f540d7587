package defocus

import (
	"fmt"
	"math"

	"subtomoprep/internal/models"
)

// NoDoseMatchError reports an image whose tilt has no entry in the tilt-order
// table within tolerance
type NoDoseMatchError struct {
	Tilt      float64
	Tolerance float64
}

func (e *NoDoseMatchError) Error() string {
	return fmt.Sprintf("no tilt-order entry within %g° of tilt %g°", e.Tolerance, e.Tilt)
}

// DoseMatcher finds the accumulated dose of an image by its tilt angle
type DoseMatcher struct {
	table models.DoseTable
	step  float64
}

// NewDoseMatcher matches against table using the series' tilt step
func NewDoseMatcher(table models.DoseTable, step float64) *DoseMatcher {
	return &DoseMatcher{table: table, step: step}
}

// Tolerance is the largest tilt difference (exclusive) accepted as a match
func (m *DoseMatcher) Tolerance() float64 {
	return m.step + doseTolerance
}

// Match returns the dose of the closest table entry to thetaDeg and its index.
// On ties the first entry in table order wins.
func (m *DoseMatcher) Match(thetaDeg float64) (float64, int, error) {
	best := -1
	bestDiff := m.Tolerance()
	for k, t := range m.table.Tilts {
		diff := math.Abs(thetaDeg - t)
		if diff < bestDiff {
			bestDiff = diff
			best = k
		}
	}
	if best < 0 {
		return 0, -1, &NoDoseMatchError{Tilt: thetaDeg, Tolerance: m.Tolerance()}
	}
	return m.table.Doses[best], best, nil
}
