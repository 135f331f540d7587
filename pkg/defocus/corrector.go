package defocus

import (
	"fmt"

	"subtomoprep/internal/models"
	"subtomoprep/pkg/tilt"
)

// Corrector turns the per-image CTF estimates of a tilt series into
// per-particle CTF records
type Corrector struct {
	Geometry Geometry
	Optics   Optics

	// Bfactor is the weighting B-factor per e-/Å² of accumulated dose
	Bfactor float64

	// SkipCTF forces every defocus to zero and disables the geometric
	// correction; tilt and dose weighting still apply
	SkipCTF bool

	// UseLowTilt replaces the defocus of images at or above LowTiltLimit
	// degrees by the mean of the images below it
	UseLowTilt   bool
	LowTiltLimit float64
}

// Plan holds everything about a tilt series that does not depend on the
// particle. Building it validates the series, so a Plan can emit records
// for any particle without failing.
type Plan struct {
	c          Corrector
	angles     []float64
	base       []float64
	doses      []float64
	doseWeight []float64
	scale      []float64

	// LowTiltMean is the mean defocus used for high tilts, when the low-tilt
	// policy applied
	LowTiltMean float64
}

// Plan validates the series and precomputes the per-image base defocus, dose
// weight and tilt scale. angles and defoci are in acquisition order; table is
// the tilt-order file.
func (c Corrector) Plan(angles, defoci []float64, table models.DoseTable) (*Plan, error) {
	if len(angles) == 0 {
		return nil, fmt.Errorf("tilt series has no images")
	}
	if err := tilt.CheckLength("tilt-order table", len(angles), table.Len()); err != nil {
		return nil, err
	}
	if err := tilt.CheckLength("CTF estimation", len(angles), len(defoci)); err != nil {
		return nil, err
	}

	p := &Plan{
		c:          c,
		angles:     angles,
		doses:      make([]float64, len(angles)),
		doseWeight: make([]float64, len(angles)),
		scale:      make([]float64, len(angles)),
	}

	switch {
	case c.SkipCTF:
		p.base = make([]float64, len(angles))
	case c.UseLowTilt:
		base, mean, err := LowTiltAverage(angles, defoci, c.LowTiltLimit)
		if err != nil {
			return nil, err
		}
		p.base = base
		p.LowTiltMean = mean
	default:
		p.base = append([]float64(nil), defoci...)
	}

	matcher := NewDoseMatcher(table, TiltStep(angles))
	for i, a := range angles {
		dose, _, err := matcher.Match(a)
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		p.doses[i] = dose
		p.doseWeight[i] = dose * c.Bfactor
		p.scale[i] = TiltScale(a)
	}

	return p, nil
}

// BaseDefoci returns the per-image defocus before geometric correction
func (p *Plan) BaseDefoci() []float64 {
	return append([]float64(nil), p.base...)
}

// Doses returns the matched accumulated dose of every image
func (p *Plan) Doses() []float64 {
	return append([]float64(nil), p.doses...)
}

// Records returns one CTF record per tilt image for particle pt, in
// acquisition order
func (p *Plan) Records(pt models.Particle) []models.CTFRecord {
	out := make([]models.CTFRecord, len(p.angles))
	for i, a := range p.angles {
		d := p.base[i]
		if !p.c.SkipCTF {
			d += Shift(p.c.Geometry, pt, a)
		}
		out[i] = models.CTFRecord{
			Defocus:     d,
			Voltage:     p.c.Optics.Voltage,
			Cs:          p.c.Optics.Cs,
			AmpContrast: p.c.Optics.AmpContrast,
			AngleTilt:   a,
			Bfactor:     p.doseWeight[i],
			Scale:       p.scale[i],
		}
	}
	return out
}
