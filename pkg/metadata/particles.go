package metadata

import (
	"io"

	"subtomoprep/internal/models"
	"subtomoprep/pkg/star"
)

// ParticleList is the master STAR file used for refinement. It lists every
// particle of every tomogram with the sub-tomogram and CTF volume RELION
// should pair it with.
type ParticleList struct {
	sw   *star.Writer
	rows int
}

// NewParticleList writes the list header to w
func NewParticleList(w io.Writer) (*ParticleList, error) {
	sw := star.NewWriter(w)
	err := sw.WriteHeader("",
		star.MicrographName,
		star.CoordinateX,
		star.CoordinateY,
		star.CoordinateZ,
		star.ImageName,
		star.CtfImage,
	)
	if err != nil {
		return nil, err
	}
	return &ParticleList{sw: sw}, nil
}

// Add appends particle p of tomo
func (l *ParticleList) Add(tomo models.Tomogram, p models.Particle, names Names) error {
	err := l.sw.WriteRow(
		tomo.Micrograph(),
		star.Float(p.X),
		star.Float(p.Y),
		star.Float(p.Z),
		names.Subtomo,
		names.CTFVolume,
	)
	if err != nil {
		return err
	}
	l.rows++
	return nil
}

// Rows is the number of particles added so far
func (l *ParticleList) Rows() int { return l.rows }

// Flush writes buffered rows
func (l *ParticleList) Flush() error {
	return l.sw.Flush()
}
