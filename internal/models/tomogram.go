package models

import (
	"path"
	"strings"
)

// Tomogram describes one entry of the tomogram list together with the
// companion files that live next to its micrograph
type Tomogram struct {
	// MicrographName is the name exactly as listed in the tomogram STAR file
	MicrographName string

	// Dir is the directory part of the micrograph name, with a trailing slash
	// (empty when the micrograph sits in the working directory)
	Dir string

	// Root is the base name of the micrograph without its extension
	Root string
}

// NewTomogram splits a micrograph name into its directory and root parts
func NewTomogram(micrographName string) Tomogram {
	trimmed := strings.TrimSuffix(micrographName, path.Ext(micrographName))
	dir := ""
	root := trimmed
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		dir = trimmed[:i+1]
		root = trimmed[i+1:]
	}
	return Tomogram{
		MicrographName: micrographName,
		Dir:            dir,
		Root:           root,
	}
}

// Micrograph is the reconstructed tomogram volume
func (t Tomogram) Micrograph() string { return t.Dir + t.Root + ".mrc" }

// Stack is the aligned tilt-series image stack
func (t Tomogram) Stack() string { return t.Dir + t.Root + ".mrcs" }

// Order is the tilt-order / accumulated-dose table
func (t Tomogram) Order() string { return t.Dir + t.Root + ".order" }

// Coords is the particle coordinate list
func (t Tomogram) Coords() string { return t.Dir + t.Root + ".coords" }

// TiltFile is the optional pre-computed tilt-angle file
func (t Tomogram) TiltFile() string { return t.Dir + t.Root + ".tlt" }

// TiltImage is a single image extracted from a tilt-series stack
type TiltImage struct {
	// Index is the section index inside the stack (acquisition order)
	Index int

	// Angle is the stage tilt of this image in degrees
	Angle float64

	// Path is the extracted single-image file
	Path string
}

// TiltSeries holds the per-image tilt angles of one tomogram in acquisition
// order. Images, when populated, has the same length as Angles.
type TiltSeries struct {
	Angles []float64
	Images []TiltImage
}

// Len returns the number of tilt images
func (s TiltSeries) Len() int { return len(s.Angles) }

// DoseTable is the tilt-order file: for every entry the tilt angle and the
// electron dose accumulated up to that image, in file order
type DoseTable struct {
	Tilts []float64
	Doses []float64
}

// Len returns the number of table entries
func (d DoseTable) Len() int { return len(d.Tilts) }

// Particle is a sub-tomogram position inside a tomogram, in voxels
type Particle struct {
	// Number is the 1-based position in the coordinate file
	Number int

	X, Y, Z float64
}

// CTFRecord is one row of a per-particle CTF STAR file: the CTF and
// weighting parameters of a single tilt image as seen by one particle
type CTFRecord struct {
	Defocus     float64
	Voltage     float64
	Cs          float64
	AmpContrast float64
	AngleRot    float64
	AngleTilt   float64
	AnglePsi    float64
	Bfactor     float64
	Scale       float64
}
