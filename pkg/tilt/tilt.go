// Package tilt loads the plain-text tables that describe a tilt series: the
// tilt-angle list and the tilt-order / accumulated-dose table.
package tilt

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"subtomoprep/internal/models"
)

// LengthMismatchError reports two per-tilt tables that disagree on the number
// of images
type LengthMismatchError struct {
	What string
	Want int
	Got  int
}

func (e *LengthMismatchError) Error() string {
	return fmt.Sprintf("%s has %d entries, expected %d (one per tilt image)", e.What, e.Got, e.Want)
}

// CheckLength returns a *LengthMismatchError when got differs from want
func CheckLength(what string, want, got int) error {
	if want != got {
		return &LengthMismatchError{What: what, Want: want, Got: got}
	}
	return nil
}

// ReadAngles reads the first column of every non-blank line of path as a
// tilt angle in degrees
func ReadAngles(path string) ([]float64, error) {
	var angles []float64
	err := scanFile(path, func(lineNo int, fields []string) error {
		v, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return fmt.Errorf("line %d: tilt angle %q is not a number", lineNo, fields[0])
		}
		angles = append(angles, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return angles, nil
}

// ReadDoseTable reads whitespace-separated (tilt, accumulated dose) pairs
func ReadDoseTable(path string) (models.DoseTable, error) {
	var table models.DoseTable
	err := scanFile(path, func(lineNo int, fields []string) error {
		if len(fields) < 2 {
			return fmt.Errorf("line %d: expected tilt and dose, got %d field(s)", lineNo, len(fields))
		}
		tilt, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return fmt.Errorf("line %d: tilt %q is not a number", lineNo, fields[0])
		}
		dose, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return fmt.Errorf("line %d: dose %q is not a number", lineNo, fields[1])
		}
		table.Tilts = append(table.Tilts, tilt)
		table.Doses = append(table.Doses, dose)
		return nil
	})
	if err != nil {
		return models.DoseTable{}, err
	}
	return table, nil
}

// ReadCoordinates reads one particle per non-blank line as X Y Z voxels.
// Particles are numbered from 1 in file order.
func ReadCoordinates(path string) ([]models.Particle, error) {
	var particles []models.Particle
	err := scanFile(path, func(lineNo int, fields []string) error {
		if len(fields) < 3 {
			return fmt.Errorf("line %d: expected X Y Z, got %d field(s)", lineNo, len(fields))
		}
		var xyz [3]float64
		for i := range xyz {
			v, err := strconv.ParseFloat(fields[i], 64)
			if err != nil {
				return fmt.Errorf("line %d: coordinate %q is not a number", lineNo, fields[i])
			}
			xyz[i] = v
		}
		particles = append(particles, models.Particle{
			Number: len(particles) + 1,
			X:      xyz[0],
			Y:      xyz[1],
			Z:      xyz[2],
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return particles, nil
}

func scanFile(path string, fn func(lineNo int, fields []string) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := scan(f, fn); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func scan(r io.Reader, fn func(lineNo int, fields []string) error) error {
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if err := fn(lineNo, fields); err != nil {
			return err
		}
	}
	return scanner.Err()
}
