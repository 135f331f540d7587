// Package star reads and writes the simple loop-only STAR files exchanged with
// RELION: a data block, a loop_ header of labelled columns and whitespace
// separated rows.
package star

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Labels used by the sub-tomogram preparation files
const (
	MicrographName     = "rlnMicrographName"
	DefocusU           = "rlnDefocusU"
	DefocusV           = "rlnDefocusV"
	Voltage            = "rlnVoltage"
	SphericalAberation = "rlnSphericalAberration"
	AmplitudeContrast  = "rlnAmplitudeContrast"
	AngleRot           = "rlnAngleRot"
	AngleTilt          = "rlnAngleTilt"
	AnglePsi           = "rlnAnglePsi"
	Bfactor            = "rlnBfactor"
	CoordinateX        = "rlnCoordinateX"
	CoordinateY        = "rlnCoordinateY"
	CoordinateZ        = "rlnCoordinateZ"
	ImageName          = "rlnImageName"
	CtfImage           = "rlnCtfImage"
)

// MissingColumnError is returned when a caller requires labels that the file
// never declared
type MissingColumnError struct {
	Source string
	Labels []string
}

func (e *MissingColumnError) Error() string {
	src := e.Source
	if src == "" {
		src = "STAR table"
	}
	return fmt.Sprintf("%s: missing column(s) %s", src, strings.Join(e.Labels, ", "))
}

// Table is a parsed STAR loop
type Table struct {
	// Source names the file the table was read from, used in errors
	Source string

	columns map[string]int
	labels  []string
	rows    [][]string
}

// ReadFile parses the STAR file at path
func ReadFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	t, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	t.Source = path
	return t, nil
}

// Read parses a STAR loop. Blank lines, comments and the data_/loop_ markers
// are skipped. Every line starting with '_' declares the next column; the
// optional "#n" after the label is ignored. All other lines are rows.
func Read(r io.Reader) (*Table, error) {
	t := &Table{columns: make(map[string]int)}

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		first := fields[0]
		switch {
		case strings.HasPrefix(first, "#"):
			continue
		case strings.HasPrefix(first, "data_"), first == "loop_":
			continue
		case strings.HasPrefix(first, "_"):
			if len(t.rows) > 0 {
				return nil, fmt.Errorf("line %d: label %s after data rows", lineNo, first)
			}
			label := strings.TrimPrefix(first, "_")
			if _, dup := t.columns[label]; dup {
				return nil, fmt.Errorf("line %d: duplicate label %s", lineNo, first)
			}
			t.columns[label] = len(t.labels)
			t.labels = append(t.labels, label)
			continue
		}

		if len(t.labels) == 0 {
			return nil, fmt.Errorf("line %d: data row before any label", lineNo)
		}
		t.rows = append(t.rows, fields)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return t, nil
}

// Labels returns the declared labels in column order
func (t *Table) Labels() []string {
	return append([]string(nil), t.labels...)
}

// Has reports whether label was declared
func (t *Table) Has(label string) bool {
	_, ok := t.columns[label]
	return ok
}

// Len is the number of data rows
func (t *Table) Len() int { return len(t.rows) }

// Require checks that every label was declared
func (t *Table) Require(labels ...string) error {
	var missing []string
	for _, l := range labels {
		if !t.Has(l) {
			missing = append(missing, l)
		}
	}
	if len(missing) > 0 {
		return &MissingColumnError{Source: t.Source, Labels: missing}
	}
	return nil
}

// Strings returns the column for label
func (t *Table) Strings(label string) ([]string, error) {
	col, ok := t.columns[label]
	if !ok {
		return nil, &MissingColumnError{Source: t.Source, Labels: []string{label}}
	}

	out := make([]string, len(t.rows))
	for i, row := range t.rows {
		if col >= len(row) {
			return nil, fmt.Errorf("row %d has %d fields, no value for %s", i+1, len(row), label)
		}
		out[i] = row[col]
	}
	return out, nil
}

// Floats returns the column for label parsed as numbers
func (t *Table) Floats(label string) ([]float64, error) {
	values, err := t.Strings(label)
	if err != nil {
		return nil, err
	}

	out := make([]float64, len(values))
	for i, v := range values {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("row %d: %s value %q is not a number", i+1, label, v)
		}
		out[i] = f
	}
	return out, nil
}

// Float renders v with 12 significant digits, keeping a fractional part when
// the result has neither a decimal point nor an exponent ("300.0", "2.7",
// "3.3" for 1.1*3). This is the number format RELION inputs were historically
// written with.
func Float(v float64) string {
	s := strconv.FormatFloat(v, 'g', 12, 64)
	if !strings.ContainsAny(s, ".eIN") {
		s += ".0"
	}
	return s
}
