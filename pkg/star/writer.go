package star

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Writer emits a STAR loop: one header followed by tab-separated rows
type Writer struct {
	w       *bufio.Writer
	columns int
}

// NewWriter wraps w
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// WriteHeader writes "data_<block>", a blank line, "loop_" and one numbered
// line per label
func (sw *Writer) WriteHeader(block string, labels ...string) error {
	if _, err := fmt.Fprintf(sw.w, "data_%s\n\nloop_\n", block); err != nil {
		return err
	}
	for i, l := range labels {
		if _, err := fmt.Fprintf(sw.w, "_%s #%d\n", l, i+1); err != nil {
			return err
		}
	}
	sw.columns = len(labels)
	return nil
}

// WriteRaw writes a pre-rendered header verbatim. Rows written afterwards are
// not checked against a column count.
func (sw *Writer) WriteRaw(header string) error {
	_, err := sw.w.WriteString(header)
	sw.columns = 0
	return err
}

// WriteRow writes the fields joined by tabs
func (sw *Writer) WriteRow(fields ...string) error {
	if sw.columns > 0 && len(fields) != sw.columns {
		return fmt.Errorf("row has %d fields, header declares %d", len(fields), sw.columns)
	}
	_, err := sw.w.WriteString(strings.Join(fields, "\t") + "\n")
	return err
}

// Flush writes any buffered data to the underlying writer
func (sw *Writer) Flush() error {
	return sw.w.Flush()
}
