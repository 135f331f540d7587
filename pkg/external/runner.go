// Package external drives the IMOD and RELION programs the preparation relies
// on. Every invocation is synchronous and a non-zero exit is an error.
package external

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Result is the captured outcome of one command
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Runner executes a command to completion
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// RunError is returned for a command that could not start or exited non-zero
type RunError struct {
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *RunError) Error() string {
	msg := fmt.Sprintf("%s: exit code %d", e.Command, e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RunError) Unwrap() error { return e.Err }

// ExecRunner runs commands on the local host
type ExecRunner struct {
	// Dir is the working directory of every command; empty means the
	// current directory
	Dir string
}

// Run implements Runner using os/exec
func (r ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = r.Dir
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err == nil {
		return res, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, err
	}

	res.ExitCode = 1
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		res.ExitCode = 127
	}
	return res, err
}

// CommandLine renders an invocation the way it would be typed in a shell.
// Arguments containing spaces are double-quoted.
func CommandLine(name string, args ...string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, name)
	for _, a := range args {
		if a == "" || strings.ContainsAny(a, " \t") {
			a = `"` + a + `"`
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}
