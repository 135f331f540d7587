package external

import (
	"context"
	"errors"
	"strconv"

	"go.uber.org/zap"

	"subtomoprep/pkg/star"
)

// Tools are the executables the driver invokes
type Tools struct {
	ExtractTilts   string
	Newstack       string
	CTFFindWrapper string
	CTFFind        string
}

// CTFFindOptions are the parameters of one relion_run_ctffind invocation
type CTFFindOptions struct {
	// Input lists the images to estimate, Output receives the estimates
	Input  string
	Output string

	Cs            float64
	Voltage       float64
	AmpContrast   float64
	DetectorPixel float64
	Magnification float64
	BoxSize       float64
	DefocusMin    float64
	DefocusMax    float64
	DefocusStep   float64
	Astigmatism   float64
	ResMin        float64
	ResMax        float64

	// OnlyUnfinished resumes an interrupted estimation
	OnlyUnfinished bool
}

// Driver runs the external programs through a Runner
type Driver struct {
	runner   Runner
	tools    Tools
	logger   *zap.Logger
	commands int
}

// NewDriver creates a driver. A nil logger disables logging.
func NewDriver(runner Runner, tools Tools, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{runner: runner, tools: tools, logger: logger}
}

// Commands is the number of commands run so far, failed ones included
func (d *Driver) Commands() int { return d.commands }

func (d *Driver) run(ctx context.Context, name string, args ...string) (Result, error) {
	line := CommandLine(name, args...)
	d.logger.Debug("Running command", zap.String("command", line))
	d.commands++

	res, err := d.runner.Run(ctx, name, args...)
	if err == nil && res.ExitCode != 0 {
		err = errors.New("non-zero exit status")
	}
	if err != nil {
		code := res.ExitCode
		if code == 0 {
			code = 1
		}
		d.logger.Warn("Command failed",
			zap.String("command", line),
			zap.Int("exit_code", code),
			zap.ByteString("stderr", res.Stderr))
		return res, &RunError{Command: line, ExitCode: code, Stderr: string(res.Stderr), Err: err}
	}
	return res, nil
}

// ExtractTilts writes the tilt angles stored in the header of stack to out
func (d *Driver) ExtractTilts(ctx context.Context, stack, out string) error {
	_, err := d.run(ctx, d.tools.ExtractTilts, "-InputFile", stack, "-tilts", "-OutputFile", out)
	return err
}

// ExtractImage writes section index of stack to out
func (d *Driver) ExtractImage(ctx context.Context, index int, stack, out string) error {
	_, err := d.run(ctx, d.tools.Newstack, "-secs", strconv.Itoa(index), stack, out)
	return err
}

// CTFFindArgs builds the relion_run_ctffind argument list
func (d *Driver) CTFFindArgs(o CTFFindOptions) []string {
	args := []string{
		"--i", o.Input,
		"--o", o.Output,
		"--CS", star.Float(o.Cs),
		"--HT", star.Float(o.Voltage),
		"--ctfWin", "-1",
		"--AmpCnst", star.Float(o.AmpContrast),
		"--DStep", star.Float(o.DetectorPixel),
		"--XMAG", star.Float(o.Magnification),
		"--Box", star.Float(o.BoxSize),
		"--dFMin", star.Float(o.DefocusMin),
		"--dFMax", star.Float(o.DefocusMax),
		"--FStep", star.Float(o.DefocusStep),
		"--dAst", star.Float(o.Astigmatism),
		"--ResMin", star.Float(o.ResMin),
		"--ResMax", star.Float(o.ResMax),
		"--ctffind_exe", d.tools.CTFFind + " --old-school-input",
	}
	if o.OnlyUnfinished {
		args = append(args, "--only_do_unfinished")
	}
	return args
}

// CTFFindCommandLine is the shell form of the estimation command
func (d *Driver) CTFFindCommandLine(o CTFFindOptions) string {
	return CommandLine(d.tools.CTFFindWrapper, d.CTFFindArgs(o)...)
}

// RunCTFFind estimates the CTF of every image listed in o.Input
func (d *Driver) RunCTFFind(ctx context.Context, o CTFFindOptions) error {
	_, err := d.run(ctx, d.tools.CTFFindWrapper, d.CTFFindArgs(o)...)
	return err
}
