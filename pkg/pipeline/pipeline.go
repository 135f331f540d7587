// Package pipeline runs the sub-tomogram averaging preparation over every
// tomogram of a list: tilt extraction, CTF estimation, per-particle defocus
// correction and the RELION metadata that ties it together.
package pipeline

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"subtomoprep/internal/models"
	"subtomoprep/pkg/config"
	"subtomoprep/pkg/defocus"
	"subtomoprep/pkg/external"
	"subtomoprep/pkg/metadata"
	"subtomoprep/pkg/star"
)

// ErrNoTomograms is returned when the tomogram list has no entries
var ErrNoTomograms = errors.New("tomogram list is empty")

// Names of the run-wide outputs, written in the working directory
const (
	MasterScriptName = "do_all_reconstruct_ctfs.sh"
	CommandLogName   = "relion_subtomo_commands.txt"
)

// ParticleListName is the master particle STAR file for rootName
func ParticleListName(rootName string) string {
	return "particles_" + rootName + ".star"
}

// Summary counts what a run produced
type Summary struct {
	// Tomograms is the number of tomograms fully processed
	Tomograms int

	// Failed is the number of tomograms abandoned after an error
	Failed int

	// Particles is the number of rows written to the master particle list
	Particles int

	// CTFStars is the number of per-particle CTF STAR files written
	CTFStars int

	// Records is the number of CTF rows written across all CTF STAR files
	Records int

	// Commands is the number of external programs run
	Commands int
}

// Params holds the pipeline inputs
type Params struct {
	// Config is the run configuration; it is not modified
	Config *config.Config

	// WorkDir is the directory the tomogram list and all relative paths are
	// resolved against, and where outputs are written. Empty means the
	// current directory.
	WorkDir string

	// Runner executes external programs. Nil uses the local host.
	Runner external.Runner

	// Logger receives progress. Nil disables logging.
	Logger *zap.Logger
}

// Pipeline prepares every tomogram of a list for sub-tomogram averaging.
//
// Tomograms are processed one after another. Each one goes through:
// 1. Obtaining tilt angles (copied .tlt file or extracttilts)
// 2. Extracting each tilt image with newstack
// 3. Estimating the CTF of each image with relion_run_ctffind
// 4. Matching every image to the tilt-order table for dose weighting
// 5. Writing one CTF STAR file and reconstruction command per particle
type Pipeline struct {
	params  *Params
	cfg     *config.Config
	workDir string
	runID   string
	logger  *zap.Logger
	driver  *external.Driver

	corrector defocus.Corrector
	out       *outputs
	summary   Summary
}

// NewPipeline creates a pipeline with the provided parameters
func NewPipeline(params *Params) *Pipeline {
	runID := uuid.NewString()
	logger := params.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("run_id", runID))

	return &Pipeline{
		params: params,
		runID:  runID,
		logger: logger,
	}
}

// RunID identifies this pipeline run in logs
func (p *Pipeline) RunID() string { return p.runID }

// Summary returns what the last Process call produced
func (p *Pipeline) Summary() Summary { return p.summary }

// Process runs the preparation for every tomogram in the list. Unless
// ContinueOnError is set, the first failing tomogram stops the run; the
// outputs of tomograms completed before it stay in place.
func (p *Pipeline) Process(ctx context.Context) (err error) {
	if p.params.Config == nil {
		return errors.New("pipeline has no configuration")
	}
	p.cfg = p.params.Config.Effective()
	if err := p.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	p.workDir, err = filepath.Abs(p.params.WorkDir)
	if err != nil {
		return fmt.Errorf("failed to resolve working directory: %w", err)
	}

	runner := p.params.Runner
	if runner == nil {
		runner = external.ExecRunner{Dir: p.workDir}
	}
	tools := external.Tools{
		ExtractTilts:   p.cfg.Tools.ExtractTilts,
		Newstack:       p.cfg.Tools.Newstack,
		CTFFindWrapper: p.cfg.Tools.CTFFindWrapper,
		CTFFind:        p.cfg.Tools.CTFFind,
	}
	p.driver = external.NewDriver(runner, tools, p.logger)
	p.corrector = defocus.Corrector{
		Geometry: defocus.Geometry{
			TomoSize:  p.cfg.Tomogram.Size,
			PixelSize: p.cfg.Tomogram.PixelSize,
		},
		Optics: defocus.Optics{
			Voltage:     p.cfg.CTF.Voltage,
			Cs:          p.cfg.CTF.Cs,
			AmpContrast: p.cfg.CTF.AmpContrast,
		},
		Bfactor:      p.cfg.Weighting.Bfactor,
		SkipCTF:      p.cfg.CTF.Skip,
		UseLowTilt:   p.cfg.Weighting.UseLowTiltDefoci,
		LowTiltLimit: p.cfg.Weighting.LowTiltLimit,
	}
	p.summary = Summary{}

	tomograms, err := p.readTomogramList()
	if err != nil {
		return err
	}
	p.logger.Info("Starting preparation",
		zap.String("workdir", p.workDir),
		zap.Int("tomograms", len(tomograms)),
		zap.Bool("skip_ctf", p.cfg.CTF.Skip))

	p.out, err = openOutputs(p.workDir, p.cfg.Input.RootName)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := p.out.Close(); cerr != nil && err == nil {
			err = cerr
		}
		p.summary.Particles = p.out.particles.Rows()
		p.summary.Commands = p.driver.Commands()
	}()

	var failures []error
	for _, tomo := range tomograms {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := p.processTomogram(ctx, tomo); err != nil {
			err = fmt.Errorf("tomogram %s: %w", tomo.MicrographName, err)
			p.summary.Failed++
			if !p.cfg.Run.ContinueOnError {
				return err
			}
			p.logger.Error("Tomogram failed, continuing", zap.String("tomogram", tomo.Root), zap.Error(err))
			failures = append(failures, err)
			continue
		}
		p.summary.Tomograms++
	}

	return errors.Join(failures...)
}

func (p *Pipeline) readTomogramList() ([]models.Tomogram, error) {
	tbl, err := star.ReadFile(p.path(p.cfg.Input.TomogramStar))
	if err != nil {
		return nil, fmt.Errorf("failed to read tomogram list: %w", err)
	}
	names, err := tbl.Strings(star.MicrographName)
	if err != nil {
		return nil, fmt.Errorf("failed to read tomogram list: %w", err)
	}
	if len(names) == 0 {
		return nil, ErrNoTomograms
	}

	tomograms := make([]models.Tomogram, len(names))
	for i, n := range names {
		tomograms[i] = models.NewTomogram(n)
	}
	return tomograms, nil
}

// path resolves a working-directory relative path
func (p *Pipeline) path(rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(p.workDir, rel)
}

// outputs are the run-wide files appended to by every tomogram
type outputs struct {
	script     *os.File
	scriptBuf  *bufio.Writer
	commands   *os.File
	commandBuf *bufio.Writer
	list       *os.File
	particles  *metadata.ParticleList
}

func openOutputs(workDir, rootName string) (*outputs, error) {
	o := &outputs{}
	var err error

	scriptPath := filepath.Join(workDir, MasterScriptName)
	if o.script, err = createExecutable(scriptPath); err != nil {
		return nil, err
	}
	o.scriptBuf = bufio.NewWriter(o.script)

	if o.list, err = os.Create(filepath.Join(workDir, ParticleListName(rootName))); err != nil {
		o.script.Close()
		return nil, err
	}
	if o.particles, err = metadata.NewParticleList(o.list); err != nil {
		o.script.Close()
		o.list.Close()
		return nil, err
	}

	if o.commands, err = os.Create(filepath.Join(workDir, CommandLogName)); err != nil {
		o.script.Close()
		o.list.Close()
		return nil, err
	}
	o.commandBuf = bufio.NewWriter(o.commands)

	return o, nil
}

func (o *outputs) logCommand(line string) error {
	_, err := o.commandBuf.WriteString(line + "\n")
	return err
}

func (o *outputs) addReconstruct(line string) error {
	_, err := o.scriptBuf.WriteString(line + "\n")
	return err
}

// Close flushes and closes every file, reporting the first failure
func (o *outputs) Close() error {
	errs := []error{
		o.scriptBuf.Flush(),
		o.script.Close(),
		o.particles.Flush(),
		o.list.Close(),
		o.commandBuf.Flush(),
		o.commands.Close(),
	}
	return errors.Join(errs...)
}

// createExecutable truncates or creates path with owner rwx permissions
func createExecutable(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0700)
	if err != nil {
		return nil, err
	}
	if err := f.Chmod(0700); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}
