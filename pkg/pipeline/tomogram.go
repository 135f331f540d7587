package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"subtomoprep/internal/models"
	"subtomoprep/pkg/defocus"
	"subtomoprep/pkg/external"
	"subtomoprep/pkg/metadata"
	"subtomoprep/pkg/star"
	"subtomoprep/pkg/tilt"
)

// ctffindDir is created next to each tomogram for the extracted images and
// CTF estimation results
const ctffindDir = "ctffind/"

// tomogramRun holds the paths used while processing one tomogram
type tomogramRun struct {
	tomo models.Tomogram

	// outputDir is the absolute ctffind directory, with a trailing slash
	outputDir string
}

func (r tomogramRun) tiltAngles() string { return r.outputDir + "tiltangles.txt" }

func (r tomogramRun) imageList() string { return r.outputDir + r.tomo.Root + "_images.star" }

func (r tomogramRun) ctffindResult() string { return r.outputDir + r.tomo.Root + "_ctffind.star" }

// imageName is the relative path of the extracted image i tilted by angle
func (r tomogramRun) imageName(angle float64, i int) string {
	return r.tomo.Dir + ctffindDir + r.tomo.Root + "_image" + star.Float(angle) + "_" + strconv.Itoa(i) + ".mrc"
}

func (p *Pipeline) processTomogram(ctx context.Context, tomo models.Tomogram) error {
	log := p.logger.With(zap.String("tomogram", tomo.Root))
	log.Info("Processing tomogram", zap.String("dir", tomo.Dir))

	run := tomogramRun{
		tomo:      tomo,
		outputDir: strings.TrimSuffix(p.workDir, "/") + "/" + tomo.Dir + ctffindDir,
	}
	if err := os.MkdirAll(run.outputDir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", run.outputDir, err)
	}

	// Step 1: tilt angles
	if err := p.obtainTiltAngles(ctx, run, log); err != nil {
		return err
	}
	angles, err := tilt.ReadAngles(run.tiltAngles())
	if err != nil {
		return fmt.Errorf("failed to read tilt angles: %w", err)
	}
	if len(angles) == 0 {
		return fmt.Errorf("no tilt angles in %s", run.tiltAngles())
	}
	log.Info("Tilt values extracted", zap.Int("tilts", len(angles)))

	// the tilt-order table is checked before any image is extracted
	doseTable, err := tilt.ReadDoseTable(p.path(tomo.Order()))
	if err != nil {
		return fmt.Errorf("failed to read tilt-order file: %w", err)
	}
	if err := tilt.CheckLength("tilt-order table", len(angles), doseTable.Len()); err != nil {
		return err
	}

	// Step 2: one image per tilt
	series, err := p.extractImages(ctx, run, angles)
	if err != nil {
		return err
	}
	if err := metadata.WriteImageList(run.imageList(), series.Images); err != nil {
		return err
	}

	// Step 3: CTF estimation
	if err := p.estimateCTF(ctx, run, series, log); err != nil {
		return err
	}

	// Step 4: read everything the correction needs, then validate it as a whole
	defoci, err := readDefoci(run.ctffindResult())
	if err != nil {
		return err
	}
	particles, err := tilt.ReadCoordinates(p.path(tomo.Coords()))
	if err != nil {
		return fmt.Errorf("failed to read coordinates: %w", err)
	}

	plan, err := p.corrector.Plan(series.Angles, defoci, doseTable)
	if err != nil {
		return err
	}
	if p.corrector.UseLowTilt {
		log.Info("Using only lower tilts for CTF correction",
			zap.Float64("limit", p.corrector.LowTiltLimit),
			zap.Float64("mean_defocus", plan.LowTiltMean))
	}

	// Step 5: per-particle metadata
	if err := p.writeParticles(run, plan, particles); err != nil {
		return err
	}
	log.Info("CTF model descriptions written",
		zap.Int("particles", len(particles)),
		zap.String("script", metadata.RecScriptName(tomo)))

	return nil
}

func (p *Pipeline) obtainTiltAngles(ctx context.Context, run tomogramRun, log *zap.Logger) error {
	existing := p.path(run.tomo.TiltFile())
	if _, err := os.Stat(existing); err == nil {
		log.Debug("Using existing tilt file", zap.String("path", existing))
		return copyFile(existing, run.tiltAngles())
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	log.Debug("Extracting tilt angles from stack header")
	if err := p.driver.ExtractTilts(ctx, run.tomo.Stack(), run.tiltAngles()); err != nil {
		return fmt.Errorf("failed to extract tilt angles: %w", err)
	}
	return nil
}

func (p *Pipeline) extractImages(ctx context.Context, run tomogramRun, angles []float64) (models.TiltSeries, error) {
	series := models.TiltSeries{Angles: angles, Images: make([]models.TiltImage, len(angles))}
	for i, a := range angles {
		img := models.TiltImage{Index: i, Angle: a, Path: run.imageName(a, i)}
		if err := p.driver.ExtractImage(ctx, i, run.tomo.Stack(), img.Path); err != nil {
			return models.TiltSeries{}, fmt.Errorf("failed to extract tilt image %d: %w", i, err)
		}
		series.Images[i] = img
	}
	return series, nil
}

func (p *Pipeline) estimateCTF(ctx context.Context, run tomogramRun, series models.TiltSeries, log *zap.Logger) error {
	if p.cfg.CTF.Skip {
		log.Debug("CTF correction skipped, writing zero defocus")
		return metadata.WriteZeroDefocus(run.ctffindResult(), series.Images)
	}

	opts := external.CTFFindOptions{
		Input:          run.imageList(),
		Output:         run.ctffindResult(),
		Cs:             p.cfg.CTF.Cs,
		Voltage:        p.cfg.CTF.Voltage,
		AmpContrast:    p.cfg.CTF.AmpContrast,
		DetectorPixel:  p.cfg.CTF.DetectorPixelSize,
		Magnification:  p.cfg.CTF.Magnification,
		BoxSize:        p.cfg.CTF.BoxSize,
		DefocusMin:     p.cfg.CTF.LowDefocusLimit,
		DefocusMax:     p.cfg.CTF.HighDefocusLimit,
		DefocusStep:    p.cfg.CTF.DefocusStep,
		Astigmatism:    p.cfg.CTF.Astigmatism,
		ResMin:         p.cfg.CTF.LowResLimit,
		ResMax:         p.cfg.CTF.HighResLimit,
		OnlyUnfinished: p.cfg.CTF.OnlyUnfinished,
	}
	if p.cfg.CTF.SkipRun {
		log.Info("Reusing previous CTF estimation", zap.String("path", opts.Output))
		return nil
	}

	log.Info("Running CTF estimation", zap.Int("images", len(series.Images)))
	if err := p.driver.RunCTFFind(ctx, opts); err != nil {
		return fmt.Errorf("CTF estimation failed: %w", err)
	}
	return p.out.logCommand(p.driver.CTFFindCommandLine(opts))
}

func readDefoci(path string) ([]float64, error) {
	tbl, err := star.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CTF estimation: %w", err)
	}
	if err := tbl.Require(star.MicrographName, star.DefocusU); err != nil {
		return nil, err
	}
	return tbl.Floats(star.DefocusU)
}

// writeParticles emits the CTF STAR files, the per-tomogram reconstruction
// script and the master list rows. With CTF correction skipped every particle
// shares the first particle's CTF model. The run-wide master script and
// particle list only receive this tomogram's lines once every particle was
// written.
func (p *Pipeline) writeParticles(run tomogramRun, plan *defocus.Plan, particles []models.Particle) error {
	tomo := run.tomo
	if err := os.MkdirAll(p.path(metadata.ParticlesDir+tomo.Dir), 0755); err != nil {
		return fmt.Errorf("failed to create particle directory: %w", err)
	}

	recScript, err := createExecutable(p.path(metadata.RecScriptName(tomo)))
	if err != nil {
		return err
	}
	defer recScript.Close()

	type pending struct {
		pt    models.Particle
		names metadata.Names
	}
	var (
		rows    = make([]pending, 0, len(particles))
		lines   []string
		stars   int
		records int
	)

	shared := p.cfg.CTF.Skip
	for _, pt := range particles {
		names := metadata.ParticleNames(tomo, p.cfg.Input.RootName, pt.Number, shared)

		if !shared || pt.Number == 1 {
			recs := plan.Records(pt)
			if err := metadata.WriteCTFStarFile(p.path(names.CTFStar), recs); err != nil {
				return err
			}
			stars++
			records += len(recs)

			line := metadata.ReconstructLine(names.CTFStar, names.CTFVolume, p.cfg.Tomogram.PixelSize)
			if _, err := io.WriteString(recScript, line+"\n"); err != nil {
				return err
			}
			lines = append(lines, line)
		}
		rows = append(rows, pending{pt: pt, names: names})
	}
	if err := recScript.Close(); err != nil {
		return err
	}

	for _, line := range lines {
		if err := p.out.addReconstruct(line); err != nil {
			return err
		}
	}
	for _, r := range rows {
		if err := p.out.particles.Add(tomo, r.pt, r.names); err != nil {
			return err
		}
	}
	p.summary.CTFStars += stars
	p.summary.Records += records
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
