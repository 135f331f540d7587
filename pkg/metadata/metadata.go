// Package metadata writes the STAR files and shell lines consumed by RELION:
// the per-particle CTF model descriptions, the master particle list and the
// CTF volume reconstruction commands.
package metadata

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"subtomoprep/internal/models"
	"subtomoprep/pkg/star"
)

// ParticlesDir is the directory, relative to the working directory, that
// receives everything RELION reads for refinement
const ParticlesDir = "Particles/"

// ctfHeader is the per-particle header RELION 1.4 reconstruct_ctf expects.
// The ninth row column (tilt scale) has no label.
const ctfHeader = "data_images\n" +
	"loop_\n" +
	"_rlnDefocusU #1 \n" +
	"_rlnVoltage #2 \n" +
	"_rlnSphericalAberration #3 \n" +
	"_rlnAmplitudeContrast #4 \n" +
	"_rlnAngleRot #5 \n" +
	"_rlnAngleTilt #6\n" +
	"_rlnAnglePsi #7 \n" +
	"_rlnBfactor #8 \n"

// Names are the output paths of one particle, relative to the working directory
type Names struct {
	// CTFStar describes the particle's 3D CTF model, one row per tilt image
	CTFStar string

	// CTFVolume is the 3D CTF model relion_reconstruct will write
	CTFVolume string

	// Subtomo is the sub-tomogram RELION extraction will write
	Subtomo string
}

// ParticleNames returns the output paths of particle n (1-based) of tomo.
// With shared set, every particle uses the tomogram's single CTF model.
func ParticleNames(tomo models.Tomogram, rootName string, n int, shared bool) Names {
	prefix := ParticlesDir + tomo.Dir + tomo.Root
	names := Names{
		CTFStar:   fmt.Sprintf("%s_ctf%06d.star", prefix, n),
		CTFVolume: fmt.Sprintf("%s_ctf%06d.mrc", prefix, n),
		Subtomo:   fmt.Sprintf("%s_%s%06d.mrc", prefix, rootName, n),
	}
	if shared {
		names.CTFStar = prefix + "_ctf.star"
		names.CTFVolume = prefix + "_ctf.mrc"
	}
	return names
}

// RecScriptName is the per-tomogram CTF volume reconstruction script
func RecScriptName(tomo models.Tomogram) string {
	return ParticlesDir + tomo.Dir + tomo.Root + "_rec_CTF_volumes.sh"
}

// ReconstructLine is the relion_reconstruct invocation building one CTF
// volume. The box size is left as the script's first argument.
func ReconstructLine(ctfStar, ctfVolume string, angpix float64) string {
	return fmt.Sprintf("relion_reconstruct --i %s --o %s --reconstruct_ctf $1 --angpix %.2f",
		shellQuote(ctfStar), shellQuote(ctfVolume), angpix)
}

// shellQuote single-quotes s when the shell would split or expand it
func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"$`\\*?[]{}()<>|&;~#!") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// FormatCTFRecord renders r as a CTF STAR row
func FormatCTFRecord(r models.CTFRecord) []string {
	return []string{
		fmt.Sprintf("%.2f", r.Defocus),
		star.Float(r.Voltage),
		star.Float(r.Cs),
		star.Float(r.AmpContrast),
		star.Float(r.AngleRot),
		star.Float(r.AngleTilt),
		star.Float(r.AnglePsi),
		star.Float(r.Bfactor),
		fmt.Sprintf("%.2f", r.Scale),
	}
}

// WriteCTFStar writes a per-particle CTF model description
func WriteCTFStar(w io.Writer, records []models.CTFRecord) error {
	sw := star.NewWriter(w)
	if err := sw.WriteRaw(ctfHeader); err != nil {
		return err
	}
	for _, r := range records {
		if err := sw.WriteRow(FormatCTFRecord(r)...); err != nil {
			return err
		}
	}
	return sw.Flush()
}

// WriteCTFStarFile writes records to path, creating its directory
func WriteCTFStarFile(path string, records []models.CTFRecord) error {
	return writeFile(path, func(w io.Writer) error {
		return WriteCTFStar(w, records)
	})
}

// WriteImageList writes the micrograph list fed to CTF estimation
func WriteImageList(path string, images []models.TiltImage) error {
	return writeFile(path, func(w io.Writer) error {
		sw := star.NewWriter(w)
		if err := sw.WriteHeader("", star.MicrographName); err != nil {
			return err
		}
		for _, img := range images {
			if err := sw.WriteRow(img.Path); err != nil {
				return err
			}
		}
		return sw.Flush()
	})
}

// WriteZeroDefocus writes a CTF estimation result with every defocus at zero,
// standing in for the estimation when CTF correction is skipped
func WriteZeroDefocus(path string, images []models.TiltImage) error {
	return writeFile(path, func(w io.Writer) error {
		sw := star.NewWriter(w)
		if err := sw.WriteHeader("", star.MicrographName, star.DefocusU, star.DefocusV); err != nil {
			return err
		}
		for _, img := range images {
			if err := sw.WriteRow(img.Path, "0.000", "0.000"); err != nil {
				return err
			}
		}
		return sw.Flush()
	})
}

func writeFile(path string, fn func(io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := fn(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}
