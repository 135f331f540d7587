package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subtomoprep/pkg/config"
	"subtomoprep/pkg/defocus"
	"subtomoprep/pkg/external"
	"subtomoprep/pkg/star"
	"subtomoprep/pkg/tilt"
)

// fakeTools stands in for IMOD and RELION, producing the files the real
// programs would write
type fakeTools struct {
	t           *testing.T
	workDir     string
	tilts       string
	defocus     string
	defoci      []string
	omitDefocus bool
	fail        map[string]bool
	calls       []string
}

func (f *fakeTools) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(f.workDir, p)
}

func (f *fakeTools) write(p, content string) {
	f.t.Helper()
	require.NoError(f.t, os.MkdirAll(filepath.Dir(f.resolve(p)), 0755))
	require.NoError(f.t, os.WriteFile(f.resolve(p), []byte(content), 0644))
}

func (f *fakeTools) Run(_ context.Context, name string, args ...string) (external.Result, error) {
	f.calls = append(f.calls, external.CommandLine(name, args...))
	if f.fail[name] {
		return external.Result{ExitCode: 1, Stderr: []byte(name + ": fatal error")}, errors.New("exit status 1")
	}

	switch name {
	case "extracttilts":
		f.write(args[4], f.tilts)
	case "newstack":
		f.write(args[3], "MRC")
	case "relion_run_ctffind":
		tbl, err := star.ReadFile(f.resolve(args[1]))
		require.NoError(f.t, err)
		images, err := tbl.Strings(star.MicrographName)
		require.NoError(f.t, err)

		var b strings.Builder
		sw := star.NewWriter(&b)
		if f.omitDefocus {
			require.NoError(f.t, sw.WriteHeader("", star.MicrographName))
			for _, img := range images {
				require.NoError(f.t, sw.WriteRow(img))
			}
		} else {
			require.NoError(f.t, sw.WriteHeader("", star.MicrographName, star.DefocusU, star.DefocusV))
			for i, img := range images {
				d := f.defocus
				if i < len(f.defoci) {
					d = f.defoci[i]
				}
				require.NoError(f.t, sw.WriteRow(img, d, d))
			}
		}
		require.NoError(f.t, sw.Flush())
		f.write(args[3], b.String())
	default:
		return external.Result{ExitCode: 127}, errors.New("unknown tool " + name)
	}
	return external.Result{}, nil
}

func (f *fakeTools) count(prefix string) int {
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

type fixture struct {
	t       *testing.T
	workDir string
	tools   *fakeTools
	cfg     *config.Config
}

func newFixture(t *testing.T, tomograms ...string) *fixture {
	workDir := t.TempDir()
	f := &fixture{
		t:       t,
		workDir: workDir,
		tools: &fakeTools{
			t:       t,
			workDir: workDir,
			tilts:   "0.00\n30.00\n-30.00\n",
			defocus: "1000.0",
			fail:    map[string]bool{},
		},
		cfg: config.DefaultConfig(),
	}
	f.cfg.Tomogram.Size = [3]int{100, 100, 100}
	f.cfg.Tomogram.PixelSize = 2
	f.cfg.Tools.CTFFind = "/opt/ctffind"

	list := "data_\n\nloop_\n_rlnMicrographName #1\n"
	for _, name := range tomograms {
		list += name + "/" + name + ".mrc\n"
		f.file(name+"/"+name+".mrcs", "MRC")
		f.file(name+"/"+name+".order", "0 2.5\n30 5\n-30 7.5\n")
		f.file(name+"/"+name+".coords", "60 50 60\n50 50 50\n")
	}
	f.file("all_tomograms.star", list)
	return f
}

func (f *fixture) file(rel, content string) {
	f.t.Helper()
	path := filepath.Join(f.workDir, rel)
	require.NoError(f.t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(f.t, os.WriteFile(path, []byte(content), 0644))
}

func (f *fixture) read(rel string) string {
	f.t.Helper()
	data, err := os.ReadFile(filepath.Join(f.workDir, rel))
	require.NoError(f.t, err)
	return string(data)
}

func (f *fixture) exists(rel string) bool {
	_, err := os.Stat(filepath.Join(f.workDir, rel))
	return err == nil
}

func (f *fixture) pipeline() *Pipeline {
	return NewPipeline(&Params{Config: f.cfg, WorkDir: f.workDir, Runner: f.tools})
}

func TestProcessTwoTomograms(t *testing.T) {
	f := newFixture(t, "TS_01", "TS_02")
	// TS_01 already has a tilt file, TS_02 needs extracttilts
	f.file("TS_01/TS_01.tlt", "0.00\n30.00\n-30.00\n")

	p := f.pipeline()
	require.NoError(t, p.Process(context.Background()))
	assert.NotEmpty(t, p.RunID())

	assert.Equal(t, 1, f.tools.count("extracttilts -InputFile TS_02/TS_02.mrcs -tilts"))
	assert.Equal(t, 6, f.tools.count("newstack"))
	assert.Equal(t, 2, f.tools.count("relion_run_ctffind"))
	assert.Contains(t, f.tools.calls, "newstack -secs 2 TS_01/TS_01.mrcs TS_01/ctffind/TS_01_image-30.0_2.mrc")

	assert.Equal(t, "0.00\n30.00\n-30.00\n", f.read("TS_01/ctffind/tiltangles.txt"))
	assert.Equal(t, "data_\n\nloop_\n_rlnMicrographName #1\n"+
		"TS_01/ctffind/TS_01_image0.0_0.mrc\n"+
		"TS_01/ctffind/TS_01_image30.0_1.mrc\n"+
		"TS_01/ctffind/TS_01_image-30.0_2.mrc\n",
		f.read("TS_01/ctffind/TS_01_images.star"))

	// particle 1 sits at x_tomo = z_tomo = 20 Å
	ctf := f.read("Particles/TS_01/TS_01_ctf000001.star")
	assert.True(t, strings.HasPrefix(ctf, "data_images\nloop_\n_rlnDefocusU #1 \n"))
	assert.True(t, strings.HasSuffix(ctf,
		"1000.00\t300.0\t2.7\t0.07\t0.0\t0.0\t0.0\t10.0\t1.00\n"+
			"1013.66\t300.0\t2.7\t0.07\t0.0\t30.0\t0.0\t20.0\t0.87\n"+
			"996.34\t300.0\t2.7\t0.07\t0.0\t-30.0\t0.0\t30.0\t0.87\n"), ctf)

	// particle 2 is at the centre: no geometric correction
	centre := f.read("Particles/TS_02/TS_02_ctf000002.star")
	assert.Contains(t, centre, "1000.00\t300.0\t2.7\t0.07\t0.0\t30.0\t0.0\t20.0\t0.87\n")

	list, err := star.ReadFile(filepath.Join(f.workDir, ParticleListName("subtomo")))
	require.NoError(t, err)
	require.Equal(t, 4, list.Len())
	volumes, err := list.Strings(star.CtfImage)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"Particles/TS_01/TS_01_ctf000001.mrc",
		"Particles/TS_01/TS_01_ctf000002.mrc",
		"Particles/TS_02/TS_02_ctf000001.mrc",
		"Particles/TS_02/TS_02_ctf000002.mrc",
	}, volumes)
	subtomos, err := list.Strings(star.ImageName)
	require.NoError(t, err)
	assert.Equal(t, "Particles/TS_02/TS_02_subtomo000002.mrc", subtomos[3])

	script := f.read(MasterScriptName)
	lines := strings.Split(strings.TrimSpace(script), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "relion_reconstruct --i Particles/TS_01/TS_01_ctf000001.star"+
		" --o Particles/TS_01/TS_01_ctf000001.mrc --reconstruct_ctf $1 --angpix 2.00", lines[0])
	assert.Equal(t, strings.Join(lines[:2], "\n")+"\n", f.read("Particles/TS_01/TS_01_rec_CTF_volumes.sh"))

	info, err := os.Stat(filepath.Join(f.workDir, MasterScriptName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0700), info.Mode().Perm())

	commands := strings.Split(strings.TrimSpace(f.read(CommandLogName)), "\n")
	require.Len(t, commands, 2)
	assert.True(t, strings.HasPrefix(commands[0], "relion_run_ctffind --i "+f.workDir+"/TS_01/ctffind/TS_01_images.star"))
	assert.True(t, strings.HasSuffix(commands[1], `--ctffind_exe "/opt/ctffind --old-school-input"`))

	assert.Equal(t, Summary{
		Tomograms: 2,
		Particles: 4,
		CTFStars:  4,
		Records:   12,
		Commands:  9,
	}, p.Summary())
}

func TestProcessTiltOrderMismatch(t *testing.T) {
	f := newFixture(t, "TS_01")
	f.file("TS_01/TS_01.order", "0 2.5\n30 5\n")

	err := f.pipeline().Process(context.Background())
	var mismatch *tilt.LengthMismatchError
	require.True(t, errors.As(err, &mismatch), "got %v", err)
	assert.Equal(t, 3, mismatch.Want)
	assert.Equal(t, 2, mismatch.Got)
	assert.Contains(t, err.Error(), "TS_01/TS_01.mrc")

	assert.Equal(t, 0, f.tools.count("newstack"))
	assert.False(t, f.exists("Particles/TS_01/TS_01_ctf000001.star"))
	assert.Equal(t, "data_\n\nloop_\n_rlnMicrographName #1\n_rlnCoordinateX #2\n_rlnCoordinateY #3\n"+
		"_rlnCoordinateZ #4\n_rlnImageName #5\n_rlnCtfImage #6\n", f.read(ParticleListName("subtomo")))
}

func TestProcessDefocusCountMismatch(t *testing.T) {
	f := newFixture(t, "TS_01")
	f.cfg.CTF.SkipRun = true
	// a stale estimation from a previous run with a different tilt count
	f.file("TS_01/ctffind/TS_01_ctffind.star", "loop_\n_rlnMicrographName\n_rlnDefocusU\na.mrc 1000\nb.mrc 1000\n")

	err := f.pipeline().Process(context.Background())
	var mismatch *tilt.LengthMismatchError
	require.True(t, errors.As(err, &mismatch), "got %v", err)
	assert.Equal(t, 0, f.tools.count("relion_run_ctffind"))
	assert.False(t, f.exists("Particles/TS_01/TS_01_ctf000001.star"))
}

func TestProcessToolFailure(t *testing.T) {
	f := newFixture(t, "TS_01")
	f.tools.fail["relion_run_ctffind"] = true

	p := f.pipeline()
	err := p.Process(context.Background())
	var runErr *external.RunError
	require.True(t, errors.As(err, &runErr), "got %v", err)
	assert.Equal(t, 1, runErr.ExitCode)
	assert.Contains(t, runErr.Stderr, "fatal error")
	assert.Equal(t, 1, p.Summary().Failed)
	assert.Empty(t, strings.TrimSpace(f.read(CommandLogName)))
}

func TestProcessMissingDefocusColumn(t *testing.T) {
	f := newFixture(t, "TS_01")
	f.tools.omitDefocus = true

	err := f.pipeline().Process(context.Background())
	var missing *star.MissingColumnError
	require.True(t, errors.As(err, &missing), "got %v", err)
	assert.Equal(t, []string{star.DefocusU}, missing.Labels)
}

func TestProcessNoDoseMatch(t *testing.T) {
	f := newFixture(t, "TS_01")
	// -30° is more than one tilt step away from every entry
	f.file("TS_01/TS_01.order", "10 2.5\n20 5\n30 7.5\n")

	err := f.pipeline().Process(context.Background())
	var noMatch *defocus.NoDoseMatchError
	require.True(t, errors.As(err, &noMatch), "got %v", err)
	assert.Equal(t, -30.0, noMatch.Tilt)
	assert.False(t, f.exists("Particles/TS_01/TS_01_ctf000001.star"))
}

func TestProcessSkipCTF(t *testing.T) {
	f := newFixture(t, "TS_01")
	f.cfg.CTF.Skip = true

	p := f.pipeline()
	require.NoError(t, p.Process(context.Background()))

	assert.Equal(t, 0, f.tools.count("relion_run_ctffind"))
	assert.Contains(t, f.read("TS_01/ctffind/TS_01_ctffind.star"), "TS_01/ctffind/TS_01_image0.0_0.mrc\t0.000\t0.000\n")

	ctf := f.read("Particles/TS_01/TS_01_ctf.star")
	assert.Contains(t, ctf, "0.00\t300.0\t0.0\t1.0\t0.0\t30.0\t0.0\t20.0\t0.87\n")
	assert.False(t, f.exists("Particles/TS_01/TS_01_ctf000001.star"))

	list, err := star.ReadFile(filepath.Join(f.workDir, ParticleListName("subtomo")))
	require.NoError(t, err)
	volumes, err := list.Strings(star.CtfImage)
	require.NoError(t, err)
	assert.Equal(t, []string{"Particles/TS_01/TS_01_ctf.mrc", "Particles/TS_01/TS_01_ctf.mrc"}, volumes)

	lines := strings.Split(strings.TrimSpace(f.read(MasterScriptName)), "\n")
	assert.Len(t, lines, 1)
	assert.Equal(t, 1, p.Summary().CTFStars)
	assert.Equal(t, 2, p.Summary().Particles)
}

func TestProcessLowTiltPolicy(t *testing.T) {
	f := newFixture(t, "TS_01")
	f.tools.tilts = "0.00\n10.00\n-40.00\n"
	f.tools.defoci = []string{"1000.0", "2000.0", "5000.0"}
	f.file("TS_01/TS_01.order", "0 2.5\n10 5\n-40 7.5\n")
	f.cfg.Weighting.UseLowTiltDefoci = true
	f.cfg.Weighting.LowTiltLimit = 30

	require.NoError(t, f.pipeline().Process(context.Background()))

	// particle 2 is at the centre, so the rows carry the base defoci:
	// the -40° estimate of 5000 is replaced by the mean of 1000 and 2000
	ctf := f.read("Particles/TS_01/TS_01_ctf000002.star")
	assert.True(t, strings.HasSuffix(ctf,
		"1000.00\t300.0\t2.7\t0.07\t0.0\t0.0\t0.0\t10.0\t1.00\n"+
			"2000.00\t300.0\t2.7\t0.07\t0.0\t10.0\t0.0\t20.0\t0.98\n"+
			"1500.00\t300.0\t2.7\t0.07\t0.0\t-40.0\t0.0\t30.0\t0.77\n"), ctf)
	assert.NotContains(t, ctf, "5000.00")
}

func TestProcessWriteFailureLeavesRunFilesClean(t *testing.T) {
	f := newFixture(t, "TS_01", "TS_02")
	f.cfg.Run.ContinueOnError = true
	// the second particle's CTF STAR path is taken by a directory
	require.NoError(t, os.MkdirAll(filepath.Join(f.workDir, "Particles/TS_01/TS_01_ctf000002.star"), 0755))

	p := f.pipeline()
	err := p.Process(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TS_01")

	// particle 1 of TS_01 was written, but none of TS_01 reaches the run-wide files
	assert.True(t, f.exists("Particles/TS_01/TS_01_ctf000001.star"))
	script := f.read(MasterScriptName)
	assert.NotContains(t, script, "TS_01")
	assert.Len(t, strings.Split(strings.TrimSpace(script), "\n"), 2)

	list, err := star.ReadFile(filepath.Join(f.workDir, ParticleListName("subtomo")))
	require.NoError(t, err)
	micrographs, err := list.Strings(star.MicrographName)
	require.NoError(t, err)
	assert.Equal(t, []string{"TS_02/TS_02.mrc", "TS_02/TS_02.mrc"}, micrographs)

	s := p.Summary()
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 2, s.Particles)
	assert.Equal(t, 2, s.CTFStars)
}

func TestProcessContinueOnError(t *testing.T) {
	f := newFixture(t, "TS_01", "TS_02")
	f.file("TS_01/TS_01.order", "0 2.5\n")
	f.cfg.Run.ContinueOnError = true

	p := f.pipeline()
	err := p.Process(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TS_01")

	s := p.Summary()
	assert.Equal(t, 1, s.Tomograms)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 2, s.Particles)
	assert.True(t, f.exists("Particles/TS_02/TS_02_ctf000001.star"))
}

func TestProcessInputErrors(t *testing.T) {
	f := newFixture(t)
	err := f.pipeline().Process(context.Background())
	assert.True(t, errors.Is(err, ErrNoTomograms), "got %v", err)

	f = newFixture(t, "TS_01")
	f.cfg.Tomogram.PixelSize = 0
	err = f.pipeline().Process(context.Background())
	assert.ErrorContains(t, err, "invalid configuration")

	f = newFixture(t, "TS_01")
	f.file("all_tomograms.star", "loop_\n_rlnImageName\nx.mrc\n")
	err = f.pipeline().Process(context.Background())
	var missing *star.MissingColumnError
	assert.True(t, errors.As(err, &missing), "got %v", err)
}

func TestProcessCancelled(t *testing.T) {
	f := newFixture(t, "TS_01")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.pipeline().Process(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, f.tools.calls)
}
