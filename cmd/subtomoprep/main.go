package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"subtomoprep/pkg/config"
	"subtomoprep/pkg/pipeline"
)

var (
	// Global flags
	verbose    bool
	configPath string

	// Run flags
	workDir         string
	tomogramStar    string
	rootName        string
	skipCTF         bool
	skipCTFFindRun  bool
	onlyUnfinished  bool
	continueOnError bool

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "subtomoprep",
	Short: "Prepare IMOD tilt series for RELION sub-tomogram averaging",
	Long: `subtomoprep prepares every tomogram of a list for RELION sub-tomogram averaging.

For each tomogram it extracts the tilt images, estimates their CTF with
relion_run_ctffind, corrects the defocus for every particle position and
writes the per-particle 3D CTF model descriptions, the reconstruction
scripts and the master particle STAR file used for refinement.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = newLogger(verbose)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// runCmd processes the tomogram list
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Process every tomogram of the list",
	Long: `Processes the tomogram list in the working directory:
  1. Tilt angles: copy <root>.tlt or read them with extracttilts
  2. Images: extract every tilt with newstack
  3. CTF: estimate each image with relion_run_ctffind (or zero defocus with --skip-ctf)
  4. Particles: write one 3D CTF model description and reconstruction command per particle`,
	Args: cobra.NoArgs,
	RunE: runPreparation,
}

// initConfigCmd writes a default configuration file
var initConfigCmd = &cobra.Command{
	Use:   "init-config [path]",
	Short: "Write a configuration file with default values (.yaml or .toml)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.CreateDefaultConfigFile(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Default configuration written to %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "subtomoprep.yaml", "Configuration file (.yaml or .toml)")

	runCmd.Flags().StringVarP(&workDir, "workdir", "w", ".", "Working directory holding the tomogram list")
	runCmd.Flags().StringVar(&tomogramStar, "tomograms", "", "STAR file listing the tomograms (overrides config)")
	runCmd.Flags().StringVar(&rootName, "root-name", "", "Sub-tomogram root name (overrides config)")
	runCmd.Flags().BoolVar(&skipCTF, "skip-ctf", false, "Skip CTF correction, keeping tilt and dose weighting")
	runCmd.Flags().BoolVar(&skipCTFFindRun, "skip-ctffind-run", false, "Reuse CTF estimations from a previous run")
	runCmd.Flags().BoolVar(&onlyUnfinished, "only-unfinished", false, "Only estimate images without CTFFIND results")
	runCmd.Flags().BoolVar(&continueOnError, "continue-on-error", false, "Keep processing the remaining tomograms after a failure")

	rootCmd.AddCommand(runCmd, initConfigCmd)
}

// newLogger builds the production logger, at debug level when debug is set
func newLogger(debug bool) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	if debug {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	l, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return l, nil
}

// runLogger returns the logger for a run of cfg. run.verbose in the
// configuration file lowers the level the same way --verbose does.
func runLogger(cfg *config.Config) (*zap.Logger, error) {
	if !cfg.Run.Verbose || logger.Core().Enabled(zapcore.DebugLevel) {
		return logger, nil
	}
	_ = logger.Sync()
	return newLogger(true)
}

// applyFlags overrides cfg with the run flags set on cmd
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("tomograms") {
		cfg.Input.TomogramStar = tomogramStar
	}
	if flags.Changed("root-name") {
		cfg.Input.RootName = rootName
	}
	if flags.Changed("skip-ctf") {
		cfg.CTF.Skip = skipCTF
	}
	if flags.Changed("skip-ctffind-run") {
		cfg.CTF.SkipRun = skipCTFFindRun
	}
	if flags.Changed("only-unfinished") {
		cfg.CTF.OnlyUnfinished = onlyUnfinished
	}
	if flags.Changed("continue-on-error") {
		cfg.Run.ContinueOnError = continueOnError
	}
	if verbose {
		cfg.Run.Verbose = true
	}
}

func runPreparation(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	applyFlags(cmd, cfg)

	if logger, err = runLogger(cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := pipeline.NewPipeline(&pipeline.Params{
		Config:  cfg,
		WorkDir: workDir,
		Logger:  logger,
	})

	start := time.Now()
	err = p.Process(ctx)
	printSummary(cmd.OutOrStdout(), p.Summary(), time.Since(start))
	if err != nil {
		return err
	}

	printInstructions(cmd.OutOrStdout(), cfg.Input.RootName)
	return nil
}

func printSummary(w io.Writer, s pipeline.Summary, elapsed time.Duration) {
	fmt.Fprintf(w, "\nProcessed %d tomogram(s) in %.2f seconds", s.Tomograms, elapsed.Seconds())
	if s.Failed > 0 {
		fmt.Fprintf(w, ", %d failed", s.Failed)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "- Particles listed: %d\n", s.Particles)
	fmt.Fprintf(w, "- CTF model descriptions: %d (%d rows)\n", s.CTFStars, s.Records)
	fmt.Fprintf(w, "- External commands run: %d\n", s.Commands)
}

func printInstructions(w io.Writer, rootName string) {
	fmt.Fprintln(w, "\nNext steps:")
	fmt.Fprintf(w, "- Extract sub-tomograms with RELION using the root name %q\n", rootName)
	fmt.Fprintf(w, "- Reconstruct the 3D CTF volumes with: ./%s <SubtomogramSize>\n", pipeline.MasterScriptName)
	fmt.Fprintf(w, "- Refine with the particle list %s\n", pipeline.ParticleListName(rootName))
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
