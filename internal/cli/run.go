package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wesleyorama2/volley/internal/config"
	"github.com/wesleyorama2/volley/internal/output"
	"github.com/wesleyorama2/volley/internal/runner"
)

type runFlags struct {
	configFile  string
	users       int
	iterations  int
	duration    time.Duration
	rampUp      time.Duration
	format      string
	outputPath  string
	metricsAddr string
	progress    time.Duration
	quiet       bool
}

func newRunCmd(g *globalFlags) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a simulation from a configuration file",
		Long: `Run a simulation described by a YAML or JSON file.

Flags override the load section of the file:
  volley run --config checkout.yaml --users 50 --duration 2m`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulation(cmd, g, f)
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.configFile, "config", "c", "", "Simulation file (YAML or JSON)")
	fl.IntVarP(&f.users, "users", "u", 0, "Number of virtual users")
	fl.IntVarP(&f.iterations, "iterations", "i", 0, "Iterations per user")
	fl.DurationVarP(&f.duration, "duration", "d", 0, "Maximum run duration")
	fl.DurationVar(&f.rampUp, "ramp-up", 0, "Spread user starts over this period")
	fl.StringVarP(&f.format, "format", "f", "text", "Summary format (text, json, yaml)")
	fl.StringVarP(&f.outputPath, "output", "o", "", "Write the summary to a file instead of stdout")
	fl.StringVar(&f.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address during the run")
	fl.DurationVar(&f.progress, "progress", 5*time.Second, "Progress line interval (0 disables)")
	fl.BoolVarP(&f.quiet, "quiet", "q", false, "Suppress progress output")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func runSimulation(cmd *cobra.Command, g *globalFlags, f *runFlags) error {
	format, err := output.ParseFormat(f.format)
	if err != nil {
		return err
	}

	sim, err := config.LoadConfig(f.configFile)
	if err != nil {
		return err
	}
	if f.users > 0 {
		sim.Load.Users = f.users
	}
	if f.iterations > 0 {
		sim.Load.Iterations = f.iterations
	}
	if f.duration > 0 {
		sim.Load.Duration = config.Duration(f.duration)
	}
	if f.rampUp > 0 {
		sim.Load.RampUp = config.Duration(f.rampUp)
	}

	proto, sc, err := sim.Build()
	if err != nil {
		return err
	}

	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
	log := g.logger(stderr)

	cfg := runner.Config{
		Name:        sim.Name,
		Protocol:    proto,
		Scenario:    sc,
		Load:        sim.LoadProfile(),
		MetricsAddr: f.metricsAddr,
		ColorScheme: output.SchemeFor(stderr, g.noColor),
		Logger:      log,
	}
	if !f.quiet && f.progress > 0 {
		cfg.Progress = stderr
		cfg.ProgressInterval = f.progress
	}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := runner.Run(ctx, cfg)
	if err != nil {
		return err
	}
	if res.Incomplete {
		log.Warn().Msg("Some users did not stop within the graceful stop period")
	}

	summary := res.Summary(fmt.Sprintf("Simulation %s completed (run %s)", sim.Name, res.RunID))
	if f.outputPath != "" {
		file, err := os.Create(f.outputPath)
		if err != nil {
			return fmt.Errorf("creating summary file: %w", err)
		}
		defer file.Close()
		if err := summary.Write(file, format, output.NoColorScheme()); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%s Summary written to %s\n", output.SuccessIcon(g.noColor), f.outputPath)
		return nil
	}
	return summary.Write(stdout, format, output.SchemeFor(stdout, g.noColor))
}
