// Package cli implements the volley command line.
package cli

import (
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/wesleyorama2/volley/internal/observability"
	"github.com/wesleyorama2/volley/internal/output"
)

var version = "0.1.0"

// globalFlags are shared by every subcommand.
type globalFlags struct {
	logLevel  string
	logFormat string
	noColor   bool
}

func (g *globalFlags) logger(w io.Writer) zerolog.Logger {
	if g.logFormat == "json" {
		return observability.NewLogger(g.logLevel, w)
	}
	return observability.NewConsoleLogger(g.logLevel, w, g.noColor || !output.IsTerminal(w))
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:     "volley",
		Short:   "A load generator for HTTP, WebSocket and server-sent events",
		Version: version,
		Long: `Volley runs simulations: a population of virtual users, each executing a
scenario of requests against a target, with redirects, page resources,
cookies and caching handled the way a browser would. Results are reported
per request name with latency percentiles.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	pf.StringVar(&flags.logFormat, "log-format", "console", "Log format (console, json)")
	pf.BoolVar(&flags.noColor, "no-color", false, "Disable colored output")

	root.AddCommand(newRunCmd(flags))
	root.AddCommand(newValidateCmd(flags))
	root.AddCommand(newRequestCmd(flags))
	return root
}

// Execute runs the command line and returns the first error.
func Execute() error {
	return NewRootCmd().Execute()
}
