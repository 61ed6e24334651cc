package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wesleyorama2/volley/internal/config"
	"github.com/wesleyorama2/volley/internal/output"
)

func newValidateCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE",
		Short: "Check a simulation file without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sim, err := config.LoadConfig(args[0])
			if err != nil {
				return err
			}
			_, sc, err := sim.Build()
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s %s is invalid\n", output.ErrorIcon(g.noColor), args[0])
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s is valid: %d users, %d top-level steps\n",
				output.SuccessIcon(g.noColor), args[0], sim.Load.Users, len(sc.Steps))
			return nil
		},
	}
}
