package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/inferloop/splitlab/cmd/cli/commands"
	"github.com/inferloop/splitlab/cmd/cli/config"
	"github.com/inferloop/splitlab/pkg/constants"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &commands.GlobalOptions{}

	rootCmd := &cobra.Command{
		Use:   "splitlab",
		Short: "Splitlab experimentation CLI",
		Long: `A command-line interface for checking experiment definitions, previewing
assignments and running the experiment statistics offline.`,
		Version:       constants.AppVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(g.ConfigFile)
			if err != nil {
				return err
			}
			g.Config = cfg
			if g.Verbose && g.ConfigFile != "" {
				fmt.Fprintln(cmd.ErrOrStderr(), "Using config file:", g.ConfigFile)
			}
			return nil
		},
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&g.ConfigFile, "config", "", "config file (default is $HOME/.splitlab/cli.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&g.Verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&g.Format, "format", "f", "", "output format: text or json (default from config)")

	// Add commands
	rootCmd.AddCommand(commands.NewAnalyzeCmd(g))
	rootCmd.AddCommand(commands.NewAssignCmd(g))
	rootCmd.AddCommand(commands.NewValidateCmd(g))
	rootCmd.AddCommand(commands.NewMigrateCmd(g))

	return rootCmd
}
