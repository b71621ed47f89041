package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/runrecorder/internal/config"
)

// NewConfigCommand creates the config command group.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		Long: `Print the effective configuration: built-in defaults overlaid with the
config file and RUNRECORDER_* environment variables.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			if f.Format == "json" {
				return f.Success(rootOpts.Viper.AllSettings())
			}
			if err := config.WriteYAML(f.Writer, rootOpts.Viper); err != nil {
				return WrapExitError(ExitFailure, "failed to write config", err)
			}
			return nil
		},
	}
	cmd.AddCommand(show)

	return cmd
}
