package cli

import (
	"github.com/spf13/cobra"

	"github.com/yegors/hilo-recorder/internal/version"
)

// Dependencies are shared by every command
type Dependencies struct {
	ConfigPath string
}

func NewRootCmd(deps *Dependencies) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "hilo-recorder",
		Short:         "Record sessions and stream them to the Hilo backend",
		Long:          "Captures microphone audio and camera stills, streams chunked audio to the Hilo backend and exposes a local control API.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.Version = version.Version
	rootCmd.SetVersionTemplate(version.Full() + "\n")

	rootCmd.PersistentFlags().StringVarP(&deps.ConfigPath, "config", "c", "", "Path to the TOML configuration file")

	rootCmd.AddCommand(NewServeCmd(deps))
	rootCmd.AddCommand(NewVersionCmd())
	rootCmd.AddCommand(NewSessionsCmd(deps))

	return rootCmd
}
