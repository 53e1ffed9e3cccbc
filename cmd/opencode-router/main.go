package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/opencode-router/internal/config"
)

var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:          "opencode-router",
		Short:        "opencode-router - chat bridge for opencode",
		Long:         "Routes Telegram, Slack and Discord conversations into opencode sessions scoped to a workspace.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.opencode-router/config.yaml)")

	root.AddCommand(
		serveCmd(&configPath),
		statusCmd(&configPath),
		configCmd(&configPath),
		identityCmd(&configPath),
		versionCmd(),
	)
	return root
}

// resolveConfigPath returns the --config flag or the default location.
func resolveConfigPath(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	return config.DefaultPath()
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "opencode-router %s\n", version)
		},
	}
}
