package cli

import (
	"github.com/erg0nix/konverse/internal/app"
	"github.com/erg0nix/konverse/internal/config"

	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the konverse server",
		RunE:  runServeCmd,
	}

	cmd.Flags().Bool("foreground", false, "run server in foreground")
	cmd.Flags().String("bind", "", "bind address (overrides config)")
	cmd.Flags().String("endpoint", "", "completion endpoint (overrides config)")

	return cmd
}

func runServeCmd(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	foreground, _ := cmd.Flags().GetBool("foreground")
	bindOverride, _ := cmd.Flags().GetString("bind")
	endpointOverride, _ := cmd.Flags().GetString("endpoint")

	cfg := a.Config
	if bindOverride != "" {
		cfg.Bind = bindOverride
	}
	if endpointOverride != "" {
		cfg.Provider.Endpoint = endpointOverride
	}

	if foreground {
		cfg.Debug = config.LoadDebugConfigFromEnv(cfg.Debug)
		return app.RunServer(cfg)
	}

	return startServer(cfg, a.ConfigPath)
}
