package cli

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/erg0nix/konverse/internal/app"
	"github.com/erg0nix/konverse/internal/config"
	grpcsvc "github.com/erg0nix/konverse/internal/grpc"

	"github.com/spf13/cobra"
)

func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "konverse [prompt]",
		Short:         "konverse CLI",
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          cobra.ArbitraryArgs,
		RunE:          runCmd,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to config file")
	rootCmd.PersistentFlags().String("server", "", "server address")
	rootCmd.PersistentFlags().String("session", "", "session id to reuse")
	rootCmd.Flags().Bool("new", false, "start a new session for this prompt")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newSessionsCmd())
	rootCmd.AddCommand(newStopCmd())
	rootCmd.AddCommand(newPsCmd())
	rootCmd.AddCommand(newHarnessCmd())

	return rootCmd
}

func loadConfig(path string) (config.Config, error) {
	configPath := path
	if configPath == "" {
		configPath = filepath.Join(config.Default().DataDir, "config.toml")
	}
	return config.LoadOrCreate(configPath)
}

func resolveServer(override string, cfg config.Config) string {
	if override != "" {
		return override
	}
	return clientAddrFromBind(cfg.Bind)
}

func clientAddrFromBind(bind string) string {
	host, port, err := netSplitHostPort(bind)
	if err != nil || port == "" {
		return bind
	}

	if host == "" || host == "0.0.0.0" || host == "::" {
		return "127.0.0.1:" + port
	}
	return bind
}

func netSplitHostPort(addr string) (string, string, error) {
	if strings.HasPrefix(addr, ":") {
		return "", strings.TrimPrefix(addr, ":"), nil
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", "", err
	}
	return host, port, nil
}

func alreadyRunning(dataDir string) bool {
	return app.ReadPID(app.PIDFile(dataDir)) != 0
}

func loadActiveSession(dataDir string) string {
	path := filepath.Join(dataDir, "active_session")
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func saveActiveSession(dataDir string, sessionID string) error {
	if sessionID == "" {
		return nil
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("save active session: mkdir: %w", err)
	}

	path := filepath.Join(dataDir, "active_session")
	if err := os.WriteFile(path, []byte(sessionID), 0o644); err != nil {
		return fmt.Errorf("save active session: %w", err)
	}
	return nil
}

func dialServer(serverAddr string) (*grpcsvc.Client, error) {
	client, err := grpcsvc.Dial(serverAddr)
	if err != nil {
		printServerNotRunning(serverAddr, err)
		return nil, err
	}
	return client, nil
}

func printServerNotRunning(addr string, err error) {
	fmt.Fprintln(os.Stderr, "server is not running at "+addr)
	fmt.Fprintln(os.Stderr, "start with: konverse serve")
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
	}
}

func startServer(cfg config.Config, configPath string) error {
	if alreadyRunning(cfg.DataDir) {
		fmt.Println("server already running at " + resolveServer("", cfg))
		return nil
	}

	serverCmd := exec.Command(os.Args[0], "serve", "--foreground", "--bind", cfg.Bind)
	if configPath != "" {
		serverCmd.Args = append(serverCmd.Args, "--config", configPath)
	}

	logFile := filepath.Join(cfg.DataDir, "server.log")
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("start server: create data dir: %w", err)
	}

	out, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("start server: open log: %w", err)
	}
	defer out.Close()

	serverCmd.Stdout = out
	serverCmd.Stderr = out

	if err := serverCmd.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	fmt.Printf("started server pid %d, logging to %s\n", serverCmd.Process.Pid, logFile)
	return nil
}
