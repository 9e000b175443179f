package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the konverse server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := newApp(cmd)
			if err != nil {
				return err
			}

			if !alreadyRunning(app.Config.DataDir) {
				fmt.Println("konverse server not running")
				return nil
			}

			return stopServer(cmd.Context(), app.ServerAddr)
		},
	}
}

func stopServer(ctx context.Context, serverAddr string) error {
	client, err := dialServer(serverAddr)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	message, err := client.Shutdown(ctx)
	if err != nil {
		return fmt.Errorf("stop server: %w", err)
	}

	fmt.Println(message)
	return nil
}
