package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/erg0nix/konverse/internal/harness"

	"github.com/spf13/cobra"
)

func newHarnessCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "harness",
		Short: "Serve a scripted OpenAI-compatible completion endpoint",
		Args:  cobra.NoArgs,
		RunE:  runHarnessCmd,
	}

	cmd.Flags().String("bind", "127.0.0.1:8080", "listen address")
	cmd.Flags().String("model", "harness", "model name to report")
	cmd.Flags().Int("chunk-size", 8, "runes per streamed content frame")
	cmd.Flags().Duration("frame-delay", 0, "delay between streamed frames")

	return cmd
}

func runHarnessCmd(cmd *cobra.Command, _ []string) error {
	bind, _ := cmd.Flags().GetString("bind")
	model, _ := cmd.Flags().GetString("model")
	chunkSize, _ := cmd.Flags().GetInt("chunk-size")
	frameDelay, _ := cmd.Flags().GetDuration("frame-delay")

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	server := harness.New(harness.Options{
		Model:      model,
		ChunkSize:  chunkSize,
		FrameDelay: frameDelay,
		Logger:     logger,
	})

	httpServer := &http.Server{Addr: bind, Handler: server.Handler(), ReadHeaderTimeout: 5 * time.Second}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	logger.Info("harness listening", "address", bind, "model", model)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
