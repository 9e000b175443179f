package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/erg0nix/konverse/internal/core"
	grpcsvc "github.com/erg0nix/konverse/internal/grpc"
	"github.com/erg0nix/konverse/internal/turn"

	"github.com/spf13/cobra"
)

func runCmd(cmd *cobra.Command, args []string) error {
	app, err := newApp(cmd)
	if err != nil {
		return err
	}
	sessionOverride, _ := cmd.Flags().GetString("session")
	newSession, _ := cmd.Flags().GetBool("new")

	prompt := strings.TrimSpace(strings.Join(args, " "))
	if prompt == "" {
		return fmt.Errorf("prompt is required")
	}

	sessionID := strings.TrimSpace(sessionOverride)
	if sessionID == "" && !newSession {
		sessionID = loadActiveSession(app.Config.DataDir)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := dialServer(app.ServerAddr)
	if err != nil {
		return err
	}
	defer client.Close()

	sid, err := ensureSession(ctx, client, core.SessionID(sessionID))
	if err != nil {
		return err
	}

	if err := saveActiveSession(app.Config.DataDir, string(sid)); err != nil {
		slog.Warn("failed to save active session", "error", err)
	}

	stream, err := client.ProcessTurn(ctx, sid, prompt)
	if err != nil {
		printServerNotRunning(app.ServerAddr, err)
		return err
	}

	return printTurn(os.Stdout, stream)
}

// ensureSession returns sessionID when the server knows it and a new session otherwise.
func ensureSession(ctx context.Context, client *grpcsvc.Client, sessionID core.SessionID) (core.SessionID, error) {
	if sessionID != "" {
		_, err := client.GetSession(ctx, sessionID)
		if err == nil {
			return sessionID, nil
		}
		if status.Code(err) != codes.NotFound {
			return "", fmt.Errorf("load session: %w", err)
		}
		slog.Warn("session not found, starting a new one", "session_id", sessionID)
	}

	workingDir, _ := os.Getwd()
	sess, err := client.CreateSession(ctx, grpcsvc.CreateSessionRequest{
		ProjectID: workingDir,
		Metadata:  map[string]string{"client": "konverse-cli"},
	})
	if err != nil {
		return "", fmt.Errorf("new session: %w", err)
	}
	return sess.ID, nil
}

type eventReceiver interface {
	Recv() (grpcsvc.TurnEvent, error)
}

func printTurn(w io.Writer, stream eventReceiver) error {
	wroteText := false

	for {
		event, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if status.Code(err) == codes.Canceled {
				fmt.Fprintln(w)
				return nil
			}
			return fmt.Errorf("receive event: %w", err)
		}

		switch turn.EventType(event.Type) {
		case turn.EvtDelta:
			fmt.Fprint(w, event.Delta)
			wroteText = true
		case turn.EvtToolUse:
			if wroteText {
				fmt.Fprintln(w)
				wroteText = false
			}
			if event.ToolUse != nil {
				fmt.Fprintf(w, "tool %s %s\n", event.ToolUse.Name, string(event.ToolUse.Input))
			}
		case turn.EvtCompleted:
			if wroteText {
				fmt.Fprintln(w)
			}
			if event.Usage != nil {
				fmt.Fprintf(w, "tokens: %d prompt, %d completion\n", event.Usage.PromptTokens, event.Usage.CompletionTokens)
			}
		case turn.EvtFailed:
			if wroteText {
				fmt.Fprintln(w)
			}
			return fmt.Errorf("turn failed: %s", event.Error)
		case turn.EvtRecorded, turn.EvtAssembled:
			slog.Debug("turn event", "type", event.Type, "turn_id", event.TurnID)
		}
	}
}
