package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/erg0nix/konverse/internal/core"
	grpcsvc "github.com/erg0nix/konverse/internal/grpc"

	"github.com/spf13/cobra"
)

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"session"},
		Short:   "Manage conversation sessions",
	}

	cmd.AddCommand(newSessionsNewCmd())
	cmd.AddCommand(newSessionsListCmd())
	cmd.AddCommand(newSessionsShowCmd())
	cmd.AddCommand(newSessionsTruncateCmd())
	cmd.AddCommand(newSessionsPinCmd())

	return cmd
}

// withClient resolves the server and active session, then runs fn with a connected client.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, a *App, client *grpcsvc.Client) error) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}

	client, err := dialServer(a.ServerAddr)
	if err != nil {
		return err
	}
	defer client.Close()

	return fn(cmd.Context(), a, client)
}

func sessionFromFlags(cmd *cobra.Command, a *App) (core.SessionID, error) {
	sessionID, _ := cmd.Flags().GetString("session")
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		sessionID = loadActiveSession(a.Config.DataDir)
	}
	if sessionID == "" {
		return "", fmt.Errorf("no active session; pass --session")
	}
	return core.SessionID(sessionID), nil
}

func newSessionsNewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "new",
		Short: "Create a session and make it active",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			title, _ := cmd.Flags().GetString("title")
			project, _ := cmd.Flags().GetString("project")

			return withClient(cmd, func(ctx context.Context, a *App, client *grpcsvc.Client) error {
				sess, err := client.CreateSession(ctx, grpcsvc.CreateSessionRequest{ProjectID: project, Title: title})
				if err != nil {
					return fmt.Errorf("new session: %w", err)
				}
				if err := saveActiveSession(a.Config.DataDir, string(sess.ID)); err != nil {
					return err
				}
				fmt.Println(sess.ID)
				return nil
			})
		},
	}

	cmd.Flags().String("title", "", "session title")
	cmd.Flags().String("project", "", "project id")
	return cmd
}

func newSessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, func(ctx context.Context, a *App, client *grpcsvc.Client) error {
				sessions, err := client.ListSessions(ctx)
				if err != nil {
					return fmt.Errorf("list sessions: %w", err)
				}

				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				printSessions(w, sessions, core.SessionID(loadActiveSession(a.Config.DataDir)))
				return w.Flush()
			})
		},
	}
}

func printSessions(w io.Writer, sessions []grpcsvc.SessionView, active core.SessionID) {
	fmt.Fprintln(w, "\tID\tTITLE\tRECORDS\tUPDATED")
	for _, sess := range sessions {
		marker := ""
		if sess.ID == active {
			marker = "*"
		}
		title := sess.Title
		if title == "" {
			title = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", marker, sess.ID, title, sess.RecordCount, sess.UpdatedAt)
	}
}

func newSessionsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the records of a session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, func(ctx context.Context, a *App, client *grpcsvc.Client) error {
				sessionID, err := sessionFromFlags(cmd, a)
				if err != nil {
					return err
				}

				resp, err := client.GetSession(ctx, sessionID)
				if err != nil {
					return fmt.Errorf("show session: %w", err)
				}

				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				printRecords(w, resp.Records)
				return w.Flush()
			})
		},
	}
}

func printRecords(w io.Writer, records []grpcsvc.RecordView) {
	fmt.Fprintln(w, "#\tID\tKIND\tTOKENS\tPIN\tTEXT")
	for i, rec := range records {
		pin := ""
		if rec.Pinned {
			pin = "yes"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\n", i, rec.ID, rec.Kind, rec.TokenCount, pin, preview(rec.Text, 60))
	}
}

func preview(text string, limit int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit-3]) + "..."
}

func newSessionsTruncateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "truncate <index>",
		Short: "Delete every record after the record at index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid index %q: %w", args[0], err)
			}

			return withClient(cmd, func(ctx context.Context, a *App, client *grpcsvc.Client) error {
				sessionID, err := sessionFromFlags(cmd, a)
				if err != nil {
					return err
				}

				removed, err := client.Truncate(ctx, sessionID, index)
				if err != nil {
					return fmt.Errorf("truncate session: %w", err)
				}
				fmt.Printf("removed %d records\n", removed)
				return nil
			})
		},
	}
}

func newSessionsPinCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pin <record-id>",
		Short: "Pin a record so it is always assembled into the context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			unpin, _ := cmd.Flags().GetBool("unpin")

			return withClient(cmd, func(ctx context.Context, a *App, client *grpcsvc.Client) error {
				sessionID, err := sessionFromFlags(cmd, a)
				if err != nil {
					return err
				}

				if err := client.SetPinned(ctx, sessionID, args[0], !unpin); err != nil {
					return fmt.Errorf("pin record: %w", err)
				}
				return nil
			})
		},
	}

	cmd.Flags().Bool("unpin", false, "remove the pin instead")
	return cmd
}
