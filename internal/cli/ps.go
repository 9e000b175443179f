package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/erg0nix/konverse/internal/app"
	grpcsvc "github.com/erg0nix/konverse/internal/grpc"

	"github.com/spf13/cobra"
)

func newPsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ps",
		Short: "Show running processes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}

			pid := app.ReadPID(app.PIDFile(a.Config.DataDir))
			if pid == 0 {
				pid = app.FindProcessPID(app.ServerProcessPattern(os.Args[0]))
			}

			var status *grpcsvc.StatusResponse
			if pid != 0 {
				status = fetchStatus(cmd.Context(), a.ServerAddr)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			printProcessTable(w, pid, a.ServerAddr, a.Config.Provider.Endpoint, status)
			return w.Flush()
		},
	}
}

func fetchStatus(ctx context.Context, serverAddr string) *grpcsvc.StatusResponse {
	client, err := grpcsvc.Dial(serverAddr)
	if err != nil {
		return nil
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	resp, err := client.Status(ctx)
	if err != nil {
		return nil
	}
	return &resp
}

func printProcessTable(w io.Writer, pid int, serverAddr string, endpoint string, status *grpcsvc.StatusResponse) {
	fmt.Fprintln(w, "NAME\tSTATUS\tPID\tENDPOINT\tUPTIME\tSESSIONS")

	if pid == 0 {
		fmt.Fprintf(w, "konverse\tstopped\t-\t%s\t-\t-\n", serverAddr)
		fmt.Fprintf(w, "completion\tunknown\t-\t%s\t-\t-\n", endpoint)
		return
	}

	if status == nil {
		fmt.Fprintf(w, "konverse\tstarting\t%d\t%s\t-\t-\n", pid, serverAddr)
		fmt.Fprintf(w, "completion\tunknown\t-\t%s\t-\t-\n", endpoint)
		return
	}

	fmt.Fprintf(w, "konverse\trunning\t%d\t%s\t%s\t%s\n",
		pid, serverAddr, formatUptime(status.UptimeSeconds), strconv.Itoa(status.ActiveSessions))

	health := "unreachable"
	if status.ProviderHealthy {
		health = "reachable"
	}
	fmt.Fprintf(w, "completion\t%s\t-\t%s\t-\t-\n", health, status.Endpoint)
}

func formatUptime(seconds int64) string {
	if seconds <= 0 {
		return "0s"
	}

	d := time.Duration(seconds) * time.Second
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	secs := int(d.Seconds()) % 60

	switch {
	case hours >= 24:
		return fmt.Sprintf("%dd%dh", hours/24, hours%24)
	case hours > 0:
		return fmt.Sprintf("%dh%dm", hours, minutes)
	case minutes > 0:
		return fmt.Sprintf("%dm%ds", minutes, secs)
	default:
		return fmt.Sprintf("%ds", secs)
	}
}
