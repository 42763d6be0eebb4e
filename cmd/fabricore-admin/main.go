// ABOUTME: Operator CLI for fabricore-gateway built on cobra
// ABOUTME: Talks to the gateway HTTP API through internal/client

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/fabricore-gateway/internal/client"
)

const defaultGatewayURL = "http://127.0.0.1:8080"

var rootCmd = &cobra.Command{
	Use:           "fabricore-admin",
	Short:         "Manage agents, policies, approvals, and schedules on a fabricore gateway",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	url := os.Getenv("FABRICORE_URL")
	if url == "" {
		url = defaultGatewayURL
	}
	rootCmd.PersistentFlags().String("url", url, "gateway base URL (env FABRICORE_URL)")
	rootCmd.PersistentFlags().Bool("json", false, "print raw JSON instead of tables")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func apiClient(cmd *cobra.Command) *client.Client {
	url, _ := cmd.Flags().GetString("url")
	return client.New(url, nil)
}

func jsonOutput(cmd *cobra.Command) bool {
	asJSON, _ := cmd.Flags().GetBool("json")
	return asJSON
}

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
}

func header(w *tabwriter.Writer, cols string) {
	fmt.Fprintln(w, color.New(color.Bold).Sprint(cols))
}

func stateColor(state string) string {
	switch state {
	case "done", "online", "approved", "success":
		return color.GreenString(state)
	case "paused", "pending":
		return color.YellowString(state)
	case "aborted", "offline", "rejected", "error":
		return color.RedString(state)
	}
	return state
}

func printOutcome(out *client.Outcome) {
	fmt.Printf("session %s: %s", out.SessionID, stateColor(out.State))
	if out.Reason != "" {
		fmt.Printf(" (%s)", out.Reason)
	}
	fmt.Printf(" after %d turn(s)\n", out.Turns)
	if out.Content != "" {
		fmt.Println()
		fmt.Println(out.Content)
	}
	if out.State == "paused" {
		fmt.Println()
		color.Yellow("Approval required: %s", out.ApprovalID)
		fmt.Printf("  fabricore-admin approvals approve %s\n", out.ApprovalID)
		fmt.Printf("  fabricore-admin approvals deny %s\n", out.ApprovalID)
	}
}

func readAll(r io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, 1<<20))
}

// truncate shortens s to at most n runes, marking the cut with "...".
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
