// ABOUTME: fabricore-admin subcommands for agents, policy, audit, chat, approvals, and schedules
// ABOUTME: Each command maps to one or two gateway API calls and prints a table or JSON

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/coder/websocket"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/fabricore-gateway/internal/client"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- agents ---

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List known agents",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		agents, err := apiClient(cmd).Agents(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(agents)
		}
		if len(agents) == 0 {
			fmt.Println("No agents have connected yet.")
			return nil
		}
		w := newTable()
		header(w, "ID\tSTATUS\tHOSTNAME\tPLATFORM\tTOOLS\tLAST SEEN")
		for _, a := range agents {
			status := "offline"
			if a.Online {
				status = "online"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s/%s\t%s\t%s\n",
				a.ID, stateColor(status), a.Hostname, a.Platform, a.Arch,
				strings.Join(a.Capabilities, ","), client.Since(a.LastSeen))
		}
		return w.Flush()
	},
}

// --- policy ---

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Read or replace an agent's security policy",
}

var policyGetCmd = &cobra.Command{
	Use:   "get <agent-id>",
	Short: "Print an agent's policy document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := apiClient(cmd).Policy(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(doc)
	},
}

var policySetCmd = &cobra.Command{
	Use:   "set <agent-id> <file.jsonc>",
	Short: "Replace an agent's policy from a JSON or JSONC file (- reads stdin)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var data []byte
		var err error
		if args[1] == "-" {
			data, err = readAll(cmd.InOrStdin())
		} else {
			data, err = os.ReadFile(args[1])
		}
		if err != nil {
			return fmt.Errorf("reading policy: %w", err)
		}
		doc, err := apiClient(cmd).SetPolicy(cmd.Context(), args[0], data)
		if err != nil {
			return err
		}
		color.Green("Policy for %s updated", args[0])
		return printJSON(doc)
	},
}

// --- audit ---

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "List dispatched commands, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		agentID, _ := cmd.Flags().GetString("agent")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		records, err := apiClient(cmd).Audit(cmd.Context(), client.AuditQuery{AgentID: agentID, Status: status, Limit: limit})
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(records)
		}
		w := newTable()
		header(w, "WHEN\tAGENT\tTOOL\tSTATUS\tARGUMENTS")
		for _, r := range records {
			args, _ := json.Marshal(r.Arguments)
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				client.Since(r.CreatedAt), r.AgentID, r.ToolName, stateColor(r.Status), truncate(string(args), 60))
		}
		return w.Flush()
	},
}

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat <message>",
	Short: "Run one agent loop episode and print the outcome",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, _ := cmd.Flags().GetString("session")
		agentID, _ := cmd.Flags().GetString("agent")

		out, err := apiClient(cmd).Chat(cmd.Context(), client.ChatRequest{
			Message:   strings.Join(args, " "),
			SessionID: sessionID,
			AgentID:   agentID,
		})
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(out)
		}
		printOutcome(out)
		return nil
	},
}

// --- sessions ---

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List chat sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sessions, err := apiClient(cmd).Sessions(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(sessions)
		}
		w := newTable()
		header(w, "ID\tTITLE\tUPDATED\tUNREAD")
		for _, s := range sessions {
			unread := ""
			if s.Unread {
				unread = color.YellowString("●")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.ID, s.Title, client.Since(s.UpdatedAt), unread)
		}
		return w.Flush()
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Print a session's turns and mark it read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		msgs, err := apiClient(cmd).Messages(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(msgs)
		}
		for _, m := range msgs {
			printMessage(m)
		}
		return nil
	},
}

var sessionsWatchCmd = &cobra.Command{
	Use:   "watch <session-id>",
	Short: "Stream new turns of a session until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		conn, _, err := websocket.Dial(ctx, apiClient(cmd).WatchURL(args[0]), nil)
		if err != nil {
			return fmt.Errorf("connecting to watch stream: %w", err)
		}
		defer conn.CloseNow()

		color.HiBlack("watching %s (ctrl-c to stop)", args[0])
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusGoingAway {
					return nil
				}
				return fmt.Errorf("reading watch stream: %w", err)
			}
			var m client.Message
			if err := json.Unmarshal(data, &m); err != nil {
				continue
			}
			printMessage(m)
		}
	},
}

func printMessage(m client.Message) {
	role := m.Role
	switch m.Role {
	case "user":
		role = color.CyanString(m.Role)
	case "assistant":
		role = color.GreenString(m.Role)
	case "system":
		role = color.HiBlackString(m.Role)
	}
	kind, _ := m.Metadata["type"].(string)
	if kind != "" {
		role += color.HiBlackString(" [" + kind + "]")
	}
	fmt.Printf("%s %s\n%s\n\n", color.HiBlackString(m.CreatedAt.Local().Format("15:04:05")), role, m.Content)
}

// --- approvals ---

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "List and decide paused tool invocations",
}

var approvalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List approvals (pending by default)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		approvals, err := apiClient(cmd).Approvals(cmd.Context(), status)
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(approvals)
		}
		if len(approvals) == 0 {
			fmt.Println("Nothing waiting for approval.")
			return nil
		}
		w := newTable()
		header(w, "ID\tAGENT\tTOOL\tARGUMENTS\tSTATUS\tCREATED")
		for _, a := range approvals {
			argData, _ := json.Marshal(a.Arguments)
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				a.ID, a.AgentID, a.ToolName, truncate(string(argData), 50), stateColor(a.Status), client.Since(a.CreatedAt))
		}
		return w.Flush()
	},
}

func decisionCmd(use, short string, approve bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <approval-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			by, _ := cmd.Flags().GetString("by")
			c := apiClient(cmd)
			var out *client.Outcome
			var err error
			if approve {
				out, err = c.Approve(cmd.Context(), args[0], by)
			} else {
				out, err = c.Deny(cmd.Context(), args[0], by)
			}
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(out)
			}
			printOutcome(out)
			return nil
		},
	}
	cmd.Flags().String("by", os.Getenv("USER"), "name recorded as the decider")
	return cmd
}

// --- schedules ---

var schedulesCmd = &cobra.Command{
	Use:     "schedules",
	Aliases: []string{"schedule"},
	Short:   "Manage cron-triggered tasks",
}

var schedulesListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List schedules",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		schedules, err := apiClient(cmd).Schedules(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(schedules)
		}
		w := newTable()
		header(w, "ID\tCRON\tTASK\tAGENT\tACTIVE\tNEXT RUN")
		for _, s := range schedules {
			next := "-"
			if s.NextRunAt != nil {
				next = s.NextRunAt.Local().Format("2006-01-02 15:04")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n",
				s.ID, s.CronExpression, truncate(s.TaskInstruction, 40), s.AgentID, s.Active, next)
		}
		return w.Flush()
	},
}

var schedulesAddCmd = &cobra.Command{
	Use:   "add <cron> <task...>",
	Short: "Add a schedule, e.g. add \"0 * * * *\" check disk usage",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		agentID, _ := cmd.Flags().GetString("agent")
		persistent, _ := cmd.Flags().GetBool("persistent")
		paused, _ := cmd.Flags().GetBool("paused")
		active := !paused

		s, err := apiClient(cmd).CreateSchedule(cmd.Context(), client.CreateScheduleRequest{
			CronExpression:    args[0],
			TaskInstruction:   strings.Join(args[1:], " "),
			AgentID:           agentID,
			UsePersistentChat: persistent,
			Active:            &active,
		})
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(s)
		}
		color.Green("Schedule %s created", s.ID)
		if s.NextRunAt != nil {
			fmt.Printf("Next run: %s\n", s.NextRunAt.Local().Format("2006-01-02 15:04"))
		}
		return nil
	},
}

var schedulesRmCmd = &cobra.Command{
	Use:     "rm <schedule-id>",
	Aliases: []string{"delete"},
	Short:   "Delete a schedule",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		err := apiClient(cmd).DeleteSchedule(cmd.Context(), args[0])
		if client.IsNotFound(err) {
			return errors.New("no such schedule: " + args[0])
		}
		if err != nil {
			return err
		}
		color.Green("Schedule %s deleted", args[0])
		return nil
	},
}

var schedulesRunCmd = &cobra.Command{
	Use:   "run <schedule-id>",
	Short: "Run a schedule now and wait for the episode",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := apiClient(cmd).RunSchedule(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(out)
		}
		printOutcome(out)
		return nil
	},
}

func init() {
	auditCmd.Flags().String("agent", "", "only this agent")
	auditCmd.Flags().String("status", "", "pending, success, or error")
	auditCmd.Flags().Int("limit", 50, "maximum records")

	chatCmd.Flags().String("session", "", "continue an existing session")
	chatCmd.Flags().String("agent", "", "default agent for tool calls")

	approvalsListCmd.Flags().String("status", "", "pending (default), approved, rejected, or all")

	schedulesAddCmd.Flags().String("agent", "", "default agent for tool calls")
	schedulesAddCmd.Flags().Bool("persistent", false, "reuse one chat session across runs")
	schedulesAddCmd.Flags().Bool("paused", false, "create the schedule inactive")

	policyCmd.AddCommand(policyGetCmd, policySetCmd)
	sessionsCmd.AddCommand(sessionsShowCmd, sessionsWatchCmd)
	approvalsCmd.AddCommand(approvalsListCmd,
		decisionCmd("approve", "Approve a paused invocation and resume its episode", true),
		decisionCmd("deny", "Reject a paused invocation", false),
	)
	schedulesCmd.AddCommand(schedulesListCmd, schedulesAddCmd, schedulesRmCmd, schedulesRunCmd)

	rootCmd.AddCommand(agentsCmd, policyCmd, auditCmd, chatCmd, sessionsCmd, approvalsCmd, schedulesCmd)
}
