// ABOUTME: Fake agent for end-to-end testing: identifies over WebSocket and answers tool.execute
// ABOUTME: Usage: fake-agent [-url ws://127.0.0.1:8080/ws] [-id web-01] [-token T] [-approve-required "rm*"]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"runtime"
	"strings"

	"github.com/coder/websocket"

	"github.com/2389/fabricore-gateway/internal/protocol"
)

type agentOptions struct {
	url             string
	id              string
	token           string
	hostname        string
	approveRequired string // glob matched against run_command commands
}

func main() {
	var opts agentOptions
	host, _ := os.Hostname()
	flag.StringVar(&opts.url, "url", "ws://127.0.0.1:8080/ws", "gateway agent endpoint")
	flag.StringVar(&opts.id, "id", "e2e-fake-agent", "agent id")
	flag.StringVar(&opts.token, "token", os.Getenv("FABRICORE_AGENT_TOKEN"), "signed agent token")
	flag.StringVar(&opts.hostname, "hostname", host, "hostname reported in agent.identify")
	flag.StringVar(&opts.approveRequired, "approve-required", "", "commands matching this glob are answered with -32001 unless approved")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil)).With("agent_id", opts.id)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, opts, logger); err != nil {
		logger.Error("fake agent stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts agentOptions, logger *slog.Logger) error {
	conn, _, err := websocket.Dial(ctx, opts.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.CloseNow()

	identify, err := protocol.NewRequest("identify-1", protocol.MethodIdentify, protocol.IdentifyParams{
		AgentID: opts.id,
		Token:   opts.token,
		OSInfo: protocol.OSInfo{
			Platform: runtime.GOOS,
			Hostname: opts.hostname,
			Arch:     runtime.GOARCH,
		},
		Capabilities: protocol.Capabilities{NativeTools: []string{"run_command", "get_system_info", "list_files", "read_file"}},
	})
	if err != nil {
		return err
	}
	if err := writeJSON(ctx, conn, identify); err != nil {
		return fmt.Errorf("failed to identify: %w", err)
	}

	_, frame, err := conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("failed to receive registration: %w", err)
	}
	ack, err := protocol.ParseResponse(frame)
	if err != nil {
		return err
	}
	if ack.Error != nil {
		return fmt.Errorf("registration refused: %w", ack.Error)
	}
	logger.Info("registered", "url", opts.url)

	for {
		_, frame, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "interrupted")
				return nil
			}
			if status := websocket.CloseStatus(err); status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				logger.Info("gateway closed the connection", "status", status)
				return nil
			}
			return fmt.Errorf("read error: %w", err)
		}

		req, err := protocol.ParseRequest(frame)
		if err != nil {
			logger.Warn("ignoring frame", "error", err)
			continue
		}
		resp := handle(req, opts, logger)
		if err := writeJSON(ctx, conn, resp); err != nil {
			return fmt.Errorf("write error: %w", err)
		}
	}
}

func handle(req *protocol.Request, opts agentOptions, logger *slog.Logger) *protocol.Response {
	switch req.Method {
	case protocol.MethodUpdatePolicy:
		var p protocol.UpdatePolicyParams
		_ = json.Unmarshal(req.Params, &p)
		logger.Info("policy updated", "policy", string(p.Policy))
		return result(req.ID, map[string]string{"status": "updated"})

	case protocol.MethodToolExecute:
		var p protocol.ToolExecuteParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return protocol.NewError(req.ID, protocol.CodeInvalidParams, err.Error())
		}
		logger.Info("tool.execute", "tool_name", p.ToolName, "execution_id", p.ExecutionID, "approved_by", p.ApprovedBy)
		return executeTool(req.ID, p, opts)

	default:
		return protocol.NewError(req.ID, protocol.CodeMethodNotFound, "method not found: "+req.Method)
	}
}

func executeTool(id json.RawMessage, p protocol.ToolExecuteParams, opts agentOptions) *protocol.Response {
	switch p.ToolName {
	case "run_command":
		command, _ := p.Arguments["command"].(string)
		if needsApproval(opts.approveRequired, command) && p.ApprovedBy == "" {
			return protocol.NewError(id, protocol.CodeApprovalRequired, "command requires approval on this agent: "+command)
		}
		return result(id, map[string]any{"output": "ran: " + command, "exit_code": 0})
	case "get_system_info":
		return result(id, map[string]any{"output": map[string]any{
			"hostname": opts.hostname,
			"platform": runtime.GOOS,
			"arch":     runtime.GOARCH,
			"cpus":     runtime.NumCPU(),
		}})
	case "list_files":
		dir, _ := p.Arguments["path"].(string)
		return result(id, map[string]any{"output": []string{path.Join(dir, "README.md"), path.Join(dir, "notes.txt")}})
	case "read_file":
		file, _ := p.Arguments["path"].(string)
		return result(id, map[string]any{"output": "contents of " + file})
	}
	return protocol.NewError(id, protocol.CodeMethodNotFound, "unsupported tool: "+p.ToolName)
}

// needsApproval matches the command's first word, then the whole command, against the glob.
func needsApproval(glob, command string) bool {
	if glob == "" {
		return false
	}
	fields := strings.Fields(command)
	if len(fields) > 0 {
		if ok, _ := path.Match(glob, fields[0]); ok {
			return true
		}
	}
	ok, _ := path.Match(glob, command)
	return ok
}

func result(id json.RawMessage, v any) *protocol.Response {
	resp, err := protocol.NewResult(id, v)
	if err != nil {
		return protocol.NewError(id, protocol.CodeInternalError, err.Error())
	}
	return resp
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
