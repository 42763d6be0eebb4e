// ABOUTME: Structured tool results returned to the reasoning loop
// ABOUTME: Every failure is a value with an ErrorKind, never a Go error

package tools

// ErrorKind classifies a failed or suspended tool invocation.
type ErrorKind string

const (
	KindUnknownTool            ErrorKind = "unknown_tool"
	KindMissingArgument        ErrorKind = "missing_argument"
	KindPolicyBlocked          ErrorKind = "policy_blocked"
	KindPolicyPauseRequired    ErrorKind = "policy_pause_required"
	KindRemoteApprovalRequired ErrorKind = "remote_approval_required"
	KindAgentNotConnected      ErrorKind = "agent_not_connected"
	KindAgentNotFound          ErrorKind = "agent_not_found"
	KindCommandTimedOut        ErrorKind = "command_timed_out"
	KindAgentDisconnected      ErrorKind = "agent_disconnected"
	KindRemoteError            ErrorKind = "remote_error"
	KindInternal               ErrorKind = "internal_error"
)

// StatusPaused marks a result that needs a human decision before it can run.
const StatusPaused = "paused"

// PauseInfo carries what the loop needs to persist a pending approval.
type PauseInfo struct {
	AgentID     string
	Tool        string
	Arguments   map[string]any
	ExecutionID string
	Reason      string
	Remote      bool // the agent itself asked for approval
}

// Result is the outcome of one tool invocation.
type Result struct {
	Success    bool      `json:"success"`
	Output     any       `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
	ErrorKind  ErrorKind `json:"error_kind,omitempty"`
	Status     string    `json:"status,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	ValidTools []string  `json:"valid_tools,omitempty"`

	Pause *PauseInfo `json:"-"`
}

// Paused reports whether the invocation is waiting on approval.
func (r Result) Paused() bool {
	return r.Status == StatusPaused
}

func success(output any) Result {
	return Result{Success: true, Output: output}
}

func failure(kind ErrorKind, msg string) Result {
	return Result{Error: msg, ErrorKind: kind}
}
