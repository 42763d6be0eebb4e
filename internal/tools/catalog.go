// ABOUTME: Fixed tool catalog exposed to the reasoning loop
// ABOUTME: Describes each tool's parameters and renders JSON schemas for the generator

package tools

import "sort"

// Tool names.
const (
	ListAgents      = "list_agents"
	RunCommand      = "run_command"
	GetSystemInfo   = "get_system_info"
	ListFiles       = "list_files"
	ReadFile        = "read_file"
	GetAgentDetails = "get_agent_details"
)

// Parameter describes one tool argument.
type Parameter struct {
	Name        string
	Type        string
	Description string
	Required    bool
}

// Definition describes one catalog tool.
type Definition struct {
	Name        string
	Description string
	Parameters  []Parameter
	// Local tools are answered by the gateway without contacting an agent.
	Local bool
}

// Schema renders the parameters as a JSON schema object.
func (d Definition) Schema() map[string]any {
	props := make(map[string]any, len(d.Parameters))
	required := []string{}
	for _, p := range d.Parameters {
		props[p.Name] = map[string]any{"type": p.Type, "description": p.Description}
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func agentIDParam(desc string) Parameter {
	return Parameter{Name: "agent_id", Type: "string", Description: desc, Required: true}
}

var catalog = []Definition{
	{
		Name:        ListAgents,
		Description: "List all known agents and whether they are connected.",
		Local:       true,
	},
	{
		Name:        RunCommand,
		Description: "Execute a shell command on a specific agent. Use with caution.",
		Parameters: []Parameter{
			agentIDParam("The ID of the agent to run the command on"),
			{Name: "command", Type: "string", Description: "The shell command to execute", Required: true},
		},
	},
	{
		Name:        GetSystemInfo,
		Description: "Get system information (CPU, memory, disk) from an agent.",
		Parameters:  []Parameter{agentIDParam("The ID of the agent")},
	},
	{
		Name:        ListFiles,
		Description: "List files in a directory on an agent.",
		Parameters: []Parameter{
			agentIDParam("The ID of the agent"),
			{Name: "path", Type: "string", Description: "The directory path to list", Required: true},
		},
	},
	{
		Name:        ReadFile,
		Description: "Read the contents of a file on an agent.",
		Parameters: []Parameter{
			agentIDParam("The ID of the agent"),
			{Name: "path", Type: "string", Description: "The file path to read", Required: true},
		},
	},
	{
		Name:        GetAgentDetails,
		Description: "Get detailed information about a specific agent.",
		Parameters:  []Parameter{agentIDParam("The ID of the agent")},
		Local:       true,
	},
}

// Catalog returns the fixed tool catalog.
func Catalog() []Definition {
	out := make([]Definition, len(catalog))
	copy(out, catalog)
	return out
}

// Lookup returns the definition of a catalog tool.
func Lookup(name string) (Definition, bool) {
	for _, d := range catalog {
		if d.Name == name {
			return d, true
		}
	}
	return Definition{}, false
}

// Names returns the valid tool names, sorted.
func Names() []string {
	names := make([]string, len(catalog))
	for i, d := range catalog {
		names[i] = d.Name
	}
	sort.Strings(names)
	return names
}
