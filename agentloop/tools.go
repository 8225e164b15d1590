package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/martinemde/turnloop/unifiedllm"
)

const (
	// ShellToolName is the local command tool.
	ShellToolName = "shell"
	// ContainerExecToolName is the name some models use for the shell tool.
	// It is accepted on dispatch but never advertised: the dot is not a
	// legal function name on the wire.
	ContainerExecToolName = "container.exec"
	// ShellSchemaName is the parser schema shared by both command tools.
	ShellSchemaName = "shell_args"
)

// ShellArgs are the arguments of the shell and container.exec tools.
type ShellArgs struct {
	Command   []string `json:"command" jsonschema:"minItems=1,description=Program followed by its arguments. Not run through a shell."`
	Workdir   string   `json:"workdir,omitempty" jsonschema:"description=Working directory for the command."`
	TimeoutMs int      `json:"timeout_ms,omitempty" jsonschema:"minimum=0,description=Timeout in milliseconds."`
}

var shellParameters = sync.OnceValue(func() map[string]any {
	r := &jsonschema.Reflector{
		AllowAdditionalProperties: true,
		DoNotReference:            true,
		ExpandedStruct:            true,
		Anonymous:                 true,
	}
	schema := r.Reflect(&ShellArgs{})
	doc, err := json.Marshal(schema)
	if err != nil {
		panic("reflect shell schema: " + err.Error())
	}
	var params map[string]any
	if err := json.Unmarshal(doc, &params); err != nil {
		panic("decode shell schema: " + err.Error())
	}
	delete(params, "$schema")
	return params
})

// ShellParameters returns the JSON schema for ShellArgs. Callers get a fresh
// copy.
func ShellParameters() map[string]any {
	return cloneSchema(shellParameters())
}

func cloneSchema(in map[string]any) map[string]any {
	doc, _ := json.Marshal(in)
	var out map[string]any
	_ = json.Unmarshal(doc, &out)
	return out
}

// ToolHandler runs one call whose arguments already passed validation.
type ToolHandler func(ctx context.Context, call FunctionCall, args ParsedArgs, dc DispatchContext) (*ExecutionResult, error)

// RegisteredTool pairs a tool's wire definition with its handler. NewArgs,
// when set, returns a pointer the validated arguments are decoded into
// before the handler runs.
type RegisteredTool struct {
	Definition unifiedllm.ToolDefinition
	SchemaName string
	NewArgs    func() any
	Handler    ToolHandler
}

// toolNamePattern is the function name rule shared by the Responses API and
// the chat providers behind gollm.
var toolNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// ToolRegistry is the closed set of tools a session exposes. It is filled at
// construction and only read afterwards. Aliases resolve to a registered
// tool on dispatch and are not advertised.
type ToolRegistry struct {
	tools   map[string]*RegisteredTool
	aliases map[string]string
	mu      sync.RWMutex
}

// NewToolRegistry creates an empty ToolRegistry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools:   make(map[string]*RegisteredTool),
		aliases: make(map[string]string),
	}
}

// DefaultToolRegistry returns a registry advertising shell, with
// container.exec accepted as an alias.
func DefaultToolRegistry() *ToolRegistry {
	r := NewToolRegistry()
	err := r.Register(RegisteredTool{
		Definition: unifiedllm.FunctionTool(ShellToolName,
			"Runs a command and returns its output. The first element of command is the program; no shell expansion is applied.",
			ShellParameters()),
		SchemaName: ShellSchemaName,
		NewArgs:    func() any { return &ShellArgs{} },
		Handler:    shellHandler,
	})
	if err == nil {
		err = r.RegisterAlias(ContainerExecToolName, ShellToolName)
	}
	if err != nil {
		panic("default tool registry: " + err.Error())
	}
	return r
}

// Register adds or replaces a tool in the registry. The name must be a legal
// wire function name.
func (r *ToolRegistry) Register(tool RegisteredTool) error {
	name := tool.Definition.Name
	if !toolNamePattern.MatchString(name) {
		return fmt.Errorf("tool name %q must match %s", name, toolNamePattern)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.aliases, name)
	r.tools[name] = &tool
	return nil
}

// RegisterAlias makes alias dispatch to the registered tool target.
func (r *ToolRegistry) RegisterAlias(alias, target string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[target]; !ok {
		return fmt.Errorf("alias %q: %w: %s", alias, ErrUnknownTool, target)
	}
	if _, ok := r.tools[alias]; ok {
		return fmt.Errorf("alias %q shadows a registered tool", alias)
	}
	r.aliases[alias] = target
	return nil
}

// Lookup resolves name, following aliases. Names outside the registry wrap
// ErrUnknownTool.
func (r *ToolRegistry) Lookup(name string) (*RegisteredTool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if tool, ok := r.tools[name]; ok {
		return tool, nil
	}
	if target, ok := r.aliases[name]; ok {
		if tool, ok := r.tools[target]; ok {
			return tool, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
}

// Get returns a registered tool by name or alias, or nil if not found.
func (r *ToolRegistry) Get(name string) *RegisteredTool {
	tool, _ := r.Lookup(name)
	return tool
}

// Definitions returns the advertised tool definitions sorted by name.
func (r *ToolRegistry) Definitions() []unifiedllm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]unifiedllm.ToolDefinition, 0, len(r.tools))
	for _, tool := range r.tools {
		defs = append(defs, tool.Definition)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Names returns the sorted names of all advertised tools.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of advertised tools.
func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// RegisterSchemas compiles every tool's parameters into p under the tool's
// schema name.
func (r *ToolRegistry) RegisterSchemas(p *Parser) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, tool := range r.tools {
		if tool.SchemaName == "" || p.Has(tool.SchemaName) {
			continue
		}
		if err := p.RegisterTyped(tool.SchemaName, tool.Definition.Parameters, tool.NewArgs); err != nil {
			return err
		}
	}
	return nil
}

func shellHandler(ctx context.Context, call FunctionCall, args ParsedArgs, dc DispatchContext) (*ExecutionResult, error) {
	shell, err := args.Shell()
	if err != nil {
		return nil, &MalformedArgumentsError{Schema: ShellSchemaName, Reason: err.Error(), Cause: err}
	}
	req := ExecRequest{
		CallID:        call.CallID,
		ToolName:      call.Name,
		Command:       shell.Command,
		Workdir:       shell.Workdir,
		Policy:        dc.Policy,
		WritableRoots: dc.WritableRoots,
		Approve:       dc.Approve,
	}
	if shell.TimeoutMs > 0 {
		req.Timeout = time.Duration(shell.TimeoutMs) * time.Millisecond
	}
	return dc.Gateway.Execute(ctx, req)
}
