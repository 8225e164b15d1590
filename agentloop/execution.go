package agentloop

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"
)

// ApprovalPolicy decides when the host is asked before a command runs.
type ApprovalPolicy string

const (
	// ApprovalNever runs every command that passes the deny list.
	ApprovalNever ApprovalPolicy = "never"
	// ApprovalUnlessSafe asks unless the command is a known read-only one.
	ApprovalUnlessSafe ApprovalPolicy = "unless-safe"
	// ApprovalAlways asks before every command.
	ApprovalAlways ApprovalPolicy = "always"
)

// ApprovalDecision is the host's answer to an approval request.
type ApprovalDecision string

const (
	ApprovalApproved ApprovalDecision = "approved"
	ApprovalDenied   ApprovalDecision = "denied"
	// ApprovalAbort denies the command and marks the call aborted.
	ApprovalAbort ApprovalDecision = "abort"
)

// ApprovalRequest describes a command awaiting host approval.
type ApprovalRequest struct {
	CallID  string
	Command []string
	Workdir string
	Reason  string
}

// ApproveFunc is called synchronously by a gateway. It should return
// promptly once ctx is done.
type ApproveFunc func(ctx context.Context, req ApprovalRequest) ApprovalDecision

// ExecRequest is one command handed to an ExecutionGateway.
type ExecRequest struct {
	CallID        string
	ToolName      string
	Command       []string
	Workdir       string
	Timeout       time.Duration
	Policy        ApprovalPolicy
	WritableRoots []string
	Approve       ApproveFunc
}

// ExecMetadata is reported alongside command output. ExitCode is always
// present on the wire.
type ExecMetadata struct {
	ExitCode        int     `json:"exit_code"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	Truncated       bool    `json:"truncated,omitempty"`
	TimedOut        bool    `json:"timed_out,omitempty"`
}

// ExecutionResult is the outcome of a command that ran. A non-zero exit code
// is still a result, not an error.
type ExecutionResult struct {
	OutputText      string
	Metadata        ExecMetadata
	AdditionalItems []TurnItem
}

// ExecutionGateway runs commands on behalf of the dispatcher. Execute must
// return promptly after ctx is cancelled. Returning an error wrapping
// ErrCallAborted marks the call aborted; any other error is an execution
// failure.
type ExecutionGateway interface {
	Execute(ctx context.Context, req ExecRequest) (*ExecutionResult, error)
}

// ExecutionGatewayFunc adapts a function to ExecutionGateway.
type ExecutionGatewayFunc func(ctx context.Context, req ExecRequest) (*ExecutionResult, error)

// Execute calls f.
func (f ExecutionGatewayFunc) Execute(ctx context.Context, req ExecRequest) (*ExecutionResult, error) {
	return f(ctx, req)
}

// sensitiveEnvPatterns are case-insensitive suffixes for environment variables
// that should be excluded by default.
var sensitiveEnvPatterns = []string{
	"_API_KEY",
	"_SECRET",
	"_TOKEN",
	"_PASSWORD",
	"_CREDENTIAL",
}

// safeEnvVars are always included regardless of filtering.
var safeEnvVars = map[string]bool{
	"PATH": true, "HOME": true, "USER": true, "SHELL": true,
	"LANG": true, "TERM": true, "TMPDIR": true,
	"GOPATH": true, "GOROOT": true, "CARGO_HOME": true,
	"XDG_CONFIG_HOME": true, "XDG_DATA_HOME": true, "XDG_CACHE_HOME": true,
}

func isSensitiveEnvVar(name string) bool {
	upper := strings.ToUpper(name)
	for _, pattern := range sensitiveEnvPatterns {
		if strings.HasSuffix(upper, pattern) {
			return true
		}
	}
	return false
}

// filterEnvironment drops variables that look like credentials.
func filterEnvironment(environ []string) []string {
	var filtered []string
	for _, env := range environ {
		name, _, ok := strings.Cut(env, "=")
		if !ok {
			continue
		}
		if safeEnvVars[name] || !isSensitiveEnvVar(name) {
			filtered = append(filtered, env)
		}
	}
	return filtered
}

// defaultDenyPatterns block destructive commands before approval is asked.
var defaultDenyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\brm\s+-[rf]{1,2}\b`),
	regexp.MustCompile(`(?i)\b(mkfs|diskpart)\b`),
	regexp.MustCompile(`(?i)\bdd\s+if=`),
	regexp.MustCompile(`(?i)>\s*/dev/sd`),
	regexp.MustCompile(`(?i)\b(shutdown|reboot|poweroff)\b`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`),
}

// safeCommands never need approval under ApprovalUnlessSafe.
var safeCommands = map[string]bool{
	"ls": true, "cat": true, "pwd": true, "echo": true, "head": true,
	"tail": true, "wc": true, "grep": true, "rg": true, "which": true,
	"true": true, "false": true, "nl": true, "stat": true, "file": true,
}

// IsKnownSafeCommand reports whether argv is a read-only command that can run
// without approval.
func IsKnownSafeCommand(argv []string) bool {
	if len(argv) == 0 {
		return false
	}
	prog := filepath.Base(argv[0])
	if safeCommands[prog] {
		return true
	}
	switch prog {
	case "git":
		if len(argv) > 1 {
			switch argv[1] {
			case "status", "log", "diff", "show", "branch":
				return true
			}
		}
	case "find":
		for _, a := range argv[1:] {
			switch a {
			case "-exec", "-execdir", "-ok", "-okdir", "-delete", "-fprint", "-fprintf":
				return false
			}
		}
		return true
	}
	return false
}

// LocalGateway runs commands on this machine as direct argv invocations.
type LocalGateway struct {
	workingDir     string
	denyPatterns   []*regexp.Regexp
	limits         OutputLimits
	defaultTimeout time.Duration
	maxTimeout     time.Duration
	extraEnv       map[string]string
	logger         *slog.Logger
}

// LocalGatewayOption configures a LocalGateway.
type LocalGatewayOption func(*LocalGateway)

// WithDenyPatterns adds patterns to the built-in deny list.
func WithDenyPatterns(patterns ...*regexp.Regexp) LocalGatewayOption {
	return func(g *LocalGateway) { g.denyPatterns = append(g.denyPatterns, patterns...) }
}

// WithOutputLimits sets output truncation limits.
func WithOutputLimits(limits OutputLimits) LocalGatewayOption {
	return func(g *LocalGateway) { g.limits = limits }
}

// WithTimeouts sets the default and maximum command timeouts.
func WithTimeouts(defaultTimeout, maxTimeout time.Duration) LocalGatewayOption {
	return func(g *LocalGateway) {
		if defaultTimeout > 0 {
			g.defaultTimeout = defaultTimeout
		}
		if maxTimeout > 0 {
			g.maxTimeout = maxTimeout
		}
	}
}

// WithEnv adds variables to every command's environment.
func WithEnv(env map[string]string) LocalGatewayOption {
	return func(g *LocalGateway) { g.extraEnv = env }
}

// WithGatewayLogger sets the gateway logger.
func WithGatewayLogger(logger *slog.Logger) LocalGatewayOption {
	return func(g *LocalGateway) { g.logger = logger }
}

// NewLocalGateway creates a gateway rooted at workingDir, or the process
// working directory when empty.
func NewLocalGateway(workingDir string, opts ...LocalGatewayOption) *LocalGateway {
	if workingDir == "" {
		workingDir, _ = os.Getwd()
	}
	g := &LocalGateway{
		workingDir:     workingDir,
		denyPatterns:   append([]*regexp.Regexp(nil), defaultDenyPatterns...),
		limits:         DefaultOutputLimits(),
		defaultTimeout: 10 * time.Second,
		maxTimeout:     10 * time.Minute,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// WorkingDirectory returns the gateway's default working directory.
func (g *LocalGateway) WorkingDirectory() string {
	return g.workingDir
}

func (g *LocalGateway) resolvePath(path string) string {
	if path == "" {
		return g.workingDir
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(g.workingDir, path)
}

// Execute checks the command against the deny list, writable roots and
// approval policy, then runs it.
func (g *LocalGateway) Execute(ctx context.Context, req ExecRequest) (*ExecutionResult, error) {
	if len(req.Command) == 0 || req.Command[0] == "" {
		return nil, &ExecutionFailure{Reason: "spawn", Cause: errors.New("empty command")}
	}
	workdir := g.resolvePath(req.Workdir)

	joined := strings.Join(req.Command, " ")
	for _, p := range g.denyPatterns {
		if p.MatchString(joined) {
			g.logger.Warn("command blocked by deny list", "call_id", req.CallID, "pattern", p.String())
			return nil, &ExecutionFailure{Reason: "denied", Cause: fmt.Errorf("command matches deny pattern %q", p.String())}
		}
	}

	if !withinRoots(workdir, req.WritableRoots) {
		return nil, &ExecutionFailure{Reason: "sandbox", Cause: fmt.Errorf("working directory %s is outside the writable roots", workdir)}
	}

	if needsApproval(req.Policy, req.Command) {
		decision := ApprovalDenied
		if req.Approve != nil {
			decision = req.Approve(ctx, ApprovalRequest{
				CallID:  req.CallID,
				Command: req.Command,
				Workdir: workdir,
				Reason:  "approval policy " + string(req.Policy),
			})
		}
		switch decision {
		case ApprovalApproved:
		case ApprovalAbort:
			return nil, fmt.Errorf("%w: approval aborted", ErrCallAborted)
		default:
			return nil, &ExecutionFailure{Reason: "denied", Cause: errors.New("command was not approved")}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCallAborted, err)
	}

	return g.run(ctx, req, workdir)
}

func (g *LocalGateway) run(ctx context.Context, req ExecRequest, workdir string) (*ExecutionResult, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = g.defaultTimeout
	}
	if timeout > g.maxTimeout {
		timeout = g.maxTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, req.Command[0], req.Command[1:]...)
	cmd.Dir = workdir
	// Own process group so the whole tree dies on timeout or abort.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 2 * time.Second

	env := filterEnvironment(os.Environ())
	for k, v := range g.extraEnv {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	meta := ExecMetadata{DurationSeconds: duration.Seconds()}
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case ctx.Err() != nil:
			return nil, fmt.Errorf("%w: %v", ErrCallAborted, ctx.Err())
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			meta.TimedOut = true
			meta.ExitCode = -1
		case errors.As(err, &exitErr):
			meta.ExitCode = exitErr.ExitCode()
		default:
			return nil, &ExecutionFailure{Reason: "spawn", Cause: err}
		}
	}

	output := combineOutput(stdout.String(), stderr.String())
	if meta.TimedOut {
		output += fmt.Sprintf("\n[command timed out after %s]", timeout)
	}
	output, meta.Truncated = g.limits.Apply(output)

	g.logger.Debug("command finished",
		"call_id", req.CallID,
		"program", req.Command[0],
		"exit_code", meta.ExitCode,
		"duration", duration,
		"timed_out", meta.TimedOut,
	)
	return &ExecutionResult{OutputText: output, Metadata: meta}, nil
}

func combineOutput(stdout, stderr string) string {
	stdout = strings.TrimRight(stdout, "\n")
	stderr = strings.TrimRight(stderr, "\n")
	if stderr == "" {
		return stdout
	}
	if stdout == "" {
		return stderr
	}
	return stdout + "\n" + stderr
}

func needsApproval(policy ApprovalPolicy, argv []string) bool {
	switch policy {
	case ApprovalAlways:
		return true
	case ApprovalUnlessSafe:
		return !IsKnownSafeCommand(argv)
	default:
		return false
	}
}

// withinRoots reports whether dir is inside one of roots. An empty root list
// allows everything.
func withinRoots(dir string, roots []string) bool {
	if len(roots) == 0 {
		return true
	}
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		resolved = filepath.Clean(dir)
	}
	for _, root := range roots {
		r, err := filepath.EvalSymlinks(root)
		if err != nil {
			r = filepath.Clean(root)
		}
		rel, err := filepath.Rel(r, resolved)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
