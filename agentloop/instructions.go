package agentloop

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

const maxProjectDocBytes = 32 * 1024 // 32KB

// projectDocFiles are loaded from every directory between the git root and
// the working directory.
var projectDocFiles = []string{"AGENTS.md", ".codex/instructions.md"}

// BaseInstructions describe the loop's tools to the model.
const BaseInstructions = `You are a coding agent working in the user's environment.

Use the shell tool to inspect and change the workspace. Pass the program and
its arguments as a list in "command"; nothing is run through a shell, so pipes,
redirection and globbing are unavailable unless you invoke a shell explicitly.
Prefer read-only commands when exploring. Report what you did and what you
found when you are finished.`

// InstructionSources are the parts merged into a session's instructions.
type InstructionSources struct {
	Base       string
	WorkingDir string
	Model      string
	// User instructions are appended last.
	User string
	// SkipProjectDocs disables AGENTS.md discovery.
	SkipProjectDocs bool
}

// MergeInstructions builds the instruction text sent with every request of a
// session: base, environment context, project docs, then user instructions.
func MergeInstructions(src InstructionSources) string {
	base := src.Base
	if base == "" {
		base = BaseInstructions
	}
	parts := []string{base, BuildEnvironmentContext(src.WorkingDir, src.Model)}
	if !src.SkipProjectDocs {
		if docs := DiscoverProjectDocs(src.WorkingDir); docs != "" {
			parts = append(parts, docs)
		}
	}
	if src.User != "" {
		parts = append(parts, "# User Instructions\n\n"+src.User)
	}
	return strings.Join(parts, "\n\n")
}

// BuildEnvironmentContext generates the structured environment context block.
func BuildEnvironmentContext(workingDir, model string) string {
	isGitRepo := isGitRepository(workingDir)
	gitBranch := ""
	if isGitRepo {
		gitBranch = getGitBranch(workingDir)
	}

	var sb strings.Builder
	sb.WriteString("<environment>\n")
	fmt.Fprintf(&sb, "Working directory: %s\n", workingDir)
	fmt.Fprintf(&sb, "Is git repository: %v\n", isGitRepo)
	if gitBranch != "" {
		fmt.Fprintf(&sb, "Git branch: %s\n", gitBranch)
	}
	fmt.Fprintf(&sb, "Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(&sb, "Today's date: %s\n", time.Now().Format("2006-01-02"))
	if model != "" {
		fmt.Fprintf(&sb, "Model: %s\n", model)
	}
	sb.WriteString("</environment>")
	return sb.String()
}

// DiscoverProjectDocs loads project instruction files from the git root (or
// the working directory) down to the working directory, capped at 32KB.
func DiscoverProjectDocs(workingDir string) string {
	root := gitRoot(workingDir)
	if root == "" {
		root = workingDir
	}

	var docs []string
	totalBytes := 0

	for _, dir := range collectPathHierarchy(root, workingDir) {
		for _, fileName := range projectDocFiles {
			path := filepath.Join(dir, fileName)
			content, err := os.ReadFile(path)
			if err != nil {
				continue
			}

			remaining := maxProjectDocBytes - totalBytes
			if remaining <= 0 {
				docs = append(docs, "[Project instructions truncated at 32KB]")
				return strings.Join(docs, "\n\n---\n\n")
			}

			text := string(content)
			if len(text) > remaining {
				text = text[:remaining] + "\n[Project instructions truncated at 32KB]"
			}

			header := fmt.Sprintf("# %s (from %s)", fileName, dir)
			docs = append(docs, header+"\n\n"+text)
			totalBytes += len(text)
		}
	}

	return strings.Join(docs, "\n\n---\n\n")
}

// collectPathHierarchy returns directories from root to target, inclusive.
func collectPathHierarchy(root, target string) []string {
	root = filepath.Clean(root)
	target = filepath.Clean(target)

	if root == target {
		return []string{root}
	}

	dirs := []string{root}
	rel, err := filepath.Rel(root, target)
	if err != nil || strings.HasPrefix(rel, "..") {
		return dirs
	}

	current := root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if part == "." {
			continue
		}
		current = filepath.Join(current, part)
		dirs = append(dirs, current)
	}
	return dirs
}

func isGitRepository(dir string) bool {
	out, err := gitOutput(dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

func gitRoot(dir string) string {
	out, _ := gitOutput(dir, "rev-parse", "--show-toplevel")
	return out
}

func getGitBranch(dir string) string {
	out, _ := gitOutput(dir, "rev-parse", "--abbrev-ref", "HEAD")
	return out
}

func gitOutput(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
