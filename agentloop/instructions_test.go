package agentloop

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDiscoverProjectDocs(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "pkg")
	if err := os.MkdirAll(filepath.Join(sub, ".codex"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sub, "AGENTS.md"), []byte("Run make test."), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sub, ".codex", "instructions.md"), []byte("Prefer rg."), 0o644); err != nil {
		t.Fatal(err)
	}

	docs := DiscoverProjectDocs(sub)
	if !strings.Contains(docs, "Run make test.") || !strings.Contains(docs, "Prefer rg.") {
		t.Errorf("docs = %q", docs)
	}
	if strings.Index(docs, "AGENTS.md") > strings.Index(docs, "instructions.md") {
		t.Error("expected AGENTS.md before .codex/instructions.md")
	}
}

func TestDiscoverProjectDocsTruncates(t *testing.T) {
	dir := t.TempDir()
	big := strings.Repeat("x", maxProjectDocBytes+100)
	if err := os.WriteFile(filepath.Join(dir, "AGENTS.md"), []byte(big), 0o644); err != nil {
		t.Fatal(err)
	}
	docs := DiscoverProjectDocs(dir)
	if !strings.Contains(docs, "[Project instructions truncated at 32KB]") {
		t.Error("expected truncation marker")
	}
}

func TestMergeInstructions(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "AGENTS.md"), []byte("project rules"), 0o644); err != nil {
		t.Fatal(err)
	}

	merged := MergeInstructions(InstructionSources{WorkingDir: dir, Model: "o3", User: "be brief"})
	for _, want := range []string{BaseInstructions, "<environment>", "Working directory: " + dir, "Model: o3", "project rules", "# User Instructions\n\nbe brief"} {
		if !strings.Contains(merged, want) {
			t.Errorf("merged instructions missing %q", want)
		}
	}
	if !strings.HasSuffix(merged, "be brief") {
		t.Error("expected user instructions last")
	}

	skipped := MergeInstructions(InstructionSources{Base: "custom base", WorkingDir: dir, SkipProjectDocs: true})
	if strings.Contains(skipped, "project rules") || !strings.HasPrefix(skipped, "custom base") {
		t.Errorf("unexpected merge with skip: %q", skipped)
	}
}

func TestCollectPathHierarchy(t *testing.T) {
	got := collectPathHierarchy("/a", "/a/b/c")
	want := []string{"/a", "/a/b", "/a/b/c"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("got %v, want %v", got, want)
	}
	if got := collectPathHierarchy("/a", "/x"); len(got) != 1 {
		t.Errorf("unrelated target should yield only root, got %v", got)
	}
}
