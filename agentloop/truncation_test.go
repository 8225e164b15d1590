package agentloop

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTruncateOutputHeadTail(t *testing.T) {
	out := TruncateOutput(strings.Repeat("a", 10)+strings.Repeat("b", 10), 10, TruncateHeadTail)
	if !strings.HasPrefix(out, "aaaaa") || !strings.HasSuffix(out, "bbbbb") {
		t.Errorf("expected head and tail to be kept, got %q", out)
	}
	if !strings.Contains(out, "10 characters removed from the middle") {
		t.Errorf("expected marker, got %q", out)
	}
}

func TestTruncateOutputTail(t *testing.T) {
	out := TruncateOutput("0123456789", 4, TruncateTail)
	if !strings.HasSuffix(out, "6789") || !strings.Contains(out, "first 6 characters removed") {
		t.Errorf("unexpected tail truncation %q", out)
	}
}

func TestTruncateOutputKeepsRunesWhole(t *testing.T) {
	output := strings.Repeat("é", 10) // two bytes each

	out := TruncateOutput(output, 7, TruncateHeadTail)
	if !utf8.ValidString(out) {
		t.Fatalf("head/tail truncation split a rune: %q", out)
	}
	if !strings.HasPrefix(out, "é\n") || !strings.HasSuffix(out, "\né") {
		t.Errorf("unexpected head/tail %q", out)
	}
	if !strings.Contains(out, "16 characters removed") {
		t.Errorf("expected removed count to match kept bytes, got %q", out)
	}

	out = TruncateOutput(output, 5, TruncateTail)
	if !utf8.ValidString(out) {
		t.Fatalf("tail truncation split a rune: %q", out)
	}
	if !strings.HasSuffix(out, "\n\néé") || !strings.Contains(out, "first 16 characters removed") {
		t.Errorf("unexpected tail truncation %q", out)
	}
}

func TestTruncateNoop(t *testing.T) {
	if got := TruncateOutput("short", 100, TruncateHeadTail); got != "short" {
		t.Errorf("got %q", got)
	}
	if got := TruncateOutput("short", 0, TruncateHeadTail); got != "short" {
		t.Errorf("zero limit should be a no-op, got %q", got)
	}
	if got := TruncateLines("a\nb", 0); got != "a\nb" {
		t.Errorf("zero line limit should be a no-op, got %q", got)
	}
}

func TestTruncateLines(t *testing.T) {
	lines := make([]string, 10)
	for i := range lines {
		lines[i] = string(rune('a' + i))
	}
	out := TruncateLines(strings.Join(lines, "\n"), 4)
	if !strings.HasPrefix(out, "a\nb\n") || !strings.HasSuffix(out, "\ni\nj") {
		t.Errorf("unexpected line truncation %q", out)
	}
	if !strings.Contains(out, "6 lines omitted") {
		t.Errorf("expected omitted marker, got %q", out)
	}
}

func TestOutputLimitsApply(t *testing.T) {
	limits := OutputLimits{MaxChars: 100, MaxLines: 3, Mode: TruncateHeadTail}
	out, truncated := limits.Apply("1\n2\n3\n4\n5")
	if !truncated {
		t.Error("expected truncation")
	}
	if !strings.Contains(out, "lines omitted") {
		t.Errorf("got %q", out)
	}

	out, truncated = limits.Apply("ok")
	if truncated || out != "ok" {
		t.Errorf("expected untouched output, got %q truncated=%v", out, truncated)
	}
}
