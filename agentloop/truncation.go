package agentloop

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// TruncationMode specifies how output is truncated.
type TruncationMode string

const (
	TruncateHeadTail TruncationMode = "head_tail"
	TruncateTail     TruncationMode = "tail"
)

// OutputLimits bounds the command output returned to the model.
type OutputLimits struct {
	MaxChars int            `yaml:"max_chars" json:"max_chars"`
	MaxLines int            `yaml:"max_lines" json:"max_lines"`
	Mode     TruncationMode `yaml:"mode" json:"mode"`
}

// DefaultOutputLimits keeps the first and last 15k characters and 256 lines.
func DefaultOutputLimits() OutputLimits {
	return OutputLimits{MaxChars: 30000, MaxLines: 256, Mode: TruncateHeadTail}
}

// TruncateOutput applies character-based truncation to output. Cut points
// never split a UTF-8 sequence.
func TruncateOutput(output string, maxChars int, mode TruncationMode) string {
	if maxChars <= 0 || len(output) <= maxChars {
		return output
	}

	switch mode {
	case TruncateTail:
		tail := output[runeStartAfter(output, len(output)-maxChars):]
		return fmt.Sprintf("[output truncated: first %d characters removed]\n\n", len(output)-len(tail)) + tail
	default:
		half := maxChars / 2
		head := output[:runeStartBefore(output, half)]
		tail := output[runeStartAfter(output, len(output)-half):]
		removed := len(output) - len(head) - len(tail)
		return head +
			fmt.Sprintf("\n\n[output truncated: %d characters removed from the middle; re-run with a narrower command to see them]\n\n", removed) +
			tail
	}
}

// runeStartBefore returns the last rune boundary at or before i.
func runeStartBefore(s string, i int) int {
	for i > 0 && i < len(s) && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}

// runeStartAfter returns the first rune boundary at or after i.
func runeStartAfter(s string, i int) int {
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return i
}

// TruncateLines applies line-based truncation using head/tail split.
func TruncateLines(output string, maxLines int) string {
	if maxLines <= 0 {
		return output
	}
	lines := strings.Split(output, "\n")
	if len(lines) <= maxLines {
		return output
	}

	headCount := maxLines / 2
	tailCount := maxLines - headCount
	omitted := len(lines) - headCount - tailCount

	return strings.Join(lines[:headCount], "\n") +
		fmt.Sprintf("\n[... %d lines omitted ...]\n", omitted) +
		strings.Join(lines[len(lines)-tailCount:], "\n")
}

// Apply runs character truncation then line truncation and reports whether
// anything was removed.
func (l OutputLimits) Apply(output string) (string, bool) {
	result := TruncateOutput(output, l.MaxChars, l.Mode)
	result = TruncateLines(result, l.MaxLines)
	return result, result != output
}
