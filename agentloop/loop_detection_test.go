package agentloop

import (
	"encoding/json"
	"testing"
)

func callItem(t *testing.T, callID, args string) TurnItem {
	t.Helper()
	item, err := NewFunctionCall("fc_"+callID, callID, ShellToolName, json.RawMessage(args))
	if err != nil {
		t.Fatalf("new call: %v", err)
	}
	return item
}

func TestDetectLoop(t *testing.T) {
	tests := []struct {
		name string
		sigs []string
		want bool
	}{
		{"too short", []string{"a", "a"}, false},
		{"single repeat", []string{"a", "a", "a", "a"}, true},
		{"pair repeat", []string{"a", "b", "a", "b"}, true},
		{"no pattern", []string{"a", "b", "c", "d"}, false},
		{"pattern only in window", []string{"x", "a", "a", "a", "a"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectLoop(tt.sigs, 4); got != tt.want {
				t.Errorf("DetectLoop(%v) = %v, want %v", tt.sigs, got, tt.want)
			}
		})
	}
}

func TestLoopDetectorObserve(t *testing.T) {
	d := NewLoopDetector(3)
	same := `{"command":["ls"]}`

	if d.Observe([]TurnItem{callItem(t, "c1", same)}) {
		t.Error("one call is not a loop")
	}
	if d.Observe([]TurnItem{callItem(t, "c2", same), NewAssistantMessage("ignored")}) {
		t.Error("two calls are not a loop with window 3")
	}
	if !d.Observe([]TurnItem{callItem(t, "c3", same)}) {
		t.Error("expected loop after three identical calls")
	}

	d.Reset()
	if d.Observe([]TurnItem{callItem(t, "c4", same)}) {
		t.Error("expected reset to clear history")
	}
	if d.Observe([]TurnItem{callItem(t, "c5", `{"command":["pwd"]}`), callItem(t, "c6", same)}) {
		t.Error("different arguments are not a loop")
	}
}
