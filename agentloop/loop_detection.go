package agentloop

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"
)

// toolCallSignature computes a deterministic signature for a tool call
// (name + hash of arguments).
func toolCallSignature(name string, arguments json.RawMessage) string {
	h := sha256.Sum256(arguments)
	return fmt.Sprintf("%s:%x", name, h[:8])
}

// LoopDetector remembers the signatures of recent function calls across
// turns.
type LoopDetector struct {
	window int
	mu     sync.Mutex
	sigs   []string
}

// NewLoopDetector creates a detector over the last window calls.
func NewLoopDetector(window int) *LoopDetector {
	if window <= 0 {
		window = 10
	}
	return &LoopDetector{window: window}
}

// Observe records calls and reports whether the window now repeats.
func (d *LoopDetector) Observe(calls []TurnItem) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range calls {
		if c.Kind != ItemFunctionCall || c.Call == nil {
			continue
		}
		d.sigs = append(d.sigs, toolCallSignature(c.Call.Name, c.Call.Arguments))
	}
	if len(d.sigs) > d.window {
		d.sigs = append(d.sigs[:0], d.sigs[len(d.sigs)-d.window:]...)
	}
	return DetectLoop(d.sigs, d.window)
}

// Reset forgets all signatures.
func (d *LoopDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sigs = d.sigs[:0]
}

// DetectLoop checks if the last windowSize signatures follow a repeating
// pattern of length 1, 2, or 3 that occurs at least twice.
func DetectLoop(sigs []string, windowSize int) bool {
	if windowSize <= 0 || len(sigs) < windowSize {
		return false
	}
	sigs = sigs[len(sigs)-windowSize:]

	for patternLen := 1; patternLen <= 3 && patternLen*2 <= windowSize; patternLen++ {
		if windowSize%patternLen != 0 {
			continue
		}
		pattern := sigs[:patternLen]
		allMatch := true
		for i := patternLen; i < windowSize && allMatch; i += patternLen {
			for j := 0; j < patternLen; j++ {
				if sigs[i+j] != pattern[j] {
					allMatch = false
					break
				}
			}
		}
		if allMatch {
			return true
		}
	}
	return false
}
