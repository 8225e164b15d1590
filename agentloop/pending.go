package agentloop

import (
	"context"
	"sync"
)

type pendingCall struct {
	call       FunctionCall
	dispatched bool
	cancel     context.CancelFunc
}

// PendingCallSet tracks the calls of one turn that have been requested but
// not yet resolved. Sibling calls resolve on separate goroutines, so every
// method is safe for concurrent use.
type PendingCallSet struct {
	mu      sync.Mutex
	calls   map[string]*pendingCall
	order   []string
	metrics *Metrics
}

// NewPendingCallSet creates an empty set.
func NewPendingCallSet(metrics *Metrics) *PendingCallSet {
	return &PendingCallSet{calls: make(map[string]*pendingCall), metrics: metrics}
}

// Register inserts callID. It reports false when the id is already pending.
func (s *PendingCallSet) Register(callID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[callID]; ok {
		return false
	}
	s.calls[callID] = &pendingCall{}
	s.order = append(s.order, callID)
	s.metrics.pending(1)
	return true
}

// MarkDispatched records the call payload and the cancel func of its
// per-call context. It reports false when the id is not pending or was
// already dispatched.
func (s *PendingCallSet) MarkDispatched(call FunctionCall, cancel context.CancelFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.calls[call.CallID]
	if !ok || p.dispatched {
		return false
	}
	p.call = call
	p.dispatched = true
	p.cancel = cancel
	return true
}

// IsDispatched reports whether callID is pending and already dispatched.
func (s *PendingCallSet) IsDispatched(callID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.calls[callID]
	return ok && p.dispatched
}

// Remove deletes callID. Removal is the only way a call leaves the set.
func (s *PendingCallSet) Remove(callID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.calls[callID]
	if !ok {
		return false
	}
	if p.cancel != nil {
		p.cancel()
	}
	delete(s.calls, callID)
	for i, id := range s.order {
		if id == callID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.metrics.pending(-1)
	return true
}

// Cancel cancels the context of one dispatched call. The call stays pending
// until its dispatcher reports the aborted output.
func (s *PendingCallSet) Cancel(callID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.calls[callID]
	if !ok || p.cancel == nil {
		return false
	}
	p.cancel()
	return true
}

// CancelAll cancels every dispatched call.
func (s *PendingCallSet) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.calls {
		if p.cancel != nil {
			p.cancel()
		}
	}
}

// Undispatched returns the ids registered but never dispatched, in
// registration order.
func (s *PendingCallSet) Undispatched() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, id := range s.order {
		if !s.calls[id].dispatched {
			ids = append(ids, id)
		}
	}
	return ids
}

// Has reports whether callID is pending.
func (s *PendingCallSet) Has(callID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.calls[callID]
	return ok
}

// Len returns the number of pending calls.
func (s *PendingCallSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}
