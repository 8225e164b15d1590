package agentloop

import (
	"context"
	"reflect"
	"testing"
)

func TestPendingCallSet(t *testing.T) {
	s := NewPendingCallSet(nil)
	if !s.Register("a") || !s.Register("b") || !s.Register("c") {
		t.Fatal("expected registrations to succeed")
	}
	if s.Register("a") {
		t.Error("duplicate registration should fail")
	}

	ctx, cancel := context.WithCancel(context.Background())
	if !s.MarkDispatched(FunctionCall{CallID: "b", Name: ShellToolName}, cancel) {
		t.Fatal("expected dispatch mark")
	}
	if s.MarkDispatched(FunctionCall{CallID: "b"}, cancel) {
		t.Error("second dispatch mark should fail")
	}
	if s.MarkDispatched(FunctionCall{CallID: "zzz"}, cancel) {
		t.Error("unregistered id should not be marked")
	}
	if !s.IsDispatched("b") || s.IsDispatched("a") {
		t.Error("unexpected dispatch state")
	}
	if got := s.Undispatched(); !reflect.DeepEqual(got, []string{"a", "c"}) {
		t.Errorf("undispatched = %v", got)
	}

	if !s.Cancel("b") {
		t.Error("expected cancel of dispatched call")
	}
	if ctx.Err() == nil {
		t.Error("expected per-call context to be cancelled")
	}
	if !s.Has("b") {
		t.Error("cancel must not remove the call")
	}
	if s.Cancel("a") {
		t.Error("undispatched call has nothing to cancel")
	}

	if !s.Remove("b") || s.Remove("b") {
		t.Error("expected exactly one removal")
	}
	if s.Len() != 2 {
		t.Errorf("len = %d", s.Len())
	}
}

func TestPendingCallSetCancelAll(t *testing.T) {
	s := NewPendingCallSet(nil)
	var ctxs []context.Context
	for _, id := range []string{"a", "b"} {
		s.Register(id)
		ctx, cancel := context.WithCancel(context.Background())
		ctxs = append(ctxs, ctx)
		s.MarkDispatched(FunctionCall{CallID: id}, cancel)
	}
	s.CancelAll()
	for i, ctx := range ctxs {
		if ctx.Err() == nil {
			t.Errorf("call %d not cancelled", i)
		}
	}
}
