package agentloop

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/martinemde/turnloop/unifiedllm"
)

// ConsumerState is the per-turn stream state.
type ConsumerState int

const (
	StateIdle ConsumerState = iota
	StateStreaming
	StateDraining
	StateComplete
)

func (s ConsumerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateComplete:
		return "complete"
	}
	return "unknown"
}

// TurnOutcome is what one streamed response produced.
type TurnOutcome struct {
	// ResponseID is the continuation token. It is taken from
	// response.created and confirmed by response.completed.
	ResponseID string
	Completed  bool
	Usage      *unifiedllm.Usage

	Messages  []TurnItem // assistant messages, arrival order
	Reasoning []TurnItem // reasoning summaries, arrival order
	Calls     []TurnItem // function calls, dispatch order
	Outputs   []TurnItem // outputs and additional items, dispatch order
}

// Text joins the assistant messages of the turn.
func (o *TurnOutcome) Text() string {
	parts := make([]string, 0, len(o.Messages))
	for _, m := range o.Messages {
		parts = append(parts, m.TextContent())
	}
	return strings.Join(parts, "\n")
}

// ConsumerConfig wires a Consumer to its collaborators.
type ConsumerConfig struct {
	Dispatcher *Dispatcher
	Dispatch   DispatchContext
	// Provider names the service in errors built from failure events.
	Provider string
	// MaxParallel bounds concurrently running sibling calls; <= 0 means 1.
	MaxParallel int
	Logger      *slog.Logger
	Events      *EventEmitter
	Metrics     *Metrics
}

// Consumer turns one response event stream into staged items and dispatched
// function calls. A Consumer is single-use.
type Consumer struct {
	dispatcher *Dispatcher
	dc         DispatchContext
	provider   string
	pending    *PendingCallSet
	logger     *slog.Logger
	emitter    *EventEmitter

	group    errgroup.Group
	inflight sync.WaitGroup
	// launched is closed once the most recent call has been handed to
	// group, so calls start in dispatch order.
	launched chan struct{}

	mu      sync.Mutex
	state   ConsumerState
	slots   [][]TurnItem
	outcome TurnOutcome

	text      strings.Builder
	reasoning strings.Builder
}

// NewConsumer creates a Consumer for one turn.
func NewConsumer(cfg ConsumerConfig) *Consumer {
	if cfg.Dispatch.Ledger == nil {
		cfg.Dispatch.Ledger = NewCallLedger()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	limit := cfg.MaxParallel
	if limit <= 0 {
		limit = 1
	}
	c := &Consumer{
		dispatcher: cfg.Dispatcher,
		dc:         cfg.Dispatch,
		provider:   cfg.Provider,
		pending:    NewPendingCallSet(cfg.Metrics),
		logger:     cfg.Logger,
		emitter:    cfg.Events,
		launched:   make(chan struct{}),
	}
	close(c.launched)
	c.group.SetLimit(limit)
	return c
}

// State returns the current stream state.
func (c *Consumer) State() ConsumerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Consumer) setState(s ConsumerState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Pending exposes the turn's pending call set.
func (c *Consumer) Pending() *PendingCallSet {
	return c.pending
}

// ResponseID returns the response id seen so far.
func (c *Consumer) ResponseID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outcome.ResponseID
}

// AbortCall cancels a single dispatched call.
func (c *Consumer) AbortCall(callID string) bool {
	return c.pending.Cancel(callID)
}

// Run reads events until the response completes, then waits for every
// dispatched call. The returned outcome is never nil and always holds one
// output per registered call, even when an error is returned.
//
// Errors: *ProtocolViolationError for a malformed or failed response,
// *TransportError when the stream broke, or ctx.Err() when the turn was
// cancelled.
func (c *Consumer) Run(ctx context.Context, events <-chan unifiedllm.StreamEvent) (*TurnOutcome, error) {
	var runErr error

read:
	for {
		select {
		case <-ctx.Done():
			runErr = ctx.Err()
			break read
		case ev, ok := <-events:
			if !ok {
				runErr = &ProtocolViolationError{
					Reason:     "stream closed before response.completed",
					ResponseID: c.ResponseID(),
				}
				break read
			}
			if c.State() == StateIdle {
				c.setState(StateStreaming)
			}
			done, err := c.handle(ctx, ev)
			if err != nil {
				runErr = err
				break read
			}
			if done {
				break read
			}
		}
	}
	go drainEvents(events)

	if runErr != nil {
		c.pending.CancelAll()
	}
	c.setState(StateDraining)
	c.wait(ctx)

	if aborted := c.resolveUndispatched(); aborted > 0 && runErr == nil {
		runErr = &ProtocolViolationError{
			Reason:     "function call registered but never completed",
			ResponseID: c.ResponseID(),
		}
	}
	c.setState(StateComplete)

	c.mu.Lock()
	for _, slot := range c.slots {
		c.outcome.Outputs = append(c.outcome.Outputs, slot...)
	}
	c.finishStaged()
	outcome := c.outcome
	c.mu.Unlock()
	return &outcome, runErr
}

// wait blocks until all dispatched calls finish. If ctx ends first, the
// calls are cancelled and still awaited; the dispatcher returns promptly on
// cancellation.
func (c *Consumer) wait(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		_ = c.group.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		c.pending.CancelAll()
		<-done
	}
}

func (c *Consumer) handle(ctx context.Context, ev unifiedllm.StreamEvent) (bool, error) {
	switch ev.Type {
	case unifiedllm.EventResponseCreated, unifiedllm.EventResponseInProgress:
		if ev.Response != nil && ev.Response.ID != "" {
			c.mu.Lock()
			c.outcome.ResponseID = ev.Response.ID
			c.mu.Unlock()
		}

	case unifiedllm.EventOutputTextDelta:
		c.text.WriteString(ev.Delta)
		c.emitter.Emit(EventAssistantTextDelta, map[string]any{"delta": ev.Delta})

	case unifiedllm.EventReasoningSummaryDelta:
		c.reasoning.WriteString(ev.Delta)
		c.emitter.Emit(EventReasoningDelta, map[string]any{"delta": ev.Delta})

	case unifiedllm.EventOutputItemAdded:
		if ev.Item != nil && ev.Item.Type == unifiedllm.ItemFunctionCall {
			if ev.Item.CallID == "" {
				return false, &ProtocolViolationError{Reason: "function call without call_id", ResponseID: c.ResponseID()}
			}
			c.register(ev.Item.CallID)
		}

	case unifiedllm.EventOutputItemDone:
		if ev.Item == nil {
			return false, nil
		}
		return false, c.itemDone(ctx, *ev.Item)

	case unifiedllm.EventResponseCompleted:
		c.mu.Lock()
		if ev.Response != nil {
			if ev.Response.ID != "" {
				c.outcome.ResponseID = ev.Response.ID
			}
			if ev.Response.Usage != nil {
				u := *ev.Response.Usage
				c.outcome.Usage = &u
			}
		}
		c.outcome.Completed = true
		c.mu.Unlock()
		return true, nil

	case unifiedllm.EventResponseFailed, unifiedllm.EventError:
		pv := &ProtocolViolationError{
			Reason:     "response failed",
			ResponseID: c.ResponseID(),
			Cause:      unifiedllm.ErrorFromEvent(c.provider, ev),
		}
		if ev.Type == unifiedllm.EventError {
			pv.Reason = "error event"
		}
		pv.Code = ev.Code
		if ev.Response != nil && ev.Response.Error != nil {
			pv.Code = ev.Response.Error.Code
		}
		return false, pv

	case unifiedllm.EventResponseIncomplete:
		return false, &ProtocolViolationError{Reason: "response incomplete", ResponseID: c.ResponseID()}

	case unifiedllm.EventTransportError:
		cause := ev.Err
		if cause == nil {
			cause = errors.New(ev.Message)
		}
		return false, &TransportError{Attempts: 1, Cause: cause}
	}
	return false, nil
}

func (c *Consumer) itemDone(ctx context.Context, wire unifiedllm.Item) error {
	item, ok, err := ItemFromOutput(wire)
	if err != nil {
		return &ProtocolViolationError{Reason: "invalid output item", ResponseID: c.ResponseID(), Cause: err}
	}
	if !ok {
		return nil
	}
	switch item.Kind {
	case ItemFunctionCall:
		c.register(item.Call.CallID)
		c.dispatch(ctx, item)
	case ItemAssistantMessage:
		c.mu.Lock()
		c.outcome.Messages = append(c.outcome.Messages, item)
		c.mu.Unlock()
		c.emitter.Emit(EventAssistantMessage, map[string]any{"text": item.TextContent()})
	case ItemReasoningSummary:
		c.mu.Lock()
		c.outcome.Reasoning = append(c.outcome.Reasoning, item)
		c.mu.Unlock()
	}
	return nil
}

func (c *Consumer) register(callID string) {
	c.dc.Ledger.Issue(callID)
	c.pending.Register(callID)
}

// dispatch starts a call without blocking the stream. The output slot is
// reserved now so outputs keep dispatch order; group.Go may block at the
// parallelism limit, so it runs behind the previous launch.
func (c *Consumer) dispatch(ctx context.Context, item TurnItem) {
	call := *item.Call
	callCtx, cancel := context.WithCancel(ctx)
	if !c.pending.MarkDispatched(call, cancel) {
		cancel()
		c.logger.Warn("duplicate function call ignored", "call_id", call.CallID)
		return
	}

	c.mu.Lock()
	slot := len(c.slots)
	c.slots = append(c.slots, nil)
	c.outcome.Calls = append(c.outcome.Calls, item)
	prev, next := c.launched, make(chan struct{})
	c.launched = next
	c.mu.Unlock()

	c.inflight.Add(1)
	go func() {
		<-prev
		c.group.Go(func() error {
			defer c.inflight.Done()
			items := c.dispatcher.Dispatch(callCtx, call, c.dc)
			c.mu.Lock()
			c.slots[slot] = items
			c.mu.Unlock()
			c.pending.Remove(call.CallID)
			return nil
		})
		close(next)
	}()
}

// resolveUndispatched emits an aborted output for every registered call that
// never reached output_item.done and returns how many there were.
func (c *Consumer) resolveUndispatched() int {
	ids := c.pending.Undispatched()
	for _, id := range ids {
		out := c.dispatcher.abortedOutput(c.dc, id, errors.New("function call was never completed by the service"))
		c.mu.Lock()
		c.slots = append(c.slots, []TurnItem{out})
		c.mu.Unlock()
		c.pending.Remove(id)
		c.logger.Warn("registered call never completed", "call_id", id)
	}
	return len(ids)
}

// finishStaged turns streamed deltas into items when the service sent no
// completed item for them. Caller holds c.mu.
func (c *Consumer) finishStaged() {
	if len(c.outcome.Messages) == 0 && c.text.Len() > 0 {
		c.outcome.Messages = append(c.outcome.Messages, NewAssistantMessage(c.text.String()))
	}
	if len(c.outcome.Reasoning) == 0 && c.reasoning.Len() > 0 {
		c.outcome.Reasoning = append(c.outcome.Reasoning, NewReasoningSummary(c.reasoning.String()))
	}
}

func drainEvents(events <-chan unifiedllm.StreamEvent) {
	for range events {
	}
}
