package agentloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/martinemde/turnloop/unifiedllm"
)

// LoopState is the controller lifecycle state.
type LoopState string

const (
	LoopAwaitingInput LoopState = "awaiting_input"
	LoopRequesting    LoopState = "requesting"
	LoopStreaming     LoopState = "streaming"
	LoopResolving     LoopState = "resolving"
	LoopEnded         LoopState = "ended"
)

// Streamer opens one streamed response. *unifiedllm.Client satisfies it.
type Streamer interface {
	Stream(ctx context.Context, req unifiedllm.Request) (<-chan unifiedllm.StreamEvent, error)
}

// ConversationState is the session-scoped state sent with every request.
type ConversationState struct {
	// ResponseID is the continuation token; empty starts fresh.
	ResponseID   string
	Instructions string
	Model        string
	Reasoning    *unifiedllm.ReasoningConfig
}

// TurnResult summarises one Submit call, including automatic follow-up
// turns and queued follow-up inputs.
type TurnResult struct {
	ResponseID string
	Text       string
	Requests   int
	Items      []TurnItem
	Usage      unifiedllm.Usage
	Aborted    bool
}

// errTurnAborted marks a turn stopped by Abort rather than by the caller's
// context.
var errTurnAborted = errors.New("turn aborted")

// Controller drives the conversation: it sends only new items each turn,
// continues from the previous response id, and feeds function call outputs
// back until the model stops calling tools.
type Controller struct {
	id         string
	client     Streamer
	dispatcher *Dispatcher
	gateway    ExecutionGateway
	approve    ApproveFunc
	cfg        Config
	retry      unifiedllm.RetryPolicy
	logger     *slog.Logger
	metrics    *Metrics
	emitter    *EventEmitter
	loops      *LoopDetector
	registry   *ToolRegistry

	mu         sync.Mutex
	state      LoopState
	conv       ConversationState
	carry      []TurnItem
	steering   []string
	followUps  []string
	history    []TurnItem
	usage      unifiedllm.Usage
	turn       int
	running    bool
	turnCancel context.CancelFunc
	consumer   *Consumer
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the controller logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithGateway replaces the local execution gateway.
func WithGateway(g ExecutionGateway) Option {
	return func(c *Controller) { c.gateway = g }
}

// WithApprover sets the host's approval callback. Without one, commands that
// need approval are denied.
func WithApprover(fn ApproveFunc) Option {
	return func(c *Controller) { c.approve = fn }
}

// WithToolRegistry replaces the default shell tool registry.
func WithToolRegistry(r *ToolRegistry) Option {
	return func(c *Controller) { c.registry = r }
}

// WithRetryPolicy overrides the retry policy derived from the config.
func WithRetryPolicy(p unifiedllm.RetryPolicy) Option {
	return func(c *Controller) { c.retry = p }
}

// WithSessionID sets the session id used on events.
func WithSessionID(id string) Option {
	return func(c *Controller) { c.id = id }
}

// NewController creates a controller. Instructions are merged once here and
// stay fixed for the session.
func NewController(client Streamer, cfg Config, opts ...Option) (*Controller, error) {
	if client == nil {
		return nil, errors.New("agentloop: nil client")
	}
	cfg = sanitizeConfig(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Controller{
		id:     uuid.NewString(),
		client: client,
		cfg:    cfg,
		retry:  cfg.RetryPolicy(),
		logger: slog.Default(),
		state:  LoopAwaitingInput,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("session_id", c.id)
	c.emitter = NewEventEmitter(c.id, cfg.EventBuffer)

	if c.registry == nil {
		c.registry = DefaultToolRegistry()
	}
	if c.gateway == nil {
		gwOpts, err := cfg.GatewayOptions()
		if err != nil {
			return nil, err
		}
		gwOpts = append(gwOpts, WithGatewayLogger(c.logger))
		c.gateway = NewLocalGateway(cfg.WorkingDir, gwOpts...)
	}
	dispatcher, err := NewDispatcher(c.registry,
		WithDispatcherLogger(c.logger),
		WithDispatcherMetrics(c.metrics),
		WithDispatcherEvents(c.emitter),
	)
	if err != nil {
		return nil, err
	}
	c.dispatcher = dispatcher

	if !cfg.LoopDetection.Disabled {
		c.loops = NewLoopDetector(cfg.LoopDetection.Window)
	}

	workingDir := cfg.WorkingDir
	if lg, ok := c.gateway.(*LocalGateway); ok && workingDir == "" {
		workingDir = lg.WorkingDirectory()
	}
	c.conv = ConversationState{
		Model:     cfg.Model,
		Reasoning: ReasoningFor(cfg.Model, cfg.ReasoningEffort),
		Instructions: MergeInstructions(InstructionSources{
			Base:            cfg.BaseInstructions,
			WorkingDir:      workingDir,
			Model:           cfg.Model,
			User:            cfg.Instructions,
			SkipProjectDocs: cfg.SkipProjectDocs,
		}),
	}

	c.emitter.Emit(EventSessionStart, map[string]any{"model": cfg.Model})
	return c, nil
}

// ID returns the session identifier.
func (c *Controller) ID() string { return c.id }

// Events returns the event channel for the host application.
func (c *Controller) Events() <-chan SessionEvent {
	return c.emitter.Events()
}

// State returns the lifecycle state. While calls are being resolved after
// the response completed, the state is LoopResolving.
func (c *Controller) State() LoopState {
	c.mu.Lock()
	state, consumer := c.state, c.consumer
	c.mu.Unlock()
	if state == LoopStreaming && consumer != nil {
		switch consumer.State() {
		case StateDraining, StateComplete:
			return LoopResolving
		}
	}
	return state
}

func (c *Controller) setState(s LoopState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != LoopEnded {
		c.state = s
	}
}

// Conversation returns a copy of the conversation state.
func (c *Controller) Conversation() ConversationState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conv
}

// History returns every item exchanged in the session.
func (c *Controller) History() []TurnItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := make([]TurnItem, len(c.history))
	copy(h, c.history)
	return h
}

// Usage returns the accumulated token usage.
func (c *Controller) Usage() unifiedllm.Usage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage
}

// Steer queues a user message that is sent with the next request, after the
// function call outputs.
func (c *Controller) Steer(message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steering = append(c.steering, message)
}

// FollowUp queues an input to process after the current Submit finishes.
func (c *Controller) FollowUp(message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.followUps = append(c.followUps, message)
}

// Abort cancels the running turn. In-flight calls resolve as aborted and the
// controller returns to LoopAwaitingInput.
func (c *Controller) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.turnCancel != nil {
		c.turnCancel()
	}
}

// AbortCall cancels one in-flight function call of the running turn.
func (c *Controller) AbortCall(callID string) bool {
	c.mu.Lock()
	consumer := c.consumer
	c.mu.Unlock()
	if consumer == nil {
		return false
	}
	return consumer.AbortCall(callID)
}

// Close ends the session. A running turn is aborted.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.state == LoopEnded {
		c.mu.Unlock()
		return
	}
	c.state = LoopEnded
	if c.turnCancel != nil {
		c.turnCancel()
	}
	c.mu.Unlock()

	c.emitter.Emit(EventSessionEnd, map[string]any{"state": string(LoopEnded)})
	c.emitter.Close()
}

// Submit sends user input and runs turns until the model stops calling
// functions, then drains queued follow-ups.
//
// A *TransportError ends the session. A *ProtocolViolationError or ctx
// cancellation returns the controller to LoopAwaitingInput. Abort returns a
// result with Aborted set and a nil error.
func (c *Controller) Submit(ctx context.Context, input string) (*TurnResult, error) {
	c.mu.Lock()
	switch {
	case c.state == LoopEnded:
		c.mu.Unlock()
		return nil, ErrSessionClosed
	case c.running:
		c.mu.Unlock()
		return nil, ErrTurnInProgress
	}
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	result := &TurnResult{}
	next := input
	for {
		err := c.processInput(ctx, next, result)
		if errors.Is(err, errTurnAborted) {
			result.Aborted = true
			return result, nil
		}
		if err != nil {
			return result, err
		}

		c.mu.Lock()
		if len(c.followUps) == 0 || c.state == LoopEnded {
			c.mu.Unlock()
			return result, nil
		}
		next = c.followUps[0]
		c.followUps = c.followUps[1:]
		c.mu.Unlock()
	}
}

func (c *Controller) processInput(ctx context.Context, input string, result *TurnResult) error {
	c.emitter.Emit(EventUserInput, map[string]any{"content": input})

	c.mu.Lock()
	items := append(append([]TurnItem(nil), c.carry...), NewUserInput(input))
	c.carry = nil
	c.mu.Unlock()
	items = append(items, c.drainSteering()...)

	for auto := 0; ; auto++ {
		outcome, err := c.runTurn(ctx, items, result)
		if err != nil {
			if ctx.Err() != nil {
				result.Aborted = true
			}
			return err
		}
		if len(outcome.Outputs) == 0 {
			return nil
		}

		if auto >= c.cfg.MaxAutoTurns {
			c.mu.Lock()
			c.carry = outputsOf(outcome.Outputs)
			c.mu.Unlock()
			c.emitter.Emit(EventTurnLimit, map[string]any{"turns": auto + 1})
			c.logger.Warn("automatic follow-up limit reached", "turns", auto+1)
			return ErrMaxAutoTurns
		}

		if c.loops != nil && c.loops.Observe(outcome.Calls) {
			warning := fmt.Sprintf("Loop detected: the last %d function calls follow a repeating pattern. Try a different approach.", c.cfg.LoopDetection.Window)
			c.emitter.Emit(EventLoopDetection, map[string]any{"message": warning})
			c.Steer(warning)
			c.loops.Reset()
		}

		items = append(append([]TurnItem(nil), outcome.Outputs...), c.drainSteering()...)
	}
}

// runTurn issues one request and consumes its stream.
func (c *Controller) runTurn(ctx context.Context, input []TurnItem, result *TurnResult) (*TurnOutcome, error) {
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if c.state == LoopEnded {
		c.mu.Unlock()
		return nil, ErrSessionClosed
	}
	c.turn++
	turn := c.turn
	c.turnCancel = cancel
	c.state = LoopRequesting
	conv := c.conv
	c.history = append(c.history, input...)
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.turnCancel = nil
		c.consumer = nil
		c.mu.Unlock()
	}()

	req := unifiedllm.Request{
		Model:              conv.Model,
		Instructions:       conv.Instructions,
		PreviousResponseID: conv.ResponseID,
		Input:              ItemsToInput(input),
		ParallelToolCalls:  c.cfg.ParallelToolCalls,
		Reasoning:          conv.Reasoning,
		Tools:              c.registry.Definitions(),
		ToolChoice:         "auto",
		Provider:           c.cfg.Provider,
	}
	result.Requests++
	c.emitter.Emit(EventTurnStart, map[string]any{
		"turn":                 turn,
		"previous_response_id": conv.ResponseID,
		"input_items":          len(req.Input),
	})
	c.logger.Debug("turn started", "turn", turn, "previous_response_id", conv.ResponseID, "input_items", len(req.Input))

	attempts := 0
	policy := c.retry
	policy.OnRetry = func(err error, attempt int, delay time.Duration) {
		c.metrics.retry()
		c.emitter.Emit(EventStreamRetry, map[string]any{"attempt": attempt, "delay": delay.String(), "error": err.Error()})
		c.logger.Warn("retrying stream request", "turn", turn, "attempt", attempt, "delay", delay, "error", err)
	}
	events, err := unifiedllm.Retry(turnCtx, policy, func(ctx context.Context) (<-chan unifiedllm.StreamEvent, error) {
		attempts++
		return c.client.Stream(ctx, req)
	})
	if err != nil {
		if turnCtx.Err() != nil {
			// Nothing reached the service; resend the outputs next time.
			c.keepCarry(outputsOf(input))
			return nil, c.abortErr(ctx, turn)
		}
		terr := &TransportError{Attempts: attempts, Cause: err}
		c.endTurn(turn, "transport_error", LoopEnded, terr)
		return nil, terr
	}

	consumer := NewConsumer(ConsumerConfig{
		Dispatcher: c.dispatcher,
		Dispatch: DispatchContext{
			Gateway:       c.gateway,
			Ledger:        NewCallLedger(),
			Policy:        c.cfg.Exec.ApprovalPolicy,
			WritableRoots: c.cfg.Exec.WritableRoots,
			Approve:       c.approve,
		},
		Provider:    c.cfg.Provider,
		MaxParallel: c.maxParallel(),
		Logger:      c.logger,
		Events:      c.emitter,
		Metrics:     c.metrics,
	})
	c.mu.Lock()
	c.consumer = consumer
	c.mu.Unlock()
	c.setState(LoopStreaming)

	outcome, runErr := consumer.Run(turnCtx, events)
	c.record(outcome, result)

	var pv *ProtocolViolationError
	var te *TransportError
	switch {
	case runErr == nil:
		c.mu.Lock()
		c.conv.ResponseID = outcome.ResponseID
		c.mu.Unlock()
		result.ResponseID = outcome.ResponseID
		c.checkContextUsage(outcome.Usage)
		c.endTurn(turn, "completed", LoopAwaitingInput, nil)
		return outcome, nil

	case turnCtx.Err() != nil:
		// Once the service announced the response it holds its calls, so the
		// outputs must reference it even though it never completed.
		if outcome.ResponseID != "" {
			c.mu.Lock()
			c.conv.ResponseID = outcome.ResponseID
			c.mu.Unlock()
			result.ResponseID = outcome.ResponseID
			c.keepCarry(outputsOf(outcome.Outputs))
		} else {
			c.keepCarry(outputsOf(input))
		}
		return nil, c.abortErr(ctx, turn)

	case errors.As(runErr, &pv), errors.As(runErr, &te):
		status := "protocol_violation"
		if te != nil {
			status = "transport_error"
		}
		if outcome.Completed {
			c.mu.Lock()
			c.conv.ResponseID = outcome.ResponseID
			c.mu.Unlock()
			c.keepCarry(outputsOf(outcome.Outputs))
		} else {
			c.keepCarry(outputsOf(input))
		}
		c.endTurn(turn, status, LoopAwaitingInput, runErr)
		return nil, runErr

	default:
		c.endTurn(turn, "error", LoopAwaitingInput, runErr)
		return nil, &TurnError{Phase: PhaseStream, Turn: turn, Cause: runErr}
	}
}

// abortErr finishes an aborted turn. Caller cancellation surfaces ctx.Err();
// Abort surfaces errTurnAborted.
func (c *Controller) abortErr(ctx context.Context, turn int) error {
	c.endTurn(turn, "aborted", LoopAwaitingInput, nil)
	if err := ctx.Err(); err != nil {
		return err
	}
	return errTurnAborted
}

func (c *Controller) endTurn(turn int, status string, next LoopState, err error) {
	c.setState(next)
	c.metrics.turn(status)
	data := map[string]any{"turn": turn, "status": status}
	if err != nil {
		data["error"] = err.Error()
		c.emitter.Emit(EventError, map[string]any{"turn": turn, "error": err.Error()})
		c.logger.Error("turn failed", "turn", turn, "status", status, "error", err)
	}
	c.emitter.Emit(EventTurnEnd, data)
}

// record appends the outcome's items to the history and the result.
func (c *Controller) record(outcome *TurnOutcome, result *TurnResult) {
	items := make([]TurnItem, 0, len(outcome.Reasoning)+len(outcome.Messages)+len(outcome.Calls)+len(outcome.Outputs))
	items = append(items, outcome.Reasoning...)
	items = append(items, outcome.Messages...)
	items = append(items, outcome.Calls...)
	items = append(items, outcome.Outputs...)

	c.mu.Lock()
	c.history = append(c.history, items...)
	if outcome.Usage != nil {
		c.usage = c.usage.Add(*outcome.Usage)
	}
	c.mu.Unlock()

	result.Items = append(result.Items, items...)
	if len(outcome.Messages) > 0 {
		result.Text = outcome.Text()
	}
	if outcome.Usage != nil {
		result.Usage = result.Usage.Add(*outcome.Usage)
		reasoning := 0
		if outcome.Usage.OutputTokensDetails != nil {
			reasoning = outcome.Usage.OutputTokensDetails.ReasoningTokens
		}
		c.metrics.tokens(outcome.Usage.InputTokens, outcome.Usage.OutputTokens, reasoning)
	}
}

func (c *Controller) keepCarry(items []TurnItem) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.carry = append(c.carry, items...)
}

// drainSteering turns queued steering messages into user input items.
func (c *Controller) drainSteering() []TurnItem {
	c.mu.Lock()
	messages := c.steering
	c.steering = nil
	c.mu.Unlock()

	items := make([]TurnItem, 0, len(messages))
	for _, msg := range messages {
		items = append(items, NewUserInput(msg))
		c.emitter.Emit(EventSteeringInjected, map[string]any{"content": msg})
	}
	return items
}

func (c *Controller) maxParallel() int {
	if !c.cfg.ParallelToolCalls {
		return 1
	}
	return c.cfg.MaxParallelCalls
}

// checkContextUsage warns when the last request used over 80% of the
// model's context window.
func (c *Controller) checkContextUsage(usage *unifiedllm.Usage) {
	if usage == nil {
		return
	}
	info := unifiedllm.GetModelInfo(c.cfg.Model)
	if info == nil || info.ContextWindow == 0 {
		return
	}
	threshold := int(float64(info.ContextWindow) * 0.8)
	if usage.InputTokens > threshold {
		pct := usage.InputTokens * 100 / info.ContextWindow
		c.emitter.Emit(EventWarning, map[string]any{
			"message": fmt.Sprintf("Context usage at ~%d%% of context window", pct),
		})
	}
}

func outputsOf(items []TurnItem) []TurnItem {
	var out []TurnItem
	for _, item := range items {
		if item.Kind == ItemFunctionCallOutput {
			out = append(out, item)
		}
	}
	return out
}
