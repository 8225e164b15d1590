// Package agentloop drives a multi-turn conversation with a streaming
// responses service and executes the function calls the model makes.
//
// Each turn sends only the new input items together with the previous
// response id, so the service keeps the history and the client never resends
// it. Function calls are dispatched while the response is still streaming;
// their outputs become the input of the next turn.
//
// # Architecture
//
//   - Controller: session state machine (awaiting input, requesting,
//     streaming, resolving, ended). Owns the continuation token, retries
//     stream establishment and issues follow-up turns.
//   - Consumer: per-turn stream state machine (idle, streaming, draining,
//     complete). Stages assistant text and dispatches calls without
//     blocking the stream.
//   - Dispatcher: closed tool registry lookup, argument validation and
//     gateway execution. Every call yields exactly one output.
//   - Parser: JSON schema validation of raw call arguments.
//   - ExecutionGateway: where commands run. LocalGateway runs argv directly
//     with a deny list, writable roots, approval and output truncation.
//   - EventEmitter: typed event stream for the host application.
//
// # Quick Start
//
//	client := unifiedllm.NewClient(unifiedllm.WithProvider("openai",
//	    unifiedllm.NewResponsesAdapter("openai", unifiedllm.WithResponsesAPIKey(key))))
//	ctrl, err := agentloop.NewController(client, agentloop.DefaultConfig(),
//	    agentloop.WithApprover(func(ctx context.Context, req agentloop.ApprovalRequest) agentloop.ApprovalDecision {
//	        return agentloop.ApprovalApproved
//	    }))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer ctrl.Close()
//
//	res, err := ctrl.Submit(ctx, "list files in /tmp")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(res.Text)
package agentloop
