// Package unifiedllm is the transport layer for the agent loop: a streaming
// client for Responses-style services that keep conversation state on the
// server and continue from a previous response id.
//
// # Architecture
//
//   - ProviderAdapter: one streamed turn per call, returning a channel of
//     StreamEvent values that is closed when the response ends.
//   - ResponsesAdapter: HTTP + server-sent events against a /responses
//     endpoint, with optional client-side request pacing.
//   - GollmAdapter: wraps gollm for stateless backends and keeps transcripts
//     locally so previous_response_id still works.
//   - Client: provider routing (explicit, model family, default) and a
//     stream middleware chain.
//   - Retry: exponential backoff over the error taxonomy in errors.go.
//
// # Quick Start
//
//	adapter := unifiedllm.NewResponsesAdapter("openai",
//	    unifiedllm.WithResponsesAPIKey(os.Getenv("OPENAI_API_KEY")))
//	client := unifiedllm.NewClient(
//	    unifiedllm.WithProvider("openai", adapter),
//	    unifiedllm.WithStreamMiddleware(unifiedllm.LoggingMiddleware(nil)),
//	)
//
//	events, err := client.Stream(ctx, unifiedllm.Request{
//	    Model: "o4-mini",
//	    Input: []unifiedllm.Item{unifiedllm.UserMessage("Hello")},
//	})
//	for ev := range events {
//	    if ev.Type == unifiedllm.EventOutputTextDelta {
//	        fmt.Print(ev.Delta)
//	    }
//	}
//
// A follow-up turn sends only the new items and the id from the
// response.completed event:
//
//	client.Stream(ctx, unifiedllm.Request{
//	    Model:              "o4-mini",
//	    PreviousResponseID: completedID,
//	    Input:              []unifiedllm.Item{unifiedllm.FunctionCallOutput(callID, output)},
//	})
package unifiedllm
