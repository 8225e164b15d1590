package unifiedllm

import "context"

// ProviderAdapter is the interface every backend must implement.
type ProviderAdapter interface {
	// Name returns the provider identifier (e.g. "responses", "openai").
	Name() string

	// Stream sends a request and returns a channel of stream events. The
	// channel is closed when the response ends or the connection drops.
	// Errors returned directly mean the stream could not be established.
	Stream(ctx context.Context, req Request) (<-chan StreamEvent, error)
}

// Optional adapter methods.

// Closer is implemented by adapters that hold resources.
type Closer interface {
	Close() error
}

// Initializer is implemented by adapters that need startup validation.
type Initializer interface {
	Initialize() error
}
