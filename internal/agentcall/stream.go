// Package agentcall is the boundary to the agent-invocation provider. The
// rest of the system consumes a provider-neutral event stream; the Bedrock
// adapter translates the SDK's wire types into it at this trust boundary.
package agentcall

import "context"

// EventKind tags one stream event.
type EventKind int

const (
	// EventChunk carries a piece of the agent's output text.
	EventChunk EventKind = iota
	// EventTrace carries one raw trace fragment as a loosely-typed map.
	EventTrace
)

// Event is one element of the invocation stream.
type Event struct {
	Kind  EventKind
	Chunk []byte
	Trace map[string]any
}

// Stream is an ordered sequence of invocation events. Next blocks until the
// next event is available; it returns ok=false when the stream is exhausted,
// after which Err reports whether it ended cleanly.
type Stream interface {
	Next(ctx context.Context) (Event, bool)
	Err() error
	Close() error
}

// Request identifies one agent invocation.
type Request struct {
	SessionID string
	InputText string
}

// Invoker starts an agent invocation and returns its event stream. Retry and
// backoff for the call itself are out of scope here; the caller treats a
// returned error as fatal for the conversation.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (Stream, error)
}
