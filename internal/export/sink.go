package export

import "context"

// Sink is the durable-storage boundary. Keys are hierarchical,
// slash-separated paths; implementations decide how to map them onto their
// backend.
type Sink interface {
	Name() string
	Put(ctx context.Context, key string, body []byte, contentType string) error
}
