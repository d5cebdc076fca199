package webhook

import "context"

// Sink receives a copy of every envelope next to the HTTP callback.
// body is the exact JSON the callback carries.
type Sink interface {
	Name() string
	Publish(ctx context.Context, env Envelope, body []byte) error
}
