package queue

import "context"

// Publisher sends job events to a broker.
type Publisher interface {
	Publish(ctx context.Context, evt JobEvent) error
}
