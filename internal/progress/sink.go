package progress

import "context"

// Sink consumes batches of events. Implementations honor ctx deadlines and
// tolerate repeated Consume calls.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes single events. Hub and Nop satisfy it.
type Emitter interface {
	Emit(evt Event)
}
