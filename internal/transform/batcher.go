package transform

import (
	"context"
	"sync"
	"time"

	"github.com/standardbeagle/devbridge/internal/message"
)

// Sink receives batches flushed by the timer, normally Router.Process.
type Sink func(ctx context.Context, msg *message.Message) error

// Batcher groups messages into BatchPayload messages. Every input is
// swallowed; the input that fills the batch gets the batch back, and a
// partial batch is handed to the sink once timeout passes. Batch messages
// themselves pass through untouched.
type Batcher struct {
	size    int
	timeout time.Duration
	sink    Sink

	mu      sync.Mutex
	pending []*message.Message
	timer   *time.Timer
	gen     uint64 // bumped per batch so a stale timer cannot flush a newer one
	closed  bool
}

// NewBatcher batches up to size messages or whatever arrived within timeout
// of the first one.
func NewBatcher(size int, timeout time.Duration, sink Sink) *Batcher {
	if size < 1 {
		size = 1
	}
	return &Batcher{size: size, timeout: timeout, sink: sink}
}

// Transform returns the batching transform.
func (b *Batcher) Transform() Transform {
	return b.add
}

func (b *Batcher) add(_ context.Context, msg *message.Message) (*message.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// flushed batches come back through the pipeline when the sink is the router
	if _, ok := msg.Payload.(message.BatchPayload); ok || b.closed {
		return msg, nil
	}
	b.pending = append(b.pending, msg)
	if len(b.pending) >= b.size {
		return b.takeLocked(), nil
	}
	if len(b.pending) == 1 && b.timeout > 0 {
		gen := b.gen
		b.timer = time.AfterFunc(b.timeout, func() { b.expire(gen) })
	}
	return nil, nil
}

func (b *Batcher) expire(gen uint64) {
	b.mu.Lock()
	if b.gen != gen || len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.takeLocked()
	b.mu.Unlock()

	if b.sink != nil {
		_ = b.sink(context.Background(), batch)
	}
}

func (b *Batcher) takeLocked() *message.Message {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.gen++
	msgs := b.pending
	b.pending = nil

	opts := []message.Option{message.WithMetadata(map[string]any{"batch_size": len(msgs)})}
	if first := msgs[0]; first.Target != "" {
		opts = append(opts, message.WithTarget(first.Target))
	}
	return message.New(message.SourceRouter, message.BatchPayload{Messages: msgs}, opts...)
}

// Pending returns how many messages wait in the current batch.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Close stops the timer and hands any partial batch to the sink. Later
// inputs pass through unbatched.
func (b *Batcher) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	if len(b.pending) == 0 {
		if b.timer != nil {
			b.timer.Stop()
			b.timer = nil
		}
		b.mu.Unlock()
		return nil
	}
	batch := b.takeLocked()
	b.mu.Unlock()

	if b.sink == nil {
		return nil
	}
	return b.sink(ctx, batch)
}
