// Package transform reshapes messages on their way through the router.
package transform

import (
	"context"
	"sync"

	"github.com/standardbeagle/devbridge/internal/message"
	"github.com/standardbeagle/devbridge/pkg/filters"
)

// Transform rewrites msg. Returning a nil message drops it; returning an
// error aborts processing of this message only.
type Transform func(ctx context.Context, msg *message.Message) (*message.Message, error)

// Pipeline runs transforms in registration order.
type Pipeline struct {
	mu         sync.RWMutex
	transforms []Transform
}

func NewPipeline(transforms ...Transform) *Pipeline {
	p := &Pipeline{}
	for _, t := range transforms {
		p.Add(t)
	}
	return p
}

func (p *Pipeline) Add(t Transform) {
	if t == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transforms = append(p.transforms, t)
}

func (p *Pipeline) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.transforms)
}

// Run feeds msg through every transform. It stops at the first drop or error.
func (p *Pipeline) Run(ctx context.Context, msg *message.Message) (*message.Message, error) {
	p.mu.RLock()
	transforms := p.transforms
	p.mu.RUnlock()

	for _, t := range transforms {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, err := t(ctx, msg)
		if err != nil {
			return nil, err
		}
		if out == nil {
			return nil, nil
		}
		msg = out
	}
	return msg, nil
}

// Filter keeps messages for which keep returns true.
func Filter(keep func(*message.Message) bool) Transform {
	return func(_ context.Context, msg *message.Message) (*message.Message, error) {
		if !keep(msg) {
			return nil, nil
		}
		return msg, nil
	}
}

// MethodFilter keeps messages whose method matches f. Messages without a
// method, such as responses, pass.
func MethodFilter(f *filters.Filter) Transform {
	return Filter(func(msg *message.Message) bool {
		method := msg.Method()
		return method == "" || f.Matches(method)
	})
}

// Map applies fn to every message. fn may return nil to drop.
func Map(fn func(*message.Message) *message.Message) Transform {
	return func(_ context.Context, msg *message.Message) (*message.Message, error) {
		return fn(msg), nil
	}
}
