package transform

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tidwall/sjson"

	"github.com/standardbeagle/devbridge/internal/message"
)

// EnrichOptions lists what Enrich adds. Metadata is merged into the message
// metadata; Params entries are set into the payload params, with sjson paths
// as keys ("page.url" sets a nested field).
type EnrichOptions struct {
	Metadata map[string]any
	Params   map[string]any
}

// Enrich merges opts into each message. Messages it has nothing to add to
// are returned as is.
func Enrich(opts EnrichOptions) Transform {
	return func(_ context.Context, msg *message.Message) (*message.Message, error) {
		if len(opts.Metadata) == 0 && (len(opts.Params) == 0 || !hasParams(msg)) {
			return msg, nil
		}
		out := msg.Clone()
		message.WithMetadata(opts.Metadata)(out)

		if len(opts.Params) == 0 || !hasParams(out) {
			return out, nil
		}
		params := nonEmpty(out.Params())
		for path, value := range opts.Params {
			var err error
			params, err = sjson.SetBytes(params, path, value)
			if err != nil {
				return nil, fmt.Errorf("enrich %s: %w", path, err)
			}
		}
		return out.WithParams(params), nil
	}
}

// hasParams reports whether the payload kind carries params at all.
func hasParams(msg *message.Message) bool {
	switch msg.Payload.(type) {
	case message.RequestPayload, message.NotificationPayload, message.CommandPayload, message.EventPayload:
		return true
	}
	return false
}

// RateLimit passes at most perSecond inbound messages (requests and events)
// in any one-second window and drops the rest. Messages derived from them
// inside the router are not counted. A non-positive limit disables it.
func RateLimit(perSecond int) Transform {
	if perSecond <= 0 {
		return func(_ context.Context, msg *message.Message) (*message.Message, error) { return msg, nil }
	}
	l := &rateLimiter{limit: perSecond, window: time.Second, now: time.Now}
	return l.transform
}

type rateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	now    func() time.Time
	stamps []time.Time
}

func (l *rateLimiter) allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.stamps) && !l.stamps[i].After(cutoff) {
		i++
	}
	l.stamps = l.stamps[i:]
	if len(l.stamps) >= l.limit {
		return false
	}
	l.stamps = append(l.stamps, now)
	return true
}

func (l *rateLimiter) transform(_ context.Context, msg *message.Message) (*message.Message, error) {
	if msg.Type != message.TypeRequest && msg.Type != message.TypeEvent {
		return msg, nil
	}
	if !l.allow() {
		return nil, nil
	}
	return msg, nil
}
