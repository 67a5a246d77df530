package transform

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/standardbeagle/devbridge/internal/message"
	"github.com/standardbeagle/devbridge/pkg/filters"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func request(method, params string) *message.Message {
	return message.New(message.SourceTool, message.RequestPayload{
		ID:     json.RawMessage(`7`),
		Method: method,
		Params: json.RawMessage(params),
	})
}

func event(method, params, sessionID string) *message.Message {
	return message.New(message.SourceInspector, message.EventPayload{
		Method:    method,
		Params:    json.RawMessage(params),
		SessionID: sessionID,
	}, message.WithSession(sessionID))
}

func TestPipelineOrderAndDrop(t *testing.T) {
	ctx := context.Background()
	var order []string
	step := func(name string) Transform {
		return func(_ context.Context, msg *message.Message) (*message.Message, error) {
			order = append(order, name)
			return msg, nil
		}
	}

	p := NewPipeline(step("a"), step("b"))
	p.Add(nil)
	assert.Equal(t, 2, p.Len())

	msg := request("page/navigate", `{}`)
	out, err := p.Run(ctx, msg)
	require.NoError(t, err)
	assert.Same(t, msg, out)
	assert.Equal(t, []string{"a", "b"}, order)

	order = nil
	p = NewPipeline(step("a"), Filter(func(*message.Message) bool { return false }), step("c"))
	out, err = p.Run(ctx, msg)
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.Equal(t, []string{"a"}, order, "stops at the drop")

	boom := errors.New("boom")
	p = NewPipeline(func(context.Context, *message.Message) (*message.Message, error) { return nil, boom }, step("z"))
	_, err = p.Run(ctx, msg)
	assert.ErrorIs(t, err, boom)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = NewPipeline(step("a")).Run(cancelled, msg)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProtocolMappingRequest(t *testing.T) {
	tr := ProtocolMapping(DefaultMethodTable())
	msg := request("runtime/evaluate", `{"expression":"1+1","sessionId":"S1"}`)
	msg.Metadata = map[string]any{"correlation_id": "c1"}

	out, err := tr(context.Background(), msg)
	require.NoError(t, err)
	require.NotNil(t, out)

	assert.Equal(t, message.TypeCommand, out.Type)
	assert.Equal(t, TargetInspector, out.Target)
	assert.Equal(t, "S1", out.SessionID)
	assert.Equal(t, msg.ID, out.ID)
	assert.Equal(t, "c1", out.Meta("correlation_id"))

	cmd := out.Payload.(message.CommandPayload)
	assert.Equal(t, "Runtime.evaluate", cmd.Method)
	assert.Equal(t, "S1", cmd.SessionID)
	assert.JSONEq(t, `{"expression":"1+1"}`, string(cmd.Params))
	assert.Equal(t, "7", string(cmd.RequestID))

	// the original is untouched
	assert.Equal(t, message.TypeRequest, msg.Type)
}

func TestProtocolMappingRequestSessionFromMessage(t *testing.T) {
	tr := ProtocolMapping(DefaultMethodTable())
	msg := request("page/navigate", `{"url":"https://example.com/"}`)
	msg.SessionID = "S2"

	out, err := tr(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, "S2", out.Payload.(message.CommandPayload).SessionID)
}

func TestProtocolMappingDropsUnmapped(t *testing.T) {
	tr := ProtocolMapping(DefaultMethodTable())

	out, err := tr(context.Background(), request("nope/nothing", `{}`))
	require.NoError(t, err)
	assert.Nil(t, out)

	out, err = tr(context.Background(), event("Animation.animationStarted", `{}`, ""))
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestProtocolMappingRejectsBadParams(t *testing.T) {
	tr := ProtocolMapping(DefaultMethodTable())
	_, err := tr(context.Background(), request("page/navigate", `{"url":`))
	assert.ErrorContains(t, err, "not valid JSON")
}

func TestProtocolMappingEvent(t *testing.T) {
	tr := ProtocolMapping(DefaultMethodTable())
	out, err := tr(context.Background(), event("Runtime.consoleAPICalled", `{"type":"log"}`, "S1"))
	require.NoError(t, err)

	assert.Equal(t, message.TypeNotification, out.Type)
	assert.Equal(t, TargetTool, out.Target)
	n := out.Payload.(message.NotificationPayload)
	assert.Equal(t, "notifications/console", n.Method)
	assert.JSONEq(t, `{"type":"log","sessionId":"S1"}`, string(n.Params))

	out, err = tr(context.Background(), event("Page.loadEventFired", "", ""))
	require.NoError(t, err)
	assert.Empty(t, out.Payload.(message.NotificationPayload).Params)
}

func TestProtocolMappingPassesOtherTypes(t *testing.T) {
	tr := ProtocolMapping(DefaultMethodTable())
	msg := message.New(message.SourceInspector, message.ResultPayload{CommandID: 3})
	out, err := tr(context.Background(), msg)
	require.NoError(t, err)
	assert.Same(t, msg, out)
}

func TestMethodTable(t *testing.T) {
	table := NewMethodTable()
	table.AddCommand("b/two", "B.two")
	table.AddCommand("a/one", "A.one")
	table.AddNotification("A.happened", "notifications/a")

	m, ok := table.Command("a/one")
	assert.True(t, ok)
	assert.Equal(t, "A.one", m)
	_, ok = table.Command("c/three")
	assert.False(t, ok)
	n, ok := table.Notification("A.happened")
	assert.True(t, ok)
	assert.Equal(t, "notifications/a", n)
	assert.Equal(t, []string{"a/one", "b/two"}, table.ToolMethods())

	assert.Contains(t, DefaultMethodTable().ToolMethods(), "page/navigate")
}

func TestMethodFilter(t *testing.T) {
	tr := MethodFilter(filters.MustFilter("network", filters.FilterTypeGlob, "Network.*"))
	ctx := context.Background()

	out, _ := tr(ctx, event("Network.requestWillBeSent", `{}`, ""))
	assert.NotNil(t, out)
	out, _ = tr(ctx, event("Page.loadEventFired", `{}`, ""))
	assert.Nil(t, out)
	out, _ = tr(ctx, message.New(message.SourceTool, message.ResponsePayload{ID: json.RawMessage(`1`)}))
	assert.NotNil(t, out, "messages without a method pass")
}

func TestMap(t *testing.T) {
	tr := Map(func(m *message.Message) *message.Message {
		c := m.Clone()
		c.Priority = message.PriorityHigh
		return c
	})
	out, err := tr(context.Background(), request("page/reload", `{}`))
	require.NoError(t, err)
	assert.Equal(t, message.PriorityHigh, out.Priority)
}

func TestEnrich(t *testing.T) {
	tr := Enrich(EnrichOptions{
		Metadata: map[string]any{"origin": "test"},
		Params:   map[string]any{"page.url": "https://example.com/", "returnByValue": true},
	})
	msg := request("runtime/evaluate", `{"expression":"1"}`)
	msg.Metadata = map[string]any{"keep": 1}

	out, err := tr(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"keep": 1, "origin": "test"}, out.Metadata)
	assert.JSONEq(t, `{"expression":"1","returnByValue":true,"page":{"url":"https://example.com/"}}`, string(out.Params()))
	assert.Equal(t, map[string]any{"keep": 1}, msg.Metadata, "input not mutated")
	assert.JSONEq(t, `{"expression":"1"}`, string(msg.Params()))

	out, err = tr(context.Background(), event("Page.loadEventFired", "", ""))
	require.NoError(t, err)
	assert.JSONEq(t, `{"returnByValue":true,"page":{"url":"https://example.com/"}}`, string(out.Params()))

	res := message.New(message.SourceInspector, message.ResultPayload{CommandID: 1})
	out, err = tr(context.Background(), res)
	require.NoError(t, err)
	assert.Equal(t, "test", out.Meta("origin"))
	assert.Nil(t, out.Params())
}

func TestEnrichWithNothingToAddKeepsMessage(t *testing.T) {
	ctx := context.Background()
	msg := request("runtime/evaluate", `{"expression":"1"}`)

	out, err := Enrich(EnrichOptions{})(ctx, msg)
	require.NoError(t, err)
	assert.Same(t, msg, out)

	res := message.New(message.SourceInspector, message.ResultPayload{CommandID: 1})
	out, err = Enrich(EnrichOptions{Params: map[string]any{"a": 1}})(ctx, res)
	require.NoError(t, err)
	assert.Same(t, res, out, "results carry no params")
}

func TestBatcherPassesBatchesThrough(t *testing.T) {
	b := NewBatcher(2, time.Hour, nil)
	tr := b.Transform()
	_, _ = tr(context.Background(), event("Log.entryAdded", `{}`, ""))
	batch, err := tr(context.Background(), event("Log.entryAdded", `{}`, ""))
	require.NoError(t, err)
	require.NotNil(t, batch)

	out, err := tr(context.Background(), batch)
	require.NoError(t, err)
	assert.Same(t, batch, out)
	assert.Equal(t, 0, b.Pending())
}

func TestRateLimit(t *testing.T) {
	ctx := context.Background()
	passed := 0
	tr := RateLimit(3)
	for i := 0; i < 5; i++ {
		out, err := tr(ctx, request("page/reload", `{}`))
		require.NoError(t, err)
		if out != nil {
			passed++
		}
	}
	assert.Equal(t, 3, passed)

	result := message.New(message.SourceInspector, message.ResultPayload{Method: "Page.reload"})
	out, err := tr(ctx, result)
	require.NoError(t, err)
	assert.Same(t, result, out, "derived messages are not limited")

	unlimited := RateLimit(0)
	for i := 0; i < 100; i++ {
		out, _ := unlimited(ctx, request("page/reload", `{}`))
		require.NotNil(t, out)
	}
}

func TestRateLimitWindowSlides(t *testing.T) {
	now := time.Unix(1000, 0)
	l := &rateLimiter{limit: 2, window: time.Second, now: func() time.Time { return now }}

	assert.True(t, l.allow())
	now = now.Add(400 * time.Millisecond)
	assert.True(t, l.allow())
	assert.False(t, l.allow())

	now = now.Add(700 * time.Millisecond) // first stamp leaves the window
	assert.True(t, l.allow())
	assert.False(t, l.allow())
}

func TestBatcherSizeFlush(t *testing.T) {
	b := NewBatcher(3, time.Hour, nil)
	tr := b.Transform()
	ctx := context.Background()

	var msgs []*message.Message
	for i := 0; i < 2; i++ {
		m := event("Network.requestWillBeSent", `{}`, "")
		msgs = append(msgs, m)
		out, err := tr(ctx, m)
		require.NoError(t, err)
		assert.Nil(t, out)
	}
	assert.Equal(t, 2, b.Pending())

	last := event("Network.responseReceived", `{}`, "")
	msgs = append(msgs, last)
	out, err := tr(ctx, last)
	require.NoError(t, err)
	require.NotNil(t, out)

	assert.Equal(t, message.TypeInternal, out.Type)
	assert.Equal(t, message.SourceRouter, out.Source)
	assert.Equal(t, msgs, out.Payload.(message.BatchPayload).Messages)
	assert.Equal(t, 3, out.Metadata["batch_size"])
	assert.Equal(t, 0, b.Pending())
	require.NoError(t, b.Close(ctx))
}

func TestBatcherTimeoutFlushesToSink(t *testing.T) {
	var mu sync.Mutex
	var flushed []*message.Message
	done := make(chan struct{})
	b := NewBatcher(10, 20*time.Millisecond, func(_ context.Context, m *message.Message) error {
		mu.Lock()
		flushed = append(flushed, m)
		mu.Unlock()
		close(done)
		return nil
	})
	tr := b.Transform()

	_, _ = tr(context.Background(), event("Log.entryAdded", `{}`, ""))
	_, _ = tr(context.Background(), event("Log.entryAdded", `{}`, ""))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("batch was not flushed")
	}
	mu.Lock()
	require.Len(t, flushed, 1)
	assert.Len(t, flushed[0].Payload.(message.BatchPayload).Messages, 2)
	mu.Unlock()
	assert.Equal(t, 0, b.Pending())
}

func TestBatcherCloseFlushesPartial(t *testing.T) {
	var got *message.Message
	b := NewBatcher(10, time.Hour, func(_ context.Context, m *message.Message) error {
		got = m
		return nil
	})
	_, _ = b.Transform()(context.Background(), event("Log.entryAdded", `{}`, ""))

	require.NoError(t, b.Close(context.Background()))
	require.NotNil(t, got)
	assert.Len(t, got.Payload.(message.BatchPayload).Messages, 1)

	passthrough := event("Log.entryAdded", `{}`, "")
	out, err := b.Transform()(context.Background(), passthrough)
	require.NoError(t, err)
	assert.Same(t, passthrough, out)
}
