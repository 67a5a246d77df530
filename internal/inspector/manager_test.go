package inspector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/standardbeagle/devbridge/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

func fakeDialer(fb *testutil.FakeBrowser) Dialer {
	return DialerFunc(func(ctx context.Context, _ Endpoint) (Transport, error) {
		c, err := fb.Dial(ctx)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
}

var fakeResolver = ResolverFunc(func(context.Context, ConnectionConfig) (Endpoint, error) {
	return Endpoint{URL: "ws://fake/devtools/browser"}, nil
})

func newTestManager(t *testing.T, fb *testutil.FakeBrowser, mutate func(*Config), opts ...Option) *Manager {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Connection.AutoAttach = false
	cfg.Retry.Enabled = false
	cfg.Domains = nil
	cfg.CommandTimeout = 2 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	opts = append([]Option{WithDialer(fakeDialer(fb)), WithResolver(fakeResolver)}, opts...)
	m := NewManager(cfg, opts...)
	t.Cleanup(m.Disconnect)
	return m
}

func attachAs(sessionID string) testutil.Responder {
	return func(f testutil.Frame) (any, *testutil.ErrorObject) {
		return map[string]any{"sessionId": sessionID}, nil
	}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// TestSessionLifecycle walks a session from attach to detach
func TestSessionLifecycle(t *testing.T) {
	ctx := testContext(t)
	fb := testutil.NewFakeBrowser()
	fb.Handle("Target.attachToTarget", attachAs("S1"))
	m := newTestManager(t, fb, nil)

	_, err := m.CreateSession(ctx, "T1")
	var cerr *ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, m.Connect(ctx))
	assert.Equal(t, StateConnected, m.State())

	s, err := m.CreateSession(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, "S1", s.ID())
	assert.Equal(t, "T1", s.TargetInfo().TargetID)
	assert.Equal(t, []*Session{s}, m.GetAllSessions())
	assert.Same(t, s, m.GetSession("S1"))

	attach := fb.FramesFor("Target.attachToTarget")
	require.Len(t, attach, 1)
	assert.Equal(t, "T1", attach[0].Param("targetId"))
	assert.Equal(t, true, attach[0].Param("flatten"))

	destroyed := make(chan string, 1)
	m.Subscribe(SessionDestroyed, func(n Notice) {
		destroyed <- n.(SessionNotice).SessionID
	})

	fb.Emit("Target.detachedFromTarget", map[string]any{"sessionId": "S1"}, "")

	assert.Equal(t, "S1", testutil.Receive(t, destroyed, time.Second))
	assert.True(t, s.IsDestroyed())
	assert.Nil(t, m.GetSession("S1"))
	assert.Empty(t, m.GetAllSessions())

	_, err = s.Send(ctx, Command{Method: "Runtime.enable"})
	assert.ErrorIs(t, err, ErrSessionDestroyed)
	var perr *ProtocolError
	assert.ErrorAs(t, err, &perr)
}

func TestCreateSessionReusesAutoAttachedSession(t *testing.T) {
	ctx := testContext(t)
	fb := testutil.NewFakeBrowser()
	fb.Handle("Target.attachToTarget", func(f testutil.Frame) (any, *testutil.ErrorObject) {
		// the browser announces the attach before answering
		fb.Emit("Target.attachedToTarget", map[string]any{
			"sessionId":  "S7",
			"targetInfo": map[string]any{"targetId": "T7", "type": "page", "url": "https://example.com/"},
		}, "")
		return map[string]any{"sessionId": "S7"}, nil
	})
	m := newTestManager(t, fb, nil)
	require.NoError(t, m.Connect(ctx))

	s, err := m.CreateSession(ctx, "T7")
	require.NoError(t, err)

	testutil.RequireEventually(t, time.Second, func() bool {
		return s.TargetInfo().URL == "https://example.com/"
	}, "target info from attach event")
	assert.Len(t, m.GetAllSessions(), 1)
}

func TestCreateSessionProtocolError(t *testing.T) {
	ctx := testContext(t)
	fb := testutil.NewFakeBrowser()
	fb.Handle("Target.attachToTarget", func(f testutil.Frame) (any, *testutil.ErrorObject) {
		return nil, &testutil.ErrorObject{Code: -32602, Message: "No target with given id found"}
	})
	m := newTestManager(t, fb, nil)
	require.NoError(t, m.Connect(ctx))

	_, err := m.CreateSession(ctx, "missing")
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, err.Error(), "No target with given id found")
	assert.Empty(t, m.GetAllSessions())
}

func TestSendUnknownSession(t *testing.T) {
	ctx := testContext(t)
	m := newTestManager(t, testutil.NewFakeBrowser(), nil)
	require.NoError(t, m.Connect(ctx))

	_, err := m.Send(ctx, Command{Method: "Runtime.evaluate", SessionID: "nope"})
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestSendSoftErrorAndIDs(t *testing.T) {
	ctx := testContext(t)
	fb := testutil.NewFakeBrowser()
	fb.Handle("Page.bogus", func(f testutil.Frame) (any, *testutil.ErrorObject) {
		return nil, &testutil.ErrorObject{Code: -32601, Message: "'Page.bogus' wasn't found"}
	})
	m := newTestManager(t, fb, nil)
	require.NoError(t, m.Connect(ctx))

	res, err := m.Send(ctx, Command{Method: "Page.bogus"})
	require.NoError(t, err, "inspector errors are soft")
	require.NotNil(t, res.Error)
	assert.Equal(t, -32601, res.Error.Code)

	_, err = m.Send(ctx, Command{Method: "Browser.getVersion"})
	require.NoError(t, err)

	frames := fb.Frames()
	require.Len(t, frames, 2)
	assert.Less(t, frames[0].ID, frames[1].ID, "ids increase monotonically")
}

func TestSendTimeout(t *testing.T) {
	ctx := testContext(t)
	fb := testutil.NewFakeBrowser()
	fb.Ignore("Browser.hang")
	m := newTestManager(t, fb, func(c *Config) { c.CommandTimeout = 50 * time.Millisecond })
	require.NoError(t, m.Connect(ctx))

	_, err := m.Send(ctx, Command{Method: "Browser.hang"})
	var terr *TimeoutError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "Browser.hang", terr.Method)
	assert.Equal(t, 0, m.PendingCount())
}

func TestSendContextCancelled(t *testing.T) {
	fb := testutil.NewFakeBrowser()
	fb.Ignore("Browser.hang")
	m := newTestManager(t, fb, nil)
	require.NoError(t, m.Connect(testContext(t)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.Send(ctx, Command{Method: "Browser.hang"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, m.PendingCount())
}

func TestSendWhenDisconnected(t *testing.T) {
	m := newTestManager(t, testutil.NewFakeBrowser(), nil)

	_, err := m.Send(testContext(t), Command{Method: "Browser.getVersion"})
	var cerr *ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestDisconnectFailsPendingAndDestroysSessions(t *testing.T) {
	ctx := testContext(t)
	fb := testutil.NewFakeBrowser()
	fb.Handle("Target.attachToTarget", attachAs("S1"))
	fb.Ignore("Browser.hang")
	m := newTestManager(t, fb, nil)
	require.NoError(t, m.Connect(ctx))
	s, err := m.CreateSession(ctx, "T1")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Send(ctx, Command{Method: "Browser.hang"})
		errCh <- err
	}()
	testutil.WaitForCount(t, time.Second, m.PendingCount, 1)

	m.Disconnect()
	m.Disconnect()

	err = testutil.Receive(t, errCh, time.Second)
	var cerr *ConnectionError
	assert.ErrorAs(t, err, &cerr)
	assert.True(t, s.IsDestroyed())
	assert.Empty(t, m.GetAllSessions())
	assert.Equal(t, StateDisconnected, m.State())

	err = m.AwaitConnected(ctx)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestTransportLossFailsPendingAndDestroysSessions(t *testing.T) {
	ctx := testContext(t)
	fb := testutil.NewFakeBrowser()
	fb.Handle("Target.attachToTarget", attachAs("S1"))
	fb.Ignore("Browser.hang")
	m := newTestManager(t, fb, nil)
	require.NoError(t, m.Connect(ctx))
	s, err := m.CreateSession(ctx, "T1")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Send(ctx, Command{Method: "Browser.hang"})
		errCh <- err
	}()
	testutil.WaitForCount(t, time.Second, m.PendingCount, 1)

	fb.Drop()

	err = testutil.Receive(t, errCh, time.Second)
	var cerr *ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, ErrorClassConnReset, cerr.Class)

	testutil.RequireEventually(t, time.Second, s.IsDestroyed, "session destroyed on transport loss")
	assert.Equal(t, StateError, m.State())

	// retries are disabled, so the loss is final
	err = m.AwaitConnected(ctx)
	require.ErrorAs(t, err, &cerr)
	assert.False(t, cerr.Exhausted)
}

func TestAttachQueuedBeforeTransportLossIsIgnored(t *testing.T) {
	ctx := testContext(t)
	fb := testutil.NewFakeBrowser()
	m := newTestManager(t, fb, nil)
	require.NoError(t, m.Connect(ctx))

	release := make(chan struct{})
	unblock := sync.OnceFunc(func() { close(release) })
	t.Cleanup(unblock)
	var once sync.Once
	m.Subscribe(EventReceived, func(Notice) {
		once.Do(func() { <-release })
	})

	fb.Emit("Page.loadEventFired", map[string]any{"timestamp": 1}, "")
	fb.Emit("Target.attachedToTarget", map[string]any{
		"sessionId":  "S9",
		"targetInfo": map[string]any{"targetId": "T9", "type": "page"},
	}, "")
	fb.Emit("Page.frameStoppedLoading", map[string]any{"frameId": "F1"}, "")

	queued := func() int {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.conn == nil {
			return 0
		}
		return m.conn.queue.size()
	}
	// the first event is held by the subscriber, the other two wait behind it
	testutil.WaitForCount(t, time.Second, m.Events().Len, 1)
	testutil.WaitForCount(t, time.Second, queued, 2)

	fb.Drop()
	testutil.RequireEventually(t, time.Second, func() bool { return m.State() == StateError }, "transport loss noticed")
	unblock()

	testutil.WaitForCount(t, time.Second, m.Events().Len, 3)
	assert.Nil(t, m.GetSession("S9"))
	assert.Empty(t, m.GetAllSessions())
}

func TestTransportLossReconnects(t *testing.T) {
	ctx := testContext(t)
	fb := testutil.NewFakeBrowser()
	m := newTestManager(t, fb, func(c *Config) {
		c.Retry = RetryConfig{Enabled: true, MaxAttempts: 3, Delay: 10 * time.Millisecond, BackoffFactor: 1}
	})
	require.NoError(t, m.Connect(ctx))

	fb.Drop()

	testutil.RequireEventually(t, 2*time.Second, func() bool {
		return fb.Dials() == 2 && m.State() == StateConnected
	}, "reconnected after transport loss")
	require.NoError(t, m.AwaitConnected(ctx))

	_, err := m.Send(ctx, Command{Method: "Browser.getVersion"})
	assert.NoError(t, err)

	var states []ConnectionState
	for _, tr := range m.StateHistory() {
		states = append(states, tr.To)
	}
	assert.Equal(t, []ConnectionState{StateConnecting, StateConnected, StateError, StateConnecting, StateConnected}, states)
}

// TestReconnectBackoffSchedule tests the exponential reconnect delays and the exhausted error
func TestReconnectBackoffSchedule(t *testing.T) {
	ctx := testContext(t)
	fb := testutil.NewFakeBrowser()
	fb.FailDials(-1, errors.New("dial tcp 127.0.0.1:9222: connect: connection refused"))
	m := newTestManager(t, fb, func(c *Config) {
		c.Retry = RetryConfig{Enabled: true, MaxAttempts: 3, Delay: 100 * time.Millisecond, BackoffFactor: 2}
	})

	var mu sync.Mutex
	var delays []time.Duration
	var attempts []int
	m.Subscribe(ReconnectScheduled, func(n Notice) {
		rn := n.(ReconnectNotice)
		mu.Lock()
		delays = append(delays, rn.Delay)
		attempts = append(attempts, rn.Attempt)
		mu.Unlock()
	})

	require.NoError(t, m.Connect(ctx), "a scheduled retry is not a failure yet")

	err := m.AwaitConnected(ctx)
	var cerr *ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.True(t, cerr.Exhausted)
	assert.Equal(t, 3, cerr.Attempt)
	assert.Equal(t, ErrorClassConnRefused, cerr.Class)
	assert.ErrorIs(t, err, ErrRetriesExhausted)

	mu.Lock()
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}, delays)
	assert.Equal(t, []int{1, 2, 3}, attempts)
	mu.Unlock()

	assert.Equal(t, 4, fb.Dials())
	assert.Equal(t, StateError, m.State())
}

func TestConnectWithoutRetryReturnsError(t *testing.T) {
	ctx := testContext(t)
	fb := testutil.NewFakeBrowser()
	fb.FailDials(1, errors.New("connection refused"))
	m := newTestManager(t, fb, nil)

	failed := make(chan *ConnectionError, 1)
	m.Subscribe(ConnectionFailed, func(n Notice) { failed <- n.(FailureNotice).Err })

	err := m.Connect(ctx)
	var cerr *ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.False(t, cerr.Exhausted)
	assert.Same(t, cerr, testutil.Receive(t, failed, time.Second))

	// a manual connect starts over
	require.NoError(t, m.Connect(ctx))
	assert.Equal(t, StateConnected, m.State())
}

func TestDisconnectCancelsScheduledReconnect(t *testing.T) {
	ctx := testContext(t)
	fb := testutil.NewFakeBrowser()
	fb.FailDials(-1, errors.New("connection refused"))
	m := newTestManager(t, fb, func(c *Config) {
		c.Retry = RetryConfig{Enabled: true, MaxAttempts: 5, Delay: 50 * time.Millisecond, BackoffFactor: 1}
	})

	require.NoError(t, m.Connect(ctx))
	m.Disconnect()
	time.Sleep(120 * time.Millisecond)

	assert.Equal(t, 1, fb.Dials())
	assert.Equal(t, StateDisconnected, m.State())
}

func TestBackoff(t *testing.T) {
	r := RetryConfig{Delay: 100 * time.Millisecond, BackoffFactor: 2}
	assert.Equal(t, 100*time.Millisecond, r.Backoff(0))
	assert.Equal(t, 200*time.Millisecond, r.Backoff(1))
	assert.Equal(t, 400*time.Millisecond, r.Backoff(2))

	r.MaxDelay = 300 * time.Millisecond
	assert.Equal(t, 300*time.Millisecond, r.Backoff(2))

	r = RetryConfig{Delay: time.Second}
	assert.Equal(t, time.Second, r.Backoff(4), "missing factor means constant delay")
}

// TestEventDispatchOrder tests arrival-order delivery, buffering and Send from within a handler
func TestEventDispatchOrder(t *testing.T) {
	ctx := testContext(t)
	fb := testutil.NewFakeBrowser()
	m := newTestManager(t, fb, nil, WithEventBufferSize(5))
	require.NoError(t, m.Connect(ctx))

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	m.Subscribe(EventReceived, func(n Notice) {
		ev := n.(EventNotice).Event
		if ev.Method == "Test.first" {
			_, err := m.Send(context.Background(), Command{Method: "Browser.getVersion"})
			assert.NoError(t, err)
		}
		assert.False(t, ev.Timestamp.IsZero())
		mu.Lock()
		got = append(got, ev.Method)
		mu.Unlock()
		if ev.Method == "Test.last" {
			close(done)
		}
	})

	want := []string{"Test.first"}
	fb.Emit("Test.first", map[string]any{}, "")
	for i := 0; i < 10; i++ {
		method := fmt.Sprintf("Test.e%d", i)
		want = append(want, method)
		fb.Emit(method, map[string]any{"n": i}, "")
	}
	want = append(want, "Test.last")
	fb.Emit("Test.last", nil, "")

	testutil.Receive(t, done, 2*time.Second)

	mu.Lock()
	assert.Equal(t, want, got)
	mu.Unlock()

	var buffered []string
	for _, ev := range m.Events().All() {
		buffered = append(buffered, ev.Method)
	}
	assert.Equal(t, want[len(want)-5:], buffered)
	assert.Equal(t, uint64(len(want)), m.Events().TotalPushed())
}

func TestTargetNotices(t *testing.T) {
	ctx := testContext(t)
	fb := testutil.NewFakeBrowser()
	m := newTestManager(t, fb, nil)
	require.NoError(t, m.Connect(ctx))

	got := make(chan TargetNotice, 3)
	m.SubscribeAll(func(n Notice) {
		if tn, ok := n.(TargetNotice); ok {
			got <- tn
		}
	})

	info := map[string]any{"targetId": "T1", "type": "page", "title": "New Tab", "url": "about:blank"}
	fb.Emit("Target.targetCreated", map[string]any{"targetInfo": info}, "")
	fb.Emit("Target.targetInfoChanged", map[string]any{"targetInfo": info}, "")
	fb.Emit("Target.targetDestroyed", map[string]any{"targetId": "T1"}, "")

	created := testutil.Receive(t, got, time.Second)
	assert.Equal(t, TargetCreatedKind, created.Type())
	assert.Equal(t, "New Tab", created.Target.Title)
	assert.Equal(t, TargetChangedKind, testutil.Receive(t, got, time.Second).Type())
	destroyed := testutil.Receive(t, got, time.Second)
	assert.Equal(t, TargetDestroyedKind, destroyed.Type())
	assert.Equal(t, "T1", destroyed.Target.TargetID)
}

func TestAutoAttachPreloadsDomains(t *testing.T) {
	ctx := testContext(t)
	fb := testutil.NewFakeBrowser()
	m := newTestManager(t, fb, func(c *Config) {
		c.Connection.AutoAttach = true
		c.Connection.FlattenSessions = true
		c.Domains = []string{"Page", "Runtime"}
	})
	require.NoError(t, m.Connect(ctx))

	require.Equal(t, 1, fb.Count("Target.setDiscoverTargets"))
	autoAttach := fb.FramesFor("Target.setAutoAttach")
	require.Len(t, autoAttach, 1)
	assert.Equal(t, true, autoAttach[0].Param("autoAttach"))
	assert.Equal(t, false, autoAttach[0].Param("waitForDebuggerOnStart"))
	assert.Equal(t, true, autoAttach[0].Param("flatten"))

	fb.Emit("Target.attachedToTarget", map[string]any{
		"sessionId":  "A1",
		"targetInfo": map[string]any{"targetId": "T9", "type": "page", "url": "https://example.com/"},
	}, "")

	testutil.RequireEventually(t, time.Second, func() bool {
		s := m.GetSession("A1")
		return s != nil && len(s.EnabledDomains()) == 2
	}, "auto-attached session with preloaded domains")

	s := m.GetSession("A1")
	assert.Equal(t, []string{"Page", "Runtime"}, s.EnabledDomains())
	assert.Equal(t, "https://example.com/", s.TargetInfo().URL)
	for _, f := range fb.FramesFor("Page.enable") {
		assert.Equal(t, "A1", f.SessionID)
	}
}

func TestRootDomainEnableIsIdempotent(t *testing.T) {
	ctx := testContext(t)
	fb := testutil.NewFakeBrowser()
	m := newTestManager(t, fb, nil)
	require.NoError(t, m.Connect(ctx))

	d, ok := m.Domains().Get("Target")
	require.True(t, ok)
	require.NoError(t, d.Enable(ctx, ""))
	require.NoError(t, d.Enable(ctx, ""))
	assert.Equal(t, 1, fb.Count("Target.enable"))

	require.NoError(t, d.Disable(ctx, ""))
	assert.Equal(t, 1, fb.Count("Target.disable"))
}

func TestTargetsAndCreateTarget(t *testing.T) {
	ctx := testContext(t)
	fb := testutil.NewFakeBrowser()
	fb.Handle("Target.getTargets", func(f testutil.Frame) (any, *testutil.ErrorObject) {
		return map[string]any{"targetInfos": []map[string]any{
			{"targetId": "T1", "type": "page", "url": "about:blank", "attached": true},
			{"targetId": "T2", "type": "service_worker", "url": "https://example.com/sw.js"},
		}}, nil
	})
	fb.Handle("Target.createTarget", func(f testutil.Frame) (any, *testutil.ErrorObject) {
		return map[string]any{"targetId": "T3"}, nil
	})
	m := newTestManager(t, fb, nil)
	require.NoError(t, m.Connect(ctx))

	targets, err := m.Targets(ctx)
	require.NoError(t, err)
	require.Len(t, targets, 2)
	assert.True(t, targets[0].Attached)
	assert.Equal(t, "service_worker", targets[1].Type)

	id, err := m.CreateTarget(ctx, "https://example.com/")
	require.NoError(t, err)
	assert.Equal(t, "T3", id)
	assert.Equal(t, "https://example.com/", fb.FramesFor("Target.createTarget")[0].Param("url"))

	require.NoError(t, m.CloseTarget(ctx, "T3"))
	assert.Equal(t, "T3", fb.FramesFor("Target.closeTarget")[0].Param("targetId"))
}

func TestStateNoticesAndStats(t *testing.T) {
	ctx := testContext(t)
	fb := testutil.NewFakeBrowser()
	m := newTestManager(t, fb, nil)

	var mu sync.Mutex
	var transitions []string
	m.Subscribe(StateChanged, func(n Notice) {
		tr := n.(StateNotice).Transition
		mu.Lock()
		transitions = append(transitions, tr.From.String()+"->"+tr.To.String())
		mu.Unlock()
	})

	require.NoError(t, m.Connect(ctx))
	require.NoError(t, m.Connect(ctx), "connect while connected is a no-op")
	m.Disconnect()

	mu.Lock()
	assert.Equal(t, []string{"disconnected->connecting", "connecting->connected", "connected->disconnected"}, transitions)
	mu.Unlock()
	assert.Equal(t, 1, fb.Dials())

	stats := m.Stats()
	assert.Equal(t, "disconnected", stats["state"])
	assert.Equal(t, 0, stats["sessions"])
}
