package inspector

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeCommand(t *testing.T) {
	data, err := encodeCommand(Command{ID: 3, Method: "Page.navigate", Params: map[string]any{"url": "https://example.com/"}, SessionID: "S1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":3,"method":"Page.navigate","params":{"url":"https://example.com/"},"sessionId":"S1"}`, string(data))

	data, err = encodeCommand(Command{ID: 4, Method: "Runtime.enable", Params: json.RawMessage(nil)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":4,"method":"Runtime.enable"}`, string(data))
}

func TestClassifyFrame(t *testing.T) {
	assert.Equal(t, frameResponse, classifyFrame([]byte(`{"id":1,"result":{}}`)))
	assert.Equal(t, frameResponse, classifyFrame([]byte(`{"id":2,"error":{"code":-32000,"message":"x"}}`)))
	assert.Equal(t, frameEvent, classifyFrame([]byte(`{"method":"Page.loadEventFired","params":{}}`)))
	assert.Equal(t, frameInvalid, classifyFrame([]byte(`{"params":{}}`)))
	assert.Equal(t, frameInvalid, classifyFrame([]byte(`not json`)))
}

func TestResultDecode(t *testing.T) {
	r := &Result{ID: 1, Result: json.RawMessage(`{"frameId":"F1"}`)}
	var out NavigateResult
	require.NoError(t, r.Decode(&out))
	assert.Equal(t, "F1", out.FrameID)
	assert.NoError(t, r.Decode(nil))

	r = &Result{ID: 2, Error: &ResponseError{Code: -32000, Message: "Cannot navigate"}}
	err := r.Decode(&out)
	var re *ResponseError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "Cannot navigate", re.Message)
}

func TestEventDecode(t *testing.T) {
	ev := Event{
		Method: "Target.attachedToTarget",
		Params: json.RawMessage(`{"sessionId":"S1","targetInfo":{"targetId":"T1","type":"page","url":"about:blank","attached":true},"waitingForDebugger":false}`),
	}
	p, err := ev.Decode()
	require.NoError(t, err)
	attached := p.(AttachedToTarget)
	assert.Equal(t, "S1", attached.SessionID)
	assert.Equal(t, "T1", attached.TargetInfo.TargetID)
	assert.Equal(t, "Target.attachedToTarget", attached.EventMethod())

	ev = Event{Method: "Runtime.exceptionThrown", Params: json.RawMessage(`{"timestamp":1,"exceptionDetails":{"exceptionId":1,"text":"Uncaught","lineNumber":3,"columnNumber":9}}`)}
	p, err = ev.Decode()
	require.NoError(t, err)
	assert.Equal(t, 3, p.(ExceptionThrown).ExceptionDetails.LineNumber)

	ev = Event{Method: "Animation.animationStarted", Params: json.RawMessage(`{"animation":{}}`)}
	p, err = ev.Decode()
	require.NoError(t, err)
	unknown := p.(UnknownParams)
	assert.Equal(t, "Animation.animationStarted", unknown.EventMethod())
	assert.JSONEq(t, `{"animation":{}}`, string(unknown.Raw))

	ev = Event{Method: "Network.loadingFailed", Params: json.RawMessage(`{"requestId":42}`), SessionID: "S1"}
	_, err = ev.Decode()
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "S1", perr.SessionID)
}

func TestBuildScript(t *testing.T) {
	script, err := BuildScript(`document.querySelector(%s).textContent = %s`, `a[href="x"]`, "</script>")
	require.NoError(t, err)
	assert.Equal(t, `document.querySelector("a[href=\"x\"]").textContent = "\u003c/script\u003e"`, script)

	_, err = BuildScript("%s", make(chan int))
	assert.ErrorContains(t, err, "script argument 0")
}

func TestStorageValue(t *testing.T) {
	for _, tt := range []struct {
		in   any
		want string
	}{
		{"plain", "plain"},
		{json.RawMessage(`{"a":1}`), `{"a":1}`},
		{42, "42"},
		{true, "true"},
		{[]string{"a"}, `["a"]`},
	} {
		got, err := storageValue(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestEventQueue(t *testing.T) {
	q := newEventQueue()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	q.push(Event{Method: "a"})
	q.push(Event{Method: "b"})
	assert.Equal(t, 2, q.size())

	q.close()
	q.push(Event{Method: "dropped"})

	ev, ok := q.pop(ctx)
	require.True(t, ok)
	assert.Equal(t, "a", ev.Method)
	ev, ok = q.pop(ctx)
	require.True(t, ok)
	assert.Equal(t, "b", ev.Method)
	_, ok = q.pop(ctx)
	assert.False(t, ok, "closed and drained")
}

func TestEventQueuePopHonoursContext(t *testing.T) {
	q := newEventQueue()
	ctx, cancel := context.WithCancel(context.Background())
	q.push(Event{Method: "a"})
	cancel()

	_, ok := q.pop(ctx)
	assert.False(t, ok)

	ctx, cancel = context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	empty := newEventQueue()
	_, ok = empty.pop(ctx)
	assert.False(t, ok)
}

func TestConnectionStateText(t *testing.T) {
	data, err := json.Marshal(map[string]ConnectionState{"s": StateConnected})
	require.NoError(t, err)
	assert.JSONEq(t, `{"s":"connected"}`, string(data))
	assert.Equal(t, "unknown", ConnectionState(99).String())
}
