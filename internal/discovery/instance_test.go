package discovery

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testInstance(id string) *Instance {
	return &Instance{
		ID:       id,
		Listen:   "127.0.0.1:7878",
		Endpoint: "ws://127.0.0.1:9222/devtools/browser/abc",
		PID:      os.Getpid(),
	}
}

func TestRegisterAndList(t *testing.T) {
	reg := NewRegistry(t.TempDir())

	first := testInstance("first")
	first.StartedAt = time.Now().Add(-time.Minute)
	require.NoError(t, reg.Register(first))
	require.NoError(t, reg.Register(testInstance("second")))

	instances, err := reg.List()
	require.NoError(t, err)
	require.Len(t, instances, 2)
	assert.Equal(t, "first", instances[0].ID, "oldest first")
	assert.Equal(t, "second", instances[1].ID)
	assert.Equal(t, "ws://127.0.0.1:9222/devtools/browser/abc", instances[1].Endpoint)
	assert.False(t, instances[1].LastPing.IsZero())

	data, err := os.ReadFile(filepath.Join(reg.Dir(), "second.json"))
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Contains(t, raw, "browser_endpoint")
	assert.Contains(t, raw, "started_at")
}

func TestRegisterRejectsInvalid(t *testing.T) {
	reg := NewRegistry(t.TempDir())

	tests := []struct {
		name string
		inst *Instance
	}{
		{"missing id", &Instance{PID: 1}},
		{"path id", &Instance{ID: "../escape", PID: 1}},
		{"hidden id", &Instance{ID: ".lock", PID: 1}},
		{"no pid", &Instance{ID: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, reg.Register(tt.inst))
		})
	}
}

func TestUnregister(t *testing.T) {
	reg := NewRegistry(t.TempDir())
	require.NoError(t, reg.Register(testInstance("gone")))

	require.NoError(t, reg.Unregister("gone"))
	require.NoError(t, reg.Unregister("gone"), "missing file is not an error")

	instances, err := reg.List()
	require.NoError(t, err)
	assert.Empty(t, instances)
}

func TestPingUpdatesLastPing(t *testing.T) {
	reg := NewRegistry(t.TempDir())
	inst := testInstance("pinged")
	inst.LastPing = time.Now().Add(-time.Hour)
	require.NoError(t, reg.Register(inst))

	require.NoError(t, reg.Ping("pinged"))
	got, err := reg.Get("pinged")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), got.LastPing, 5*time.Second)

	assert.Error(t, reg.Ping("unknown"))
}

func TestListSkipsCorruptFiles(t *testing.T) {
	reg := NewRegistry(t.TempDir())
	require.NoError(t, reg.Register(testInstance("good")))
	require.NoError(t, os.WriteFile(filepath.Join(reg.Dir(), "bad.json"), []byte("{not json"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(reg.Dir(), "notes.txt"), []byte("x"), 0o644))

	instances, err := reg.List()
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, "good", instances[0].ID)
}

func TestListMissingDirectory(t *testing.T) {
	reg := NewRegistry(filepath.Join(t.TempDir(), "nested", "instances"))
	instances, err := reg.List()
	require.NoError(t, err)
	assert.Empty(t, instances)
}

func TestPruneRemovesStale(t *testing.T) {
	reg := NewRegistry(t.TempDir())

	fresh := testInstance("fresh")
	require.NoError(t, reg.Register(fresh))

	stale := testInstance("stale")
	stale.LastPing = time.Now().Add(-time.Hour)
	require.NoError(t, reg.Register(stale))

	removed, err := reg.Prune(time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"stale"}, removed)

	instances, err := reg.List()
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, "fresh", instances[0].ID)
}

func TestConcurrentRegistration(t *testing.T) {
	reg := NewRegistry(t.TempDir())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			inst := testInstance(string(rune('a' + n)))
			assert.NoError(t, reg.Register(inst))
			assert.NoError(t, reg.Ping(inst.ID))
		}(i)
	}
	wg.Wait()

	instances, err := reg.List()
	require.NoError(t, err)
	assert.Len(t, instances, 10)
}

func TestHeartbeat(t *testing.T) {
	reg := NewRegistry(t.TempDir())
	inst := testInstance("beat")
	inst.LastPing = time.Now().Add(-time.Hour)
	require.NoError(t, reg.Register(inst))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		reg.Heartbeat(ctx, "beat", 10*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		got, err := reg.Get("beat")
		return err == nil && time.Since(got.LastPing) < time.Minute
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	<-done
}

func TestWatchReportsChanges(t *testing.T) {
	reg := NewRegistry(t.TempDir())
	require.NoError(t, reg.Register(testInstance("existing")))

	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan []*Instance, 16)
	done := make(chan error, 1)
	go func() {
		done <- reg.Watch(ctx, func(instances []*Instance) {
			select {
			case updates <- instances:
			default:
			}
		})
	}()

	select {
	case initial := <-updates:
		require.Len(t, initial, 1)
		assert.Equal(t, "existing", initial[0].ID)
	case <-time.After(5 * time.Second):
		t.Fatal("no initial listing")
	}

	require.NoError(t, reg.Register(testInstance("added")))
	deadline := time.After(5 * time.Second)
	for {
		var got []*Instance
		select {
		case got = <-updates:
		case <-deadline:
			t.Fatal("registration not observed")
		}
		if len(got) == 2 {
			break
		}
	}

	cancel()
	require.NoError(t, <-done)
}
