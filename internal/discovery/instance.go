// Package discovery lets running gateways find each other through instance
// files in a per-user directory.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
)

const (
	DefaultDirMode  = 0o755
	DefaultFileMode = 0o644

	lockName       = ".discovery.lock"
	instanceSuffix = ".json"
)

// Instance describes one running gateway.
type Instance struct {
	ID         string    `json:"id"`
	Listen     string    `json:"listen"`
	Endpoint   string    `json:"browser_endpoint"`
	PID        int       `json:"pid"`
	Executable string    `json:"executable,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	LastPing   time.Time `json:"last_ping"`
}

func (i *Instance) validate() error {
	switch {
	case i.ID == "":
		return errors.New("instance missing id")
	case strings.ContainsAny(i.ID, `/\`) || strings.HasPrefix(i.ID, "."):
		return fmt.Errorf("instance id %q is not a valid file name", i.ID)
	case i.PID <= 0:
		return fmt.Errorf("instance %s has invalid pid %d", i.ID, i.PID)
	}
	return nil
}

// DefaultDir prefers XDG_RUNTIME_DIR and falls back to the temp directory.
func DefaultDir() string {
	if runtime := os.Getenv("XDG_RUNTIME_DIR"); runtime != "" {
		return filepath.Join(runtime, "devbridge", "instances")
	}
	return filepath.Join(os.TempDir(), "devbridge", "instances")
}

// Registry reads and writes instance files. Every operation holds an
// exclusive flock on the directory's lock file.
type Registry struct {
	dir         string
	lockTimeout time.Duration
	log         *zap.Logger
}

type Option func(*Registry)

func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

func WithLockTimeout(d time.Duration) Option {
	return func(r *Registry) { r.lockTimeout = d }
}

func NewRegistry(dir string, opts ...Option) *Registry {
	r := &Registry{dir: dir, lockTimeout: 30 * time.Second, log: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) Dir() string { return r.dir }

// Register writes inst, filling StartedAt and LastPing when unset.
func (r *Registry) Register(inst *Instance) error {
	if err := inst.validate(); err != nil {
		return err
	}
	now := time.Now()
	if inst.StartedAt.IsZero() {
		inst.StartedAt = now
	}
	if inst.LastPing.IsZero() {
		inst.LastPing = now
	}
	return r.withLock(func() error {
		return r.write(inst)
	})
}

// Unregister removes the instance file. A missing file is not an error.
func (r *Registry) Unregister(id string) error {
	return r.withLock(func() error {
		if err := os.Remove(r.path(id)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove instance file: %w", err)
		}
		return nil
	})
}

// Ping refreshes LastPing.
func (r *Registry) Ping(id string) error {
	return r.withLock(func() error {
		inst, err := r.read(id)
		if err != nil {
			return err
		}
		inst.LastPing = time.Now()
		return r.write(inst)
	})
}

// Get returns one instance.
func (r *Registry) Get(id string) (*Instance, error) {
	var inst *Instance
	err := r.withLock(func() error {
		var err error
		inst, err = r.read(id)
		return err
	})
	return inst, err
}

// List returns every readable instance, oldest first. Unreadable files are
// skipped and logged.
func (r *Registry) List() ([]*Instance, error) {
	var out []*Instance
	err := r.withLock(func() error {
		var err error
		out, err = r.listLocked()
		return err
	})
	return out, err
}

// Prune removes instances whose process is gone or whose last ping is older
// than maxAge. A zero maxAge only checks processes. It returns the removed
// ids.
func (r *Registry) Prune(maxAge time.Duration) ([]string, error) {
	var removed []string
	err := r.withLock(func() error {
		instances, err := r.listLocked()
		if err != nil {
			return err
		}
		now := time.Now()
		for _, inst := range instances {
			stale := maxAge > 0 && now.Sub(inst.LastPing) > maxAge
			if !stale && processAlive(inst.PID) {
				continue
			}
			if err := os.Remove(r.path(inst.ID)); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove instance file: %w", err)
			}
			removed = append(removed, inst.ID)
		}
		return nil
	})
	return removed, err
}

// Heartbeat pings id every interval until ctx is done.
func (r *Registry) Heartbeat(ctx context.Context, id string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Ping(id); err != nil {
				r.log.Warn("Instance ping failed", zap.String("instance", id), zap.Error(err))
			}
		}
	}
}

func (r *Registry) path(id string) string {
	return filepath.Join(r.dir, id+instanceSuffix)
}

func (r *Registry) withLock(fn func() error) error {
	if err := os.MkdirAll(r.dir, DefaultDirMode); err != nil {
		return fmt.Errorf("create instances directory: %w", err)
	}

	lock := flock.New(filepath.Join(r.dir, lockName))
	ctx, cancel := context.WithTimeout(context.Background(), r.lockTimeout)
	defer cancel()

	locked, err := lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("acquire discovery lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("acquire discovery lock: timed out after %v", r.lockTimeout)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			r.log.Warn("Failed to release discovery lock", zap.Error(err))
		}
	}()

	return fn()
}

// must hold the lock
func (r *Registry) read(id string) (*Instance, error) {
	data, err := os.ReadFile(r.path(id))
	if err != nil {
		return nil, fmt.Errorf("read instance %s: %w", id, err)
	}
	var inst Instance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, fmt.Errorf("decode instance %s: %w", id, err)
	}
	if err := inst.validate(); err != nil {
		return nil, err
	}
	return &inst, nil
}

// must hold the lock
func (r *Registry) write(inst *Instance) error {
	data, err := json.MarshalIndent(inst, "", "  ")
	if err != nil {
		return fmt.Errorf("encode instance: %w", err)
	}
	return writeFileAtomic(r.path(inst.ID), data, DefaultFileMode)
}

// must hold the lock
func (r *Registry) listLocked() ([]*Instance, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read instances directory: %w", err)
	}

	var out []*Instance
	for _, entry := range entries {
		id, ok := instanceID(entry)
		if !ok {
			continue
		}
		inst, err := r.read(id)
		if err != nil {
			r.log.Warn("Skipping unreadable instance file", zap.String("instance", id), zap.Error(err))
			continue
		}
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}

func instanceID(entry os.DirEntry) (string, bool) {
	name := entry.Name()
	if !entry.Type().IsRegular() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, instanceSuffix) {
		return "", false
	}
	id := strings.TrimSuffix(name, instanceSuffix)
	return id, id != ""
}

// writeFileAtomic writes through a temp file in the same directory and
// renames it over path.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-instance-")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if tmp != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	tmp = nil

	if err := os.Chmod(tmpPath, perm); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
