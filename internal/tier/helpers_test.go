package tier_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gftdcojp/objtier/internal/memory"
	"github.com/gftdcojp/objtier/internal/tier"
	"go.uber.org/zap"
)

// manualScheduler records scheduled tasks so tests can run them on demand.
type manualScheduler struct {
	mu    sync.Mutex
	tasks []scheduledTask
}

type scheduledTask struct {
	name         string
	task         tier.Task
	initialDelay time.Duration
	delay        time.Duration
}

func (m *manualScheduler) ScheduleWithFixedDelay(name string, task tier.Task, initialDelay, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = append(m.tasks, scheduledTask{name, task, initialDelay, delay})
	return nil
}

func (m *manualScheduler) runAll(ctx context.Context) {
	m.mu.Lock()
	tasks := append([]scheduledTask(nil), m.tasks...)
	m.mu.Unlock()
	for _, st := range tasks {
		st.task(ctx)
	}
}

func newBackends(t *testing.T) (*memory.Store, *memory.Store) {
	t.Helper()
	hot := memory.NewStore(zap.NewNop())
	cold := memory.NewStore(zap.NewNop())
	t.Cleanup(func() {
		hot.Close()
		cold.Close()
	})
	return hot, cold
}

func newScanner(t *testing.T, hot, cold tier.Backend, ageDays int) *tier.Scanner {
	t.Helper()
	policy, err := tier.NewPolicy(ageDays)
	if err != nil {
		t.Fatal(err)
	}
	return tier.NewScanner(tier.ScannerConfig{
		Hot:    hot,
		Cold:   cold,
		Policy: policy,
		Logger: zap.NewNop(),
	})
}

// age backdates an object in a memory store.
func age(t *testing.T, s *memory.Store, container, name string, by time.Duration) {
	t.Helper()
	if err := s.Touch(container, name, time.Now().Add(-by)); err != nil {
		t.Fatalf("touching %s/%s: %v", container, name, err)
	}
}

func mustHave(t *testing.T, b tier.Backend, container, name string) {
	t.Helper()
	if _, err := b.HeadObject(context.Background(), container, name); err != nil {
		t.Fatalf("expected %s/%s to exist: %v", container, name, err)
	}
}

func mustNotHave(t *testing.T, b tier.Backend, container, name string) {
	t.Helper()
	_, err := b.HeadObject(context.Background(), container, name)
	if !tier.IsNotFound(err) {
		t.Fatalf("expected %s/%s to be absent, got err=%v", container, name, err)
	}
}

// hookedBackend runs a callback after each successful PutObject.
type hookedBackend struct {
	tier.Backend
	afterPut func(obj *tier.Object)
}

func (h *hookedBackend) PutObject(ctx context.Context, obj *tier.Object) (string, error) {
	etag, err := h.Backend.PutObject(ctx, obj)
	if err == nil && h.afterPut != nil {
		h.afterPut(obj)
	}
	return etag, err
}

// deleteGuard fails the test if an object is deleted from hot while cold
// does not hold it.
type deleteGuard struct {
	tier.Backend
	t    *testing.T
	cold tier.Backend
}

func (g *deleteGuard) DeleteObject(ctx context.Context, container, name string) error {
	if _, err := g.cold.HeadObject(ctx, container, name); err != nil {
		g.t.Errorf("deleting %s/%s from hot before cold holds it: %v", container, name, err)
	}
	return g.Backend.DeleteObject(ctx, container, name)
}
