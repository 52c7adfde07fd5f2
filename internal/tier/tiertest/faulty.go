package tiertest

import (
	"context"
	"errors"
	"sync"

	"github.com/gftdcojp/objtier/internal/tier"
)

// ErrInjected is returned by operations failed through a Faulty backend.
var ErrInjected = errors.New("injected backend failure")

// Op names an operation a Faulty backend can fail.
type Op string

const (
	OpGet             Op = "get"
	OpHead            Op = "head"
	OpPut             Op = "put"
	OpDelete          Op = "delete"
	OpContainerExists Op = "container_exists"
	OpCreateContainer Op = "create_container"
	OpListContainers  Op = "list_containers"
	OpListObjects     Op = "list_objects"
)

type faultKey struct {
	op     Op
	target string
}

// Faulty wraps a backend and fails chosen operations. Object operations are
// keyed by "container/name", container operations by the container name and
// ListContainers by the empty string.
type Faulty struct {
	inner tier.Backend

	mu     sync.Mutex
	faults map[faultKey]error
	calls  []Call
}

// Call records an operation that reached the wrapper.
type Call struct {
	Op     Op
	Target string
}

func NewFaulty(inner tier.Backend) *Faulty {
	return &Faulty{inner: inner, faults: make(map[faultKey]error)}
}

// Fail makes op on target return err (ErrInjected when err is nil).
func (f *Faulty) Fail(op Op, target string, err error) {
	if err == nil {
		err = ErrInjected
	}
	f.mu.Lock()
	f.faults[faultKey{op, target}] = err
	f.mu.Unlock()
}

// Heal removes every injected failure.
func (f *Faulty) Heal() {
	f.mu.Lock()
	f.faults = make(map[faultKey]error)
	f.mu.Unlock()
}

// Calls returns the operations observed so far.
func (f *Faulty) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

func (f *Faulty) check(op Op, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{op, target})
	return f.faults[faultKey{op, target}]
}

func (f *Faulty) GetObject(ctx context.Context, container, name string, opts tier.GetOptions) (*tier.Object, error) {
	if err := f.check(OpGet, container+"/"+name); err != nil {
		return nil, err
	}
	return f.inner.GetObject(ctx, container, name, opts)
}

func (f *Faulty) HeadObject(ctx context.Context, container, name string) (*tier.ObjectMetadata, error) {
	if err := f.check(OpHead, container+"/"+name); err != nil {
		return nil, err
	}
	return f.inner.HeadObject(ctx, container, name)
}

func (f *Faulty) PutObject(ctx context.Context, obj *tier.Object) (string, error) {
	if err := f.check(OpPut, obj.Container+"/"+obj.Name); err != nil {
		if obj.Body != nil {
			obj.Body.Close()
		}
		return "", err
	}
	return f.inner.PutObject(ctx, obj)
}

func (f *Faulty) DeleteObject(ctx context.Context, container, name string) error {
	if err := f.check(OpDelete, container+"/"+name); err != nil {
		return err
	}
	return f.inner.DeleteObject(ctx, container, name)
}

func (f *Faulty) ContainerExists(ctx context.Context, container string) (bool, error) {
	if err := f.check(OpContainerExists, container); err != nil {
		return false, err
	}
	return f.inner.ContainerExists(ctx, container)
}

func (f *Faulty) CreateContainer(ctx context.Context, loc tier.Location, container string) (bool, error) {
	if err := f.check(OpCreateContainer, container); err != nil {
		return false, err
	}
	return f.inner.CreateContainer(ctx, loc, container)
}

func (f *Faulty) DeleteContainer(ctx context.Context, container string) error {
	return f.inner.DeleteContainer(ctx, container)
}

func (f *Faulty) ListContainers(ctx context.Context, marker string) (tier.ContainerPage, error) {
	if err := f.check(OpListContainers, ""); err != nil {
		return tier.ContainerPage{}, err
	}
	return f.inner.ListContainers(ctx, marker)
}

func (f *Faulty) ListObjects(ctx context.Context, container string, opts tier.ListOptions) (tier.ObjectPage, error) {
	if err := f.check(OpListObjects, container); err != nil {
		return tier.ObjectPage{}, err
	}
	return f.inner.ListObjects(ctx, container, opts)
}

func (f *Faulty) Close() error {
	return f.inner.Close()
}
