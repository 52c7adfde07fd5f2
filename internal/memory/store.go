package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"maps"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gftdcojp/objtier/internal/tier"
	"go.uber.org/zap"
)

type entry struct {
	data []byte
	md   tier.ObjectMetadata
}

type container struct {
	createdAt time.Time
	objects   map[string]*entry
}

// Store implements tier.Backend in process memory.
type Store struct {
	mu         sync.RWMutex
	containers map[string]*container
	totalBytes int64
	now        func() time.Time
	logger     *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used to stamp last-modified times.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(logger *zap.Logger, opts ...Option) *Store {
	s := &Store{
		containers: make(map[string]*container),
		now:        time.Now,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) GetObject(_ context.Context, containerName, name string, opts tier.GetOptions) (*tier.Object, error) {
	s.mu.RLock()
	e, err := s.lookup(containerName, name)
	if err != nil {
		s.mu.RUnlock()
		return nil, err
	}
	md := cloneMetadata(e.md)
	// Stored payloads are never mutated after Put, so readers can share them.
	data := e.data
	s.mu.RUnlock()

	if err := tier.CheckConditions(&md, opts); err != nil {
		return nil, err
	}
	offset, length, err := tier.ResolveRange(opts.Range, int64(len(data)))
	if err != nil {
		return nil, err
	}

	md.Size = length
	return &tier.Object{
		ObjectMetadata: md,
		Body:           io.NopCloser(bytes.NewReader(data[offset : offset+length])),
	}, nil
}

func (s *Store) HeadObject(_ context.Context, containerName, name string) (*tier.ObjectMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, err := s.lookup(containerName, name)
	if err != nil {
		return nil, err
	}
	md := cloneMetadata(e.md)
	return &md, nil
}

func (s *Store) PutObject(_ context.Context, obj *tier.Object) (string, error) {
	if obj.Name == "" {
		return "", fmt.Errorf("empty object name: %w", tier.ErrInvalidName)
	}
	var data []byte
	if obj.Body != nil {
		var err error
		data, err = io.ReadAll(obj.Body)
		if err != nil {
			return "", fmt.Errorf("reading object payload: %w", err)
		}
	}

	md := cloneMetadata(obj.ObjectMetadata)
	md.Size = int64(len(data))
	md.ETag = strconv.FormatUint(xxhash.Sum64(data), 16)

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.containers[obj.Container]
	if !ok {
		return "", fmt.Errorf("%s: %w", obj.Container, tier.ErrContainerNotFound)
	}
	md.LastModified = s.now()
	if old, exists := c.objects[obj.Name]; exists {
		s.totalBytes -= int64(len(old.data))
	}
	c.objects[obj.Name] = &entry{data: data, md: md}
	s.totalBytes += md.Size

	s.logger.Debug("object stored in memory",
		zap.String("container", obj.Container),
		zap.String("name", obj.Name),
		zap.Int64("size", md.Size),
		zap.Int64("total_bytes", s.totalBytes),
	)

	return md.ETag, nil
}

func (s *Store) DeleteObject(_ context.Context, containerName, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.containers[containerName]
	if !ok {
		return nil
	}
	e, ok := c.objects[name]
	if !ok {
		return nil
	}
	s.totalBytes -= int64(len(e.data))
	delete(c.objects, name)
	return nil
}

func (s *Store) ContainerExists(_ context.Context, containerName string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.containers[containerName]
	return ok, nil
}

func (s *Store) CreateContainer(_ context.Context, _ tier.Location, containerName string) (bool, error) {
	if containerName == "" {
		return false, fmt.Errorf("empty container name: %w", tier.ErrInvalidName)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.containers[containerName]; ok {
		return false, nil
	}
	s.containers[containerName] = &container{
		createdAt: s.now(),
		objects:   make(map[string]*entry),
	}
	return true, nil
}

func (s *Store) DeleteContainer(_ context.Context, containerName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.containers[containerName]
	if !ok {
		return nil
	}
	if len(c.objects) > 0 {
		return fmt.Errorf("%s: %w", containerName, tier.ErrContainerNotEmpty)
	}
	delete(s.containers, containerName)
	return nil
}

func (s *Store) ListContainers(_ context.Context, marker string) (tier.ContainerPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.containers))
	for name := range s.containers {
		if name > marker {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var page tier.ContainerPage
	for _, name := range names {
		page.Containers = append(page.Containers, tier.ContainerInfo{
			Name:      name,
			CreatedAt: s.containers[name].createdAt,
		})
	}
	return page, nil
}

func (s *Store) ListObjects(_ context.Context, containerName string, opts tier.ListOptions) (tier.ObjectPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.containers[containerName]
	if !ok {
		return tier.ObjectPage{}, fmt.Errorf("%s: %w", containerName, tier.ErrContainerNotFound)
	}

	names := make([]string, 0, len(c.objects))
	for name := range c.objects {
		if name > opts.Marker && strings.HasPrefix(name, opts.Prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	maxKeys := opts.MaxKeys
	if maxKeys <= 0 {
		maxKeys = tier.DefaultMaxKeys
	}

	var page tier.ObjectPage
	for i, name := range names {
		if i == maxKeys {
			page.NextMarker = names[i-1]
			break
		}
		md := c.objects[name].md
		page.Objects = append(page.Objects, tier.ObjectInfo{
			Name:         name,
			Size:         md.Size,
			ETag:         md.ETag,
			LastModified: md.LastModified,
		})
	}
	return page, nil
}

func (s *Store) Ping(_ context.Context) error {
	return nil
}

// TotalBytes reports the payload bytes currently held.
func (s *Store) TotalBytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totalBytes
}

// Touch overrides the last-modified time of a stored object.
func (s *Store) Touch(containerName, name string, lastModified time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.lookup(containerName, name)
	if err != nil {
		return err
	}
	e.md.LastModified = lastModified
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.containers = make(map[string]*container)
	s.totalBytes = 0
	return nil
}

// lookup must be called with s.mu held.
func (s *Store) lookup(containerName, name string) (*entry, error) {
	c, ok := s.containers[containerName]
	if !ok {
		return nil, fmt.Errorf("%s: %w", containerName, tier.ErrContainerNotFound)
	}
	e, ok := c.objects[name]
	if !ok {
		return nil, fmt.Errorf("object %s/%s: %w", containerName, name, tier.ErrNotFound)
	}
	return e, nil
}

func cloneMetadata(md tier.ObjectMetadata) tier.ObjectMetadata {
	md.UserMetadata = maps.Clone(md.UserMetadata)
	return md
}
