// Package natsobj implements a storage backend on NATS JetStream Object
// Store. Each container is an object store bucket named with a configurable
// prefix.
package natsobj

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/gftdcojp/objtier/internal/config"
	"github.com/gftdcojp/objtier/internal/tier"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

const headerContentType = "Content-Type"

// Store implements tier.Backend on JetStream object stores.
type Store struct {
	js     jetstream.JetStream
	cfg    config.NATSObjConfig
	logger *zap.Logger

	mu      sync.RWMutex
	buckets map[string]jetstream.ObjectStore
}

func NewStore(js jetstream.JetStream, cfg config.NATSObjConfig, logger *zap.Logger) *Store {
	return &Store{
		js:      js,
		cfg:     cfg,
		logger:  logger,
		buckets: make(map[string]jetstream.ObjectStore),
	}
}

func (s *Store) bucketName(container string) string {
	return s.cfg.BucketPrefix + container
}

// bucket returns the object store backing container, opening it on first use.
func (s *Store) bucket(ctx context.Context, container string) (jetstream.ObjectStore, error) {
	if container == "" {
		return nil, fmt.Errorf("empty container name: %w", tier.ErrInvalidName)
	}
	s.mu.RLock()
	obs, ok := s.buckets[container]
	s.mu.RUnlock()
	if ok {
		return obs, nil
	}

	obs, err := s.js.ObjectStore(ctx, s.bucketName(container))
	if err != nil {
		return nil, mapError(err, container, "")
	}
	s.mu.Lock()
	s.buckets[container] = obs
	s.mu.Unlock()
	return obs, nil
}

func (s *Store) forget(container string) {
	s.mu.Lock()
	delete(s.buckets, container)
	s.mu.Unlock()
}

func (s *Store) GetObject(ctx context.Context, container, name string, opts tier.GetOptions) (*tier.Object, error) {
	obs, err := s.bucket(ctx, container)
	if err != nil {
		return nil, err
	}
	res, err := obs.Get(ctx, name)
	if err != nil {
		return nil, s.objectError(err, container, name)
	}
	info, err := res.Info()
	if err != nil {
		res.Close()
		return nil, s.objectError(err, container, name)
	}

	md := metadataFromInfo(container, info)
	if err := tier.CheckConditions(md, opts); err != nil {
		res.Close()
		return nil, err
	}
	offset, length, err := tier.ResolveRange(opts.Range, md.Size)
	if err != nil {
		res.Close()
		return nil, err
	}
	body, err := tier.SectionReadCloser(res, offset, length)
	if err != nil {
		return nil, fmt.Errorf("seeking object %s/%s: %w", container, name, err)
	}

	md.Size = length
	return &tier.Object{ObjectMetadata: *md, Body: body}, nil
}

func (s *Store) HeadObject(ctx context.Context, container, name string) (*tier.ObjectMetadata, error) {
	obs, err := s.bucket(ctx, container)
	if err != nil {
		return nil, err
	}
	info, err := obs.GetInfo(ctx, name)
	if err != nil {
		return nil, s.objectError(err, container, name)
	}
	return metadataFromInfo(container, info), nil
}

func (s *Store) PutObject(ctx context.Context, obj *tier.Object) (string, error) {
	if obj.Body != nil {
		defer obj.Body.Close()
	}
	if obj.Name == "" {
		return "", fmt.Errorf("empty object name: %w", tier.ErrInvalidName)
	}
	obs, err := s.bucket(ctx, obj.Container)
	if err != nil {
		return "", err
	}

	meta := jetstream.ObjectMeta{
		Name:     obj.Name,
		Metadata: obj.UserMetadata,
	}
	if obj.ContentType != "" {
		meta.Headers = nats.Header{}
		meta.Headers.Set(headerContentType, obj.ContentType)
	}
	var body = obj.Body
	if body == nil {
		body = emptyBody{}
	}

	info, err := obs.Put(ctx, meta, body)
	if err != nil {
		return "", s.objectError(err, obj.Container, obj.Name)
	}

	s.logger.Debug("object stored in JetStream",
		zap.String("bucket", s.bucketName(obj.Container)),
		zap.String("name", obj.Name),
		zap.Uint64("size", info.Size),
		zap.Uint32("chunks", info.Chunks),
	)
	return info.Digest, nil
}

func (s *Store) DeleteObject(ctx context.Context, container, name string) error {
	obs, err := s.bucket(ctx, container)
	if tier.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := obs.Delete(ctx, name); err != nil {
		if err = s.objectError(err, container, name); tier.IsNotFound(err) {
			return nil
		}
		return err
	}
	return nil
}

func (s *Store) ContainerExists(ctx context.Context, container string) (bool, error) {
	_, err := s.bucket(ctx, container)
	if err == nil {
		return true, nil
	}
	if tier.IsNotFound(err) {
		return false, nil
	}
	return false, err
}

// CreateContainer creates the container's object store. The location hint
// is ignored; placement follows the configured replicas and storage type.
func (s *Store) CreateContainer(ctx context.Context, _ tier.Location, container string) (bool, error) {
	exists, err := s.ContainerExists(ctx, container)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	storage := jetstream.MemoryStorage
	if s.cfg.FileStorage {
		storage = jetstream.FileStorage
	}
	obs, err := s.js.CreateObjectStore(ctx, jetstream.ObjectStoreConfig{
		Bucket:   s.bucketName(container),
		Replicas: s.cfg.Replicas,
		MaxBytes: int64(s.cfg.MaxBytes),
		Storage:  storage,
	})
	if errors.Is(err, jetstream.ErrBucketExists) {
		return false, nil
	}
	if err != nil {
		return false, mapError(err, container, "")
	}

	s.mu.Lock()
	s.buckets[container] = obs
	s.mu.Unlock()

	s.logger.Info("object store created",
		zap.String("bucket", s.bucketName(container)),
		zap.Int("replicas", s.cfg.Replicas),
	)
	return true, nil
}

func (s *Store) DeleteContainer(ctx context.Context, container string) error {
	obs, err := s.bucket(ctx, container)
	if tier.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	objects, err := obs.List(ctx)
	if err != nil && !errors.Is(err, jetstream.ErrNoObjectsFound) {
		return mapError(err, container, "")
	}
	if len(objects) > 0 {
		return fmt.Errorf("%s: %w", container, tier.ErrContainerNotEmpty)
	}
	s.forget(container)
	if err := s.js.DeleteObjectStore(ctx, s.bucketName(container)); err != nil {
		if err = mapError(err, container, ""); tier.IsNotFound(err) {
			return nil
		}
		return err
	}
	return nil
}

// ListContainers returns every container after marker in one page.
func (s *Store) ListContainers(ctx context.Context, marker string) (tier.ContainerPage, error) {
	lister := s.js.ObjectStoreNames(ctx)
	var names []string
	for name := range lister.Name() {
		container, ok := strings.CutPrefix(name, s.cfg.BucketPrefix)
		if !ok || container == "" || container <= marker {
			continue
		}
		names = append(names, container)
	}
	if err := lister.Error(); err != nil {
		return tier.ContainerPage{}, fmt.Errorf("listing object stores: %w", err)
	}
	sort.Strings(names)

	var page tier.ContainerPage
	for _, name := range names {
		page.Containers = append(page.Containers, tier.ContainerInfo{Name: name})
	}
	return page, nil
}

// ListObjects pages through a container. JetStream lists a bucket in one
// response, so pagination by marker happens here.
func (s *Store) ListObjects(ctx context.Context, container string, opts tier.ListOptions) (tier.ObjectPage, error) {
	obs, err := s.bucket(ctx, container)
	if err != nil {
		return tier.ObjectPage{}, err
	}
	infos, err := obs.List(ctx)
	if err != nil && !errors.Is(err, jetstream.ErrNoObjectsFound) {
		return tier.ObjectPage{}, mapError(err, container, "")
	}

	var matched []*jetstream.ObjectInfo
	for _, info := range infos {
		if info.Deleted || info.Name <= opts.Marker || !strings.HasPrefix(info.Name, opts.Prefix) {
			continue
		}
		matched = append(matched, info)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Name < matched[j].Name })

	maxKeys := opts.MaxKeys
	if maxKeys <= 0 {
		maxKeys = tier.DefaultMaxKeys
	}

	var page tier.ObjectPage
	for i, info := range matched {
		if i == maxKeys {
			page.NextMarker = matched[i-1].Name
			break
		}
		page.Objects = append(page.Objects, tier.ObjectInfo{
			Name:         info.Name,
			Size:         int64(info.Size),
			ETag:         info.Digest,
			LastModified: info.ModTime,
		})
	}
	return page, nil
}

// Ping checks that JetStream is reachable and enabled for the account.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.js.AccountInfo(ctx)
	return err
}

// Close drops cached bucket handles. The connection belongs to the caller.
func (s *Store) Close() error {
	s.mu.Lock()
	s.buckets = make(map[string]jetstream.ObjectStore)
	s.mu.Unlock()
	return nil
}

// objectError maps an object-level error. A missing bucket drops the cached
// handle so a recreated container is picked up.
func (s *Store) objectError(err error, container, name string) error {
	if errors.Is(err, jetstream.ErrBucketNotFound) || errors.Is(err, jetstream.ErrStreamNotFound) {
		s.forget(container)
	}
	return mapError(err, container, name)
}

func mapError(err error, container, name string) error {
	switch {
	case errors.Is(err, jetstream.ErrBucketNotFound), errors.Is(err, jetstream.ErrStreamNotFound):
		return fmt.Errorf("%s: %w", container, tier.ErrContainerNotFound)
	case errors.Is(err, jetstream.ErrObjectNotFound):
		return fmt.Errorf("object %s/%s: %w", container, name, tier.ErrNotFound)
	case errors.Is(err, jetstream.ErrInvalidStoreName), errors.Is(err, jetstream.ErrBadObjectMeta):
		return fmt.Errorf("%s/%s: %w: %v", container, name, tier.ErrInvalidName, err)
	}
	if name == "" {
		return fmt.Errorf("object store %s: %w", container, err)
	}
	return fmt.Errorf("object %s/%s: %w", container, name, err)
}

func metadataFromInfo(container string, info *jetstream.ObjectInfo) *tier.ObjectMetadata {
	md := &tier.ObjectMetadata{
		Container:    container,
		Name:         info.Name,
		Size:         int64(info.Size),
		ETag:         info.Digest,
		LastModified: info.ModTime,
		UserMetadata: info.Metadata,
	}
	if info.Headers != nil {
		md.ContentType = info.Headers.Get(headerContentType)
	}
	return md
}

type emptyBody struct{}

func (emptyBody) Read([]byte) (int, error) { return 0, io.EOF }
func (emptyBody) Close() error             { return nil }
