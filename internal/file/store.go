package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/gftdcojp/objtier/internal/config"
	"github.com/gftdcojp/objtier/internal/tier"
	"go.uber.org/zap"
)

const (
	objectsDir = "objects"
	metaDir    = "meta"
	tmpDir     = "tmp"
	metaSuffix = ".json"
)

// sidecar holds the object attributes the filesystem cannot.
type sidecar struct {
	ContentType  string            `json:"content_type,omitempty"`
	ETag         string            `json:"etag"`
	UserMetadata map[string]string `json:"user_metadata,omitempty"`
}

// Store implements tier.Backend on a local filesystem. Each container is a
// directory holding object payloads under objects/ and JSON sidecars under
// meta/. The payload file's mtime is the object's last-modified time.
type Store struct {
	// mu keeps a payload and its sidecar consistent for readers.
	mu      sync.RWMutex
	dataDir string
	logger  *zap.Logger
}

func NewStore(cfg config.FileConfig, logger *zap.Logger) (*Store, error) {
	if cfg.DataDir == "" {
		return nil, errors.New("file backend requires data_dir")
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data dir %s: %w", cfg.DataDir, err)
	}
	return &Store{
		dataDir: cfg.DataDir,
		logger:  logger,
	}, nil
}

func (s *Store) containerPath(container string) string {
	return filepath.Join(s.dataDir, container)
}

func (s *Store) objectPath(container, name string) string {
	return filepath.Join(s.dataDir, container, objectsDir, filepath.FromSlash(name))
}

func (s *Store) sidecarPath(container, name string) string {
	return filepath.Join(s.dataDir, container, metaDir, filepath.FromSlash(name)+metaSuffix)
}

func (s *Store) GetObject(_ context.Context, container, name string, opts tier.GetOptions) (*tier.Object, error) {
	if err := validateName(container, name); err != nil {
		return nil, err
	}

	s.mu.RLock()
	f, err := os.Open(s.objectPath(container, name))
	if err != nil {
		s.mu.RUnlock()
		return nil, s.notFound(container, name, err)
	}
	md, err := s.stat(f, container, name)
	s.mu.RUnlock()
	if err != nil {
		f.Close()
		return nil, err
	}

	if err := tier.CheckConditions(md, opts); err != nil {
		f.Close()
		return nil, err
	}
	offset, length, err := tier.ResolveRange(opts.Range, md.Size)
	if err != nil {
		f.Close()
		return nil, err
	}

	md.Size = length
	return &tier.Object{
		ObjectMetadata: *md,
		Body: struct {
			io.Reader
			io.Closer
		}{io.NewSectionReader(f, offset, length), f},
	}, nil
}

func (s *Store) HeadObject(_ context.Context, container, name string) (*tier.ObjectMetadata, error) {
	if err := validateName(container, name); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := os.Open(s.objectPath(container, name))
	if err != nil {
		return nil, s.notFound(container, name, err)
	}
	defer f.Close()
	return s.stat(f, container, name)
}

// stat must be called with s.mu held.
func (s *Store) stat(f *os.File, container, name string) (*tier.ObjectMetadata, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("object %s/%s: %w", container, name, tier.ErrNotFound)
	}
	sc, err := s.readSidecar(container, name)
	if err != nil {
		return nil, err
	}
	return &tier.ObjectMetadata{
		Container:    container,
		Name:         name,
		Size:         info.Size(),
		ContentType:  sc.ContentType,
		ETag:         sc.ETag,
		LastModified: info.ModTime(),
		UserMetadata: sc.UserMetadata,
	}, nil
}

func (s *Store) readSidecar(container, name string) (*sidecar, error) {
	raw, err := os.ReadFile(s.sidecarPath(container, name))
	if errors.Is(err, fs.ErrNotExist) {
		// Payload written by hand; attributes are unknown.
		return &sidecar{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading sidecar: %w", err)
	}
	var sc sidecar
	if err := json.Unmarshal(raw, &sc); err != nil {
		return nil, fmt.Errorf("decoding sidecar for %s/%s: %w", container, name, err)
	}
	return &sc, nil
}

func (s *Store) PutObject(_ context.Context, obj *tier.Object) (string, error) {
	if obj.Body != nil {
		defer obj.Body.Close()
	}
	if err := validateName(obj.Container, obj.Name); err != nil {
		return "", err
	}
	if _, err := os.Stat(s.containerPath(obj.Container)); err != nil {
		return "", s.notFound(obj.Container, "", err)
	}

	// Stage payload and sidecar in the container's tmp dir, then rename both.
	staging := filepath.Join(s.containerPath(obj.Container), tmpDir)
	if err := os.MkdirAll(staging, 0755); err != nil {
		return "", err
	}
	dataTmp, err := os.CreateTemp(staging, "obj-*")
	if err != nil {
		return "", fmt.Errorf("creating staging file: %w", err)
	}
	defer os.Remove(dataTmp.Name())

	h := xxhash.New()
	var size int64
	if obj.Body != nil {
		size, err = io.Copy(io.MultiWriter(dataTmp, h), obj.Body)
	}
	if cerr := dataTmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("writing object payload: %w", err)
	}

	sc := sidecar{
		ContentType:  obj.ContentType,
		ETag:         strconv.FormatUint(h.Sum64(), 16),
		UserMetadata: obj.UserMetadata,
	}
	raw, err := json.Marshal(&sc)
	if err != nil {
		return "", err
	}
	metaTmp, err := os.CreateTemp(staging, "meta-*")
	if err != nil {
		return "", fmt.Errorf("creating staging sidecar: %w", err)
	}
	defer os.Remove(metaTmp.Name())
	_, err = metaTmp.Write(raw)
	if cerr := metaTmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("writing sidecar: %w", err)
	}

	dataPath := s.objectPath(obj.Container, obj.Name)
	metaPath := s.sidecarPath(obj.Container, obj.Name)
	if err := os.MkdirAll(filepath.Dir(dataPath), 0755); err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(metaPath), 0755); err != nil {
		return "", err
	}

	s.mu.Lock()
	err = os.Rename(metaTmp.Name(), metaPath)
	if err == nil {
		err = os.Rename(dataTmp.Name(), dataPath)
	}
	s.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("committing object: %w", err)
	}

	s.logger.Debug("object stored on disk",
		zap.String("container", obj.Container),
		zap.String("name", obj.Name),
		zap.String("path", dataPath),
		zap.Int64("size", size),
	)
	return sc.ETag, nil
}

func (s *Store) DeleteObject(_ context.Context, container, name string) error {
	if err := validateName(container, name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.objectPath(container, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing object: %w", err)
	}
	if err := os.Remove(s.sidecarPath(container, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing sidecar: %w", err)
	}
	return nil
}

func (s *Store) ContainerExists(_ context.Context, container string) (bool, error) {
	if err := validateContainer(container); err != nil {
		return false, err
	}
	info, err := os.Stat(s.containerPath(container))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}

func (s *Store) CreateContainer(_ context.Context, _ tier.Location, container string) (bool, error) {
	if err := validateContainer(container); err != nil {
		return false, err
	}
	err := os.Mkdir(s.containerPath(container), 0755)
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("creating container %s: %w", container, err)
	}
	for _, dir := range []string{objectsDir, metaDir} {
		if err := os.MkdirAll(filepath.Join(s.containerPath(container), dir), 0755); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (s *Store) DeleteContainer(_ context.Context, container string) error {
	if err := validateContainer(container); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	root := s.containerPath(container)
	if _, err := os.Stat(root); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	empty := true
	err := filepath.WalkDir(filepath.Join(root, objectsDir), func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			empty = false
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !empty {
		return fmt.Errorf("%s: %w", container, tier.ErrContainerNotEmpty)
	}
	return os.RemoveAll(root)
}

func (s *Store) ListContainers(_ context.Context, marker string) (tier.ContainerPage, error) {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return tier.ContainerPage{}, fmt.Errorf("reading data dir: %w", err)
	}

	// os.ReadDir returns entries sorted by name.
	var page tier.ContainerPage
	for _, e := range entries {
		if !e.IsDir() || e.Name() <= marker {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		page.Containers = append(page.Containers, tier.ContainerInfo{
			Name:      e.Name(),
			CreatedAt: info.ModTime(),
		})
	}
	return page, nil
}

func (s *Store) ListObjects(_ context.Context, container string, opts tier.ListOptions) (tier.ObjectPage, error) {
	if err := validateContainer(container); err != nil {
		return tier.ObjectPage{}, err
	}
	root := filepath.Join(s.containerPath(container), objectsDir)
	if _, err := os.Stat(root); err != nil {
		return tier.ObjectPage{}, s.notFound(container, "", err)
	}

	type candidate struct {
		name string
		info fs.FileInfo
	}
	var found []candidate
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if name <= opts.Marker || !strings.HasPrefix(name, opts.Prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			// Removed during the walk.
			return nil
		}
		found = append(found, candidate{name, info})
		return nil
	})
	if err != nil {
		return tier.ObjectPage{}, fmt.Errorf("walking %s: %w", container, err)
	}
	sort.Slice(found, func(i, j int) bool { return found[i].name < found[j].name })

	maxKeys := opts.MaxKeys
	if maxKeys <= 0 {
		maxKeys = tier.DefaultMaxKeys
	}

	var page tier.ObjectPage
	for i, c := range found {
		if i == maxKeys {
			page.NextMarker = found[i-1].name
			break
		}
		var etag string
		s.mu.RLock()
		if sc, err := s.readSidecar(container, c.name); err == nil {
			etag = sc.ETag
		}
		s.mu.RUnlock()
		page.Objects = append(page.Objects, tier.ObjectInfo{
			Name:         c.name,
			Size:         c.info.Size(),
			ETag:         etag,
			LastModified: c.info.ModTime(),
		})
	}
	return page, nil
}

func (s *Store) Ping(_ context.Context) error {
	info, err := os.Stat(s.dataDir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", s.dataDir)
	}
	return nil
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) notFound(container, name string, err error) error {
	if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if _, cerr := os.Stat(s.containerPath(container)); errors.Is(cerr, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w", container, tier.ErrContainerNotFound)
	}
	return fmt.Errorf("object %s/%s: %w", container, name, tier.ErrNotFound)
}

func validateContainer(container string) error {
	if container == "" || container == "." || container == ".." ||
		strings.ContainsAny(container, `/\`+"\x00") {
		return fmt.Errorf("container %q: %w", container, tier.ErrInvalidName)
	}
	return nil
}

func validateName(container, name string) error {
	if err := validateContainer(container); err != nil {
		return err
	}
	if name == "" || strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/") ||
		strings.ContainsAny(name, `\`+"\x00") || path.Clean(name) != name {
		return fmt.Errorf("object %q: %w", name, tier.ErrInvalidName)
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return fmt.Errorf("object %q: %w", name, tier.ErrInvalidName)
		}
	}
	return nil
}
