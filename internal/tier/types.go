package tier

import (
	"context"

	"github.com/gftdcojp/objtier/internal/types"
)

// Re-export types for convenience.
type Tier = types.Tier
type Location = types.Location
type Object = types.Object
type ObjectMetadata = types.ObjectMetadata
type ObjectInfo = types.ObjectInfo
type ContainerInfo = types.ContainerInfo
type ObjectPage = types.ObjectPage
type ContainerPage = types.ContainerPage
type ListOptions = types.ListOptions
type GetOptions = types.GetOptions
type ByteRange = types.ByteRange

// Re-export constants.
const (
	TierHot    = types.TierHot
	TierCold   = types.TierCold
	NoLocation = types.NoLocation

	DefaultMaxKeys = types.DefaultMaxKeys
)

// Backend is the capability set every storage backend must implement.
// Missing objects and containers are reported with ErrNotFound.
type Backend interface {
	GetObject(ctx context.Context, container, name string, opts GetOptions) (*Object, error)
	HeadObject(ctx context.Context, container, name string) (*ObjectMetadata, error)
	// PutObject stores obj, consuming obj.Body, and returns the new ETag.
	PutObject(ctx context.Context, obj *Object) (string, error)
	DeleteObject(ctx context.Context, container, name string) error
	ContainerExists(ctx context.Context, container string) (bool, error)
	// CreateContainer reports whether the container was newly created.
	CreateContainer(ctx context.Context, loc Location, container string) (bool, error)
	DeleteContainer(ctx context.Context, container string) error
	ListContainers(ctx context.Context, marker string) (ContainerPage, error)
	ListObjects(ctx context.Context, container string, opts ListOptions) (ObjectPage, error)
	Close() error
}

// Pinger is implemented by backends that can check their connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}
