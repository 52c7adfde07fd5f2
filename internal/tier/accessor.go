package tier

import (
	"context"
	"errors"
	"time"

	"github.com/gftdcojp/objtier/internal/metrics"
	"go.uber.org/zap"
)

// Accessor presents a hot/cold backend pair as a single Backend. Reads try
// hot first and fall back to cold when hot reports ErrNotFound. Every other
// operation goes to hot only, so new data always lands hot.
type Accessor struct {
	hot    Backend
	cold   Backend
	logger *zap.Logger
}

var _ Backend = (*Accessor)(nil)

// NewAccessor creates an accessor over hot and cold.
func NewAccessor(hot, cold Backend, logger *zap.Logger) *Accessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Accessor{hot: hot, cold: cold, logger: logger}
}

// GetObject reads from hot, or from cold if hot does not hold the object.
// opts are passed unchanged to whichever backend answers.
func (a *Accessor) GetObject(ctx context.Context, container, name string, opts GetOptions) (*Object, error) {
	start := time.Now()
	obj, err := a.hot.GetObject(ctx, container, name, opts)
	if err == nil {
		observeRead("get", TierHot, start)
		return obj, nil
	}
	if !IsNotFound(err) {
		return nil, err
	}

	metrics.ReadFallbacks.WithLabelValues("get").Inc()
	a.logger.Debug("hot miss, reading cold",
		zap.String("container", container), zap.String("name", name))
	obj, err = a.cold.GetObject(ctx, container, name, opts)
	if err != nil {
		return nil, err
	}
	observeRead("get", TierCold, start)
	return obj, nil
}

// HeadObject returns metadata from hot, or from cold if hot does not hold
// the object.
func (a *Accessor) HeadObject(ctx context.Context, container, name string) (*ObjectMetadata, error) {
	_, md, err := a.Locate(ctx, container, name)
	return md, err
}

// Locate is HeadObject that also reports which tier answered.
func (a *Accessor) Locate(ctx context.Context, container, name string) (Tier, *ObjectMetadata, error) {
	start := time.Now()
	md, err := a.hot.HeadObject(ctx, container, name)
	if err == nil {
		observeRead("head", TierHot, start)
		return TierHot, md, nil
	}
	if !IsNotFound(err) {
		return TierHot, nil, err
	}

	metrics.ReadFallbacks.WithLabelValues("head").Inc()
	md, err = a.cold.HeadObject(ctx, container, name)
	if err != nil {
		return TierCold, nil, err
	}
	observeRead("head", TierCold, start)
	return TierCold, md, nil
}

func (a *Accessor) PutObject(ctx context.Context, obj *Object) (string, error) {
	return a.hot.PutObject(ctx, obj)
}

func (a *Accessor) DeleteObject(ctx context.Context, container, name string) error {
	return a.hot.DeleteObject(ctx, container, name)
}

func (a *Accessor) ContainerExists(ctx context.Context, container string) (bool, error) {
	return a.hot.ContainerExists(ctx, container)
}

func (a *Accessor) CreateContainer(ctx context.Context, loc Location, container string) (bool, error) {
	return a.hot.CreateContainer(ctx, loc, container)
}

func (a *Accessor) DeleteContainer(ctx context.Context, container string) error {
	return a.hot.DeleteContainer(ctx, container)
}

func (a *Accessor) ListContainers(ctx context.Context, marker string) (ContainerPage, error) {
	return a.hot.ListContainers(ctx, marker)
}

func (a *Accessor) ListObjects(ctx context.Context, container string, opts ListOptions) (ObjectPage, error) {
	return a.hot.ListObjects(ctx, container, opts)
}

// Close closes both backends.
func (a *Accessor) Close() error {
	return errors.Join(a.hot.Close(), a.cold.Close())
}

// Hot returns the hot backend.
func (a *Accessor) Hot() Backend { return a.hot }

// Cold returns the cold backend.
func (a *Accessor) Cold() Backend { return a.cold }

func observeRead(op string, t Tier, start time.Time) {
	metrics.ReadRequests.WithLabelValues(op, t.String()).Inc()
	metrics.ReadLatency.WithLabelValues(op, t.String()).Observe(time.Since(start).Seconds())
}
