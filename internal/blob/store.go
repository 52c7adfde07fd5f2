package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/gftdcojp/objtier/internal/config"
	"github.com/gftdcojp/objtier/internal/tier"
	"go.uber.org/zap"
)

// S3API is the subset of the S3 client the store uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

const containerMarkerMeta = "objtier-container"

// Store implements tier.Backend on one S3-compatible bucket. Containers are
// first-level key prefixes below the configured prefix, each created with an
// empty marker object "<prefix><container>/".
type Store struct {
	s3           S3API
	bucket       string
	prefix       string
	storageClass s3types.StorageClass
	logger       *zap.Logger
}

// NewStore creates a new blob store using an S3API implementation.
func NewStore(s3api S3API, cfg config.S3Config, logger *zap.Logger) *Store {
	prefix := cfg.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Store{
		s3:           s3api,
		bucket:       cfg.Bucket,
		prefix:       prefix,
		storageClass: s3types.StorageClass(cfg.StorageClass),
		logger:       logger,
	}
}

func (s *Store) containerKey(container string) string {
	return s.prefix + container + "/"
}

func (s *Store) objectKey(container, name string) string {
	return s.prefix + container + "/" + name
}

func (s *Store) GetObject(ctx context.Context, container, name string, opts tier.GetOptions) (*tier.Object, error) {
	if err := validate(container, name); err != nil {
		return nil, err
	}
	input := &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    aws.String(s.objectKey(container, name)),
	}
	if r := tier.RangeHeader(opts.Range); r != "" {
		input.Range = aws.String(r)
	}
	if opts.IfMatch != "" {
		input.IfMatch = aws.String(opts.IfMatch)
	}
	if opts.IfNoneMatch != "" {
		input.IfNoneMatch = aws.String(opts.IfNoneMatch)
	}
	if !opts.IfModifiedSince.IsZero() {
		input.IfModifiedSince = aws.Time(opts.IfModifiedSince)
	}
	if !opts.IfUnmodifiedSince.IsZero() {
		input.IfUnmodifiedSince = aws.Time(opts.IfUnmodifiedSince)
	}

	resp, err := s.s3.GetObject(ctx, input)
	if err != nil {
		return nil, mapError(err, "downloading object from S3")
	}
	return &tier.Object{
		ObjectMetadata: tier.ObjectMetadata{
			Container:    container,
			Name:         name,
			Size:         aws.ToInt64(resp.ContentLength),
			ContentType:  aws.ToString(resp.ContentType),
			ETag:         trimETag(resp.ETag),
			LastModified: aws.ToTime(resp.LastModified),
			UserMetadata: resp.Metadata,
		},
		Body: resp.Body,
	}, nil
}

func (s *Store) HeadObject(ctx context.Context, container, name string) (*tier.ObjectMetadata, error) {
	if err := validate(container, name); err != nil {
		return nil, err
	}
	resp, err := s.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &s.bucket,
		Key:    aws.String(s.objectKey(container, name)),
	})
	if err != nil {
		return nil, mapError(err, "heading object in S3")
	}
	return &tier.ObjectMetadata{
		Container:    container,
		Name:         name,
		Size:         aws.ToInt64(resp.ContentLength),
		ContentType:  aws.ToString(resp.ContentType),
		ETag:         trimETag(resp.ETag),
		LastModified: aws.ToTime(resp.LastModified),
		UserMetadata: resp.Metadata,
	}, nil
}

func (s *Store) PutObject(ctx context.Context, obj *tier.Object) (string, error) {
	var data []byte
	if obj.Body != nil {
		defer obj.Body.Close()
		var err error
		if data, err = io.ReadAll(obj.Body); err != nil {
			return "", fmt.Errorf("reading object payload: %w", err)
		}
	}
	if err := validate(obj.Container, obj.Name); err != nil {
		return "", err
	}
	exists, err := s.ContainerExists(ctx, obj.Container)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", fmt.Errorf("%s: %w", obj.Container, tier.ErrContainerNotFound)
	}

	key := s.objectKey(obj.Container, obj.Name)
	input := &s3.PutObjectInput{
		Bucket:        &s.bucket,
		Key:           &key,
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		Metadata:      obj.UserMetadata,
	}
	if obj.ContentType != "" {
		input.ContentType = aws.String(obj.ContentType)
	}
	if s.storageClass != "" {
		input.StorageClass = s.storageClass
	}

	resp, err := s.s3.PutObject(ctx, input)
	if err != nil {
		return "", mapError(err, "uploading object to S3")
	}

	s.logger.Debug("object uploaded to S3",
		zap.String("bucket", s.bucket),
		zap.String("key", key),
		zap.Int("size", len(data)),
	)
	return trimETag(resp.ETag), nil
}

func (s *Store) DeleteObject(ctx context.Context, container, name string) error {
	if err := validate(container, name); err != nil {
		return err
	}
	_, err := s.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &s.bucket,
		Key:    aws.String(s.objectKey(container, name)),
	})
	if err != nil {
		if err = mapError(err, "deleting object from S3"); tier.IsNotFound(err) {
			return nil
		}
		return err
	}
	return nil
}

func (s *Store) ContainerExists(ctx context.Context, container string) (bool, error) {
	if err := validateContainer(container); err != nil {
		return false, err
	}
	_, err := s.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &s.bucket,
		Key:    aws.String(s.containerKey(container)),
	})
	if err == nil {
		return true, nil
	}
	if err = mapError(err, "checking container marker"); tier.IsNotFound(err) {
		return false, nil
	}
	return false, err
}

// CreateContainer writes the container marker. The location hint has no
// meaning within a single bucket and is ignored.
func (s *Store) CreateContainer(ctx context.Context, _ tier.Location, container string) (bool, error) {
	exists, err := s.ContainerExists(ctx, container)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	_, err = s.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &s.bucket,
		Key:           aws.String(s.containerKey(container)),
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
		Metadata:      map[string]string{containerMarkerMeta: "true"},
	})
	if err != nil {
		return false, mapError(err, "creating container marker")
	}
	s.logger.Info("container created in S3",
		zap.String("bucket", s.bucket),
		zap.String("container", container),
	)
	return true, nil
}

func (s *Store) DeleteContainer(ctx context.Context, container string) error {
	if err := validateContainer(container); err != nil {
		return err
	}
	marker := s.containerKey(container)
	out, err := s.s3.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  &s.bucket,
		Prefix:  aws.String(marker),
		MaxKeys: aws.Int32(2),
	})
	if err != nil {
		return mapError(err, "listing container")
	}
	for _, o := range out.Contents {
		if aws.ToString(o.Key) != marker {
			return fmt.Errorf("%s: %w", container, tier.ErrContainerNotEmpty)
		}
	}
	_, err = s.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &s.bucket,
		Key:    aws.String(marker),
	})
	if err != nil {
		return mapError(err, "deleting container marker")
	}
	return nil
}

// ListContainers returns one page of containers. The marker is the S3
// continuation token of the previous page.
func (s *Store) ListContainers(ctx context.Context, marker string) (tier.ContainerPage, error) {
	input := &s3.ListObjectsV2Input{
		Bucket:    &s.bucket,
		Delimiter: aws.String("/"),
	}
	if s.prefix != "" {
		input.Prefix = aws.String(s.prefix)
	}
	if marker != "" {
		input.ContinuationToken = aws.String(marker)
	}
	out, err := s.s3.ListObjectsV2(ctx, input)
	if err != nil {
		return tier.ContainerPage{}, mapError(err, "listing containers")
	}

	var page tier.ContainerPage
	for _, cp := range out.CommonPrefixes {
		name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), s.prefix), "/")
		if name == "" {
			continue
		}
		page.Containers = append(page.Containers, tier.ContainerInfo{Name: name})
	}
	if aws.ToBool(out.IsTruncated) {
		page.NextMarker = aws.ToString(out.NextContinuationToken)
	}
	return page, nil
}

// ListObjects returns one page of a container's objects. The marker is the
// last object name of the previous page.
func (s *Store) ListObjects(ctx context.Context, container string, opts tier.ListOptions) (tier.ObjectPage, error) {
	if err := validateContainer(container); err != nil {
		return tier.ObjectPage{}, err
	}
	maxKeys := opts.MaxKeys
	if maxKeys <= 0 {
		maxKeys = tier.DefaultMaxKeys
	}

	base := s.containerKey(container)
	// StartAfter skips the container marker; one extra key reveals whether
	// another page follows.
	out, err := s.s3.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:     &s.bucket,
		Prefix:     aws.String(base + opts.Prefix),
		StartAfter: aws.String(base + opts.Marker),
		MaxKeys:    aws.Int32(int32(maxKeys + 1)),
	})
	if err != nil {
		return tier.ObjectPage{}, mapError(err, "listing objects")
	}

	var page tier.ObjectPage
	for _, o := range out.Contents {
		key := aws.ToString(o.Key)
		page.Objects = append(page.Objects, tier.ObjectInfo{
			Name:         strings.TrimPrefix(key, base),
			Size:         aws.ToInt64(o.Size),
			ETag:         trimETag(o.ETag),
			LastModified: aws.ToTime(o.LastModified),
		})
	}

	switch {
	case len(page.Objects) > maxKeys:
		page.Objects = page.Objects[:maxKeys]
		page.NextMarker = page.Objects[maxKeys-1].Name
	case aws.ToBool(out.IsTruncated) && len(page.Objects) > 0:
		page.NextMarker = page.Objects[len(page.Objects)-1].Name
	}

	if len(page.Objects) == 0 {
		exists, err := s.ContainerExists(ctx, container)
		if err != nil {
			return tier.ObjectPage{}, err
		}
		if !exists {
			return tier.ObjectPage{}, fmt.Errorf("%s: %w", container, tier.ErrContainerNotFound)
		}
	}
	return page, nil
}

// Ping checks connectivity by performing a HeadBucket operation.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.s3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &s.bucket})
	if err != nil {
		return mapError(err, "heading bucket "+s.bucket)
	}
	return nil
}

func (s *Store) Close() error {
	return nil
}

// mapError translates S3 error forms onto the tier sentinels.
func mapError(err error, op string) error {
	var (
		noSuchKey    *s3types.NoSuchKey
		notFound     *s3types.NotFound
		noSuchBucket *s3types.NoSuchBucket
	)
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) || errors.As(err, &noSuchBucket) {
		return fmt.Errorf("%s: %w", op, tier.ErrNotFound)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return fmt.Errorf("%s: %w", op, tier.ErrNotFound)
		case "PreconditionFailed":
			return fmt.Errorf("%s: %w", op, tier.ErrPreconditionFailed)
		case "NotModified":
			return fmt.Errorf("%s: %w", op, tier.ErrNotModified)
		case "InvalidRange":
			return fmt.Errorf("%s: %w", op, tier.ErrInvalidRange)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func trimETag(etag *string) string {
	return strings.Trim(aws.ToString(etag), `"`)
}

func validateContainer(container string) error {
	if container == "" || strings.Contains(container, "/") {
		return fmt.Errorf("container %q: %w", container, tier.ErrInvalidName)
	}
	return nil
}

func validate(container, name string) error {
	if err := validateContainer(container); err != nil {
		return err
	}
	if name == "" {
		return fmt.Errorf("empty object name: %w", tier.ErrInvalidName)
	}
	return nil
}
