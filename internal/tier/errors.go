package tier

import (
	"errors"
	"fmt"
	"io"
	"time"
)

var (
	// ErrNotFound reports an absent object or container.
	ErrNotFound = errors.New("not found")
	// ErrContainerNotFound reports an absent container. It matches ErrNotFound.
	ErrContainerNotFound = fmt.Errorf("container %w", ErrNotFound)
	// ErrPreconditionFailed reports a failed If-Match or If-Unmodified-Since.
	ErrPreconditionFailed = errors.New("precondition failed")
	// ErrNotModified reports a satisfied If-None-Match or If-Modified-Since.
	ErrNotModified = errors.New("not modified")
	// ErrInvalidRange reports a range that starts beyond the object.
	ErrInvalidRange = errors.New("invalid range")
	// ErrInvalidName reports a container or object name the backend cannot store.
	ErrInvalidName = errors.New("invalid name")
	// ErrContainerNotEmpty is returned when deleting a container that still holds objects.
	ErrContainerNotEmpty = errors.New("container not empty")
)

// IsNotFound reports whether err means the object or container is absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// CheckConditions evaluates conditional read options against an object's
// metadata. Backends without native conditional reads use it before
// returning a payload.
func CheckConditions(md *ObjectMetadata, opts GetOptions) error {
	if opts.IfMatch != "" && opts.IfMatch != "*" && !etagEqual(opts.IfMatch, md.ETag) {
		return ErrPreconditionFailed
	}
	if !opts.IfUnmodifiedSince.IsZero() && md.LastModified.Truncate(time.Second).After(opts.IfUnmodifiedSince) {
		return ErrPreconditionFailed
	}
	if opts.IfNoneMatch != "" && (opts.IfNoneMatch == "*" || etagEqual(opts.IfNoneMatch, md.ETag)) {
		return ErrNotModified
	}
	if !opts.IfModifiedSince.IsZero() && !md.LastModified.Truncate(time.Second).After(opts.IfModifiedSince) {
		return ErrNotModified
	}
	return nil
}

// ResolveRange clamps r to an object of the given size and returns the
// offset and length to read.
func ResolveRange(r *ByteRange, size int64) (offset, length int64, err error) {
	if r == nil {
		return 0, size, nil
	}
	if r.Start < 0 || r.Start >= size {
		return 0, 0, ErrInvalidRange
	}
	end := r.End
	if end < 0 || end >= size {
		end = size - 1
	}
	if end < r.Start {
		return 0, 0, ErrInvalidRange
	}
	return r.Start, end - r.Start + 1, nil
}

// RangeHeader renders r as an HTTP Range header value.
func RangeHeader(r *ByteRange) string {
	if r == nil {
		return ""
	}
	if r.End < 0 {
		return fmt.Sprintf("bytes=%d-", r.Start)
	}
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
}

// SectionReadCloser limits rc to the [offset, offset+length) section by
// discarding the leading bytes.
func SectionReadCloser(rc io.ReadCloser, offset, length int64) (io.ReadCloser, error) {
	if offset > 0 {
		if _, err := io.CopyN(io.Discard, rc, offset); err != nil {
			rc.Close()
			return nil, err
		}
	}
	return struct {
		io.Reader
		io.Closer
	}{io.LimitReader(rc, length), rc}, nil
}

func etagEqual(a, b string) bool {
	return trimQuotes(a) == trimQuotes(b)
}

func trimQuotes(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}
