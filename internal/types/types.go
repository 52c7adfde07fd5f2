package types

import (
	"io"
	"time"
)

// Tier identifies which backend an object resides in.
type Tier int

const (
	TierHot Tier = iota
	TierCold
)

func (t Tier) String() string {
	switch t {
	case TierHot:
		return "hot"
	case TierCold:
		return "cold"
	default:
		return "unknown"
	}
}

// Location is an opaque, backend-specific placement hint for containers.
type Location string

// NoLocation asks the backend for its default placement.
const NoLocation Location = ""

// ObjectMetadata describes a stored object without its payload.
type ObjectMetadata struct {
	Container   string
	Name        string
	Size        int64
	ContentType string
	ETag        string
	// LastModified is assigned by the backend holding the object.
	// The zero value means the backend could not report it.
	LastModified time.Time
	UserMetadata map[string]string
}

// Object is an object with a streamed payload. The receiver of an Object
// returned by a backend must close Body.
type Object struct {
	ObjectMetadata
	Body io.ReadCloser
}

// ObjectInfo is one entry of an object listing.
type ObjectInfo struct {
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	ETag         string    `json:"etag"`
	LastModified time.Time `json:"last_modified"`
}

// ContainerInfo is one entry of a container listing.
type ContainerInfo struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at,omitzero"`
}

// ObjectPage is a single page of an object listing. An empty NextMarker
// marks the last page.
type ObjectPage struct {
	Objects    []ObjectInfo `json:"objects"`
	NextMarker string       `json:"next_marker,omitempty"`
}

// ContainerPage is a single page of a container listing.
type ContainerPage struct {
	Containers []ContainerInfo `json:"containers"`
	NextMarker string          `json:"next_marker,omitempty"`
}

// ListOptions controls object listings.
type ListOptions struct {
	Prefix  string
	Marker  string
	MaxKeys int
}

// DefaultMaxKeys is used when ListOptions.MaxKeys is not positive.
const DefaultMaxKeys = 1000

// ByteRange is an inclusive byte range. End < 0 reads to the end of the object.
type ByteRange struct {
	Start int64
	End   int64
}

// GetOptions carries read options passed through unchanged to the backend
// answering a read.
type GetOptions struct {
	Range             *ByteRange
	IfMatch           string
	IfNoneMatch       string
	IfModifiedSince   time.Time
	IfUnmodifiedSince time.Time
}

// PassStats summarizes one migration scan pass.
type PassStats struct {
	StartedAt         time.Time `json:"started_at"`
	FinishedAt        time.Time `json:"finished_at"`
	Containers        int       `json:"containers"`
	ContainerErrors   int       `json:"container_errors"`
	Scanned           int       `json:"scanned"`
	Migrated          int       `json:"migrated"`
	MigratedBytes     int64     `json:"migrated_bytes"`
	SkippedUnknownAge int       `json:"skipped_unknown_age"`
	SkippedTooNew     int       `json:"skipped_too_new"`
	Failed            int       `json:"failed"`
	Interrupted       bool      `json:"interrupted"`
}

// Duration returns the wall time of the pass.
func (p PassStats) Duration() time.Duration {
	return p.FinishedAt.Sub(p.StartedAt)
}
