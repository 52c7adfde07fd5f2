package meta

import (
	"encoding/binary"
	"time"

	"github.com/gftdcojp/objtier/internal/types"
)

// Bucket names in BoltDB.
var (
	bucketSystem     = []byte("system")
	bucketPasses     = []byte("passes")
	bucketMigrations = []byte("migrations")
	keySchemaVersion = []byte("schema_version")
)

const currentSchemaVersion = 1

// PassRecord is the journal entry for a completed scan pass.
type PassRecord struct {
	ID uint64 `json:"id"`
	types.PassStats
}

// MigrationRecord is the journal entry for an object moved to cold.
type MigrationRecord struct {
	Container    string    `json:"container"`
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	ETag         string    `json:"etag"`
	LastModified time.Time `json:"last_modified"`
	MigratedAt   time.Time `json:"migrated_at"`
}

func uint64ToBytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func bytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

func containerBucketName(container string) []byte {
	return []byte(container)
}
