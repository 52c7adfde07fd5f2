package meta

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"time"

	"github.com/gftdcojp/objtier/internal/config"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a journal record does not exist.
var ErrNotFound = errors.New("journal record not found")

// Store is the migration journal: a durable history of scan passes and of
// the objects each pass moved to cold storage.
type Store interface {
	RecordPass(ctx context.Context, rec PassRecord) (uint64, error)
	ListPasses(ctx context.Context, limit int) ([]PassRecord, error)
	LastPass(ctx context.Context) (*PassRecord, error)
	RecordMigration(ctx context.Context, rec MigrationRecord) error
	LookupMigration(ctx context.Context, container, name string) (*MigrationRecord, error)
	ListMigrations(ctx context.Context, container string) ([]MigrationRecord, error)

	Ping() error
	Close() error
}

// BoltStore implements Store using bbolt (BoltDB).
type BoltStore struct {
	db        *bbolt.DB
	history   int
	retention time.Duration
	logger    *zap.Logger
}

// NewBoltStore opens or creates a BoltDB journal.
func NewBoltStore(cfg config.JournalConfig, logger *zap.Logger) (*BoltStore, error) {
	db, err := bbolt.Open(cfg.Path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}
	db.NoSync = cfg.NoSync

	s := &BoltStore{
		db:        db,
		history:   cfg.History,
		retention: cfg.MigrationRetention.Duration(),
		logger:    logger,
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *BoltStore) initSchema() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		sys, err := tx.CreateBucketIfNotExists(bucketSystem)
		if err != nil {
			return err
		}
		if v := sys.Get(keySchemaVersion); v != nil {
			if version := bytesToUint64(v); version > currentSchemaVersion {
				return fmt.Errorf("journal schema version %d is newer than supported %d", version, currentSchemaVersion)
			}
		} else if err := sys.Put(keySchemaVersion, uint64ToBytes(currentSchemaVersion)); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketPasses); err != nil {
			return err
		}
		_, err = tx.CreateBucketIfNotExists(bucketMigrations)
		return err
	})
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// RecordPass assigns the next pass ID and stores the record. Passes beyond
// the configured history, and migration records older than the retention
// measured from the pass's finish time, are pruned in the same transaction.
func (s *BoltStore) RecordPass(_ context.Context, rec PassRecord) (uint64, error) {
	var pruned int
	err := s.db.Update(func(tx *bbolt.Tx) error {
		passes := tx.Bucket(bucketPasses)
		id, err := passes.NextSequence()
		if err != nil {
			return err
		}
		rec.ID = id

		data, err := encode(&rec)
		if err != nil {
			return err
		}
		if err := passes.Put(uint64ToBytes(id), data); err != nil {
			return err
		}
		if err := s.prunePasses(passes); err != nil {
			return err
		}

		if s.retention <= 0 {
			return nil
		}
		now := rec.FinishedAt
		if now.IsZero() {
			now = time.Now()
		}
		pruned, err = pruneMigrations(tx.Bucket(bucketMigrations), now.Add(-s.retention))
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("recording pass: %w", err)
	}
	if pruned > 0 {
		s.logger.Debug("pruned migration records", zap.Int("count", pruned))
	}
	return rec.ID, nil
}

func (s *BoltStore) prunePasses(passes *bbolt.Bucket) error {
	if s.history <= 0 {
		return nil
	}
	var keys [][]byte
	c := passes.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for i := 0; i < len(keys)-s.history; i++ {
		if err := passes.Delete(keys[i]); err != nil {
			return err
		}
	}
	return nil
}

// pruneMigrations deletes records migrated before cutoff and drops container
// buckets left empty.
func pruneMigrations(migrations *bbolt.Bucket, cutoff time.Time) (int, error) {
	var containers [][]byte
	err := migrations.ForEachBucket(func(k []byte) error {
		containers = append(containers, append([]byte(nil), k...))
		return nil
	})
	if err != nil {
		return 0, err
	}

	pruned := 0
	for _, name := range containers {
		cb := migrations.Bucket(name)
		var stale [][]byte
		err := cb.ForEach(func(k, v []byte) error {
			var rec MigrationRecord
			if err := decode(v, &rec); err != nil {
				return err
			}
			if rec.MigratedAt.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return pruned, err
		}
		for _, k := range stale {
			if err := cb.Delete(k); err != nil {
				return pruned, err
			}
		}
		pruned += len(stale)

		if k, _ := cb.Cursor().First(); k == nil {
			if err := migrations.DeleteBucket(name); err != nil {
				return pruned, err
			}
		}
	}
	return pruned, nil
}

// ListPasses returns up to limit passes, newest first. A non-positive limit
// returns all retained passes.
func (s *BoltStore) ListPasses(_ context.Context, limit int) ([]PassRecord, error) {
	var result []PassRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketPasses).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(result) >= limit {
				break
			}
			var rec PassRecord
			if err := decode(v, &rec); err != nil {
				return err
			}
			result = append(result, rec)
		}
		return nil
	})
	return result, err
}

func (s *BoltStore) LastPass(ctx context.Context) (*PassRecord, error) {
	passes, err := s.ListPasses(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(passes) == 0 {
		return nil, ErrNotFound
	}
	return &passes[0], nil
}

func (s *BoltStore) RecordMigration(_ context.Context, rec MigrationRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		cb, err := tx.Bucket(bucketMigrations).CreateBucketIfNotExists(containerBucketName(rec.Container))
		if err != nil {
			return err
		}
		data, err := encode(&rec)
		if err != nil {
			return err
		}
		return cb.Put([]byte(rec.Name), data)
	})
}

func (s *BoltStore) LookupMigration(_ context.Context, container, name string) (*MigrationRecord, error) {
	var rec *MigrationRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		cb := tx.Bucket(bucketMigrations).Bucket(containerBucketName(container))
		if cb == nil {
			return ErrNotFound
		}
		raw := cb.Get([]byte(name))
		if raw == nil {
			return ErrNotFound
		}
		rec = &MigrationRecord{}
		return decode(raw, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListMigrations returns the migration records of a container ordered by
// object name.
func (s *BoltStore) ListMigrations(_ context.Context, container string) ([]MigrationRecord, error) {
	var result []MigrationRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		cb := tx.Bucket(bucketMigrations).Bucket(containerBucketName(container))
		if cb == nil {
			return nil
		}
		return cb.ForEach(func(_, v []byte) error {
			var rec MigrationRecord
			if err := decode(v, &rec); err != nil {
				return err
			}
			result = append(result, rec)
			return nil
		})
	})
	return result, err
}

func (s *BoltStore) Ping() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return nil
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
