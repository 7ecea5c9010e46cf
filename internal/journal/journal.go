package journal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"rtcguard/internal/config"
	"rtcguard/internal/failover"
	"rtcguard/internal/token"
)

// DBFileName is the journal database file under the data directory.
const DBFileName = "rtcguard.db"

var seqBuckets = []string{ConnectionEventsBucket, SwitchRecordsBucket}

// Journal is the bbolt-backed diagnostics store. Safe for concurrent use;
// bbolt serializes writers internally.
type Journal struct {
	db         *bbolt.DB
	logger     *zap.Logger
	maxEntries int
}

// Open opens (or creates) the journal database in dataDir, creates the
// buckets, and verifies the schema version.
func Open(dataDir string, cfg config.JournalConfig, logger *zap.Logger) (*Journal, error) {
	path := filepath.Join(dataDir, DBFileName)
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{MetaBucket, ConnectionEventsBucket, SwitchRecordsBucket, RenewalStatsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", name, err)
			}
		}
		return checkSchema(tx)
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = config.DefaultJournalMaxEntries
	}

	j := &Journal{
		db:         db,
		logger:     logger.Named("journal"),
		maxEntries: maxEntries,
	}
	j.logger.Info("Journal opened",
		zap.String("path", path),
		zap.Int("max_entries", maxEntries))
	return j, nil
}

// checkSchema writes the schema version on a fresh database and rejects a
// newer one; this version reads every schema up to its own.
func checkSchema(tx *bbolt.Tx) error {
	meta := tx.Bucket([]byte(MetaBucket))
	raw := meta.Get([]byte(SchemaVersionKey))
	if raw == nil {
		return meta.Put([]byte(SchemaVersionKey), []byte(fmt.Sprintf("%d", CurrentSchemaVersion)))
	}

	var version int
	if _, err := fmt.Sscanf(string(raw), "%d", &version); err != nil {
		return fmt.Errorf("unreadable journal schema version %q", raw)
	}
	if version > CurrentSchemaVersion {
		return fmt.Errorf("journal schema version %d is newer than supported %d", version, CurrentSchemaVersion)
	}
	return nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	j.logger.Info("Journal closed")
	return j.db.Close()
}

// Path returns the database file location.
func (j *Journal) Path() string {
	return j.db.Path()
}

// AppendConnectionEvent journals one bus event, assigning it the bucket's
// next sequence number and pruning the oldest entries past the cap.
func (j *Journal) AppendConnectionEvent(rec ConnectionEventRecord) error {
	return j.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(ConnectionEventsBucket))
		if bucket == nil {
			return fmt.Errorf("%s bucket not found", ConnectionEventsBucket)
		}

		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate sequence: %w", err)
		}
		rec.Seq = seq

		data, err := rec.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal connection event: %w", err)
		}
		if err := bucket.Put(seqKey(seq), data); err != nil {
			return fmt.Errorf("failed to save connection event: %w", err)
		}
		return clampBucket(bucket, j.maxEntries)
	})
}

// AppendSwitchRecord journals one provider switch record.
func (j *Journal) AppendSwitchRecord(rec failover.SwitchRecord) error {
	return j.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(SwitchRecordsBucket))
		if bucket == nil {
			return fmt.Errorf("%s bucket not found", SwitchRecordsBucket)
		}

		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate sequence: %w", err)
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal switch record: %w", err)
		}
		if err := bucket.Put(seqKey(seq), data); err != nil {
			return fmt.Errorf("failed to save switch record: %w", err)
		}
		return clampBucket(bucket, j.maxEntries)
	})
}

// SaveRenewalStats upserts the latest renewal statistics for a backend.
func (j *Journal) SaveRenewalStats(backend string, stats token.Stats) error {
	return j.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(RenewalStatsBucket))
		if bucket == nil {
			return fmt.Errorf("%s bucket not found", RenewalStatsBucket)
		}

		data, err := json.Marshal(stats)
		if err != nil {
			return fmt.Errorf("failed to marshal renewal stats: %w", err)
		}
		return bucket.Put([]byte(backend), data)
	})
}

// RecentConnectionEvents returns the newest n journaled events, oldest
// first. n <= 0 means everything retained.
func (j *Journal) RecentConnectionEvents(n int) ([]ConnectionEventRecord, error) {
	var out []ConnectionEventRecord

	err := j.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(ConnectionEventsBucket))
		if bucket == nil {
			return fmt.Errorf("%s bucket not found", ConnectionEventsBucket)
		}

		cursor := bucket.Cursor()
		for k, v := cursor.Last(); k != nil && (n <= 0 || len(out) < n); k, v = cursor.Prev() {
			var rec ConnectionEventRecord
			if err := rec.UnmarshalBinary(v); err != nil {
				j.logger.Warn("Skipping unreadable connection event",
					zap.Uint64("seq", binary.BigEndian.Uint64(k)),
					zap.Error(err))
				continue
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	reverse(out)
	return out, nil
}

// RecentSwitchRecords returns the newest n switch records, oldest first.
// n <= 0 means everything retained.
func (j *Journal) RecentSwitchRecords(n int) ([]failover.SwitchRecord, error) {
	var out []failover.SwitchRecord

	err := j.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(SwitchRecordsBucket))
		if bucket == nil {
			return fmt.Errorf("%s bucket not found", SwitchRecordsBucket)
		}

		cursor := bucket.Cursor()
		for k, v := cursor.Last(); k != nil && (n <= 0 || len(out) < n); k, v = cursor.Prev() {
			var rec failover.SwitchRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				j.logger.Warn("Skipping unreadable switch record",
					zap.Uint64("seq", binary.BigEndian.Uint64(k)),
					zap.Error(err))
				continue
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	reverse(out)
	return out, nil
}

// RenewalStats returns the stored per-backend renewal statistics.
func (j *Journal) RenewalStats() (map[string]token.Stats, error) {
	out := make(map[string]token.Stats)

	err := j.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(RenewalStatsBucket))
		if bucket == nil {
			return fmt.Errorf("%s bucket not found", RenewalStatsBucket)
		}

		return bucket.ForEach(func(k, v []byte) error {
			var stats token.Stats
			if err := json.Unmarshal(v, &stats); err != nil {
				j.logger.Warn("Skipping unreadable renewal stats",
					zap.String("backend", string(k)),
					zap.Error(err))
				return nil
			}
			out[string(k)] = stats
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Prune trims every sequence bucket down to the configured cap. Appends
// prune opportunistically; this is for explicit maintenance (shutdown,
// tests).
func (j *Journal) Prune() error {
	return j.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range seqBuckets {
			bucket := tx.Bucket([]byte(name))
			if bucket == nil {
				return fmt.Errorf("%s bucket not found", name)
			}
			if err := clampBucket(bucket, j.maxEntries); err != nil {
				return err
			}
		}
		return nil
	})
}

// Counts reports how many entries each history bucket holds.
func (j *Journal) Counts() (connectionEvents, switchRecords int, err error) {
	err = j.db.View(func(tx *bbolt.Tx) error {
		connectionEvents = countKeys(tx.Bucket([]byte(ConnectionEventsBucket)))
		switchRecords = countKeys(tx.Bucket([]byte(SwitchRecordsBucket)))
		return nil
	})
	return connectionEvents, switchRecords, err
}

// seqKey encodes a sequence number big-endian so byte order equals append
// order.
func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// clampBucket deletes the oldest entries until the bucket holds at most
// max keys.
func clampBucket(bucket *bbolt.Bucket, max int) error {
	if max <= 0 {
		return nil
	}

	count := countKeys(bucket)
	cursor := bucket.Cursor()
	for k, _ := cursor.First(); k != nil && count > max; k, _ = cursor.First() {
		if err := bucket.Delete(k); err != nil {
			return err
		}
		count--
	}
	return nil
}

func countKeys(bucket *bbolt.Bucket) int {
	if bucket == nil {
		return 0
	}
	n := 0
	c := bucket.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}
	return n
}

func reverse[T any](s []T) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
