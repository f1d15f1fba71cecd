package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/hivetrap/sentinel/internal/event"
)

// EventDB wraps bolt database operations for the event log
type EventDB struct {
	db     *bbolt.DB
	logger *zap.SugaredLogger
}

// NewEventDB opens (or creates) the event database under dataDir
func NewEventDB(dataDir string, logger *zap.SugaredLogger) (*EventDB, error) {
	dbPath := filepath.Join(dataDir, "events.db")

	db, err := bbolt.Open(dbPath, 0644, &bbolt.Options{
		Timeout: 10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	eventDB := &EventDB{
		db:     db,
		logger: logger,
	}

	if err := eventDB.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}

	return eventDB, nil
}

// Close closes the database
func (e *EventDB) Close() error {
	return e.db.Close()
}

// initBuckets creates required buckets and reconciles the stored field list
// with this build's schema. New fields are appended; fields recorded by a
// newer build are kept so the record shape only ever grows.
func (e *EventDB) initBuckets() error {
	return e.db.Update(func(tx *bbolt.Tx) error {
		buckets := []string{
			EventsBucket,
			HashIndexBucket,
			MetaBucket,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}

		meta := tx.Bucket([]byte(MetaBucket))

		versionBytes := make([]byte, 8)
		binary.LittleEndian.PutUint64(versionBytes, CurrentSchemaVersion)
		if err := meta.Put([]byte(SchemaVersionKey), versionBytes); err != nil {
			return err
		}

		var recorded []string
		if data := meta.Get([]byte(StoredFieldsKey)); data != nil {
			if err := json.Unmarshal(data, &recorded); err != nil {
				e.logger.Warnf("Unreadable stored field list, rewriting: %v", err)
				recorded = nil
			}
		}

		merged := mergeFields(recorded, storedFields)
		if len(merged) != len(recorded) {
			data, err := json.Marshal(merged)
			if err != nil {
				return err
			}
			if err := meta.Put([]byte(StoredFieldsKey), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// mergeFields appends fields from want that existing does not already have,
// preserving the recorded order of existing fields.
func mergeFields(existing, want []string) []string {
	seen := make(map[string]bool, len(existing))
	merged := make([]string, 0, len(want))
	for _, f := range existing {
		seen[f] = true
		merged = append(merged, f)
	}
	for _, f := range want {
		if !seen[f] {
			merged = append(merged, f)
		}
	}
	return merged
}

// GetSchemaVersion returns the current schema version
func (e *EventDB) GetSchemaVersion() (uint64, error) {
	var version uint64
	err := e.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(MetaBucket))
		if bucket == nil {
			return fmt.Errorf("meta bucket not found")
		}

		versionBytes := bucket.Get([]byte(SchemaVersionKey))
		if versionBytes == nil {
			version = 0
			return nil
		}

		version = binary.LittleEndian.Uint64(versionBytes)
		return nil
	})

	return version, err
}

// StoredFields returns the field list recorded in the meta bucket.
func (e *EventDB) StoredFields() ([]string, error) {
	var fields []string
	err := e.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(MetaBucket))
		if bucket == nil {
			return fmt.Errorf("meta bucket not found")
		}
		data := bucket.Get([]byte(StoredFieldsKey))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &fields)
	})
	return fields, err
}

// InsertEvent stores a record, assigning it the next sequence id. The
// canonical hash is registered in the index bucket first; a hash already
// present fails the whole transaction with ErrDuplicateEvent.
func (e *EventDB) InsertEvent(rec *event.Record) (int64, error) {
	var id int64

	err := e.db.Update(func(tx *bbolt.Tx) error {
		hashIndex := tx.Bucket([]byte(HashIndexBucket))
		if hashIndex.Get([]byte(rec.LogHash)) != nil {
			return ErrDuplicateEvent
		}

		events := tx.Bucket([]byte(EventsBucket))
		seq, err := events.NextSequence()
		if err != nil {
			return err
		}
		id = int64(seq)

		rec.ID = id
		rec.CreatedAt = time.Now().UTC()

		data, err := rec.MarshalBinary()
		if err != nil {
			return err
		}

		key := idKey(id)
		if err := events.Put(key, data); err != nil {
			return err
		}
		return hashIndex.Put([]byte(rec.LogHash), key)
	})

	return id, err
}

// GetEvent retrieves a record by id
func (e *EventDB) GetEvent(id int64) (*event.Record, error) {
	var rec *event.Record

	err := e.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(EventsBucket))
		data := bucket.Get(idKey(id))
		if data == nil {
			return ErrEventNotFound
		}

		rec = &event.Record{}
		return rec.UnmarshalBinary(data)
	})

	return rec, err
}

// CountEvents returns the number of stored records.
func (e *EventDB) CountEvents() (int64, error) {
	var count int64
	err := e.db.View(func(tx *bbolt.Tx) error {
		count = int64(tx.Bucket([]byte(EventsBucket)).Stats().KeyN)
		return nil
	})
	return count, err
}

// ScanNewestFirst iterates records in descending id order. The callback
// returns false to stop early.
func (e *EventDB) ScanNewestFirst(fn func(rec *event.Record) bool) error {
	return e.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(EventsBucket)).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			rec := &event.Record{}
			if err := rec.UnmarshalBinary(v); err != nil {
				e.logger.Warnf("Skipping undecodable record %x: %v", k, err)
				continue
			}
			if !fn(rec) {
				return nil
			}
		}
		return nil
	})
}

// EventsAfter returns up to limit records with id greater than afterID in
// ascending id order.
func (e *EventDB) EventsAfter(afterID int64, limit int) ([]*event.Record, error) {
	var records []*event.Record

	err := e.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(EventsBucket)).Cursor()
		for k, v := c.Seek(idKey(afterID + 1)); k != nil; k, v = c.Next() {
			rec := &event.Record{}
			if err := rec.UnmarshalBinary(v); err != nil {
				e.logger.Warnf("Skipping undecodable record %x: %v", k, err)
				continue
			}
			records = append(records, rec)
			if limit > 0 && len(records) >= limit {
				return nil
			}
		}
		return nil
	})

	return records, err
}

// Backup creates a backup of the database
func (e *EventDB) Backup(destPath string) error {
	return e.db.View(func(tx *bbolt.Tx) error {
		return tx.CopyFile(destPath, 0644)
	})
}

func idKey(id int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(id))
	return key
}
