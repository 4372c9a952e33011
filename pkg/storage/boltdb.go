package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketJobs    = []byte("jobs")
	bucketHistory = []byte("history")
)

// DefaultMaxRecords bounds the journal size
const DefaultMaxRecords = 1000

// lockTimeout bounds the wait for the file lock held by another process
const lockTimeout = time.Second

const dbFile = "jobs.db"

// BoltJournal implements Journal using BoltDB
type BoltJournal struct {
	db         *bolt.DB
	maxRecords int
}

// NewBoltJournal opens (or creates) the journal file in dataDir
func NewBoltJournal(dataDir string, maxRecords int) (*BoltJournal, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, dbFile)

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: lockTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketJobs, bucketHistory} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	if maxRecords <= 0 {
		maxRecords = DefaultMaxRecords
	}
	return &BoltJournal{db: db, maxRecords: maxRecords}, nil
}

// OpenReadOnly opens an existing journal for reading. It fails while a
// running worker holds the file.
func OpenReadOnly(dataDir string) (*BoltJournal, error) {
	dbPath := filepath.Join(dataDir, dbFile)
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("no journal in %s: %w", dataDir, err)
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: lockTimeout, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &BoltJournal{db: db, maxRecords: DefaultMaxRecords}, nil
}

// Close closes the database
func (s *BoltJournal) Close() error {
	return s.db.Close()
}

// Path returns the database file path
func (s *BoltJournal) Path() string {
	return s.db.Path()
}

func (s *BoltJournal) Record(rec *JobRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		history := tx.Bucket(bucketHistory)

		if existing := jobs.Get([]byte(rec.JobID)); existing != nil {
			var prev JobRecord
			if err := json.Unmarshal(existing, &prev); err != nil {
				return err
			}
			rec.Seq = prev.Seq
		} else {
			seq, err := history.NextSequence()
			if err != nil {
				return err
			}
			rec.Seq = seq
			if err := history.Put(seqKey(seq), []byte(rec.JobID)); err != nil {
				return err
			}
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := jobs.Put([]byte(rec.JobID), data); err != nil {
			return err
		}
		return s.prune(history, jobs)
	})
}

// prune drops the oldest records beyond maxRecords
func (s *BoltJournal) prune(history, jobs *bolt.Bucket) error {
	c := history.Cursor()
	first, _ := c.First()
	last, _ := c.Last()
	if first == nil {
		return nil
	}

	// History keys are contiguous since pruning only removes the oldest
	count := binary.BigEndian.Uint64(last) - binary.BigEndian.Uint64(first) + 1
	if count <= uint64(s.maxRecords) {
		return nil
	}
	excess := int(count - uint64(s.maxRecords))

	var stale [][]byte
	for k, v := c.First(); k != nil && len(stale) < excess; k, v = c.Next() {
		if err := jobs.Delete(v); err != nil {
			return err
		}
		stale = append(stale, append([]byte(nil), k...))
	}
	for _, k := range stale {
		if err := history.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (s *BoltJournal) Get(jobID string) (*JobRecord, error) {
	var rec JobRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketJobs).Get([]byte(jobID))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, jobID)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltJournal) Recent(n int) ([]*JobRecord, error) {
	var records []*JobRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		c := tx.Bucket(bucketHistory).Cursor()
		for k, v := c.Last(); k != nil && len(records) < n; k, v = c.Prev() {
			data := jobs.Get(v)
			if data == nil {
				continue
			}
			var rec JobRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return err
			}
			records = append(records, &rec)
		}
		return nil
	})
	return records, err
}

func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}
