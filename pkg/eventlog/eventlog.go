// Package eventlog is a small append-only audit journal backed by bbolt. It
// is never consulted for scheduling decisions: markers on disk remain the
// only source of truth for what a job's state is. This package exists so an
// operator can ask what happened to a job after its process log has
// scrolled away or been rotated.
package eventlog

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketName = []byte("events")

// Entry is one recorded lifecycle transition.
type Entry struct {
	JobID     string    `json:"job_id"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail"`
	Timestamp time.Time `json:"timestamp"`
}

// Journal wraps a bbolt database file.
type Journal struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the journal database at path.
func Open(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0o644, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open event journal %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init event journal bucket: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Append records one entry, keyed by jobID + an ascending sequence number so
// that a job's full history sorts in recorded order.
func (j *Journal) Append(entry Entry) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := fmt.Sprintf("%s/%020d", entry.JobID, seq)
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

// ForJob returns every recorded entry for jobID, in recorded order.
func (j *Journal) ForJob(jobID string) ([]Entry, error) {
	var entries []Entry
	prefix := []byte(jobID + "/")
	err := j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read job %s history: %w", jobID, err)
	}
	return entries, nil
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}
