// Package ledger maintains an optional, purely observational record of
// chunk hashes seen across all models, backed by BoltDB. It exists for
// statistics and garbage collection only: the Download Engine never
// consults it to decide whether a chunk still needs fetching, so it
// cannot change the module's fetch-count guarantees.
package ledger

import (
	"encoding/binary"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
)

var bucketChunks = []byte("chunks")

// Ledger is a BoltDB-backed record of (chunk hash -> last-seen time, size).
type Ledger struct {
	db *bolt.DB
}

// Open opens or creates the ledger database at path.
func Open(path string) (*Ledger, error) {
	db, err := bolt.Open(filepath.Clean(path), 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(bucketChunks)
		return e
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &Ledger{db: db}, nil
}

// Close releases the underlying database handle.
func (l *Ledger) Close() error { return l.db.Close() }

// Record notes that a chunk with the given hash and size was seen just
// now. Called after a chunk is validated; purely additive bookkeeping.
func (l *Ledger) Record(hash string, size int64) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketChunks)
		if bk == nil {
			return bolt.ErrBucketNotFound
		}
		buf := make([]byte, 16)
		binary.BigEndian.PutUint64(buf[:8], uint64(time.Now().Unix()))
		binary.BigEndian.PutUint64(buf[8:], uint64(size))
		return bk.Put([]byte(hash), buf)
	})
}

// Has reports whether hash has ever been recorded.
func (l *Ledger) Has(hash string) bool {
	var ok bool
	_ = l.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketChunks)
		if bk == nil {
			return nil
		}
		ok = bk.Get([]byte(hash)) != nil
		return nil
	})
	return ok
}

// DedupEligibleBytes sums the recorded size for every hash in live,
// counting each hash once even if referenced by multiple models.
func (l *Ledger) DedupEligibleBytes(live map[string]bool) (int64, error) {
	var total int64
	seen := make(map[string]bool)
	err := l.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketChunks)
		if bk == nil {
			return nil
		}
		return bk.ForEach(func(k, v []byte) error {
			hash := string(k)
			if !live[hash] || seen[hash] || len(v) < 16 {
				return nil
			}
			seen[hash] = true
			total += int64(binary.BigEndian.Uint64(v[8:]))
			return nil
		})
	})
	return total, err
}

// Prune removes entries for hashes not present in live, the set of chunk
// hashes the caller still considers referenced.
func (l *Ledger) Prune(live map[string]bool) (int, error) {
	removed := 0
	err := l.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketChunks)
		if bk == nil {
			return bolt.ErrBucketNotFound
		}
		c := bk.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if !live[string(k)] {
				if err := c.Delete(); err != nil {
					return err
				}
				removed++
			}
		}
		return nil
	})
	return removed, err
}
