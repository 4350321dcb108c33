// Package telem keeps a bounded, persistent history of link metrics.
// Persistence matters because satfail also runs as a one-shot cron
// job, where the previous cycle's sample lives in no process memory.
package telem

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/markus-lassfolk/satfail/pkg"
	"github.com/markus-lassfolk/satfail/pkg/logx"
)

var bucketMetrics = []byte("metrics")

// Store is a bounded ring of LinkMetrics backed by bbolt.
type Store struct {
	db     *bolt.DB
	depth  int
	logger *logx.Logger
}

// NewStore opens (or creates) the history database. depth bounds how
// many samples are retained.
func NewStore(path string, depth int, logger *logx.Logger) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMetrics)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize history database: %w", err)
	}

	if depth < 1 {
		depth = 1
	}
	return &Store{db: db, depth: depth, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// Append stores one sample and trims the ring to its depth.
func (s *Store) Append(m pkg.LinkMetrics) error {
	value, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode sample: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMetrics)

		// Keys sort by capture time; NextSequence breaks ties when two
		// samples land in the same nanosecond.
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := append(itob(uint64(m.Timestamp.UnixNano())), itob(seq)...)
		if err := b.Put(key, value); err != nil {
			return err
		}

		// Trim oldest entries beyond the configured depth.
		n := 0
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			n++
		}
		var stale [][]byte
		c = b.Cursor()
		for k, _ := c.First(); k != nil && n-len(stale) > s.depth; k, _ = c.Next() {
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Last returns the most recent sample, or nil when the ring is empty.
func (s *Store) Last() (*pkg.LinkMetrics, error) {
	var last *pkg.LinkMetrics
	err := s.db.View(func(tx *bolt.Tx) error {
		_, v := tx.Bucket(bucketMetrics).Cursor().Last()
		if v == nil {
			return nil
		}
		var m pkg.LinkMetrics
		if err := json.Unmarshal(v, &m); err != nil {
			return fmt.Errorf("failed to decode sample: %w", err)
		}
		last = &m
		return nil
	})
	return last, err
}

// Recent returns up to n samples in chronological order.
func (s *Store) Recent(n int) ([]pkg.LinkMetrics, error) {
	if n < 1 {
		return nil, nil
	}
	var out []pkg.LinkMetrics
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketMetrics).Cursor()
		for k, v := c.Last(); k != nil && len(out) < n; k, v = c.Prev() {
			var m pkg.LinkMetrics
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("failed to decode sample: %w", err)
			}
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Reverse into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Len reports how many samples the ring currently holds.
func (s *Store) Len() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketMetrics).Stats().KeyN
		return nil
	})
	return n, err
}
