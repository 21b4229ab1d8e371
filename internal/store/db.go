package store

import (
	"fmt"

	"github.com/cockroachdb/pebble"
)

// DB is the pebble database shared by the outbox and the command journal.
// Each keeps its records under its own key prefix.
type DB struct {
	db *pebble.DB
}

// Open opens (or creates) the database in dir.
func Open(dir string) (*DB, error) {
	opts := &pebble.Options{
		Cache:        pebble.NewCache(64 << 20),
		MemTableSize: 32 << 20,
		MaxOpenFiles: 1000,
		BytesPerSync: 512 << 10,
	}
	defer opts.Cache.Unref()

	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", dir, err)
	}
	return &DB{db: db}, nil
}

// Close flushes and closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) prefixIter(prefix []byte) (*pebble.Iterator, error) {
	return d.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
}

// upperBound returns the smallest key greater than every key with prefix.
func upperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// seqKey builds "<kind>/<instrument>/<seq>" with the sequence zero-padded
// so keys sort numerically.
func seqKey(kind, instrumentID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s/%s/%020d", kind, instrumentID, seq))
}

func instrumentPrefix(kind, instrumentID string) []byte {
	return []byte(kind + "/" + instrumentID + "/")
}
