package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/efreitasn/ordermatch/internal/domain"
)

const commandKind = "cmd"

// Journal is the write-ahead record of accepted commands, stored under
// cmd/<instrument>/<n> with n counting from 1 per instrument.
type Journal struct {
	db *DB

	mu   sync.Mutex
	next map[string]uint64 // instrument → next position
}

// NewJournal returns a journal backed by db.
func NewJournal(db *DB) *Journal {
	return &Journal{db: db, next: make(map[string]uint64)}
}

// Append durably records cmd after the instrument's last command.
func (j *Journal) Append(cmd domain.Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode command %s: %w", cmd.ID, err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	n, ok := j.next[cmd.InstrumentID]
	if !ok {
		last, err := j.last(cmd.InstrumentID)
		if err != nil {
			return err
		}
		n = last + 1
	}
	if err := j.db.db.Set(seqKey(commandKind, cmd.InstrumentID, n), data, pebble.Sync); err != nil {
		return fmt.Errorf("journal command %s: %w", cmd.ID, err)
	}
	j.next[cmd.InstrumentID] = n + 1
	return nil
}

// Replay calls fn with every journaled command of the instrument, oldest
// first, and stops at the first error.
func (j *Journal) Replay(instrumentID string, fn func(domain.Command) error) error {
	iter, err := j.db.prefixIter(instrumentPrefix(commandKind, instrumentID))
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		cmd, err := domain.DecodeCommand(iter.Value())
		if err != nil {
			return fmt.Errorf("decode %s: %w", iter.Key(), err)
		}
		if err := fn(cmd); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Len returns how many commands the instrument has journaled.
func (j *Journal) Len(instrumentID string) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if n, ok := j.next[instrumentID]; ok {
		return n - 1, nil
	}
	return j.last(instrumentID)
}

// last returns the position of the instrument's newest command, or 0.
func (j *Journal) last(instrumentID string) (uint64, error) {
	prefix := instrumentPrefix(commandKind, instrumentID)
	iter, err := j.db.prefixIter(prefix)
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	if !iter.Last() {
		return 0, iter.Error()
	}
	n, err := strconv.ParseUint(string(iter.Key()[len(prefix):]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse journal key %s: %w", iter.Key(), err)
	}
	return n, nil
}
