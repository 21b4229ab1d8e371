package store

import (
	"sync"

	"github.com/efreitasn/ordermatch/internal/domain"
)

// TradeStore is a thread-safe in-memory tape of recent trades, keyed by
// instrument. The engine appends from its command loops; the HTTP layer
// reads concurrently.
type TradeStore struct {
	mu     sync.RWMutex
	limit  int
	trades map[string][]domain.Trade // instrument → trades (chronological)
}

// NewTradeStore creates an empty TradeStore keeping at most limit trades
// per instrument. A limit <= 0 keeps everything.
func NewTradeStore(limit int) *TradeStore {
	return &TradeStore{
		limit:  limit,
		trades: make(map[string][]domain.Trade),
	}
}

// Append adds trades to their instruments' chronological lists.
func (s *TradeStore) Append(trades ...domain.Trade) {
	if len(trades) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range trades {
		list := append(s.trades[t.InstrumentID], t)
		if s.limit > 0 && len(list) > s.limit {
			list = list[len(list)-s.limit:]
		}
		s.trades[t.InstrumentID] = list
	}
}

// GetByInstrument returns the most recent trades for an instrument in
// chronological order. Returns an empty slice if none exist.
func (s *TradeStore) GetByInstrument(instrument string) []domain.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()

	trades := s.trades[instrument]
	// Return a copy to avoid callers mutating the internal slice.
	result := make([]domain.Trade, len(trades))
	copy(result, trades)
	return result
}
