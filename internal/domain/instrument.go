package domain

import "sort"

// Instrument is a tradable market with an optional starting reference
// price used until the first trade prints.
type Instrument struct {
	ID             string
	ReferencePrice int64 // ticks, 0 when unknown
}

// InstrumentRegistry is the fixed set of instruments a process serves.
// It is read-only after construction and safe for concurrent use.
type InstrumentRegistry struct {
	instruments map[string]Instrument
}

// NewInstrumentRegistry creates a registry holding the given instruments.
func NewInstrumentRegistry(instruments ...Instrument) *InstrumentRegistry {
	r := &InstrumentRegistry{instruments: make(map[string]Instrument, len(instruments))}
	for _, in := range instruments {
		r.instruments[in.ID] = in
	}
	return r
}

// Get returns the instrument with the given id.
func (r *InstrumentRegistry) Get(id string) (Instrument, bool) {
	in, ok := r.instruments[id]
	return in, ok
}

// Exists returns true if the instrument is served.
func (r *InstrumentRegistry) Exists(id string) bool {
	_, ok := r.instruments[id]
	return ok
}

// List returns all instruments sorted by id.
func (r *InstrumentRegistry) List() []Instrument {
	out := make([]Instrument, 0, len(r.instruments))
	for _, in := range r.instruments {
		out = append(out, in)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
