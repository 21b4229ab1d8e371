package domain

// Balance splits a holding into what can be committed to new orders and
// what is locked by orders already working.
type Balance struct {
	Available int64
	Escrowed  int64
}

// Total returns available plus escrowed.
func (b Balance) Total() int64 {
	return b.Available + b.Escrowed
}

// Position is the running exposure built from a user's fills.
type Position struct {
	Quantity    int64 // signed: positive long, negative short
	AvgPrice    int64 // volume-weighted entry price, ticks
	RealizedPnL int64 // ticks
}

// Apply folds a fill into the position. Fills that reduce exposure
// realize (price - avg) × qty × direction; fills that extend it move
// the volume-weighted average.
func (p *Position) Apply(side OrderSide, qty, price int64) {
	signed := qty
	if side == OrderSideAsk {
		signed = -qty
	}

	switch {
	case p.Quantity == 0 || (p.Quantity > 0) == (signed > 0):
		total := abs(p.Quantity) + qty
		p.AvgPrice = (p.AvgPrice*abs(p.Quantity) + price*qty) / total
		p.Quantity += signed
	default:
		closing := min(qty, abs(p.Quantity))
		direction := int64(1)
		if p.Quantity < 0 {
			direction = -1
		}
		p.RealizedPnL += (price - p.AvgPrice) * closing * direction
		p.Quantity += signed
		switch {
		case p.Quantity == 0:
			p.AvgPrice = 0
		case (p.Quantity > 0) != (direction > 0):
			// Flipped through zero: the excess opens at this price.
			p.AvgPrice = price
		}
	}
}

// Account is one user's funds inside a single instrument's context.
type Account struct {
	UserID   string
	Cash     Balance
	Asset    Balance
	Position Position
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
