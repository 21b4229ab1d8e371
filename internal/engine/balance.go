package engine

import (
	"math"
	"sort"

	"github.com/efreitasn/ordermatch/internal/domain"
)

// Funds selects which of a user's balances an operation touches.
type Funds int

const (
	FundsCash Funds = iota
	FundsAsset
)

func (f Funds) String() string {
	if f == FundsCash {
		return "cash"
	}
	return "asset"
}

// FundsFor returns what an order on side escrows: bids lock cash, asks
// lock the asset.
func FundsFor(side domain.OrderSide) Funds {
	if side == domain.OrderSideBid {
		return FundsCash
	}
	return FundsAsset
}

// BalanceManager tracks available and escrowed funds for every user of
// one instrument. It performs no I/O and emits nothing; callers report
// the resulting balances in their events.
//
// Trading only moves funds between users, so capping the deposited
// totals at math.MaxInt64 keeps every balance in range.
type BalanceManager struct {
	accounts map[string]*domain.Account

	cashTotal  int64
	assetTotal int64
}

// NewBalanceManager creates an empty BalanceManager.
func NewBalanceManager() *BalanceManager {
	return &BalanceManager{accounts: make(map[string]*domain.Account)}
}

func (bm *BalanceManager) account(userID string) *domain.Account {
	a, ok := bm.accounts[userID]
	if !ok {
		a = &domain.Account{UserID: userID}
		bm.accounts[userID] = a
	}
	return a
}

func (bm *BalanceManager) balance(userID string, f Funds) *domain.Balance {
	a := bm.account(userID)
	if f == FundsCash {
		return &a.Cash
	}
	return &a.Asset
}

// Deposit credits available funds.
func (bm *BalanceManager) Deposit(userID string, cash, asset int64) error {
	if cash < 0 || asset < 0 {
		return &domain.ValidationError{Message: "deposit amounts must be >= 0"}
	}
	if cash > math.MaxInt64-bm.cashTotal || asset > math.MaxInt64-bm.assetTotal {
		return &domain.ValidationError{Message: "deposit exceeds the instrument's balance range"}
	}
	bm.cashTotal += cash
	bm.assetTotal += asset
	a := bm.account(userID)
	a.Cash.Available += cash
	a.Asset.Available += asset
	return nil
}

// Reserve moves amount from available to escrowed. It fails with
// domain.ErrInsufficientBalance, changing nothing, when available is
// short, and returns the available balance left after the reservation.
func (bm *BalanceManager) Reserve(userID string, f Funds, amount int64) (int64, error) {
	if amount < 0 {
		return 0, domain.Invariantf("balance.reserve", "negative amount %d", amount)
	}
	b := bm.balance(userID, f)
	if b.Available < amount {
		return b.Available, domain.ErrInsufficientBalance
	}
	b.Available -= amount
	b.Escrowed += amount
	return b.Available, nil
}

// CanReserve reports whether Reserve would succeed.
func (bm *BalanceManager) CanReserve(userID string, f Funds, amount int64) bool {
	return bm.balance(userID, f).Available >= amount
}

// Release moves amount from escrowed back to available.
func (bm *BalanceManager) Release(userID string, f Funds, amount int64) error {
	if amount < 0 {
		return domain.Invariantf("balance.release", "negative amount %d", amount)
	}
	b := bm.balance(userID, f)
	if b.Escrowed < amount {
		return domain.Invariantf("balance.release", "user %s releasing %d %s with only %d escrowed",
			userID, amount, f, b.Escrowed)
	}
	b.Escrowed -= amount
	b.Available += amount
	return nil
}

// SettleFill converts escrow into the traded position. A bid escrowed
// unit per lot and paid price: the escrow for qty lots is consumed, the
// improvement qty×(unit-price) is refunded to available, and the asset is
// credited. An ask consumes qty escrowed asset and is credited qty×price.
func (bm *BalanceManager) SettleFill(userID string, side domain.OrderSide, qty, price, unit int64) error {
	a := bm.account(userID)
	switch side {
	case domain.OrderSideBid:
		if unit < price {
			return domain.Invariantf("balance.settle", "user %s paying %d above escrowed unit %d", userID, price, unit)
		}
		cost := qty * unit
		if a.Cash.Escrowed < cost {
			return domain.Invariantf("balance.settle", "user %s settling %d cash with only %d escrowed",
				userID, cost, a.Cash.Escrowed)
		}
		a.Cash.Escrowed -= cost
		a.Cash.Available += qty * (unit - price)
		a.Asset.Available += qty
	case domain.OrderSideAsk:
		if a.Asset.Escrowed < qty {
			return domain.Invariantf("balance.settle", "user %s delivering %d asset with only %d escrowed",
				userID, qty, a.Asset.Escrowed)
		}
		a.Asset.Escrowed -= qty
		a.Cash.Available += qty * price
	}
	a.Position.Apply(side, qty, price)
	return nil
}

// Account returns a copy of a user's balances.
func (bm *BalanceManager) Account(userID string) domain.Account {
	if a, ok := bm.accounts[userID]; ok {
		return *a
	}
	return domain.Account{UserID: userID}
}

// Accounts returns copies of all accounts sorted by user id.
func (bm *BalanceManager) Accounts() []domain.Account {
	out := make([]domain.Account, 0, len(bm.accounts))
	for _, a := range bm.accounts {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
