package domain

import "testing"

type fill struct {
	side       OrderSide
	qty, price int64
}

func TestPosition_Apply(t *testing.T) {
	tests := []struct {
		name    string
		fills   []fill
		wantQty int64
		wantAvg int64
		wantPnL int64
	}{
		{
			name:    "open long",
			fills:   []fill{{OrderSideBid, 10, 100}},
			wantQty: 10, wantAvg: 100,
		},
		{
			name: "average up",
			fills: []fill{
				{OrderSideBid, 10, 100},
				{OrderSideBid, 10, 120},
			},
			wantQty: 20, wantAvg: 110,
		},
		{
			name: "close long at profit",
			fills: []fill{
				{OrderSideBid, 10, 100},
				{OrderSideAsk, 10, 120},
			},
			wantQty: 0, wantAvg: 0, wantPnL: 200,
		},
		{
			name: "partial close short at loss",
			fills: []fill{
				{OrderSideAsk, 10, 100},
				{OrderSideBid, 4, 110},
			},
			wantQty: -6, wantAvg: 100, wantPnL: -40,
		},
		{
			name: "flip long to short",
			fills: []fill{
				{OrderSideBid, 5, 100},
				{OrderSideAsk, 8, 90},
			},
			wantQty: -3, wantAvg: 90, wantPnL: -50,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p Position
			for _, f := range tt.fills {
				p.Apply(f.side, f.qty, f.price)
			}
			if p.Quantity != tt.wantQty {
				t.Errorf("Quantity = %d, want %d", p.Quantity, tt.wantQty)
			}
			if p.AvgPrice != tt.wantAvg {
				t.Errorf("AvgPrice = %d, want %d", p.AvgPrice, tt.wantAvg)
			}
			if p.RealizedPnL != tt.wantPnL {
				t.Errorf("RealizedPnL = %d, want %d", p.RealizedPnL, tt.wantPnL)
			}
		})
	}
}

func TestBalance_Total(t *testing.T) {
	b := Balance{Available: 70, Escrowed: 30}
	if b.Total() != 100 {
		t.Errorf("Total() = %d, want 100", b.Total())
	}
}
