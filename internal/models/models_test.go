package models

import "testing"

func TestParseDirection(t *testing.T) {
	tests := []struct {
		in   string
		want Direction
		side OrderSide
	}{
		{"LONG", Long, OrderSideBuy},
		{"buy", Long, OrderSideBuy},
		{" short ", Short, OrderSideSell},
		{"Sell", Short, OrderSideSell},
	}
	for _, tt := range tests {
		got, err := ParseDirection(tt.in)
		if err != nil {
			t.Fatalf("ParseDirection(%q): %v", tt.in, err)
		}
		if got != tt.want || got.Side() != tt.side {
			t.Errorf("ParseDirection(%q) = %s/%s, want %s/%s", tt.in, got, got.Side(), tt.want, tt.side)
		}
	}
	if _, err := ParseDirection("HOLD"); err == nil {
		t.Error("expected error for HOLD")
	}
}

func TestOrderRequestValidate(t *testing.T) {
	valid := OrderRequest{Direction: Long, Quantity: 1, TakeProfit: Float(3500), StopLoss: Float(3000)}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}

	auto := OrderRequest{Direction: Short, Quantity: AutoSize}
	if err := auto.Validate(); err != nil || !auto.IsAutoSize() {
		t.Fatalf("auto-size request: err=%v auto=%v", err, auto.IsAutoSize())
	}

	bad := []OrderRequest{
		{Direction: "UP", Quantity: 1},
		{Direction: Long, Quantity: 0},
		{Direction: Long, Quantity: 1, StopLoss: Float(-5)},
	}
	for _, r := range bad {
		if err := r.Validate(); err == nil {
			t.Errorf("expected %+v to be invalid", r)
		}
	}
}

func TestSessionStateBrokerConnected(t *testing.T) {
	for state, want := range map[BrokerState]bool{
		BrokerConnected:    true,
		BrokerUnverified:   true,
		BrokerFailed:       false,
		BrokerDisconnected: false,
	} {
		if got := (SessionState{Broker: state}).BrokerConnected(); got != want {
			t.Errorf("%s: BrokerConnected = %v, want %v", state, got, want)
		}
	}
}
