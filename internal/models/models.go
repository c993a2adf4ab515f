// Package models provides domain models for the trading application.
package models

import (
	"fmt"
	"strings"
)

// Direction is the position direction requested by the caller.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// ParseDirection maps LONG/SHORT and the buy/sell convention onto a Direction.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LONG", "BUY":
		return Long, nil
	case "SHORT", "SELL":
		return Short, nil
	default:
		return "", fmt.Errorf("unknown direction %q", s)
	}
}

// Side returns the order-entry side for the direction.
func (d Direction) Side() OrderSide {
	if d == Short {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderSide represents the side of an order as the terminal labels it.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// AutoSize is the sentinel quantity meaning "size from the spendable balance".
// Any negative quantity is treated the same way.
const AutoSize = -1.0

// OrderRequest is a normalized market order request.
type OrderRequest struct {
	Symbol     string    `json:"symbol,omitempty"`
	Direction  Direction `json:"direction"`
	Quantity   float64   `json:"quantity"`
	StopLoss   *float64  `json:"stopLoss,omitempty"`
	TakeProfit *float64  `json:"takeProfit,omitempty"`
}

// IsAutoSize reports whether the quantity is the auto-size sentinel.
func (r OrderRequest) IsAutoSize() bool {
	return r.Quantity < 0
}

// Validate checks the request invariants.
func (r OrderRequest) Validate() error {
	if r.Direction != Long && r.Direction != Short {
		return fmt.Errorf("direction must be LONG or SHORT, got %q", r.Direction)
	}
	if r.Quantity == 0 {
		return fmt.Errorf("quantity must be positive or the auto-size sentinel")
	}
	if r.StopLoss != nil && *r.StopLoss <= 0 {
		return fmt.Errorf("stop-loss must be a positive price")
	}
	if r.TakeProfit != nil && *r.TakeProfit <= 0 {
		return fmt.Errorf("take-profit must be a positive price")
	}
	return nil
}

// Float returns a pointer to v, for optional price fields.
func Float(v float64) *float64 {
	return &v
}
