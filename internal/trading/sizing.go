package trading

import (
	"fmt"

	"github.com/shopspring/decimal"

	"terminal-trader/internal/config"
)

// SizingMode selects how an auto-sized order is expressed to the venue.
type SizingMode string

const (
	// SizingMargin enters a margin amount and lets the venue derive quantity.
	SizingMargin SizingMode = "margin"
	// SizingContracts computes a whole-contract count locally.
	SizingContracts SizingMode = "contracts"
)

// SizingPlan is the outcome of auto-sizing.
type SizingPlan struct {
	Mode      SizingMode
	Balance   float64
	Margin    float64
	Contracts float64
}

// Amount returns the figure to enter into the order form for this plan.
func (p SizingPlan) Amount() float64 {
	if p.Mode == SizingContracts {
		return p.Contracts
	}
	return p.Margin
}

var hundred = decimal.NewFromInt(100)

// UsableMargin returns floor(balance × fraction × 100)/100, capped at maxMargin
// when maxMargin > 0. The result is never negative.
func UsableMargin(balance, fraction, maxMargin float64) float64 {
	usable := decimal.NewFromFloat(balance).
		Mul(decimal.NewFromFloat(fraction)).
		Mul(hundred).
		Floor().
		Div(hundred)

	if maxMargin > 0 {
		limit := decimal.NewFromFloat(maxMargin)
		if usable.GreaterThan(limit) {
			usable = limit
		}
	}
	if usable.IsNegative() {
		return 0
	}
	f, _ := usable.Float64()
	return f
}

// ContractCount returns the whole number of contracts margin can open at price,
// where one contract costs price × contractSize ÷ leverage in margin.
func ContractCount(margin, price, contractSize, leverage float64) float64 {
	if margin <= 0 || price <= 0 || contractSize <= 0 || leverage <= 0 {
		return 0
	}
	perContract := decimal.NewFromFloat(price).
		Mul(decimal.NewFromFloat(contractSize)).
		Div(decimal.NewFromFloat(leverage))
	if !perContract.IsPositive() {
		return 0
	}
	n, _ := decimal.NewFromFloat(margin).Div(perContract).Floor().Float64()
	return n
}

// PlanAutoSize builds the sizing plan for a sentinel-quantity order. price is
// only consulted in contracts mode.
func PlanAutoSize(cfg config.SizingConfig, balance, price float64) (SizingPlan, error) {
	plan := SizingPlan{
		Mode:    SizingMode(cfg.Mode),
		Balance: balance,
		Margin:  UsableMargin(balance, cfg.UsableFraction, cfg.MaxMargin),
	}
	switch plan.Mode {
	case SizingMargin:
		if plan.Margin <= 0 {
			return plan, fmt.Errorf("no usable margin from balance %.2f", balance)
		}
	case SizingContracts:
		if price <= 0 {
			return plan, fmt.Errorf("contracts sizing needs a price")
		}
		plan.Contracts = ContractCount(plan.Margin, price, cfg.ContractSize, cfg.Leverage)
		if plan.Contracts < 1 {
			return plan, fmt.Errorf("margin %.2f buys no whole contract at %.2f", plan.Margin, price)
		}
	default:
		return plan, fmt.Errorf("unknown sizing mode %q", cfg.Mode)
	}
	return plan, nil
}

// PositionMargin returns the margin a filled position ties up,
// price × qty × contractSize ÷ leverage rounded to cents.
func PositionMargin(price, qty, contractSize, leverage float64) float64 {
	if price <= 0 || qty <= 0 || contractSize <= 0 || leverage <= 0 {
		return 0
	}
	m, _ := decimal.NewFromFloat(price).
		Mul(decimal.NewFromFloat(qty)).
		Mul(decimal.NewFromFloat(contractSize)).
		Div(decimal.NewFromFloat(leverage)).
		Round(2).
		Float64()
	return m
}
