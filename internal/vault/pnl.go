package vault

import (
	"fmt"

	"LevVault/internal/fixedpoint"
)

const microsPerHour = int64(3_600_000_000)

// Evaluation is the settlement view of a position at a given price and time.
// All fields are in the same units as collateral.
type Evaluation struct {
	PnL          int64 `json:"pnl"`          // gross move minus borrow cost minus open fee
	Equity       int64 `json:"equity"`       // collateral + PnL
	BorrowCost   int64 `json:"borrow_cost"`  // accrued funding since open
	Notional     int64 `json:"notional"`     // collateral * leverage
	Threshold    int64 `json:"threshold"`    // liquidation equity floor
	Liquidatable bool  `json:"liquidatable"` // equity <= threshold
}

// Evaluate computes the PnL and liquidation status of a position at
// closePrice and time now (unix micros). Pure: it reads the position and
// touches nothing else. Borrow cost accrues per whole elapsed hour.
func Evaluate(p *Position, closePrice, now int64) (Evaluation, error) {
	var ev Evaluation
	if closePrice <= 0 {
		return ev, fmt.Errorf("%w: close price must be > 0, got %d", ErrInvalidArgument, closePrice)
	}
	if now < p.OpenedAt {
		return ev, fmt.Errorf("%w: evaluation time %d before open time %d", ErrInvalidArgument, now, p.OpenedAt)
	}

	notional, err := p.Notional()
	if err != nil {
		return ev, err
	}
	ev.Notional = notional

	delta, err := fixedpoint.Sub(closePrice, p.OpenPrice)
	if err != nil {
		return ev, err
	}
	delta *= p.SideSign()

	gross, err := fixedpoint.MulDiv(notional, delta, p.OpenPrice)
	if err != nil {
		return ev, err
	}

	hours := (now - p.OpenedAt) / microsPerHour
	costPerHour, err := fixedpoint.MulScale(notional, p.BorrowBaseRatePerHour)
	if err != nil {
		return ev, err
	}
	ev.BorrowCost, err = fixedpoint.Mul(costPerHour, hours)
	if err != nil {
		return ev, err
	}

	pnl, err := fixedpoint.Sub(gross, ev.BorrowCost)
	if err != nil {
		return ev, err
	}
	pnl, err = fixedpoint.Sub(pnl, p.OpenFee)
	if err != nil {
		return ev, err
	}
	ev.PnL = pnl

	ev.Equity, err = fixedpoint.Add(p.InitialCollateral, pnl)
	if err != nil {
		return ev, err
	}

	ev.Threshold, err = fixedpoint.MulScale(notional, p.LiquidationThresholdRate)
	if err != nil {
		return ev, err
	}
	ev.Liquidatable = ev.Equity <= ev.Threshold
	return ev, nil
}
