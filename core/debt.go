/*
debt.go - what a member owes, period by period

Debt is always derived, never stored: charge what the fee resolver
says for each period from joining to now, subtract what allocations
already covered, and the difference is the balance. Because it is a
pure fold over (member, allocations, window), two callers computing
debt inside the same transaction see the same figures.
*/

package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// DebtStatus of one billing period.
type DebtStatus string

const (
	DebtPaid    DebtStatus = "paid"
	DebtPartial DebtStatus = "partial"
	DebtDue     DebtStatus = "due"
)

// PaidIndex maps period -> amount already allocated from posted or
// settled payments.
type PaidIndex map[Period]decimal.Decimal

// Add accumulates an allocation into the index.
func (ix PaidIndex) Add(p Period, amount decimal.Decimal) {
	ix[p] = ix[p].Add(amount)
}

// DebtRow is one period's position.
type DebtRow struct {
	Period  Period
	Charge  decimal.Decimal
	Paid    decimal.Decimal
	Balance decimal.Decimal
	Status  DebtStatus
}

// DebtState is the full statement for one member over a window.
type DebtState struct {
	MemberID  MemberID
	NowPeriod Period
	Rows      []DebtRow

	TotalCharge decimal.Decimal
	TotalPaid   decimal.Decimal
	// TotalDue counts only periods up to NowPeriod; future rows shown
	// for projection never add to what is collectible today.
	TotalDue decimal.Decimal
}

// BuildDebtState folds fees and allocations into per-period rows over
// [from, to]. Rows come out in ascending period order. A window that
// starts after it ends (member joined next month) yields no rows.
func BuildDebtState(m Member, fees FeeResolver, paid PaidIndex, from, to, now Period) DebtState {
	state := DebtState{
		MemberID:    m.ID,
		NowPeriod:   now,
		TotalCharge: decimal.Zero,
		TotalPaid:   decimal.Zero,
		TotalDue:    decimal.Zero,
	}
	if from == "" || to == "" || from.After(to) {
		return state
	}

	for p := from; !p.After(to); p = p.Next() {
		charge := Round2(fees.FeeFor(m, p))
		covered := Round2(paid[p])
		balance := charge.Sub(covered)
		if balance.Sign() < 0 {
			balance = decimal.Zero
		}

		status := DebtDue
		switch {
		case charge.Sign() > 0 && covered.GreaterThanOrEqual(charge):
			status = DebtPaid
		case covered.Sign() > 0:
			status = DebtPartial
		case charge.Sign() == 0:
			status = DebtPaid
		}

		state.Rows = append(state.Rows, DebtRow{
			Period:  p,
			Charge:  charge,
			Paid:    covered,
			Balance: balance,
			Status:  status,
		})
		state.TotalCharge = state.TotalCharge.Add(charge)
		state.TotalPaid = state.TotalPaid.Add(covered)
		if !p.After(now) {
			state.TotalDue = state.TotalDue.Add(balance)
		}
	}
	return state
}

// BalanceFor returns the open balance of one period, zero when the
// period is outside the window.
func (s DebtState) BalanceFor(p Period) decimal.Decimal {
	for _, r := range s.Rows {
		if r.Period == p {
			return r.Balance
		}
	}
	return decimal.Zero
}

// ArrearsMonths counts periods up to and including the current one
// that still carry a balance. This is the figure the posting cutoff
// checks.
func (s DebtState) ArrearsMonths() int {
	n := 0
	for _, r := range s.Rows {
		if !r.Period.After(s.NowPeriod) && r.Balance.Sign() > 0 {
			n++
		}
	}
	return n
}

// OpenPeriods lists periods up to now with a balance, ascending. This
// is the FIFO allocation order.
func (s DebtState) OpenPeriods() []DebtRow {
	var out []DebtRow
	for _, r := range s.Rows {
		if !r.Period.After(s.NowPeriod) && r.Balance.Sign() > 0 {
			out = append(out, r)
		}
	}
	return out
}

// DebtWindow computes the statement window for a member: from the
// joining period to now, optionally extended horizonMonths into the
// future for projections.
func DebtWindow(m Member, cal Calendar, horizonMonths int) (from, to, now Period) {
	now = cal.Now()
	from = cal.PeriodAt(m.JoinedAt)
	to = now
	if horizonMonths > 0 {
		to = now.AddMonths(horizonMonths)
	}
	return from, to, now
}

// TimeOrNow resolves an optional timestamp to the calendar's clock.
func TimeOrNow(t *time.Time, cal Calendar) time.Time {
	if t != nil {
		return t.In(cal.Location())
	}
	return cal.NowTime()
}
