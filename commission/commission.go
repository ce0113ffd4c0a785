/*
commission.go - what a collection agent earns

An agent's cut of each payment decays the longer the cash sits in the
field before being reported. The contract has three knobs: the base
rate, grace days before the decay starts, and the per-day penalty as a
fraction of the base rate. The decay is multiplicative:

    eff = base * (1 - penalty * extra_days)

floored at zero, so at penalty 0.1 a payment held three days past
grace earns 70% of the base rate. Rates arrive as fractions or
percentages; anything above 1 is treated as a percentage.
*/

package commission

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/previsora/cobranza-engine/core"
)

var one = decimal.NewFromInt(1)
var hundred = decimal.NewFromInt(100)

// NormalizeRate folds fraction and percentage inputs into a fraction:
// 0.05 stays 0.05, 5 becomes 0.05.
func NormalizeRate(v decimal.Decimal) decimal.Decimal {
	if v.GreaterThan(one) {
		return v.Div(hundred)
	}
	return v
}

// EffectiveRate applies the decay to one payment's holding time.
func EffectiveRate(cfg core.CommissionConfig, daysHeld int) decimal.Decimal {
	base := NormalizeRate(cfg.BaseRate)
	penalty := NormalizeRate(cfg.PenaltyPerDay)

	extra := daysHeld - cfg.GraceDays
	if extra <= 0 {
		return base
	}
	eff := base.Mul(one.Sub(penalty.Mul(decimal.NewFromInt(int64(extra)))))
	if eff.Sign() < 0 {
		return decimal.Zero
	}
	return eff
}

// Report is one agent's commission position for a reporting period.
type Report struct {
	AgentUserID core.UserID
	Period      core.Period
	Currency    core.Currency

	// Expected is the full-collection projection: every active
	// member's fee at the base rate.
	Expected decimal.Decimal
	// Earned is what the posted collections actually yield after
	// decay, restricted to allocations on the reporting period.
	Earned decimal.Decimal
	// Paid is what has already left a box as a payout.
	Paid decimal.Decimal

	Payments int
}

// Outstanding is what the agent is still owed.
func (r Report) Outstanding() decimal.Decimal {
	out := r.Earned.Sub(r.Paid)
	if out.Sign() < 0 {
		return decimal.Zero
	}
	return out
}

// Calculator derives commission reports from the store.
type Calculator struct {
	Store    core.Store
	Calendar core.Calendar
	Currency core.Currency
}

// NewCalculator wires the calculator for the default currency.
func NewCalculator(store core.Store, cal core.Calendar) *Calculator {
	return &Calculator{Store: store, Calendar: cal, Currency: core.ARS}
}

// ReportFor computes one agent's position for the period, as of now.
func (c *Calculator) ReportFor(ctx context.Context, agentUserID core.UserID, period core.Period) (*Report, error) {
	if !period.Valid() {
		return nil, core.NewError(core.CodeInvalidPeriod, "reporting period is not YYYY-MM").
			With("period", string(period))
	}
	agent, err := c.Store.GetUser(ctx, agentUserID)
	if err != nil {
		return nil, err
	}
	if agent.Role != core.RoleAgent {
		return nil, core.NewError(core.CodeInvalidRequest, "commission reports cover agents").
			With("user_id", string(agentUserID))
	}

	now := c.Calendar.NowTime()
	report := Report{
		AgentUserID: agent.ID,
		Period:      period,
		Currency:    c.Currency,
		Expected:    decimal.Zero,
		Earned:      decimal.Zero,
		Paid:        decimal.Zero,
	}

	// Expected: every active member's fee at the base rate.
	members, err := c.Store.ListMembersByAgent(ctx, agent.AgentID)
	if err != nil {
		return nil, err
	}
	base := NormalizeRate(agent.Commission.BaseRate)
	for _, m := range members {
		if m.CancelledAt != nil || !m.Active {
			continue
		}
		report.Expected = report.Expected.Add(m.EffectiveFee().Mul(base))
	}
	report.Expected = core.Round2(report.Expected)

	// Earned: decay applied per payment over its period allocations.
	collected, _, err := c.Store.ListPayments(ctx, core.PaymentFilter{
		AgentID:     agent.AgentID,
		Statuses:    core.PaidStatuses(),
		AllocPeriod: period,
	})
	if err != nil {
		return nil, err
	}
	for _, p := range collected {
		if p.PostedAt == nil {
			continue
		}
		eff := EffectiveRate(agent.Commission, daysBetween(*p.PostedAt, now))
		for _, a := range p.Allocations {
			if a.Period != period {
				continue
			}
			report.Earned = report.Earned.Add(a.Amount.Mul(eff))
		}
		report.Payments++
	}
	report.Earned = core.Round2(report.Earned)

	// Paid: payout debits on the agent's commission account inside the
	// period's own window.
	loc := c.Calendar.Location()
	from, to := period.Start(loc), period.End(loc)
	totals, err := c.Store.EntryTotals(ctx, core.EntryFilter{
		Accounts: []core.AccountCode{core.ComisionCobrador},
		Kinds:    []core.EntryKind{core.KindCommissionPayout},
		Owner:    &agent.ID,
		Currency: c.Currency,
		From:     &from,
		To:       &to,
	})
	if err != nil {
		return nil, err
	}
	for _, t := range totals {
		report.Paid = report.Paid.Add(t.Debits)
	}
	report.Paid = core.Round2(report.Paid)

	return &report, nil
}

// daysBetween counts whole days from a to b, never negative.
func daysBetween(a, b time.Time) int {
	if b.Before(a) {
		return 0
	}
	return int(b.Sub(a).Hours() / 24)
}
