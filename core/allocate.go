/*
allocate.go - splitting a payment across billing periods

Two strategies. FIFO walks open periods oldest-first and fills each
balance until the money runs out; anything left over means the payer
handed in more than they owe, which is refused rather than parked.
Manual lets the operator pin amounts to chosen periods first - never a
future one, never past a period's balance - and the remainder, if any,
falls back to FIFO.

Every planned step is rounded to two places at the step, so the plan
total always equals the sum of its parts in centavos.
*/

package core

import (
	"sort"

	"github.com/shopspring/decimal"
)

// PlannedAllocation is one step of an allocation plan.
type PlannedAllocation struct {
	Period Period
	Amount decimal.Decimal
}

// AllocationPlan is the outcome of planning: the per-period steps in
// ascending period order. Total always equals the payment amount; a
// plan with money left over is refused before it gets here.
type AllocationPlan struct {
	Items []PlannedAllocation
	Total decimal.Decimal
}

// AllocateFIFO fills open balances oldest-first. The caller has
// already established that the member owes something; a leftover
// surfaces as an overpay refusal carrying the figures the operator
// needs to fix the amount.
func AllocateFIFO(state DebtState, amount decimal.Decimal) (AllocationPlan, error) {
	if amount.Sign() <= 0 {
		return AllocationPlan{}, NewError(CodeAmountNotPositive, "payment amount must be positive").
			With("amount", amount.String())
	}
	placed, leftover := fifoOver(openBalances(state), amount)
	return finishPlan(state, placed, leftover)
}

// AllocateManual applies the operator's breakdown, then lets FIFO
// place the remainder on whatever balances the breakdown left open.
func AllocateManual(state DebtState, total decimal.Decimal, breakdown []PlannedAllocation) (AllocationPlan, error) {
	if total.Sign() <= 0 {
		return AllocationPlan{}, NewError(CodeAmountNotPositive, "payment amount must be positive").
			With("amount", total.String())
	}
	if len(breakdown) == 0 {
		return AllocateFIFO(state, total)
	}

	balances := openBalances(state)
	placed := map[Period]decimal.Decimal{}
	sum := decimal.Zero

	for _, item := range breakdown {
		if !item.Period.Valid() {
			return AllocationPlan{}, NewError(CodeInvalidPeriod, "breakdown period is not YYYY-MM").
				With("period", string(item.Period))
		}
		amt := Round2(item.Amount)
		if amt.Sign() <= 0 {
			return AllocationPlan{}, NewError(CodeInvalidBreakdown, "breakdown amounts must be positive").
				With("period", string(item.Period)).
				With("amount", item.Amount.String())
		}
		if item.Period.After(state.NowPeriod) {
			return AllocationPlan{}, NewError(CodePeriodInFuture, "cannot allocate to a period that has not billed yet").
				With("period", string(item.Period)).
				With("current_period", string(state.NowPeriod))
		}
		already := placed[item.Period]
		balance := balances[item.Period]
		if already.Add(amt).GreaterThan(balance) {
			return AllocationPlan{}, NewError(CodeOverpayPeriod, "allocation exceeds the period balance").
				With("period", string(item.Period)).
				With("requested", already.Add(amt).String()).
				With("balance", balance.String())
		}
		placed[item.Period] = already.Add(amt)
		sum = sum.Add(amt)
	}

	if sum.GreaterThan(total) {
		return AllocationPlan{}, NewError(CodeBreakdownExceedsAmount, "breakdown adds up to more than the payment").
			With("breakdown_total", sum.String()).
			With("amount", total.String())
	}

	// Remainder falls back to FIFO on what the breakdown left open.
	remaining := map[Period]decimal.Decimal{}
	for p, b := range balances {
		if rest := b.Sub(placed[p]); rest.Sign() > 0 {
			remaining[p] = rest
		}
	}
	extra, leftover := fifoOver(remaining, total.Sub(sum))
	for p, amt := range extra {
		placed[p] = placed[p].Add(amt)
	}
	return finishPlan(state, placed, leftover)
}

// fifoOver fills the given balances in ascending period order and
// reports what could not be placed.
func fifoOver(balances map[Period]decimal.Decimal, amount decimal.Decimal) (map[Period]decimal.Decimal, decimal.Decimal) {
	remaining := Round2(amount)
	placed := map[Period]decimal.Decimal{}
	if remaining.Sign() <= 0 {
		return placed, decimal.Zero
	}

	periods := make([]Period, 0, len(balances))
	for p := range balances {
		periods = append(periods, p)
	}
	sort.Slice(periods, func(i, j int) bool { return periods[i].Before(periods[j]) })

	for _, p := range periods {
		if remaining.Sign() <= 0 {
			break
		}
		take := Round2(decimal.Min(remaining, balances[p]))
		if take.Sign() <= 0 {
			continue
		}
		placed[p] = take
		remaining = remaining.Sub(take)
	}
	return placed, remaining
}

// openBalances snapshots the open balances up to the current period.
func openBalances(state DebtState) map[Period]decimal.Decimal {
	out := map[Period]decimal.Decimal{}
	for _, r := range state.OpenPeriods() {
		out[r.Period] = r.Balance
	}
	return out
}

func finishPlan(state DebtState, placed map[Period]decimal.Decimal, leftover decimal.Decimal) (AllocationPlan, error) {
	if leftover.Sign() > 0 {
		return AllocationPlan{}, NewError(CodeOverpayPeriod, "payment exceeds everything the member owes").
			With("leftover", Round2(leftover).String()).
			With("total_due", state.TotalDue.String())
	}
	if len(placed) == 0 {
		return AllocationPlan{}, NewError(CodeNothingToAllocate, "no open period can absorb this payment").
			With("current_period", string(state.NowPeriod))
	}

	plan := AllocationPlan{Total: decimal.Zero}
	for p, amt := range placed {
		plan.Items = append(plan.Items, PlannedAllocation{Period: p, Amount: Round2(amt)})
		plan.Total = plan.Total.Add(amt)
	}
	sort.Slice(plan.Items, func(i, j int) bool { return plan.Items[i].Period.Before(plan.Items[j].Period) })
	return plan, nil
}
