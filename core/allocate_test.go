package core_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/previsora/cobranza-engine/core"
)

func threeMonthsDue(t *testing.T) core.DebtState {
	t.Helper()
	m := memberWithFee("1000")
	return core.BuildDebtState(m, core.CurrentFee{}, core.PaidIndex{}, "2024-01", "2024-03", "2024-03")
}

// =============================================================================
// FIFO
// =============================================================================

func TestAllocateFIFO_FillsOldestFirst(t *testing.T) {
	// GIVEN: 1000 due in each of January, February, March
	// WHEN: 2500 comes in
	// THEN: January and February fill, March takes the remaining 500

	plan, err := core.AllocateFIFO(threeMonthsDue(t), d("2500"))
	require.NoError(t, err)

	require.Len(t, plan.Items, 3)
	assert.Equal(t, core.Period("2024-01"), plan.Items[0].Period)
	assert.Equal(t, "1000", plan.Items[0].Amount.String())
	assert.Equal(t, "1000", plan.Items[1].Amount.String())
	assert.Equal(t, core.Period("2024-03"), plan.Items[2].Period)
	assert.Equal(t, "500", plan.Items[2].Amount.String())
	assert.Equal(t, "2500", plan.Total.String())
}

func TestAllocateFIFO_SkipsCoveredPeriods(t *testing.T) {
	m := memberWithFee("1000")
	paid := core.PaidIndex{"2024-01": d("1000")}
	state := core.BuildDebtState(m, core.CurrentFee{}, paid, "2024-01", "2024-03", "2024-03")

	plan, err := core.AllocateFIFO(state, d("1000"))
	require.NoError(t, err)

	require.Len(t, plan.Items, 1)
	assert.Equal(t, core.Period("2024-02"), plan.Items[0].Period)
}

func TestAllocateFIFO_OverpayRefused(t *testing.T) {
	// Money beyond everything owed is refused, not parked.
	_, err := core.AllocateFIFO(threeMonthsDue(t), d("3500"))

	require.Error(t, err)
	assert.Equal(t, core.CodeOverpayPeriod, core.CodeOf(err))
	assert.Equal(t, "500", core.DetailsOf(err)["leftover"])
}

func TestAllocateFIFO_NonPositiveAmountRefused(t *testing.T) {
	_, err := core.AllocateFIFO(threeMonthsDue(t), d("0"))
	assert.Equal(t, core.CodeAmountNotPositive, core.CodeOf(err))

	_, err = core.AllocateFIFO(threeMonthsDue(t), d("-10"))
	assert.Equal(t, core.CodeAmountNotPositive, core.CodeOf(err))
}

func TestAllocateFIFO_NothingOpen(t *testing.T) {
	m := memberWithFee("1000")
	paid := core.PaidIndex{"2024-01": d("1000")}
	state := core.BuildDebtState(m, core.CurrentFee{}, paid, "2024-01", "2024-01", "2024-01")

	_, err := core.AllocateFIFO(state, d("100"))
	assert.Equal(t, core.CodeNothingToAllocate, core.CodeOf(err))
}

// =============================================================================
// MANUAL
// =============================================================================

func TestAllocateManual_PinsPeriodsThenFIFO(t *testing.T) {
	// GIVEN: the operator pins 1000 to March
	// WHEN: the payment is 1600
	// THEN: the 600 remainder falls back to the oldest open period

	plan, err := core.AllocateManual(threeMonthsDue(t), d("1600"), []core.PlannedAllocation{
		{Period: "2024-03", Amount: d("1000")},
	})
	require.NoError(t, err)

	require.Len(t, plan.Items, 2)
	assert.Equal(t, core.Period("2024-01"), plan.Items[0].Period)
	assert.Equal(t, "600", plan.Items[0].Amount.String())
	assert.Equal(t, core.Period("2024-03"), plan.Items[1].Period)
	assert.Equal(t, "1000", plan.Items[1].Amount.String())
}

func TestAllocateManual_FuturePeriodRefused(t *testing.T) {
	_, err := core.AllocateManual(threeMonthsDue(t), d("1000"), []core.PlannedAllocation{
		{Period: "2024-04", Amount: d("1000")},
	})
	assert.Equal(t, core.CodePeriodInFuture, core.CodeOf(err))
}

func TestAllocateManual_PeriodOverpayRefused(t *testing.T) {
	_, err := core.AllocateManual(threeMonthsDue(t), d("1200"), []core.PlannedAllocation{
		{Period: "2024-02", Amount: d("1200")},
	})
	assert.Equal(t, core.CodeOverpayPeriod, core.CodeOf(err))
}

func TestAllocateManual_DuplicatePeriodEntriesAccumulate(t *testing.T) {
	// Two breakdown lines on the same period count against one balance.
	_, err := core.AllocateManual(threeMonthsDue(t), d("1200"), []core.PlannedAllocation{
		{Period: "2024-02", Amount: d("700")},
		{Period: "2024-02", Amount: d("600")},
	})
	assert.Equal(t, core.CodeOverpayPeriod, core.CodeOf(err))
}

func TestAllocateManual_BreakdownExceedsAmount(t *testing.T) {
	_, err := core.AllocateManual(threeMonthsDue(t), d("500"), []core.PlannedAllocation{
		{Period: "2024-01", Amount: d("400")},
		{Period: "2024-02", Amount: d("400")},
	})
	assert.Equal(t, core.CodeBreakdownExceedsAmount, core.CodeOf(err))
}

func TestAllocateManual_InvalidPeriodAndAmount(t *testing.T) {
	_, err := core.AllocateManual(threeMonthsDue(t), d("100"), []core.PlannedAllocation{
		{Period: "2024/01", Amount: d("100")},
	})
	assert.Equal(t, core.CodeInvalidPeriod, core.CodeOf(err))

	_, err = core.AllocateManual(threeMonthsDue(t), d("100"), []core.PlannedAllocation{
		{Period: "2024-01", Amount: d("0")},
	})
	assert.Equal(t, core.CodeInvalidBreakdown, core.CodeOf(err))
}

func TestAllocateManual_EmptyBreakdownIsFIFO(t *testing.T) {
	plan, err := core.AllocateManual(threeMonthsDue(t), d("3000"), nil)
	require.NoError(t, err)
	assert.Len(t, plan.Items, 3)
	assert.Equal(t, "3000", plan.Total.String())
}
