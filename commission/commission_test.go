package commission_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/previsora/cobranza-engine/commission"
	"github.com/previsora/cobranza-engine/core"
	"github.com/previsora/cobranza-engine/store/sqlite"
)

func d(s string) decimal.Decimal { return core.MustDecimal(s) }

// =============================================================================
// RATE ARITHMETIC
// =============================================================================

func TestNormalizeRate(t *testing.T) {
	assert.Equal(t, "0.05", commission.NormalizeRate(d("0.05")).String())
	assert.Equal(t, "0.05", commission.NormalizeRate(d("5")).String())
	assert.Equal(t, "0.125", commission.NormalizeRate(d("12.5")).String())
	assert.Equal(t, "1", commission.NormalizeRate(d("1")).String())
	assert.True(t, commission.NormalizeRate(decimal.Zero).IsZero())
}

func TestEffectiveRate_DecaysAfterGrace(t *testing.T) {
	cfg := core.CommissionConfig{
		BaseRate:      d("0.05"),
		GraceDays:     7,
		PenaltyPerDay: d("0.1"),
	}

	// Within grace the base rate holds.
	assert.Equal(t, "0.05", commission.EffectiveRate(cfg, 0).String())
	assert.Equal(t, "0.05", commission.EffectiveRate(cfg, 7).String())

	// Three days past grace: 0.05 * (1 - 0.3) = 0.035.
	assert.Equal(t, "0.035", commission.EffectiveRate(cfg, 10).String())

	// Ten days past grace eats the whole rate; beyond that it floors.
	assert.True(t, commission.EffectiveRate(cfg, 17).IsZero())
	assert.True(t, commission.EffectiveRate(cfg, 40).IsZero())
}

func TestEffectiveRate_PercentageInputs(t *testing.T) {
	// 5 and 10 arrive as percentages; the decay math is unchanged.
	cfg := core.CommissionConfig{
		BaseRate:      d("5"),
		GraceDays:     2,
		PenaltyPerDay: d("10"),
	}
	assert.Equal(t, "0.05", commission.EffectiveRate(cfg, 1).String())
	assert.Equal(t, "0.035", commission.EffectiveRate(cfg, 5).String())
}

func TestReport_OutstandingNeverNegative(t *testing.T) {
	r := commission.Report{Earned: d("100"), Paid: d("40")}
	assert.Equal(t, "60", r.Outstanding().String())

	r = commission.Report{Earned: d("100"), Paid: d("150")}
	assert.True(t, r.Outstanding().IsZero())
}

// =============================================================================
// REPORTS
// =============================================================================

func newCalculator(t *testing.T) (*commission.Calculator, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	require.NoError(t, store.SaveUser(ctx, core.User{
		ID: "u-agent", Name: "Raul Paredes", Role: core.RoleAgent, AgentID: 3,
		Commission: core.CommissionConfig{
			BaseRate:      d("0.05"),
			GraceDays:     7,
			PenaltyPerDay: d("0.1"),
		},
		Active: true,
	}))
	require.NoError(t, store.SaveUser(ctx, core.User{
		ID: "u-admin", Name: "Marta Diaz", Role: core.RoleAdmin, Active: true,
	}))
	return commission.NewCalculator(store, core.CalendarIn(time.UTC)), store
}

func seedRouteMember(t *testing.T, store *sqlite.Store, id core.MemberID, fee string) {
	t.Helper()
	require.NoError(t, store.SaveMember(context.Background(), core.Member{
		ID: id, GroupID: 10, AgentID: 3,
		FullName: "Elena Quiroga", Document: "28111222",
		Role: core.RoleTitular, Active: true,
		JoinedAt:      time.Now().UTC().AddDate(0, -6, 0),
		HistoricalFee: d(fee),
	}))
}

func seedCollection(t *testing.T, store *sqlite.Store, id string, member core.MemberID, period core.Period, amount string, daysHeld int) {
	t.Helper()
	posted := time.Now().UTC().AddDate(0, 0, -daysHeld)
	require.NoError(t, store.SavePayment(context.Background(), core.Payment{
		ID: id, MemberID: member, GroupID: 10, AgentID: 3,
		AgentUserID: "u-agent", ActorUserID: "u-agent",
		Amount: d(amount), Currency: core.ARS,
		Method: core.MethodCash, Status: core.PaymentPosted,
		IdempotencyKey: "key-" + id,
		PostedAt:       &posted,
		CreatedAt:      posted,
		Allocations:    []core.Allocation{{Period: period, Amount: d(amount), StatusAfter: core.DebtPaid}},
	}))
}

func TestReportFor_ExpectedEarnedAndPaid(t *testing.T) {
	// GIVEN: two active members on the route and two collections, one
	//        fresh and one held past grace
	// WHEN: the period report is computed
	// THEN: expected uses the base rate, earned applies the decay, and
	//       paid reflects the payout pair

	calc, store := newCalculator(t)
	ctx := context.Background()
	period := core.PeriodOf(time.Now().UTC())

	seedRouteMember(t, store, "m-1", "1000")
	seedRouteMember(t, store, "m-2", "1500")

	seedCollection(t, store, "pay-1", "m-1", period, "1000", 0)  // full rate
	seedCollection(t, store, "pay-2", "m-2", period, "1500", 10) // 3 days past grace

	from := period.Start(time.UTC)
	_, err := store.PostPair(ctx, core.PairRequest{
		PaymentID:   "payout-1",
		ActorUserID: "u-admin",
		Kind:        core.KindCommissionPayout,
		Amount:      d("40"),
		Currency:    core.ARS,
		Debit:       core.Leg{Account: core.ComisionCobrador, Owner: "u-agent"},
		Credit:      core.Leg{Account: core.CajaAdmin, Owner: "u-admin"},
		PostedAt:    from.Add(time.Hour),
	})
	require.NoError(t, err)

	r, err := calc.ReportFor(ctx, "u-agent", period)
	require.NoError(t, err)

	// (1000 + 1500) * 0.05
	assert.Equal(t, "125", r.Expected.String())
	// 1000*0.05 + 1500*0.035
	assert.Equal(t, "102.5", r.Earned.String())
	assert.Equal(t, "40", r.Paid.String())
	assert.Equal(t, "62.5", r.Outstanding().String())
	assert.Equal(t, 2, r.Payments)
}

func TestReportFor_OtherPeriodsStayOut(t *testing.T) {
	calc, store := newCalculator(t)
	period := core.PeriodOf(time.Now().UTC())
	other := period.AddMonths(-2)

	seedRouteMember(t, store, "m-1", "1000")
	seedCollection(t, store, "pay-1", "m-1", other, "1000", 0)

	r, err := calc.ReportFor(context.Background(), "u-agent", period)
	require.NoError(t, err)
	assert.True(t, r.Earned.IsZero())
	assert.Equal(t, 0, r.Payments)
	// Expected still projects the live roster.
	assert.Equal(t, "50", r.Expected.String())
}

func TestReportFor_CancelledMembersDropFromExpected(t *testing.T) {
	calc, store := newCalculator(t)
	ctx := context.Background()

	seedRouteMember(t, store, "m-1", "1000")
	m, err := store.GetMember(ctx, "m-1")
	require.NoError(t, err)
	now := time.Now().UTC()
	m.CancelledAt = &now
	m.Active = false
	require.NoError(t, store.SaveMember(ctx, *m))

	r, err := calc.ReportFor(ctx, "u-agent", core.PeriodOf(now))
	require.NoError(t, err)
	assert.True(t, r.Expected.IsZero())
}

func TestReportFor_Refusals(t *testing.T) {
	calc, _ := newCalculator(t)
	ctx := context.Background()

	_, err := calc.ReportFor(ctx, "u-agent", "2024-7")
	assert.Equal(t, core.CodeInvalidPeriod, core.CodeOf(err))

	_, err = calc.ReportFor(ctx, "u-admin", "2024-07")
	assert.Equal(t, core.CodeInvalidRequest, core.CodeOf(err))

	_, err = calc.ReportFor(ctx, "u-ghost", "2024-07")
	assert.True(t, core.IsNotFound(err))
}
