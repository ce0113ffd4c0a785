package cashbox_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/previsora/cobranza-engine/cashbox"
	"github.com/previsora/cobranza-engine/core"
	"github.com/previsora/cobranza-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func d(s string) decimal.Decimal { return core.MustDecimal(s) }

var (
	adminActor = core.Actor{UserID: "u-admin", Role: core.RoleAdmin}
	superActor = core.Actor{UserID: "u-super", Role: core.RoleSuperAdmin}
	agentActor = core.Actor{UserID: "u-agent", Role: core.RoleAgent, AgentID: 3}
)

func newCashService(t *testing.T) (*cashbox.Service, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	for _, u := range []core.User{
		{ID: "u-agent", Name: "Raul Paredes", Role: core.RoleAgent, AgentID: 3, Active: true},
		{ID: "u-admin", Name: "Marta Diaz", Role: core.RoleAdmin, Active: true},
		{ID: "u-admin-2", Name: "Jorge Luna", Role: core.RoleAdmin, Active: true},
		{ID: "u-super", Name: "Silvia Ots", Role: core.RoleSuperAdmin, Active: true},
	} {
		require.NoError(t, store.SaveUser(ctx, u))
	}
	return cashbox.NewService(store, core.CalendarIn(time.UTC)), store
}

// fillPouch posts a payment pair so the agent's pouch holds the amount.
func fillPouch(t *testing.T, store *sqlite.Store, paymentID, amount string) {
	t.Helper()
	_, err := store.PostPair(context.Background(), core.PairRequest{
		PaymentID:   paymentID,
		ActorUserID: "u-agent",
		Kind:        core.KindPayment,
		Amount:      d(amount),
		Currency:    core.ARS,
		Debit:       core.Leg{Account: core.CajaCobrador, Owner: "u-agent"},
		Credit:      core.Leg{Account: core.IngresosCuotas},
		Dimensions:  core.Dimensions{AgentID: 3},
	})
	require.NoError(t, err)
}

func balanceOf(t *testing.T, store *sqlite.Store, account core.AccountCode, owner core.UserID) decimal.Decimal {
	t.Helper()
	q := core.BalanceQuery{Account: account, Currency: core.ARS}
	if owner != "" {
		q.Owner = &owner
	}
	bal, err := store.Balance(context.Background(), q)
	require.NoError(t, err)
	return bal
}

// =============================================================================
// ARQUEO
// =============================================================================

func TestArqueo_SweepsThePouchIntoTheAdminDrawer(t *testing.T) {
	// GIVEN: an agent pouch holding 1500 from two payments
	// WHEN: the admin runs an arqueo
	// THEN: one pair per source drains it into the admin's drawer

	svc, store := newCashService(t)
	fillPouch(t, store, "pay-1", "1000")
	fillPouch(t, store, "pay-2", "500")

	moved, err := svc.Arqueo(context.Background(), adminActor, cashbox.ArqueoRequest{
		AgentUserID: "u-agent",
	})
	require.NoError(t, err)
	require.Len(t, moved, 1)
	assert.Equal(t, core.CajaCobrador, moved[0].Source)
	assert.Equal(t, core.CajaAdmin, moved[0].Dest)
	assert.Equal(t, "1500", moved[0].Amount.String())

	assert.True(t, balanceOf(t, store, core.CajaCobrador, "u-agent").IsZero())
	assert.Equal(t, "1500", balanceOf(t, store, core.CajaAdmin, "u-admin").String())
}

func TestArqueo_DoubleSubmitCollapses(t *testing.T) {
	// The scope key makes the second submission a duplicate, not a
	// second sweep of an already-empty pouch.
	svc, store := newCashService(t)
	fillPouch(t, store, "pay-1", "1000")
	ctx := context.Background()

	_, err := svc.Arqueo(ctx, adminActor, cashbox.ArqueoRequest{AgentUserID: "u-agent"})
	require.NoError(t, err)

	_, err = svc.Arqueo(ctx, adminActor, cashbox.ArqueoRequest{AgentUserID: "u-agent"})
	require.Error(t, err)
	code := core.CodeOf(err)
	assert.Contains(t, []string{core.CodeNothingToAllocate, core.CodeDuplicatePosting}, code)
	assert.Equal(t, "1000", balanceOf(t, store, core.CajaAdmin, "u-admin").String())
}

func TestArqueo_Refusals(t *testing.T) {
	svc, _ := newCashService(t)
	ctx := context.Background()

	_, err := svc.Arqueo(ctx, agentActor, cashbox.ArqueoRequest{AgentUserID: "u-agent"})
	assert.Equal(t, core.CodeNotAuthorized, core.CodeOf(err))

	_, err = svc.Arqueo(ctx, adminActor, cashbox.ArqueoRequest{AgentUserID: "u-admin-2"})
	assert.Equal(t, core.CodeInvalidRequest, core.CodeOf(err))

	_, err = svc.Arqueo(ctx, adminActor, cashbox.ArqueoRequest{
		AgentUserID: "u-agent",
		Destination: core.CajaCobrador,
	})
	assert.Equal(t, core.CodeInvalidAccount, core.CodeOf(err))

	// Empty pouch, nothing to sweep.
	_, err = svc.Arqueo(ctx, adminActor, cashbox.ArqueoRequest{AgentUserID: "u-agent"})
	assert.Equal(t, core.CodeNothingToAllocate, core.CodeOf(err))
}

// =============================================================================
// PETTY CASH
// =============================================================================

func sweepToAdmin(t *testing.T, svc *cashbox.Service, store *sqlite.Store, amount string) {
	t.Helper()
	fillPouch(t, store, "pay-"+amount, amount)
	_, err := svc.Arqueo(context.Background(), adminActor, cashbox.ArqueoRequest{AgentUserID: "u-agent"})
	require.NoError(t, err)
}

func TestPettyDeposit_DrainsTheDrawer(t *testing.T) {
	svc, store := newCashService(t)
	sweepToAdmin(t, svc, store, "1200")

	moved, err := svc.PettyDeposit(context.Background(), adminActor, "u-admin")
	require.NoError(t, err)
	require.Len(t, moved, 1)
	assert.Equal(t, "1200", moved[0].Amount.String())

	assert.True(t, balanceOf(t, store, core.CajaAdmin, "u-admin").IsZero())
	// The sub-balance stays attributed to the depositing admin.
	assert.Equal(t, "1200", balanceOf(t, store, core.CajaChica, "u-admin").String())
}

func TestPettyDeposit_EmptyDrawerRefused(t *testing.T) {
	svc, _ := newCashService(t)
	_, err := svc.PettyDeposit(context.Background(), adminActor, "u-admin")
	assert.Equal(t, core.CodeInsufficientFunds, core.CodeOf(err))
}

func TestPettyDeposit_OnlySelfOrSuperAdmin(t *testing.T) {
	svc, store := newCashService(t)
	sweepToAdmin(t, svc, store, "500")

	other := core.Actor{UserID: "u-admin-2", Role: core.RoleAdmin}
	_, err := svc.PettyDeposit(context.Background(), other, "u-admin")
	assert.Equal(t, core.CodeNotAuthorized, core.CodeOf(err))

	// The super admin may deposit any drawer.
	_, err = svc.PettyDeposit(context.Background(), superActor, "u-admin")
	assert.NoError(t, err)
}

// =============================================================================
// VAULT
// =============================================================================

func fundPettyCash(t *testing.T, svc *cashbox.Service, store *sqlite.Store, amount string) {
	t.Helper()
	sweepToAdmin(t, svc, store, amount)
	_, err := svc.PettyDeposit(context.Background(), adminActor, "u-admin")
	require.NoError(t, err)
}

func TestVaultIngress_DrainsSubBalances(t *testing.T) {
	svc, store := newCashService(t)
	fundPettyCash(t, svc, store, "2000")

	moved, err := svc.VaultIngress(context.Background(), superActor, cashbox.VaultIngressRequest{
		Amount: d("1500"),
	})
	require.NoError(t, err)
	require.Len(t, moved, 1)
	assert.Equal(t, "1500", moved[0].Amount.String())

	assert.Equal(t, "500", balanceOf(t, store, core.CajaChica, "u-admin").String())
	assert.Equal(t, "1500", balanceOf(t, store, core.CajaGrande, "").String())
}

func TestVaultIngress_MoveAll(t *testing.T) {
	svc, store := newCashService(t)
	fundPettyCash(t, svc, store, "800")

	moved, err := svc.VaultIngress(context.Background(), superActor, cashbox.VaultIngressRequest{
		MoveAll: true,
	})
	require.NoError(t, err)
	require.Len(t, moved, 1)
	assert.True(t, balanceOf(t, store, core.CajaChica, "u-admin").IsZero())
	assert.Equal(t, "800", balanceOf(t, store, core.CajaGrande, "").String())
}

func TestVaultIngress_InsufficientFundsCarriesFigures(t *testing.T) {
	svc, store := newCashService(t)
	fundPettyCash(t, svc, store, "300")

	_, err := svc.VaultIngress(context.Background(), superActor, cashbox.VaultIngressRequest{
		Amount: d("1000"),
	})
	require.Error(t, err)
	assert.Equal(t, core.CodeInsufficientFunds, core.CodeOf(err))
	assert.Equal(t, "300.00", core.DetailsOf(err)["available"])
	assert.Equal(t, "1000.00", core.DetailsOf(err)["requested"])
}

func TestVaultIngress_PooledPayoutsShrinkTheDrainable(t *testing.T) {
	// GIVEN: petty cash funded with 1000 and a super-admin commission
	// payout of 400 drawn on the pool, which credits the box with no
	// owner and leaves the per-admin sub-balance untouched
	// WHEN: the super admin sweeps petty cash into the vault
	// THEN: only the 600 the box actually holds moves

	svc, store := newCashService(t)
	fundPettyCash(t, svc, store, "1000")
	ctx := context.Background()

	_, err := svc.CommissionPayout(ctx, superActor, cashbox.CommissionPayoutRequest{
		AgentUserID: "u-agent",
		Period:      "2024-07",
		Amount:      d("400"),
		Source:      core.CajaChica,
	})
	require.NoError(t, err)
	require.Equal(t, "600", balanceOf(t, store, core.CajaChica, "").String())

	_, err = svc.VaultIngress(ctx, superActor, cashbox.VaultIngressRequest{
		Amount: d("1000"),
	})
	require.Error(t, err)
	assert.Equal(t, core.CodeInsufficientFunds, core.CodeOf(err))
	assert.Equal(t, "600.00", core.DetailsOf(err)["available"])

	moved, err := svc.VaultIngress(ctx, superActor, cashbox.VaultIngressRequest{MoveAll: true})
	require.NoError(t, err)
	require.Len(t, moved, 1)
	assert.Equal(t, "600", moved[0].Amount.String())

	assert.True(t, balanceOf(t, store, core.CajaChica, "").IsZero())
	assert.Equal(t, "600", balanceOf(t, store, core.CajaGrande, "").String())
}

func TestVaultIngress_SuperAdminOnly(t *testing.T) {
	svc, _ := newCashService(t)
	_, err := svc.VaultIngress(context.Background(), adminActor, cashbox.VaultIngressRequest{MoveAll: true})
	assert.Equal(t, core.CodeNotAuthorized, core.CodeOf(err))
}

func TestVaultEgress_WithdrawsIntoTheWallet(t *testing.T) {
	svc, store := newCashService(t)
	fundPettyCash(t, svc, store, "2000")
	ctx := context.Background()

	_, err := svc.VaultIngress(ctx, superActor, cashbox.VaultIngressRequest{MoveAll: true})
	require.NoError(t, err)

	moved, err := svc.VaultEgress(ctx, superActor, cashbox.VaultEgressRequest{Amount: d("700")})
	require.NoError(t, err)
	assert.Equal(t, core.CajaGrande, moved.Source)
	assert.Equal(t, core.CajaSuperAdmin, moved.Dest)

	assert.Equal(t, "1300", balanceOf(t, store, core.CajaGrande, "").String())
	assert.Equal(t, "700", balanceOf(t, store, core.CajaSuperAdmin, "u-super").String())
}

func TestVaultEgress_OverdraftRefused(t *testing.T) {
	svc, _ := newCashService(t)
	_, err := svc.VaultEgress(context.Background(), superActor, cashbox.VaultEgressRequest{Amount: d("100")})
	assert.Equal(t, core.CodeInsufficientFunds, core.CodeOf(err))
}

// =============================================================================
// COMMISSION PAYOUT
// =============================================================================

func TestCommissionPayout_FromAdminDrawer(t *testing.T) {
	svc, store := newCashService(t)
	sweepToAdmin(t, svc, store, "1000")

	moved, err := svc.CommissionPayout(context.Background(), adminActor, cashbox.CommissionPayoutRequest{
		AgentUserID: "u-agent",
		Period:      "2024-07",
		Amount:      d("350"),
	})
	require.NoError(t, err)
	assert.Equal(t, core.CajaAdmin, moved.Source)
	assert.Equal(t, core.ComisionCobrador, moved.Dest)

	assert.Equal(t, "650", balanceOf(t, store, core.CajaAdmin, "u-admin").String())
	assert.Equal(t, "350", balanceOf(t, store, core.ComisionCobrador, "u-agent").String())
}

func TestCommissionPayout_SamePeriodTwiceCollapses(t *testing.T) {
	// Same agent, period, source, and amount is a replayed payout.
	svc, store := newCashService(t)
	sweepToAdmin(t, svc, store, "1000")
	ctx := context.Background()

	req := cashbox.CommissionPayoutRequest{
		AgentUserID: "u-agent",
		Period:      "2024-07",
		Amount:      d("350"),
	}
	_, err := svc.CommissionPayout(ctx, adminActor, req)
	require.NoError(t, err)

	_, err = svc.CommissionPayout(ctx, adminActor, req)
	assert.Equal(t, core.CodeDuplicatePosting, core.CodeOf(err))
	assert.Equal(t, "350", balanceOf(t, store, core.ComisionCobrador, "u-agent").String())
}

func TestCommissionPayout_Refusals(t *testing.T) {
	svc, _ := newCashService(t)
	ctx := context.Background()

	_, err := svc.CommissionPayout(ctx, agentActor, cashbox.CommissionPayoutRequest{
		AgentUserID: "u-agent", Period: "2024-07", Amount: d("100"),
	})
	assert.Equal(t, core.CodeNotAuthorized, core.CodeOf(err))

	_, err = svc.CommissionPayout(ctx, adminActor, cashbox.CommissionPayoutRequest{
		AgentUserID: "u-admin-2", Period: "2024-07", Amount: d("100"),
	})
	assert.Equal(t, core.CodeInvalidRequest, core.CodeOf(err))

	_, err = svc.CommissionPayout(ctx, adminActor, cashbox.CommissionPayoutRequest{
		AgentUserID: "u-agent", Period: "2024-7", Amount: d("100"),
	})
	assert.Equal(t, core.CodeInvalidPeriod, core.CodeOf(err))

	_, err = svc.CommissionPayout(ctx, adminActor, cashbox.CommissionPayoutRequest{
		AgentUserID: "u-agent", Period: "2024-07", Amount: d("100"),
		Source: core.Banco,
	})
	assert.Equal(t, core.CodeInvalidAccount, core.CodeOf(err))

	// Empty drawer cannot pay.
	_, err = svc.CommissionPayout(ctx, adminActor, cashbox.CommissionPayoutRequest{
		AgentUserID: "u-agent", Period: "2024-07", Amount: d("100"),
	})
	assert.Equal(t, core.CodeInsufficientFunds, core.CodeOf(err))
}
