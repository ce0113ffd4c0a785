package cashbox_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/previsora/cobranza-engine/cashbox"
	"github.com/previsora/cobranza-engine/core"
)

// =============================================================================
// BOX OVERVIEW
// =============================================================================

func TestListBoxes_AdminSeesAgentsOnly(t *testing.T) {
	// GIVEN: an agent pouch with 1000 collected
	// WHEN: an admin lists the boxes
	// THEN: only agent rows appear, with the pouch balance folded in

	svc, store := newCashService(t)
	fillPouch(t, store, "pay-1", "1000")

	rows, err := svc.ListBoxes(context.Background(), adminActor, cashbox.BoxFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, core.UserID("u-agent"), rows[0].UserID)
	assert.Equal(t, core.RoleAgent, rows[0].Role)
	require.Len(t, rows[0].Boxes, 1)
	assert.Equal(t, core.CajaCobrador, rows[0].Boxes[0].Account)
	assert.Equal(t, "1000", rows[0].Boxes[0].Balance.String())
}

func TestListBoxes_SuperAdminGetsGlobalRows(t *testing.T) {
	svc, store := newCashService(t)
	fundPettyCash(t, svc, store, "900")

	rows, err := svc.ListBoxes(context.Background(), superActor, cashbox.BoxFilter{Hierarchy: true})
	require.NoError(t, err)

	var globals, users int
	for _, r := range rows {
		if r.Global != "" {
			globals++
		} else {
			users++
		}
	}
	assert.Equal(t, len(core.GlobalCashAccounts()), globals)
	assert.Equal(t, 4, users)

	// Hierarchy ordering puts the pooled accounts first.
	assert.NotEmpty(t, rows[0].Global)

	var petty *cashbox.BoxRow
	for i := range rows {
		if rows[i].Global == core.CajaChica {
			petty = &rows[i]
		}
	}
	require.NotNil(t, petty)
	require.Len(t, petty.Boxes, 1)
	assert.Equal(t, "900", petty.Boxes[0].Balance.String())
}

func TestListBoxes_RoleFilterSuppressesGlobals(t *testing.T) {
	svc, _ := newCashService(t)
	rows, err := svc.ListBoxes(context.Background(), superActor, cashbox.BoxFilter{Role: core.RoleAdmin})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, r := range rows {
		assert.Empty(t, r.Global)
		assert.Equal(t, core.RoleAdmin, r.Role)
	}
}

func TestListBoxes_AgentForbidden(t *testing.T) {
	svc, _ := newCashService(t)
	_, err := svc.ListBoxes(context.Background(), agentActor, cashbox.BoxFilter{})
	assert.Equal(t, core.CodeNotAuthorized, core.CodeOf(err))
}

// =============================================================================
// MOVEMENT DETAIL
// =============================================================================

func TestMovementDetail_UserTarget(t *testing.T) {
	svc, store := newCashService(t)
	fillPouch(t, store, "pay-1", "1000")
	fillPouch(t, store, "pay-2", "250")

	detail, err := svc.MovementDetail(context.Background(), adminActor, "u-agent", cashbox.DetailFilter{})
	require.NoError(t, err)
	assert.Equal(t, "u-agent", detail.Target)
	assert.Equal(t, 2, detail.Total)
	require.Len(t, detail.Totals, 1)
	assert.Equal(t, "1250", detail.Totals[0].Balance.String())
}

func TestMovementDetail_GlobalTarget(t *testing.T) {
	svc, store := newCashService(t)
	fundPettyCash(t, svc, store, "600")

	detail, err := svc.MovementDetail(context.Background(), superActor,
		"GLOBAL:"+string(core.CajaChica), cashbox.DetailFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, detail.Total)
	require.Len(t, detail.Totals, 1)
	assert.Equal(t, "600", detail.Totals[0].Balance.String())
}

func TestMovementDetail_UnknownGlobalRefused(t *testing.T) {
	svc, _ := newCashService(t)
	_, err := svc.MovementDetail(context.Background(), superActor, "GLOBAL:CAJA_FANTASMA", cashbox.DetailFilter{})
	assert.Equal(t, core.CodeInvalidAccount, core.CodeOf(err))

	// Per-user accounts cannot be addressed as globals either.
	_, err = svc.MovementDetail(context.Background(), superActor,
		"GLOBAL:"+string(core.CajaCobrador), cashbox.DetailFilter{})
	assert.Equal(t, core.CodeInvalidAccount, core.CodeOf(err))
}

func TestMovementDetail_AgentForbidden(t *testing.T) {
	svc, _ := newCashService(t)
	_, err := svc.MovementDetail(context.Background(), agentActor, "u-agent", cashbox.DetailFilter{})
	assert.Equal(t, core.CodeNotAuthorized, core.CodeOf(err))
}

// =============================================================================
// LEDGER TAIL AND VISIBILITY
// =============================================================================

func TestLedgerTail_AdminNeverSeesTheVaultDrain(t *testing.T) {
	// GIVEN: petty cash moved into the vault and then withdrawn
	// WHEN: an admin and a super admin read the vault's tail
	// THEN: the admin is blind to the outflow and the wallet

	svc, store := newCashService(t)
	fundPettyCash(t, svc, store, "1000")
	ctx := context.Background()

	_, err := svc.VaultIngress(ctx, superActor, cashbox.VaultIngressRequest{MoveAll: true})
	require.NoError(t, err)
	_, err = svc.VaultEgress(ctx, superActor, cashbox.VaultEgressRequest{Amount: decimal.NewFromInt(400)})
	require.NoError(t, err)

	filter := core.EntryFilter{Accounts: []core.AccountCode{core.CajaGrande}}
	_, adminTotal, _, err := svc.LedgerTail(ctx, adminActor, filter)
	require.NoError(t, err)

	filter = core.EntryFilter{Accounts: []core.AccountCode{core.CajaGrande}}
	_, superTotal, _, err := svc.LedgerTail(ctx, superActor, filter)
	require.NoError(t, err)

	// Ingress wrote a debit and egress a credit on the vault; the
	// admin sees only the debit.
	assert.Equal(t, 1, adminTotal)
	assert.Equal(t, 2, superTotal)
}

func TestLedgerTail_AgentForbidden(t *testing.T) {
	svc, _ := newCashService(t)
	_, _, _, err := svc.LedgerTail(context.Background(), agentActor, core.EntryFilter{})
	assert.Equal(t, core.CodeNotAuthorized, core.CodeOf(err))
}
