package payments_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/previsora/cobranza-engine/core"
	"github.com/previsora/cobranza-engine/payments"
	"github.com/previsora/cobranza-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func d(s string) decimal.Decimal { return core.MustDecimal(s) }

func newPoster(t *testing.T) (*payments.Poster, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cal := core.CalendarIn(time.UTC)
	poster := payments.NewPoster(store, cal)

	require.NoError(t, store.SaveUser(context.Background(), core.User{
		ID:      "u-agent",
		Name:    "Raul Paredes",
		Role:    core.RoleAgent,
		AgentID: 3,
		Active:  true,
	}))
	return poster, store
}

// seedDebtor creates a member billing 1000/month whose joining period
// is monthsBack before the current one, so it owes monthsBack+1
// periods.
func seedDebtor(t *testing.T, store *sqlite.Store, id string, monthsBack int) core.Member {
	t.Helper()
	cal := core.CalendarIn(time.UTC)
	joined := cal.Now().AddMonths(-monthsBack).Start(time.UTC)

	m := core.Member{
		ID:            core.MemberID(id),
		GroupID:       10,
		AgentID:       3,
		FullName:      "Elena Quiroga",
		Role:          core.RoleTitular,
		JoinedAt:      joined,
		Active:        true,
		HistoricalFee: d("1000"),
	}
	require.NoError(t, store.SaveMember(context.Background(), m))
	return m
}

func agentActor() core.Actor { return core.Actor{UserID: "u-agent", Role: core.RoleAgent, AgentID: 3} }

// =============================================================================
// POSTING
// =============================================================================

func TestPost_AutoSweepsEverythingDue(t *testing.T) {
	// GIVEN: a member owing three periods of 1000
	// WHEN: an auto payment posts with no explicit amount
	// THEN: 3000 lands across three allocations, receipt serial 1

	poster, store := newPoster(t)
	ctx := context.Background()
	seedDebtor(t, store, "m-1", 2)

	res, err := poster.Post(ctx, agentActor(), payments.PostRequest{MemberID: "m-1"})
	require.NoError(t, err)

	assert.False(t, res.Replayed)
	assert.Equal(t, core.PaymentPosted, res.Payment.Status)
	assert.Equal(t, "3000", res.Payment.Amount.String())
	assert.Len(t, res.Payment.Allocations, 3)
	assert.Equal(t, core.DebtPaid, res.Payment.Allocations[0].StatusAfter)
	assert.Equal(t, int64(1), res.Receipt.Serial)
	assert.NotEmpty(t, res.Receipt.QRPayload)

	// The ledger pair landed: agent pouch debited, income credited.
	owner := core.UserID("u-agent")
	bal, err := store.Balance(ctx, core.BalanceQuery{
		Account: core.CajaCobrador, Owner: &owner, Currency: core.ARS,
	})
	require.NoError(t, err)
	assert.Equal(t, "3000", bal.String())

	// Debt is gone.
	paid, err := store.AllocatedByPeriod(ctx, "m-1")
	require.NoError(t, err)
	assert.Len(t, paid, 3)

	// The integration event was written in the same transaction.
	events, err := store.PendingEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, core.TopicPaymentPosted, events[0].Topic)
}

func TestPost_ExplicitAmountFillsOldestFirst(t *testing.T) {
	poster, store := newPoster(t)
	seedDebtor(t, store, "m-1", 2)

	amount := d("1500")
	res, err := poster.Post(context.Background(), agentActor(), payments.PostRequest{
		MemberID: "m-1",
		Amount:   &amount,
	})
	require.NoError(t, err)

	require.Len(t, res.Payment.Allocations, 2)
	assert.Equal(t, "1000", res.Payment.Allocations[0].Amount.String())
	assert.Equal(t, core.DebtPaid, res.Payment.Allocations[0].StatusAfter)
	assert.Equal(t, "500", res.Payment.Allocations[1].Amount.String())
	assert.Equal(t, core.DebtPartial, res.Payment.Allocations[1].StatusAfter)
}

func TestPost_ManualDefaultsToOneFee(t *testing.T) {
	// Manual strategy without an explicit amount charges one effective
	// fee.
	poster, store := newPoster(t)
	seedDebtor(t, store, "m-1", 2)

	res, err := poster.Post(context.Background(), agentActor(), payments.PostRequest{
		MemberID: "m-1",
		Strategy: payments.StrategyManual,
	})
	require.NoError(t, err)
	assert.Equal(t, "1000", res.Payment.Amount.String())
}

func TestPost_ManualOverpayOnPeriodRefused(t *testing.T) {
	poster, store := newPoster(t)
	seedDebtor(t, store, "m-1", 2)

	cal := core.CalendarIn(time.UTC)
	amount := d("1500")
	_, err := poster.Post(context.Background(), agentActor(), payments.PostRequest{
		MemberID: "m-1",
		Amount:   &amount,
		Strategy: payments.StrategyManual,
		Breakdown: []payments.BreakdownItem{
			{Period: string(cal.Now()), Amount: d("1500")},
		},
	})
	assert.Equal(t, core.CodeOverpayPeriod, core.CodeOf(err))
}

func TestPost_OverpayBeyondTotalDueRefused(t *testing.T) {
	poster, store := newPoster(t)
	seedDebtor(t, store, "m-1", 2)

	amount := d("3500")
	_, err := poster.Post(context.Background(), agentActor(), payments.PostRequest{
		MemberID: "m-1",
		Amount:   &amount,
	})
	assert.Equal(t, core.CodeOverpayPeriod, core.CodeOf(err))
}

// =============================================================================
// REFUSALS
// =============================================================================

func TestPost_UpToDateMemberRefused(t *testing.T) {
	poster, store := newPoster(t)
	ctx := context.Background()
	seedDebtor(t, store, "m-1", 2)

	_, err := poster.Post(ctx, agentActor(), payments.PostRequest{MemberID: "m-1"})
	require.NoError(t, err)

	_, err = poster.Post(ctx, agentActor(), payments.PostRequest{MemberID: "m-1"})
	assert.Equal(t, core.CodeClientUpToDate, core.CodeOf(err))
}

func TestPost_ArrearsCutoffSendsToOffice(t *testing.T) {
	// GIVEN: a member five periods behind, cutoff at four
	// THEN: field collection is refused with the figures attached

	poster, store := newPoster(t)
	seedDebtor(t, store, "m-1", 4)

	_, err := poster.Post(context.Background(), agentActor(), payments.PostRequest{MemberID: "m-1"})
	require.Error(t, err)
	assert.Equal(t, core.CodeArrearsCutoff, core.CodeOf(err))
	assert.Equal(t, 5, core.DetailsOf(err)["arrears_months"])
}

func TestPost_AgentOutsideRouteRefused(t *testing.T) {
	poster, store := newPoster(t)
	seedDebtor(t, store, "m-1", 2)

	stranger := core.Actor{UserID: "u-other", Role: core.RoleAgent, AgentID: 99}
	_, err := poster.Post(context.Background(), stranger, payments.PostRequest{MemberID: "m-1"})
	assert.Equal(t, core.CodeOutOfScope, core.CodeOf(err))
}

func TestPost_StaleGroupIDRefused(t *testing.T) {
	poster, store := newPoster(t)
	seedDebtor(t, store, "m-1", 2)

	_, err := poster.Post(context.Background(), agentActor(), payments.PostRequest{
		MemberID:      "m-1",
		LegacyGroupID: 77,
	})
	assert.Equal(t, core.CodeInvalidRequest, core.CodeOf(err))
}

func TestPost_UnknownMember(t *testing.T) {
	poster, _ := newPoster(t)
	_, err := poster.Post(context.Background(), agentActor(), payments.PostRequest{MemberID: "m-ghost"})
	assert.True(t, core.IsNotFound(err))
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

func TestPost_ReplaySameKeyReturnsOriginal(t *testing.T) {
	// GIVEN: a payment posted under an idempotency key
	// WHEN: the identical request arrives again
	// THEN: the original payment comes back flagged as a replay and no
	//       second ledger pair exists

	poster, store := newPoster(t)
	ctx := context.Background()
	seedDebtor(t, store, "m-1", 2)

	first, err := poster.Post(ctx, agentActor(), payments.PostRequest{
		MemberID:       "m-1",
		IdempotencyKey: "field-app-123",
	})
	require.NoError(t, err)

	second, err := poster.Post(ctx, agentActor(), payments.PostRequest{
		MemberID:       "m-1",
		IdempotencyKey: "field-app-123",
	})
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.Payment.ID, second.Payment.ID)
	assert.Equal(t, first.Receipt.Serial, second.Receipt.Serial)

	_, total, err := store.ListEntries(ctx, core.EntryFilter{PaymentID: first.Payment.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	owner := core.UserID("u-agent")
	bal, err := store.Balance(ctx, core.BalanceQuery{
		Account: core.CajaCobrador, Owner: &owner, Currency: core.ARS,
	})
	require.NoError(t, err)
	assert.Equal(t, "3000", bal.String())
}

// =============================================================================
// RECEIPTS
// =============================================================================

type failingRenderer struct{}

func (failingRenderer) Render(context.Context, payments.RenderInput) (string, error) {
	return "", errors.New("font file missing")
}

func TestPost_RenderFailureDoesNotFailPosting(t *testing.T) {
	// The PDF can be regenerated; the collected payment cannot.
	poster, store := newPoster(t)
	ctx := context.Background()
	seedDebtor(t, store, "m-1", 2)
	poster.Renderer = failingRenderer{}

	res, err := poster.Post(ctx, agentActor(), payments.PostRequest{MemberID: "m-1"})
	require.NoError(t, err)
	assert.Equal(t, core.PaymentPosted, res.Payment.Status)
	assert.True(t, res.Receipt.RenderFailed)
	assert.Empty(t, res.Receipt.PDFURI)

	saved, err := store.GetReceipt(ctx, res.Payment.ID)
	require.NoError(t, err)
	assert.True(t, saved.RenderFailed)
}

func TestPost_SerialsAdvancePerPosting(t *testing.T) {
	poster, store := newPoster(t)
	ctx := context.Background()
	seedDebtor(t, store, "m-1", 2)
	seedDebtor(t, store, "m-2", 2)

	first, err := poster.Post(ctx, agentActor(), payments.PostRequest{MemberID: "m-1"})
	require.NoError(t, err)
	second, err := poster.Post(ctx, agentActor(), payments.PostRequest{MemberID: "m-2"})
	require.NoError(t, err)

	assert.Equal(t, int64(1), first.Receipt.Serial)
	assert.Equal(t, int64(2), second.Receipt.Serial)
}

// =============================================================================
// REVERSAL
// =============================================================================

func TestReverse_RestoresDebtAndMirrorsTheLedger(t *testing.T) {
	// GIVEN: a posted payment
	// WHEN: an admin reverses it
	// THEN: the payment flips to reversed, the receipt voids, a mirror
	//       pair nets the pouch to zero, and the debt is owed again

	poster, store := newPoster(t)
	ctx := context.Background()
	seedDebtor(t, store, "m-1", 2)
	admin := core.Actor{UserID: "u-admin", Role: core.RoleAdmin}

	res, err := poster.Post(ctx, agentActor(), payments.PostRequest{MemberID: "m-1"})
	require.NoError(t, err)

	reversed, err := poster.Reverse(ctx, admin, res.Payment.ID, "collected in error")
	require.NoError(t, err)
	assert.Equal(t, core.PaymentReversed, reversed.Status)

	receipt, err := store.GetReceipt(ctx, res.Payment.ID)
	require.NoError(t, err)
	assert.True(t, receipt.Voided)

	owner := core.UserID("u-agent")
	bal, err := store.Balance(ctx, core.BalanceQuery{
		Account: core.CajaCobrador, Owner: &owner, Currency: core.ARS,
	})
	require.NoError(t, err)
	assert.True(t, bal.IsZero())

	paid, err := store.AllocatedByPeriod(ctx, "m-1")
	require.NoError(t, err)
	assert.Empty(t, paid)
}

func TestReverse_TwiceIsAReplay(t *testing.T) {
	poster, store := newPoster(t)
	ctx := context.Background()
	seedDebtor(t, store, "m-1", 2)
	admin := core.Actor{UserID: "u-admin", Role: core.RoleAdmin}

	res, err := poster.Post(ctx, agentActor(), payments.PostRequest{MemberID: "m-1"})
	require.NoError(t, err)

	_, err = poster.Reverse(ctx, admin, res.Payment.ID, "error")
	require.NoError(t, err)
	again, err := poster.Reverse(ctx, admin, res.Payment.ID, "error")
	require.NoError(t, err)
	assert.Equal(t, core.PaymentReversed, again.Status)

	// Still exactly one mirror pair.
	_, total, err := store.ListEntries(ctx, core.EntryFilter{PaymentID: res.Payment.ID + ":rev"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestReverse_FlipsTheRecordKind(t *testing.T) {
	// A posted payment is a plain payment record; reversing it flips
	// the kind alongside the status, and the flip survives a reload.
	poster, store := newPoster(t)
	ctx := context.Background()
	seedDebtor(t, store, "m-1", 2)
	admin := core.Actor{UserID: "u-admin", Role: core.RoleAdmin}

	res, err := poster.Post(ctx, agentActor(), payments.PostRequest{MemberID: "m-1"})
	require.NoError(t, err)
	assert.Equal(t, core.PaymentKindPayment, res.Payment.Kind)

	reversed, err := poster.Reverse(ctx, admin, res.Payment.ID, "collected in error")
	require.NoError(t, err)
	assert.Equal(t, core.PaymentKindReversal, reversed.Kind)

	reloaded, err := store.GetPayment(ctx, res.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, core.PaymentKindReversal, reloaded.Kind)
	assert.Equal(t, core.PaymentReversed, reloaded.Status)
}

func TestReverse_AgentRefused(t *testing.T) {
	poster, _ := newPoster(t)
	_, err := poster.Reverse(context.Background(), agentActor(), "pay-x", "because")
	assert.Equal(t, core.CodeNotAuthorized, core.CodeOf(err))
}

func TestPost_ConcurrentFullSweepsHaveOneWinner(t *testing.T) {
	// GIVEN: two simultaneous full-debt postings with distinct keys
	// WHEN: both race through the poster
	// THEN: exactly one posts; the loser is refused, never doubled

	poster, store := newPoster(t)
	ctx := context.Background()
	seedDebtor(t, store, "m-1", 2)

	errs := make(chan error, 2)
	for _, key := range []string{"key-a", "key-b"} {
		go func(key string) {
			_, err := poster.Post(ctx, agentActor(), payments.PostRequest{
				MemberID:       "m-1",
				IdempotencyKey: key,
			})
			errs <- err
		}(key)
	}

	var won, refused int
	for i := 0; i < 2; i++ {
		switch err := <-errs; {
		case err == nil:
			won++
		default:
			code := core.CodeOf(err)
			assert.Contains(t, []string{core.CodeClientUpToDate, core.CodeRaceConditionOverpay}, code)
			refused++
		}
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, 1, refused)

	// The ledger holds the winner's single pair and nothing else.
	bal, err := store.Balance(ctx, core.BalanceQuery{Account: core.CajaCobrador, Currency: core.ARS})
	require.NoError(t, err)
	assert.Equal(t, "3000", bal.String())
}
