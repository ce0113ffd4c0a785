/*
ledger.go - double-entry movements

Money only moves in balanced pairs: one debit and one credit for the
same amount, currency, and payment id, written atomically with the
debit first. Balances are never stored; they are the fold
sum(debits) - sum(credits) over an account (and owner, for per-user
accounts), so the ledger can always be replayed from scratch.

Idempotency is two-layered. The pair itself is unique per payment id
and side, which stops exact replays at the storage level. Operational
movements (arqueos, vault transfers, payouts) additionally build their
payment id from a scope string that encodes actor, amounts, and a
minute bucket, so a double-submitted cash count collapses into one
movement instead of two.
*/

package core

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side of a ledger entry.
type Side string

const (
	Debit  Side = "debit"
	Credit Side = "credit"
)

// EntryKind says which operation produced the pair.
type EntryKind string

const (
	KindPayment          EntryKind = "payment"
	KindReversal         EntryKind = "reversal"
	KindArqueo           EntryKind = "arqueo"
	KindPettyDeposit     EntryKind = "petty_deposit"
	KindVaultIngress     EntryKind = "vault_ingress"
	KindVaultEgress      EntryKind = "vault_egress"
	KindCommissionPayout EntryKind = "commission_payout"
)

// Dimensions are denormalized reporting tags copied onto both legs of
// a pair. They never participate in balances; they exist so reports
// can slice without joins.
type Dimensions struct {
	AgentID int64
	GroupID int64
	Channel string
	Plan    string
	Note    string
}

// Entry is one persisted leg.
type Entry struct {
	ID          string
	PaymentID   string
	ActorUserID UserID
	OwnerUserID UserID // empty for global balances
	Kind        EntryKind
	Side        Side
	Account     AccountCode
	Amount      decimal.Decimal
	Currency    Currency
	FromLabel   string
	ToLabel     string
	Dimensions  Dimensions
	PostedAt    time.Time
	CreatedAt   time.Time
}

// Leg describes one side of a pair before it is written.
type Leg struct {
	Account AccountCode
	Owner   UserID // empty for global accounts
}

// PairRequest is a balanced movement ready to post.
type PairRequest struct {
	PaymentID   string
	ActorUserID UserID
	Kind        EntryKind
	Amount      decimal.Decimal
	Currency    Currency
	Debit       Leg
	Credit      Leg
	FromLabel   string
	ToLabel     string
	Dimensions  Dimensions
	PostedAt    time.Time
}

// Validate enforces the structural invariants before anything touches
// storage.
func (r PairRequest) Validate() error {
	if r.PaymentID == "" {
		return fmt.Errorf("ledger pair: payment id required")
	}
	if r.Amount.Sign() <= 0 {
		return NewError(CodeAmountNotPositive, "movement amount must be positive").
			With("amount", r.Amount.String())
	}
	if r.Currency == "" {
		return NewError(CodeCurrencyMismatch, "movement currency is required")
	}
	for _, leg := range []struct {
		side Side
		leg  Leg
	}{{Debit, r.Debit}, {Credit, r.Credit}} {
		info, ok := AccountByCode(leg.leg.Account)
		if !ok {
			return NewError(CodeInvalidAccount, fmt.Sprintf("unknown account %q", leg.leg.Account)).
				With("account", string(leg.leg.Account)).
				With("side", string(leg.side))
		}
		// Per-user accounts are meaningless without an owner. Global
		// accounts usually have none, but CAJA_CHICA tracks per-admin
		// sub-balances, so an owner there is allowed.
		if !info.Global && leg.leg.Owner == "" {
			return NewError(CodeInvalidAccount, fmt.Sprintf("account %s requires an owner", leg.leg.Account)).
				With("account", string(leg.leg.Account)).
				With("side", string(leg.side))
		}
	}
	return nil
}

// ===== SCOPE KEYS =====

// Operational movements derive their payment id from a scope string;
// posting the same scope twice within the dedup window is a replay,
// not a second movement. The minute bucket keeps honest repeats
// (counting the same drawer again an hour later) distinct.

const minuteBucket = "200601021504"

// ArqueoScope covers one cash count: which agent account is drained,
// where it lands, in which currency, within one minute.
func ArqueoScope(agentUserID UserID, source, dest AccountCode, c Currency, at time.Time) string {
	return fmt.Sprintf("arqueo:%s:%s:%s:%s:%s", agentUserID, source, dest, c, at.Format(minuteBucket))
}

// PettyDepositScope covers one admin moving their drawer into petty
// cash.
func PettyDepositScope(adminUserID UserID, c Currency, at time.Time) string {
	return fmt.Sprintf("petty_deposit:%s:%s:%s", adminUserID, c, at.Format(minuteBucket))
}

// VaultIngressScope covers draining one admin's petty-cash
// sub-balance into the vault. No minute bucket: the same admin's
// sub-balance cannot honestly be drained twice for the same amount
// inside the dedup window.
func VaultIngressScope(superUserID UserID, c Currency, amount decimal.Decimal, adminUserID UserID) string {
	return fmt.Sprintf("chica->grande:%s:%s:%s:%s", superUserID, c, amount.StringFixed(MoneyPlaces), adminUserID)
}

// VaultEgressScope covers one withdrawal from the vault into the
// treasurer's box.
func VaultEgressScope(superUserID UserID, c Currency, amount decimal.Decimal, at time.Time) string {
	return fmt.Sprintf("vault_egress:%s:%s:%s:%s", superUserID, c, amount.StringFixed(MoneyPlaces), at.Format(minuteBucket))
}

// CommissionPayoutScope covers paying one agent's commission for one
// period from one source box.
func CommissionPayoutScope(agentUserID UserID, p Period, source AccountCode, c Currency, amount decimal.Decimal) string {
	return fmt.Sprintf("commission_payout:%s:%s:%s:%s:%s", agentUserID, p, source, c, amount.StringFixed(MoneyPlaces))
}

// ===== QUERY SHAPES =====

// BalanceQuery folds one account (optionally one owner's slice of it)
// into a single figure.
type BalanceQuery struct {
	Account  AccountCode
	Owner    *UserID // nil folds every owner together
	Currency Currency
	From, To *time.Time
}

// CurrencyBalance is a balance in one currency.
type CurrencyBalance struct {
	Currency Currency
	Balance  decimal.Decimal
}

// OwnerBalance is one owner's balance on a shared account code.
type OwnerBalance struct {
	Owner   UserID
	Balance decimal.Decimal
}

// EntryFilter selects ledger legs for listings and totals. Zero
// fields are ignored.
type EntryFilter struct {
	PaymentID string
	Accounts  []AccountCode
	Kinds     []EntryKind
	Owner     *UserID // nil = any owner; pointer to "" = global only
	// FallbackAgentID widens an owner match to legs that have no
	// owner but carry this agent dimension, for entries posted before
	// collectors had user accounts.
	FallbackAgentID int64
	Currency        Currency
	From, To        *time.Time

	// Visibility, not selection: hide what the viewer must not see.
	ExcludeAccounts  []AccountCode
	ExcludeCreditsOn []AccountCode

	Limit, Offset int
	SortDesc      bool
}

// CurrencyTotal aggregates the filtered legs per currency.
type CurrencyTotal struct {
	Currency     Currency
	Debits       decimal.Decimal
	Credits      decimal.Decimal
	Balance      decimal.Decimal
	Entries      int64
	Payments     int64 // distinct payment ids
	LastMovement *time.Time
}

// TotalsQuery feeds the box overview: balances grouped by owner and
// account, or by the agent dimension for ownerless legacy entries.
type TotalsQuery struct {
	Owners   []UserID
	Accounts []AccountCode
	Currency Currency
	From, To *time.Time
	// ByAgentDim groups ownerless legs by dimension agent id instead
	// of by owner.
	ByAgentDim bool
}

// AccountTotal is one row of the box overview aggregation.
type AccountTotal struct {
	Owner        UserID
	AgentID      int64 // set when grouped by agent dimension
	Account      AccountCode
	Currency     Currency
	Debits       decimal.Decimal
	Credits      decimal.Decimal
	Balance      decimal.Decimal
	Entries      int64
	Payments     int64
	LastMovement *time.Time
}
