/*
store.go - storage contract

One interface covers everything the engine persists. Implementations
must honor two hard guarantees: PostPair writes both legs atomically
(debit first) and refuses duplicates, and WithTx runs the closure
against a transactional view where every read sees every prior write
of the same closure. The posting pipeline leans on that second
guarantee for its race re-check.
*/

package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// UserFilter selects users for directory listings.
type UserFilter struct {
	Role    Role
	Active  *bool
	Query   string // name substring
	AgentID int64
}

// Store is the persistence surface. Not-found conditions come back as
// the taxonomy sentinels (ErrMemberNotFound and friends), never as
// sql.ErrNoRows.
type Store interface {
	// Members.
	SaveMember(ctx context.Context, m Member) error
	GetMember(ctx context.Context, id MemberID) (*Member, error)
	ListGroupMembers(ctx context.Context, groupID int64) ([]Member, error)
	ListMembersByAgent(ctx context.Context, agentID int64) ([]Member, error)

	// Users.
	SaveUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, id UserID) (*User, error)
	GetUserByAgentID(ctx context.Context, agentID int64) (*User, error)
	ListUsers(ctx context.Context, f UserFilter) ([]User, error)

	// Payments and allocations.
	SavePayment(ctx context.Context, p Payment) error
	MarkPaymentPosted(ctx context.Context, id string, postedAt time.Time) error
	// MarkPaymentReversed flips both the status and the record kind;
	// the two always move together.
	MarkPaymentReversed(ctx context.Context, id string) error
	GetPayment(ctx context.Context, id string) (*Payment, error)
	FindPaymentByKey(ctx context.Context, idempotencyKey string) (*Payment, error)
	ListPayments(ctx context.Context, f PaymentFilter) ([]Payment, int, error)
	// AllocatedByPeriod sums allocations of posted and settled
	// payments per period for one member. This is the paid side of
	// the debt fold.
	AllocatedByPeriod(ctx context.Context, memberID MemberID) (PaidIndex, error)

	// Ledger. PostPair returns the two entry ids, debit first. A
	// second pair for the same payment id, or a synthetic transfer
	// whose (kind, currency, note) was already posted within the
	// dedup window, fails with ErrDuplicatePosting.
	PostPair(ctx context.Context, req PairRequest) ([]string, error)
	LedgerPairExists(ctx context.Context, paymentID string) (bool, error)
	Balance(ctx context.Context, q BalanceQuery) (decimal.Decimal, error)
	// BalancesForOwner returns one owner's balances on an account,
	// one row per currency that ever moved.
	BalancesForOwner(ctx context.Context, owner UserID, account AccountCode, from, to *time.Time) ([]CurrencyBalance, error)
	// BalanceByOwner splits a shared account code into per-owner
	// balances (petty cash sub-balances).
	BalanceByOwner(ctx context.Context, account AccountCode, currency Currency, from, to *time.Time) ([]OwnerBalance, error)
	ListEntries(ctx context.Context, f EntryFilter) ([]Entry, int, error)
	EntryTotals(ctx context.Context, f EntryFilter) ([]CurrencyTotal, error)
	AccountTotals(ctx context.Context, q TotalsQuery) ([]AccountTotal, error)

	// Receipts and counters.
	SaveReceipt(ctx context.Context, r Receipt) error
	GetReceipt(ctx context.Context, paymentID string) (*Receipt, error)
	VoidReceipt(ctx context.Context, paymentID string) error
	// NextCounter atomically increments and returns the named
	// counter, starting at 1.
	NextCounter(ctx context.Context, key string) (int64, error)

	// Outbox.
	EnqueueEvent(ctx context.Context, ev OutboxEvent) error
	PendingEvents(ctx context.Context, limit int) ([]OutboxEvent, error)
	MarkEventPublished(ctx context.Context, id string) error
	MarkEventFailed(ctx context.Context, id string, reason string) error
}

// TxStore runs multi-step operations atomically. The closure receives
// a Store bound to the transaction; returning an error rolls
// everything back. Implementations serialize WithTx blocks, which is
// what makes the read-check-write pattern in the posting pipeline
// safe.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}
