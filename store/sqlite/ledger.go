/*
ledger.go - append-only journal persistence

Pairs are written debit first, credit second, in one executor scope.
Duplicates die on UNIQUE(payment_id, side); synthetic transfers are
additionally checked against the (kind, currency, note) scope inside
the dedup window before anything is written.
*/

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/previsora/cobranza-engine/core"
)

// syntheticKinds are transfers without a natural payment behind them;
// their dimensions.note carries the idempotency scope.
var syntheticKinds = map[core.EntryKind]bool{
	core.KindArqueo:           true,
	core.KindPettyDeposit:     true,
	core.KindVaultIngress:     true,
	core.KindVaultEgress:      true,
	core.KindCommissionPayout: true,
}

func postPair(ctx context.Context, ex executor, req core.PairRequest, window time.Duration, now func() time.Time) ([]string, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	postedAt := req.PostedAt
	if postedAt.IsZero() {
		postedAt = now()
	}

	// Scope-level duplicate check for synthetic transfers: the same
	// (kind, currency, note) inside the window is a replayed
	// operation, not a second movement.
	if syntheticKinds[req.Kind] && req.Dimensions.Note != "" {
		var n int
		err := ex.QueryRowContext(ctx, `
			SELECT COUNT(1) FROM ledger_entries
			WHERE kind = ? AND currency = ? AND dim_note = ? AND posted_at >= ?`,
			string(req.Kind), string(req.Currency), req.Dimensions.Note,
			timeText(now().Add(-window)),
		).Scan(&n)
		if err != nil {
			return nil, fmt.Errorf("failed to check movement scope: %w", err)
		}
		if n > 0 {
			return nil, core.NewError(core.CodeDuplicatePosting, "an identical movement was already posted").
				With("scope", req.Dimensions.Note)
		}
	}

	createdAt := now()
	ids := []string{uuid.NewString(), uuid.NewString()}
	legs := []struct {
		id   string
		side core.Side
		leg  core.Leg
	}{
		{ids[0], core.Debit, req.Debit},
		{ids[1], core.Credit, req.Credit},
	}

	for _, l := range legs {
		_, err := ex.ExecContext(ctx, `
			INSERT INTO ledger_entries (
				id, payment_id, actor_user_id, owner_user_id, kind, side,
				account_code, amount_cents, currency, from_label, to_label,
				dim_agent_id, dim_group_id, dim_channel, dim_plan, dim_note,
				posted_at, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			l.id, req.PaymentID, string(req.ActorUserID), string(l.leg.Owner),
			string(req.Kind), string(l.side), string(l.leg.Account),
			cents(req.Amount), string(req.Currency), req.FromLabel, req.ToLabel,
			req.Dimensions.AgentID, req.Dimensions.GroupID, req.Dimensions.Channel,
			req.Dimensions.Plan, req.Dimensions.Note,
			timeText(postedAt), timeText(createdAt),
		)
		if isUniqueConstraintError(err) {
			return nil, core.NewError(core.CodeDuplicatePosting, "a ledger pair already exists for this payment").
				With("payment_id", req.PaymentID)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to append ledger entry: %w", err)
		}
	}
	return ids, nil
}

func ledgerPairExists(ctx context.Context, ex executor, paymentID string) (bool, error) {
	var n int
	err := ex.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM ledger_entries WHERE payment_id = ?`, paymentID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check ledger pair: %w", err)
	}
	return n > 0, nil
}

// ===== BALANCES =====

// balanceExpr folds debits positive, credits negative.
const balanceExpr = `COALESCE(SUM(CASE WHEN side = 'debit' THEN amount_cents ELSE -amount_cents END), 0)`

func balanceOf(ctx context.Context, ex executor, q core.BalanceQuery) (decimal.Decimal, error) {
	where := []string{"account_code = ?", "currency = ?"}
	args := []any{string(q.Account), string(q.Currency)}
	if q.Owner != nil {
		where = append(where, "owner_user_id = ?")
		args = append(args, string(*q.Owner))
	}
	if q.From != nil {
		where = append(where, "posted_at >= ?")
		args = append(args, timeText(*q.From))
	}
	if q.To != nil {
		where = append(where, "posted_at < ?")
		args = append(args, timeText(*q.To))
	}

	var c int64
	err := ex.QueryRowContext(ctx,
		`SELECT `+balanceExpr+` FROM ledger_entries WHERE `+strings.Join(where, " AND "),
		args...).Scan(&c)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to derive balance: %w", err)
	}
	return money(c), nil
}

func balancesForOwner(ctx context.Context, ex executor, owner core.UserID, account core.AccountCode, from, to *time.Time) ([]core.CurrencyBalance, error) {
	where := []string{"account_code = ?", "owner_user_id = ?"}
	args := []any{string(account), string(owner)}
	if from != nil {
		where = append(where, "posted_at >= ?")
		args = append(args, timeText(*from))
	}
	if to != nil {
		where = append(where, "posted_at < ?")
		args = append(args, timeText(*to))
	}

	rows, err := ex.QueryContext(ctx, `
		SELECT currency, `+balanceExpr+`
		FROM ledger_entries WHERE `+strings.Join(where, " AND ")+`
		GROUP BY currency ORDER BY currency`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to derive owner balances: %w", err)
	}
	defer rows.Close()

	var out []core.CurrencyBalance
	for rows.Next() {
		var cur string
		var c int64
		if err := rows.Scan(&cur, &c); err != nil {
			return nil, fmt.Errorf("failed to scan owner balance: %w", err)
		}
		out = append(out, core.CurrencyBalance{Currency: core.Currency(cur), Balance: money(c)})
	}
	return out, rows.Err()
}

func balanceByOwner(ctx context.Context, ex executor, account core.AccountCode, currency core.Currency, from, to *time.Time) ([]core.OwnerBalance, error) {
	where := []string{"account_code = ?", "currency = ?"}
	args := []any{string(account), string(currency)}
	if from != nil {
		where = append(where, "posted_at >= ?")
		args = append(args, timeText(*from))
	}
	if to != nil {
		where = append(where, "posted_at < ?")
		args = append(args, timeText(*to))
	}

	rows, err := ex.QueryContext(ctx, `
		SELECT owner_user_id, `+balanceExpr+` AS bal
		FROM ledger_entries WHERE `+strings.Join(where, " AND ")+`
		GROUP BY owner_user_id ORDER BY bal DESC`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to derive per-owner balances: %w", err)
	}
	defer rows.Close()

	var out []core.OwnerBalance
	for rows.Next() {
		var owner string
		var c int64
		if err := rows.Scan(&owner, &c); err != nil {
			return nil, fmt.Errorf("failed to scan per-owner balance: %w", err)
		}
		out = append(out, core.OwnerBalance{Owner: core.UserID(owner), Balance: money(c)})
	}
	return out, rows.Err()
}

// ===== LISTINGS =====

const entryColumns = `id, payment_id, actor_user_id, owner_user_id, kind, side,
	account_code, amount_cents, currency, from_label, to_label,
	dim_agent_id, dim_group_id, dim_channel, dim_plan, dim_note,
	posted_at, created_at`

func buildEntryWhere(f core.EntryFilter) (string, []any) {
	where := []string{"1=1"}
	var args []any

	if f.PaymentID != "" {
		where = append(where, "payment_id = ?")
		args = append(args, f.PaymentID)
	}
	if len(f.Accounts) > 0 {
		where = append(where, "account_code IN ("+placeholders(len(f.Accounts))+")")
		for _, a := range f.Accounts {
			args = append(args, string(a))
		}
	}
	if len(f.Kinds) > 0 {
		where = append(where, "kind IN ("+placeholders(len(f.Kinds))+")")
		for _, k := range f.Kinds {
			args = append(args, string(k))
		}
	}
	if f.Owner != nil {
		if f.FallbackAgentID > 0 {
			where = append(where, "(owner_user_id = ? OR (owner_user_id = '' AND dim_agent_id = ?))")
			args = append(args, string(*f.Owner), f.FallbackAgentID)
		} else {
			where = append(where, "owner_user_id = ?")
			args = append(args, string(*f.Owner))
		}
	} else if f.FallbackAgentID > 0 {
		where = append(where, "dim_agent_id = ?")
		args = append(args, f.FallbackAgentID)
	}
	if f.Currency != "" {
		where = append(where, "currency = ?")
		args = append(args, string(f.Currency))
	}
	if f.From != nil {
		where = append(where, "posted_at >= ?")
		args = append(args, timeText(*f.From))
	}
	if f.To != nil {
		where = append(where, "posted_at < ?")
		args = append(args, timeText(*f.To))
	}
	if len(f.ExcludeAccounts) > 0 {
		where = append(where, "account_code NOT IN ("+placeholders(len(f.ExcludeAccounts))+")")
		for _, a := range f.ExcludeAccounts {
			args = append(args, string(a))
		}
	}
	if len(f.ExcludeCreditsOn) > 0 {
		where = append(where, "NOT (side = 'credit' AND account_code IN ("+placeholders(len(f.ExcludeCreditsOn))+"))")
		for _, a := range f.ExcludeCreditsOn {
			args = append(args, string(a))
		}
	}
	return strings.Join(where, " AND "), args
}

func scanEntry(sc scanner) (*core.Entry, error) {
	var e core.Entry
	var actor, owner, kind, side, account, currency, posted, created string
	var amount int64

	err := sc.Scan(&e.ID, &e.PaymentID, &actor, &owner, &kind, &side,
		&account, &amount, &currency, &e.FromLabel, &e.ToLabel,
		&e.Dimensions.AgentID, &e.Dimensions.GroupID, &e.Dimensions.Channel,
		&e.Dimensions.Plan, &e.Dimensions.Note, &posted, &created)
	if err != nil {
		return nil, err
	}

	e.ActorUserID = core.UserID(actor)
	e.OwnerUserID = core.UserID(owner)
	e.Kind = core.EntryKind(kind)
	e.Side = core.Side(side)
	e.Account = core.AccountCode(account)
	e.Amount = money(amount)
	e.Currency = core.Currency(currency)
	e.PostedAt = parseTime(posted)
	e.CreatedAt = parseTime(created)
	return &e, nil
}

func listEntries(ctx context.Context, ex executor, f core.EntryFilter) ([]core.Entry, int, error) {
	where, args := buildEntryWhere(f)

	var total int
	if err := ex.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM ledger_entries WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count ledger entries: %w", err)
	}

	order := "posted_at ASC, created_at ASC"
	if f.SortDesc {
		order = "posted_at DESC, created_at DESC"
	}
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE ` + where + ` ORDER BY ` + order
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", f.Limit, f.Offset)
	}

	rows, err := ex.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	defer rows.Close()

	var out []core.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		out = append(out, *e)
	}
	return out, total, rows.Err()
}

func entryTotals(ctx context.Context, ex executor, f core.EntryFilter) ([]core.CurrencyTotal, error) {
	where, args := buildEntryWhere(f)

	rows, err := ex.QueryContext(ctx, `
		SELECT currency,
			COALESCE(SUM(CASE WHEN side = 'debit' THEN amount_cents ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN side = 'credit' THEN amount_cents ELSE 0 END), 0),
			COUNT(1),
			COUNT(DISTINCT payment_id),
			MAX(posted_at)
		FROM ledger_entries WHERE `+where+`
		GROUP BY currency ORDER BY currency`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to total ledger entries: %w", err)
	}
	defer rows.Close()

	var out []core.CurrencyTotal
	for rows.Next() {
		var cur string
		var deb, cred, entries, pays int64
		var last sql.NullString
		if err := rows.Scan(&cur, &deb, &cred, &entries, &pays, &last); err != nil {
			return nil, fmt.Errorf("failed to scan ledger totals: %w", err)
		}
		out = append(out, core.CurrencyTotal{
			Currency:     core.Currency(cur),
			Debits:       money(deb),
			Credits:      money(cred),
			Balance:      money(deb - cred),
			Entries:      entries,
			Payments:     pays,
			LastMovement: scanNullTime(last),
		})
	}
	return out, rows.Err()
}

func accountTotals(ctx context.Context, ex executor, q core.TotalsQuery) ([]core.AccountTotal, error) {
	where := []string{"1=1"}
	var args []any

	if len(q.Accounts) > 0 {
		where = append(where, "account_code IN ("+placeholders(len(q.Accounts))+")")
		for _, a := range q.Accounts {
			args = append(args, string(a))
		}
	}
	if q.Currency != "" {
		where = append(where, "currency = ?")
		args = append(args, string(q.Currency))
	}
	if q.From != nil {
		where = append(where, "posted_at >= ?")
		args = append(args, timeText(*q.From))
	}
	if q.To != nil {
		where = append(where, "posted_at < ?")
		args = append(args, timeText(*q.To))
	}

	groupCol := "owner_user_id"
	if q.ByAgentDim {
		// Legacy entries posted before collectors had user accounts
		// carry only the agent dimension.
		groupCol = "dim_agent_id"
		where = append(where, "owner_user_id = ''", "dim_agent_id > 0")
	} else if len(q.Owners) > 0 {
		where = append(where, "owner_user_id IN ("+placeholders(len(q.Owners))+")")
		for _, o := range q.Owners {
			args = append(args, string(o))
		}
	}

	rows, err := ex.QueryContext(ctx, `
		SELECT `+groupCol+`, account_code, currency,
			COALESCE(SUM(CASE WHEN side = 'debit' THEN amount_cents ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN side = 'credit' THEN amount_cents ELSE 0 END), 0),
			COUNT(1),
			COUNT(DISTINCT payment_id),
			MAX(posted_at)
		FROM ledger_entries WHERE `+strings.Join(where, " AND ")+`
		GROUP BY `+groupCol+`, account_code, currency
		ORDER BY `+groupCol+`, account_code, currency`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate account totals: %w", err)
	}
	defer rows.Close()

	var out []core.AccountTotal
	for rows.Next() {
		var t core.AccountTotal
		var account, currency string
		var deb, cred int64
		var last sql.NullString

		if q.ByAgentDim {
			if err := rows.Scan(&t.AgentID, &account, &currency, &deb, &cred, &t.Entries, &t.Payments, &last); err != nil {
				return nil, fmt.Errorf("failed to scan account totals: %w", err)
			}
		} else {
			var owner string
			if err := rows.Scan(&owner, &account, &currency, &deb, &cred, &t.Entries, &t.Payments, &last); err != nil {
				return nil, fmt.Errorf("failed to scan account totals: %w", err)
			}
			t.Owner = core.UserID(owner)
		}
		t.Account = core.AccountCode(account)
		t.Currency = core.Currency(currency)
		t.Debits = money(deb)
		t.Credits = money(cred)
		t.Balance = money(deb - cred)
		t.LastMovement = scanNullTime(last)
		out = append(out, t)
	}
	return out, rows.Err()
}

// ===== INTERFACE WRAPPERS =====

func (s *Store) PostPair(ctx context.Context, req core.PairRequest) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return postPair(ctx, s.db, req, s.dedupWindow, s.now)
}

func (s *Store) LedgerPairExists(ctx context.Context, paymentID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ledgerPairExists(ctx, s.db, paymentID)
}

func (s *Store) Balance(ctx context.Context, q core.BalanceQuery) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return balanceOf(ctx, s.db, q)
}

func (s *Store) BalancesForOwner(ctx context.Context, owner core.UserID, account core.AccountCode, from, to *time.Time) ([]core.CurrencyBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return balancesForOwner(ctx, s.db, owner, account, from, to)
}

func (s *Store) BalanceByOwner(ctx context.Context, account core.AccountCode, currency core.Currency, from, to *time.Time) ([]core.OwnerBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return balanceByOwner(ctx, s.db, account, currency, from, to)
}

func (s *Store) ListEntries(ctx context.Context, f core.EntryFilter) ([]core.Entry, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listEntries(ctx, s.db, f)
}

func (s *Store) EntryTotals(ctx context.Context, f core.EntryFilter) ([]core.CurrencyTotal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return entryTotals(ctx, s.db, f)
}

func (s *Store) AccountTotals(ctx context.Context, q core.TotalsQuery) ([]core.AccountTotal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return accountTotals(ctx, s.db, q)
}

func (t *txStore) PostPair(ctx context.Context, req core.PairRequest) ([]string, error) {
	return postPair(ctx, t.tx, req, t.parent.dedupWindow, t.parent.now)
}

func (t *txStore) LedgerPairExists(ctx context.Context, paymentID string) (bool, error) {
	return ledgerPairExists(ctx, t.tx, paymentID)
}

func (t *txStore) Balance(ctx context.Context, q core.BalanceQuery) (decimal.Decimal, error) {
	return balanceOf(ctx, t.tx, q)
}

func (t *txStore) BalancesForOwner(ctx context.Context, owner core.UserID, account core.AccountCode, from, to *time.Time) ([]core.CurrencyBalance, error) {
	return balancesForOwner(ctx, t.tx, owner, account, from, to)
}

func (t *txStore) BalanceByOwner(ctx context.Context, account core.AccountCode, currency core.Currency, from, to *time.Time) ([]core.OwnerBalance, error) {
	return balanceByOwner(ctx, t.tx, account, currency, from, to)
}

func (t *txStore) ListEntries(ctx context.Context, f core.EntryFilter) ([]core.Entry, int, error) {
	return listEntries(ctx, t.tx, f)
}

func (t *txStore) EntryTotals(ctx context.Context, f core.EntryFilter) ([]core.CurrencyTotal, error) {
	return entryTotals(ctx, t.tx, f)
}

func (t *txStore) AccountTotals(ctx context.Context, q core.TotalsQuery) ([]core.AccountTotal, error) {
	return accountTotals(ctx, t.tx, q)
}
