/*
payments.go - payment and allocation persistence
*/

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/previsora/cobranza-engine/core"
)

const paymentColumns = `p.id, p.member_id, p.group_id, p.agent_id, p.agent_user_id, p.actor_user_id,
	p.amount_cents, p.currency, p.method, p.channel, p.kind, p.status, p.intended_period,
	p.notes, p.idempotency_key, p.external_ref, p.meta, p.arrears_at_post,
	p.collected_at, p.posted_at, p.created_at`

func savePayment(ctx context.Context, ex executor, p core.Payment) error {
	meta := "{}"
	if len(p.Meta) > 0 {
		raw, err := json.Marshal(p.Meta)
		if err != nil {
			return fmt.Errorf("failed to encode payment meta: %w", err)
		}
		meta = string(raw)
	}

	kind := p.Kind
	if kind == "" {
		kind = core.PaymentKindPayment
	}

	_, err := ex.ExecContext(ctx, `
		INSERT INTO payments (
			id, member_id, group_id, agent_id, agent_user_id, actor_user_id,
			amount_cents, currency, method, channel, kind, status, intended_period,
			notes, idempotency_key, external_ref, meta, arrears_at_post,
			collected_at, posted_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			status = excluded.status,
			notes = excluded.notes,
			arrears_at_post = excluded.arrears_at_post,
			collected_at = excluded.collected_at,
			posted_at = excluded.posted_at`,
		p.ID, string(p.MemberID), p.GroupID, p.AgentID, string(p.AgentUserID), string(p.ActorUserID),
		cents(p.Amount), string(p.Currency), string(p.Method), p.Channel, string(kind), string(p.Status), string(p.IntendedPeriod),
		p.Notes, nullString(p.IdempotencyKey), p.ExternalRef, meta, p.ArrearsAtPost,
		nullTimeText(p.CollectedAt), nullTimeText(p.PostedAt), timeText(p.CreatedAt),
	)
	if isUniqueConstraintError(err) {
		// Idempotency key collision; the caller resolves the replay.
		return core.NewError(core.CodeDuplicatePosting, "idempotency key already used").
			With("idempotency_key", p.IdempotencyKey)
	}
	if err != nil {
		return fmt.Errorf("failed to save payment: %w", err)
	}

	if _, err := ex.ExecContext(ctx,
		`DELETE FROM allocations WHERE payment_id = ?`, p.ID); err != nil {
		return fmt.Errorf("failed to reset allocations: %w", err)
	}
	for _, a := range p.Allocations {
		if _, err := ex.ExecContext(ctx, `
			INSERT INTO allocations (payment_id, period, amount_cents, status_after)
			VALUES (?, ?, ?, ?)`,
			p.ID, string(a.Period), cents(a.Amount), string(a.StatusAfter),
		); err != nil {
			return fmt.Errorf("failed to save allocation: %w", err)
		}
	}
	return nil
}

func scanPayment(sc scanner) (*core.Payment, error) {
	var p core.Payment
	var memberID, agentUser, actorUser, currency, method, kind, status, period string
	var idem sql.NullString
	var meta string
	var collected, posted sql.NullString
	var created string
	var amount int64

	err := sc.Scan(&p.ID, &memberID, &p.GroupID, &p.AgentID, &agentUser, &actorUser,
		&amount, &currency, &method, &p.Channel, &kind, &status, &period,
		&p.Notes, &idem, &p.ExternalRef, &meta, &p.ArrearsAtPost,
		&collected, &posted, &created)
	if err != nil {
		return nil, err
	}

	p.MemberID = core.MemberID(memberID)
	p.AgentUserID = core.UserID(agentUser)
	p.ActorUserID = core.UserID(actorUser)
	p.Amount = money(amount)
	p.Currency = core.Currency(currency)
	p.Method = core.PaymentMethod(method)
	p.Kind = core.PaymentKind(kind)
	p.Status = core.PaymentStatus(status)
	p.IntendedPeriod = core.Period(period)
	if idem.Valid {
		p.IdempotencyKey = idem.String
	}
	if meta != "" && meta != "{}" {
		_ = json.Unmarshal([]byte(meta), &p.Meta)
	}
	p.CollectedAt = scanNullTime(collected)
	p.PostedAt = scanNullTime(posted)
	p.CreatedAt = parseTime(created)
	return &p, nil
}

// attachAllocations loads allocations for the given payments in one
// query and distributes them.
func attachAllocations(ctx context.Context, ex executor, payments []*core.Payment) error {
	if len(payments) == 0 {
		return nil
	}
	ids := make([]any, len(payments))
	byID := make(map[string]*core.Payment, len(payments))
	for i, p := range payments {
		ids[i] = p.ID
		byID[p.ID] = p
	}

	rows, err := ex.QueryContext(ctx, `
		SELECT payment_id, period, amount_cents, status_after
		FROM allocations WHERE payment_id IN (`+placeholders(len(ids))+`)
		ORDER BY period`,
		ids...)
	if err != nil {
		return fmt.Errorf("failed to load allocations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var paymentID, period, statusAfter string
		var amount int64
		if err := rows.Scan(&paymentID, &period, &amount, &statusAfter); err != nil {
			return fmt.Errorf("failed to scan allocation: %w", err)
		}
		p := byID[paymentID]
		p.Allocations = append(p.Allocations, core.Allocation{
			Period:      core.Period(period),
			Amount:      money(amount),
			StatusAfter: core.DebtStatus(statusAfter),
		})
	}
	return rows.Err()
}

func getPayment(ctx context.Context, ex executor, id string) (*core.Payment, error) {
	row := ex.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments p WHERE p.id = ?`, id)
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NewError(core.CodePaymentNotFound, "payment not found").
			With("payment_id", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load payment: %w", err)
	}
	if err := attachAllocations(ctx, ex, []*core.Payment{p}); err != nil {
		return nil, err
	}
	return p, nil
}

// findPaymentByKey returns (nil, nil) when no payment carries the
// key; absence is the normal case, not an error.
func findPaymentByKey(ctx context.Context, ex executor, key string) (*core.Payment, error) {
	if key == "" {
		return nil, nil
	}
	row := ex.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments p WHERE p.idempotency_key = ?`, key)
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up idempotency key: %w", err)
	}
	if err := attachAllocations(ctx, ex, []*core.Payment{p}); err != nil {
		return nil, err
	}
	return p, nil
}

func markPaymentPosted(ctx context.Context, ex executor, id string, postedAt time.Time) error {
	res, err := ex.ExecContext(ctx,
		`UPDATE payments SET status = ?, posted_at = ? WHERE id = ?`,
		string(core.PaymentPosted), timeText(postedAt), id)
	if err != nil {
		return fmt.Errorf("failed to mark payment posted: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.NewError(core.CodePaymentNotFound, "payment not found").
			With("payment_id", id)
	}
	return nil
}

func markPaymentReversed(ctx context.Context, ex executor, id string) error {
	res, err := ex.ExecContext(ctx,
		`UPDATE payments SET status = ?, kind = ? WHERE id = ?`,
		string(core.PaymentReversed), string(core.PaymentKindReversal), id)
	if err != nil {
		return fmt.Errorf("failed to mark payment reversed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.NewError(core.CodePaymentNotFound, "payment not found").
			With("payment_id", id)
	}
	return nil
}

// paymentSortColumns is the whitelist for operator-chosen ordering.
var paymentSortColumns = map[string]string{
	"posted_at":  "p.posted_at",
	"created_at": "p.created_at",
	"amount":     "p.amount_cents",
	"group_id":   "p.group_id",
	"method":     "p.method",
	"status":     "p.status",
}

func listPayments(ctx context.Context, ex executor, f core.PaymentFilter) ([]core.Payment, int, error) {
	where := []string{"1=1"}
	var args []any

	if f.MemberID != "" {
		where = append(where, "p.member_id = ?")
		args = append(args, string(f.MemberID))
	}
	if f.GroupID > 0 {
		where = append(where, "p.group_id = ?")
		args = append(args, f.GroupID)
	}
	if f.AgentID > 0 {
		where = append(where, "p.agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.AgentUserID != "" {
		where = append(where, "p.agent_user_id = ?")
		args = append(args, string(f.AgentUserID))
	}
	if len(f.Statuses) > 0 {
		where = append(where, "p.status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	if len(f.Methods) > 0 {
		where = append(where, "p.method IN ("+placeholders(len(f.Methods))+")")
		for _, m := range f.Methods {
			args = append(args, string(m))
		}
	}
	if f.From != nil {
		where = append(where, "p.posted_at >= ?")
		args = append(args, timeText(*f.From))
	}
	if f.To != nil {
		where = append(where, "p.posted_at < ?")
		args = append(args, timeText(*f.To))
	}
	if f.AllocPeriod != "" {
		where = append(where, "EXISTS (SELECT 1 FROM allocations a WHERE a.payment_id = p.id AND a.period = ?)")
		args = append(args, string(f.AllocPeriod))
	}
	if q := strings.TrimSpace(f.Query); q != "" {
		// Free text covers member name/document, external ref,
		// receipt serial, and a bare group id.
		clause := "(m.full_name LIKE ? OR m.document LIKE ? OR p.external_ref LIKE ?"
		like := "%" + q + "%"
		args = append(args, like, like, like)
		if n, err := strconv.ParseInt(q, 10, 64); err == nil {
			clause += " OR p.group_id = ? OR r.serial = ?"
			args = append(args, n, n)
		}
		clause += ")"
		where = append(where, clause)
	}

	from := ` FROM payments p
		JOIN members m ON m.id = p.member_id
		LEFT JOIN receipts r ON r.payment_id = p.id
		WHERE ` + strings.Join(where, " AND ")

	var total int
	if err := ex.QueryRowContext(ctx, `SELECT COUNT(1)`+from, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count payments: %w", err)
	}

	sortCol, ok := paymentSortColumns[f.SortBy]
	if !ok {
		sortCol = "p.posted_at"
	}
	dir := "ASC"
	if f.SortDesc {
		dir = "DESC"
	}
	query := `SELECT ` + paymentColumns + from +
		fmt.Sprintf(" ORDER BY %s %s, p.created_at %s", sortCol, dir, dir)
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", f.Limit, f.Offset)
	}

	rows, err := ex.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	var page []*core.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan payment: %w", err)
		}
		page = append(page, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if err := attachAllocations(ctx, ex, page); err != nil {
		return nil, 0, err
	}

	out := make([]core.Payment, len(page))
	for i, p := range page {
		out[i] = *p
	}
	return out, total, nil
}

func allocatedByPeriod(ctx context.Context, ex executor, memberID core.MemberID) (core.PaidIndex, error) {
	rows, err := ex.QueryContext(ctx, `
		SELECT a.period, COALESCE(SUM(a.amount_cents), 0)
		FROM allocations a
		JOIN payments p ON p.id = a.payment_id
		WHERE p.member_id = ? AND p.status IN (?, ?)
		GROUP BY a.period`,
		string(memberID), string(core.PaymentPosted), string(core.PaymentSettled))
	if err != nil {
		return nil, fmt.Errorf("failed to sum allocations: %w", err)
	}
	defer rows.Close()

	ix := core.PaidIndex{}
	for rows.Next() {
		var period string
		var c int64
		if err := rows.Scan(&period, &c); err != nil {
			return nil, fmt.Errorf("failed to scan allocation sum: %w", err)
		}
		ix[core.Period(period)] = money(c)
	}
	return ix, rows.Err()
}

// ===== INTERFACE WRAPPERS =====

func (s *Store) SavePayment(ctx context.Context, p core.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return savePayment(ctx, s.db, p)
}

func (s *Store) GetPayment(ctx context.Context, id string) (*core.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getPayment(ctx, s.db, id)
}

func (s *Store) FindPaymentByKey(ctx context.Context, key string) (*core.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return findPaymentByKey(ctx, s.db, key)
}

func (s *Store) MarkPaymentPosted(ctx context.Context, id string, postedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return markPaymentPosted(ctx, s.db, id, postedAt)
}

func (s *Store) MarkPaymentReversed(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return markPaymentReversed(ctx, s.db, id)
}

func (s *Store) ListPayments(ctx context.Context, f core.PaymentFilter) ([]core.Payment, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listPayments(ctx, s.db, f)
}

func (s *Store) AllocatedByPeriod(ctx context.Context, memberID core.MemberID) (core.PaidIndex, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return allocatedByPeriod(ctx, s.db, memberID)
}

func (t *txStore) SavePayment(ctx context.Context, p core.Payment) error {
	return savePayment(ctx, t.tx, p)
}

func (t *txStore) GetPayment(ctx context.Context, id string) (*core.Payment, error) {
	return getPayment(ctx, t.tx, id)
}

func (t *txStore) FindPaymentByKey(ctx context.Context, key string) (*core.Payment, error) {
	return findPaymentByKey(ctx, t.tx, key)
}

func (t *txStore) MarkPaymentPosted(ctx context.Context, id string, postedAt time.Time) error {
	return markPaymentPosted(ctx, t.tx, id, postedAt)
}

func (t *txStore) MarkPaymentReversed(ctx context.Context, id string) error {
	return markPaymentReversed(ctx, t.tx, id)
}

func (t *txStore) ListPayments(ctx context.Context, f core.PaymentFilter) ([]core.Payment, int, error) {
	return listPayments(ctx, t.tx, f)
}

func (t *txStore) AllocatedByPeriod(ctx context.Context, memberID core.MemberID) (core.PaidIndex, error) {
	return allocatedByPeriod(ctx, t.tx, memberID)
}
