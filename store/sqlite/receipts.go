/*
receipts.go - receipts, serial counters, and the outbox

A receipt's serial comes from an atomic counter row keyed per year;
the UPSERT-and-read is one statement, so two posters can never draw
the same number. Outbox rows are written in the posting transaction
and drained later by the dispatcher.
*/

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/previsora/cobranza-engine/core"
)

func saveReceipt(ctx context.Context, ex executor, r core.Receipt) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO receipts (payment_id, serial, year, qr_payload, pdf_uri, render_failed, voided, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(payment_id) DO UPDATE SET
			qr_payload = excluded.qr_payload,
			pdf_uri = excluded.pdf_uri,
			render_failed = excluded.render_failed,
			voided = excluded.voided`,
		r.PaymentID, r.Serial, r.Year, r.QRPayload, r.PDFURI,
		boolInt(r.RenderFailed), boolInt(r.Voided), timeText(r.CreatedAt),
	)
	if isUniqueConstraintError(err) {
		return core.NewError(core.CodeDuplicatePosting, "receipt serial already issued").
			With("year", r.Year).
			With("serial", r.Serial)
	}
	if err != nil {
		return fmt.Errorf("failed to save receipt: %w", err)
	}
	return nil
}

func getReceipt(ctx context.Context, ex executor, paymentID string) (*core.Receipt, error) {
	var r core.Receipt
	var failed, voided int
	var created string

	err := ex.QueryRowContext(ctx, `
		SELECT payment_id, serial, year, qr_payload, pdf_uri, render_failed, voided, created_at
		FROM receipts WHERE payment_id = ?`, paymentID,
	).Scan(&r.PaymentID, &r.Serial, &r.Year, &r.QRPayload, &r.PDFURI, &failed, &voided, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NewError(core.CodePaymentNotFound, "no receipt for this payment").
			With("payment_id", paymentID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load receipt: %w", err)
	}
	r.RenderFailed = failed == 1
	r.Voided = voided == 1
	r.CreatedAt = parseTime(created)
	return &r, nil
}

func voidReceipt(ctx context.Context, ex executor, paymentID string) error {
	res, err := ex.ExecContext(ctx,
		`UPDATE receipts SET voided = 1 WHERE payment_id = ?`, paymentID)
	if err != nil {
		return fmt.Errorf("failed to void receipt: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.NewError(core.CodePaymentNotFound, "no receipt for this payment").
			With("payment_id", paymentID)
	}
	return nil
}

// nextCounter increments and reads in one statement. SQLite's
// RETURNING makes the increment atomic even across connections.
func nextCounter(ctx context.Context, ex executor, key string) (int64, error) {
	var value int64
	err := ex.QueryRowContext(ctx, `
		INSERT INTO counters (key, value) VALUES (?, 1)
		ON CONFLICT(key) DO UPDATE SET value = value + 1
		RETURNING value`, key,
	).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("failed to advance counter %q: %w", key, err)
	}
	return value, nil
}

// ===== OUTBOX =====

func enqueueEvent(ctx context.Context, ex executor, ev core.OutboxEvent, now func() time.Time) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now()
	}
	if ev.Status == "" {
		ev.Status = core.EventPending
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO outbox_events (id, topic, payload, status, attempts, last_error, created_at, published_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Topic, string(ev.Payload), string(ev.Status),
		ev.Attempts, ev.LastError, timeText(ev.CreatedAt), nullTimeText(ev.PublishedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox event: %w", err)
	}
	return nil
}

func pendingEvents(ctx context.Context, ex executor, limit int) ([]core.OutboxEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	// Failed rows stay eligible; delivery is at-least-once and the
	// dispatcher retries them on later passes.
	rows, err := ex.QueryContext(ctx, `
		SELECT id, topic, payload, status, attempts, last_error, created_at, published_at
		FROM outbox_events WHERE status IN (?, ?)
		ORDER BY created_at LIMIT ?`,
		string(core.EventPending), string(core.EventFailed), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending events: %w", err)
	}
	defer rows.Close()

	var out []core.OutboxEvent
	for rows.Next() {
		var ev core.OutboxEvent
		var status, payload, created string
		var published sql.NullString
		if err := rows.Scan(&ev.ID, &ev.Topic, &payload, &status,
			&ev.Attempts, &ev.LastError, &created, &published); err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		ev.Payload = []byte(payload)
		ev.Status = core.EventStatus(status)
		ev.CreatedAt = parseTime(created)
		ev.PublishedAt = scanNullTime(published)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func markEventPublished(ctx context.Context, ex executor, id string, now func() time.Time) error {
	_, err := ex.ExecContext(ctx, `
		UPDATE outbox_events
		SET status = ?, attempts = attempts + 1, last_error = '', published_at = ?
		WHERE id = ?`,
		string(core.EventPublished), timeText(now()), id)
	if err != nil {
		return fmt.Errorf("failed to mark event published: %w", err)
	}
	return nil
}

func markEventFailed(ctx context.Context, ex executor, id, reason string) error {
	_, err := ex.ExecContext(ctx, `
		UPDATE outbox_events
		SET status = ?, attempts = attempts + 1, last_error = ?
		WHERE id = ?`,
		string(core.EventFailed), reason, id)
	if err != nil {
		return fmt.Errorf("failed to mark event failed: %w", err)
	}
	return nil
}

// ===== INTERFACE WRAPPERS =====

func (s *Store) SaveReceipt(ctx context.Context, r core.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveReceipt(ctx, s.db, r)
}

func (s *Store) GetReceipt(ctx context.Context, paymentID string) (*core.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getReceipt(ctx, s.db, paymentID)
}

func (s *Store) VoidReceipt(ctx context.Context, paymentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return voidReceipt(ctx, s.db, paymentID)
}

func (s *Store) NextCounter(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return nextCounter(ctx, s.db, key)
}

func (s *Store) EnqueueEvent(ctx context.Context, ev core.OutboxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return enqueueEvent(ctx, s.db, ev, s.now)
}

func (s *Store) PendingEvents(ctx context.Context, limit int) ([]core.OutboxEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return pendingEvents(ctx, s.db, limit)
}

func (s *Store) MarkEventPublished(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return markEventPublished(ctx, s.db, id, s.now)
}

func (s *Store) MarkEventFailed(ctx context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return markEventFailed(ctx, s.db, id, reason)
}

func (t *txStore) SaveReceipt(ctx context.Context, r core.Receipt) error {
	return saveReceipt(ctx, t.tx, r)
}

func (t *txStore) GetReceipt(ctx context.Context, paymentID string) (*core.Receipt, error) {
	return getReceipt(ctx, t.tx, paymentID)
}

func (t *txStore) VoidReceipt(ctx context.Context, paymentID string) error {
	return voidReceipt(ctx, t.tx, paymentID)
}

func (t *txStore) NextCounter(ctx context.Context, key string) (int64, error) {
	return nextCounter(ctx, t.tx, key)
}

func (t *txStore) EnqueueEvent(ctx context.Context, ev core.OutboxEvent) error {
	return enqueueEvent(ctx, t.tx, ev, t.parent.now)
}

func (t *txStore) PendingEvents(ctx context.Context, limit int) ([]core.OutboxEvent, error) {
	return pendingEvents(ctx, t.tx, limit)
}

func (t *txStore) MarkEventPublished(ctx context.Context, id string) error {
	return markEventPublished(ctx, t.tx, id, t.parent.now)
}

func (t *txStore) MarkEventFailed(ctx context.Context, id, reason string) error {
	return markEventFailed(ctx, t.tx, id, reason)
}
