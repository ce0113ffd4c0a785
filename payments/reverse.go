/*
reverse.go - undoing a posted payment

A reversal never deletes: the payment flips to reversed, its receipt
is voided, and a mirror ledger pair moves the money back. Debt state
recovers on its own because only posted and settled payments count as
paid.
*/

package payments

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/previsora/cobranza-engine/core"
)

// Reverse undoes a posted payment. Admin or super admin only; agents
// hand corrections to the office.
func (po *Poster) Reverse(ctx context.Context, actor core.Actor, paymentID, reason string) (*core.Payment, error) {
	if actor.IsAgent() {
		return nil, core.NewError(core.CodeNotAuthorized, "reversals require an admin")
	}

	var reversed core.Payment
	err := po.Store.WithTx(ctx, func(tx core.Store) error {
		p, err := tx.GetPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		switch p.Status {
		case core.PaymentPosted, core.PaymentSettled:
		case core.PaymentReversed:
			// Reversing twice is a replay, not an error.
			reversed = *p
			return nil
		default:
			return core.NewError(core.CodeInvalidRequest, "only posted payments can be reversed").
				With("payment_id", paymentID).
				With("status", string(p.Status))
		}

		if err := tx.MarkPaymentReversed(ctx, p.ID); err != nil {
			return err
		}
		if err := tx.VoidReceipt(ctx, p.ID); err != nil && !core.IsNotFound(err) {
			return err
		}

		now := po.Calendar.NowTime()
		// Mirror of the original pair under its own payment id, so the
		// original pair's uniqueness stays intact.
		_, err = tx.PostPair(ctx, core.PairRequest{
			PaymentID:   p.ID + ":rev",
			ActorUserID: actor.UserID,
			Kind:        core.KindReversal,
			Amount:      p.Amount,
			Currency:    p.Currency,
			Debit:       core.Leg{Account: core.IngresosCuotas},
			Credit:      core.Leg{Account: core.CajaCobrador, Owner: p.AgentUserID},
			FromLabel:   "reversal",
			ToLabel:     reason,
			Dimensions: core.Dimensions{
				AgentID: p.AgentID,
				GroupID: p.GroupID,
				Channel: p.Channel,
				Note:    "reversal:" + p.ID,
			},
			PostedAt: now,
		})
		if err != nil {
			return err
		}

		payload, err := json.Marshal(map[string]any{
			"payment_id":  p.ID,
			"member_id":   string(p.MemberID),
			"amount":      p.Amount.StringFixed(core.MoneyPlaces),
			"currency":    string(p.Currency),
			"reason":      reason,
			"reversed_at": now.Format(time.RFC3339),
			"reversed_by": string(actor.UserID),
		})
		if err != nil {
			return err
		}
		if err := tx.EnqueueEvent(ctx, core.OutboxEvent{
			ID:      uuid.NewString(),
			Topic:   core.TopicPaymentReversed,
			Payload: payload,
		}); err != nil {
			return err
		}

		p.Status = core.PaymentReversed
		p.Kind = core.PaymentKindReversal
		reversed = *p
		return nil
	})
	if err != nil {
		return nil, err
	}

	po.Log.Info().
		Str("payment_id", reversed.ID).
		Str("reason", reason).
		Msg("payment reversed")
	return &reversed, nil
}
