/*
poster.go - the collection posting pipeline

One entry point, Post, turns a proposed payment into a posted payment,
its period allocations, the ledger pair, and a numbered receipt, all
in one transaction. The pipeline validates before it writes, re-checks
the debt state inside the transaction so two concurrent payments
cannot overdraw the same period, and replays idempotently: the same
idempotency key always comes back with the original payment.

Receipt rendering is the one fallible step that does not roll the
transaction back. A payment without its PDF is an inconvenience; a
collected payment that vanished because a font file was missing is an
incident.
*/

package payments

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/previsora/cobranza-engine/core"
)

// Strategy decides how the amount spreads across periods.
type Strategy string

const (
	StrategyAuto   Strategy = "auto"   // FIFO over everything due
	StrategyManual Strategy = "manual" // operator breakdown, FIFO remainder
)

// RenderInput is everything the receipt renderer needs.
type RenderInput struct {
	Payment   core.Payment
	Receipt   core.Receipt
	Member    core.Member
	AgentName string
}

// ReceiptRenderer produces the printable receipt and returns its URI.
// A renderer failure never fails the posting.
type ReceiptRenderer interface {
	Render(ctx context.Context, in RenderInput) (string, error)
}

// NoopRenderer skips PDF generation entirely.
type NoopRenderer struct{}

func (NoopRenderer) Render(context.Context, RenderInput) (string, error) { return "", nil }

// Config holds the posting policy knobs.
type Config struct {
	Currency core.Currency
	// ArrearsCutoffMonths refuses collection once a member owes this
	// many months; those cases go to the office.
	ArrearsCutoffMonths int
}

// DefaultConfig is the operating policy: ARS, cutoff at four months.
func DefaultConfig() Config {
	return Config{Currency: core.ARS, ArrearsCutoffMonths: 4}
}

// Poster orchestrates the posting pipeline.
type Poster struct {
	Store    core.TxStore
	Calendar core.Calendar
	Fees     core.FeeResolver
	Renderer ReceiptRenderer
	Config   Config
	Log      zerolog.Logger
}

// NewPoster wires a poster with the default policy, current-fee
// resolution, and no renderer; callers override fields as needed.
func NewPoster(store core.TxStore, cal core.Calendar) *Poster {
	return &Poster{
		Store:    store,
		Calendar: cal,
		Fees:     core.CurrentFee{},
		Renderer: NoopRenderer{},
		Config:   DefaultConfig(),
		Log:      zerolog.Nop(),
	}
}

// BreakdownItem is one operator-chosen (period, amount) pair.
type BreakdownItem struct {
	Period string
	Amount decimal.Decimal
}

// PostRequest is a proposed payment.
type PostRequest struct {
	MemberID core.MemberID
	// LegacyGroupID cross-checks the member against the group id the
	// field app displayed; a mismatch means a stale client.
	LegacyGroupID int64

	// Amount is optional. Absent with StrategyAuto it means "everything
	// due up to now"; absent otherwise it means one effective fee.
	Amount *decimal.Decimal

	Strategy  Strategy
	Breakdown []BreakdownItem

	Method         string
	Channel        string
	Notes          string
	IdempotencyKey string
	IntendedPeriod string
	ExternalRef    string
	Meta           map[string]string

	// CollectedAt backdates posted_at to when the cash actually
	// changed hands in the field.
	CollectedAt *time.Time
}

// PostResult is the outcome of a posting.
type PostResult struct {
	Payment  core.Payment
	Receipt  core.Receipt
	Replayed bool // true when the idempotency key matched a prior payment
}

// Post runs the pipeline. Everything that writes runs in one
// transaction; the only survivable failure inside it is the PDF.
func (po *Poster) Post(ctx context.Context, actor core.Actor, req PostRequest) (*PostResult, error) {
	member, err := po.Store.GetMember(ctx, req.MemberID)
	if err != nil {
		return nil, err
	}
	if actor.IsAgent() && actor.AgentID != member.AgentID {
		return nil, core.NewError(core.CodeOutOfScope, "member is outside your collection route").
			With("member_id", string(member.ID)).
			With("agent_id", member.AgentID)
	}
	if req.LegacyGroupID > 0 && req.LegacyGroupID != member.GroupID {
		return nil, core.NewError(core.CodeInvalidRequest, "group id does not match the member").
			With("expected", member.GroupID).
			With("got", req.LegacyGroupID)
	}

	agentUser, err := po.Store.GetUserByAgentID(ctx, member.AgentID)
	if err != nil {
		return nil, err
	}

	// Idempotent replay is checked before any computation: a replay
	// must succeed even if the member's debt has since changed.
	key := strings.TrimSpace(req.IdempotencyKey)
	if key != "" {
		if replay, err := po.findReplay(ctx, po.Store, key); err != nil || replay != nil {
			return replay, err
		}
	} else {
		key = uuid.NewString()
	}

	state, err := po.debtState(ctx, po.Store, *member)
	if err != nil {
		return nil, err
	}
	if state.TotalDue.Sign() <= 0 {
		return nil, core.NewError(core.CodeClientUpToDate, "member owes nothing up to the current period").
			With("now_period", string(state.NowPeriod))
	}
	arrears := state.ArrearsMonths()
	if cutoff := po.Config.ArrearsCutoffMonths; cutoff > 0 && arrears >= cutoff {
		return nil, core.NewError(core.CodeArrearsCutoff, "arrears over the cutoff, collection must go through the office").
			With("arrears_months", arrears).
			With("cutoff", cutoff)
	}

	amount, err := po.resolveAmount(req, *member, state)
	if err != nil {
		return nil, err
	}
	plan, err := po.buildPlan(req, state, amount)
	if err != nil {
		return nil, err
	}

	now := po.Calendar.NowTime()
	postedAt := core.TimeOrNow(req.CollectedAt, po.Calendar)
	payment := core.Payment{
		ID:             uuid.NewString(),
		MemberID:       member.ID,
		GroupID:        member.GroupID,
		AgentID:        member.AgentID,
		AgentUserID:    agentUser.ID,
		ActorUserID:    actor.UserID,
		Amount:         amount,
		Currency:       po.Config.Currency,
		Method:         core.NormalizeMethod(req.Method),
		Channel:        req.Channel,
		Kind:           core.PaymentKindPayment,
		Status:         core.PaymentDraft,
		IntendedPeriod: core.Period(req.IntendedPeriod),
		Notes:          req.Notes,
		IdempotencyKey: key,
		ExternalRef:    req.ExternalRef,
		Meta:           req.Meta,
		ArrearsAtPost:  arrears,
		CollectedAt:    req.CollectedAt,
		CreatedAt:      now,
	}

	var result PostResult
	err = po.Store.WithTx(ctx, func(tx core.Store) error {
		// A concurrent request with the same key may have landed
		// between the first check and here; the transaction decides.
		if replay, err := po.findReplay(ctx, tx, key); err != nil {
			return err
		} else if replay != nil {
			result = *replay
			return nil
		}

		// Race re-check: the plan was built on a snapshot. Reload the
		// debt state under the transaction and verify every step still
		// fits its period balance.
		fresh, err := po.debtState(ctx, tx, *member)
		if err != nil {
			return err
		}
		for _, item := range plan.Items {
			if balance := fresh.BalanceFor(item.Period); item.Amount.GreaterThan(balance) {
				return core.NewError(core.CodeRaceConditionOverpay, "a concurrent payment already covered this period").
					With("period", string(item.Period)).
					With("requested", item.Amount.String()).
					With("balance", balance.String())
			}
		}

		payment.Allocations = allocationsOf(plan, fresh)
		if err := tx.SavePayment(ctx, payment); err != nil {
			return err
		}
		if err := tx.MarkPaymentPosted(ctx, payment.ID, postedAt); err != nil {
			return err
		}
		payment.Status = core.PaymentPosted
		payment.PostedAt = &postedAt

		// The agent's pouch receives, fee revenue is recognized.
		_, err = tx.PostPair(ctx, core.PairRequest{
			PaymentID:   payment.ID,
			ActorUserID: actor.UserID,
			Kind:        core.KindPayment,
			Amount:      amount,
			Currency:    payment.Currency,
			Debit:       core.Leg{Account: core.CajaCobrador, Owner: agentUser.ID},
			Credit:      core.Leg{Account: core.IngresosCuotas},
			FromLabel:   core.MemberLabel(*member),
			ToLabel:     agentUser.Name,
			Dimensions: core.Dimensions{
				AgentID: member.AgentID,
				GroupID: member.GroupID,
				Channel: payment.Channel,
				Plan:    member.Plan,
				Note:    payment.Notes,
			},
			PostedAt: postedAt,
		})
		if err != nil {
			return err
		}

		receipt, err := po.issueReceipt(ctx, tx, payment, *member, agentUser.Name, postedAt)
		if err != nil {
			return err
		}

		if err := po.enqueuePosted(ctx, tx, payment); err != nil {
			return err
		}

		result = PostResult{Payment: payment, Receipt: *receipt}
		return nil
	})
	if err != nil {
		return nil, err
	}

	po.Log.Info().
		Str("payment_id", result.Payment.ID).
		Str("member_id", string(member.ID)).
		Str("amount", result.Payment.Amount.StringFixed(core.MoneyPlaces)).
		Str("receipt", result.Receipt.Number()).
		Bool("replayed", result.Replayed).
		Msg("payment posted")
	return &result, nil
}

// debtState folds the member's statement from joining to now against
// whichever store view the caller is holding.
func (po *Poster) debtState(ctx context.Context, store core.Store, m core.Member) (core.DebtState, error) {
	paid, err := store.AllocatedByPeriod(ctx, m.ID)
	if err != nil {
		return core.DebtState{}, err
	}
	from, to, now := core.DebtWindow(m, po.Calendar, 0)
	return core.BuildDebtState(m, po.Fees, paid, from, to, now), nil
}

func (po *Poster) findReplay(ctx context.Context, store core.Store, key string) (*PostResult, error) {
	prior, err := store.FindPaymentByKey(ctx, key)
	if err != nil || prior == nil {
		return nil, err
	}
	receipt, err := store.GetReceipt(ctx, prior.ID)
	if err != nil {
		return nil, err
	}
	return &PostResult{Payment: *prior, Receipt: *receipt, Replayed: true}, nil
}

func (po *Poster) resolveAmount(req PostRequest, m core.Member, state core.DebtState) (decimal.Decimal, error) {
	var amount decimal.Decimal
	switch {
	case req.Amount != nil:
		amount = core.Round2(*req.Amount)
	case req.Strategy == StrategyAuto || req.Strategy == "":
		amount = state.TotalDue
	default:
		amount = core.Round2(m.EffectiveFee())
	}
	if amount.Sign() <= 0 {
		return decimal.Zero, core.NewError(core.CodeInvalidAmount, "payment amount must be positive").
			With("amount", amount.String())
	}
	return amount, nil
}

func (po *Poster) buildPlan(req PostRequest, state core.DebtState, amount decimal.Decimal) (core.AllocationPlan, error) {
	if req.Strategy == StrategyManual {
		breakdown := make([]core.PlannedAllocation, len(req.Breakdown))
		for i, b := range req.Breakdown {
			breakdown[i] = core.PlannedAllocation{Period: core.Period(b.Period), Amount: b.Amount}
		}
		return core.AllocateManual(state, amount, breakdown)
	}
	return core.AllocateFIFO(state, amount)
}

// allocationsOf fixes each step's status-after against the fresh debt
// state, so the stored allocation says whether it settled its period.
func allocationsOf(plan core.AllocationPlan, state core.DebtState) []core.Allocation {
	out := make([]core.Allocation, len(plan.Items))
	for i, item := range plan.Items {
		status := core.DebtPartial
		if item.Amount.GreaterThanOrEqual(state.BalanceFor(item.Period)) {
			status = core.DebtPaid
		}
		out[i] = core.Allocation{Period: item.Period, Amount: item.Amount, StatusAfter: status}
	}
	return out
}

func (po *Poster) issueReceipt(ctx context.Context, tx core.Store, p core.Payment, m core.Member, agentName string, postedAt time.Time) (*core.Receipt, error) {
	year := postedAt.In(po.Calendar.Location()).Year()
	serial, err := tx.NextCounter(ctx, core.ReceiptCounterKey(year))
	if err != nil {
		return nil, err
	}
	receipt := core.Receipt{
		PaymentID: p.ID,
		Serial:    serial,
		Year:      year,
		QRPayload: receiptQR(p, year, serial),
		CreatedAt: po.Calendar.NowTime(),
	}

	uri, renderErr := po.Renderer.Render(ctx, RenderInput{
		Payment: p, Receipt: receipt, Member: m, AgentName: agentName,
	})
	if renderErr != nil {
		// The serial is already committed to this payment; the PDF can
		// be regenerated later from the stored figures.
		receipt.RenderFailed = true
		po.Log.Error().Err(renderErr).
			Str("payment_id", p.ID).
			Str("receipt", receipt.Number()).
			Msg("receipt render failed, payment stays posted")
	} else {
		receipt.PDFURI = uri
	}

	if err := tx.SaveReceipt(ctx, receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// receiptQR is the verification payload printed as a QR code:
// enough to look the payment up and confirm the figure.
func receiptQR(p core.Payment, year int, serial int64) string {
	raw, _ := json.Marshal(map[string]any{
		"receipt":    core.Receipt{Year: year, Serial: serial}.Number(),
		"payment_id": p.ID,
		"amount":     p.Amount.StringFixed(core.MoneyPlaces),
		"currency":   string(p.Currency),
	})
	return string(raw)
}

func (po *Poster) enqueuePosted(ctx context.Context, tx core.Store, p core.Payment) error {
	payload, err := json.Marshal(core.PaymentPostedEvent{
		PaymentID:              p.ID,
		GroupID:                p.GroupID,
		MemberID:               string(p.MemberID),
		Amount:                 p.Amount.StringFixed(core.MoneyPlaces),
		Currency:               string(p.Currency),
		Method:                 string(p.Method),
		Channel:                p.Channel,
		PostedAt:               p.PostedAt.Format(time.RFC3339),
		AgentID:                p.AgentID,
		AgentUserID:            string(p.AgentUserID),
		ExternalRef:            p.ExternalRef,
		PeriodsApplied:         p.PeriodsApplied(),
		ArrearsMonthsAtPayment: p.ArrearsAtPost,
	})
	if err != nil {
		return err
	}
	return tx.EnqueueEvent(ctx, core.OutboxEvent{
		ID:      uuid.NewString(),
		Topic:   core.TopicPaymentPosted,
		Payload: payload,
	})
}
