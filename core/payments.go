/*
payments.go - payments, receipts, and the outbox

A payment is the operational record of money collected from a member;
the ledger pair is its financial shadow. Allocations pin the amount to
specific billing periods and are written once, at posting time, never
recomputed.

Receipts are numbered from an atomic per-year counter, so two agents
posting at the same instant can never print the same number.
*/

package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus lifecycle: draft -> posted -> settled, with reversed
// as the terminal correction state. Only posted and settled payments
// count as money received.
type PaymentStatus string

const (
	PaymentDraft    PaymentStatus = "draft"
	PaymentPosted   PaymentStatus = "posted"
	PaymentSettled  PaymentStatus = "settled"
	PaymentReversed PaymentStatus = "reversed"
)

// PaidStatuses are the statuses that count toward a member's debt.
func PaidStatuses() []PaymentStatus {
	return []PaymentStatus{PaymentPosted, PaymentSettled}
}

// PaymentKind classifies the record itself. Most rows are plain
// payments; refunds and adjustments enter corrections as records of
// their own, and reversing a payment flips its kind to reversal.
type PaymentKind string

const (
	PaymentKindPayment    PaymentKind = "payment"
	PaymentKindRefund     PaymentKind = "refund"
	PaymentKindReversal   PaymentKind = "reversal"
	PaymentKindAdjustment PaymentKind = "adjustment"
)

// PaymentMethod is how the money arrived.
type PaymentMethod string

const (
	MethodCash     PaymentMethod = "cash"
	MethodTransfer PaymentMethod = "transfer"
	MethodCard     PaymentMethod = "card"
	MethodQR       PaymentMethod = "qr"
	MethodOther    PaymentMethod = "other"
)

// NormalizeMethod folds free-form method strings (Spanish ones
// included, the field app sends both) into the closed set. Unknown
// values become "other" instead of failing the payment.
func NormalizeMethod(s string) PaymentMethod {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cash", "efectivo", "":
		return MethodCash
	case "transfer", "transferencia", "wire":
		return MethodTransfer
	case "card", "tarjeta", "debito", "credito":
		return MethodCard
	case "qr", "billetera", "mercadopago":
		return MethodQR
	default:
		return MethodOther
	}
}

// Collection channels.
const (
	ChannelField  = "field"
	ChannelOffice = "office"
)

// Allocation pins part of a payment to one billing period.
type Allocation struct {
	Period      Period
	Amount      decimal.Decimal
	StatusAfter DebtStatus // period status right after this allocation
}

// Payment is one collected payment with its period allocations.
type Payment struct {
	ID          string
	MemberID    MemberID
	GroupID     int64
	AgentID     int64  // collection route
	AgentUserID UserID // collector whose pouch received the cash
	ActorUserID UserID // who executed the posting

	Amount   decimal.Decimal
	Currency Currency
	Method   PaymentMethod
	Channel  string
	Kind     PaymentKind
	Status   PaymentStatus

	IntendedPeriod Period // what the payer meant to cover, informational
	Notes          string
	IdempotencyKey string
	ExternalRef    string
	Meta           map[string]string // geo, device, raw channel data

	ArrearsAtPost int // arrears months at the moment of posting

	CollectedAt *time.Time
	PostedAt    *time.Time
	CreatedAt   time.Time

	Allocations []Allocation
}

// PeriodsApplied lists the periods this payment covered, in
// allocation order.
func (p Payment) PeriodsApplied() []string {
	out := make([]string, len(p.Allocations))
	for i, a := range p.Allocations {
		out[i] = string(a.Period)
	}
	return out
}

// PaymentFilter drives payment listings. Zero fields are ignored.
type PaymentFilter struct {
	MemberID    MemberID
	GroupID     int64
	AgentID     int64
	AgentUserID UserID
	Statuses    []PaymentStatus
	Methods     []PaymentMethod
	From, To    *time.Time // posted_at window
	// AllocPeriod keeps only payments with at least one allocation in
	// this period (commission reports).
	AllocPeriod Period
	// Query is operator free text: receipt number, member name or
	// document, external ref, or a bare group id.
	Query string

	// SortBy is whitelisted by the store: posted_at, created_at,
	// amount, group_id, method, status. Empty means posted_at.
	SortBy        string
	SortDesc      bool
	Limit, Offset int
}

// ===== RECEIPTS =====

// ReceiptCounterKey is the per-year counter a receipt serial is drawn
// from.
func ReceiptCounterKey(year int) string { return fmt.Sprintf("receipt:%d", year) }

// Receipt is the printable proof of one payment.
type Receipt struct {
	PaymentID    string
	Serial       int64
	Year         int
	QRPayload    string
	PDFURI       string
	RenderFailed bool // posting survived, the PDF did not
	Voided       bool
	CreatedAt    time.Time
}

// Number is the display form, year-prefixed so serials restart
// annually without colliding: "2024-00000042".
func (r Receipt) Number() string { return fmt.Sprintf("%d-%08d", r.Year, r.Serial) }

// ===== OUTBOX =====

// Event topics.
const (
	TopicPaymentPosted   = "payment.posted"
	TopicPaymentReversed = "payment.reversed"
)

// EventStatus of an outbox row.
type EventStatus string

const (
	EventPending   EventStatus = "pending"
	EventPublished EventStatus = "published"
	EventFailed    EventStatus = "failed"
)

// OutboxEvent is one integration event written in the same
// transaction as the state change it announces. A dispatcher drains
// pending rows; publishing at-least-once is fine, losing one is not.
type OutboxEvent struct {
	ID          string
	Topic       string
	Payload     []byte
	Status      EventStatus
	Attempts    int
	LastError   string
	CreatedAt   time.Time
	PublishedAt *time.Time
}

// PaymentPostedEvent is the payload published when a payment posts.
// Field names are wire contract; downstream consumers parse them.
type PaymentPostedEvent struct {
	PaymentID              string   `json:"payment_id"`
	GroupID                int64    `json:"group_id"`
	MemberID               string   `json:"member_id"`
	Amount                 string   `json:"amount"`
	Currency               string   `json:"currency"`
	Method                 string   `json:"method"`
	Channel                string   `json:"channel"`
	PostedAt               string   `json:"posted_at"`
	AgentID                int64    `json:"agent_id"`
	AgentUserID            string   `json:"agent_user_id"`
	ExternalRef            string   `json:"external_ref,omitempty"`
	PeriodsApplied         []string `json:"periods_applied"`
	ArrearsMonthsAtPayment int      `json:"arrears_months_at_payment"`
}
