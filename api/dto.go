/*
dto.go - wire types

Every response carries {ok: bool, ...}; errors add code, message, and
details. Money travels as fixed two-decimal strings on the way out and
as decimals (quoted or bare) on the way in. Times are RFC3339.
*/

package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/previsora/cobranza-engine/cashbox"
	"github.com/previsora/cobranza-engine/commission"
	"github.com/previsora/cobranza-engine/core"
	"github.com/previsora/cobranza-engine/payments"
)

// ===== ENVELOPE =====

// ErrorResponse is the error envelope.
type ErrorResponse struct {
	OK      bool           `json:"ok"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	code := core.CodeOf(err)
	if code == "" {
		code = core.CodeStorageUnavailable
	}
	writeJSON(w, status, ErrorResponse{
		OK:      false,
		Code:    code,
		Message: err.Error(),
		Details: core.DetailsOf(err),
	})
}

// statusOf maps the error taxonomy to HTTP.
func statusOf(err error) int {
	switch core.ClassOf(err) {
	case core.ClassValidation:
		return http.StatusBadRequest
	case core.ClassScope:
		return http.StatusForbidden
	case core.ClassNotFound:
		return http.StatusNotFound
	case core.ClassBusiness, core.ClassConcurrency:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func money(d decimal.Decimal) string { return d.StringFixed(core.MoneyPlaces) }

func timeStr(t time.Time) string { return t.Format(time.RFC3339) }

func timePtrStr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return timeStr(*t)
}

// ===== PAYMENTS =====

// BreakdownItemDTO is one manual (period, amount) pair.
type BreakdownItemDTO struct {
	Period string          `json:"period"`
	Amount decimal.Decimal `json:"amount"`
}

// PostPaymentRequest creates a payment.
type PostPaymentRequest struct {
	MemberID       string             `json:"member_id"`
	GroupID        int64              `json:"group_id,omitempty"`
	Amount         *decimal.Decimal   `json:"amount,omitempty"`
	Strategy       string             `json:"strategy,omitempty"`
	Breakdown      []BreakdownItemDTO `json:"breakdown,omitempty"`
	Method         string             `json:"method,omitempty"`
	Channel        string             `json:"channel,omitempty"`
	Notes          string             `json:"notes,omitempty"`
	IdempotencyKey string             `json:"idempotency_key,omitempty"`
	IntendedPeriod string             `json:"intended_period,omitempty"`
	ExternalRef    string             `json:"external_ref,omitempty"`
	CollectedAt    *time.Time         `json:"collected_at,omitempty"`
	Meta           map[string]string  `json:"meta,omitempty"`
}

// AllocationDTO is one period application of a payment.
type AllocationDTO struct {
	Period      string `json:"period"`
	Amount      string `json:"amount"`
	StatusAfter string `json:"status_after"`
}

// ReceiptDTO is the receipt attached to a payment.
type ReceiptDTO struct {
	Number       string `json:"number"`
	Serial       int64  `json:"serial"`
	Year         int    `json:"year"`
	QRPayload    string `json:"qr_payload,omitempty"`
	PDFURI       string `json:"pdf_uri,omitempty"`
	RenderFailed bool   `json:"render_failed,omitempty"`
	Voided       bool   `json:"voided,omitempty"`
}

// PaymentDTO is the serialized payment.
type PaymentDTO struct {
	ID             string            `json:"id"`
	MemberID       string            `json:"member_id"`
	GroupID        int64             `json:"group_id"`
	AgentID        int64             `json:"agent_id"`
	AgentUserID    string            `json:"agent_user_id"`
	Amount         string            `json:"amount"`
	Currency       string            `json:"currency"`
	Method         string            `json:"method"`
	Channel        string            `json:"channel,omitempty"`
	Kind           string            `json:"kind"`
	Status         string            `json:"status"`
	Notes          string            `json:"notes,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	ExternalRef    string            `json:"external_ref,omitempty"`
	ArrearsAtPost  int               `json:"arrears_months_at_payment"`
	PostedAt       string            `json:"posted_at,omitempty"`
	CreatedAt      string            `json:"created_at"`
	Allocations    []AllocationDTO   `json:"allocations"`
	Meta           map[string]string `json:"meta,omitempty"`
}

// PostPaymentResponse wraps a posting outcome.
type PostPaymentResponse struct {
	OK       bool        `json:"ok"`
	Replayed bool        `json:"replayed,omitempty"`
	Payment  PaymentDTO  `json:"payment"`
	Receipt  *ReceiptDTO `json:"receipt,omitempty"`
}

func toPaymentDTO(p core.Payment) PaymentDTO {
	dto := PaymentDTO{
		ID:             p.ID,
		MemberID:       string(p.MemberID),
		GroupID:        p.GroupID,
		AgentID:        p.AgentID,
		AgentUserID:    string(p.AgentUserID),
		Amount:         money(p.Amount),
		Currency:       string(p.Currency),
		Method:         string(p.Method),
		Channel:        p.Channel,
		Kind:           string(p.Kind),
		Status:         string(p.Status),
		Notes:          p.Notes,
		IdempotencyKey: p.IdempotencyKey,
		ExternalRef:    p.ExternalRef,
		ArrearsAtPost:  p.ArrearsAtPost,
		PostedAt:       timePtrStr(p.PostedAt),
		CreatedAt:      timeStr(p.CreatedAt),
		Allocations:    make([]AllocationDTO, len(p.Allocations)),
		Meta:           p.Meta,
	}
	for i, a := range p.Allocations {
		dto.Allocations[i] = AllocationDTO{
			Period:      string(a.Period),
			Amount:      money(a.Amount),
			StatusAfter: string(a.StatusAfter),
		}
	}
	return dto
}

func toReceiptDTO(r core.Receipt) *ReceiptDTO {
	return &ReceiptDTO{
		Number:       r.Number(),
		Serial:       r.Serial,
		Year:         r.Year,
		QRPayload:    r.QRPayload,
		PDFURI:       r.PDFURI,
		RenderFailed: r.RenderFailed,
		Voided:       r.Voided,
	}
}

func toPostResponse(res *payments.PostResult) PostPaymentResponse {
	return PostPaymentResponse{
		OK:       true,
		Replayed: res.Replayed,
		Payment:  toPaymentDTO(res.Payment),
		Receipt:  toReceiptDTO(res.Receipt),
	}
}

// PaymentListResponse pages payments.
type PaymentListResponse struct {
	OK       bool         `json:"ok"`
	Total    int          `json:"total"`
	Payments []PaymentDTO `json:"payments"`
}

// ===== MEMBERS & DEBT =====

// RegisterMemberRequest creates a member.
type RegisterMemberRequest struct {
	GroupID       int64            `json:"group_id"`
	AgentID       int64            `json:"agent_id"`
	FullName      string           `json:"full_name"`
	Document      string           `json:"document,omitempty"`
	Role          string           `json:"role,omitempty"`
	BirthDate     *time.Time       `json:"birth_date,omitempty"`
	Cremation     bool             `json:"cremation,omitempty"`
	Plot          bool             `json:"plot,omitempty"`
	Plan          string           `json:"plan,omitempty"`
	JoinedAt      *time.Time       `json:"joined_at,omitempty"`
	HistoricalFee decimal.Decimal  `json:"historical_fee"`
	IdealFee      *decimal.Decimal `json:"ideal_fee,omitempty"`
	UseIdeal      bool             `json:"use_ideal,omitempty"`
}

// SetFeesRequest updates a member's pricing; absent fields stay.
type SetFeesRequest struct {
	HistoricalFee *decimal.Decimal `json:"historical_fee,omitempty"`
	IdealFee      *decimal.Decimal `json:"ideal_fee,omitempty"`
	UseIdeal      *bool            `json:"use_ideal,omitempty"`
}

// MemberDTO is the serialized member.
type MemberDTO struct {
	ID            string `json:"id"`
	GroupID       int64  `json:"group_id"`
	AgentID       int64  `json:"agent_id"`
	FullName      string `json:"full_name"`
	Document      string `json:"document,omitempty"`
	Position      int    `json:"position"`
	Role          string `json:"role"`
	Plan          string `json:"plan,omitempty"`
	JoinedAt      string `json:"joined_at"`
	CancelledAt   string `json:"cancelled_at,omitempty"`
	Active        bool   `json:"active"`
	HistoricalFee string `json:"historical_fee"`
	IdealFee      string `json:"ideal_fee"`
	UseIdeal      bool   `json:"use_ideal"`
	EffectiveFee  string `json:"effective_fee"`
}

func toMemberDTO(m core.Member) MemberDTO {
	return MemberDTO{
		ID:            string(m.ID),
		GroupID:       m.GroupID,
		AgentID:       m.AgentID,
		FullName:      m.FullName,
		Document:      m.Document,
		Position:      m.Position,
		Role:          string(m.Role),
		Plan:          m.Plan,
		JoinedAt:      timeStr(m.JoinedAt),
		CancelledAt:   timePtrStr(m.CancelledAt),
		Active:        m.Active,
		HistoricalFee: money(m.HistoricalFee),
		IdealFee:      money(m.IdealFee),
		UseIdeal:      m.UseIdeal,
		EffectiveFee:  money(m.EffectiveFee()),
	}
}

// MemberResponse wraps one member.
type MemberResponse struct {
	OK     bool      `json:"ok"`
	Member MemberDTO `json:"member"`
}

// MemberPricingDTO is one row of the group fee view.
type MemberPricingDTO struct {
	MemberID      string `json:"member_id"`
	FullName      string `json:"full_name"`
	Role          string `json:"role"`
	EffectiveFee  string `json:"effective_fee"`
	HistoricalFee string `json:"historical_fee"`
	IdealFee      string `json:"ideal_fee"`
	UseIdeal      bool   `json:"use_ideal"`
}

// GroupPricingResponse is the group fee view.
type GroupPricingResponse struct {
	OK      bool               `json:"ok"`
	GroupID int64              `json:"group_id"`
	Members []MemberPricingDTO `json:"members"`
	Total   string             `json:"total_monthly"`
}

func toGroupPricingResponse(groupID int64, rows []core.MemberPricing) GroupPricingResponse {
	resp := GroupPricingResponse{OK: true, GroupID: groupID, Members: make([]MemberPricingDTO, len(rows))}
	total := decimal.Zero
	for i, r := range rows {
		resp.Members[i] = MemberPricingDTO{
			MemberID:      string(r.MemberID),
			FullName:      r.FullName,
			Role:          string(r.Role),
			EffectiveFee:  money(r.EffectiveFee),
			HistoricalFee: money(r.HistoricalFee),
			IdealFee:      money(r.IdealFee),
			UseIdeal:      r.UseIdeal,
		}
		total = total.Add(r.EffectiveFee)
	}
	resp.Total = money(total)
	return resp
}

// DebtRowDTO is one period of the statement.
type DebtRowDTO struct {
	Period  string `json:"period"`
	Charge  string `json:"charge"`
	Paid    string `json:"paid"`
	Balance string `json:"balance"`
	Status  string `json:"status"`
}

// DebtResponse is the member statement.
type DebtResponse struct {
	OK      bool         `json:"ok"`
	Periods []DebtRowDTO `json:"periods"`
	Totals  struct {
		Charge string `json:"charge"`
		Paid   string `json:"paid"`
		Due    string `json:"due"`
	} `json:"grand_totals"`
	Summary struct {
		NowPeriod     string `json:"now_period"`
		ArrearsMonths int    `json:"arrears_months"`
	} `json:"summary"`
}

func toDebtResponse(state core.DebtState) DebtResponse {
	var resp DebtResponse
	resp.OK = true
	resp.Periods = make([]DebtRowDTO, len(state.Rows))
	for i, r := range state.Rows {
		resp.Periods[i] = DebtRowDTO{
			Period:  string(r.Period),
			Charge:  money(r.Charge),
			Paid:    money(r.Paid),
			Balance: money(r.Balance),
			Status:  string(r.Status),
		}
	}
	resp.Totals.Charge = money(state.TotalCharge)
	resp.Totals.Paid = money(state.TotalPaid)
	resp.Totals.Due = money(state.TotalDue)
	resp.Summary.NowPeriod = string(state.NowPeriod)
	resp.Summary.ArrearsMonths = state.ArrearsMonths()
	return resp
}

// ===== CASH =====

// ArqueoRequestDTO sweeps an agent.
type ArqueoRequestDTO struct {
	AgentUserID string           `json:"agent_user_id"`
	Accounts    []string         `json:"accounts,omitempty"`
	Destination string           `json:"destination_account,omitempty"`
	From        *time.Time       `json:"from,omitempty"`
	To          *time.Time       `json:"to,omitempty"`
	MinAmount   *decimal.Decimal `json:"min_amount,omitempty"`
}

// PettyDepositRequestDTO drains an admin drawer.
type PettyDepositRequestDTO struct {
	AdminUserID string `json:"admin_user_id,omitempty"`
}

// VaultRequestDTO covers ingress and egress.
type VaultRequestDTO struct {
	Currency string          `json:"currency,omitempty"`
	Amount   decimal.Decimal `json:"amount,omitempty"`
	MoveAll  bool            `json:"move_all,omitempty"`
}

// CommissionPayoutRequestDTO pays an agent.
type CommissionPayoutRequestDTO struct {
	AgentUserID string          `json:"agent_user_id"`
	Period      string          `json:"period"`
	Source      string          `json:"source_account,omitempty"`
	Currency    string          `json:"currency,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
}

// MovementDTO reports one posted pair.
type MovementDTO struct {
	PaymentID string `json:"payment_id"`
	Source    string `json:"source_account"`
	Dest      string `json:"destination_account"`
	Owner     string `json:"owner_user_id,omitempty"`
	Currency  string `json:"currency"`
	Amount    string `json:"amount"`
}

// MovementsResponse wraps posted movements.
type MovementsResponse struct {
	OK        bool          `json:"ok"`
	Movements []MovementDTO `json:"movements"`
}

func toMovementsResponse(moved []cashbox.Movement) MovementsResponse {
	resp := MovementsResponse{OK: true, Movements: make([]MovementDTO, len(moved))}
	for i, m := range moved {
		resp.Movements[i] = MovementDTO{
			PaymentID: m.PaymentID,
			Source:    string(m.Source),
			Dest:      string(m.Dest),
			Owner:     string(m.Owner),
			Currency:  string(m.Currency),
			Amount:    money(m.Amount),
		}
	}
	return resp
}

// BoxDTO is one currency position on one account.
type BoxDTO struct {
	Account      string `json:"account"`
	Currency     string `json:"currency"`
	Debits       string `json:"debits"`
	Credits      string `json:"credits"`
	Balance      string `json:"balance"`
	PaymentCount int64  `json:"payment_count"`
	LastMovement string `json:"last_movement,omitempty"`
}

// BoxRowDTO is one overview row.
type BoxRowDTO struct {
	UserID  string   `json:"user_id,omitempty"`
	Name    string   `json:"name"`
	Role    string   `json:"role,omitempty"`
	AgentID int64    `json:"agent_id,omitempty"`
	Global  string   `json:"global_account,omitempty"`
	Boxes   []BoxDTO `json:"boxes"`
}

// BoxesResponse is the box overview.
type BoxesResponse struct {
	OK   bool        `json:"ok"`
	Rows []BoxRowDTO `json:"rows"`
}

func toBoxesResponse(rows []cashbox.BoxRow) BoxesResponse {
	resp := BoxesResponse{OK: true, Rows: make([]BoxRowDTO, len(rows))}
	for i, row := range rows {
		dto := BoxRowDTO{
			UserID:  string(row.UserID),
			Name:    row.Name,
			Role:    string(row.Role),
			AgentID: row.AgentID,
			Global:  string(row.Global),
			Boxes:   make([]BoxDTO, len(row.Boxes)),
		}
		for j, b := range row.Boxes {
			dto.Boxes[j] = BoxDTO{
				Account:      string(b.Account),
				Currency:     string(b.Currency),
				Debits:       money(b.Debits),
				Credits:      money(b.Credits),
				Balance:      money(b.Balance),
				PaymentCount: b.Payments,
				LastMovement: timePtrStr(b.LastMovement),
			}
		}
		resp.Rows[i] = dto
	}
	return resp
}

// EntryDTO is one ledger leg.
type EntryDTO struct {
	ID        string `json:"id"`
	PaymentID string `json:"payment_id"`
	Kind      string `json:"kind"`
	Side      string `json:"side"`
	Account   string `json:"account"`
	Owner     string `json:"owner_user_id,omitempty"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	FromLabel string `json:"from,omitempty"`
	ToLabel   string `json:"to,omitempty"`
	AgentID   int64  `json:"agent_id,omitempty"`
	GroupID   int64  `json:"group_id,omitempty"`
	Note      string `json:"note,omitempty"`
	PostedAt  string `json:"posted_at"`
}

func toEntryDTO(e core.Entry) EntryDTO {
	return EntryDTO{
		ID:        e.ID,
		PaymentID: e.PaymentID,
		Kind:      string(e.Kind),
		Side:      string(e.Side),
		Account:   string(e.Account),
		Owner:     string(e.OwnerUserID),
		Amount:    money(e.Amount),
		Currency:  string(e.Currency),
		FromLabel: e.FromLabel,
		ToLabel:   e.ToLabel,
		AgentID:   e.Dimensions.AgentID,
		GroupID:   e.Dimensions.GroupID,
		Note:      e.Dimensions.Note,
		PostedAt:  timeStr(e.PostedAt),
	}
}

// TotalDTO aggregates one currency over a listing.
type TotalDTO struct {
	Currency     string `json:"currency"`
	Debits       string `json:"debits"`
	Credits      string `json:"credits"`
	Balance      string `json:"balance"`
	Lines        int64  `json:"lines"`
	PaymentCount int64  `json:"payment_count"`
	LastMovement string `json:"last_movement,omitempty"`
}

func toTotalDTOs(totals []core.CurrencyTotal) []TotalDTO {
	out := make([]TotalDTO, len(totals))
	for i, t := range totals {
		out[i] = TotalDTO{
			Currency:     string(t.Currency),
			Debits:       money(t.Debits),
			Credits:      money(t.Credits),
			Balance:      money(t.Balance),
			Lines:        t.Entries,
			PaymentCount: t.Payments,
			LastMovement: timePtrStr(t.LastMovement),
		}
	}
	return out
}

// EntriesResponse lists ledger legs with totals.
type EntriesResponse struct {
	OK      bool       `json:"ok"`
	Total   int        `json:"total"`
	Entries []EntryDTO `json:"entries"`
	Totals  []TotalDTO `json:"totals"`
}

// ===== COMMISSION =====

// CommissionReportResponse is one agent's period position.
type CommissionReportResponse struct {
	OK          bool   `json:"ok"`
	AgentUserID string `json:"agent_user_id"`
	Period      string `json:"period"`
	Currency    string `json:"currency"`
	Expected    string `json:"expected"`
	Earned      string `json:"earned"`
	Paid        string `json:"paid"`
	Outstanding string `json:"outstanding"`
	Payments    int    `json:"payments"`
}

func toCommissionResponse(r *commission.Report) CommissionReportResponse {
	return CommissionReportResponse{
		OK:          true,
		AgentUserID: string(r.AgentUserID),
		Period:      string(r.Period),
		Currency:    string(r.Currency),
		Expected:    money(r.Expected),
		Earned:      money(r.Earned),
		Paid:        money(r.Paid),
		Outstanding: money(r.Outstanding()),
		Payments:    r.Payments,
	}
}
