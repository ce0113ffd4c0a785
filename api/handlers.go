/*
handlers.go - HTTP handlers for the collections engine

Handlers parse, resolve the actor, call the domain operation, and
serialize. Authorization lives in the operations themselves; the
handler only carries the actor in. Error mapping is uniform: the
taxonomy class picks the status, the code and details ride the error
envelope.

ENDPOINTS:
  Payments:
    POST /api/payments                post a collection (201, 200 on replay)
    GET  /api/payments                agent-scoped listing
    GET  /api/payments/{id}           one payment with receipt
    POST /api/payments/{id}/reverse   admin reversal

  Members:
    POST /api/members                 register
    GET  /api/members/{id}            detail
    GET  /api/members/{id}/debt       period statement
    POST /api/members/{id}/cancel     cancel (titular promotion)
    PUT  /api/members/{id}/fees       pricing update

  Cash:
    POST /api/cash/arqueo             agent sweep
    POST /api/cash/petty-deposit      drawer to petty cash
    POST /api/cash/vault-ingress      petty cash to vault
    POST /api/cash/vault-egress       vault to super-admin wallet
    POST /api/cash/commission-payout  pay an agent
    GET  /api/cash/boxes              box overview
    GET  /api/cash/boxes/{target}/detail  movements of one box

  Other:
    GET  /api/groups/{id}/pricing     group fee view
    GET  /api/ledger/entries          raw ledger tail with totals
    GET  /api/agents/{id}/commission  commission report
*/

package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/previsora/cobranza-engine/cashbox"
	"github.com/previsora/cobranza-engine/commission"
	"github.com/previsora/cobranza-engine/core"
	"github.com/previsora/cobranza-engine/payments"
)

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store      core.TxStore
	Members    *core.MemberService
	Poster     *payments.Poster
	Cash       *cashbox.Service
	Commission *commission.Calculator
	Calendar   core.Calendar
	Fees       core.FeeResolver
	// HorizonMonths bounds include_future debt projections.
	HorizonMonths int
	Log           zerolog.Logger
}

// NewHandler wires the handler over one store.
func NewHandler(store core.TxStore, cal core.Calendar, log zerolog.Logger) *Handler {
	return &Handler{
		Store:         store,
		Members:       core.NewMemberService(store, cal),
		Poster:        payments.NewPoster(store, cal),
		Cash:          cashbox.NewService(store, cal),
		Commission:    commission.NewCalculator(store, cal),
		Calendar:      cal,
		Fees:          core.CurrentFee{},
		HorizonMonths: 12,
		Log:           log,
	}
}

// ===== SYSTEM =====

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": "up"})
}

// Ready reports readiness by touching the store.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if _, err := h.Store.PendingEvents(r.Context(), 1); err != nil {
		writeError(w, http.StatusInternalServerError, core.NewError(core.CodeStorageUnavailable, "store not reachable"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": "ready"})
}

// ===== PAYMENTS =====

// PostPayment creates a payment.
// POST /api/payments
func (h *Handler) PostPayment(w http.ResponseWriter, r *http.Request) {
	var req PostPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, core.NewError(core.CodeInvalidRequest, "malformed JSON body"))
		return
	}
	if req.MemberID == "" {
		writeError(w, http.StatusBadRequest, core.NewError(core.CodeInvalidRequest, "member_id is required"))
		return
	}

	breakdown := make([]payments.BreakdownItem, len(req.Breakdown))
	for i, b := range req.Breakdown {
		breakdown[i] = payments.BreakdownItem{Period: b.Period, Amount: b.Amount}
	}

	start := time.Now()
	res, err := h.Poster.Post(r.Context(), actorFrom(r), payments.PostRequest{
		MemberID:       core.MemberID(req.MemberID),
		LegacyGroupID:  req.GroupID,
		Amount:         req.Amount,
		Strategy:       payments.Strategy(req.Strategy),
		Breakdown:      breakdown,
		Method:         req.Method,
		Channel:        req.Channel,
		Notes:          req.Notes,
		IdempotencyKey: req.IdempotencyKey,
		IntendedPeriod: req.IntendedPeriod,
		ExternalRef:    req.ExternalRef,
		Meta:           req.Meta,
		CollectedAt:    req.CollectedAt,
	})
	postingDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		h.refused(err)
		writeError(w, statusOf(err), err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
		paymentsReplayed.Inc()
	} else {
		paymentsPosted.Inc()
	}
	writeJSON(w, status, toPostResponse(res))
}

// GetPayment returns one payment with its receipt.
// GET /api/payments/{id}
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	p, err := h.Store.GetPayment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	if actor.IsAgent() && p.AgentID != actor.AgentID {
		writeError(w, http.StatusForbidden, core.NewError(core.CodeOutOfScope, "payment belongs to another route"))
		return
	}

	resp := PostPaymentResponse{OK: true, Payment: toPaymentDTO(*p)}
	if receipt, err := h.Store.GetReceipt(r.Context(), p.ID); err == nil {
		resp.Receipt = toReceiptDTO(*receipt)
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListPayments lists payments, always scoped to the agent's own route
// for agents.
// GET /api/payments
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	q := r.URL.Query()

	filter := core.PaymentFilter{
		MemberID: core.MemberID(q.Get("member_id")),
		Query:    q.Get("q"),
		SortBy:   q.Get("sort_by"),
		SortDesc: q.Get("order") != "asc",
		Limit:    intParam(q.Get("limit"), 50),
		Offset:   intParam(q.Get("offset"), 0),
		From:     timeParam(q.Get("date_from")),
		To:       timeParam(q.Get("date_to")),
	}
	if s := q.Get("status"); s != "" {
		filter.Statuses = []core.PaymentStatus{core.PaymentStatus(s)}
	}
	if m := q.Get("method"); m != "" {
		filter.Methods = []core.PaymentMethod{core.NormalizeMethod(m)}
	}
	if actor.IsAgent() {
		filter.AgentID = actor.AgentID
	} else if a := q.Get("agent_id"); a != "" {
		filter.AgentID = int64(intParam(a, 0))
	}

	list, total, err := h.Store.ListPayments(r.Context(), filter)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	resp := PaymentListResponse{OK: true, Total: total, Payments: make([]PaymentDTO, len(list))}
	for i, p := range list {
		resp.Payments[i] = toPaymentDTO(p)
	}
	writeJSON(w, http.StatusOK, resp)
}

// ReversePayment undoes a posted payment.
// POST /api/payments/{id}/reverse
func (h *Handler) ReversePayment(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	p, err := h.Poster.Reverse(r.Context(), actorFrom(r), chi.URLParam(r, "id"), body.Reason)
	if err != nil {
		h.refused(err)
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, PostPaymentResponse{OK: true, Payment: toPaymentDTO(*p)})
}

// ===== MEMBERS =====

// RegisterMember creates a member.
// POST /api/members
func (h *Handler) RegisterMember(w http.ResponseWriter, r *http.Request) {
	var req RegisterMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, core.NewError(core.CodeInvalidRequest, "malformed JSON body"))
		return
	}

	m := core.Member{
		GroupID:       req.GroupID,
		AgentID:       req.AgentID,
		FullName:      strings.TrimSpace(req.FullName),
		Document:      req.Document,
		Role:          core.MemberRole(req.Role),
		BirthDate:     req.BirthDate,
		Cremation:     req.Cremation,
		Plot:          req.Plot,
		Plan:          req.Plan,
		HistoricalFee: req.HistoricalFee,
		UseIdeal:      req.UseIdeal,
	}
	if req.JoinedAt != nil {
		m.JoinedAt = *req.JoinedAt
	}
	if req.IdealFee != nil {
		m.IdealFee = *req.IdealFee
	}

	created, err := h.Members.Register(r.Context(), actorFrom(r), m)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, MemberResponse{OK: true, Member: toMemberDTO(*created)})
}

// GetMember returns one member.
// GET /api/members/{id}
func (h *Handler) GetMember(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	m, err := h.Store.GetMember(r.Context(), core.MemberID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	if actor.IsAgent() && m.AgentID != actor.AgentID {
		writeError(w, http.StatusForbidden, core.NewError(core.CodeOutOfScope, "member is outside your collection route"))
		return
	}
	writeJSON(w, http.StatusOK, MemberResponse{OK: true, Member: toMemberDTO(*m)})
}

// CancelMember deactivates a member, promoting a dependent when the
// titular goes.
// POST /api/members/{id}/cancel
func (h *Handler) CancelMember(w http.ResponseWriter, r *http.Request) {
	res, err := h.Members.Cancel(r.Context(), actorFrom(r), core.MemberID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	resp := map[string]any{"ok": true, "member": toMemberDTO(res.Member)}
	if res.Promoted != nil {
		resp["promoted"] = toMemberDTO(*res.Promoted)
	}
	writeJSON(w, http.StatusOK, resp)
}

// SetMemberFees updates pricing.
// PUT /api/members/{id}/fees
func (h *Handler) SetMemberFees(w http.ResponseWriter, r *http.Request) {
	var req SetFeesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, core.NewError(core.CodeInvalidRequest, "malformed JSON body"))
		return
	}
	m, err := h.Members.SetFees(r.Context(), actorFrom(r), core.MemberID(chi.URLParam(r, "id")), core.FeeUpdate{
		HistoricalFee: req.HistoricalFee,
		IdealFee:      req.IdealFee,
		UseIdeal:      req.UseIdeal,
	})
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, MemberResponse{OK: true, Member: toMemberDTO(*m)})
}

// GroupPricing returns the fee view of one family group.
// GET /api/groups/{id}/pricing
func (h *Handler) GroupPricing(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	groupID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, core.NewError(core.CodeInvalidRequest, "group id must be numeric"))
		return
	}

	members, err := h.Store.ListGroupMembers(r.Context(), groupID)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	if len(members) == 0 {
		writeError(w, http.StatusNotFound, core.NewError(core.CodeMemberNotFound, "group has no members").
			With("group_id", groupID))
		return
	}
	if actor.IsAgent() && members[0].AgentID != actor.AgentID {
		writeError(w, http.StatusForbidden, core.NewError(core.CodeOutOfScope, "group is outside your collection route"))
		return
	}
	writeJSON(w, http.StatusOK, toGroupPricingResponse(groupID, core.GroupPricing(members)))
}

// GetDebt returns the member's period statement.
// GET /api/members/{id}/debt?from=&to=&include_future=
func (h *Handler) GetDebt(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	m, err := h.Store.GetMember(r.Context(), core.MemberID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	if actor.IsAgent() && m.AgentID != actor.AgentID {
		writeError(w, http.StatusForbidden, core.NewError(core.CodeOutOfScope, "member is outside your collection route"))
		return
	}

	q := r.URL.Query()
	horizon := 0
	if q.Get("include_future") == "true" {
		horizon = h.HorizonMonths
	}
	from, to, now := core.DebtWindow(*m, h.Calendar, horizon)
	if v := q.Get("from"); v != "" {
		p, err := core.ParsePeriod(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		from = p
	}
	if v := q.Get("to"); v != "" {
		p, err := core.ParsePeriod(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		to = p
	}

	paid, err := h.Store.AllocatedByPeriod(r.Context(), m.ID)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	state := core.BuildDebtState(*m, h.Fees, paid, from, to, now)
	writeJSON(w, http.StatusOK, toDebtResponse(state))
}

// ===== CASH =====

// Arqueo sweeps an agent's boxes into an admin box.
// POST /api/cash/arqueo
func (h *Handler) Arqueo(w http.ResponseWriter, r *http.Request) {
	var req ArqueoRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, core.NewError(core.CodeInvalidRequest, "malformed JSON body"))
		return
	}
	creq := cashbox.ArqueoRequest{
		AgentUserID: core.UserID(req.AgentUserID),
		Destination: core.AccountCode(req.Destination),
		From:        req.From,
		To:          req.To,
	}
	for _, a := range req.Accounts {
		creq.Accounts = append(creq.Accounts, core.AccountCode(a))
	}
	if req.MinAmount != nil {
		creq.MinAmount = *req.MinAmount
	}

	moved, err := h.Cash.Arqueo(r.Context(), actorFrom(r), creq)
	if err != nil {
		h.refused(err)
		writeError(w, statusOf(err), err)
		return
	}
	cashMovements.WithLabelValues(string(core.KindArqueo)).Add(float64(len(moved)))
	writeJSON(w, http.StatusCreated, toMovementsResponse(moved))
}

// PettyDeposit drains an admin drawer into petty cash.
// POST /api/cash/petty-deposit
func (h *Handler) PettyDeposit(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	var req PettyDepositRequestDTO
	_ = json.NewDecoder(r.Body).Decode(&req)
	adminID := core.UserID(req.AdminUserID)
	if adminID == "" {
		adminID = actor.UserID
	}

	moved, err := h.Cash.PettyDeposit(r.Context(), actor, adminID)
	if err != nil {
		h.refused(err)
		writeError(w, statusOf(err), err)
		return
	}
	cashMovements.WithLabelValues(string(core.KindPettyDeposit)).Add(float64(len(moved)))
	writeJSON(w, http.StatusCreated, toMovementsResponse(moved))
}

// VaultIngress drains petty cash into the vault.
// POST /api/cash/vault-ingress
func (h *Handler) VaultIngress(w http.ResponseWriter, r *http.Request) {
	var req VaultRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, core.NewError(core.CodeInvalidRequest, "malformed JSON body"))
		return
	}
	moved, err := h.Cash.VaultIngress(r.Context(), actorFrom(r), cashbox.VaultIngressRequest{
		Currency: core.Currency(req.Currency),
		Amount:   req.Amount,
		MoveAll:  req.MoveAll,
	})
	if err != nil {
		h.refused(err)
		writeError(w, statusOf(err), err)
		return
	}
	cashMovements.WithLabelValues(string(core.KindVaultIngress)).Add(float64(len(moved)))
	writeJSON(w, http.StatusCreated, toMovementsResponse(moved))
}

// VaultEgress withdraws vault cash into the super-admin wallet.
// POST /api/cash/vault-egress
func (h *Handler) VaultEgress(w http.ResponseWriter, r *http.Request) {
	var req VaultRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, core.NewError(core.CodeInvalidRequest, "malformed JSON body"))
		return
	}
	moved, err := h.Cash.VaultEgress(r.Context(), actorFrom(r), cashbox.VaultEgressRequest{
		Currency: core.Currency(req.Currency),
		Amount:   req.Amount,
	})
	if err != nil {
		h.refused(err)
		writeError(w, statusOf(err), err)
		return
	}
	cashMovements.WithLabelValues(string(core.KindVaultEgress)).Inc()
	writeJSON(w, http.StatusCreated, toMovementsResponse([]cashbox.Movement{*moved}))
}

// CommissionPayout pays an agent from a chosen box.
// POST /api/cash/commission-payout
func (h *Handler) CommissionPayout(w http.ResponseWriter, r *http.Request) {
	var req CommissionPayoutRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, core.NewError(core.CodeInvalidRequest, "malformed JSON body"))
		return
	}
	moved, err := h.Cash.CommissionPayout(r.Context(), actorFrom(r), cashbox.CommissionPayoutRequest{
		AgentUserID: core.UserID(req.AgentUserID),
		Period:      core.Period(req.Period),
		Source:      core.AccountCode(req.Source),
		Currency:    core.Currency(req.Currency),
		Amount:      req.Amount,
	})
	if err != nil {
		h.refused(err)
		writeError(w, statusOf(err), err)
		return
	}
	cashMovements.WithLabelValues(string(core.KindCommissionPayout)).Inc()
	writeJSON(w, http.StatusCreated, toMovementsResponse([]cashbox.Movement{*moved}))
}

// ListBoxes returns the box overview.
// GET /api/cash/boxes?role=&q=&date_from=&date_to=&order_mode=
func (h *Handler) ListBoxes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rows, err := h.Cash.ListBoxes(r.Context(), actorFrom(r), cashbox.BoxFilter{
		Role:      core.Role(q.Get("role")),
		Query:     q.Get("q"),
		From:      timeParam(q.Get("date_from")),
		To:        timeParam(q.Get("date_to")),
		Hierarchy: q.Get("order_mode") == "hierarchy",
	})
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, toBoxesResponse(rows))
}

// MovementDetail lists movements of one box.
// GET /api/cash/boxes/{target}/detail
func (h *Handler) MovementDetail(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	detail, err := h.Cash.MovementDetail(r.Context(), actorFrom(r), chi.URLParam(r, "target"), cashbox.DetailFilter{
		Currency: core.Currency(q.Get("currency")),
		From:     timeParam(q.Get("date_from")),
		To:       timeParam(q.Get("date_to")),
		Limit:    intParam(q.Get("limit"), 100),
		Offset:   intParam(q.Get("offset"), 0),
	})
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	resp := EntriesResponse{
		OK:      true,
		Total:   detail.Total,
		Entries: make([]EntryDTO, len(detail.Entries)),
		Totals:  toTotalDTOs(detail.Totals),
	}
	for i, e := range detail.Entries {
		resp.Entries[i] = toEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, resp)
}

// LedgerEntries is the admin ledger tail.
// GET /api/ledger/entries
func (h *Handler) LedgerEntries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := core.EntryFilter{
		Currency: core.Currency(q.Get("currency")),
		From:     timeParam(q.Get("date_from")),
		To:       timeParam(q.Get("date_to")),
		Limit:    intParam(q.Get("limit"), 100),
		Offset:   intParam(q.Get("offset"), 0),
		SortDesc: true,
	}
	if a := q.Get("account"); a != "" {
		filter.Accounts = []core.AccountCode{core.AccountCode(a)}
	}
	if k := q.Get("kind"); k != "" {
		filter.Kinds = []core.EntryKind{core.EntryKind(k)}
	}

	entries, total, totals, err := h.Cash.LedgerTail(r.Context(), actorFrom(r), filter)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	resp := EntriesResponse{
		OK:      true,
		Total:   total,
		Entries: make([]EntryDTO, len(entries)),
		Totals:  toTotalDTOs(totals),
	}
	for i, e := range entries {
		resp.Entries[i] = toEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, resp)
}

// ===== COMMISSION =====

// CommissionReport returns one agent's period position.
// GET /api/agents/{id}/commission?period=
func (h *Handler) CommissionReport(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	agentID := core.UserID(chi.URLParam(r, "id"))
	if actor.IsAgent() && actor.UserID != agentID {
		writeError(w, http.StatusForbidden, core.NewError(core.CodeOutOfScope, "agents see only their own commission"))
		return
	}

	period := core.Period(r.URL.Query().Get("period"))
	if period == "" {
		period = h.Calendar.Now()
	}
	report, err := h.Commission.ReportFor(r.Context(), agentID, period)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, toCommissionResponse(report))
}

// ===== HELPERS =====

// refused counts business and concurrency refusals for metrics.
func (h *Handler) refused(err error) {
	if core.IsBusiness(err) || core.IsConflict(err) {
		businessRefusals.WithLabelValues(core.CodeOf(err)).Inc()
	}
}

func intParam(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// timeParam accepts RFC3339 or a bare date.
func timeParam(s string) *time.Time {
	if s == "" {
		return nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return &t
	}
	return nil
}
