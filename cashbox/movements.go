/*
movements.go - moving cash between boxes

Every movement is one balanced pair per (source account, currency),
posted inside one transaction after verifying the source balance. The
pair's payment id is synthesized and its note carries a deterministic
scope string, so a double-submitted movement collapses into one.

Ownership rule: each leg's owner is the user whose per-user balance
changes on that account. Global accounts carry no owner, except
CAJA_CHICA, where per-admin sub-balances let the vault ingress drain
one admin's deposits at a time.
*/

package cashbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/previsora/cobranza-engine/core"
)

// Service runs cash movements and the accounting queries.
type Service struct {
	Store    core.TxStore
	Calendar core.Calendar
	Currency core.Currency
	Log      zerolog.Logger
}

// NewService wires the cash service for the default currency.
func NewService(store core.TxStore, cal core.Calendar) *Service {
	return &Service{Store: store, Calendar: cal, Currency: core.ARS, Log: zerolog.Nop()}
}

// Movement reports one posted pair.
type Movement struct {
	PaymentID string
	Source    core.AccountCode
	Dest      core.AccountCode
	Owner     core.UserID // whose balance was drained
	Currency  core.Currency
	Amount    decimal.Decimal
}

// ===== ARQUEO =====

// ArqueoRequest sweeps an agent's collected cash into an admin box.
type ArqueoRequest struct {
	AgentUserID core.UserID
	// Accounts to drain; defaults to the agent's pouch and the pending
	// settlement account.
	Accounts    []core.AccountCode
	Destination core.AccountCode // defaults to CAJA_ADMIN
	From, To    *time.Time
	// MinAmount skips balances too small to be worth counting.
	MinAmount decimal.Decimal
}

// Arqueo counts an agent's boxes and posts one pair per
// (source account, currency) with a positive balance. Admins sweep
// into their own drawer.
func (s *Service) Arqueo(ctx context.Context, actor core.Actor, req ArqueoRequest) ([]Movement, error) {
	if actor.IsAgent() {
		return nil, core.NewError(core.CodeNotAuthorized, "arqueos are run by admins")
	}
	agent, err := s.Store.GetUser(ctx, req.AgentUserID)
	if err != nil {
		return nil, err
	}
	if agent.Role != core.RoleAgent {
		return nil, core.NewError(core.CodeInvalidRequest, "arqueo target must be an agent").
			With("user_id", string(agent.ID)).
			With("role", string(agent.Role))
	}

	sources := req.Accounts
	if len(sources) == 0 {
		sources = []core.AccountCode{core.CajaCobrador, core.ARendirCobrador}
	}
	dest := req.Destination
	if dest == "" {
		dest = core.CajaAdmin
	}
	if dest == core.CajaCobrador {
		return nil, core.NewError(core.CodeInvalidAccount, "an arqueo cannot land back in an agent pouch")
	}
	if !core.ValidAccount(dest) {
		return nil, core.NewError(core.CodeInvalidAccount, "unknown destination account").
			With("account", string(dest))
	}

	now := s.Calendar.NowTime()
	var moved []Movement
	err = s.Store.WithTx(ctx, func(tx core.Store) error {
		for _, source := range sources {
			balances, err := tx.BalancesForOwner(ctx, agent.ID, source, req.From, req.To)
			if err != nil {
				return err
			}
			for _, b := range balances {
				if b.Balance.Sign() <= 0 || b.Balance.LessThan(req.MinAmount) {
					continue
				}
				m, err := s.transfer(ctx, tx, transferSpec{
					actor:    actor,
					kind:     core.KindArqueo,
					amount:   b.Balance,
					currency: b.Currency,
					debit:    core.Leg{Account: dest, Owner: ownerFor(dest, actor.UserID)},
					credit:   core.Leg{Account: source, Owner: agent.ID},
					from:     agent.Name,
					to:       string(dest),
					agentID:  agent.AgentID,
					scope:    core.ArqueoScope(agent.ID, source, dest, b.Currency, now),
					postedAt: now,
				})
				if err != nil {
					return err
				}
				moved = append(moved, m)
			}
		}
		if len(moved) == 0 {
			return core.NewError(core.CodeNothingToAllocate, "the agent's boxes have nothing to sweep").
				With("agent_user_id", string(agent.ID))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.Log.Info().
		Str("agent_user_id", string(agent.ID)).
		Int("pairs", len(moved)).
		Msg("arqueo posted")
	return moved, nil
}

// ===== PETTY CASH =====

// PettyDeposit moves an admin's entire drawer into petty cash, one
// pair per currency. Only the admin themselves or a super admin.
func (s *Service) PettyDeposit(ctx context.Context, actor core.Actor, adminUserID core.UserID) ([]Movement, error) {
	if !actor.IsSuperAdmin() && actor.UserID != adminUserID {
		return nil, core.NewError(core.CodeNotAuthorized, "only the drawer's admin or a super admin may deposit it")
	}
	admin, err := s.Store.GetUser(ctx, adminUserID)
	if err != nil {
		return nil, err
	}
	if admin.Role != core.RoleAdmin {
		return nil, core.NewError(core.CodeInvalidRequest, "petty deposits drain admin drawers").
			With("user_id", string(admin.ID)).
			With("role", string(admin.Role))
	}

	now := s.Calendar.NowTime()
	var moved []Movement
	err = s.Store.WithTx(ctx, func(tx core.Store) error {
		balances, err := tx.BalancesForOwner(ctx, admin.ID, core.CajaAdmin, nil, nil)
		if err != nil {
			return err
		}
		for _, b := range balances {
			if b.Balance.Sign() <= 0 {
				continue
			}
			m, err := s.transfer(ctx, tx, transferSpec{
				actor:    actor,
				kind:     core.KindPettyDeposit,
				amount:   b.Balance,
				currency: b.Currency,
				// Petty cash keeps per-admin sub-balances: the deposit
				// stays attributed to the admin who made it.
				debit:    core.Leg{Account: core.CajaChica, Owner: admin.ID},
				credit:   core.Leg{Account: core.CajaAdmin, Owner: admin.ID},
				from:     admin.Name,
				to:       string(core.CajaChica),
				scope:    core.PettyDepositScope(admin.ID, b.Currency, now),
				postedAt: now,
			})
			if err != nil {
				return err
			}
			moved = append(moved, m)
		}
		if len(moved) == 0 {
			return core.NewError(core.CodeInsufficientFunds, "the drawer is empty").
				With("admin_user_id", string(admin.ID))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return moved, nil
}

// ===== VAULT =====

// VaultIngressRequest drains petty cash into the vault.
type VaultIngressRequest struct {
	Currency core.Currency
	Amount   decimal.Decimal
	MoveAll  bool
}

// VaultIngress drains per-admin petty-cash sub-balances, largest
// first, into the vault until the requested amount is covered. Super
// admin only.
func (s *Service) VaultIngress(ctx context.Context, actor core.Actor, req VaultIngressRequest) ([]Movement, error) {
	if !actor.IsSuperAdmin() {
		return nil, core.NewError(core.CodeNotAuthorized, "the vault is super-admin territory")
	}
	currency := req.Currency
	if currency == "" {
		currency = s.Currency
	}
	if !req.MoveAll && req.Amount.Sign() <= 0 {
		return nil, core.NewError(core.CodeInvalidAmount, "request an amount or move_all").
			With("amount", req.Amount.String())
	}

	now := s.Calendar.NowTime()
	var moved []Movement
	err := s.Store.WithTx(ctx, func(tx core.Store) error {
		subBalances, err := tx.BalanceByOwner(ctx, core.CajaChica, currency, nil, nil)
		if err != nil {
			return err
		}
		available := decimal.Zero
		for _, sb := range subBalances {
			if sb.Balance.Sign() > 0 {
				available = available.Add(sb.Balance)
			}
		}
		// Super-admin payouts drawn on the pool leave ownerless
		// credits; the drainable figure is never more than the box
		// actually holds.
		pooled, err := tx.Balance(ctx, core.BalanceQuery{Account: core.CajaChica, Currency: currency})
		if err != nil {
			return err
		}
		if pooled.LessThan(available) {
			available = pooled
		}
		want := req.Amount
		if req.MoveAll {
			want = available
		}
		if want.Sign() <= 0 || want.GreaterThan(available) {
			return core.NewError(core.CodeInsufficientFunds, "petty cash cannot cover the requested amount").
				With("available", available.StringFixed(core.MoneyPlaces)).
				With("requested", want.StringFixed(core.MoneyPlaces))
		}

		remaining := want
		for _, sb := range subBalances {
			if remaining.Sign() <= 0 {
				break
			}
			if sb.Balance.Sign() <= 0 {
				continue
			}
			take := core.Round2(decimal.Min(remaining, sb.Balance))
			m, err := s.transfer(ctx, tx, transferSpec{
				actor:    actor,
				kind:     core.KindVaultIngress,
				amount:   take,
				currency: currency,
				debit:    core.Leg{Account: core.CajaGrande},
				credit:   core.Leg{Account: core.CajaChica, Owner: sb.Owner},
				from:     string(core.CajaChica),
				to:       string(core.CajaGrande),
				scope:    core.VaultIngressScope(actor.UserID, currency, take, sb.Owner),
				postedAt: now,
			})
			if err != nil {
				return err
			}
			moved = append(moved, m)
			remaining = remaining.Sub(take)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return moved, nil
}

// VaultEgressRequest withdraws from the vault into the super admin's
// own wallet.
type VaultEgressRequest struct {
	Currency core.Currency
	Amount   decimal.Decimal
}

// VaultEgress moves vault cash into the super admin's wallet.
func (s *Service) VaultEgress(ctx context.Context, actor core.Actor, req VaultEgressRequest) (*Movement, error) {
	if !actor.IsSuperAdmin() {
		return nil, core.NewError(core.CodeNotAuthorized, "the vault is super-admin territory")
	}
	currency := req.Currency
	if currency == "" {
		currency = s.Currency
	}
	amount := core.Round2(req.Amount)
	if amount.Sign() <= 0 {
		return nil, core.NewError(core.CodeInvalidAmount, "withdrawal amount must be positive").
			With("amount", req.Amount.String())
	}

	now := s.Calendar.NowTime()
	var moved Movement
	err := s.Store.WithTx(ctx, func(tx core.Store) error {
		available, err := tx.Balance(ctx, core.BalanceQuery{Account: core.CajaGrande, Currency: currency})
		if err != nil {
			return err
		}
		if amount.GreaterThan(available) {
			return core.NewError(core.CodeInsufficientFunds, "the vault cannot cover the withdrawal").
				With("available", available.StringFixed(core.MoneyPlaces)).
				With("requested", amount.StringFixed(core.MoneyPlaces))
		}
		moved, err = s.transfer(ctx, tx, transferSpec{
			actor:    actor,
			kind:     core.KindVaultEgress,
			amount:   amount,
			currency: currency,
			debit:    core.Leg{Account: core.CajaSuperAdmin, Owner: actor.UserID},
			credit:   core.Leg{Account: core.CajaGrande},
			from:     string(core.CajaGrande),
			to:       string(core.CajaSuperAdmin),
			scope:    core.VaultEgressScope(actor.UserID, currency, amount, now),
			postedAt: now,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return &moved, nil
}

// ===== COMMISSION PAYOUT =====

// CommissionPayoutRequest pays an agent's commission for one period
// out of a chosen box.
type CommissionPayoutRequest struct {
	AgentUserID core.UserID
	Period      core.Period
	Source      core.AccountCode // defaults by the payer's role
	Currency    core.Currency
	Amount      decimal.Decimal
}

// CommissionPayout debits the agent's commission account and credits
// the paying box. Admin or super admin.
func (s *Service) CommissionPayout(ctx context.Context, actor core.Actor, req CommissionPayoutRequest) (*Movement, error) {
	if actor.IsAgent() {
		return nil, core.NewError(core.CodeNotAuthorized, "commission payouts are run by admins")
	}
	agent, err := s.Store.GetUser(ctx, req.AgentUserID)
	if err != nil {
		return nil, err
	}
	if agent.Role != core.RoleAgent {
		return nil, core.NewError(core.CodeInvalidRequest, "commission payouts go to agents").
			With("user_id", string(agent.ID))
	}
	if !req.Period.Valid() {
		return nil, core.NewError(core.CodeInvalidPeriod, "payout period is not YYYY-MM").
			With("period", string(req.Period))
	}
	amount := core.Round2(req.Amount)
	if amount.Sign() <= 0 {
		return nil, core.NewError(core.CodeInvalidAmount, "payout amount must be positive").
			With("amount", req.Amount.String())
	}
	currency := req.Currency
	if currency == "" {
		currency = s.Currency
	}

	source := req.Source
	if source == "" {
		if actor.IsSuperAdmin() {
			source = core.CajaGrande
		} else {
			source = core.CajaAdmin
		}
	}
	switch source {
	case core.CajaAdmin, core.CajaChica, core.CajaGrande:
	default:
		return nil, core.NewError(core.CodeInvalidAccount, "commissions are paid from an admin drawer, petty cash, or the vault").
			With("account", string(source))
	}

	now := s.Calendar.NowTime()
	var moved Movement
	err = s.Store.WithTx(ctx, func(tx core.Store) error {
		// An admin pays from their own drawer or their own petty-cash
		// sub-balance; a super admin draws on the pooled figures.
		sourceOwner := ownerFor(source, actor.UserID)
		if source == core.CajaChica && actor.IsSuperAdmin() {
			sourceOwner = ""
		}
		available, err := tx.Balance(ctx, core.BalanceQuery{
			Account:  source,
			Owner:    balanceOwner(source, sourceOwner),
			Currency: currency,
		})
		if err != nil {
			return err
		}
		if amount.GreaterThan(available) {
			return core.NewError(core.CodeInsufficientFunds, "the source box cannot cover the payout").
				With("account", string(source)).
				With("available", available.StringFixed(core.MoneyPlaces)).
				With("requested", amount.StringFixed(core.MoneyPlaces))
		}
		moved, err = s.transfer(ctx, tx, transferSpec{
			actor:    actor,
			kind:     core.KindCommissionPayout,
			amount:   amount,
			currency: currency,
			debit:    core.Leg{Account: core.ComisionCobrador, Owner: agent.ID},
			credit:   core.Leg{Account: source, Owner: sourceOwner},
			from:     string(source),
			to:       agent.Name,
			agentID:  agent.AgentID,
			scope:    core.CommissionPayoutScope(agent.ID, req.Period, source, currency, amount),
			postedAt: now,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.Log.Info().
		Str("agent_user_id", string(agent.ID)).
		Str("period", string(req.Period)).
		Str("amount", amount.StringFixed(core.MoneyPlaces)).
		Msg("commission paid")
	return &moved, nil
}

// ===== SHARED =====

type transferSpec struct {
	actor    core.Actor
	kind     core.EntryKind
	amount   decimal.Decimal
	currency core.Currency
	debit    core.Leg
	credit   core.Leg
	from, to string
	agentID  int64
	scope    string
	postedAt time.Time
}

func (s *Service) transfer(ctx context.Context, tx core.Store, spec transferSpec) (Movement, error) {
	paymentID := uuid.NewString()
	_, err := tx.PostPair(ctx, core.PairRequest{
		PaymentID:   paymentID,
		ActorUserID: spec.actor.UserID,
		Kind:        spec.kind,
		Amount:      core.Round2(spec.amount),
		Currency:    spec.currency,
		Debit:       spec.debit,
		Credit:      spec.credit,
		FromLabel:   spec.from,
		ToLabel:     spec.to,
		Dimensions:  core.Dimensions{AgentID: spec.agentID, Note: spec.scope},
		PostedAt:    spec.postedAt,
	})
	if err != nil {
		return Movement{}, err
	}
	return Movement{
		PaymentID: paymentID,
		Source:    spec.credit.Account,
		Dest:      spec.debit.Account,
		Owner:     spec.credit.Owner,
		Currency:  spec.currency,
		Amount:    core.Round2(spec.amount),
	}, nil
}

// ownerFor applies the ownership rule: per-user accounts belong to
// the given user, global ones to nobody, petty cash to the admin
// whose sub-balance moves.
func ownerFor(account core.AccountCode, user core.UserID) core.UserID {
	info, ok := core.AccountByCode(account)
	if !ok {
		return ""
	}
	if account == core.CajaChica {
		return user
	}
	if info.Global {
		return ""
	}
	return user
}

// balanceOwner turns an owner into the balance-query filter: global
// accounts fold every owner together.
func balanceOwner(account core.AccountCode, owner core.UserID) *core.UserID {
	info, _ := core.AccountByCode(account)
	if info.Global && account != core.CajaChica {
		return nil
	}
	if owner == "" {
		return nil
	}
	return &owner
}
