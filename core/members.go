/*
members.go - members, groups, and the people who collect from them

A member belongs to a family group served by one collection agent.
Position 0 in the group is the titular; dependents follow. When a
titular is cancelled the oldest active dependent is promoted and the
rest are re-sequenced, so a group never sits headless while it still
has active members.

Fees live on the member in two figures: the historical fee the member
actually pays, and the ideal fee a pricing process computed for them.
A per-member flag picks which one bills.
*/

package core

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// MemberID identifies a member. UUIDs in practice, but the type takes
// anything stable.
type MemberID string

// UserID identifies an operating user (agent, admin, super admin).
type UserID string

// MemberRole is the member's place in the family group.
type MemberRole string

const (
	RoleTitular   MemberRole = "titular"
	RoleDependent MemberRole = "dependent"
)

// Member is one covered person.
type Member struct {
	ID       MemberID
	GroupID  int64
	AgentID  int64
	FullName string
	Document string

	Position int
	Role     MemberRole

	BirthDate *time.Time
	Cremation bool
	Plot      bool
	Plan      string

	JoinedAt    time.Time
	CancelledAt *time.Time
	Active      bool

	HistoricalFee decimal.Decimal
	IdealFee      decimal.Decimal
	UseIdeal      bool
}

// EffectiveFee is the monthly charge the member actually bills:
// the ideal fee when the member has been switched over, otherwise
// the historical one.
func (m Member) EffectiveFee() decimal.Decimal {
	if m.UseIdeal {
		return m.IdealFee
	}
	return m.HistoricalFee
}

// MemberPricing is one member's row in the group fee view.
type MemberPricing struct {
	MemberID      MemberID
	FullName      string
	Role          MemberRole
	EffectiveFee  decimal.Decimal
	HistoricalFee decimal.Decimal
	IdealFee      decimal.Decimal
	UseIdeal      bool
}

// GroupPricing folds a group's active members into their billable
// fees. Cancelled members are skipped.
func GroupPricing(members []Member) []MemberPricing {
	var out []MemberPricing
	for _, m := range members {
		if m.CancelledAt != nil || !m.Active {
			continue
		}
		out = append(out, MemberPricing{
			MemberID:      m.ID,
			FullName:      m.FullName,
			Role:          m.Role,
			EffectiveFee:  m.EffectiveFee(),
			HistoricalFee: m.HistoricalFee,
			IdealFee:      m.IdealFee,
			UseIdeal:      m.UseIdeal,
		})
	}
	return out
}

// ===== USERS =====

// CommissionConfig is the per-agent commission contract. BaseRate may
// arrive as a fraction (0.05) or a percentage (5); NormalizeRate in
// the commission package folds both to a fraction.
type CommissionConfig struct {
	BaseRate      decimal.Decimal
	GraceDays     int
	PenaltyPerDay decimal.Decimal
}

// User is someone who operates the system.
type User struct {
	ID             UserID
	Name           string
	Role           Role
	AgentID        int64 // collection route, set only for agents
	DefaultAccount AccountCode
	Commission     CommissionConfig
	Active         bool
	CreatedAt      time.Time
}

// CashAccount is where this user's cash lands: the explicit override
// if set, otherwise the role default.
func (u User) CashAccount() AccountCode {
	if u.DefaultAccount != "" {
		return u.DefaultAccount
	}
	return DefaultCashAccount(u.Role)
}

// Actor is the authenticated identity a request runs as. Handlers
// resolve it once and every operation takes it explicitly.
type Actor struct {
	UserID  UserID
	Role    Role
	AgentID int64
}

// ActorOf projects a user into the identity operations check against.
func ActorOf(u User) Actor {
	return Actor{UserID: u.ID, Role: u.Role, AgentID: u.AgentID}
}

func (a Actor) IsAgent() bool      { return a.Role == RoleAgent }
func (a Actor) IsAdmin() bool      { return a.Role == RoleAdmin }
func (a Actor) IsSuperAdmin() bool { return a.Role == RoleSuperAdmin }

// ===== FEES =====

// FeeResolver decides what a member owes for a given period. The
// default charges today's effective fee for every period, including
// back months; a history-aware resolver can be swapped in without
// touching the debt engine.
type FeeResolver interface {
	FeeFor(m Member, p Period) decimal.Decimal
}

// CurrentFee charges the member's current effective fee for all
// periods.
type CurrentFee struct{}

func (CurrentFee) FeeFor(m Member, _ Period) decimal.Decimal { return m.EffectiveFee() }

// ===== GROUP SEQUENCING =====

// ResequenceGroup restores the group invariant after a cancellation:
// exactly one active titular at position 0, active dependents at
// 1..n ordered by seniority (earliest joined first). Cancelled members
// keep whatever position they died with. Returns only the members
// whose role or position changed.
func ResequenceGroup(members []Member) []Member {
	var actives []Member
	for _, m := range members {
		if m.Active {
			actives = append(actives, m)
		}
	}
	if len(actives) == 0 {
		return nil
	}

	// Seniority order; position breaks ties for members joined the
	// same instant (bulk imports).
	sort.Slice(actives, func(i, j int) bool {
		if !actives[i].JoinedAt.Equal(actives[j].JoinedAt) {
			return actives[i].JoinedAt.Before(actives[j].JoinedAt)
		}
		return actives[i].Position < actives[j].Position
	})

	// A surviving titular keeps the head; otherwise the most senior
	// active member is promoted.
	head := -1
	for i, m := range actives {
		if m.Role == RoleTitular {
			head = i
			break
		}
	}
	if head > 0 {
		promoted := actives[head]
		copy(actives[1:head+1], actives[:head])
		actives[0] = promoted
	}

	var changed []Member
	for i := range actives {
		role := RoleDependent
		if i == 0 {
			role = RoleTitular
		}
		if actives[i].Position != i || actives[i].Role != role {
			actives[i].Position = i
			actives[i].Role = role
			changed = append(changed, actives[i])
		}
	}
	return changed
}

// ===== LIFECYCLE SERVICE =====

// PricingRecomputer is the hook into the external pricing process
// that recomputes a group's ideal fees after its composition changes.
// It runs after the lifecycle transaction commits; a failure is
// logged, never rolled back into the membership change.
type PricingRecomputer interface {
	RecomputeGroup(ctx context.Context, groupID int64) error
}

// NoopRecomputer satisfies PricingRecomputer when no pricing process
// is wired.
type NoopRecomputer struct{}

func (NoopRecomputer) RecomputeGroup(context.Context, int64) error { return nil }

// MemberService runs member lifecycle: registration, cancellation
// with titular promotion, and fee updates.
type MemberService struct {
	Store     TxStore
	Calendar  Calendar
	Recompute PricingRecomputer
	Log       zerolog.Logger
}

// NewMemberService wires the lifecycle service with a no-op pricing
// hook and a disabled logger; callers override the fields they need.
func NewMemberService(store TxStore, cal Calendar) *MemberService {
	return &MemberService{
		Store:     store,
		Calendar:  cal,
		Recompute: NoopRecomputer{},
		Log:       zerolog.Nop(),
	}
}

// Register validates and stores a new member, assigning its position
// within the group. Agents may only register into their own route.
func (s *MemberService) Register(ctx context.Context, actor Actor, m Member) (*Member, error) {
	if m.FullName == "" {
		return nil, NewError(CodeInvalidRequest, "full_name is required")
	}
	if m.GroupID <= 0 || m.AgentID <= 0 {
		return nil, NewError(CodeInvalidRequest, "group_id and agent_id are required")
	}
	if m.HistoricalFee.Sign() <= 0 {
		return nil, NewError(CodeInvalidAmount, "historical_fee must be positive").
			With("historical_fee", m.HistoricalFee.String())
	}
	if m.IdealFee.Sign() < 0 {
		return nil, NewError(CodeInvalidAmount, "ideal_fee must not be negative").
			With("ideal_fee", m.IdealFee.String())
	}
	if actor.IsAgent() && actor.AgentID != m.AgentID {
		return nil, NewError(CodeOutOfScope, "member is outside your collection route").
			With("agent_id", m.AgentID)
	}

	if m.ID == "" {
		m.ID = MemberID(uuid.NewString())
	}
	if m.JoinedAt.IsZero() {
		m.JoinedAt = s.Calendar.NowTime()
	}
	m.Active = true
	m.CancelledAt = nil

	err := s.Store.WithTx(ctx, func(tx Store) error {
		if _, err := tx.GetUserByAgentID(ctx, m.AgentID); err != nil {
			return err
		}
		group, err := tx.ListGroupMembers(ctx, m.GroupID)
		if err != nil {
			return err
		}
		activeCount, hasTitular := 0, false
		maxPos := -1
		for _, g := range group {
			if !g.Active {
				continue
			}
			activeCount++
			hasTitular = hasTitular || g.Role == RoleTitular
			if g.Position > maxPos {
				maxPos = g.Position
			}
		}
		switch {
		case m.Role == RoleTitular && hasTitular:
			return NewError(CodeInvalidRequest, "group already has a titular").
				With("group_id", m.GroupID)
		case m.Role == "":
			if activeCount == 0 {
				m.Role = RoleTitular
			} else {
				m.Role = RoleDependent
			}
		}
		if m.Role == RoleTitular {
			m.Position = 0
		} else {
			m.Position = maxPos + 1
		}
		return tx.SaveMember(ctx, m)
	})
	if err != nil {
		return nil, err
	}

	s.recomputeGroup(ctx, m.GroupID)
	return &m, nil
}

// CancelResult reports what a cancellation changed besides the member
// itself.
type CancelResult struct {
	Member      Member
	Promoted    *Member
	Resequenced []Member
}

// Cancel deactivates a member. Cancelling the titular promotes the
// most senior active dependent and re-sequences the rest. Cancelling
// an already-cancelled member is a no-op.
func (s *MemberService) Cancel(ctx context.Context, actor Actor, id MemberID) (*CancelResult, error) {
	var res CancelResult
	var groupID int64

	err := s.Store.WithTx(ctx, func(tx Store) error {
		m, err := tx.GetMember(ctx, id)
		if err != nil {
			return err
		}
		if actor.IsAgent() && actor.AgentID != m.AgentID {
			return NewError(CodeOutOfScope, "member is outside your collection route").
				With("member_id", string(id))
		}
		if !m.Active {
			res.Member = *m
			return nil
		}

		now := s.Calendar.NowTime()
		m.Active = false
		m.CancelledAt = &now
		if err := tx.SaveMember(ctx, *m); err != nil {
			return err
		}
		res.Member = *m
		groupID = m.GroupID

		if m.Role != RoleTitular {
			return nil
		}
		group, err := tx.ListGroupMembers(ctx, m.GroupID)
		if err != nil {
			return err
		}
		for _, c := range ResequenceGroup(group) {
			if err := tx.SaveMember(ctx, c); err != nil {
				return err
			}
			c := c
			if c.Role == RoleTitular {
				res.Promoted = &c
			} else {
				res.Resequenced = append(res.Resequenced, c)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if groupID > 0 {
		s.recomputeGroup(ctx, groupID)
	}
	return &res, nil
}

// FeeUpdate carries a fee change; nil fields are left untouched.
type FeeUpdate struct {
	HistoricalFee *decimal.Decimal
	IdealFee      *decimal.Decimal
	UseIdeal      *bool
}

// SetFees updates a member's pricing. Admin-only: agents never touch
// fees.
func (s *MemberService) SetFees(ctx context.Context, actor Actor, id MemberID, upd FeeUpdate) (*Member, error) {
	if actor.IsAgent() {
		return nil, NewError(CodeNotAuthorized, "fee changes require an admin")
	}
	var out *Member
	err := s.Store.WithTx(ctx, func(tx Store) error {
		m, err := tx.GetMember(ctx, id)
		if err != nil {
			return err
		}
		if upd.HistoricalFee != nil {
			if upd.HistoricalFee.Sign() <= 0 {
				return NewError(CodeInvalidAmount, "historical_fee must be positive").
					With("historical_fee", upd.HistoricalFee.String())
			}
			m.HistoricalFee = *upd.HistoricalFee
		}
		if upd.IdealFee != nil {
			if upd.IdealFee.Sign() < 0 {
				return NewError(CodeInvalidAmount, "ideal_fee must not be negative").
					With("ideal_fee", upd.IdealFee.String())
			}
			m.IdealFee = *upd.IdealFee
		}
		if upd.UseIdeal != nil {
			m.UseIdeal = *upd.UseIdeal
		}
		if m.UseIdeal && m.IdealFee.Sign() <= 0 {
			return NewError(CodeInvalidAmount, "cannot bill the ideal fee while it is zero")
		}
		out = m
		return tx.SaveMember(ctx, *m)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MemberService) recomputeGroup(ctx context.Context, groupID int64) {
	if err := s.Recompute.RecomputeGroup(ctx, groupID); err != nil {
		s.Log.Error().Err(err).Int64("group_id", groupID).
			Msg("pricing recompute failed, membership change already committed")
	}
}

// MemberLabel is how a member shows up on receipts and ledger labels.
func MemberLabel(m Member) string {
	if m.Document != "" {
		return fmt.Sprintf("%s (%s)", m.FullName, m.Document)
	}
	return m.FullName
}
