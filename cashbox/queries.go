/*
queries.go - who holds how much

Box listings and movement detail are read-only folds over the ledger.
Visibility is role-shaped: a super admin sees everything including the
global vault rows; an admin sees the agents they sweep, and never the
vault's outflows nor the super admin's wallet.
*/

package cashbox

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/previsora/cobranza-engine/core"
)

// GlobalTargetPrefix marks a detail target as a global account rather
// than a user: "GLOBAL:CAJA_CHICA".
const GlobalTargetPrefix = "GLOBAL:"

// BoxFilter narrows the box overview.
type BoxFilter struct {
	Role     core.Role // only boxes of users with this role
	Query    string    // name substring
	From, To *time.Time
	// Hierarchy orders rows global vaults first, then super admins,
	// admins, agents. Default is alphabetical within the role filter.
	Hierarchy bool
}

// Box is one currency's position on one account.
type Box struct {
	Account      core.AccountCode
	Currency     core.Currency
	Debits       decimal.Decimal
	Credits      decimal.Decimal
	Balance      decimal.Decimal
	Payments     int64
	LastMovement *time.Time
}

// BoxRow is one line of the overview: a user with their boxes, or a
// virtual row for a global account.
type BoxRow struct {
	UserID  core.UserID // empty on global rows
	Name    string
	Role    core.Role // empty on global rows
	AgentID int64
	Global  core.AccountCode // set on global rows
	Boxes   []Box
}

// ListBoxes returns the cash positions the viewer may see.
func (s *Service) ListBoxes(ctx context.Context, viewer core.Actor, f BoxFilter) ([]BoxRow, error) {
	if viewer.IsAgent() {
		return nil, core.NewError(core.CodeNotAuthorized, "box overviews require an admin")
	}

	users, err := s.visibleUsers(ctx, viewer, f)
	if err != nil {
		return nil, err
	}

	var rows []BoxRow
	for _, u := range users {
		row := BoxRow{UserID: u.ID, Name: u.Name, Role: u.Role, AgentID: u.AgentID}
		for _, account := range core.RoleAccounts(u.Role) {
			boxes, err := s.userBoxes(ctx, u, account, f)
			if err != nil {
				return nil, err
			}
			row.Boxes = append(row.Boxes, boxes...)
		}
		rows = append(rows, row)
	}

	// Global vault rows are super-admin only.
	if viewer.IsSuperAdmin() && f.Role == "" {
		for _, account := range core.GlobalCashAccounts() {
			info, _ := core.AccountByCode(account)
			totals, err := s.Store.EntryTotals(ctx, core.EntryFilter{
				Accounts: []core.AccountCode{account},
				From:     f.From,
				To:       f.To,
			})
			if err != nil {
				return nil, err
			}
			row := BoxRow{Global: account, Name: info.Label}
			for _, t := range totals {
				row.Boxes = append(row.Boxes, Box{
					Account:      account,
					Currency:     t.Currency,
					Debits:       t.Debits,
					Credits:      t.Credits,
					Balance:      t.Balance,
					Payments:     t.Payments,
					LastMovement: t.LastMovement,
				})
			}
			rows = append(rows, row)
		}
	}

	if f.Hierarchy {
		sort.SliceStable(rows, func(i, j int) bool {
			return hierarchyRank(rows[i]) < hierarchyRank(rows[j])
		})
	}
	return rows, nil
}

// visibleUsers applies the viewing rules: super admins see admins,
// agents, and themselves; admins see agents only.
func (s *Service) visibleUsers(ctx context.Context, viewer core.Actor, f BoxFilter) ([]core.User, error) {
	active := true
	users, err := s.Store.ListUsers(ctx, core.UserFilter{Role: f.Role, Query: f.Query, Active: &active})
	if err != nil {
		return nil, err
	}
	var out []core.User
	for _, u := range users {
		switch {
		case viewer.IsSuperAdmin():
			out = append(out, u)
		case u.Role == core.RoleAgent:
			out = append(out, u)
		}
	}
	return out, nil
}

// userBoxes folds one user's position on one account, widening agent
// boxes to legacy entries that carry only the agent dimension.
func (s *Service) userBoxes(ctx context.Context, u core.User, account core.AccountCode, f BoxFilter) ([]Box, error) {
	filter := core.EntryFilter{
		Accounts: []core.AccountCode{account},
		Owner:    &u.ID,
		From:     f.From,
		To:       f.To,
	}
	if u.Role == core.RoleAgent {
		filter.FallbackAgentID = u.AgentID
	}
	totals, err := s.Store.EntryTotals(ctx, filter)
	if err != nil {
		return nil, err
	}
	var out []Box
	for _, t := range totals {
		out = append(out, Box{
			Account:      account,
			Currency:     t.Currency,
			Debits:       t.Debits,
			Credits:      t.Credits,
			Balance:      t.Balance,
			Payments:     t.Payments,
			LastMovement: t.LastMovement,
		})
	}
	return out, nil
}

func hierarchyRank(r BoxRow) int {
	switch {
	case r.Global != "":
		return 0
	case r.Role == core.RoleSuperAdmin:
		return 1
	case r.Role == core.RoleAdmin:
		return 2
	default:
		return 3
	}
}

// ===== MOVEMENT DETAIL =====

// DetailFilter narrows a movement listing.
type DetailFilter struct {
	Currency      core.Currency
	From, To      *time.Time
	Limit, Offset int
}

// Detail is the raw movement listing for one target plus its
// per-currency totals.
type Detail struct {
	Target  string
	Entries []core.Entry
	Total   int
	Totals  []core.CurrencyTotal
}

// MovementDetail lists ledger legs for one target: a user id, or
// "GLOBAL:<account>" for the pooled accounts.
func (s *Service) MovementDetail(ctx context.Context, viewer core.Actor, target string, f DetailFilter) (*Detail, error) {
	if viewer.IsAgent() {
		return nil, core.NewError(core.CodeNotAuthorized, "movement detail requires an admin")
	}

	filter := core.EntryFilter{
		Currency: f.Currency,
		From:     f.From,
		To:       f.To,
		Limit:    f.Limit,
		Offset:   f.Offset,
		SortDesc: true,
	}

	if account, ok := strings.CutPrefix(target, GlobalTargetPrefix); ok {
		code := core.AccountCode(account)
		info, known := core.AccountByCode(code)
		if !known || !info.Global {
			return nil, core.NewError(core.CodeInvalidAccount, "unknown global account").
				With("account", account)
		}
		filter.Accounts = []core.AccountCode{code}
	} else {
		u, err := s.Store.GetUser(ctx, core.UserID(target))
		if err != nil {
			return nil, err
		}
		filter.Accounts = core.RoleAccounts(u.Role)
		filter.Owner = &u.ID
		if u.Role == core.RoleAgent {
			filter.FallbackAgentID = u.AgentID
		}
	}

	applyVisibility(viewer, &filter)

	entries, total, err := s.Store.ListEntries(ctx, filter)
	if err != nil {
		return nil, err
	}
	totals, err := s.Store.EntryTotals(ctx, filter)
	if err != nil {
		return nil, err
	}
	return &Detail{Target: target, Entries: entries, Total: total, Totals: totals}, nil
}

// LedgerTail lists raw ledger legs for the admin ledger view, with
// per-currency totals over the same filter.
func (s *Service) LedgerTail(ctx context.Context, viewer core.Actor, filter core.EntryFilter) ([]core.Entry, int, []core.CurrencyTotal, error) {
	if viewer.IsAgent() {
		return nil, 0, nil, core.NewError(core.CodeNotAuthorized, "the ledger view requires an admin")
	}
	applyVisibility(viewer, &filter)
	entries, total, err := s.Store.ListEntries(ctx, filter)
	if err != nil {
		return nil, 0, nil, err
	}
	totals, err := s.Store.EntryTotals(ctx, filter)
	if err != nil {
		return nil, 0, nil, err
	}
	return entries, total, totals, nil
}

// applyVisibility hides what non-super-admins must not see: vault
// outflows and the super admin's wallet.
func applyVisibility(viewer core.Actor, f *core.EntryFilter) {
	if viewer.IsSuperAdmin() {
		return
	}
	f.ExcludeAccounts = append(f.ExcludeAccounts, core.CajaSuperAdmin)
	f.ExcludeCreditsOn = append(f.ExcludeCreditsOn, core.CajaGrande)
}
