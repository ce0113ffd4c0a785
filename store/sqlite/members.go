/*
members.go - member and user persistence
*/

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/previsora/cobranza-engine/core"
)

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// ===== MEMBERS =====

const memberColumns = `id, group_id, agent_id, full_name, document, position, role,
	birth_date, cremation, plot, plan, joined_at, cancelled_at, active,
	historical_fee_cents, ideal_fee_cents, use_ideal`

func saveMember(ctx context.Context, ex executor, m core.Member) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO members (`+memberColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			group_id = excluded.group_id,
			agent_id = excluded.agent_id,
			full_name = excluded.full_name,
			document = excluded.document,
			position = excluded.position,
			role = excluded.role,
			birth_date = excluded.birth_date,
			cremation = excluded.cremation,
			plot = excluded.plot,
			plan = excluded.plan,
			joined_at = excluded.joined_at,
			cancelled_at = excluded.cancelled_at,
			active = excluded.active,
			historical_fee_cents = excluded.historical_fee_cents,
			ideal_fee_cents = excluded.ideal_fee_cents,
			use_ideal = excluded.use_ideal`,
		string(m.ID), m.GroupID, m.AgentID, m.FullName, m.Document, m.Position, string(m.Role),
		nullTimeText(m.BirthDate), boolInt(m.Cremation), boolInt(m.Plot), m.Plan,
		timeText(m.JoinedAt), nullTimeText(m.CancelledAt), boolInt(m.Active),
		cents(m.HistoricalFee), cents(m.IdealFee), boolInt(m.UseIdeal),
	)
	if err != nil {
		return fmt.Errorf("failed to save member: %w", err)
	}
	return nil
}

func scanMember(sc scanner) (*core.Member, error) {
	var m core.Member
	var id, role string
	var birth, cancelled sql.NullString
	var joined string
	var cremation, plot, active, useIdeal int
	var historical, ideal int64

	err := sc.Scan(&id, &m.GroupID, &m.AgentID, &m.FullName, &m.Document, &m.Position, &role,
		&birth, &cremation, &plot, &m.Plan, &joined, &cancelled, &active,
		&historical, &ideal, &useIdeal)
	if err != nil {
		return nil, err
	}

	m.ID = core.MemberID(id)
	m.Role = core.MemberRole(role)
	m.BirthDate = scanNullTime(birth)
	m.Cremation = cremation == 1
	m.Plot = plot == 1
	m.JoinedAt = parseTime(joined)
	m.CancelledAt = scanNullTime(cancelled)
	m.Active = active == 1
	m.HistoricalFee = money(historical)
	m.IdealFee = money(ideal)
	m.UseIdeal = useIdeal == 1
	return &m, nil
}

func getMember(ctx context.Context, ex executor, id core.MemberID) (*core.Member, error) {
	row := ex.QueryRowContext(ctx,
		`SELECT `+memberColumns+` FROM members WHERE id = ?`, string(id))
	m, err := scanMember(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NewError(core.CodeMemberNotFound, "member not found").
			With("member_id", string(id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load member: %w", err)
	}
	return m, nil
}

func listMembers(ctx context.Context, ex executor, where string, args ...any) ([]core.Member, error) {
	rows, err := ex.QueryContext(ctx,
		`SELECT `+memberColumns+` FROM members WHERE `+where+` ORDER BY group_id, position, joined_at`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	var out []core.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (s *Store) SaveMember(ctx context.Context, m core.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveMember(ctx, s.db, m)
}

func (s *Store) GetMember(ctx context.Context, id core.MemberID) (*core.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getMember(ctx, s.db, id)
}

func (s *Store) ListGroupMembers(ctx context.Context, groupID int64) ([]core.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listMembers(ctx, s.db, "group_id = ?", groupID)
}

func (s *Store) ListMembersByAgent(ctx context.Context, agentID int64) ([]core.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listMembers(ctx, s.db, "agent_id = ?", agentID)
}

func (t *txStore) SaveMember(ctx context.Context, m core.Member) error {
	return saveMember(ctx, t.tx, m)
}

func (t *txStore) GetMember(ctx context.Context, id core.MemberID) (*core.Member, error) {
	return getMember(ctx, t.tx, id)
}

func (t *txStore) ListGroupMembers(ctx context.Context, groupID int64) ([]core.Member, error) {
	return listMembers(ctx, t.tx, "group_id = ?", groupID)
}

func (t *txStore) ListMembersByAgent(ctx context.Context, agentID int64) ([]core.Member, error) {
	return listMembers(ctx, t.tx, "agent_id = ?", agentID)
}

// ===== USERS =====

const userColumns = `id, name, role, agent_id, default_account,
	commission_base_rate, commission_grace_days, commission_penalty_per_day,
	active, created_at`

func saveUser(ctx context.Context, ex executor, u core.User) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			role = excluded.role,
			agent_id = excluded.agent_id,
			default_account = excluded.default_account,
			commission_base_rate = excluded.commission_base_rate,
			commission_grace_days = excluded.commission_grace_days,
			commission_penalty_per_day = excluded.commission_penalty_per_day,
			active = excluded.active`,
		string(u.ID), u.Name, string(u.Role), u.AgentID, string(u.DefaultAccount),
		u.Commission.BaseRate.String(), u.Commission.GraceDays, u.Commission.PenaltyPerDay.String(),
		boolInt(u.Active), timeText(u.CreatedAt),
	)
	if isUniqueConstraintError(err) {
		return core.NewError(core.CodeInvalidRequest, "collection route already has a user").
			With("agent_id", u.AgentID)
	}
	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

func scanUser(sc scanner) (*core.User, error) {
	var u core.User
	var id, role, account, baseRate, penalty, created string
	var active int

	err := sc.Scan(&id, &u.Name, &role, &u.AgentID, &account,
		&baseRate, &u.Commission.GraceDays, &penalty, &active, &created)
	if err != nil {
		return nil, err
	}

	u.ID = core.UserID(id)
	u.Role = core.Role(role)
	u.DefaultAccount = core.AccountCode(account)
	u.Commission.BaseRate = core.MustDecimal(baseRate)
	u.Commission.PenaltyPerDay = core.MustDecimal(penalty)
	u.Active = active == 1
	u.CreatedAt = parseTime(created)
	return &u, nil
}

func getUser(ctx context.Context, ex executor, id core.UserID) (*core.User, error) {
	row := ex.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, string(id))
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NewError(core.CodeUserNotFound, "user not found").
			With("user_id", string(id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return u, nil
}

func getUserByAgentID(ctx context.Context, ex executor, agentID int64) (*core.User, error) {
	row := ex.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE agent_id = ? AND agent_id > 0`, agentID)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NewError(core.CodeAgentNotFound, "no user serves this collection route").
			With("agent_id", agentID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load agent user: %w", err)
	}
	return u, nil
}

func listUsers(ctx context.Context, ex executor, f core.UserFilter) ([]core.User, error) {
	where := []string{"1=1"}
	var args []any
	if f.Role != "" {
		where = append(where, "role = ?")
		args = append(args, string(f.Role))
	}
	if f.Active != nil {
		where = append(where, "active = ?")
		args = append(args, boolInt(*f.Active))
	}
	if f.AgentID > 0 {
		where = append(where, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.Query != "" {
		where = append(where, "name LIKE ?")
		args = append(args, "%"+f.Query+"%")
	}

	rows, err := ex.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE `+strings.Join(where, " AND ")+` ORDER BY name`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var out []core.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

func (s *Store) SaveUser(ctx context.Context, u core.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveUser(ctx, s.db, u)
}

func (s *Store) GetUser(ctx context.Context, id core.UserID) (*core.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getUser(ctx, s.db, id)
}

func (s *Store) GetUserByAgentID(ctx context.Context, agentID int64) (*core.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getUserByAgentID(ctx, s.db, agentID)
}

func (s *Store) ListUsers(ctx context.Context, f core.UserFilter) ([]core.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listUsers(ctx, s.db, f)
}

func (t *txStore) SaveUser(ctx context.Context, u core.User) error {
	return saveUser(ctx, t.tx, u)
}

func (t *txStore) GetUser(ctx context.Context, id core.UserID) (*core.User, error) {
	return getUser(ctx, t.tx, id)
}

func (t *txStore) GetUserByAgentID(ctx context.Context, agentID int64) (*core.User, error) {
	return getUserByAgentID(ctx, t.tx, agentID)
}

func (t *txStore) ListUsers(ctx context.Context, f core.UserFilter) ([]core.User, error) {
	return listUsers(ctx, t.tx, f)
}
