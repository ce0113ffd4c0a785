/*
accounts.go - chart of accounts and roles

The chart is closed: movements may only touch accounts listed here.
Per-user accounts (a collector's pouch, an admin's drawer) always carry
an owner; global accounts normally have no owner, except CAJA_CHICA,
which keeps per-admin sub-balances under a global code so the vault
ingress can drain one admin's deposits at a time.
*/

package core

// AccountCode names an account in the closed chart.
type AccountCode string

const (
	// Per-user accounts.
	CajaCobrador     AccountCode = "CAJA_COBRADOR"      // cash in a collector's pouch
	ARendirCobrador  AccountCode = "A_RENDIR_COBRADOR"  // collector balances pending settlement
	CajaAdmin        AccountCode = "CAJA_ADMIN"         // an administrator's drawer
	CajaSuperAdmin   AccountCode = "CAJA_SUPERADMIN"    // the treasurer's own box
	ComisionCobrador AccountCode = "COMISION_COBRADOR"  // commission owed to a collector

	// Global accounts.
	CajaChica      AccountCode = "CAJA_CHICA"       // office petty cash, per-admin sub-balances
	CajaGrande     AccountCode = "CAJA_GRANDE"      // the vault
	IngresosCuotas AccountCode = "INGRESOS_CUOTAS"  // membership fee revenue
	Banco          AccountCode = "BANCO"            // bank account placeholder
	BilleteraVirtual AccountCode = "BILLETERA_VIRTUAL" // virtual wallet placeholder
)

// AccountInfo describes one entry of the chart.
type AccountInfo struct {
	Code   AccountCode
	Label  string
	Global bool // true when balances are organization-wide, not per user
}

var accountCatalog = map[AccountCode]AccountInfo{
	CajaCobrador:     {Code: CajaCobrador, Label: "Caja Cobrador"},
	ARendirCobrador:  {Code: ARendirCobrador, Label: "A Rendir Cobrador"},
	CajaAdmin:        {Code: CajaAdmin, Label: "Caja Admin"},
	CajaSuperAdmin:   {Code: CajaSuperAdmin, Label: "Caja Superadmin"},
	ComisionCobrador: {Code: ComisionCobrador, Label: "Comisión Cobrador"},
	CajaChica:        {Code: CajaChica, Label: "Caja Chica", Global: true},
	CajaGrande:       {Code: CajaGrande, Label: "Caja Grande", Global: true},
	IngresosCuotas:   {Code: IngresosCuotas, Label: "Ingresos por Cuotas", Global: true},
	Banco:            {Code: Banco, Label: "Banco", Global: true},
	BilleteraVirtual: {Code: BilleteraVirtual, Label: "Billetera Virtual", Global: true},
}

// AccountByCode looks an account up in the chart.
func AccountByCode(code AccountCode) (AccountInfo, bool) {
	info, ok := accountCatalog[code]
	return info, ok
}

// ValidAccount reports whether code appears in the chart.
func ValidAccount(code AccountCode) bool {
	_, ok := accountCatalog[code]
	return ok
}

// GlobalCashAccounts lists the global boxes shown as virtual rows in
// the box overview, in display order.
func GlobalCashAccounts() []AccountCode {
	return []AccountCode{CajaChica, CajaGrande, Banco, BilleteraVirtual}
}

// ===== ROLES =====

// Role is what a user is allowed to do, not who they are. Agents
// collect in the field; admins run the office; the super admin holds
// the vault.
type Role string

const (
	RoleAgent      Role = "agent"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "superAdmin"
)

// ValidRole reports whether r is one of the three operating roles.
func ValidRole(r Role) bool {
	switch r {
	case RoleAgent, RoleAdmin, RoleSuperAdmin:
		return true
	}
	return false
}

// DefaultCashAccount is where money lands when a user of the given
// role receives cash and no explicit account was chosen.
func DefaultCashAccount(r Role) AccountCode {
	switch r {
	case RoleAdmin:
		return CajaAdmin
	case RoleSuperAdmin:
		return CajaSuperAdmin
	default:
		return CajaCobrador
	}
}

// RoleAccounts lists the per-user accounts a role operates, in the
// order box overviews display them.
func RoleAccounts(r Role) []AccountCode {
	switch r {
	case RoleAdmin:
		return []AccountCode{CajaAdmin}
	case RoleSuperAdmin:
		return []AccountCode{CajaSuperAdmin}
	default:
		return []AccountCode{CajaCobrador, ARendirCobrador, ComisionCobrador}
	}
}
