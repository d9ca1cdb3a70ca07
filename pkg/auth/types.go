// Package auth authenticates requests and enforces role-based access on the
// HTTP surface. Identity arrives either as a verified JWT or, inside the
// mesh, as the x-sentinel-roles header stamped by the ingress proxy.
package auth

// Well-known roles checked by the route guards.
const (
	RolePolicyAdmin     = "policy-admin"
	RoleUpgradeApprover = "upgrade-approver"
	RoleUpgradeAdmin    = "upgrade-admin"
	RoleAuditWriter     = "audit-writer"
	RoleAdmin           = "admin"
)

// Principal is the authenticated caller.
type Principal struct {
	ID    string   `json:"id"`
	Roles []string `json:"roles"`
}

// HasRole reports whether the principal carries the role. admin implies
// every role.
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role || r == RoleAdmin {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether the principal carries at least one of roles.
func (p *Principal) HasAnyRole(roles ...string) bool {
	for _, role := range roles {
		if p.HasRole(role) {
			return true
		}
	}
	return false
}
