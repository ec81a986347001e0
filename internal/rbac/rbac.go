package rbac

import "github.com/pitodo/backend/internal/models"

// Permission constants
const (
	PermAdjustBalance = "pitd_adjust_balance"
	PermViewAnyWallet = "pitd_view_any_wallet"
)

// RolePermissions defines what each alias role can do to wallets it does not own.
var RolePermissions = map[string][]string{
	models.RoleRootAdmin: {PermAdjustBalance, PermViewAnyWallet},
	models.RoleAdmin:     {PermAdjustBalance, PermViewAnyWallet},
	models.RoleSystem:    {PermAdjustBalance, PermViewAnyWallet},
	// provider and user roles only act on their own wallet
}

// HasPermission checks if a role has a specific permission.
func HasPermission(role, permission string) bool {
	perms, ok := RolePermissions[role]
	if !ok {
		return false
	}
	for _, p := range perms {
		if p == permission {
			return true
		}
	}
	return false
}

// AnyHasPermission is true when at least one of the aliases grants permission.
func AnyHasPermission(aliases []models.IdentityAlias, permission string) bool {
	for _, a := range aliases {
		if HasPermission(a.Role, permission) {
			return true
		}
	}
	return false
}

// IsFinancialOperation checks if permission changes balances on someone else's behalf.
func IsFinancialOperation(permission string) bool {
	return permission == PermAdjustBalance
}
