package auth

import (
	"regexp"
	"time"
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,64}$`)

// IsValidUsername reports whether username is 1-64 characters of letters,
// digits, dots, hyphens and underscores.
func IsValidUsername(username string) bool {
	return usernamePattern.MatchString(username)
}

// Role is a dashboard authorisation tier, carried in the access token.
type Role string

const (
	// RoleOperator watches robots on the floor.
	RoleOperator Role = "operator"

	// RoleManager additionally sees the restrictions placed on their team.
	RoleManager Role = "manager"

	// RoleAdmin manages signing keys and reads the security audit trail.
	RoleAdmin Role = "admin"
)

// ValidRoles lists every assignable role.
var ValidRoles = []Role{RoleOperator, RoleManager, RoleAdmin}

// IsValidRole reports whether r is one of ValidRoles.
func IsValidRole(r Role) bool {
	for _, v := range ValidRoles {
		if r == v {
			return true
		}
	}
	return false
}

// User is a dashboard account. Every user belongs to exactly one company.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"display_name"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	CompanyID    string    `json:"company_id"`
	IsActive     bool      `json:"is_active"`
	CreatedBy    string    `json:"created_by,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Subject returns the identity a token is issued for.
func (u *User) Subject() Subject {
	return Subject{
		Username:  u.Username,
		UserID:    u.ID,
		CompanyID: u.CompanyID,
		Role:      u.Role,
	}
}
