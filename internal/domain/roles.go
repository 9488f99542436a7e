package domain

import (
	"fmt"
	"strings"
)

// Role is one of the three permission tiers.
type Role string

const (
	RoleHeadquarters Role = "headquarters"
	RoleSite         Role = "site"
	RoleOther        Role = "other"
)

// legacy labels still found in older records and backups
var roleAliases = map[string]Role{
	"headquarters": RoleHeadquarters,
	"ceo":          RoleHeadquarters,
	"site":         RoleSite,
	"manager":      RoleSite,
	"other":        RoleOther,
	"admin_dept":   RoleOther,
}

// ParseRole maps any known label to its canonical tier.
func ParseRole(s string) (Role, error) {
	r, ok := roleAliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// NormalizeRole is ParseRole for stored values; unknown labels fall to the read-only tier.
func NormalizeRole(s string) Role {
	r, err := ParseRole(s)
	if err != nil {
		return RoleOther
	}
	return r
}

func (r Role) Valid() bool {
	switch r {
	case RoleHeadquarters, RoleSite, RoleOther:
		return true
	}
	return false
}
