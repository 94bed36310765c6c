package store

import "github.com/luciancaetano/kephaschat"

// RoleMapper collapses a raw server role into a display role.
type RoleMapper func(raw string) kephaschat.DisplayRole

// DefaultRoleMapper maps agent and superadmin to admin and passes everything
// else through unchanged.
func DefaultRoleMapper(raw string) kephaschat.DisplayRole {
	switch raw {
	case "agent", "superadmin":
		return kephaschat.DisplayAdmin
	default:
		return kephaschat.DisplayRole(raw)
	}
}

// OperatorViewRoleMapper is used by operator screens, which also render
// "operator" senders and unlabelled system messages as admin/bot.
func OperatorViewRoleMapper(raw string) kephaschat.DisplayRole {
	switch raw {
	case "agent", "superadmin", "operator":
		return kephaschat.DisplayAdmin
	case "":
		return kephaschat.DisplayBot
	default:
		return kephaschat.DisplayRole(raw)
	}
}
