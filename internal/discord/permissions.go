package discord

import (
	"slices"

	"github.com/bwmarrin/discordgo"
)

// PermissionChecker restricts privileged slash commands to members holding
// a configured role.
type PermissionChecker struct {
	roleID string
}

// NewPermissionChecker creates a PermissionChecker for roleID. An empty
// roleID allows everybody.
func NewPermissionChecker(roleID string) *PermissionChecker {
	return &PermissionChecker{roleID: roleID}
}

// Allowed reports whether the interaction author holds the role. Interactions
// outside a guild have no member and are refused when a role is configured.
func (p *PermissionChecker) Allowed(i *discordgo.InteractionCreate) bool {
	if p.roleID == "" {
		return true
	}
	if i.Member == nil {
		return false
	}
	return slices.Contains(i.Member.Roles, p.roleID)
}

// InteractionUserID extracts the user ID from an interaction in both guild
// (Member) and direct message (User) contexts.
func InteractionUserID(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}
