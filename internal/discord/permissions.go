package discord

import (
	"slices"

	"github.com/bwmarrin/discordgo"
)

// PermissionChecker validates that a Discord user has the operator role
// before executing commands that start, stop or erase transcription.
type PermissionChecker struct {
	operatorRoleID string
}

// NewPermissionChecker creates a PermissionChecker with the given role ID.
func NewPermissionChecker(operatorRoleID string) *PermissionChecker {
	return &PermissionChecker{operatorRoleID: operatorRoleID}
}

// IsOperator checks whether the interaction author has the operator role.
// If no role is configured, every guild member is an operator. Returns false
// if the interaction has no Member (e.g., DM channel interactions).
func (p *PermissionChecker) IsOperator(i *discordgo.InteractionCreate) bool {
	if i.Member == nil {
		return false
	}
	if p.operatorRoleID == "" {
		return true
	}
	return slices.Contains(i.Member.Roles, p.operatorRoleID)
}

// InteractionUserID extracts the user ID from an interaction, handling
// both guild (Member) and DM (User) contexts.
func InteractionUserID(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}
