// Package perms resolves staff permission levels from category role
// registrations and plans the visibility overwrites of admin-only thread
// channels.
package perms

import (
	"context"
	"fmt"

	"github.com/zulandar/modmail/internal/models"
	"github.com/zulandar/modmail/internal/platform"
)

// Level is a staff permission level. Higher levels include lower ones.
type Level int

const (
	LevelNone Level = iota
	LevelMod
	LevelAdmin
)

func (l Level) String() string {
	switch l {
	case LevelMod:
		return models.LevelMod
	case LevelAdmin:
		return models.LevelAdmin
	default:
		return "none"
	}
}

// ParseLevel maps a stored level name to a Level.
func ParseLevel(s string) (Level, error) {
	switch s {
	case models.LevelMod:
		return LevelMod, nil
	case models.LevelAdmin:
		return LevelAdmin, nil
	default:
		return LevelNone, fmt.Errorf("perms: unknown level %q", s)
	}
}

// Identity is a resolved caller: the user and the guild roles they hold.
type Identity struct {
	UserID  string
	RoleIDs []string
}

// Decision is the outcome of a permission check. A denied decision carries
// a human-readable reason.
type Decision struct {
	Allowed bool
	Reason  string
}

// Allow returns a proceeding decision.
func Allow() Decision { return Decision{Allowed: true} }

// Deny returns a denial with reason.
func Deny(format string, args ...any) Decision {
	return Decision{Reason: fmt.Sprintf(format, args...)}
}

// RoleSource provides category role registrations.
type RoleSource interface {
	// RolesFor lists the roles registered for one category.
	RolesFor(ctx context.Context, categoryID string) ([]models.CategoryRole, error)
	// RolesAtLevel lists registrations at a level across all categories.
	RolesAtLevel(ctx context.Context, level string) ([]models.CategoryRole, error)
}

// Guard checks caller identities against category role registrations.
type Guard struct {
	roles RoleSource
}

// NewGuard creates a Guard backed by roles.
func NewGuard(roles RoleSource) *Guard {
	return &Guard{roles: roles}
}

// LevelIn returns the highest level id holds in a category.
func (g *Guard) LevelIn(ctx context.Context, id Identity, categoryID string) (Level, error) {
	regs, err := g.roles.RolesFor(ctx, categoryID)
	if err != nil {
		return LevelNone, fmt.Errorf("perms: roles for %s: %w", categoryID, err)
	}
	held := make(map[string]bool, len(id.RoleIDs))
	for _, r := range id.RoleIDs {
		held[r] = true
	}
	best := LevelNone
	for _, reg := range regs {
		if !held[reg.RoleID] {
			continue
		}
		lvl, err := ParseLevel(reg.Level)
		if err != nil {
			continue
		}
		if lvl > best {
			best = lvl
		}
	}
	return best, nil
}

// Check decides whether id may perform an operation requiring level in
// categoryID. Lookup failures deny.
func (g *Guard) Check(ctx context.Context, id Identity, categoryID string, level Level) Decision {
	have, err := g.LevelIn(ctx, id, categoryID)
	if err != nil {
		return Deny("could not resolve your permissions")
	}
	if have < level {
		return Deny("this requires %s level in the category, you have %s", level, have)
	}
	return Allow()
}

// Elevated reports whether id holds an admin-level role in any category.
// Elevated users can see private categories.
func (g *Guard) Elevated(ctx context.Context, id Identity) (bool, error) {
	regs, err := g.roles.RolesAtLevel(ctx, models.LevelAdmin)
	if err != nil {
		return false, fmt.Errorf("perms: admin roles: %w", err)
	}
	for _, reg := range regs {
		for _, r := range id.RoleIDs {
			if r == reg.RoleID {
				return true, nil
			}
		}
	}
	return false, nil
}

// Self reports the bot's own user ID.
type Self interface {
	BotUserID() string
}

// Planner computes the overwrites of admin-only thread channels.
type Planner struct {
	roles RoleSource
	self  Self
}

// NewPlanner creates a Planner.
func NewPlanner(roles RoleSource, self Self) *Planner {
	return &Planner{roles: roles, self: self}
}

// Plan returns the overwrites for an admin-only thread in categoryID:
// hidden from everyone, visible and writable for the bot, visible for
// every admin-level role of the category.
func (p *Planner) Plan(ctx context.Context, guildID, categoryID string) ([]platform.Overwrite, error) {
	regs, err := p.roles.RolesFor(ctx, categoryID)
	if err != nil {
		return nil, fmt.Errorf("perms: plan %s: %w", categoryID, err)
	}
	ows := []platform.Overwrite{
		{
			Subject: platform.SubjectEveryone,
			Type:    platform.OverwriteRole,
			Deny:    []platform.Permission{platform.PermView},
		},
		{
			Subject: p.self.BotUserID(),
			Type:    platform.OverwriteMember,
			Allow:   []platform.Permission{platform.PermView, platform.PermSend},
		},
	}
	for _, reg := range regs {
		if reg.Level != models.LevelAdmin {
			continue
		}
		ows = append(ows, platform.Overwrite{
			Subject: reg.RoleID,
			Type:    platform.OverwriteRole,
			Allow:   []platform.Permission{platform.PermView},
		})
	}
	return ows, nil
}
