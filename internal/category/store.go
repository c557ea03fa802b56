// Package category manages staff categories, their role registrations, and
// the reaction prompt requesters use to pick one.
package category

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/zulandar/modmail/internal/db"
	"github.com/zulandar/modmail/internal/models"
)

var (
	ErrNotFound     = errors.New("category: not found")
	ErrNameTaken    = errors.New("category: name already in use")
	ErrEmojiInUse   = errors.New("category: emoji already used by an active category")
	ErrInvalidLevel = errors.New("category: level must be mod or admin")
	ErrInactive     = errors.New("category: category is not active")
)

// Store persists categories and their role registrations.
type Store struct {
	db *gorm.DB
}

// NewStore creates a Store over db.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// CreateOpts holds the fields of a new category.
type CreateOpts struct {
	GuildID     string
	Name        string
	Emoji       string
	Description string
	ChannelID   string
	IsPrivate   bool
}

// Create inserts an active category. Name is unique per guild and emoji is
// unique among active categories.
func (s *Store) Create(ctx context.Context, opts CreateOpts) (*models.Category, error) {
	name := strings.TrimSpace(opts.Name)
	if opts.GuildID == "" || name == "" || opts.Emoji == "" {
		return nil, fmt.Errorf("category: create: guild, name and emoji are required")
	}
	emoji := opts.Emoji
	c := &models.Category{
		ID:          uuid.NewString(),
		GuildID:     opts.GuildID,
		Name:        name,
		Emoji:       emoji,
		ActiveEmoji: &emoji,
		Description: opts.Description,
		IsPrivate:   opts.IsPrivate,
		IsActive:    true,
	}
	if opts.ChannelID != "" {
		ch := opts.ChannelID
		c.ChannelID = &ch
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := checkName(tx, opts.GuildID, name, ""); err != nil {
			return err
		}
		if err := checkEmoji(tx, emoji, ""); err != nil {
			return err
		}
		if err := tx.Create(c).Error; err != nil {
			if db.IsDuplicate(err) {
				return ErrNameTaken
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, wrap("create", err)
	}
	return c, nil
}

func checkName(tx *gorm.DB, guildID, name, exceptID string) error {
	var n int64
	q := tx.Model(&models.Category{}).Where("guild_id = ? AND name = ?", guildID, name)
	if exceptID != "" {
		q = q.Where("id <> ?", exceptID)
	}
	if err := q.Count(&n).Error; err != nil {
		return err
	}
	if n > 0 {
		return ErrNameTaken
	}
	return nil
}

func checkEmoji(tx *gorm.DB, emoji, exceptID string) error {
	var n int64
	q := tx.Model(&models.Category{}).Where("active_emoji = ?", emoji)
	if exceptID != "" {
		q = q.Where("id <> ?", exceptID)
	}
	if err := q.Count(&n).Error; err != nil {
		return err
	}
	if n > 0 {
		return ErrEmojiInUse
	}
	return nil
}

// wrap prefixes err unless it is one of the package sentinels.
func wrap(op string, err error) error {
	for _, sentinel := range []error{ErrNotFound, ErrNameTaken, ErrEmojiInUse, ErrInvalidLevel, ErrInactive} {
		if errors.Is(err, sentinel) {
			return sentinel
		}
	}
	return fmt.Errorf("category: %s: %w", op, err)
}

func (s *Store) first(ctx context.Context, op string, query string, args ...any) (*models.Category, error) {
	var c models.Category
	err := s.db.WithContext(ctx).Preload("Roles").Where(query, args...).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("category: %s: %w", op, err)
	}
	return &c, nil
}

// Get returns a category by ID.
func (s *Store) Get(ctx context.Context, id string) (*models.Category, error) {
	return s.first(ctx, "get", "id = ?", id)
}

// GetByName returns a guild's category by name.
func (s *Store) GetByName(ctx context.Context, guildID, name string) (*models.Category, error) {
	return s.first(ctx, "get by name", "guild_id = ? AND name = ?", guildID, strings.TrimSpace(name))
}

// GetByEmoji returns the active category using emoji.
func (s *Store) GetByEmoji(ctx context.Context, emoji string) (*models.Category, error) {
	return s.first(ctx, "get by emoji", "active_emoji = ?", emoji)
}

// GetByChannel returns the active category bound to a platform channel.
func (s *Store) GetByChannel(ctx context.Context, channelID string) (*models.Category, error) {
	return s.first(ctx, "get by channel", "channel_id = ?", channelID)
}

// ListActive returns a guild's active categories ordered by name.
func (s *Store) ListActive(ctx context.Context, guildID string) ([]models.Category, error) {
	var out []models.Category
	err := s.db.WithContext(ctx).
		Where("guild_id = ? AND is_active = ?", guildID, true).
		Order("name ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("category: list active: %w", err)
	}
	return out, nil
}

// List returns all of a guild's categories ordered by name.
func (s *Store) List(ctx context.Context, guildID string) ([]models.Category, error) {
	var out []models.Category
	err := s.db.WithContext(ctx).Where("guild_id = ?", guildID).Order("name ASC").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("category: list: %w", err)
	}
	return out, nil
}

func (s *Store) update(ctx context.Context, op, id string, fields map[string]any) error {
	result := s.db.WithContext(ctx).Model(&models.Category{}).Where("id = ?", id).Updates(fields)
	if result.Error != nil {
		if db.IsDuplicate(result.Error) {
			return ErrEmojiInUse
		}
		return fmt.Errorf("category: %s: %w", op, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Deactivate hides a category from selection, releasing its emoji and
// clearing its channel.
func (s *Store) Deactivate(ctx context.Context, id string) error {
	return s.update(ctx, "deactivate", id, map[string]any{
		"is_active":    false,
		"channel_id":   nil,
		"active_emoji": nil,
	})
}

// Reactivate makes a category selectable again under channelID. Its emoji
// must not have been taken meanwhile.
func (s *Store) Reactivate(ctx context.Context, id, channelID string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var c models.Category
		if err := tx.Where("id = ?", id).First(&c).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if err := checkEmoji(tx, c.Emoji, id); err != nil {
			return err
		}
		return tx.Model(&c).Updates(map[string]any{
			"is_active":    true,
			"channel_id":   channelID,
			"active_emoji": c.Emoji,
		}).Error
	})
	if err != nil {
		return wrap("reactivate", err)
	}
	return nil
}

// SetEmoji changes a category's emoji.
func (s *Store) SetEmoji(ctx context.Context, id, emoji string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var c models.Category
		if err := tx.Where("id = ?", id).First(&c).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		fields := map[string]any{"emoji": emoji}
		if c.IsActive {
			if err := checkEmoji(tx, emoji, id); err != nil {
				return err
			}
			fields["active_emoji"] = emoji
		}
		return tx.Model(&c).Updates(fields).Error
	})
	if err != nil {
		return wrap("set emoji", err)
	}
	return nil
}

// SetPrivate marks a category private (visible to elevated users only).
func (s *Store) SetPrivate(ctx context.Context, id string, private bool) error {
	return s.update(ctx, "set private", id, map[string]any{"is_private": private})
}

// Rename changes a category's name.
func (s *Store) Rename(ctx context.Context, id, name string) error {
	name = strings.TrimSpace(name)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var c models.Category
		if err := tx.Where("id = ?", id).First(&c).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if err := checkName(tx, c.GuildID, name, id); err != nil {
			return err
		}
		return tx.Model(&c).Update("name", name).Error
	})
	if err != nil {
		return wrap("rename", err)
	}
	return nil
}

// SetRole registers roleID at level for a category, replacing any existing
// registration of that role.
func (s *Store) SetRole(ctx context.Context, categoryID, roleID, level string) error {
	if level != models.LevelMod && level != models.LevelAdmin {
		return ErrInvalidLevel
	}
	if _, err := s.Get(ctx, categoryID); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("category_id = ? AND role_id = ?", categoryID, roleID).
			Delete(&models.CategoryRole{}).Error; err != nil {
			return err
		}
		return tx.Create(&models.CategoryRole{CategoryID: categoryID, RoleID: roleID, Level: level}).Error
	})
	if err != nil {
		return fmt.Errorf("category: set role: %w", err)
	}
	return nil
}

// RemoveRole unregisters a role. It reports whether a row was removed.
func (s *Store) RemoveRole(ctx context.Context, categoryID, roleID string) (bool, error) {
	result := s.db.WithContext(ctx).
		Where("category_id = ? AND role_id = ?", categoryID, roleID).
		Delete(&models.CategoryRole{})
	if result.Error != nil {
		return false, fmt.Errorf("category: remove role: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// RolesFor lists a category's role registrations in registration order.
func (s *Store) RolesFor(ctx context.Context, categoryID string) ([]models.CategoryRole, error) {
	var out []models.CategoryRole
	err := s.db.WithContext(ctx).
		Where("category_id = ?", categoryID).
		Order("created_at ASC, role_id ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("category: roles for: %w", err)
	}
	return out, nil
}

// RolesAtLevel lists registrations at level across categories.
func (s *Store) RolesAtLevel(ctx context.Context, level string) ([]models.CategoryRole, error) {
	var out []models.CategoryRole
	if err := s.db.WithContext(ctx).Where("level = ?", level).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("category: roles at level: %w", err)
	}
	return out, nil
}
