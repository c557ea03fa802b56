package models

import "time"

// Category is a staff queue requesters pick when opening a thread.
// ActiveEmoji holds Emoji while the category is active and NULL otherwise,
// so emoji uniqueness only applies among active categories.
type Category struct {
	ID          string  `gorm:"primaryKey;size:36"`
	GuildID     string  `gorm:"size:32;not null;uniqueIndex:idx_category_guild_name"`
	ChannelID   *string `gorm:"size:32"`
	Name        string  `gorm:"size:100;not null;uniqueIndex:idx_category_guild_name"`
	Emoji       string  `gorm:"size:64;not null"`
	ActiveEmoji *string `gorm:"size:64;uniqueIndex"`
	Description string  `gorm:"type:text"`
	IsPrivate   bool    `gorm:"not null"`
	IsActive    bool    `gorm:"not null;index"`
	CreatedAt   time.Time
	UpdatedAt   time.Time

	Roles []CategoryRole `gorm:"foreignKey:CategoryID"`
}

// Role levels, ordered by privilege.
const (
	LevelMod   = "mod"
	LevelAdmin = "admin"
)

// CategoryRole registers a platform role as staff for a category.
type CategoryRole struct {
	CategoryID string `gorm:"primaryKey;size:36"`
	RoleID     string `gorm:"primaryKey;size:32"`
	Level      string `gorm:"size:8;not null"`
	CreatedAt  time.Time
}

// MuteStatus denies a user threads in one category until Till.
type MuteStatus struct {
	ID         uint      `gorm:"primaryKey;autoIncrement"`
	UserID     string    `gorm:"size:32;not null;uniqueIndex:idx_mute_user_category"`
	CategoryID string    `gorm:"size:36;not null;uniqueIndex:idx_mute_user_category"`
	Till       time.Time `gorm:"not null;index"`
	Reason     string    `gorm:"type:text"`
	MutedBy    string    `gorm:"size:32"`
	CreatedAt  time.Time
}
