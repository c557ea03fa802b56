package models

import "time"

// Thread is one conversation between a requester and staff, bound to a
// single channel. ActiveAuthorID mirrors AuthorID while the thread is open
// and is NULL once closed; its unique index is what keeps an author to one
// open thread at the storage layer.
type Thread struct {
	ID             string  `gorm:"primaryKey;size:36"`
	AuthorID       string  `gorm:"size:32;not null;index"`
	ActiveAuthorID *string `gorm:"size:32;uniqueIndex"`
	ChannelID      string  `gorm:"size:32;not null;index"`
	CategoryID     string  `gorm:"size:36;not null;index:idx_thread_category_active"`
	IsAdminOnly    bool    `gorm:"not null"`
	IsActive       bool    `gorm:"not null;index:idx_thread_category_active"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ClosedAt       *time.Time

	Messages []Message `gorm:"foreignKey:ThreadID"`
}
