// Package mute stores per-category mutes and answers whether a user may
// open or continue a thread in a category.
package mute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/zulandar/modmail/internal/db"
	"github.com/zulandar/modmail/internal/models"
)

var (
	// ErrAlreadyMuted is returned by Add when an effective mute exists.
	ErrAlreadyMuted = errors.New("mute: user is already muted in this category")
	// ErrNotMuted is returned by Get when no effective mute exists.
	ErrNotMuted = errors.New("mute: user is not muted in this category")
	// ErrInvalidTill is returned by Add when the expiry is not in the future.
	ErrInvalidTill = errors.New("mute: expiry must be in the future")
)

// Gate reads and writes MuteStatus rows. A mute is effective while its
// Till is after the current time.
type Gate struct {
	db  *gorm.DB
	now func() time.Time
}

// New creates a Gate over db.
func New(db *gorm.DB) *Gate {
	return &Gate{db: db, now: time.Now}
}

// IsMuted reports whether userID has an effective mute in categoryID.
func (g *Gate) IsMuted(ctx context.Context, userID, categoryID string) (bool, error) {
	var n int64
	err := g.db.WithContext(ctx).Model(&models.MuteStatus{}).
		Where("user_id = ? AND category_id = ? AND till > ?", userID, categoryID, g.now()).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("mute: is muted: %w", err)
	}
	return n > 0, nil
}

// Get returns the effective mute for the pair, or ErrNotMuted.
func (g *Gate) Get(ctx context.Context, userID, categoryID string) (*models.MuteStatus, error) {
	var m models.MuteStatus
	err := g.db.WithContext(ctx).
		Where("user_id = ? AND category_id = ? AND till > ?", userID, categoryID, g.now()).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotMuted
	}
	if err != nil {
		return nil, fmt.Errorf("mute: get: %w", err)
	}
	return &m, nil
}

// Add mutes userID in categoryID until till. An effective mute is left
// untouched and ErrAlreadyMuted returned; an expired row is replaced.
func (g *Gate) Add(ctx context.Context, userID, categoryID string, till time.Time, reason, mutedBy string) (*models.MuteStatus, error) {
	now := g.now()
	if !till.After(now) {
		return nil, ErrInvalidTill
	}

	status := &models.MuteStatus{
		UserID:     userID,
		CategoryID: categoryID,
		Till:       till,
		Reason:     reason,
		MutedBy:    mutedBy,
	}
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.MuteStatus
		result := tx.Where("user_id = ? AND category_id = ?", userID, categoryID).First(&existing)
		switch {
		case result.Error == nil:
			if existing.Till.After(now) {
				return ErrAlreadyMuted
			}
			if err := tx.Delete(&existing).Error; err != nil {
				return fmt.Errorf("replace expired: %w", err)
			}
		case !errors.Is(result.Error, gorm.ErrRecordNotFound):
			return fmt.Errorf("check existing: %w", result.Error)
		}
		if err := tx.Create(status).Error; err != nil {
			if db.IsDuplicate(err) {
				return ErrAlreadyMuted
			}
			return fmt.Errorf("create: %w", err)
		}
		return nil
	})
	if errors.Is(err, ErrAlreadyMuted) {
		return nil, ErrAlreadyMuted
	}
	if err != nil {
		return nil, fmt.Errorf("mute: add: %w", err)
	}
	return status, nil
}

// Remove deletes the pair's mute row. It reports whether an effective mute
// was lifted.
func (g *Gate) Remove(ctx context.Context, userID, categoryID string) (bool, error) {
	var lifted bool
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.MuteStatus
		result := tx.Where("user_id = ? AND category_id = ?", userID, categoryID).First(&existing)
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil
		}
		if result.Error != nil {
			return result.Error
		}
		lifted = existing.Till.After(g.now())
		return tx.Delete(&existing).Error
	})
	if err != nil {
		return false, fmt.Errorf("mute: remove: %w", err)
	}
	return lifted, nil
}

// List returns the effective mutes in categoryID, soonest expiry first.
func (g *Gate) List(ctx context.Context, categoryID string) ([]models.MuteStatus, error) {
	var out []models.MuteStatus
	err := g.db.WithContext(ctx).
		Where("category_id = ? AND till > ?", categoryID, g.now()).
		Order("till ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("mute: list: %w", err)
	}
	return out, nil
}

// SweepExpired deletes expired rows and returns how many were removed.
func (g *Gate) SweepExpired(ctx context.Context) (int64, error) {
	result := g.db.WithContext(ctx).Where("till <= ?", g.now()).Delete(&models.MuteStatus{})
	if result.Error != nil {
		return 0, fmt.Errorf("mute: sweep: %w", result.Error)
	}
	return result.RowsAffected, nil
}
