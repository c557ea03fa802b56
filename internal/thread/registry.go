// Package thread tracks modmail threads: which author is bound to which
// channel, and how many threads each category holds open.
package thread

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/zulandar/modmail/internal/db"
	"github.com/zulandar/modmail/internal/models"
)

// DefaultMaxThreads is the per-category cap on active threads.
const DefaultMaxThreads = 30

var (
	ErrNotFound         = errors.New("thread: not found")
	ErrDuplicateThread  = errors.New("thread: author already has an active thread")
	ErrCapacityExceeded = errors.New("thread: category is at capacity")
)

// RegistryOpts holds parameters for creating a Registry.
type RegistryOpts struct {
	DB         *gorm.DB
	MaxThreads int
	Logger     *zap.Logger
}

// Registry is the store of threads. Every mutation is a single transaction
// and the active-author unique index backs the one-open-thread rule.
type Registry struct {
	db         *gorm.DB
	maxThreads int
	log        *zap.Logger
}

// NewRegistry creates a Registry.
func NewRegistry(opts RegistryOpts) (*Registry, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("thread: db is required")
	}
	if opts.MaxThreads <= 0 {
		opts.MaxThreads = DefaultMaxThreads
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{db: opts.DB, maxThreads: opts.MaxThreads, log: log}, nil
}

// MaxThreads returns the configured per-category cap.
func (r *Registry) MaxThreads() int { return r.maxThreads }

// OpenOpts describes a thread to open.
type OpenOpts struct {
	AuthorID    string
	ChannelID   string
	CategoryID  string
	IsAdminOnly bool
}

// Open records a new active thread. It fails with ErrDuplicateThread if the
// author already has one (including when a concurrent Open won the race)
// and with ErrCapacityExceeded if the category is full.
func (r *Registry) Open(ctx context.Context, opts OpenOpts) (*models.Thread, error) {
	if opts.AuthorID == "" || opts.ChannelID == "" || opts.CategoryID == "" {
		return nil, fmt.Errorf("thread: open: author, channel and category are required")
	}
	author := opts.AuthorID
	t := &models.Thread{
		ID:             uuid.NewString(),
		AuthorID:       author,
		ActiveAuthorID: &author,
		ChannelID:      opts.ChannelID,
		CategoryID:     opts.CategoryID,
		IsAdminOnly:    opts.IsAdminOnly,
		IsActive:       true,
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&models.Thread{}).
			Where("active_author_id = ?", author).
			Count(&n).Error; err != nil {
			return fmt.Errorf("check author: %w", err)
		}
		if n > 0 {
			return ErrDuplicateThread
		}
		if err := r.checkCapacity(tx, opts.CategoryID); err != nil {
			return err
		}
		if err := tx.Create(t).Error; err != nil {
			if db.IsDuplicate(err) {
				return ErrDuplicateThread
			}
			return fmt.Errorf("create: %w", err)
		}
		return nil
	})
	switch {
	case errors.Is(err, ErrDuplicateThread), errors.Is(err, ErrCapacityExceeded):
		return nil, err
	case err != nil:
		return nil, fmt.Errorf("thread: open: %w", err)
	}
	r.log.Debug("thread opened",
		zap.String("thread_id", t.ID), zap.String("author_id", author), zap.String("category_id", t.CategoryID))
	return t, nil
}

func (r *Registry) checkCapacity(tx *gorm.DB, categoryID string) error {
	var n int64
	if err := tx.Model(&models.Thread{}).
		Where("category_id = ? AND is_active = ?", categoryID, true).
		Count(&n).Error; err != nil {
		return fmt.Errorf("count active: %w", err)
	}
	if int(n) >= r.maxThreads {
		return ErrCapacityExceeded
	}
	return nil
}

// Close deactivates the thread bound to channelID. It reports whether an
// active thread was closed.
func (r *Registry) Close(ctx context.Context, channelID string) (bool, error) {
	now := time.Now()
	result := r.db.WithContext(ctx).Model(&models.Thread{}).
		Where("channel_id = ? AND is_active = ?", channelID, true).
		Updates(map[string]any{
			"is_active":        false,
			"active_author_id": nil,
			"closed_at":        now,
		})
	if result.Error != nil {
		return false, fmt.Errorf("thread: close: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (r *Registry) first(ctx context.Context, op, query string, args ...any) (*models.Thread, error) {
	var t models.Thread
	err := r.db.WithContext(ctx).Where(query, args...).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("thread: %s: %w", op, err)
	}
	return &t, nil
}

// GetByAuthor returns the author's active thread.
func (r *Registry) GetByAuthor(ctx context.Context, authorID string) (*models.Thread, error) {
	return r.first(ctx, "get by author", "active_author_id = ?", authorID)
}

// GetByChannel returns the active thread bound to channelID.
func (r *Registry) GetByChannel(ctx context.Context, channelID string) (*models.Thread, error) {
	return r.first(ctx, "get by channel", "channel_id = ? AND is_active = ?", channelID, true)
}

// GetByID returns a thread, active or not.
func (r *Registry) GetByID(ctx context.Context, id string) (*models.Thread, error) {
	return r.first(ctx, "get by id", "id = ?", id)
}

// Forward repoints an active thread to another category and channel in one
// update. It reports false if the thread is not active. Moving into a
// different category is subject to that category's capacity.
func (r *Registry) Forward(ctx context.Context, threadID, categoryID, channelID string, isAdminOnly bool) (bool, error) {
	moved := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var t models.Thread
		err := tx.Where("id = ? AND is_active = ?", threadID, true).First(&t).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if t.CategoryID != categoryID {
			if err := r.checkCapacity(tx, categoryID); err != nil {
				return err
			}
		}
		if err := tx.Model(&t).Updates(map[string]any{
			"category_id":   categoryID,
			"channel_id":    channelID,
			"is_admin_only": isAdminOnly,
		}).Error; err != nil {
			return err
		}
		moved = true
		return nil
	})
	if errors.Is(err, ErrCapacityExceeded) {
		return false, err
	}
	if err != nil {
		return false, fmt.Errorf("thread: forward: %w", err)
	}
	return moved, nil
}

// CountActiveInCategory returns the number of open threads in a category.
func (r *Registry) CountActiveInCategory(ctx context.Context, categoryID string) (int, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.Thread{}).
		Where("category_id = ? AND is_active = ?", categoryID, true).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("thread: count active: %w", err)
	}
	return int(n), nil
}

// CheckCapacity returns ErrCapacityExceeded if categoryID is full.
func (r *Registry) CheckCapacity(ctx context.Context, categoryID string) error {
	err := r.checkCapacity(r.db.WithContext(ctx), categoryID)
	if err != nil && !errors.Is(err, ErrCapacityExceeded) {
		return fmt.Errorf("thread: check capacity: %w", err)
	}
	return err
}

// History returns an author's closed threads, newest first.
func (r *Registry) History(ctx context.Context, authorID string, limit int) ([]models.Thread, error) {
	var out []models.Thread
	q := r.db.WithContext(ctx).
		Where("author_id = ? AND is_active = ?", authorID, false).
		Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("thread: history: %w", err)
	}
	return out, nil
}

// Messages returns a thread's messages in chronological order with their
// edits (by version) and attachments.
func (r *Registry) Messages(ctx context.Context, threadID string) ([]models.Message, error) {
	var out []models.Message
	err := r.db.WithContext(ctx).
		Preload("Edits", func(tx *gorm.DB) *gorm.DB { return tx.Order("version ASC") }).
		Preload("Attachments", func(tx *gorm.DB) *gorm.DB { return tx.Order("id ASC") }).
		Where("thread_id = ?", threadID).
		Order("created_at ASC, modmail_id ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("thread: messages: %w", err)
	}
	return out, nil
}
