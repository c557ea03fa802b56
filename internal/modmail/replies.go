package modmail

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/zulandar/modmail/internal/db"
	"github.com/zulandar/modmail/internal/models"
)

var (
	ErrReplyExists  = errors.New("modmail: standard reply already exists")
	ErrUnknownReply = errors.New("modmail: no such standard reply")
)

// ReplyStore keeps named canned responses.
type ReplyStore struct {
	db *gorm.DB
}

// NewReplyStore creates a ReplyStore.
func NewReplyStore(db *gorm.DB) *ReplyStore {
	return &ReplyStore{db: db}
}

func replyName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Add stores a new reply. Names are case-insensitive.
func (s *ReplyStore) Add(ctx context.Context, name, text string) (*models.StandardReply, error) {
	name = replyName(name)
	if name == "" || strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("modmail: standard reply needs a name and text")
	}
	r := &models.StandardReply{Name: name, Reply: text}
	if err := s.db.WithContext(ctx).Create(r).Error; err != nil {
		if db.IsDuplicate(err) {
			return nil, ErrReplyExists
		}
		return nil, fmt.Errorf("modmail: add reply: %w", err)
	}
	return r, nil
}

// Get returns a reply by name.
func (s *ReplyStore) Get(ctx context.Context, name string) (*models.StandardReply, error) {
	var r models.StandardReply
	err := s.db.WithContext(ctx).Where("name = ?", replyName(name)).First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUnknownReply
	}
	if err != nil {
		return nil, fmt.Errorf("modmail: get reply: %w", err)
	}
	return &r, nil
}

// Remove deletes a reply and reports whether it existed.
func (s *ReplyStore) Remove(ctx context.Context, name string) (bool, error) {
	result := s.db.WithContext(ctx).Where("name = ?", replyName(name)).Delete(&models.StandardReply{})
	if result.Error != nil {
		return false, fmt.Errorf("modmail: remove reply: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// List returns all replies ordered by name.
func (s *ReplyStore) List(ctx context.Context) ([]models.StandardReply, error) {
	var out []models.StandardReply
	if err := s.db.WithContext(ctx).Order("name ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("modmail: list replies: %w", err)
	}
	return out, nil
}
