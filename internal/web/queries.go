package web

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/zulandar/modmail/internal/models"
)

// ErrThreadNotFound is returned for unknown thread ids.
var ErrThreadNotFound = errors.New("web: thread not found")

// ThreadSummary is one row of a user's thread list.
type ThreadSummary struct {
	ID          string     `json:"id"`
	CategoryID  string     `json:"category_id"`
	ChannelID   string     `json:"channel_id"`
	IsActive    bool       `json:"is_active"`
	IsAdminOnly bool       `json:"is_admin_only"`
	CreatedAt   time.Time  `json:"created_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
}

// LogEdit is a prior version of a message.
type LogEdit struct {
	Version int       `json:"version"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// LogAttachment is a relayed file.
type LogAttachment struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Kind string `json:"kind"`
}

// LogMessage is one entry in a thread log.
type LogMessage struct {
	ID          string          `json:"id"`
	ClientID    string          `json:"client_id,omitempty"`
	SenderID    string          `json:"sender_id"`
	Content     string          `json:"content"`
	Internal    bool            `json:"internal"`
	Anonymous   bool            `json:"anonymous"`
	Deleted     bool            `json:"deleted"`
	CreatedAt   time.Time       `json:"created_at"`
	Edits       []LogEdit       `json:"edits"`
	Attachments []LogAttachment `json:"attachments"`
}

// Log is a thread with its messages in order.
type Log struct {
	Thread   ThreadSummary `json:"thread"`
	AuthorID string        `json:"author_id"`
	Messages []LogMessage  `json:"messages"`
}

func summarize(t models.Thread) ThreadSummary {
	return ThreadSummary{
		ID:          t.ID,
		CategoryID:  t.CategoryID,
		ChannelID:   t.ChannelID,
		IsActive:    t.IsActive,
		IsAdminOnly: t.IsAdminOnly,
		CreatedAt:   t.CreatedAt,
		ClosedAt:    t.ClosedAt,
	}
}

// ThreadLog loads a thread and its full message history.
func ThreadLog(ctx context.Context, db *gorm.DB, threadID string) (*Log, error) {
	var t models.Thread
	err := db.WithContext(ctx).Where("id = ?", threadID).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("web: thread log: %w", err)
	}

	var msgs []models.Message
	err = db.WithContext(ctx).
		Preload("Edits", func(tx *gorm.DB) *gorm.DB { return tx.Order("version ASC") }).
		Preload("Attachments", func(tx *gorm.DB) *gorm.DB { return tx.Order("id ASC") }).
		Where("thread_id = ?", threadID).
		Order("created_at ASC, modmail_id ASC").
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("web: thread log: messages: %w", err)
	}

	out := &Log{Thread: summarize(t), AuthorID: t.AuthorID, Messages: make([]LogMessage, len(msgs))}
	for i, m := range msgs {
		lm := LogMessage{
			ID:          m.ModmailID,
			SenderID:    m.SenderID,
			Content:     m.Content,
			Internal:    m.Internal,
			Anonymous:   m.Anonymous,
			Deleted:     m.IsDeleted,
			CreatedAt:   m.CreatedAt,
			Edits:       make([]LogEdit, len(m.Edits)),
			Attachments: make([]LogAttachment, len(m.Attachments)),
		}
		if m.ClientID != nil {
			lm.ClientID = *m.ClientID
		}
		for j, e := range m.Edits {
			lm.Edits[j] = LogEdit{Version: e.Version, Content: e.Content, At: e.CreatedAt}
		}
		for j, a := range m.Attachments {
			lm.Attachments[j] = LogAttachment{Name: a.Name, URL: a.SourceURL, Kind: a.Kind}
		}
		out.Messages[i] = lm
	}
	return out, nil
}

// UserThreads lists every thread a user opened, newest first.
func UserThreads(ctx context.Context, db *gorm.DB, userID string) ([]ThreadSummary, error) {
	var threads []models.Thread
	if err := db.WithContext(ctx).
		Where("author_id = ?", userID).
		Order("created_at DESC").
		Find(&threads).Error; err != nil {
		return nil, fmt.Errorf("web: user threads: %w", err)
	}
	out := make([]ThreadSummary, len(threads))
	for i, t := range threads {
		out[i] = summarize(t)
	}
	return out, nil
}
