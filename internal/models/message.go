package models

import "time"

// Message is a relayed or internal message belonging to a thread.
// ModmailID is the id of the copy in the thread channel; ClientID is the id
// of the copy in the requester's DM and is nil for staff-internal notes.
type Message struct {
	ModmailID string    `gorm:"primaryKey;size:32"`
	ClientID  *string   `gorm:"size:32;uniqueIndex"`
	SenderID  string    `gorm:"size:32;not null;index"`
	ThreadID  string    `gorm:"size:36;not null;index:idx_message_thread_created"`
	Content   string    `gorm:"type:text"`
	IsDeleted bool      `gorm:"not null"`
	Internal  bool      `gorm:"not null"`
	Anonymous bool      `gorm:"not null"`
	CreatedAt time.Time `gorm:"index:idx_message_thread_created"`

	Edits       []Edit       `gorm:"foreignKey:MessageID;references:ModmailID"`
	Attachments []Attachment `gorm:"foreignKey:MessageID;references:ModmailID"`
}

// Edit records the content a message held before an edit. Versions start at
// 1 per message and never repeat.
type Edit struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	MessageID string `gorm:"size:32;not null;uniqueIndex:idx_edit_message_version"`
	Version   int    `gorm:"not null;uniqueIndex:idx_edit_message_version"`
	Content   string `gorm:"type:text"`
	CreatedAt time.Time
}

// Attachment kinds.
const (
	AttachmentImage = "image"
	AttachmentFile  = "file"
)

// Attachment is a file relayed alongside a message.
type Attachment struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	MessageID string `gorm:"size:32;not null;index"`
	SenderID  string `gorm:"size:32;not null"`
	Name      string `gorm:"size:255"`
	SourceURL string `gorm:"type:text;not null"`
	Kind      string `gorm:"size:8;not null"`
	CreatedAt time.Time
}

// StandardReply is a named canned response staff can send into a thread.
type StandardReply struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Name      string `gorm:"size:64;not null;uniqueIndex"`
	Reply     string `gorm:"type:text;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}
