// Package platform defines the chat-platform surface the modmail core
// depends on. The Discord implementation lives in platform/discord; Mock
// records calls for tests.
package platform

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Directory lookups for unknown entities.
var ErrNotFound = errors.New("platform: not found")

// Platform is the full adapter surface: connection lifecycle plus the
// narrower interfaces components accept.
type Platform interface {
	Messenger
	Channels
	Reactions
	Directory

	// Connect establishes the platform session.
	Connect(ctx context.Context) error

	// Listen returns a channel of inbound events. The channel is closed
	// when the adapter is closed. Listen must only be called after Connect.
	Listen(ctx context.Context) (<-chan Event, error)

	// Close gracefully shuts down the session.
	Close() error
}

// Messenger sends, edits and deletes messages.
type Messenger interface {
	// Send posts msg to a channel and returns the new message ID.
	Send(ctx context.Context, channelID string, msg Outbound) (string, error)
	Edit(ctx context.Context, channelID, messageID string, msg Outbound) error
	DeleteMessage(ctx context.Context, channelID, messageID string) error
	// DirectChannel returns (creating if needed) the DM channel with a user.
	DirectChannel(ctx context.Context, userID string) (string, error)
}

// Channels creates and removes guild channels.
type Channels interface {
	CreateChannel(ctx context.Context, spec ChannelSpec) (string, error)
	DeleteChannel(ctx context.Context, channelID string) error
}

// Reactions adds reactions and observes reactions added by users.
type Reactions interface {
	React(ctx context.Context, channelID, messageID, emoji string) error
	// WatchReactions delivers emoji that userID adds to messageID until the
	// returned stop func is called.
	WatchReactions(messageID, userID string) (<-chan string, func())
}

// Directory resolves platform entities from the live session.
type Directory interface {
	BotUserID() string
	User(ctx context.Context, userID string) (User, error)
	Member(ctx context.Context, guildID, userID string) (Member, error)
	// Members pages through guild members ordered by user ID, starting
	// after the given cursor.
	Members(ctx context.Context, guildID, after string, limit int) ([]Member, error)
	Role(ctx context.Context, guildID, roleID string) (Role, error)
	Channel(ctx context.Context, channelID string) (Channel, error)
}

// User is a platform account.
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	AvatarURL string    `json:"avatar_url,omitempty"`
	Bot       bool      `json:"bot"`
	CreatedAt time.Time `json:"created_at"`
}

// Member is a user's membership in a guild.
type Member struct {
	User     User      `json:"user"`
	GuildID  string    `json:"guild_id"`
	Nick     string    `json:"nick,omitempty"`
	Roles    []string  `json:"roles"`
	JoinedAt time.Time `json:"joined_at"`
}

// Role is a guild role.
type Role struct {
	ID          string `json:"id"`
	GuildID     string `json:"guild_id"`
	Name        string `json:"name"`
	Color       int    `json:"color"`
	Position    int    `json:"position"`
	Permissions int64  `json:"permissions"`
	Managed     bool   `json:"managed"`
}

// Channel kinds.
const (
	ChannelText     = "text"
	ChannelDirect   = "direct"
	ChannelCategory = "category"
	ChannelOther    = "other"
)

// Channel is a guild or DM channel.
type Channel struct {
	ID         string      `json:"id"`
	GuildID    string      `json:"guild_id,omitempty"`
	ParentID   string      `json:"parent_id,omitempty"`
	Name       string      `json:"name"`
	Topic      string      `json:"topic,omitempty"`
	Kind       string      `json:"kind"`
	Overwrites []Overwrite `json:"overwrites,omitempty"`
}

// Attachment is a file attached to an inbound message.
type Attachment struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	URL      string `json:"url"`
	Size     int    `json:"size"`
}

// Message is an inbound platform message. GuildID is empty for DMs.
type Message struct {
	ID          string
	ChannelID   string
	GuildID     string
	Author      User
	Content     string
	Attachments []Attachment
	Timestamp   time.Time
}

// IsDirect reports whether the message was sent in a DM.
func (m Message) IsDirect() bool { return m.GuildID == "" }

// EventKind enumerates inbound event types.
type EventKind int

const (
	MessageCreated EventKind = iota + 1
	MessageUpdated
	MessageDeleted
)

func (k EventKind) String() string {
	switch k {
	case MessageCreated:
		return "message_created"
	case MessageUpdated:
		return "message_updated"
	case MessageDeleted:
		return "message_deleted"
	default:
		return "unknown"
	}
}

// Event is an inbound platform event. For MessageDeleted only the ID,
// ChannelID and GuildID of Message are set.
type Event struct {
	Kind    EventKind
	Message Message
}

// Outbound is a message to send or an edit to apply.
type Outbound struct {
	Content string
	Embeds  []Embed
}

// Embed is a rich message card.
type Embed struct {
	Title         string
	Description   string
	Color         string // hex, e.g. "#36a64f"
	AuthorName    string
	AuthorIconURL string
	Footer        string
	ImageURL      string
	Timestamp     time.Time
	Fields        []Field
}

// Field is a key-value pair displayed in an embed.
type Field struct {
	Name   string
	Value  string
	Inline bool
}

// Permission names used in overwrites.
type Permission string

const (
	PermView    Permission = "view"
	PermSend    Permission = "send"
	PermHistory Permission = "history"
)

// Overwrite subject types.
const (
	OverwriteRole   = "role"
	OverwriteMember = "member"
)

// SubjectEveryone stands for the guild's default role.
const SubjectEveryone = "everyone"

// Overwrite is one channel visibility rule.
type Overwrite struct {
	Subject string       `json:"subject"`
	Type    string       `json:"type"`
	Allow   []Permission `json:"allow"`
	Deny    []Permission `json:"deny"`
}

// ChannelSpec describes a channel to create.
type ChannelSpec struct {
	GuildID    string
	ParentID   string
	Name       string
	Topic      string
	Overwrites []Overwrite
}
