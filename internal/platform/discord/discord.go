// Package discord implements platform.Platform for Discord using the
// Gateway WebSocket and REST API.
package discord

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/zulandar/modmail/internal/platform"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff duration for rate-limit retries.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff.
	maxBackoff = 2 * time.Minute
	// eventBuffer sizes the inbound event channel.
	eventBuffer = 256
)

// intents are the gateway intents modmail needs: guild and DM messages with
// content, DM reactions for category prompts, and member lookups.
const intents = discordgo.IntentsGuilds |
	discordgo.IntentsGuildMembers |
	discordgo.IntentsGuildMessages |
	discordgo.IntentsDirectMessages |
	discordgo.IntentsDirectMessageReactions |
	discordgo.IntentsMessageContent

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditComplex(m *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	GuildChannelCreateComplex(guildID string, data discordgo.GuildChannelCreateData, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelDelete(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	MessageReactionAdd(channelID, messageID, emojiID string, options ...discordgo.RequestOption) error
	User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error)
	GuildMember(guildID, userID string, options ...discordgo.RequestOption) (*discordgo.Member, error)
	GuildMembers(guildID, after string, limit int, options ...discordgo.RequestOption) ([]*discordgo.Member, error)
	GuildRoles(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Role, error)
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
}

// realSession wraps *discordgo.Session to implement the session interface.
// Member and channel lookups hit the state cache before REST.
type realSession struct {
	s *discordgo.Session
}

func (r *realSession) Open() error  { return r.s.Open() }
func (r *realSession) Close() error { return r.s.Close() }
func (r *realSession) AddHandler(handler interface{}) func() {
	return r.s.AddHandler(handler)
}
func (r *realSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSendComplex(channelID, data, options...)
}
func (r *realSession) ChannelMessageEditComplex(m *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageEditComplex(m, options...)
}
func (r *realSession) ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error {
	return r.s.ChannelMessageDelete(channelID, messageID, options...)
}
func (r *realSession) UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	return r.s.UserChannelCreate(recipientID, options...)
}
func (r *realSession) GuildChannelCreateComplex(guildID string, data discordgo.GuildChannelCreateData, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	return r.s.GuildChannelCreateComplex(guildID, data, options...)
}
func (r *realSession) ChannelDelete(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	return r.s.ChannelDelete(channelID, options...)
}
func (r *realSession) MessageReactionAdd(channelID, messageID, emojiID string, options ...discordgo.RequestOption) error {
	return r.s.MessageReactionAdd(channelID, messageID, emojiID, options...)
}
func (r *realSession) User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error) {
	return r.s.User(userID, options...)
}
func (r *realSession) GuildMember(guildID, userID string, options ...discordgo.RequestOption) (*discordgo.Member, error) {
	if m, err := r.s.State.Member(guildID, userID); err == nil {
		return m, nil
	}
	return r.s.GuildMember(guildID, userID, options...)
}
func (r *realSession) GuildMembers(guildID, after string, limit int, options ...discordgo.RequestOption) ([]*discordgo.Member, error) {
	return r.s.GuildMembers(guildID, after, limit, options...)
}
func (r *realSession) GuildRoles(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Role, error) {
	return r.s.GuildRoles(guildID, options...)
}
func (r *realSession) Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	if ch, err := r.s.State.Channel(channelID); err == nil {
		return ch, nil
	}
	return r.s.Channel(channelID, options...)
}

type watcher struct {
	userID string
	ch     chan string
}

// Adapter implements platform.Platform for Discord.
type Adapter struct {
	sess        session
	botToken    string
	botUserID   string
	log         *zap.Logger
	mu          sync.Mutex
	connected   bool
	closed      bool
	events      chan platform.Event
	removers    []func()
	watchers    map[string][]*watcher // messageID -> watchers
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// AdapterOpts holds parameters for creating a Discord Adapter.
type AdapterOpts struct {
	BotToken string
	Logger   *zap.Logger
	// For testing: inject a mock session instead of real Discord API.
	Session session
}

// New creates a Discord Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	a := &Adapter{
		botToken:    opts.BotToken,
		log:         log,
		events:      make(chan platform.Event, eventBuffer),
		watchers:    make(map[string][]*watcher),
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
	}
	if opts.Session != nil {
		a.sess = opts.Session
	}
	return a, nil
}

// Connect establishes the Discord Gateway WebSocket connection.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("discord: adapter already closed")
	}
	if a.connected {
		return nil
	}

	if a.sess == nil {
		dg, err := discordgo.New("Bot " + a.botToken)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = intents
		dg.State.TrackMembers = true
		a.sess = &realSession{s: dg}
	}

	a.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		a.mu.Lock()
		a.botUserID = r.User.ID
		a.mu.Unlock()
		a.log.Info("connected", zap.String("user", r.User.Username), zap.String("user_id", r.User.ID))
	})
	a.sess.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		a.log.Warn("gateway disconnected, discordgo will auto-reconnect")
	})
	a.sess.AddHandler(func(_ *discordgo.Session, _ *discordgo.Resumed) {
		a.log.Info("gateway session resumed")
	})
	// Reactions are routed to watchers from the moment we connect so the
	// category prompt works independently of Listen.
	a.removers = append(a.removers, a.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.MessageReactionAdd) {
		a.handleReaction(r)
	}))

	if err := a.sess.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	a.connected = true
	return nil
}

// Listen registers message handlers and returns the event channel.
// Must be called after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan platform.Event, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("discord: not connected")
	}
	a.removers = append(a.removers,
		a.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
			a.handleMessage(platform.MessageCreated, m.Message)
		}),
		a.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageUpdate) {
			a.handleMessage(platform.MessageUpdated, m.Message)
		}),
		a.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageDelete) {
			a.handleDelete(m)
		}),
	)
	return a.events, nil
}

// Close gracefully shuts down the adapter connection.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.connected = false
	for _, remove := range a.removers {
		remove()
	}
	a.removers = nil
	close(a.events)
	if a.sess != nil {
		return a.sess.Close()
	}
	return nil
}

// BotUserID returns the bot's Discord user ID (available after Ready).
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

// SetBotUserID sets the bot user ID (used for self-message filtering).
func (a *Adapter) SetBotUserID(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.botUserID = id
}

func (a *Adapter) requireConnected() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return fmt.Errorf("discord: not connected")
	}
	return nil
}

// Send posts msg to channelID and returns the new message ID.
func (a *Adapter) Send(ctx context.Context, channelID string, msg platform.Outbound) (string, error) {
	if err := a.requireConnected(); err != nil {
		return "", err
	}
	data := &discordgo.MessageSend{Content: msg.Content, Embeds: buildEmbeds(msg.Embeds)}
	var sent *discordgo.Message
	err := a.retryOnRateLimit(ctx, func() error {
		var apiErr error
		sent, apiErr = a.sess.ChannelMessageSendComplex(channelID, data)
		return apiErr
	})
	if err != nil {
		return "", fmt.Errorf("discord: send message: %w", err)
	}
	return sent.ID, nil
}

// Edit replaces the content and embeds of a message.
func (a *Adapter) Edit(ctx context.Context, channelID, messageID string, msg platform.Outbound) error {
	if err := a.requireConnected(); err != nil {
		return err
	}
	edit := discordgo.NewMessageEdit(channelID, messageID).
		SetContent(msg.Content).
		SetEmbeds(buildEmbeds(msg.Embeds))
	err := a.retryOnRateLimit(ctx, func() error {
		_, apiErr := a.sess.ChannelMessageEditComplex(edit)
		return apiErr
	})
	if err != nil {
		return fmt.Errorf("discord: edit message: %w", err)
	}
	return nil
}

// DeleteMessage removes a message.
func (a *Adapter) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	if err := a.requireConnected(); err != nil {
		return err
	}
	err := a.retryOnRateLimit(ctx, func() error {
		return a.sess.ChannelMessageDelete(channelID, messageID)
	})
	if err != nil {
		return fmt.Errorf("discord: delete message: %w", err)
	}
	return nil
}

// DirectChannel opens (or reuses) the DM channel with userID.
func (a *Adapter) DirectChannel(ctx context.Context, userID string) (string, error) {
	if err := a.requireConnected(); err != nil {
		return "", err
	}
	var ch *discordgo.Channel
	err := a.retryOnRateLimit(ctx, func() error {
		var apiErr error
		ch, apiErr = a.sess.UserChannelCreate(userID)
		return apiErr
	})
	if err != nil {
		return "", fmt.Errorf("discord: open dm with %s: %w", userID, err)
	}
	return ch.ID, nil
}

// CreateChannel creates a guild text channel with the given overwrites.
func (a *Adapter) CreateChannel(ctx context.Context, spec platform.ChannelSpec) (string, error) {
	if err := a.requireConnected(); err != nil {
		return "", err
	}
	data := discordgo.GuildChannelCreateData{
		Name:                 spec.Name,
		Type:                 discordgo.ChannelTypeGuildText,
		Topic:                spec.Topic,
		ParentID:             spec.ParentID,
		PermissionOverwrites: buildOverwrites(spec.GuildID, spec.Overwrites),
	}
	var ch *discordgo.Channel
	err := a.retryOnRateLimit(ctx, func() error {
		var apiErr error
		ch, apiErr = a.sess.GuildChannelCreateComplex(spec.GuildID, data)
		return apiErr
	})
	if err != nil {
		return "", fmt.Errorf("discord: create channel %q: %w", spec.Name, err)
	}
	return ch.ID, nil
}

// DeleteChannel removes a guild channel.
func (a *Adapter) DeleteChannel(ctx context.Context, channelID string) error {
	if err := a.requireConnected(); err != nil {
		return err
	}
	err := a.retryOnRateLimit(ctx, func() error {
		_, apiErr := a.sess.ChannelDelete(channelID)
		return apiErr
	})
	if err != nil {
		return fmt.Errorf("discord: delete channel: %w", notFound(err))
	}
	return nil
}

// React adds a reaction as the bot.
func (a *Adapter) React(ctx context.Context, channelID, messageID, emoji string) error {
	if err := a.requireConnected(); err != nil {
		return err
	}
	err := a.retryOnRateLimit(ctx, func() error {
		return a.sess.MessageReactionAdd(channelID, messageID, emoji)
	})
	if err != nil {
		return fmt.Errorf("discord: add reaction: %w", err)
	}
	return nil
}

// WatchReactions delivers emoji userID adds to messageID until stop is called.
func (a *Adapter) WatchReactions(messageID, userID string) (<-chan string, func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	w := &watcher{userID: userID, ch: make(chan string, 4)}
	a.watchers[messageID] = append(a.watchers[messageID], w)
	var once sync.Once
	return w.ch, func() {
		once.Do(func() {
			a.mu.Lock()
			defer a.mu.Unlock()
			ws := a.watchers[messageID]
			for i, x := range ws {
				if x == w {
					a.watchers[messageID] = append(ws[:i], ws[i+1:]...)
					break
				}
			}
			if len(a.watchers[messageID]) == 0 {
				delete(a.watchers, messageID)
			}
		})
	}
}

// User fetches a user by ID.
func (a *Adapter) User(ctx context.Context, userID string) (platform.User, error) {
	var u *discordgo.User
	err := a.retryOnRateLimit(ctx, func() error {
		var apiErr error
		u, apiErr = a.sess.User(userID)
		return apiErr
	})
	if err != nil {
		return platform.User{}, fmt.Errorf("discord: user %s: %w", userID, notFound(err))
	}
	return convertUser(u), nil
}

// Member fetches a guild member.
func (a *Adapter) Member(ctx context.Context, guildID, userID string) (platform.Member, error) {
	var m *discordgo.Member
	err := a.retryOnRateLimit(ctx, func() error {
		var apiErr error
		m, apiErr = a.sess.GuildMember(guildID, userID)
		return apiErr
	})
	if err != nil {
		return platform.Member{}, fmt.Errorf("discord: member %s: %w", userID, notFound(err))
	}
	return convertMember(guildID, m), nil
}

// Members lists guild members after the cursor. Discord caps limit at 1000.
func (a *Adapter) Members(ctx context.Context, guildID, after string, limit int) ([]platform.Member, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	var ms []*discordgo.Member
	err := a.retryOnRateLimit(ctx, func() error {
		var apiErr error
		ms, apiErr = a.sess.GuildMembers(guildID, after, limit)
		return apiErr
	})
	if err != nil {
		return nil, fmt.Errorf("discord: list members: %w", err)
	}
	out := make([]platform.Member, 0, len(ms))
	for _, m := range ms {
		out = append(out, convertMember(guildID, m))
	}
	return out, nil
}

// Role looks a role up among the guild's roles.
func (a *Adapter) Role(ctx context.Context, guildID, roleID string) (platform.Role, error) {
	var roles []*discordgo.Role
	err := a.retryOnRateLimit(ctx, func() error {
		var apiErr error
		roles, apiErr = a.sess.GuildRoles(guildID)
		return apiErr
	})
	if err != nil {
		return platform.Role{}, fmt.Errorf("discord: guild roles: %w", err)
	}
	for _, r := range roles {
		if r.ID == roleID {
			return platform.Role{
				ID:          r.ID,
				GuildID:     guildID,
				Name:        r.Name,
				Color:       r.Color,
				Position:    r.Position,
				Permissions: r.Permissions,
				Managed:     r.Managed,
			}, nil
		}
	}
	return platform.Role{}, fmt.Errorf("discord: role %s: %w", roleID, platform.ErrNotFound)
}

// Channel fetches a channel.
func (a *Adapter) Channel(ctx context.Context, channelID string) (platform.Channel, error) {
	var ch *discordgo.Channel
	err := a.retryOnRateLimit(ctx, func() error {
		var apiErr error
		ch, apiErr = a.sess.Channel(channelID)
		return apiErr
	})
	if err != nil {
		return platform.Channel{}, fmt.Errorf("discord: channel %s: %w", channelID, notFound(err))
	}
	return convertChannel(ch), nil
}

// handleMessage converts a Discord message into a platform event.
func (a *Adapter) handleMessage(kind platform.EventKind, m *discordgo.Message) {
	if m == nil || m.Author == nil {
		return
	}
	a.mu.Lock()
	botID := a.botUserID
	closed := a.closed
	a.mu.Unlock()
	if closed || m.Author.ID == botID || m.Author.Bot {
		return
	}

	msg := platform.Message{
		ID:        m.ID,
		ChannelID: m.ChannelID,
		GuildID:   m.GuildID,
		Author:    convertUser(m.Author),
		Content:   m.Content,
		Timestamp: m.Timestamp,
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp, _ = discordgo.SnowflakeTimestamp(m.ID)
	}
	for _, at := range m.Attachments {
		msg.Attachments = append(msg.Attachments, platform.Attachment{
			ID:       at.ID,
			Filename: at.Filename,
			URL:      at.URL,
			Size:     at.Size,
		})
	}
	a.emit(platform.Event{Kind: kind, Message: msg})
}

func (a *Adapter) handleDelete(m *discordgo.MessageDelete) {
	if m == nil || m.Message == nil {
		return
	}
	a.emit(platform.Event{Kind: platform.MessageDeleted, Message: platform.Message{
		ID:        m.ID,
		ChannelID: m.ChannelID,
		GuildID:   m.GuildID,
	}})
}

// emit delivers ev unless the adapter has been closed.
func (a *Adapter) emit(ev platform.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	select {
	case a.events <- ev:
	default:
		a.log.Warn("event buffer full, dropping event",
			zap.Stringer("kind", ev.Kind), zap.String("message_id", ev.Message.ID))
	}
}

func (a *Adapter) handleReaction(r *discordgo.MessageReactionAdd) {
	if r == nil || r.MessageReaction == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, w := range a.watchers[r.MessageID] {
		if w.userID != r.UserID {
			continue
		}
		select {
		case w.ch <- r.Emoji.Name:
		default:
		}
	}
}

// retryOnRateLimit calls fn and retries with exponential backoff on Discord
// rate limit errors. It respects context cancellation.
func (a *Adapter) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var restErr *discordgo.RESTError
		if !errors.As(err, &restErr) || restErr.Response == nil || restErr.Response.StatusCode != http.StatusTooManyRequests {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * a.baseBackoff
		if wait > a.maxBackoff {
			wait = a.maxBackoff
		}
		a.log.Warn("rate limited, retrying",
			zap.Int("attempt", attempt+1), zap.Int("max", maxRetries), zap.Duration("wait", wait))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil
}

// notFound wraps 404 REST errors with platform.ErrNotFound.
func notFound(err error) error {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil && restErr.Response.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %v", platform.ErrNotFound, err)
	}
	return err
}
