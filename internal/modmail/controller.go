// Package modmail wires the thread engine to the chat platform: the
// Controller handles requester DMs and staff operations, the
// CommandHandler parses staff commands, and the Daemon pumps platform
// events into both.
package modmail

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/zulandar/modmail/internal/category"
	"github.com/zulandar/modmail/internal/models"
	"github.com/zulandar/modmail/internal/mute"
	"github.com/zulandar/modmail/internal/perms"
	"github.com/zulandar/modmail/internal/platform"
	"github.com/zulandar/modmail/internal/relay"
	"github.com/zulandar/modmail/internal/thread"
)

// Platform is the platform surface the controller needs.
type Platform interface {
	platform.Messenger
	platform.Channels
	platform.Reactions
	platform.Directory
}

// Outcome is what HandleDirect did with a requester message.
type Outcome int

const (
	OutcomeRelayed Outcome = iota
	OutcomeOpened
	OutcomeMuted
	OutcomeTimedOut
	OutcomeInvalid
	OutcomeNoCategories
	OutcomeAtCapacity
	OutcomeDuplicate
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRelayed:
		return "relayed"
	case OutcomeOpened:
		return "opened"
	case OutcomeMuted:
		return "muted"
	case OutcomeTimedOut:
		return "timed_out"
	case OutcomeInvalid:
		return "invalid"
	case OutcomeNoCategories:
		return "no_categories"
	case OutcomeAtCapacity:
		return "at_capacity"
	case OutcomeDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// ControllerOpts holds parameters for creating a Controller.
type ControllerOpts struct {
	DB         *gorm.DB
	Platform   Platform
	GuildID    string
	LogChannel string // optional; receives close summaries
	MaxThreads int
	PromptTime time.Duration
	Logger     *zap.Logger
}

// Controller owns the modmail components and runs every operation.
type Controller struct {
	platform   Platform
	guildID    string
	logChannel string

	registry   *thread.Registry
	categories *category.Store
	selector   *category.Selector
	mutes      *mute.Gate
	relay      *relay.Relay
	guard      *perms.Guard
	channels   *channelMaker
	forwarder  *Forwarder
	replies    *ReplyStore
	locks      *relay.KeyedMutex
	log        *zap.Logger
}

// NewController builds a Controller and its components.
func NewController(opts ControllerOpts) (*Controller, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("modmail: db is required")
	}
	if opts.Platform == nil {
		return nil, fmt.Errorf("modmail: platform is required")
	}
	if opts.GuildID == "" {
		return nil, fmt.Errorf("modmail: guild id is required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	registry, err := thread.NewRegistry(thread.RegistryOpts{
		DB:         opts.DB,
		MaxThreads: opts.MaxThreads,
		Logger:     log.Named("thread"),
	})
	if err != nil {
		return nil, err
	}
	rl, err := relay.New(relay.RelayOpts{
		DB:       opts.DB,
		Platform: opts.Platform,
		Logger:   log.Named("relay"),
	})
	if err != nil {
		return nil, err
	}
	store := category.NewStore(opts.DB)
	guard := perms.NewGuard(store)
	selector, err := category.NewSelector(category.SelectorOpts{
		Store:      store,
		Platform:   opts.Platform,
		Elevator:   guard,
		GuildID:    opts.GuildID,
		PromptTime: opts.PromptTime,
		Logger:     log.Named("selector"),
	})
	if err != nil {
		return nil, err
	}
	mutes := mute.New(opts.DB)
	channels := &channelMaker{
		platform: opts.Platform,
		planner:  perms.NewPlanner(store, opts.Platform),
		guildID:  opts.GuildID,
	}

	return &Controller{
		platform:   opts.Platform,
		guildID:    opts.GuildID,
		logChannel: opts.LogChannel,
		registry:   registry,
		categories: store,
		selector:   selector,
		mutes:      mutes,
		relay:      rl,
		guard:      guard,
		channels:   channels,
		forwarder: &Forwarder{
			channels: channels,
			registry: registry,
			mutes:    mutes,
			log:      log.Named("forward"),
		},
		replies: NewReplyStore(opts.DB),
		locks:   relay.NewKeyedMutex(),
		log:     log,
	}, nil
}

// Registry exposes the thread registry.
func (c *Controller) Registry() *thread.Registry { return c.registry }

// Categories exposes the category store.
func (c *Controller) Categories() *category.Store { return c.categories }

// Mutes exposes the mute gate.
func (c *Controller) Mutes() *mute.Gate { return c.mutes }

// Identity resolves userID's guild roles. Non-members get no roles.
func (c *Controller) Identity(ctx context.Context, userID string) perms.Identity {
	id := perms.Identity{UserID: userID}
	m, err := c.platform.Member(ctx, c.guildID, userID)
	if err != nil {
		if !errors.Is(err, platform.ErrNotFound) {
			c.log.Warn("resolve member roles", zap.String("user_id", userID), zap.Error(err))
		}
		return id
	}
	id.RoleIDs = m.Roles
	return id
}

// tell sends a notice and logs a failure instead of returning it.
func (c *Controller) tell(ctx context.Context, channelID string, msg platform.Outbound) {
	if _, err := c.platform.Send(ctx, channelID, msg); err != nil {
		c.log.Warn("send notice", zap.String("channel_id", channelID), zap.Error(err))
	}
}

// HandleDirect routes one requester DM. Messages from the same requester
// are serialized so concurrent DMs cannot open two threads: the first
// runs selection and opens the thread, later ones are relayed into it.
func (c *Controller) HandleDirect(ctx context.Context, msg platform.Message) (Outcome, error) {
	authorID := msg.Author.ID
	unlock := c.locks.Lock(authorID)
	defer unlock()

	t, err := c.registry.GetByAuthor(ctx, authorID)
	if err == nil {
		return c.relayExisting(ctx, t, msg)
	}
	if !errors.Is(err, thread.ErrNotFound) {
		return 0, err
	}

	res, err := c.selector.Select(ctx, c.Identity(ctx, authorID), msg.ChannelID)
	if errors.Is(err, category.ErrNoCategories) {
		c.tell(ctx, msg.ChannelID, noticeNoCategories())
		return OutcomeNoCategories, nil
	}
	if err != nil {
		return 0, err
	}
	switch res.State {
	case category.TimedOut:
		c.tell(ctx, msg.ChannelID, noticeTimedOut())
		return OutcomeTimedOut, nil
	case category.Invalid:
		c.tell(ctx, msg.ChannelID, noticeInvalid(res.Emoji))
		return OutcomeInvalid, nil
	}
	cat := res.Category

	if st, err := c.mutes.Get(ctx, authorID, cat.ID); err == nil {
		c.tell(ctx, msg.ChannelID, noticeMuted(cat, st.Till))
		return OutcomeMuted, nil
	} else if !errors.Is(err, mute.ErrNotMuted) {
		return 0, err
	}

	if err := c.registry.CheckCapacity(ctx, cat.ID); err != nil {
		if errors.Is(err, thread.ErrCapacityExceeded) {
			c.tell(ctx, msg.ChannelID, noticeAtCapacity(cat))
			return OutcomeAtCapacity, nil
		}
		return 0, err
	}

	channelID, err := c.channels.create(ctx, cat, msg.Author, false)
	if err != nil {
		return 0, err
	}
	t, err = c.registry.Open(ctx, thread.OpenOpts{
		AuthorID:   authorID,
		ChannelID:  channelID,
		CategoryID: cat.ID,
	})
	if err != nil {
		if derr := c.platform.DeleteChannel(ctx, channelID); derr != nil {
			c.log.Warn("delete orphaned thread channel", zap.String("channel_id", channelID), zap.Error(derr))
		}
		switch {
		case errors.Is(err, thread.ErrDuplicateThread):
			// Another process opened a thread first. This message is
			// dropped; the requester resends into the winning thread.
			c.log.Info("duplicate thread open dropped",
				zap.String("user_id", authorID), zap.String("message_id", msg.ID))
			c.tell(ctx, msg.ChannelID, noticeDuplicate())
			return OutcomeDuplicate, nil
		case errors.Is(err, thread.ErrCapacityExceeded):
			c.tell(ctx, msg.ChannelID, noticeAtCapacity(cat))
			return OutcomeAtCapacity, nil
		}
		return 0, err
	}

	past, err := c.registry.History(ctx, authorID, 0)
	if err != nil {
		c.log.Warn("load thread history", zap.String("user_id", authorID), zap.Error(err))
	}
	c.tell(ctx, channelID, threadHeader(msg.Author, cat, len(past)))
	c.tell(ctx, msg.ChannelID, noticeOpened(cat))

	if _, err := c.relay.RelayInbound(ctx, t, msg); err != nil {
		return OutcomeOpened, err
	}
	c.log.Info("thread opened",
		zap.String("thread_id", t.ID),
		zap.String("user_id", authorID),
		zap.String("category", cat.Name),
	)
	return OutcomeOpened, nil
}

// relayExisting forwards msg into an open thread unless the author has
// since been muted in its category.
func (c *Controller) relayExisting(ctx context.Context, t *models.Thread, msg platform.Message) (Outcome, error) {
	st, err := c.mutes.Get(ctx, t.AuthorID, t.CategoryID)
	if err == nil {
		cat, cerr := c.categories.Get(ctx, t.CategoryID)
		if cerr != nil {
			cat = &models.Category{ID: t.CategoryID, Name: t.CategoryID}
		}
		c.tell(ctx, msg.ChannelID, noticeMuted(cat, st.Till))
		return OutcomeMuted, nil
	}
	if !errors.Is(err, mute.ErrNotMuted) {
		return 0, err
	}
	if _, err := c.relay.RelayInbound(ctx, t, msg); err != nil {
		return 0, err
	}
	return OutcomeRelayed, nil
}

// activeMessage resolves a stored message whose thread is still open.
func (c *Controller) activeMessage(ctx context.Context, id string) (*models.Message, *models.Thread, bool) {
	m, err := c.relay.Lookup(ctx, id)
	if err != nil {
		if !errors.Is(err, relay.ErrNotFound) {
			c.log.Warn("lookup message", zap.String("message_id", id), zap.Error(err))
		}
		return nil, nil, false
	}
	t, err := c.registry.GetByID(ctx, m.ThreadID)
	if err != nil || !t.IsActive {
		return nil, nil, false
	}
	return m, t, true
}

// HandleDirectEdit propagates a requester's edit of a relayed DM.
func (c *Controller) HandleDirectEdit(ctx context.Context, msg platform.Message) error {
	m, t, ok := c.activeMessage(ctx, msg.ID)
	if !ok || m.SenderID != t.AuthorID || m.SenderID != msg.Author.ID {
		return nil
	}
	_, err := c.relay.EditMessage(ctx, m.ModmailID, msg.Content)
	if errors.Is(err, relay.ErrDeleted) {
		return nil
	}
	return err
}

// HandleDirectDelete marks a requester's deleted DM as deleted in the
// thread.
func (c *Controller) HandleDirectDelete(ctx context.Context, messageID string) error {
	m, t, ok := c.activeMessage(ctx, messageID)
	if !ok || m.SenderID != t.AuthorID {
		return nil
	}
	_, err := c.relay.MarkDeleted(ctx, m.ModmailID)
	return err
}

// HandleStaffMessage records non-command staff chat in a thread channel as
// an internal note. Messages outside thread channels are ignored.
func (c *Controller) HandleStaffMessage(ctx context.Context, msg platform.Message) error {
	t, err := c.registry.GetByChannel(ctx, msg.ChannelID)
	if errors.Is(err, thread.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = c.relay.RecordInternal(ctx, t, msg)
	return err
}

// HandleStaffEdit records an edit of an internal note.
func (c *Controller) HandleStaffEdit(ctx context.Context, msg platform.Message) error {
	m, _, ok := c.activeMessage(ctx, msg.ID)
	if !ok || !m.Internal {
		return nil
	}
	_, err := c.relay.EditMessage(ctx, m.ModmailID, msg.Content)
	if errors.Is(err, relay.ErrDeleted) {
		return nil
	}
	return err
}

// HandleStaffDelete marks a deleted internal note.
func (c *Controller) HandleStaffDelete(ctx context.Context, messageID string) error {
	m, _, ok := c.activeMessage(ctx, messageID)
	if !ok || !m.Internal {
		return nil
	}
	_, err := c.relay.MarkDeleted(ctx, m.ModmailID)
	return err
}
