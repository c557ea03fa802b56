package modmail

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zulandar/modmail/internal/category"
	"github.com/zulandar/modmail/internal/models"
	"github.com/zulandar/modmail/internal/mute"
	"github.com/zulandar/modmail/internal/perms"
	"github.com/zulandar/modmail/internal/platform"
	"github.com/zulandar/modmail/internal/relay"
	"github.com/zulandar/modmail/internal/thread"
)

var (
	ErrNotThread         = errors.New("modmail: this channel is not an open thread")
	ErrInvalidCategory   = errors.New("modmail: no such active category")
	ErrInvalidMuteTarget = errors.New("modmail: that user cannot be muted")
	ErrInvalidDuration   = errors.New("modmail: invalid duration")
	ErrInvalidRole       = errors.New("modmail: no such role")
	ErrEmptyMessage      = errors.New("modmail: message is empty")
	ErrNoReply           = errors.New("modmail: you have no reply in this thread")
)

// DeniedError is returned when the permission guard refuses an operation.
type DeniedError struct {
	Reason string
}

func (e *DeniedError) Error() string {
	return "modmail: permission denied: " + e.Reason
}

func (c *Controller) check(ctx context.Context, id perms.Identity, categoryID string, level perms.Level) error {
	d := c.guard.Check(ctx, id, categoryID, level)
	if !d.Allowed {
		return &DeniedError{Reason: d.Reason}
	}
	return nil
}

func (c *Controller) requireElevated(ctx context.Context, id perms.Identity) error {
	ok, err := c.guard.Elevated(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return &DeniedError{Reason: "this requires admin level in at least one category"}
	}
	return nil
}

// threadFor returns the open thread of channelID after checking that id
// may act in it: mod level, or admin level for admin-only threads.
func (c *Controller) threadFor(ctx context.Context, id perms.Identity, channelID string) (*models.Thread, error) {
	t, err := c.registry.GetByChannel(ctx, channelID)
	if errors.Is(err, thread.ErrNotFound) {
		return nil, ErrNotThread
	}
	if err != nil {
		return nil, err
	}
	level := perms.LevelMod
	if t.IsAdminOnly {
		level = perms.LevelAdmin
	}
	if err := c.check(ctx, id, t.CategoryID, level); err != nil {
		return nil, err
	}
	return t, nil
}

func (c *Controller) activeCategory(ctx context.Context, name string) (*models.Category, error) {
	cat, err := c.categories.GetByName(ctx, c.guildID, name)
	if errors.Is(err, category.ErrNotFound) {
		return nil, ErrInvalidCategory
	}
	if err != nil {
		return nil, err
	}
	if !cat.IsActive {
		return nil, ErrInvalidCategory
	}
	return cat, nil
}

// CategoryForChannel resolves the category a channel belongs to: the
// category of the open thread in it, or the category whose parent
// channel it is.
func (c *Controller) CategoryForChannel(ctx context.Context, channelID string) (*models.Category, error) {
	if t, err := c.registry.GetByChannel(ctx, channelID); err == nil {
		return c.categories.Get(ctx, t.CategoryID)
	}
	cat, err := c.categories.GetByChannel(ctx, channelID)
	if errors.Is(err, category.ErrNotFound) {
		return nil, ErrInvalidCategory
	}
	return cat, err
}

// Reply relays staff content to the requester of the thread in channelID.
// A *relay.PartialRelayError is returned together with the stored message
// when only one destination received it.
func (c *Controller) Reply(ctx context.Context, id perms.Identity, channelID, content string, anonymous bool) (*models.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyMessage
	}
	t, err := c.threadFor(ctx, id, channelID)
	if err != nil {
		return nil, err
	}
	staff := c.channels.user(ctx, id.UserID)
	return c.relay.RelayOutbound(ctx, t, staff, content, anonymous)
}

// EditLast edits the caller's newest reply in the thread. It reports
// false when the content was unchanged.
func (c *Controller) EditLast(ctx context.Context, id perms.Identity, channelID, content string) (bool, error) {
	if strings.TrimSpace(content) == "" {
		return false, ErrEmptyMessage
	}
	t, err := c.threadFor(ctx, id, channelID)
	if err != nil {
		return false, err
	}
	m, err := c.relay.LastReply(ctx, t.ID, id.UserID)
	if errors.Is(err, relay.ErrNotFound) {
		return false, ErrNoReply
	}
	if err != nil {
		return false, err
	}
	return c.relay.EditMessage(ctx, m.ModmailID, content)
}

// DeleteLast retracts the caller's newest reply: the thread copy is marked
// deleted and the requester's copy removed.
func (c *Controller) DeleteLast(ctx context.Context, id perms.Identity, channelID string) error {
	t, err := c.threadFor(ctx, id, channelID)
	if err != nil {
		return err
	}
	m, err := c.relay.LastReply(ctx, t.ID, id.UserID)
	if errors.Is(err, relay.ErrNotFound) {
		return ErrNoReply
	}
	if err != nil {
		return err
	}
	return c.relay.RetractReply(ctx, m)
}

// Close closes the thread in channelID, tells the requester, posts a
// summary to the log channel and deletes the thread channel.
func (c *Controller) Close(ctx context.Context, id perms.Identity, channelID string) error {
	t, err := c.threadFor(ctx, id, channelID)
	if err != nil {
		return err
	}
	closed, err := c.registry.Close(ctx, channelID)
	if err != nil {
		return err
	}
	if !closed {
		return ErrNotThread
	}

	if dm, err := c.platform.DirectChannel(ctx, t.AuthorID); err == nil {
		c.tell(ctx, dm, noticeClosed())
	} else {
		c.log.Warn("open requester DM", zap.String("user_id", t.AuthorID), zap.Error(err))
	}
	if c.logChannel != "" {
		msgs, err := c.registry.Messages(ctx, t.ID)
		if err != nil {
			c.log.Warn("count thread messages", zap.String("thread_id", t.ID), zap.Error(err))
		}
		cat, _ := c.categories.Get(ctx, t.CategoryID)
		c.tell(ctx, c.logChannel, closeSummary(t, cat, c.channels.user(ctx, id.UserID), len(msgs)))
	}
	if err := c.platform.DeleteChannel(ctx, channelID); err != nil {
		c.log.Warn("delete closed thread channel", zap.String("channel_id", channelID), zap.Error(err))
	}
	c.log.Info("thread closed", zap.String("thread_id", t.ID), zap.String("closed_by", id.UserID))
	return nil
}

// Forward moves the thread in channelID to the named category and deletes
// the old channel once the history has been replayed.
func (c *Controller) Forward(ctx context.Context, id perms.Identity, channelID, categoryName string, adminOnly bool) error {
	t, err := c.threadFor(ctx, id, channelID)
	if err != nil {
		return err
	}
	target, err := c.activeCategory(ctx, categoryName)
	if err != nil {
		return err
	}
	from, err := c.categories.Get(ctx, t.CategoryID)
	if err != nil {
		from = &models.Category{ID: t.CategoryID, Name: t.CategoryID}
	}

	ok, err := c.forwarder.Forward(ctx, t, from, target, adminOnly, c.channels.user(ctx, id.UserID))
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotThread
	}
	if err := c.platform.DeleteChannel(ctx, channelID); err != nil {
		c.log.Warn("delete forwarded thread channel", zap.String("channel_id", channelID), zap.Error(err))
	}
	if dm, err := c.platform.DirectChannel(ctx, t.AuthorID); err == nil {
		c.tell(ctx, dm, noticeForwarded(target))
	}
	return nil
}

// History lists the previous threads of the requester in channelID.
func (c *Controller) History(ctx context.Context, id perms.Identity, channelID string) (string, []models.Thread, error) {
	t, err := c.threadFor(ctx, id, channelID)
	if err != nil {
		return "", nil, err
	}
	threads, err := c.registry.History(ctx, t.AuthorID, 10)
	return t.AuthorID, threads, err
}

// Mute mutes targetID in categoryID for d.
func (c *Controller) Mute(ctx context.Context, id perms.Identity, categoryID, targetID string, d time.Duration, reason string) (*models.MuteStatus, error) {
	if err := c.check(ctx, id, categoryID, perms.LevelMod); err != nil {
		return nil, err
	}
	if targetID == "" || targetID == id.UserID || targetID == c.platform.BotUserID() {
		return nil, ErrInvalidMuteTarget
	}
	if d <= 0 {
		return nil, ErrInvalidDuration
	}
	st, err := c.mutes.Add(ctx, targetID, categoryID, time.Now().Add(d), reason, id.UserID)
	if errors.Is(err, mute.ErrInvalidTill) {
		return nil, ErrInvalidDuration
	}
	return st, err
}

// Unmute lifts targetID's mute in categoryID. It reports false if there
// was no effective mute.
func (c *Controller) Unmute(ctx context.Context, id perms.Identity, categoryID, targetID string) (bool, error) {
	if err := c.check(ctx, id, categoryID, perms.LevelMod); err != nil {
		return false, err
	}
	return c.mutes.Remove(ctx, targetID, categoryID)
}

// ListCategories returns every category of the guild for elevated
// callers and the public active ones for everyone else.
func (c *Controller) ListCategories(ctx context.Context, id perms.Identity) ([]models.Category, error) {
	elevated, err := c.guard.Elevated(ctx, id)
	if err != nil {
		return nil, err
	}
	if elevated {
		return c.categories.List(ctx, c.guildID)
	}
	active, err := c.categories.ListActive(ctx, c.guildID)
	if err != nil {
		return nil, err
	}
	out := active[:0]
	for _, cat := range active {
		if !cat.IsPrivate {
			out = append(out, cat)
		}
	}
	return out, nil
}

// SetRole registers a guild role at level in the named category. The
// caller must be admin there.
func (c *Controller) SetRole(ctx context.Context, id perms.Identity, categoryName, roleID, level string) error {
	if _, err := perms.ParseLevel(level); err != nil {
		return category.ErrInvalidLevel
	}
	cat, err := c.activeCategory(ctx, categoryName)
	if err != nil {
		return err
	}
	if err := c.check(ctx, id, cat.ID, perms.LevelAdmin); err != nil {
		return err
	}
	if _, err := c.platform.Role(ctx, c.guildID, roleID); err != nil {
		if errors.Is(err, platform.ErrNotFound) {
			return ErrInvalidRole
		}
		return err
	}
	return c.categories.SetRole(ctx, cat.ID, roleID, level)
}

// RemoveRole unregisters a role from the named category.
func (c *Controller) RemoveRole(ctx context.Context, id perms.Identity, categoryName, roleID string) (bool, error) {
	cat, err := c.activeCategory(ctx, categoryName)
	if err != nil {
		return false, err
	}
	if err := c.check(ctx, id, cat.ID, perms.LevelAdmin); err != nil {
		return false, err
	}
	return c.categories.RemoveRole(ctx, cat.ID, roleID)
}

// StandardReply sends the named canned response as a reply.
func (c *Controller) StandardReply(ctx context.Context, id perms.Identity, channelID, name string, anonymous bool) (*models.Message, error) {
	if _, err := c.threadFor(ctx, id, channelID); err != nil {
		return nil, err
	}
	r, err := c.replies.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	return c.Reply(ctx, id, channelID, r.Reply, anonymous)
}

// AddStandardReply stores a canned response. Admins only.
func (c *Controller) AddStandardReply(ctx context.Context, id perms.Identity, name, text string) (*models.StandardReply, error) {
	if err := c.requireElevated(ctx, id); err != nil {
		return nil, err
	}
	return c.replies.Add(ctx, name, text)
}

// RemoveStandardReply deletes a canned response. Admins only.
func (c *Controller) RemoveStandardReply(ctx context.Context, id perms.Identity, name string) (bool, error) {
	if err := c.requireElevated(ctx, id); err != nil {
		return false, err
	}
	return c.replies.Remove(ctx, name)
}

// ListStandardReplies returns all canned responses.
func (c *Controller) ListStandardReplies(ctx context.Context) ([]models.StandardReply, error) {
	return c.replies.List(ctx)
}

// describe turns an operation error into a message for staff. It reports
// false for errors that are not an expected refusal.
func describe(err error) (string, bool) {
	var denied *DeniedError
	var partial *relay.PartialRelayError
	switch {
	case errors.As(err, &denied):
		return "Permission denied: " + denied.Reason + ".", true
	case errors.As(err, &partial):
		return "Reply only partly delivered: " + partial.Error(), true
	case errors.Is(err, ErrNotThread):
		return "This channel is not an open thread.", true
	case errors.Is(err, ErrInvalidCategory):
		return "No such active category.", true
	case errors.Is(err, ErrInvalidMuteTarget):
		return "That user cannot be muted.", true
	case errors.Is(err, ErrInvalidDuration), errors.Is(err, errBadDuration):
		return "Invalid duration: " + errBadDuration.Error() + ".", true
	case errors.Is(err, ErrInvalidRole):
		return "No such role in this server.", true
	case errors.Is(err, category.ErrInvalidLevel):
		return "Level must be mod or admin.", true
	case errors.Is(err, ErrEmptyMessage):
		return "Nothing to send.", true
	case errors.Is(err, ErrNoReply):
		return "You have no reply in this thread.", true
	case errors.Is(err, ErrMuted):
		return "The requester is muted in that category.", true
	case errors.Is(err, thread.ErrCapacityExceeded):
		return "That category is full.", true
	case errors.Is(err, mute.ErrAlreadyMuted):
		return "That user is already muted in this category.", true
	case errors.Is(err, ErrReplyExists):
		return "A standard reply with that name already exists.", true
	case errors.Is(err, ErrUnknownReply):
		return "No standard reply with that name.", true
	default:
		return "Something went wrong. The error was logged.", false
	}
}
