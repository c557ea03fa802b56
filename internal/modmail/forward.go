package modmail

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/zulandar/modmail/internal/models"
	"github.com/zulandar/modmail/internal/mute"
	"github.com/zulandar/modmail/internal/perms"
	"github.com/zulandar/modmail/internal/platform"
	"github.com/zulandar/modmail/internal/relay"
	"github.com/zulandar/modmail/internal/thread"
)

// ErrMuted is returned when the requester is muted in the target category.
var ErrMuted = errors.New("modmail: requester is muted in that category")

// channelMaker creates thread channels under a category's parent channel.
type channelMaker struct {
	platform Platform
	planner  *perms.Planner
	guildID  string
}

// create makes the channel for author's thread in cat. Admin-only
// channels get the planner's overwrites.
func (cm *channelMaker) create(ctx context.Context, cat *models.Category, author platform.User, adminOnly bool) (string, error) {
	spec := platform.ChannelSpec{
		GuildID: cm.guildID,
		Name:    channelName(author),
		Topic:   fmt.Sprintf("Modmail thread for %s (%s)", author.Username, author.ID),
	}
	if cat.ChannelID != nil {
		spec.ParentID = *cat.ChannelID
	}
	if adminOnly {
		ows, err := cm.planner.Plan(ctx, cm.guildID, cat.ID)
		if err != nil {
			return "", err
		}
		spec.Overwrites = ows
	}
	id, err := cm.platform.CreateChannel(ctx, spec)
	if err != nil {
		return "", fmt.Errorf("modmail: create channel: %w", err)
	}
	return id, nil
}

// user resolves a platform user, falling back to a bare ID.
func (cm *channelMaker) user(ctx context.Context, userID string) platform.User {
	u, err := cm.platform.User(ctx, userID)
	if err != nil {
		return platform.User{ID: userID, Username: userID}
	}
	return u
}

// Forwarder moves an open thread to another category and replays its
// history into the new channel.
type Forwarder struct {
	channels *channelMaker
	registry *thread.Registry
	mutes    *mute.Gate
	log      *zap.Logger
}

// Forward moves t to target. It refuses when the author is muted in target
// or target is full. The new channel is deleted if the thread cannot be
// repointed. On success t is updated in place and the caller is
// responsible for deleting the old channel.
func (f *Forwarder) Forward(ctx context.Context, t *models.Thread, from, target *models.Category, isAdminOnly bool, by platform.User) (bool, error) {
	muted, err := f.mutes.IsMuted(ctx, t.AuthorID, target.ID)
	if err != nil {
		return false, err
	}
	if muted {
		return false, ErrMuted
	}
	if target.ID != t.CategoryID {
		if err := f.registry.CheckCapacity(ctx, target.ID); err != nil {
			return false, err
		}
	}

	author := f.channels.user(ctx, t.AuthorID)
	newChannel, err := f.channels.create(ctx, target, author, isAdminOnly)
	if err != nil {
		return false, err
	}

	ok, err := f.registry.Forward(ctx, t.ID, target.ID, newChannel, isAdminOnly)
	if err != nil || !ok {
		if derr := f.channels.platform.DeleteChannel(ctx, newChannel); derr != nil {
			f.log.Warn("delete orphaned forward channel", zap.String("channel_id", newChannel), zap.Error(derr))
		}
		return false, err
	}
	oldChannel := t.ChannelID
	t.CategoryID, t.ChannelID, t.IsAdminOnly = target.ID, newChannel, isAdminOnly

	replayed, skipped := f.replay(ctx, t, author, from, target, by)
	f.log.Info("thread forwarded",
		zap.String("thread_id", t.ID),
		zap.String("from_channel", oldChannel),
		zap.String("to_channel", newChannel),
		zap.Int("replayed", replayed),
		zap.Int("skipped", skipped),
	)
	return true, nil
}

// replay posts the thread's history into its new channel in original
// order. Messages whose sender cannot be resolved are skipped, and send
// failures are logged and skipped.
func (f *Forwarder) replay(ctx context.Context, t *models.Thread, author platform.User, from, to *models.Category, by platform.User) (int, int) {
	msgs, err := f.registry.Messages(ctx, t.ID)
	if err != nil {
		f.log.Error("load history for replay", zap.String("thread_id", t.ID), zap.Error(err))
		return 0, 0
	}
	if _, err := f.channels.platform.Send(ctx, t.ChannelID, forwardHeader(author, from, to, by, len(msgs))); err != nil {
		f.log.Warn("send forward header", zap.String("thread_id", t.ID), zap.Error(err))
	}

	senders := map[string]*relay.Sender{}
	replayed, skipped := 0, 0
	for i := range msgs {
		m := &msgs[i]
		sender, ok := senders[m.SenderID]
		if !ok {
			u, err := f.channels.platform.User(ctx, m.SenderID)
			if err == nil {
				s := relay.SenderFromUser(u)
				sender = &s
			}
			senders[m.SenderID] = sender
		}
		if sender == nil {
			f.log.Debug("skipping message with unknown sender",
				zap.String("message_id", m.ModmailID), zap.String("sender_id", m.SenderID))
			skipped++
			continue
		}
		if _, err := f.channels.platform.Send(ctx, t.ChannelID, replayRendering(*sender, m, t.AuthorID)); err != nil {
			f.log.Warn("replay message", zap.String("message_id", m.ModmailID), zap.Error(err))
			skipped++
			continue
		}
		for _, a := range m.Attachments {
			if _, err := f.channels.platform.Send(ctx, t.ChannelID, relay.RenderAttachment(*sender, a)); err != nil {
				f.log.Warn("replay attachment", zap.String("message_id", m.ModmailID), zap.Error(err))
			}
		}
		replayed++
	}
	return replayed, skipped
}
