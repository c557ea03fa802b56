// Package relay moves messages between a requester's DM and their thread
// channel, and persists every relayed message, edit and attachment.
package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/zulandar/modmail/internal/db"
	"github.com/zulandar/modmail/internal/models"
	"github.com/zulandar/modmail/internal/platform"
)

// DefaultEditRetries bounds retries when concurrent edits race for the
// same version number.
const DefaultEditRetries = 5

var (
	ErrNotFound = errors.New("relay: message not found")
	ErrDeleted  = errors.New("relay: message is deleted")
)

// PartialRelayError reports an outbound relay where exactly one of the two
// sends failed. The successful half was kept and persisted.
type PartialRelayError struct {
	DirectErr error // requester DM send
	ThreadErr error // thread channel send
}

func (e *PartialRelayError) Error() string {
	switch {
	case e.DirectErr != nil && e.ThreadErr != nil:
		return fmt.Sprintf("relay: dm and thread sends failed: %v; %v", e.DirectErr, e.ThreadErr)
	case e.DirectErr != nil:
		return fmt.Sprintf("relay: dm send failed: %v", e.DirectErr)
	default:
		return fmt.Sprintf("relay: thread send failed: %v", e.ThreadErr)
	}
}

func (e *PartialRelayError) Unwrap() []error {
	return multierr.Errors(multierr.Combine(e.DirectErr, e.ThreadErr))
}

// Platform is the platform surface the relay needs.
type Platform interface {
	platform.Messenger
	User(ctx context.Context, userID string) (platform.User, error)
}

// RelayOpts holds parameters for creating a Relay.
type RelayOpts struct {
	DB          *gorm.DB
	Platform    Platform
	Logger      *zap.Logger
	EditRetries int
}

// Relay sends and records thread messages.
type Relay struct {
	db          *gorm.DB
	platform    Platform
	log         *zap.Logger
	editRetries int
}

// New creates a Relay.
func New(opts RelayOpts) (*Relay, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("relay: db is required")
	}
	if opts.Platform == nil {
		return nil, fmt.Errorf("relay: platform is required")
	}
	if opts.EditRetries <= 0 {
		opts.EditRetries = DefaultEditRetries
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Relay{db: opts.DB, platform: opts.Platform, log: log, editRetries: opts.EditRetries}, nil
}

// RelayInbound forwards a requester's DM into the thread channel and
// records it. Attachments are stored as their own rows and forwarded one
// by one; link content gets a passive warning. Attachment and warning
// failures are logged and do not fail the relay.
func (r *Relay) RelayInbound(ctx context.Context, t *models.Thread, msg platform.Message) (*models.Message, error) {
	from := SenderFromUser(msg.Author)
	id, err := r.platform.Send(ctx, t.ChannelID, RenderInbound(from, msg.Content, nil, false))
	if err != nil {
		return nil, fmt.Errorf("relay: inbound: %w", err)
	}

	clientID := msg.ID
	m := &models.Message{
		ModmailID: id,
		ClientID:  &clientID,
		SenderID:  msg.Author.ID,
		ThreadID:  t.ID,
		Content:   msg.Content,
		CreatedAt: timestamp(msg.Timestamp),
	}
	if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
		return nil, fmt.Errorf("relay: inbound: persist: %w", err)
	}

	var errs error
	for _, at := range msg.Attachments {
		a := models.Attachment{
			MessageID: id,
			SenderID:  msg.Author.ID,
			Name:      at.Filename,
			SourceURL: at.URL,
			Kind:      AttachmentKind(at.Filename),
		}
		if err := r.db.WithContext(ctx).Create(&a).Error; err != nil {
			errs = multierr.Append(errs, fmt.Errorf("persist attachment %s: %w", at.Filename, err))
			continue
		}
		m.Attachments = append(m.Attachments, a)
		if _, err := r.platform.Send(ctx, t.ChannelID, RenderAttachment(from, a)); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("forward attachment %s: %w", at.Filename, err))
		}
	}
	if ContainsLink(msg.Content) {
		if _, err := r.platform.Send(ctx, t.ChannelID, RenderLinkWarning()); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("link warning: %w", err))
		}
	}
	if errs != nil {
		r.log.Warn("inbound relay incomplete",
			zap.String("thread_id", t.ID), zap.String("message_id", id), zap.Error(errs))
	}
	return m, nil
}

// RelayOutbound sends a staff reply to the requester's DM and to the
// thread channel. If both sends fail nothing is stored. If one fails the
// other is kept, persisted, and a *PartialRelayError is returned alongside
// the message.
func (r *Relay) RelayOutbound(ctx context.Context, t *models.Thread, staff platform.User, content string, anonymous bool) (*models.Message, error) {
	from := SenderFromUser(staff)

	var dmID string
	dmChannel, dmErr := r.platform.DirectChannel(ctx, t.AuthorID)
	if dmErr == nil {
		dmID, dmErr = r.platform.Send(ctx, dmChannel, RenderOutboundDirect(from, content, anonymous))
	}
	threadID, threadErr := r.platform.Send(ctx, t.ChannelID, RenderOutboundThread(from, content, anonymous, nil, false))

	if dmErr != nil && threadErr != nil {
		return nil, fmt.Errorf("relay: outbound: %w", multierr.Combine(dmErr, threadErr))
	}

	m := &models.Message{
		ModmailID: threadID,
		SenderID:  staff.ID,
		ThreadID:  t.ID,
		Content:   content,
		Anonymous: anonymous,
		CreatedAt: time.Now(),
	}
	if dmErr == nil {
		m.ClientID = &dmID
	}
	if threadErr != nil {
		m.ModmailID = dmID
	}
	if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
		return nil, fmt.Errorf("relay: outbound: persist: %w", err)
	}
	if dmErr != nil || threadErr != nil {
		return m, &PartialRelayError{DirectErr: dmErr, ThreadErr: threadErr}
	}
	return m, nil
}

// RecordInternal stores staff chat in the thread channel as an internal
// note. Nothing is sent.
func (r *Relay) RecordInternal(ctx context.Context, t *models.Thread, msg platform.Message) (*models.Message, error) {
	m := &models.Message{
		ModmailID: msg.ID,
		SenderID:  msg.Author.ID,
		ThreadID:  t.ID,
		Content:   msg.Content,
		Internal:  true,
		CreatedAt: timestamp(msg.Timestamp),
	}
	for _, at := range msg.Attachments {
		m.Attachments = append(m.Attachments, models.Attachment{
			SenderID:  msg.Author.ID,
			Name:      at.Filename,
			SourceURL: at.URL,
			Kind:      AttachmentKind(at.Filename),
		})
	}
	if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
		return nil, fmt.Errorf("relay: record internal: %w", err)
	}
	return m, nil
}

// Lookup returns a message by its thread-side or DM-side ID, with edits
// and attachments.
func (r *Relay) Lookup(ctx context.Context, id string) (*models.Message, error) {
	var m models.Message
	err := r.preloaded(ctx).
		Where("modmail_id = ? OR client_id = ?", id, id).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("relay: lookup: %w", err)
	}
	return &m, nil
}

// LastReply returns the newest live reply senderID relayed in a thread.
func (r *Relay) LastReply(ctx context.Context, threadID, senderID string) (*models.Message, error) {
	var m models.Message
	err := r.preloaded(ctx).
		Where("thread_id = ? AND sender_id = ? AND internal = ? AND is_deleted = ?", threadID, senderID, false, false).
		Order("created_at DESC, modmail_id DESC").
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("relay: last reply: %w", err)
	}
	return &m, nil
}

func (r *Relay) preloaded(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).
		Preload("Edits", func(tx *gorm.DB) *gorm.DB { return tx.Order("version ASC") }).
		Preload("Attachments")
}

// EditMessage replaces a message's content, recording the prior content as
// the next Edit version. Identical content is ignored and reported as
// false. Versions are computed inside the transaction and a unique-index
// conflict from a concurrent edit is retried.
func (r *Relay) EditMessage(ctx context.Context, modmailID, content string) (bool, error) {
	var changed bool
	var err error
	for attempt := 0; attempt < r.editRetries; attempt++ {
		changed, err = r.appendEdit(ctx, modmailID, content)
		if err == nil || !db.IsDuplicate(err) {
			break
		}
		r.log.Debug("edit version conflict, retrying",
			zap.String("message_id", modmailID), zap.Int("attempt", attempt+1))
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrDeleted) {
		return false, err
	}
	if err != nil {
		return false, fmt.Errorf("relay: edit: %w", err)
	}
	if !changed {
		return false, nil
	}
	if err := r.rerender(ctx, modmailID); err != nil {
		r.log.Warn("edit persisted but re-render failed", zap.String("message_id", modmailID), zap.Error(err))
	}
	return true, nil
}

func (r *Relay) appendEdit(ctx context.Context, modmailID, content string) (bool, error) {
	changed := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur models.Message
		if err := tx.Where("modmail_id = ?", modmailID).First(&cur).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if cur.IsDeleted {
			return ErrDeleted
		}
		if cur.Content == content {
			return nil
		}
		var maxVersion int
		if err := tx.Model(&models.Edit{}).
			Where("message_id = ?", modmailID).
			Select("COALESCE(MAX(version), 0)").
			Scan(&maxVersion).Error; err != nil {
			return err
		}
		edit := models.Edit{MessageID: modmailID, Version: maxVersion + 1, Content: cur.Content}
		if err := tx.Create(&edit).Error; err != nil {
			return err
		}
		if err := tx.Model(&cur).Update("content", content).Error; err != nil {
			return err
		}
		changed = true
		return nil
	})
	return changed, err
}

// MarkDeleted flags a message deleted and re-renders the thread copy with
// a deleted marker. The thread copy is never removed. It reports false if
// the message was already deleted.
func (r *Relay) MarkDeleted(ctx context.Context, modmailID string) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("modmail_id = ? AND is_deleted = ?", modmailID, false).
		Update("is_deleted", true)
	if result.Error != nil {
		return false, fmt.Errorf("relay: mark deleted: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return false, nil
	}
	if err := r.rerender(ctx, modmailID); err != nil {
		r.log.Warn("delete persisted but re-render failed", zap.String("message_id", modmailID), zap.Error(err))
	}
	return true, nil
}

// RetractReply marks a staff reply deleted and removes its DM copy.
func (r *Relay) RetractReply(ctx context.Context, m *models.Message) error {
	if _, err := r.MarkDeleted(ctx, m.ModmailID); err != nil {
		return err
	}
	if m.ClientID == nil {
		return nil
	}
	var t models.Thread
	if err := r.db.WithContext(ctx).Where("id = ?", m.ThreadID).First(&t).Error; err != nil {
		return fmt.Errorf("relay: retract: thread: %w", err)
	}
	dm, err := r.platform.DirectChannel(ctx, t.AuthorID)
	if err != nil {
		return fmt.Errorf("relay: retract: %w", err)
	}
	if err := r.platform.DeleteMessage(ctx, dm, *m.ClientID); err != nil {
		return fmt.Errorf("relay: retract: %w", err)
	}
	return nil
}

// rerender refreshes the bot-owned copies of a message from the database.
// Internal notes are the staff member's own messages and are left alone.
func (r *Relay) rerender(ctx context.Context, modmailID string) error {
	var m models.Message
	if err := r.preloaded(ctx).Where("modmail_id = ?", modmailID).First(&m).Error; err != nil {
		return err
	}
	if m.Internal {
		return nil
	}
	var t models.Thread
	if err := r.db.WithContext(ctx).Where("id = ?", m.ThreadID).First(&t).Error; err != nil {
		return err
	}
	from := r.sender(ctx, m.SenderID)

	if m.SenderID == t.AuthorID {
		return r.platform.Edit(ctx, t.ChannelID, m.ModmailID, RenderInbound(from, m.Content, m.Edits, m.IsDeleted))
	}

	var errs error
	if m.ClientID == nil || *m.ClientID != m.ModmailID {
		errs = multierr.Append(errs, r.platform.Edit(ctx, t.ChannelID, m.ModmailID,
			RenderOutboundThread(from, m.Content, m.Anonymous, m.Edits, m.IsDeleted)))
	}
	if m.ClientID != nil && !m.IsDeleted {
		dm, err := r.platform.DirectChannel(ctx, t.AuthorID)
		if err == nil {
			err = r.platform.Edit(ctx, dm, *m.ClientID, RenderOutboundDirect(from, m.Content, m.Anonymous))
		}
		errs = multierr.Append(errs, err)
	}
	return errs
}

// sender resolves display details, falling back to the bare ID.
func (r *Relay) sender(ctx context.Context, userID string) Sender {
	u, err := r.platform.User(ctx, userID)
	if err != nil {
		return Sender{ID: userID, Name: userID}
	}
	return SenderFromUser(u)
}

func timestamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}
