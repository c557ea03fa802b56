package category

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/zulandar/modmail/internal/models"
	"github.com/zulandar/modmail/internal/perms"
	"github.com/zulandar/modmail/internal/platform"
)

// ErrNoCategories is returned by Select when nothing is selectable.
var ErrNoCategories = errors.New("category: no categories available")

// DefaultPromptTime bounds how long Select waits for a reaction.
const DefaultPromptTime = 30 * time.Second

// State is a step of the selection state machine.
type State int

const (
	Idle State = iota
	Prompted
	Selected
	TimedOut
	Invalid
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Prompted:
		return "prompted"
	case Selected:
		return "selected"
	case TimedOut:
		return "timed_out"
	case Invalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Result is the terminal state of one selection. Category is set only
// when State is Selected.
type Result struct {
	State    State
	Category *models.Category
	Emoji    string
}

// Elevator decides whether a requester may see private categories.
type Elevator interface {
	Elevated(ctx context.Context, id perms.Identity) (bool, error)
}

// Prompter is the platform surface the selector needs.
type Prompter interface {
	platform.Messenger
	platform.Reactions
}

// SelectorOpts holds parameters for creating a Selector.
type SelectorOpts struct {
	Store      *Store
	Platform   Prompter
	Elevator   Elevator
	GuildID    string
	PromptTime time.Duration
	Logger     *zap.Logger
}

// Selector prompts requesters to pick a category by reaction.
type Selector struct {
	store      *Store
	platform   Prompter
	elevator   Elevator
	guildID    string
	promptTime time.Duration
	log        *zap.Logger
}

// NewSelector creates a Selector.
func NewSelector(opts SelectorOpts) (*Selector, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("category: selector: store is required")
	}
	if opts.Platform == nil {
		return nil, fmt.Errorf("category: selector: platform is required")
	}
	if opts.GuildID == "" {
		return nil, fmt.Errorf("category: selector: guild id is required")
	}
	if opts.PromptTime <= 0 {
		opts.PromptTime = DefaultPromptTime
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Selector{
		store:      opts.Store,
		platform:   opts.Platform,
		elevator:   opts.Elevator,
		guildID:    opts.GuildID,
		promptTime: opts.PromptTime,
		log:        log,
	}, nil
}

// Visible returns the active categories requester may pick from. Private
// categories are included only for elevated requesters.
func (s *Selector) Visible(ctx context.Context, requester perms.Identity) ([]models.Category, error) {
	all, err := s.store.ListActive(ctx, s.guildID)
	if err != nil {
		return nil, err
	}
	elevated := false
	if s.elevator != nil {
		if elevated, err = s.elevator.Elevated(ctx, requester); err != nil {
			s.log.Warn("elevation check failed, hiding private categories",
				zap.String("user_id", requester.UserID), zap.Error(err))
			elevated = false
		}
	}
	out := all[:0]
	for _, c := range all {
		if c.IsPrivate && !elevated {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// Select runs Idle -> Prompted -> {Selected | TimedOut | Invalid} for one
// requester in their DM channel.
func (s *Selector) Select(ctx context.Context, requester perms.Identity, dmChannelID string) (Result, error) {
	res := Result{State: Idle}
	cats, err := s.Visible(ctx, requester)
	if err != nil {
		return res, err
	}
	if len(cats) == 0 {
		return res, ErrNoCategories
	}

	promptID, err := s.platform.Send(ctx, dmChannelID, promptMessage(cats, s.promptTime))
	if err != nil {
		return res, fmt.Errorf("category: send prompt: %w", err)
	}
	// Watch before reacting so an early click is not missed.
	reactions, stop := s.platform.WatchReactions(promptID, requester.UserID)
	defer stop()
	res.State = Prompted

	for _, c := range cats {
		if err := s.platform.React(ctx, dmChannelID, promptID, c.Emoji); err != nil {
			return res, fmt.Errorf("category: add reaction %s: %w", c.Emoji, err)
		}
	}

	timer := time.NewTimer(s.promptTime)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return res, ctx.Err()
	case <-timer.C:
		res.State = TimedOut
		return res, nil
	case emoji := <-reactions:
		res.Emoji = emoji
		for i := range cats {
			if cats[i].Emoji == emoji {
				res.State = Selected
				res.Category = &cats[i]
				return res, nil
			}
		}
		res.State = Invalid
		return res, nil
	}
}

func promptMessage(cats []models.Category, wait time.Duration) platform.Outbound {
	embed := platform.Embed{
		Title:       "Choose a category",
		Description: "React with the emoji of the team you want to reach.",
		Color:       "#5865f2",
		Footer:      fmt.Sprintf("This prompt expires in %s.", wait.Round(time.Second)),
	}
	for _, c := range cats {
		value := c.Description
		if value == "" {
			value = "\u200b"
		}
		embed.Fields = append(embed.Fields, platform.Field{
			Name:  c.Emoji + " " + c.Name,
			Value: value,
		})
	}
	return platform.Outbound{Embeds: []platform.Embed{embed}}
}
