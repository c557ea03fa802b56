package modmail

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/zulandar/modmail/internal/models"
	"github.com/zulandar/modmail/internal/platform"
	"github.com/zulandar/modmail/internal/relay"
	"github.com/zulandar/modmail/internal/thread"
)

func TestForward_ReplaysHistoryInOrder(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	th := f.open(t)
	oldChannel := th.ChannelID

	if _, err := f.ctrl.Reply(ctx, f.identity(jane), oldChannel, "what is your order number?", false); err != nil {
		t.Fatal(err)
	}
	note := platform.Message{ID: "990000000000000001", ChannelID: oldChannel, GuildID: testGuild, Author: jane, Content: "probably billing"}
	if err := f.ctrl.HandleStaffMessage(ctx, note); err != nil {
		t.Fatal(err)
	}
	if _, err := f.ctrl.HandleDirect(ctx, dm("1001", "it is 42")); err != nil {
		t.Fatal(err)
	}
	if err := f.ctrl.HandleDirectEdit(ctx, dm("1001", "it is 43")); err != nil {
		t.Fatal(err)
	}

	if err := f.ctrl.Forward(ctx, f.identity(jane), oldChannel, "billing", false); err != nil {
		t.Fatalf("Forward: %v", err)
	}

	moved, err := f.ctrl.Registry().GetByAuthor(ctx, alice.ID)
	if err != nil {
		t.Fatal(err)
	}
	if moved.ID != th.ID {
		t.Errorf("thread id changed: %s -> %s", th.ID, moved.ID)
	}
	if moved.CategoryID != f.billing.ID || moved.ChannelID == oldChannel {
		t.Errorf("thread = %+v, want repointed to billing", moved)
	}
	if f.mock.HasChannel(oldChannel) {
		t.Error("old channel not deleted")
	}
	ch, err := f.mock.Channel(ctx, moved.ChannelID)
	if err != nil {
		t.Fatalf("new channel missing: %v", err)
	}
	if ch.ParentID != "cat-billing" {
		t.Errorf("ParentID = %q, want cat-billing", ch.ParentID)
	}

	sent := f.mock.SentTo(moved.ChannelID)
	wantFooters := []string{
		"Requester | " + alice.ID,
		"Staff reply | " + jane.ID,
		"Internal note | " + jane.ID,
		"Requester | " + alice.ID,
	}
	if len(sent) != 1+len(wantFooters) {
		t.Fatalf("new channel got %d messages, want %d", len(sent), 1+len(wantFooters))
	}
	if sent[0].Msg.Embeds[0].Title != "Forwarded thread" {
		t.Errorf("header title = %q", sent[0].Msg.Embeds[0].Title)
	}
	for i, want := range wantFooters {
		if got := sent[i+1].Msg.Embeds[0].Footer; got != want {
			t.Errorf("replayed[%d] footer = %q, want %q", i, got, want)
		}
	}
	if desc := sent[4].Msg.Embeds[0].Description; !strings.Contains(desc, "it is 43") || !strings.Contains(desc, "Version 1: it is 42") {
		t.Errorf("edited message replay = %q, want current content and version trail", desc)
	}

	dmSent := f.mock.SentTo(platform.DirectChannelID(alice.ID))
	if got := dmSent[len(dmSent)-1].Msg.Embeds[0].Title; got != "Thread moved" {
		t.Errorf("last DM title = %q, want Thread moved", got)
	}
}

func TestForward_SkipsUnknownSender(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	th := f.open(t)
	ghost := platform.Message{ID: "990000000000000002", ChannelID: th.ChannelID, GuildID: testGuild,
		Author: platform.User{ID: "777", Username: "ghost"}, Content: "left the server"}
	if err := f.ctrl.HandleStaffMessage(ctx, ghost); err != nil {
		t.Fatal(err)
	}

	if err := f.ctrl.Forward(ctx, f.identity(jane), th.ChannelID, "billing", false); err != nil {
		t.Fatal(err)
	}
	moved, _ := f.ctrl.Registry().GetByAuthor(ctx, alice.ID)
	// Header plus alice's message; the ghost note is skipped.
	if sent := f.mock.SentTo(moved.ChannelID); len(sent) != 2 {
		t.Errorf("new channel got %d messages, want 2", len(sent))
	}
}

func TestForward_AdminOnlyChannel(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	th := f.open(t)

	if err := f.ctrl.Forward(ctx, f.identity(jane), th.ChannelID, "billing", true); err != nil {
		t.Fatal(err)
	}
	moved, _ := f.ctrl.Registry().GetByAuthor(ctx, alice.ID)
	if !moved.IsAdminOnly {
		t.Error("thread not marked admin-only")
	}
	ch, _ := f.mock.Channel(ctx, moved.ChannelID)
	if len(ch.Overwrites) == 0 {
		t.Fatal("admin-only channel has no overwrites")
	}
	if ch.Overwrites[0].Subject != platform.SubjectEveryone {
		t.Errorf("first overwrite subject = %q, want everyone", ch.Overwrites[0].Subject)
	}

	// Mods can no longer act in the admin-only thread.
	var denied *DeniedError
	if _, err := f.ctrl.Reply(ctx, f.identity(jane), moved.ChannelID, "hi", false); !errors.As(err, &denied) {
		t.Errorf("mod reply err = %v, want DeniedError", err)
	}
	if _, err := f.ctrl.Reply(ctx, f.identity(boss), moved.ChannelID, "hi", false); err != nil {
		t.Errorf("admin reply: %v", err)
	}
}

func TestForward_Refusals(t *testing.T) {
	t.Run("muted in target", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{})
		ctx := context.Background()
		th := f.open(t)
		if _, err := f.ctrl.Mutes().Add(ctx, alice.ID, f.billing.ID, time.Now().Add(time.Hour), "", boss.ID); err != nil {
			t.Fatal(err)
		}
		if err := f.ctrl.Forward(ctx, f.identity(jane), th.ChannelID, "billing", false); !errors.Is(err, ErrMuted) {
			t.Errorf("err = %v, want ErrMuted", err)
		}
		if !f.mock.HasChannel(th.ChannelID) {
			t.Error("original channel deleted on refused forward")
		}
		if n := len(f.mock.GuildChannels(testGuild, "")); n != 1 {
			t.Errorf("channels = %d, want 1", n)
		}
	})

	t.Run("target full", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{maxThreads: 1})
		ctx := context.Background()
		th := f.open(t)
		if _, err := f.ctrl.Registry().Open(ctx, thread.OpenOpts{AuthorID: "555", ChannelID: "pre", CategoryID: f.billing.ID}); err != nil {
			t.Fatal(err)
		}
		if err := f.ctrl.Forward(ctx, f.identity(jane), th.ChannelID, "billing", false); !errors.Is(err, thread.ErrCapacityExceeded) {
			t.Errorf("err = %v, want ErrCapacityExceeded", err)
		}
		cur, _ := f.ctrl.Registry().GetByAuthor(ctx, alice.ID)
		if cur.CategoryID != f.support.ID {
			t.Errorf("thread moved despite refusal")
		}
	})

	t.Run("unknown category", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{})
		th := f.open(t)
		if err := f.ctrl.Forward(context.Background(), f.identity(jane), th.ChannelID, "sales", false); !errors.Is(err, ErrInvalidCategory) {
			t.Errorf("err = %v, want ErrInvalidCategory", err)
		}
	})
}

func TestReplayRendering(t *testing.T) {
	sender := relay.SenderFromUser(jane)
	tests := []struct {
		name   string
		msg    models.Message
		footer string
	}{
		{"internal", models.Message{SenderID: jane.ID, Internal: true}, "Internal note"},
		{"requester", models.Message{SenderID: alice.ID}, "Requester"},
		{"staff", models.Message{SenderID: jane.ID}, "Staff reply"},
		{"anonymous staff", models.Message{SenderID: jane.ID, Anonymous: true}, "Staff reply (anonymous)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := replayRendering(sender, &tt.msg, alice.ID)
			if got := out.Embeds[0].Footer; !strings.HasPrefix(got, tt.footer+" |") {
				t.Errorf("footer = %q, want prefix %q", got, tt.footer)
			}
			if out.Embeds[0].Title != "" {
				t.Errorf("title = %q on a live message", out.Embeds[0].Title)
			}

			deleted := tt.msg
			deleted.IsDeleted = true
			e := replayRendering(sender, &deleted, alice.ID).Embeds[0]
			if e.Title != "Message deleted" || e.Color != relay.ColorDeleted {
				t.Errorf("deleted replay = %q/%s, want Message deleted/%s", e.Title, e.Color, relay.ColorDeleted)
			}
		})
	}
}
