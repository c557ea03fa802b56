package modmail

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/zulandar/modmail/internal/category"
	"github.com/zulandar/modmail/internal/db"
	"github.com/zulandar/modmail/internal/models"
	"github.com/zulandar/modmail/internal/perms"
	"github.com/zulandar/modmail/internal/platform"
	"github.com/zulandar/modmail/internal/thread"
)

const testGuild = "900"

var (
	alice = platform.User{ID: "100", Username: "alice"}
	jane  = platform.User{ID: "200", Username: "mod-jane"}
	boss  = platform.User{ID: "300", Username: "boss"}
)

type fixture struct {
	ctrl    *Controller
	mock    *platform.Mock
	db      *gorm.DB
	support *models.Category
	billing *models.Category
}

type fixtureOpts struct {
	maxThreads int
	logChannel string
}

// newFixture builds a controller over a mock guild: jane is mod in both
// categories, boss is admin in both, alice is a plain requester.
func newFixture(t *testing.T, opts fixtureOpts) *fixture {
	t.Helper()
	gdb, err := db.OpenTest()
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	mock := platform.NewMock("bot")
	mock.AddUser(alice)
	mock.AddRole(platform.Role{ID: "r-mod", GuildID: testGuild, Name: "Mods"})
	mock.AddRole(platform.Role{ID: "r-admin", GuildID: testGuild, Name: "Admins"})
	mock.AddMember(testGuild, jane, "r-mod")
	mock.AddMember(testGuild, boss, "r-admin")

	ctrl, err := NewController(ControllerOpts{
		DB:         gdb,
		Platform:   mock,
		GuildID:    testGuild,
		LogChannel: opts.logChannel,
		MaxThreads: opts.maxThreads,
		PromptTime: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}

	ctx := context.Background()
	store := ctrl.Categories()
	support, err := store.Create(ctx, category.CreateOpts{GuildID: testGuild, Name: "support", Emoji: "🛟", ChannelID: "cat-support"})
	if err != nil {
		t.Fatal(err)
	}
	billing, err := store.Create(ctx, category.CreateOpts{GuildID: testGuild, Name: "billing", Emoji: "💳", ChannelID: "cat-billing"})
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range []*models.Category{support, billing} {
		if err := store.SetRole(ctx, c.ID, "r-mod", models.LevelMod); err != nil {
			t.Fatal(err)
		}
		if err := store.SetRole(ctx, c.ID, "r-admin", models.LevelAdmin); err != nil {
			t.Fatal(err)
		}
	}
	return &fixture{ctrl: ctrl, mock: mock, db: gdb, support: support, billing: billing}
}

func dm(id, content string) platform.Message {
	return platform.Message{
		ID:        id,
		ChannelID: platform.DirectChannelID(alice.ID),
		Author:    alice,
		Content:   content,
		Timestamp: time.Now(),
	}
}

func (f *fixture) identity(u platform.User) perms.Identity {
	return f.ctrl.Identity(context.Background(), u.ID)
}

// open runs scenario A for alice and returns her thread.
func (f *fixture) open(t *testing.T) *models.Thread {
	t.Helper()
	f.mock.AutoReact(alice.ID, "🛟")
	out, err := f.ctrl.HandleDirect(context.Background(), dm("1000", "hello"))
	if err != nil {
		t.Fatalf("HandleDirect: %v", err)
	}
	if out != OutcomeOpened {
		t.Fatalf("outcome = %s, want opened", out)
	}
	th, err := f.ctrl.Registry().GetByAuthor(context.Background(), alice.ID)
	if err != nil {
		t.Fatalf("GetByAuthor: %v", err)
	}
	return th
}

func TestNewController_Validation(t *testing.T) {
	mock := platform.NewMock("bot")
	gdb, err := db.OpenTest()
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name string
		opts ControllerOpts
	}{
		{"no db", ControllerOpts{Platform: mock, GuildID: testGuild}},
		{"no platform", ControllerOpts{DB: gdb, GuildID: testGuild}},
		{"no guild", ControllerOpts{DB: gdb, Platform: mock}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewController(tt.opts); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestHandleDirect_OpensThread(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	th := f.open(t)

	if th.CategoryID != f.support.ID {
		t.Errorf("CategoryID = %q, want support", th.CategoryID)
	}
	ch, err := f.mock.Channel(ctx, th.ChannelID)
	if err != nil {
		t.Fatalf("thread channel not created: %v", err)
	}
	if ch.ParentID != "cat-support" {
		t.Errorf("ParentID = %q, want cat-support", ch.ParentID)
	}
	if ch.Name != "alice-100" {
		t.Errorf("channel name = %q, want alice-100", ch.Name)
	}

	msgs, err := f.ctrl.Registry().Messages(ctx, th.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Content != "hello" {
		t.Fatalf("messages = %+v, want one 'hello'", msgs)
	}
	if msgs[0].ClientID == nil || *msgs[0].ClientID != "1000" {
		t.Errorf("ClientID = %v, want 1000", msgs[0].ClientID)
	}

	// Header, then the relayed message.
	sent := f.mock.SentTo(th.ChannelID)
	if len(sent) != 2 {
		t.Fatalf("thread channel got %d messages, want 2", len(sent))
	}
	if sent[0].Msg.Embeds[0].Title != "New thread" {
		t.Errorf("first message title = %q, want New thread", sent[0].Msg.Embeds[0].Title)
	}

	out, err := f.ctrl.HandleDirect(ctx, dm("1001", "more detail"))
	if err != nil {
		t.Fatal(err)
	}
	if out != OutcomeRelayed {
		t.Errorf("second DM outcome = %s, want relayed", out)
	}
	msgs, _ = f.ctrl.Registry().Messages(ctx, th.ID)
	if len(msgs) != 2 {
		t.Errorf("messages = %d, want 2", len(msgs))
	}
}

func TestHandleDirect_SelectionFailures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fixture)
		want  Outcome
	}{
		{"timed out", func(f *fixture) {}, OutcomeTimedOut},
		{"unknown emoji", func(f *fixture) { f.mock.AutoReact(alice.ID, "🍕") }, OutcomeInvalid},
		{"no categories", func(f *fixture) {
			ctx := context.Background()
			f.ctrl.Categories().Deactivate(ctx, f.support.ID)
			f.ctrl.Categories().Deactivate(ctx, f.billing.ID)
		}, OutcomeNoCategories},
		{"muted", func(f *fixture) {
			f.mock.AutoReact(alice.ID, "🛟")
			if _, err := f.ctrl.Mutes().Add(context.Background(), alice.ID, f.support.ID, time.Now().Add(time.Hour), "spam", jane.ID); err != nil {
				panic(err)
			}
		}, OutcomeMuted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, fixtureOpts{})
			tt.setup(f)
			out, err := f.ctrl.HandleDirect(context.Background(), dm("1000", "hello"))
			if err != nil {
				t.Fatalf("HandleDirect: %v", err)
			}
			if out != tt.want {
				t.Errorf("outcome = %s, want %s", out, tt.want)
			}
			if chans := f.mock.GuildChannels(testGuild, ""); len(chans) != 0 {
				t.Errorf("created %d channels, want none", len(chans))
			}
			if _, err := f.ctrl.Registry().GetByAuthor(context.Background(), alice.ID); !errors.Is(err, thread.ErrNotFound) {
				t.Errorf("GetByAuthor err = %v, want ErrNotFound", err)
			}
			if last, ok := f.mock.LastSent(); !ok || last.ChannelID != platform.DirectChannelID(alice.ID) {
				t.Errorf("last message = %+v, want a notice to the requester", last)
			}
		})
	}
}

func TestHandleDirect_NoCategoriesSkipsPrompt(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	f.ctrl.Categories().Deactivate(ctx, f.support.ID)
	f.ctrl.Categories().Deactivate(ctx, f.billing.ID)

	if _, err := f.ctrl.HandleDirect(ctx, dm("1000", "hello")); err != nil {
		t.Fatal(err)
	}
	if r := f.mock.Reactions(); len(r) != 0 {
		t.Errorf("reactions = %v, want none", r)
	}
}

func TestHandleDirect_CapacityRejectsThirtyFirst(t *testing.T) {
	f := newFixture(t, fixtureOpts{maxThreads: 30})
	ctx := context.Background()
	for i := 0; i < 30; i++ {
		_, err := f.ctrl.Registry().Open(ctx, thread.OpenOpts{
			AuthorID:   fmt.Sprintf("5%02d", i),
			ChannelID:  fmt.Sprintf("pre-%02d", i),
			CategoryID: f.support.ID,
		})
		if err != nil {
			t.Fatalf("seed thread %d: %v", i, err)
		}
	}

	f.mock.AutoReact(alice.ID, "🛟")
	out, err := f.ctrl.HandleDirect(ctx, dm("1000", "hello"))
	if err != nil {
		t.Fatal(err)
	}
	if out != OutcomeAtCapacity {
		t.Errorf("outcome = %s, want at_capacity", out)
	}
	if chans := f.mock.GuildChannels(testGuild, ""); len(chans) != 0 {
		t.Errorf("created %d channels, want none", len(chans))
	}
	n, _ := f.ctrl.Registry().CountActiveInCategory(ctx, f.support.ID)
	if n != 30 {
		t.Errorf("active threads = %d, want 30", n)
	}
}

func TestHandleDirect_ConcurrentDMsOpenOneThread(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.mock.AutoReact(alice.ID, "🛟")
	ctx := context.Background()

	const n = 8
	outcomes := make([]Outcome, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := f.ctrl.HandleDirect(ctx, dm(fmt.Sprintf("20%02d", i), fmt.Sprintf("msg %d", i)))
			if err != nil {
				t.Errorf("HandleDirect %d: %v", i, err)
			}
			outcomes[i] = out
		}(i)
	}
	wg.Wait()

	opened := 0
	for _, o := range outcomes {
		switch o {
		case OutcomeOpened:
			opened++
		case OutcomeRelayed:
		default:
			t.Errorf("unexpected outcome %s", o)
		}
	}
	if opened != 1 {
		t.Errorf("opened = %d, want 1", opened)
	}
	if chans := f.mock.GuildChannels(testGuild, ""); len(chans) != 1 {
		t.Errorf("channels = %d, want 1", len(chans))
	}
	var active int64
	f.db.Model(&models.Thread{}).Where("author_id = ? AND is_active = ?", alice.ID, true).Count(&active)
	if active != 1 {
		t.Errorf("active threads = %d, want 1", active)
	}
	th, err := f.ctrl.Registry().GetByAuthor(ctx, alice.ID)
	if err != nil {
		t.Fatal(err)
	}
	msgs, _ := f.ctrl.Registry().Messages(ctx, th.ID)
	if len(msgs) != n {
		t.Errorf("messages = %d, want %d", len(msgs), n)
	}
}

func TestHandleDirect_MutedAfterOpen(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	th := f.open(t)
	if _, err := f.ctrl.Mutes().Add(ctx, alice.ID, f.support.ID, time.Now().Add(time.Hour), "", jane.ID); err != nil {
		t.Fatal(err)
	}
	out, err := f.ctrl.HandleDirect(ctx, dm("1001", "still there?"))
	if err != nil {
		t.Fatal(err)
	}
	if out != OutcomeMuted {
		t.Errorf("outcome = %s, want muted", out)
	}
	msgs, _ := f.ctrl.Registry().Messages(ctx, th.ID)
	if len(msgs) != 1 {
		t.Errorf("messages = %d, want 1", len(msgs))
	}
}

func TestHandleDirect_ChannelCreateFailure(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.mock.AutoReact(alice.ID, "🛟")
	f.mock.FailCreateChannel(errors.New("missing permissions"))
	if _, err := f.ctrl.HandleDirect(context.Background(), dm("1000", "hello")); err == nil {
		t.Fatal("expected error")
	}
	if _, err := f.ctrl.Registry().GetByAuthor(context.Background(), alice.ID); !errors.Is(err, thread.ErrNotFound) {
		t.Errorf("thread recorded despite failed channel: %v", err)
	}
}

func TestHandleDirect_LosesOpenRace(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	f.mock.AutoReact(alice.ID, "🛟")

	// Another process opens alice's thread while this one creates its channel.
	author := alice.ID
	f.mock.OnCreateChannel(func(platform.ChannelSpec) {
		rival := &models.Thread{
			ID:             "rival-thread",
			AuthorID:       author,
			ActiveAuthorID: &author,
			ChannelID:      "rival-channel",
			CategoryID:     f.support.ID,
			IsActive:       true,
		}
		if err := f.db.Create(rival).Error; err != nil {
			t.Errorf("insert rival thread: %v", err)
		}
	})

	outcome, err := f.ctrl.HandleDirect(ctx, dm("1000", "hello"))
	if err != nil {
		t.Fatalf("HandleDirect: %v", err)
	}
	if outcome != OutcomeDuplicate {
		t.Errorf("outcome = %v, want duplicate", outcome)
	}

	if chans := f.mock.GuildChannels(testGuild, "alice"); len(chans) != 0 {
		t.Errorf("orphaned channel left behind: %+v", chans)
	}
	var n int64
	f.db.Model(&models.Message{}).Count(&n)
	if n != 0 {
		t.Errorf("stored %d messages, want 0", n)
	}
	if sent := f.mock.SentTo("rival-channel"); len(sent) != 0 {
		t.Errorf("message relayed into the winning thread: %+v", sent)
	}

	dms := f.mock.SentTo(platform.DirectChannelID(alice.ID))
	last := dms[len(dms)-1]
	if len(last.Msg.Embeds) == 0 || last.Msg.Embeds[0].Title != "Message not delivered" {
		t.Errorf("last DM = %+v, want duplicate notice", last.Msg)
	}

	th, err := f.ctrl.Registry().GetByAuthor(ctx, alice.ID)
	if err != nil || th.ID != "rival-thread" {
		t.Errorf("active thread = %v, %v; want rival-thread", th, err)
	}
}

func TestHandleDirectEditAndDelete(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	th := f.open(t)

	edited := dm("1000", "hello, edited")
	if err := f.ctrl.HandleDirectEdit(ctx, edited); err != nil {
		t.Fatal(err)
	}
	msgs, _ := f.ctrl.Registry().Messages(ctx, th.ID)
	if msgs[0].Content != "hello, edited" {
		t.Errorf("content = %q", msgs[0].Content)
	}
	if len(msgs[0].Edits) != 1 || msgs[0].Edits[0].Version != 1 || msgs[0].Edits[0].Content != "hello" {
		t.Errorf("edits = %+v, want version 1 'hello'", msgs[0].Edits)
	}

	if err := f.ctrl.HandleDirectDelete(ctx, "1000"); err != nil {
		t.Fatal(err)
	}
	msgs, _ = f.ctrl.Registry().Messages(ctx, th.ID)
	if !msgs[0].IsDeleted {
		t.Error("message not marked deleted")
	}

	// Unknown messages are ignored.
	if err := f.ctrl.HandleDirectEdit(ctx, dm("9999", "x")); err != nil {
		t.Errorf("edit of unknown message: %v", err)
	}
}

func TestHandleStaffMessage_RecordsInternalNote(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	th := f.open(t)

	note := platform.Message{ID: "990000000000000001", ChannelID: th.ChannelID, GuildID: testGuild, Author: jane, Content: "checking logs"}
	if err := f.ctrl.HandleStaffMessage(ctx, note); err != nil {
		t.Fatal(err)
	}
	note.Content = "checked logs"
	if err := f.ctrl.HandleStaffEdit(ctx, note); err != nil {
		t.Fatal(err)
	}
	msgs, _ := f.ctrl.Registry().Messages(ctx, th.ID)
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	if !msgs[1].Internal || msgs[1].ClientID != nil {
		t.Errorf("note = %+v, want internal without client id", msgs[1])
	}
	if msgs[1].Content != "checked logs" {
		t.Errorf("note content = %q", msgs[1].Content)
	}

	// Chat outside thread channels is not recorded.
	other := platform.Message{ID: "3001", ChannelID: "general", GuildID: testGuild, Author: jane, Content: "hi"}
	if err := f.ctrl.HandleStaffMessage(ctx, other); err != nil {
		t.Fatal(err)
	}
	var count int64
	f.db.Model(&models.Message{}).Count(&count)
	if count != 2 {
		t.Errorf("stored messages = %d, want 2", count)
	}
}
