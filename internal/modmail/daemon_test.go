package modmail

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/modmail/internal/bridge"
	"github.com/zulandar/modmail/internal/config"
	"github.com/zulandar/modmail/internal/db"
	"github.com/zulandar/modmail/internal/platform"
)

// syncBuffer is a bytes.Buffer safe for the daemon goroutine and the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte("guild:\n  id: \"" + testGuild + "\"\nlimits:\n  prompt_time_sec: 1\n"))
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func waitFor(t *testing.T, cond func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestNewDaemon_Validation(t *testing.T) {
	gdb, err := db.OpenTest()
	if err != nil {
		t.Fatal(err)
	}
	cfg := testConfig(t)
	mock := platform.NewMock("bot")
	tests := []struct {
		name string
		opts DaemonOpts
		want string
	}{
		{"nil db", DaemonOpts{Config: cfg, Platform: mock}, "db is required"},
		{"nil config", DaemonOpts{DB: gdb, Platform: mock}, "config is required"},
		{"nil platform", DaemonOpts{DB: gdb, Config: cfg}, "platform is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDaemon(tt.opts)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

// daemonFixture runs a daemon over the standard fixture's database and mock.
type daemonFixture struct {
	*fixture
	out    *syncBuffer
	cancel context.CancelFunc
	done   chan error
}

func startDaemon(t *testing.T, transport bridge.Transport) *daemonFixture {
	t.Helper()
	f := newFixture(t, fixtureOpts{})
	out := &syncBuffer{}
	d, err := NewDaemon(DaemonOpts{
		DB:        f.db,
		Config:    testConfig(t),
		Platform:  f.mock,
		Transport: transport,
		Out:       out,
	})
	if err != nil {
		t.Fatalf("NewDaemon: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	waitFor(t, func() bool { return strings.Contains(out.String(), "Modmail online") }, 2*time.Second)
	return &daemonFixture{fixture: f, out: out, cancel: cancel, done: done}
}

func (df *daemonFixture) stop(t *testing.T) {
	t.Helper()
	df.cancel()
	select {
	case err := <-df.done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Run to return")
	}
}

func TestRun_ConnectsAndShutdown(t *testing.T) {
	df := startDaemon(t, nil)
	if !strings.Contains(df.out.String(), "RPC responder disabled") {
		t.Errorf("output = %q, want responder notice", df.out.String())
	}
	df.stop(t)
	output := df.out.String()
	for _, want := range []string{"Modmail connecting", "Modmail shutting down", "Modmail stopped"} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q: %s", want, output)
		}
	}
}

func TestRun_InboundClosed(t *testing.T) {
	df := startDaemon(t, nil)
	df.mock.Close()
	select {
	case err := <-df.done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Run to return")
	}
	if !strings.Contains(df.out.String(), "inbound channel closed") {
		t.Errorf("output = %s", df.out.String())
	}
	df.cancel()
}

func TestRun_RoutesEvents(t *testing.T) {
	df := startDaemon(t, nil)
	defer df.stop(t)
	ctx := context.Background()
	df.mock.AutoReact(alice.ID, "🛟")

	df.mock.SimulateEvent(platform.Event{Kind: platform.MessageCreated, Message: dm("1000", "hello")})
	var threadChannel string
	waitFor(t, func() bool {
		th, err := df.ctrl.Registry().GetByAuthor(ctx, alice.ID)
		if err != nil {
			return false
		}
		threadChannel = th.ChannelID
		msgs, _ := df.ctrl.Registry().Messages(ctx, th.ID)
		return len(msgs) == 1
	}, 2*time.Second)

	// A staff command gets its answer posted in the channel.
	df.mock.SimulateEvent(platform.Event{Kind: platform.MessageCreated, Message: staffMsg(jane, threadChannel, "=history")})
	waitFor(t, func() bool {
		for _, s := range df.mock.SentTo(threadChannel) {
			if strings.Contains(s.Msg.Content, "no previous threads") {
				return true
			}
		}
		return false
	}, 2*time.Second)

	// Plain staff chat becomes an internal note; bot messages are ignored.
	note := staffMsg(jane, threadChannel, "internal remark")
	note.ID = "990000000000000010"
	df.mock.SimulateEvent(platform.Event{Kind: platform.MessageCreated, Message: note})
	botMsg := staffMsg(platform.User{ID: "bot", Bot: true}, threadChannel, "echo")
	botMsg.ID = "990000000000000011"
	df.mock.SimulateEvent(platform.Event{Kind: platform.MessageCreated, Message: botMsg})
	waitFor(t, func() bool {
		_, err := df.ctrl.relay.Lookup(ctx, note.ID)
		return err == nil
	}, 2*time.Second)
	if _, err := df.ctrl.relay.Lookup(ctx, botMsg.ID); err == nil {
		t.Error("bot message was recorded")
	}

	// Events from another guild are ignored.
	foreign := staffMsg(jane, threadChannel, "=close")
	foreign.GuildID = "other"
	df.mock.SimulateEvent(platform.Event{Kind: platform.MessageCreated, Message: foreign})

	// A requester edit is relayed.
	df.mock.SimulateEvent(platform.Event{Kind: platform.MessageUpdated, Message: dm("1000", "hello again")})
	waitFor(t, func() bool {
		m, err := df.ctrl.relay.Lookup(ctx, "1000")
		return err == nil && m.Content == "hello again"
	}, 2*time.Second)
	if _, err := df.ctrl.Registry().GetByAuthor(ctx, alice.ID); err != nil {
		t.Errorf("thread closed by a foreign-guild command: %v", err)
	}
}

// requesterEmbeds returns the descriptions of requester messages relayed to
// channelID, in send order.
func requesterEmbeds(mock *platform.Mock, channelID string) []string {
	var out []string
	for _, s := range mock.SentTo(channelID) {
		for _, e := range s.Msg.Embeds {
			if strings.HasPrefix(e.Footer, "Requester") {
				out = append(out, e.Description)
			}
		}
	}
	return out
}

func TestRun_RelaysBurstInOrder(t *testing.T) {
	df := startDaemon(t, nil)
	defer df.stop(t)
	ctx := context.Background()
	df.mock.AutoReact(alice.ID, "🛟")

	df.mock.SimulateEvent(platform.Event{Kind: platform.MessageCreated, Message: dm("1000", "hello")})
	var threadChannel string
	waitFor(t, func() bool {
		th, err := df.ctrl.Registry().GetByAuthor(ctx, alice.ID)
		if err != nil {
			return false
		}
		threadChannel = th.ChannelID
		return len(requesterEmbeds(df.mock, threadChannel)) == 1
	}, 2*time.Second)

	const n = 60
	for i := range n {
		df.mock.SimulateEvent(platform.Event{
			Kind:    platform.MessageCreated,
			Message: dm(fmt.Sprintf("2%03d", i), fmt.Sprintf("m%02d", i)),
		})
	}
	// An edit queued right behind its create must find the stored message.
	df.mock.SimulateEvent(platform.Event{Kind: platform.MessageUpdated, Message: dm(fmt.Sprintf("2%03d", n-1), "last, edited")})

	waitFor(t, func() bool { return len(requesterEmbeds(df.mock, threadChannel)) == n+1 }, 5*time.Second)
	got := requesterEmbeds(df.mock, threadChannel)[1:]
	for i, desc := range got {
		if want := fmt.Sprintf("m%02d", i); desc != want {
			t.Fatalf("relayed message %d = %q, want %q (order %v)", i, desc, want, got)
		}
	}

	waitFor(t, func() bool {
		m, err := df.ctrl.relay.Lookup(ctx, fmt.Sprintf("2%03d", n-1))
		return err == nil && m.Content == "last, edited"
	}, 2*time.Second)
}

func TestRun_ServesBridgeRequests(t *testing.T) {
	transport := bridge.NewMemoryTransport()
	df := startDaemon(t, transport)
	defer df.stop(t)

	cfg := testConfig(t)
	req, err := bridge.NewRequester(bridge.RequesterOpts{
		Transport:       transport,
		RequestChannel:  cfg.Redis.RequestChannel,
		ResponseChannel: cfg.Redis.ResponseChannel,
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := req.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer req.Close()
	waitFor(t, func() bool { return transport.Subscribers(cfg.Redis.RequestChannel) == 1 }, 2*time.Second)

	page, err := req.AllMemberStates(ctx, testGuild, df.support.ID, "", 10)
	if err != nil {
		t.Fatalf("AllMemberStates: %v", err)
	}
	levels := map[string]string{}
	for _, st := range page.Members {
		levels[st.Member.User.ID] = st.Level
	}
	if levels[jane.ID] != "mod" || levels[boss.ID] != "admin" {
		t.Errorf("levels = %v, want jane mod and boss admin", levels)
	}
}
