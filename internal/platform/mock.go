package platform

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// SentMessage records one Send call on the Mock.
type SentMessage struct {
	ChannelID string
	MessageID string
	Msg       Outbound
}

// EditedMessage records one Edit call on the Mock.
type EditedMessage struct {
	ChannelID string
	MessageID string
	Msg       Outbound
}

// Mock implements Platform for testing. It records outbound calls, serves
// users, members, roles and channels from in-memory tables, and lets tests
// inject failures and simulate inbound events and reactions.
type Mock struct {
	mu        sync.Mutex
	connected bool
	closed    bool
	events    chan Event
	botUserID string
	nextID    int

	sent      []SentMessage
	edits     []EditedMessage
	deleted   []string // "channelID:messageID"
	reactions []string // "channelID:messageID:emoji"

	channels map[string]Channel
	users    map[string]User
	members  map[string]map[string]Member // guild -> user -> member
	roles    map[string]map[string]Role   // guild -> role -> role

	failSend   map[string]error // channelID -> error
	failCreate error
	onCreate   func(ChannelSpec)
	autoReact  map[string]string // userID -> emoji
	watchers   map[string][]*mockWatcher
}

type mockWatcher struct {
	userID string
	ch     chan string
}

// NewMock creates a Mock with a buffered event channel.
func NewMock(botUserID string) *Mock {
	return &Mock{
		events:    make(chan Event, 100),
		botUserID: botUserID,
		channels:  make(map[string]Channel),
		users:     make(map[string]User),
		members:   make(map[string]map[string]Member),
		roles:     make(map[string]map[string]Role),
		failSend:  make(map[string]error),
		autoReact: make(map[string]string),
		watchers:  make(map[string][]*mockWatcher),
	}
}

// newID returns fixed-width increasing IDs so lexical order matches
// creation order, the same way snowflakes behave.
func (m *Mock) newID() string {
	m.nextID++
	return fmt.Sprintf("9%017d", m.nextID)
}

// Connect marks the mock as connected.
func (m *Mock) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("mock platform: already closed")
	}
	m.connected = true
	return nil
}

// Listen returns the event channel. Must be called after Connect.
func (m *Mock) Listen(ctx context.Context) (<-chan Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, fmt.Errorf("mock platform: not connected")
	}
	return m.events, nil
}

// Close shuts down the mock and closes the event channel.
func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.connected = false
	close(m.events)
	return nil
}

// BotUserID returns the configured bot user ID.
func (m *Mock) BotUserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.botUserID
}

// Send records the message and returns a generated ID.
func (m *Mock) Send(ctx context.Context, channelID string, msg Outbound) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failSend[channelID]; err != nil {
		return "", err
	}
	id := m.newID()
	m.sent = append(m.sent, SentMessage{ChannelID: channelID, MessageID: id, Msg: msg})
	return id, nil
}

// Edit records the edit.
func (m *Mock) Edit(ctx context.Context, channelID, messageID string, msg Outbound) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failSend[channelID]; err != nil {
		return err
	}
	m.edits = append(m.edits, EditedMessage{ChannelID: channelID, MessageID: messageID, Msg: msg})
	return nil
}

// DeleteMessage records the deletion.
func (m *Mock) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failSend[channelID]; err != nil {
		return err
	}
	m.deleted = append(m.deleted, channelID+":"+messageID)
	return nil
}

// DirectChannel returns "dm-<userID>".
func (m *Mock) DirectChannel(ctx context.Context, userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := DirectChannelID(userID)
	if _, ok := m.channels[id]; !ok {
		m.channels[id] = Channel{ID: id, Name: userID, Kind: ChannelDirect}
	}
	return id, nil
}

// DirectChannelID is the DM channel ID the Mock assigns to a user.
func DirectChannelID(userID string) string { return "dm-" + userID }

// CreateChannel records a text channel built from spec.
func (m *Mock) CreateChannel(ctx context.Context, spec ChannelSpec) (string, error) {
	m.mu.Lock()
	hook := m.onCreate
	m.mu.Unlock()
	if hook != nil {
		hook(spec)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreate != nil {
		return "", m.failCreate
	}
	id := m.newID()
	m.channels[id] = Channel{
		ID:         id,
		GuildID:    spec.GuildID,
		ParentID:   spec.ParentID,
		Name:       spec.Name,
		Topic:      spec.Topic,
		Kind:       ChannelText,
		Overwrites: spec.Overwrites,
	}
	return id, nil
}

// DeleteChannel removes a channel.
func (m *Mock) DeleteChannel(ctx context.Context, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.channels[channelID]; !ok {
		return fmt.Errorf("mock platform: delete channel %s: %w", channelID, ErrNotFound)
	}
	delete(m.channels, channelID)
	return nil
}

// React records the reaction.
func (m *Mock) React(ctx context.Context, channelID, messageID, emoji string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reactions = append(m.reactions, channelID+":"+messageID+":"+emoji)
	return nil
}

// WatchReactions registers a watcher. If an auto-reaction is configured for
// userID it is delivered immediately.
func (m *Mock) WatchReactions(messageID, userID string) (<-chan string, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := &mockWatcher{userID: userID, ch: make(chan string, 4)}
	m.watchers[messageID] = append(m.watchers[messageID], w)
	if emoji, ok := m.autoReact[userID]; ok {
		w.ch <- emoji
	}
	var once sync.Once
	return w.ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			ws := m.watchers[messageID]
			for i, x := range ws {
				if x == w {
					m.watchers[messageID] = append(ws[:i], ws[i+1:]...)
					break
				}
			}
			if len(m.watchers[messageID]) == 0 {
				delete(m.watchers, messageID)
			}
		})
	}
}

// User returns a registered user.
func (m *Mock) User(ctx context.Context, userID string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return User{}, fmt.Errorf("mock platform: user %s: %w", userID, ErrNotFound)
	}
	return u, nil
}

// Member returns a registered guild member.
func (m *Mock) Member(ctx context.Context, guildID, userID string) (Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mem, ok := m.members[guildID][userID]
	if !ok {
		return Member{}, fmt.Errorf("mock platform: member %s/%s: %w", guildID, userID, ErrNotFound)
	}
	return mem, nil
}

// Members pages registered members by user ID.
func (m *Mock) Members(ctx context.Context, guildID, after string, limit int) ([]Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.members[guildID]))
	for id := range m.members[guildID] {
		if after == "" || id > after {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]Member, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.members[guildID][id])
	}
	return out, nil
}

// Role returns a registered role.
func (m *Mock) Role(ctx context.Context, guildID, roleID string) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles[guildID][roleID]
	if !ok {
		return Role{}, fmt.Errorf("mock platform: role %s/%s: %w", guildID, roleID, ErrNotFound)
	}
	return r, nil
}

// Channel returns a created or registered channel.
func (m *Mock) Channel(ctx context.Context, channelID string) (Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.channels[channelID]
	if !ok {
		return Channel{}, fmt.Errorf("mock platform: channel %s: %w", channelID, ErrNotFound)
	}
	return c, nil
}

// --- Test helpers ---

// AddUser registers a user.
func (m *Mock) AddUser(u User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	m.users[u.ID] = u
}

// AddMember registers a guild member, and its user if unknown.
func (m *Mock) AddMember(guildID string, u User, roles ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.ID]; !ok {
		m.users[u.ID] = u
	}
	if m.members[guildID] == nil {
		m.members[guildID] = make(map[string]Member)
	}
	m.members[guildID][u.ID] = Member{User: u, GuildID: guildID, Roles: roles, JoinedAt: time.Now()}
}

// AddRole registers a guild role.
func (m *Mock) AddRole(r Role) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.roles[r.GuildID] == nil {
		m.roles[r.GuildID] = make(map[string]Role)
	}
	m.roles[r.GuildID][r.ID] = r
}

// AddChannel registers a pre-existing channel.
func (m *Mock) AddChannel(c Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[c.ID] = c
}

// FailSend makes Send, Edit and DeleteMessage on channelID return err.
// A nil err clears the failure.
func (m *Mock) FailSend(channelID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failSend, channelID)
		return
	}
	m.failSend[channelID] = err
}

// FailCreateChannel makes CreateChannel return err. A nil err clears it.
func (m *Mock) FailCreateChannel(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failCreate = err
}

// OnCreateChannel runs fn at the start of every CreateChannel call, before
// the channel exists. fn may call back into the Mock.
func (m *Mock) OnCreateChannel(fn func(ChannelSpec)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCreate = fn
}

// AutoReact makes every future reaction watch for userID receive emoji.
func (m *Mock) AutoReact(userID, emoji string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoReact[userID] = emoji
}

// SimulateReaction delivers emoji to watchers of messageID for userID.
// It reports whether any watcher received it.
func (m *Mock) SimulateReaction(messageID, userID, emoji string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	delivered := false
	for _, w := range m.watchers[messageID] {
		if w.userID != userID {
			continue
		}
		select {
		case w.ch <- emoji:
			delivered = true
		default:
		}
	}
	return delivered
}

// Watching reports the number of active reaction watchers.
func (m *Mock) Watching() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ws := range m.watchers {
		n += len(ws)
	}
	return n
}

// SimulateEvent pushes an event as if it came from the platform.
func (m *Mock) SimulateEvent(ev Event) {
	if ev.Message.Timestamp.IsZero() {
		ev.Message.Timestamp = time.Now()
	}
	m.events <- ev
}

// Sent returns a copy of all sent messages.
func (m *Mock) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

// SentTo returns messages sent to one channel, in order.
func (m *Mock) SentTo(channelID string) []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SentMessage
	for _, s := range m.sent {
		if s.ChannelID == channelID {
			out = append(out, s)
		}
	}
	return out
}

// LastSent returns the most recently sent message.
func (m *Mock) LastSent() (SentMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return SentMessage{}, false
	}
	return m.sent[len(m.sent)-1], true
}

// Edits returns a copy of all recorded edits.
func (m *Mock) Edits() []EditedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EditedMessage, len(m.edits))
	copy(out, m.edits)
	return out
}

// Deleted returns recorded deletions as "channelID:messageID".
func (m *Mock) Deleted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deleted...)
}

// Reactions returns recorded reactions as "channelID:messageID:emoji".
func (m *Mock) Reactions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.reactions...)
}

// HasChannel reports whether channelID exists.
func (m *Mock) HasChannel(channelID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.channels[channelID]
	return ok
}

// GuildChannels returns the text channels created in guildID whose name
// has the given prefix.
func (m *Mock) GuildChannels(guildID, prefix string) []Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Channel
	for _, c := range m.channels {
		if c.GuildID == guildID && c.Kind == ChannelText && strings.HasPrefix(c.Name, prefix) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
