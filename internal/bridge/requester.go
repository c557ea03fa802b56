package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/zulandar/modmail/internal/platform"
)

// Defaults applied when RequesterOpts leaves a bound unset.
const (
	DefaultMaxListeners    = 25
	DefaultMaxResponseTime = 5 * time.Second
)

// RequesterOpts configures a Requester.
type RequesterOpts struct {
	Transport       Transport
	RequestChannel  string
	ResponseChannel string
	MaxListeners    int
	MaxResponseTime time.Duration
	Logger          *zap.Logger
}

// Requester issues correlated requests and waits for their responses.
// At most MaxListeners transactions are outstanding; further callers block
// until a slot frees or their context ends.
type Requester struct {
	transport Transport
	reqCh     string
	resCh     string
	timeout   time.Duration
	sem       *semaphore.Weighted
	logger    *zap.Logger

	mu      sync.Mutex
	pending map[string]chan Response
	sub     Subscription
	wg      sync.WaitGroup
}

// NewRequester creates a Requester. Call Start before Transaction.
func NewRequester(opts RequesterOpts) (*Requester, error) {
	if opts.Transport == nil {
		return nil, errors.New("bridge: transport is required")
	}
	if opts.RequestChannel == "" || opts.ResponseChannel == "" {
		return nil, errors.New("bridge: request and response channels are required")
	}
	if opts.MaxListeners <= 0 {
		opts.MaxListeners = DefaultMaxListeners
	}
	if opts.MaxResponseTime <= 0 {
		opts.MaxResponseTime = DefaultMaxResponseTime
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Requester{
		transport: opts.Transport,
		reqCh:     opts.RequestChannel,
		resCh:     opts.ResponseChannel,
		timeout:   opts.MaxResponseTime,
		sem:       semaphore.NewWeighted(int64(opts.MaxListeners)),
		logger:    opts.Logger.Named("requester"),
		pending:   make(map[string]chan Response),
	}, nil
}

// Start subscribes to the response channel and routes responses to
// waiting transactions until Close.
func (r *Requester) Start(ctx context.Context) error {
	sub, err := r.transport.Subscribe(ctx, r.resCh)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.sub = sub
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for payload := range sub.Messages() {
			var resp Response
			if err := unmarshal(payload, &resp); err != nil {
				r.logger.Warn("undecodable response", zap.Error(err))
				continue
			}
			r.deliver(resp)
		}
	}()
	return nil
}

// Close stops routing responses. Outstanding transactions time out.
func (r *Requester) Close() error {
	r.mu.Lock()
	sub := r.sub
	r.sub = nil
	r.mu.Unlock()
	if sub == nil {
		return nil
	}
	err := sub.Close()
	r.wg.Wait()
	return err
}

// Pending returns the number of registered listeners.
func (r *Requester) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// deliver routes resp to its listener. Responses for unknown ids,
// including those whose transaction already timed out, are dropped.
func (r *Requester) deliver(resp Response) bool {
	r.mu.Lock()
	ch, ok := r.pending[resp.ID]
	if ok {
		delete(r.pending, resp.ID)
	}
	r.mu.Unlock()
	if !ok {
		r.logger.Debug("dropping response with no listener", zap.String("id", resp.ID))
		return false
	}
	ch <- resp
	return true
}

func (r *Requester) listen(id string) chan Response {
	ch := make(chan Response, 1)
	r.mu.Lock()
	r.pending[id] = ch
	r.mu.Unlock()
	return ch
}

func (r *Requester) forget(id string) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

// Transaction sends task with args and decodes the response data into
// out, which may be nil. It returns ErrTimeout when no response arrives
// within the response window and *RemoteError when the responder reports
// a failure.
func (r *Requester) Transaction(ctx context.Context, task Task, args []any, out any) error {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("bridge: %s: acquire slot: %w", task, err)
	}
	defer r.sem.Release(1)

	if args == nil {
		args = []any{}
	}
	id := uuid.NewString()
	payload, err := marshal(Request{ID: id, Task: task, Args: args})
	if err != nil {
		return fmt.Errorf("bridge: %s: encode: %w", task, err)
	}

	ch := r.listen(id)
	defer r.forget(id)

	if err := r.transport.Publish(ctx, r.reqCh, payload); err != nil {
		return fmt.Errorf("bridge: %s: %w", task, err)
	}

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	var resp Response
	select {
	case resp = <-ch:
	case <-timer.C:
		r.logger.Warn("request timed out", zap.String("task", string(task)), zap.String("id", id))
		return fmt.Errorf("bridge: %s: %w", task, ErrTimeout)
	case <-ctx.Done():
		return fmt.Errorf("bridge: %s: %w", task, ctx.Err())
	}

	if resp.Error != nil {
		return &RemoteError{Task: task, Code: resp.Error.Code, Message: resp.Error.Message}
	}
	if out != nil && len(resp.Data) > 0 {
		if err := unmarshal(resp.Data, out); err != nil {
			return fmt.Errorf("bridge: %s: decode: %w", task, err)
		}
	}
	return nil
}

// RolesOfMember returns the guild roles held by a member.
func (r *Requester) RolesOfMember(ctx context.Context, guildID, memberID string) ([]platform.Role, error) {
	var roles []platform.Role
	err := r.Transaction(ctx, TaskRolesOfMember, []any{guildID, memberID}, &roles)
	return roles, err
}

// MemberState returns a guild member.
func (r *Requester) MemberState(ctx context.Context, guildID, memberID string) (platform.Member, error) {
	var m platform.Member
	err := r.Transaction(ctx, TaskMemberState, []any{guildID, memberID}, &m)
	return m, err
}

// AllMemberStates returns one page of members with their staff role in
// categoryID resolved.
func (r *Requester) AllMemberStates(ctx context.Context, guildID, categoryID, after string, limit int) (MemberPage, error) {
	var page MemberPage
	err := r.Transaction(ctx, TaskAllMemberStates, []any{guildID, categoryID, after, limit}, &page)
	return page, err
}

// UserState returns a platform user.
func (r *Requester) UserState(ctx context.Context, userID string) (platform.User, error) {
	var u platform.User
	err := r.Transaction(ctx, TaskUserState, []any{userID}, &u)
	return u, err
}

// RoleState returns a guild role.
func (r *Requester) RoleState(ctx context.Context, guildID, roleID string) (platform.Role, error) {
	var role platform.Role
	err := r.Transaction(ctx, TaskRoleState, []any{guildID, roleID}, &role)
	return role, err
}

// ChannelState returns a channel.
func (r *Requester) ChannelState(ctx context.Context, channelID string) (platform.Channel, error) {
	var c platform.Channel
	err := r.Transaction(ctx, TaskChannelState, []any{channelID}, &c)
	return c, err
}
