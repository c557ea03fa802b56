package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/zulandar/modmail/internal/models"
	"github.com/zulandar/modmail/internal/platform"
)

// Page size bounds for TaskAllMemberStates.
const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
)

// MemberState is a member with its staff role in the queried category.
// RoleID and Level are empty when the member holds no staff role there.
type MemberState struct {
	Member platform.Member `cbor:"member" json:"member"`
	RoleID string          `cbor:"role_id,omitempty" json:"role_id,omitempty"`
	Level  string          `cbor:"level,omitempty" json:"level,omitempty"`
}

// MemberPage is one page of TaskAllMemberStates. Next is the cursor for
// the following page and is empty on the last page.
type MemberPage struct {
	Members []MemberState `cbor:"members" json:"members"`
	Next    string        `cbor:"next,omitempty" json:"next,omitempty"`
}

// RoleSource lists the staff roles registered for a category.
type RoleSource interface {
	RolesFor(ctx context.Context, categoryID string) ([]models.CategoryRole, error)
}

// ResponderOpts configures a Responder.
type ResponderOpts struct {
	Transport       Transport
	RequestChannel  string
	ResponseChannel string
	Directory       platform.Directory
	Roles           RoleSource
	// Concurrency bounds requests handled at once; 0 means 16.
	Concurrency int
	Logger      *zap.Logger
}

// Responder answers bridge requests from the live platform session.
type Responder struct {
	transport   Transport
	reqCh       string
	resCh       string
	dir         platform.Directory
	roles       RoleSource
	concurrency int
	logger      *zap.Logger
}

// NewResponder creates a Responder.
func NewResponder(opts ResponderOpts) (*Responder, error) {
	if opts.Transport == nil {
		return nil, errors.New("bridge: transport is required")
	}
	if opts.Directory == nil {
		return nil, errors.New("bridge: directory is required")
	}
	if opts.RequestChannel == "" || opts.ResponseChannel == "" {
		return nil, errors.New("bridge: request and response channels are required")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 16
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Responder{
		transport:   opts.Transport,
		reqCh:       opts.RequestChannel,
		resCh:       opts.ResponseChannel,
		dir:         opts.Directory,
		roles:       opts.Roles,
		concurrency: opts.Concurrency,
		logger:      opts.Logger.Named("responder"),
	}, nil
}

// Run serves requests until ctx is cancelled, then waits for in-flight
// requests to finish. A request received while every slot is busy waits
// for one and is dropped if ctx ends first.
func (r *Responder) Run(ctx context.Context) error {
	sub, err := r.transport.Subscribe(ctx, r.reqCh)
	if err != nil {
		return err
	}
	defer sub.Close()
	r.logger.Info("responder listening", zap.String("channel", r.reqCh))

	sem := semaphore.NewWeighted(int64(r.concurrency))
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case payload, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				return nil
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer sem.Release(1)
				r.serve(ctx, payload)
			}()
		}
	}
}

// serve decodes one request and always publishes a response carrying its
// id. Payloads that do not decode carry no id and are dropped.
func (r *Responder) serve(ctx context.Context, payload []byte) {
	var req Request
	if err := unmarshal(payload, &req); err != nil || req.ID == "" {
		r.logger.Warn("undecodable request", zap.Error(err))
		return
	}

	resp := r.Handle(ctx, req)
	out, err := marshal(resp)
	if err != nil {
		r.logger.Error("encode response", zap.String("id", req.ID), zap.Error(err))
		out, _ = marshal(Response{ID: req.ID, Error: &ErrorPayload{Code: CodeInternal, Message: "encode response"}})
	}
	if err := r.transport.Publish(context.WithoutCancel(ctx), r.resCh, out); err != nil {
		r.logger.Error("publish response", zap.String("id", req.ID), zap.Error(err))
	}
}

// codedError attaches a response code to a handler failure.
type codedError struct {
	code string
	err  error
}

func (e *codedError) Error() string { return e.err.Error() }
func (e *codedError) Unwrap() error { return e.err }

func badRequest(err error) error {
	return &codedError{code: CodeBadRequest, err: err}
}

// Handle runs req against the directory and builds its response.
func (r *Responder) Handle(ctx context.Context, req Request) Response {
	data, err := r.dispatch(ctx, req)
	if err != nil {
		code := CodeInternal
		var ce *codedError
		switch {
		case errors.As(err, &ce):
			code = ce.code
		case errors.Is(err, platform.ErrNotFound):
			code = CodeNotFound
		}
		r.logger.Debug("request failed",
			zap.String("id", req.ID),
			zap.String("task", string(req.Task)),
			zap.String("code", code),
			zap.Error(err),
		)
		return Response{ID: req.ID, Error: &ErrorPayload{Code: code, Message: err.Error()}}
	}

	raw, err := marshal(data)
	if err != nil {
		return Response{ID: req.ID, Error: &ErrorPayload{Code: CodeInternal, Message: err.Error()}}
	}
	return Response{ID: req.ID, Data: raw}
}

func (r *Responder) dispatch(ctx context.Context, req Request) (any, error) {
	switch req.Task {
	case TaskRolesOfMember:
		guildID, memberID, err := twoStrings(req.Args)
		if err != nil {
			return nil, err
		}
		return r.rolesOfMember(ctx, guildID, memberID)

	case TaskMemberState:
		guildID, memberID, err := twoStrings(req.Args)
		if err != nil {
			return nil, err
		}
		return r.dir.Member(ctx, guildID, memberID)

	case TaskAllMemberStates:
		return r.allMemberStates(ctx, req.Args)

	case TaskUserState:
		userID, err := argString(req.Args, 0)
		if err != nil {
			return nil, badRequest(err)
		}
		return r.dir.User(ctx, userID)

	case TaskRoleState:
		guildID, roleID, err := twoStrings(req.Args)
		if err != nil {
			return nil, err
		}
		return r.dir.Role(ctx, guildID, roleID)

	case TaskChannelState:
		channelID, err := argString(req.Args, 0)
		if err != nil {
			return nil, badRequest(err)
		}
		return r.dir.Channel(ctx, channelID)

	default:
		return nil, &codedError{code: CodeUnknownTask, err: fmt.Errorf("unknown task %q", req.Task)}
	}
}

func twoStrings(args []any) (string, string, error) {
	a, err := argString(args, 0)
	if err != nil {
		return "", "", badRequest(err)
	}
	b, err := argString(args, 1)
	if err != nil {
		return "", "", badRequest(err)
	}
	return a, b, nil
}

func (r *Responder) rolesOfMember(ctx context.Context, guildID, memberID string) ([]platform.Role, error) {
	m, err := r.dir.Member(ctx, guildID, memberID)
	if err != nil {
		return nil, err
	}
	roles := make([]platform.Role, 0, len(m.Roles))
	for _, id := range m.Roles {
		role, err := r.dir.Role(ctx, guildID, id)
		if errors.Is(err, platform.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, nil
}

// allMemberStates takes (guildID, categoryID, after, limit).
func (r *Responder) allMemberStates(ctx context.Context, args []any) (MemberPage, error) {
	guildID, err := argString(args, 0)
	if err != nil {
		return MemberPage{}, badRequest(err)
	}
	categoryID, err := argString(args, 1)
	if err != nil {
		return MemberPage{}, badRequest(err)
	}
	after, err := argString(args, 2)
	if err != nil {
		return MemberPage{}, badRequest(err)
	}
	limit, err := argInt(args, 3)
	if err != nil {
		return MemberPage{}, badRequest(err)
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	var staff []models.CategoryRole
	if categoryID != "" && r.roles != nil {
		staff, err = r.roles.RolesFor(ctx, categoryID)
		if err != nil {
			return MemberPage{}, err
		}
	}

	members, err := r.dir.Members(ctx, guildID, after, limit)
	if err != nil {
		return MemberPage{}, err
	}
	page := MemberPage{Members: make([]MemberState, 0, len(members))}
	for _, m := range members {
		st := MemberState{Member: m}
		if role, ok := staffRole(m.Roles, staff); ok {
			st.RoleID = role.RoleID
			st.Level = role.Level
		}
		page.Members = append(page.Members, st)
	}
	if len(members) == limit {
		page.Next = members[len(members)-1].User.ID
	}
	return page, nil
}

// staffRole scans the member's roles in order. The first admin-level
// match wins outright; otherwise the first mod-level match is used.
func staffRole(memberRoles []string, staff []models.CategoryRole) (models.CategoryRole, bool) {
	if len(staff) == 0 {
		return models.CategoryRole{}, false
	}
	byID := make(map[string]models.CategoryRole, len(staff))
	for _, cr := range staff {
		byID[cr.RoleID] = cr
	}
	var mod *models.CategoryRole
	for _, id := range memberRoles {
		cr, ok := byID[id]
		if !ok {
			continue
		}
		if cr.Level == models.LevelAdmin {
			return cr, true
		}
		if mod == nil {
			mod = &cr
		}
	}
	if mod != nil {
		return *mod, true
	}
	return models.CategoryRole{}, false
}
