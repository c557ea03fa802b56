package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testReqCh = "test:requests"
	testResCh = "test:responses"
)

func newTestRequester(t *testing.T, tr Transport, listeners int, timeout time.Duration) *Requester {
	t.Helper()
	r, err := NewRequester(RequesterOpts{
		Transport:       tr,
		RequestChannel:  testReqCh,
		ResponseChannel: testResCh,
		MaxListeners:    listeners,
		MaxResponseTime: timeout,
	})
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { r.Close() })
	return r
}

// collectRequests subscribes to the request channel and returns decoded
// requests as they arrive.
func collectRequests(t *testing.T, tr Transport) <-chan Request {
	t.Helper()
	sub, err := tr.Subscribe(context.Background(), testReqCh)
	require.NoError(t, err)
	t.Cleanup(func() { sub.Close() })

	out := make(chan Request, 16)
	go func() {
		for payload := range sub.Messages() {
			var req Request
			if err := unmarshal(payload, &req); err == nil {
				out <- req
			}
		}
	}()
	return out
}

func reply(t *testing.T, tr Transport, id string, data any) {
	t.Helper()
	raw, err := marshal(data)
	require.NoError(t, err)
	payload, err := marshal(Response{ID: id, Data: raw})
	require.NoError(t, err)
	require.NoError(t, tr.Publish(context.Background(), testResCh, payload))
}

func TestNewRequester_Validation(t *testing.T) {
	_, err := NewRequester(RequesterOpts{RequestChannel: "a", ResponseChannel: "b"})
	assert.Error(t, err)

	_, err = NewRequester(RequesterOpts{Transport: NewMemoryTransport()})
	assert.Error(t, err)

	r, err := NewRequester(RequesterOpts{Transport: NewMemoryTransport(), RequestChannel: "a", ResponseChannel: "b"})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxResponseTime, r.timeout)
}

func TestTransaction_RoutesResponsesByID(t *testing.T) {
	tr := NewMemoryTransport()
	r := newTestRequester(t, tr, 4, time.Second)
	requests := collectRequests(t, tr)

	var wg sync.WaitGroup
	results := make(map[string]string)
	var mu sync.Mutex
	for _, name := range []string{"first", "second"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var got string
			err := r.Transaction(context.Background(), TaskUserState, []any{name}, &got)
			assert.NoError(t, err)
			mu.Lock()
			results[name] = got
			mu.Unlock()
		}()
	}

	var reqs []Request
	for len(reqs) < 2 {
		select {
		case req := <-requests:
			reqs = append(reqs, req)
		case <-time.After(time.Second):
			t.Fatal("requests not received")
		}
	}
	// Answer in reverse order; each response echoes its request's argument.
	for i := len(reqs) - 1; i >= 0; i-- {
		arg, err := argString(reqs[i].Args, 0)
		require.NoError(t, err)
		reply(t, tr, reqs[i].ID, "echo:"+arg)
	}
	wg.Wait()

	assert.Equal(t, "echo:first", results["first"])
	assert.Equal(t, "echo:second", results["second"])
	assert.Zero(t, r.Pending())
}

func TestTransaction_UnknownIDIsNoop(t *testing.T) {
	tr := NewMemoryTransport()
	r := newTestRequester(t, tr, 2, time.Second)
	requests := collectRequests(t, tr)

	done := make(chan error, 1)
	var got string
	go func() { done <- r.Transaction(context.Background(), TaskChannelState, []any{"c1"}, &got) }()

	req := <-requests
	assert.False(t, r.deliver(Response{ID: "not-a-request"}))
	assert.Equal(t, 1, r.Pending())

	reply(t, tr, req.ID, "ok")
	require.NoError(t, <-done)
	assert.Equal(t, "ok", got)
}

func TestTransaction_TimeoutReleasesSlot(t *testing.T) {
	tr := NewMemoryTransport()
	r := newTestRequester(t, tr, 1, 50*time.Millisecond)
	requests := collectRequests(t, tr)

	err := r.Transaction(context.Background(), TaskUserState, []any{"u1"}, nil)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Zero(t, r.Pending(), "listener must be removed on timeout")

	stale := <-requests
	assert.False(t, r.deliver(Response{ID: stale.ID}), "stale response must be discarded")

	// The only slot was released, so the next request is not blocked on
	// acquire and reaches its own timeout.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err = r.Transaction(ctx, TaskUserState, []any{"u2"}, nil)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestTransaction_BlocksWhenListenersExhausted(t *testing.T) {
	tr := NewMemoryTransport()
	r := newTestRequester(t, tr, 1, 500*time.Millisecond)
	requests := collectRequests(t, tr)

	first := make(chan error, 1)
	go func() { first <- r.Transaction(context.Background(), TaskUserState, []any{"u1"}, nil) }()
	req := <-requests

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := r.Transaction(ctx, TaskUserState, []any{"u2"}, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "acquire slot")

	reply(t, tr, req.ID, "ok")
	require.NoError(t, <-first)
}

func TestTransaction_RemoteError(t *testing.T) {
	tr := NewMemoryTransport()
	r := newTestRequester(t, tr, 1, time.Second)
	requests := collectRequests(t, tr)

	done := make(chan error, 1)
	go func() { done <- r.Transaction(context.Background(), TaskRoleState, []any{"g", "r"}, nil) }()

	req := <-requests
	payload, err := marshal(Response{ID: req.ID, Error: &ErrorPayload{Code: CodeNotFound, Message: "no such role"}})
	require.NoError(t, err)
	require.NoError(t, tr.Publish(context.Background(), testResCh, payload))

	err = <-done
	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, TaskRoleState, remote.Task)
	assert.True(t, remote.NotFound())
}

func TestTransaction_ContextCancelled(t *testing.T) {
	tr := NewMemoryTransport()
	r := newTestRequester(t, tr, 1, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := r.Transaction(ctx, TaskUserState, []any{"u"}, nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, r.Pending())
}

func TestArgHelpers(t *testing.T) {
	args := []any{"a", uint64(7), int64(-2), nil, "12", 3.5}

	s, err := argString(args, 0)
	require.NoError(t, err)
	assert.Equal(t, "a", s)

	s, err = argString(args, 3)
	require.NoError(t, err)
	assert.Empty(t, s)

	_, err = argString(args, 1)
	assert.Error(t, err)
	_, err = argString(args, 10)
	assert.Error(t, err)

	for i, want := range map[int]int{1: 7, 2: -2, 4: 12} {
		n, err := argInt(args, i)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
	_, err = argInt(args, 5)
	assert.Error(t, err)
}
