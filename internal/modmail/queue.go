package modmail

import (
	"sync"

	"github.com/zulandar/modmail/internal/platform"
)

// eventQueue runs events that share a key one at a time, in arrival order.
// Events with different keys run concurrently. Each key with work gets one
// worker goroutine that exits once its backlog is empty.
type eventQueue struct {
	handle func(platform.Event)

	mu sync.Mutex
	// A key is present while its worker runs; the slice is its backlog.
	backlog map[string][]platform.Event
	wg      sync.WaitGroup
}

func newEventQueue(handle func(platform.Event)) *eventQueue {
	return &eventQueue{handle: handle, backlog: make(map[string][]platform.Event)}
}

// eventKey orders events by channel. A DM channel belongs to one requester
// and delete events carry no author, so the channel is the one key every
// create, edit and delete of a message shares.
func eventKey(ev platform.Event) string {
	return ev.Message.ChannelID
}

// push queues ev behind earlier events with the same key.
func (q *eventQueue) push(ev platform.Event) {
	key := eventKey(ev)
	q.mu.Lock()
	defer q.mu.Unlock()
	if pending, running := q.backlog[key]; running {
		q.backlog[key] = append(pending, ev)
		return
	}
	q.backlog[key] = nil
	q.wg.Add(1)
	go q.drain(key, ev)
}

func (q *eventQueue) drain(key string, ev platform.Event) {
	defer q.wg.Done()
	for {
		q.handle(ev)

		q.mu.Lock()
		pending := q.backlog[key]
		if len(pending) == 0 {
			delete(q.backlog, key)
			q.mu.Unlock()
			return
		}
		ev = pending[0]
		q.backlog[key] = pending[1:]
		q.mu.Unlock()
	}
}

// workers returns the number of keys with a running worker.
func (q *eventQueue) workers() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.backlog)
}

// wait blocks until every queued event has been handled.
func (q *eventQueue) wait() {
	q.wg.Wait()
}
