package wsclient

import "sync"

type callbackEntry struct {
	id uint64
	cb Callback
}

// topicState is the local bookkeeping of one server topic. All fields are guarded by Client.mu.
type topicState struct {
	key     string
	entries []callbackEntry

	done     chan struct{}
	finished bool
	result   Event

	// movedTo is set when a migration merged this state into an existing one
	movedTo *topicState
	merged  []*topicState
}

func newTopicState(key string) *topicState {
	return &topicState{key: key, done: make(chan struct{})}
}

func (t *topicState) resolve() *topicState {
	for t.movedTo != nil {
		t = t.movedTo
	}
	return t
}

func (t *topicState) callbacks() []Callback {
	cbs := make([]Callback, len(t.entries))
	for i, e := range t.entries {
		cbs[i] = e.cb
	}
	return cbs
}

func (t *topicState) remove(id uint64) {
	for i, e := range t.entries {
		if e.id == id {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return
		}
	}
}

// finish closes done exactly once, for this state and every state merged into it.
func (t *topicState) finish(ev Event) {
	if t.finished {
		return
	}
	t.finished = true
	t.result = ev
	close(t.done)
	for _, m := range t.merged {
		m.finish(ev)
	}
}

// Subscription is the handle returned by SubscribeToTopic.
type Subscription struct {
	c     *Client
	state *topicState
	id    uint64
	once  sync.Once
}

// Topic returns the current server topic, which changes when the server moves the subscription.
func (s *Subscription) Topic() string {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	return s.state.resolve().key
}

// Done is closed once the topic's terminal inspection_complete event has been received.
func (s *Subscription) Done() <-chan struct{} {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	return s.state.done
}

// Result returns the terminal event after Done is closed.
func (s *Subscription) Result() (Event, bool) {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	st := s.state
	if !st.finished {
		return Event{}, false
	}
	return st.result, true
}

// Unsubscribe removes the callback. The server subscription is dropped with the last callback.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.c.unsubscribe(s)
	})
}
