package websocket

import (
	"sort"
	"sync"
)

// TopicRegistry is the authoritative topic -> subscriber set relation, with a reverse
// index per connection. Both sides change under one lock, so a reader always sees a
// consistent subscriber set. Only connections added with AddConnection may subscribe;
// after RemoveConnection a late Subscribe from that connection is refused.
type TopicRegistry struct {
	mu     sync.RWMutex
	topics map[string]map[string]struct{}
	byConn map[string]map[string]struct{}
}

func NewTopicRegistry() *TopicRegistry {
	return &TopicRegistry{
		topics: make(map[string]map[string]struct{}),
		byConn: make(map[string]map[string]struct{}),
	}
}

func (r *TopicRegistry) AddConnection(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byConn[connID]; !ok {
		r.byConn[connID] = make(map[string]struct{})
	}
}

// Subscribe adds connID to topic. already reports a repeated subscription;
// ok is false when the connection is unknown.
func (r *TopicRegistry) Subscribe(connID, topic string) (already bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	owned, known := r.byConn[connID]
	if !known {
		return false, false
	}
	if _, dup := owned[topic]; dup {
		return true, true
	}

	subs := r.topics[topic]
	if subs == nil {
		subs = make(map[string]struct{})
		r.topics[topic] = subs
	}
	subs[connID] = struct{}{}
	owned[topic] = struct{}{}
	return false, true
}

// Unsubscribe removes connID from topic and drops the topic once it is empty.
func (r *TopicRegistry) Unsubscribe(connID, topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.topics[topic]
	if !ok {
		return false
	}
	if _, ok := subs[connID]; !ok {
		return false
	}
	r.unlinkLocked(connID, topic)
	return true
}

// Migrate moves every subscriber of from onto to, unioning with existing subscribers of to.
// It returns the connections that were moved.
func (r *TopicRegistry) Migrate(from, to string) []string {
	return r.MigrateWhere(from, to, nil)
}

// MigrateWhere is Migrate restricted to the subscribers keep accepts; the rest stay on
// from. A nil keep accepts everyone. keep runs under the registry lock.
func (r *TopicRegistry) MigrateWhere(from, to string, keep func(connID string) bool) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if from == to {
		return nil
	}
	subs, ok := r.topics[from]
	if !ok {
		return nil
	}

	moved := make([]string, 0, len(subs))
	for connID := range subs {
		if keep != nil && !keep(connID) {
			continue
		}
		moved = append(moved, connID)
	}
	if len(moved) == 0 {
		return nil
	}

	dst := r.topics[to]
	if dst == nil {
		dst = make(map[string]struct{}, len(moved))
		r.topics[to] = dst
	}
	for _, connID := range moved {
		delete(subs, connID)
		dst[connID] = struct{}{}
		owned := r.byConn[connID]
		delete(owned, from)
		owned[to] = struct{}{}
	}
	if len(subs) == 0 {
		delete(r.topics, from)
	}

	sort.Strings(moved)
	return moved
}

// RemoveConnection drops connID and all its subscriptions. It returns the topics it held.
func (r *TopicRegistry) RemoveConnection(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	owned, ok := r.byConn[connID]
	if !ok {
		return nil
	}
	held := make([]string, 0, len(owned))
	for topic := range owned {
		held = append(held, topic)
		r.unlinkLocked(connID, topic)
	}
	delete(r.byConn, connID)

	sort.Strings(held)
	return held
}

// RemoveTopic drops the topic's subscriber set and returns the connections it had.
func (r *TopicRegistry) RemoveTopic(topic string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.topics[topic]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(subs))
	for connID := range subs {
		delete(r.byConn[connID], topic)
		out = append(out, connID)
	}
	delete(r.topics, topic)

	sort.Strings(out)
	return out
}

// Subscribers returns the union of the subscribers of topics, each connection once.
func (r *TopicRegistry) Subscribers(topics ...string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []string
	for _, topic := range topics {
		for connID := range r.topics[topic] {
			if _, dup := seen[connID]; dup {
				continue
			}
			seen[connID] = struct{}{}
			out = append(out, connID)
		}
	}
	sort.Strings(out)
	return out
}

// TopicsOf returns the topics connID is subscribed to
func (r *TopicRegistry) TopicsOf(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byConn[connID]))
	for topic := range r.byConn[connID] {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

func (r *TopicRegistry) SubscriberCount(topic string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics[topic])
}

func (r *TopicRegistry) TopicCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics)
}

func (r *TopicRegistry) unlinkLocked(connID, topic string) {
	if subs, ok := r.topics[topic]; ok {
		delete(subs, connID)
		if len(subs) == 0 {
			delete(r.topics, topic)
		}
	}
	if owned, ok := r.byConn[connID]; ok {
		delete(owned, topic)
	}
}
