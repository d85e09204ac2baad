package channel

import (
	"sort"
	"sync"
	"time"
)

// Registry holds the subscription state of every user. It is created once and
// handed to each Manager and to the health surfaces.
type Registry struct {
	mu        sync.RWMutex
	subs      map[string]*SubscriptionState
	observers []func(SubscriptionState)
	now       func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		subs: make(map[string]*SubscriptionState),
		now:  time.Now,
	}
}

// OnChange registers fn to be called after any change of mode, health or
// connectivity. Observers run on the goroutine that made the change.
func (r *Registry) OnChange(fn func(SubscriptionState)) {
	r.mu.Lock()
	r.observers = append(r.observers, fn)
	r.mu.Unlock()
}

// Register creates the state for userID if it does not exist yet.
func (r *Registry) Register(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.getOrCreate(userID)
}

func (r *Registry) getOrCreate(userID string) *SubscriptionState {
	s, ok := r.subs[userID]
	if !ok {
		s = &SubscriptionState{
			UserID:    userID,
			Mode:      ModePush,
			Health:    HealthConnecting,
			UpdatedAt: r.now(),
		}
		r.subs[userID] = s
	}
	return s
}

// AddTopic records topic as active for userID. It reports false if the topic
// was already active.
func (r *Registry) AddTopic(userID string, topic Topic) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.getOrCreate(userID)
	for _, t := range s.Topics {
		if t == topic {
			return false
		}
	}
	s.Topics = append(s.Topics, topic)
	return true
}

// RemoveTopic drops topic from userID's active set.
func (r *Registry) RemoveTopic(userID string, topic Topic) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[userID]
	if !ok {
		return false
	}
	for i, t := range s.Topics {
		if t == topic {
			s.Topics = append(s.Topics[:i], s.Topics[i+1:]...)
			return true
		}
	}
	return false
}

// Topics returns a copy of userID's active topics in subscription order.
func (r *Registry) Topics(userID string) []Topic {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.subs[userID]
	if !ok {
		return nil
	}
	return append([]Topic(nil), s.Topics...)
}

// Update mutates userID's state under the registry lock and notifies
// observers when mode, health or connectivity changed.
func (r *Registry) Update(userID string, fn func(*SubscriptionState)) {
	r.mu.Lock()
	s := r.getOrCreate(userID)
	before := *s
	fn(s)
	s.UpdatedAt = r.now()
	changed := before.Mode != s.Mode || before.Health != s.Health || before.Connected != s.Connected
	snapshot := copyState(s)
	observers := r.observers
	r.mu.Unlock()

	if changed {
		for _, fn := range observers {
			fn(snapshot)
		}
	}
}

// RecordApplied advances the last applied sequence; it never moves backwards.
func (r *Registry) RecordApplied(userID string, seq int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[userID]
	if ok && seq > s.LastSequence {
		s.LastSequence = seq
	}
}

// State returns a copy of userID's state.
func (r *Registry) State(userID string) (SubscriptionState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.subs[userID]
	if !ok {
		return SubscriptionState{}, false
	}
	return copyState(s), true
}

// States returns copies of every state, sorted by user id.
func (r *Registry) States() []SubscriptionState {
	r.mu.RLock()
	out := make([]SubscriptionState, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, copyState(s))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Remove forgets userID.
func (r *Registry) Remove(userID string) {
	r.mu.Lock()
	delete(r.subs, userID)
	r.mu.Unlock()
}

// AnyDegraded reports whether any subscription is polling, degraded or halted.
func (r *Registry) AnyDegraded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.subs {
		if s.Degraded() {
			return true
		}
	}
	return false
}

func copyState(s *SubscriptionState) SubscriptionState {
	c := *s
	c.Topics = append([]Topic(nil), s.Topics...)
	return c
}
