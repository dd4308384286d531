package convo

import "time"

// Store is the in-memory conversation map plus its display ordering.
// It is deliberately not safe for concurrent use: the engine owns one
// instance and serializes every mutation (see engine locking). Keeping the
// store an explicit object, not package state, lets engine instances
// coexist in tests.
type Store struct {
	byKey     map[Key]*Conversation
	order     []Key
	activeKey Key
}

// NewStore creates an empty conversation store.
func NewStore() *Store {
	return &Store{byKey: make(map[Key]*Conversation)}
}

// Get returns the conversation for key, or nil.
func (s *Store) Get(key Key) *Conversation {
	return s.byKey[key]
}

// Ensure returns the conversation for (hostID, toolID), creating it in
// offline state and prepending it to the ordering if it does not exist.
func (s *Store) Ensure(hostID, toolID string) *Conversation {
	key := Key{HostID: hostID, ToolID: toolID}
	if c, ok := s.byKey[key]; ok {
		return c
	}
	c := &Conversation{
		Key:          key,
		HostID:       hostID,
		ToolID:       toolID,
		Availability: AvailOffline,
		UpdatedAt:    time.Now().UnixMilli(),
	}
	s.byKey[key] = c
	s.order = append([]Key{key}, s.order...)
	return c
}

// Restore inserts a conversation rebuilt from a durable snapshot, appending
// it to the ordering (bootstrap replays the persisted order itself).
func (s *Store) Restore(c *Conversation) {
	if _, ok := s.byKey[c.Key]; ok {
		return
	}
	s.byKey[c.Key] = c
	s.order = append(s.order, c.Key)
}

// Delete removes the conversation and its ordering entry.
func (s *Store) Delete(key Key) {
	if _, ok := s.byKey[key]; !ok {
		return
	}
	delete(s.byKey, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	if s.activeKey == key {
		s.activeKey = Key{}
	}
}

// Order returns the display ordering, newest first.
func (s *Store) Order() []Key {
	out := make([]Key, len(s.order))
	copy(out, s.order)
	return out
}

// ByHost returns every conversation belonging to a host.
func (s *Store) ByHost(hostID string) []*Conversation {
	var out []*Conversation
	for _, k := range s.order {
		if k.HostID == hostID {
			out = append(out, s.byKey[k])
		}
	}
	return out
}

// FindByRequest locates the conversation whose running slot or queue holds
// the given request id. Used to correlate stream events that carry only a
// request id.
func (s *Store) FindByRequest(requestID string) *Conversation {
	for _, c := range s.byKey {
		if c.Running != nil && c.Running.RequestID == requestID {
			return c
		}
		if item, _ := c.QueueItemByRequest(requestID); item != nil {
			return c
		}
		for _, m := range c.Messages {
			if m.RequestID == requestID {
				return c
			}
		}
	}
	return nil
}

// SetActive records which conversation the UI is focused on.
func (s *Store) SetActive(key Key) {
	s.activeKey = key
}

// Active returns the focused conversation key (zero value if none).
func (s *Store) Active() Key {
	return s.activeKey
}

// Len returns the number of conversations.
func (s *Store) Len() int {
	return len(s.byKey)
}
