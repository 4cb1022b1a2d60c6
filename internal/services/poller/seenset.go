package poller

import "container/list"

// SeenSet is a bounded set of message IDs that remembers insertion order.
// Once the capacity is exceeded the oldest inserted IDs are evicted first.
// It is not safe for concurrent use; the owning Engine serializes access.
type SeenSet struct {
	capacity int
	order    *list.List
	index    map[string]*list.Element
}

// NewSeenSet returns an empty set bounded to capacity entries.
func NewSeenSet(capacity int) *SeenSet {
	if capacity <= 0 {
		capacity = 1
	}
	return &SeenSet{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element, capacity),
	}
}

// Contains reports whether id is in the set.
func (s *SeenSet) Contains(id string) bool {
	_, ok := s.index[id]
	return ok
}

// Add inserts id and reports whether it was absent. It does not evict;
// callers enforce the bound with Trim once a batch is complete.
func (s *SeenSet) Add(id string) bool {
	if _, ok := s.index[id]; ok {
		return false
	}
	s.index[id] = s.order.PushBack(id)
	return true
}

// Trim evicts the oldest inserted IDs until the set fits its capacity
// and returns them in eviction order.
func (s *SeenSet) Trim() []string {
	var evicted []string
	for s.order.Len() > s.capacity {
		front := s.order.Front()
		id := front.Value.(string)
		s.order.Remove(front)
		delete(s.index, id)
		evicted = append(evicted, id)
	}
	return evicted
}

// Len returns the number of IDs held.
func (s *SeenSet) Len() int {
	return s.order.Len()
}

// Cap returns the configured capacity.
func (s *SeenSet) Cap() int {
	return s.capacity
}

// IDs returns the held IDs from oldest to newest.
func (s *SeenSet) IDs() []string {
	ids := make([]string, 0, s.order.Len())
	for e := s.order.Front(); e != nil; e = e.Next() {
		ids = append(ids, e.Value.(string))
	}
	return ids
}
