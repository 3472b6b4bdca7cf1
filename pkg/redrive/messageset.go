package redrive

import "github.com/nimburion/redrive/pkg/queue"

// MessageSet holds messages keyed by ID. The first copy seen of an ID wins.
// Iteration follows first-seen order.
type MessageSet struct {
	order []string
	byID  map[string]queue.Message
}

// NewMessageSet returns an empty set.
func NewMessageSet() *MessageSet {
	return &MessageSet{byID: map[string]queue.Message{}}
}

// Add inserts msg unless its ID is already present and reports whether it was added.
func (s *MessageSet) Add(msg queue.Message) bool {
	if _, ok := s.byID[msg.ID]; ok {
		return false
	}
	s.byID[msg.ID] = msg
	s.order = append(s.order, msg.ID)
	return true
}

// Merge adds every message and returns how many were new.
func (s *MessageSet) Merge(messages []queue.Message) int {
	added := 0
	for _, msg := range messages {
		if s.Add(msg) {
			added++
		}
	}
	return added
}

// Len returns the number of distinct IDs.
func (s *MessageSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.order)
}

// Contains reports whether id is in the set.
func (s *MessageSet) Contains(id string) bool {
	if s == nil {
		return false
	}
	_, ok := s.byID[id]
	return ok
}

// Get returns the message stored for id.
func (s *MessageSet) Get(id string) (queue.Message, bool) {
	if s == nil {
		return queue.Message{}, false
	}
	msg, ok := s.byID[id]
	return msg, ok
}

// Messages returns the messages in first-seen order.
func (s *MessageSet) Messages() []queue.Message {
	if s == nil {
		return nil
	}
	out := make([]queue.Message, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}
