package compose

import (
	"context"
	"sync"
	"time"
)

// MemoryMessageSink is an in-memory MessageSink, used when no storage
// path is configured.
type MemoryMessageSink struct {
	mu                 sync.RWMutex
	messages           map[string][]*Message // by conversation ID, in arrival order
	maxPerConversation int
}

// NewMemoryMessageSink creates an in-memory sink capped at
// maxPerConversation messages per conversation.
func NewMemoryMessageSink(maxPerConversation int) *MemoryMessageSink {
	if maxPerConversation <= 0 {
		maxPerConversation = 1000
	}
	return &MemoryMessageSink{
		messages:           make(map[string][]*Message),
		maxPerConversation: maxPerConversation,
	}
}

// Persist implements MessageSink. An existing MsgID is updated in place,
// keeping its position in the transcript.
func (s *MemoryMessageSink) Persist(ctx context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *msg
	copied.UpdatedAt = time.Now().UTC()
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = copied.UpdatedAt
	}

	list := s.messages[msg.ConversationID]
	for i, existing := range list {
		if existing.MsgID == msg.MsgID {
			copied.CreatedAt = existing.CreatedAt
			list[i] = &copied
			return nil
		}
	}

	list = append(list, &copied)
	if len(list) > s.maxPerConversation {
		list = list[len(list)-s.maxPerConversation:]
	}
	s.messages[msg.ConversationID] = list
	return nil
}

// Revoke implements MessageSink.
func (s *MemoryMessageSink) Revoke(ctx context.Context, conversationID, msgID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.messages[conversationID]
	for i, existing := range list {
		if existing.MsgID == msgID {
			s.messages[conversationID] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return nil
}

// Messages implements MessageSink.
func (s *MemoryMessageSink) Messages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.messages[conversationID]
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}

	result := make([]*Message, len(list))
	copy(result, list)
	return result, nil
}

// Close implements MessageSink.
func (s *MemoryMessageSink) Close() error { return nil }

var _ MessageSink = (*MemoryMessageSink)(nil)
