// Package memory provides conversation message storage. A conversation is
// an ordered, append-mostly log of messages; the only in-place change is
// replacing a message's parts while its tool calls advance.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nugget/vektra-agent/internal/message"
)

// ErrNotFound is returned when updating a message that was never
// appended.
var ErrNotFound = errors.New("message not found")

// Store is the message store contract.
type Store interface {
	// Messages returns a conversation's messages in append order. An
	// unknown conversation has none.
	Messages(ctx context.Context, conversationID string) ([]message.Message, error)
	// Append adds a message at the end of a conversation.
	Append(ctx context.Context, conversationID string, m message.Message) error
	// Update replaces the parts of a previously appended message.
	Update(ctx context.Context, conversationID string, m message.Message) error
	// Remove deletes one message. Removing an unknown message is not an
	// error.
	Remove(ctx context.Context, conversationID, messageID string) error
	// Conversations summarizes every stored conversation.
	Conversations(ctx context.Context) ([]Conversation, error)
	// Clear removes a conversation and its messages.
	Clear(ctx context.Context, conversationID string) error
}

// Conversation summarizes one stored conversation.
type Conversation struct {
	ID        string    `json:"id"`
	Messages  int       `json:"messages"`
	Tokens    int       `json:"tokens"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// MemStore keeps conversations in process memory.
type MemStore struct {
	mu            sync.RWMutex
	conversations map[string]*memConversation
}

type memConversation struct {
	messages  []message.Message
	createdAt time.Time
	updatedAt time.Time
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{conversations: make(map[string]*memConversation)}
}

// Messages returns a copy of the conversation's messages.
func (s *MemStore) Messages(_ context.Context, conversationID string) ([]message.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return []message.Message{}, nil
	}
	return message.CloneAll(conv.messages), nil
}

// Append stores a copy of m.
func (s *MemStore) Append(_ context.Context, conversationID string, m message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	conv, ok := s.conversations[conversationID]
	if !ok {
		conv = &memConversation{createdAt: now}
		s.conversations[conversationID] = conv
	}
	for _, existing := range conv.messages {
		if existing.ID == m.ID {
			return fmt.Errorf("append %s: duplicate message id", m.ID)
		}
	}
	conv.messages = append(conv.messages, m.Clone())
	conv.updatedAt = now
	return nil
}

// Update replaces the parts of the stored message with m's.
func (s *MemStore) Update(_ context.Context, conversationID string, m message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if ok {
		for i := range conv.messages {
			if conv.messages[i].ID == m.ID {
				conv.messages[i].Parts = m.Clone().Parts
				conv.updatedAt = time.Now()
				return nil
			}
		}
	}
	return fmt.Errorf("%w: %s", ErrNotFound, m.ID)
}

// Remove deletes the message with messageID.
func (s *MemStore) Remove(_ context.Context, conversationID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil
	}
	for i := range conv.messages {
		if conv.messages[i].ID == messageID {
			conv.messages = append(conv.messages[:i], conv.messages[i+1:]...)
			conv.updatedAt = time.Now()
			return nil
		}
	}
	return nil
}

// Conversations lists conversations, most recently updated first.
func (s *MemStore) Conversations(_ context.Context) ([]Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Conversation, 0, len(s.conversations))
	for id, conv := range s.conversations {
		tokens := 0
		for _, m := range conv.messages {
			tokens += CountTokens(m)
		}
		out = append(out, Conversation{
			ID:        id,
			Messages:  len(conv.messages),
			Tokens:    tokens,
			CreatedAt: conv.createdAt,
			UpdatedAt: conv.updatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// Clear removes a conversation.
func (s *MemStore) Clear(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, conversationID)
	return nil
}
