package e2ee

import (
	"context"
	"errors"
	"fmt"

	"chatsec/internal/crypto"
	"chatsec/internal/storage"
)

// RoomConversationState is the single encryption state of one room.
type RoomConversationState struct {
	RoomID       int64
	Conversation GroupConversation
}

// ConversationStore loads and saves whole conversations.
type ConversationStore interface {
	GroupConversation(ctx context.Context, roomID int64) (GroupConversation, bool, error)
	SaveGroupConversation(ctx context.Context, roomID int64, conv GroupConversation) error
	DeleteGroupConversation(ctx context.Context, roomID int64) error
}

// StoredConversations adapts a StateStore to ConversationStore using the
// crypto package encoding.
type StoredConversations struct {
	states StateStore
}

func NewStoredConversations(states StateStore) *StoredConversations {
	return &StoredConversations{states: states}
}

func (s *StoredConversations) GroupConversation(ctx context.Context, roomID int64) (GroupConversation, bool, error) {
	blob, err := s.states.ConversationState(ctx, roomID)
	if errors.Is(err, storage.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	conv, err := crypto.UnmarshalGroupConversation(blob)
	if err != nil {
		return nil, false, fmt.Errorf("room %d: %w", roomID, err)
	}
	return conv, true, nil
}

func (s *StoredConversations) SaveGroupConversation(ctx context.Context, roomID int64, conv GroupConversation) error {
	blob, err := conv.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode room %d: %w", roomID, err)
	}
	return s.states.SaveConversationState(ctx, roomID, blob)
}

func (s *StoredConversations) DeleteGroupConversation(ctx context.Context, roomID int64) error {
	return s.states.DeleteConversationState(ctx, roomID)
}
