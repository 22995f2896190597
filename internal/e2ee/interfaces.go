package e2ee

import (
	"context"

	"chatsec/internal/crypto"
	"chatsec/internal/models"
)

// GroupConversation is the sender-key ratchet for one room. Encrypt and
// Decrypt mutate the receiver.
type GroupConversation interface {
	InitSender(id crypto.HashID) error
	SenderKey() ([]byte, error)
	InitRecipient(senderKey []byte) error
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
	MarshalBinary() ([]byte, error)
}

// StateStore persists encoded conversation state per room.
// ConversationState returns storage.ErrNoRows when the room has no state.
type StateStore interface {
	ConversationState(ctx context.Context, roomID int64) ([]byte, error)
	SaveConversationState(ctx context.Context, roomID int64, state []byte) error
	DeleteConversationState(ctx context.Context, roomID int64) error
}

// CommentStore is the local comment cache.
// Lookups return storage.ErrNoRows when nothing matches.
type CommentStore interface {
	Comment(ctx context.Context, uniqueID string) (*models.Comment, error)
	CommentByID(ctx context.Context, id int64) (*models.Comment, error)
	AddOrUpdateComment(ctx context.Context, c *models.Comment) error
	// SaveUndecrypted keeps the placeholder copy of an inbound comment along
	// with its ciphertext until a sender key lets it be decrypted.
	SaveUndecrypted(ctx context.Context, c *models.Comment, wireMessage, wirePayload string) error
	// UndecryptedComments returns a room's comments saved by SaveUndecrypted,
	// oldest first, carrying their ciphertext.
	UndecryptedComments(ctx context.Context, roomID int64) ([]*models.Comment, error)
}

// RoomDirectory resolves rooms, local cache first.
type RoomDirectory interface {
	ChatRoom(ctx context.Context, roomID int64) (*models.ChatRoom, error)
	ChatRoomWithTarget(ctx context.Context, email string) (*models.ChatRoom, error)
}

// Resender is the outbound delivery pipeline for pending comments.
type Resender interface {
	TryResendPending()
}

type IdentityProvider interface {
	DeviceID() (string, error)
}

type AccountProvider interface {
	Account() models.Account
}

// NoticeOpener opens sender keys sealed to the local device.
type NoticeOpener interface {
	OpenSenderKey(sealed, ad []byte) ([]byte, error)
}

// Notifier announces a room's sender key to the other members.
type Notifier interface {
	NotifyMembers(ctx context.Context, roomID int64, senderKey string, needReply bool) (*FanOutReport, error)
}
