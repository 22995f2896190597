package e2ee

import (
	"context"
	"encoding/base64"
	"fmt"

	"chatsec/internal/crypto"

	"github.com/rs/zerolog"
)

// Manager owns the lifecycle of per-room conversation state. Every
// mutation of a room runs under that room's lock and is persisted before
// the lock is released.
type Manager struct {
	store    ConversationStore
	identity IdentityProvider
	notifier Notifier
	locks    *roomLocks
	newConv  func() GroupConversation
	log      zerolog.Logger
}

type ManagerOption func(*Manager)

// WithConversationFactory replaces the constructor used for new rooms.
func WithConversationFactory(fn func() GroupConversation) ManagerOption {
	return func(m *Manager) { m.newConv = fn }
}

func NewManager(store ConversationStore, identity IdentityProvider, notifier Notifier, log zerolog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:    store,
		identity: identity,
		notifier: notifier,
		locks:    newRoomLocks(),
		newConv:  func() GroupConversation { return crypto.NewGroupConversation() },
		log:      log.With().Str("component", "e2ee-manager").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetOrCreate returns the room's state, creating and announcing a sender
// key on first use. The returned state must not be mutated outside Update.
func (m *Manager) GetOrCreate(ctx context.Context, roomID int64, needReply bool) (*RoomConversationState, error) {
	var out *RoomConversationState
	err := m.Update(ctx, roomID, needReply, func(st *RoomConversationState) error {
		out = st
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Update runs fn against the room's state under the room lock and
// persists the result. When fn fails nothing beyond a freshly created
// state is written.
func (m *Manager) Update(ctx context.Context, roomID int64, needReply bool, fn func(*RoomConversationState) error) error {
	unlock := m.locks.Lock(roomID)
	st, created, err := m.getOrCreateLocked(ctx, roomID)
	if err != nil {
		unlock()
		return err
	}
	err = fn(st)
	if err == nil {
		err = m.save(ctx, st)
	}
	unlock()

	if created != "" {
		m.announce(ctx, roomID, created, needReply)
	}
	return err
}

// UpdateRecipient installs a peer's sender key for the room. A room seen
// for the first time gets its own sender key announced without asking for
// a reply; an existing room re-announces when the peer asked for one.
func (m *Manager) UpdateRecipient(ctx context.Context, roomID int64, senderKeyB64 string, needReply bool) error {
	key, err := decodeBase64(senderKeyB64)
	if err != nil {
		return fmt.Errorf("sender key for room %d: %w", roomID, err)
	}

	unlock := m.locks.Lock(roomID)
	st, created, err := m.getOrCreateLocked(ctx, roomID)
	if err != nil {
		unlock()
		return err
	}
	reannounce := ""
	if created == "" && needReply {
		reannounce, err = senderKeyB64Of(st.Conversation)
		if err != nil {
			m.log.Warn().Err(err).Int64("room_id", roomID).Msg("cannot read local sender key")
		}
	}
	err = st.Conversation.InitRecipient(key)
	if err == nil {
		m.log.Debug().Int64("room_id", roomID).Msg("recipient chain installed")
	}
	// a new sender chain is kept even when the peer key is rejected
	if err == nil || created != "" {
		if serr := m.save(ctx, st); serr != nil {
			created, reannounce = "", ""
			if err == nil {
				err = serr
			}
		}
	}
	unlock()

	switch {
	case created != "":
		m.announce(ctx, roomID, created, false)
	case reannounce != "":
		m.announce(ctx, roomID, reannounce, false)
	}
	if err != nil {
		return fmt.Errorf("update recipient for room %d: %w", roomID, err)
	}
	return nil
}

// Rekey replaces the local sender chain and announces the new key.
// Recipient chains are kept.
func (m *Manager) Rekey(ctx context.Context, roomID int64) error {
	unlock := m.locks.Lock(roomID)
	st, created, err := m.getOrCreateLocked(ctx, roomID)
	if err != nil {
		unlock()
		return err
	}
	key := created
	if key == "" {
		if err = m.initSender(st.Conversation); err == nil {
			if err = m.save(ctx, st); err == nil {
				key, err = senderKeyB64Of(st.Conversation)
			}
		}
	}
	unlock()

	if err != nil {
		return fmt.Errorf("rekey room %d: %w", roomID, err)
	}
	m.log.Info().Int64("room_id", roomID).Msg("sender key rotated")
	m.announce(ctx, roomID, key, false)
	return nil
}

// Forget deletes the room's state. The next use starts a new sender chain.
func (m *Manager) Forget(ctx context.Context, roomID int64) error {
	unlock := m.locks.Lock(roomID)
	defer unlock()
	if err := m.store.DeleteGroupConversation(ctx, roomID); err != nil {
		return fmt.Errorf("forget room %d: %w", roomID, err)
	}
	m.log.Info().Int64("room_id", roomID).Msg("conversation state deleted")
	return nil
}

// InitSenderKey creates the room's sender key in the background.
func (m *Manager) InitSenderKey(ctx context.Context, roomID int64) {
	go func() {
		if _, err := m.GetOrCreate(ctx, roomID, true); err != nil {
			m.log.Error().Err(err).Int64("room_id", roomID).Msg("init sender key")
		}
	}()
}

// getOrCreateLocked must be called with the room lock held. created holds
// the base64 sender key when a new state was made.
func (m *Manager) getOrCreateLocked(ctx context.Context, roomID int64) (*RoomConversationState, string, error) {
	conv, found, err := m.store.GroupConversation(ctx, roomID)
	if err != nil {
		return nil, "", fmt.Errorf("%w: load room %d: %w", ErrNoSenderState, roomID, err)
	}
	st := &RoomConversationState{RoomID: roomID, Conversation: conv}
	if found {
		return st, "", nil
	}

	st.Conversation = m.newConv()
	if err := m.initSender(st.Conversation); err != nil {
		return nil, "", fmt.Errorf("%w: room %d: %w", ErrNoSenderState, roomID, err)
	}
	if err := m.save(ctx, st); err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrNoSenderState, err)
	}
	key, err := senderKeyB64Of(st.Conversation)
	if err != nil {
		return nil, "", fmt.Errorf("%w: room %d: %w", ErrNoSenderState, roomID, err)
	}
	m.log.Info().Int64("room_id", roomID).Msg("conversation state created")
	return st, key, nil
}

func (m *Manager) initSender(conv GroupConversation) error {
	deviceID, err := m.identity.DeviceID()
	if err != nil {
		return fmt.Errorf("device id: %w", err)
	}
	return conv.InitSender(crypto.NewHashID([]byte(deviceID)))
}

func (m *Manager) save(ctx context.Context, st *RoomConversationState) error {
	if err := m.store.SaveGroupConversation(ctx, st.RoomID, st.Conversation); err != nil {
		return fmt.Errorf("persist room %d: %w", st.RoomID, err)
	}
	return nil
}

// announce never fails the caller; distribution problems are logged.
func (m *Manager) announce(ctx context.Context, roomID int64, senderKey string, needReply bool) {
	if m.notifier == nil {
		return
	}
	log := m.log.With().Int64("room_id", roomID).Bool("need_reply", needReply).Logger()
	report, err := m.notifier.NotifyMembers(ctx, roomID, senderKey, needReply)
	if err != nil {
		log.Warn().Err(err).Msg("sender key distribution failed")
		return
	}
	for email, ferr := range report.Failed {
		log.Warn().Err(ferr).Str("member", email).Msg("sender key notice not queued")
	}
	log.Debug().Int("queued", len(report.Queued)).Msg("sender key announced")
}

func senderKeyB64Of(conv GroupConversation) (string, error) {
	key, err := conv.SenderKey()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
