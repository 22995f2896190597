package crypto

import (
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"
)

// GroupConversation holds one room's sender-key state: the local sender chain
// and one recipient chain per peer that announced its sender key.
//
// Every Encrypt and successful Decrypt advances state; callers must persist
// the conversation after each use.
type GroupConversation struct {
	Sender     *SenderChain               `cbor:"1,keyasint,omitempty"`
	Recipients map[HashID]*RecipientChain `cbor:"2,keyasint"`
}

func NewGroupConversation() *GroupConversation {
	return &GroupConversation{Recipients: make(map[HashID]*RecipientChain)}
}

// InitSender generates a fresh sender chain identified by id, replacing any
// previous one.
func (c *GroupConversation) InitSender(id HashID) error {
	chainKey, err := GenerateChainKey()
	if err != nil {
		return ErrBadKey.WithDetails(err.Error())
	}
	pub, priv, err := GenerateSigningKey()
	if err != nil {
		return err
	}
	c.Sender = &SenderChain{
		KeyID:      id,
		Chain:      RoomRatchet{ChainKey: chainKey},
		SigningKey: priv,
		VerifyKey:  pub,
	}
	return nil
}

// SenderKey returns the current announceable sender-key material.
func (c *GroupConversation) SenderKey() ([]byte, error) {
	if c.Sender == nil {
		return nil, ErrNoSender
	}
	m := senderKeyMaterial{
		KeyID:     c.Sender.KeyID,
		Index:     c.Sender.Chain.Index,
		ChainKey:  c.Sender.Chain.ChainKey,
		VerifyKey: c.Sender.VerifyKey,
	}
	return m.marshal(), nil
}

// InitRecipient installs or replaces the recipient chain announced in key.
func (c *GroupConversation) InitRecipient(key []byte) error {
	m, err := parseSenderKeyMaterial(key)
	if err != nil {
		return err
	}
	if c.Recipients == nil {
		c.Recipients = make(map[HashID]*RecipientChain)
	}
	c.Recipients[m.KeyID] = &RecipientChain{
		KeyID:     m.KeyID,
		Chain:     RoomRatchet{ChainKey: m.ChainKey, Index: m.Index},
		VerifyKey: m.VerifyKey,
		Skipped:   make(map[uint64]MessageKey),
	}
	return nil
}

func (c *GroupConversation) Encrypt(plaintext []byte) ([]byte, error) {
	if c.Sender == nil {
		return nil, ErrNoSender
	}
	header := appendHeader(nil, c.Sender.KeyID, c.Sender.Chain.Index)

	next := c.Sender.Chain.Clone()
	ct, err := EncryptMessage(next, plaintext, header)
	if err != nil {
		return nil, err
	}
	signed := append(header, ct...)
	sig, err := Sign(signed, c.Sender.SigningKey)
	if err != nil {
		return nil, err
	}
	c.Sender.Chain = *next
	return append(signed, sig...), nil
}

// Decrypt opens a message from any known recipient chain. State only changes
// when the message authenticates and decrypts.
func (c *GroupConversation) Decrypt(data []byte) ([]byte, error) {
	msg, err := parseSenderKeyMessage(data)
	if err != nil {
		return nil, err
	}
	rc, ok := c.Recipients[msg.KeyID]
	if !ok {
		return nil, ErrNoRecipient.WithDetails(msg.KeyID.String())
	}
	if err := ValidateSignature(rc.VerifyKey, msg.Signed, msg.Signature); err != nil {
		return nil, err
	}
	header := msg.Signed[:headerSize]

	if msg.Iteration < rc.Chain.Index {
		mk, ok := rc.Skipped[msg.Iteration]
		if !ok {
			return nil, ErrDuplicateMessage.WithDetails(fmt.Sprintf("iteration %d", msg.Iteration))
		}
		pt, err := openWithKey(mk, msg.Ciphertext, header)
		if err != nil {
			return nil, err
		}
		delete(rc.Skipped, msg.Iteration)
		return pt, nil
	}

	if msg.Iteration-rc.Chain.Index > MaxForwardJump {
		return nil, ErrTooFarAhead.WithDetails(fmt.Sprintf("iteration %d, chain at %d", msg.Iteration, rc.Chain.Index))
	}
	chain := rc.Chain.Clone()
	skipped, err := chain.Seek(msg.Iteration)
	if err != nil {
		return nil, ErrDecryptionFailed.WithDetails(err.Error())
	}
	key, nonce, err := chain.NextKey()
	if err != nil {
		return nil, ErrDecryptionFailed.WithDetails(err.Error())
	}
	pt, err := openWithKey(MessageKey{Key: key, Nonce: nonce}, msg.Ciphertext, header)
	if err != nil {
		return nil, err
	}

	rc.Chain = *chain
	if rc.Skipped == nil {
		rc.Skipped = make(map[uint64]MessageKey)
	}
	for idx, mk := range skipped {
		rc.Skipped[idx] = mk
	}
	rc.pruneSkipped()
	return pt, nil
}

// pruneSkipped drops the oldest skipped keys beyond MaxSkippedKeys.
func (rc *RecipientChain) pruneSkipped() {
	if len(rc.Skipped) <= MaxSkippedKeys {
		return
	}
	idx := make([]uint64, 0, len(rc.Skipped))
	for i := range rc.Skipped {
		idx = append(idx, i)
	}
	sort.Slice(idx, func(a, b int) bool { return idx[a] < idx[b] })
	for _, i := range idx[:len(idx)-MaxSkippedKeys] {
		delete(rc.Skipped, i)
	}
}

// conversationState has the fields of GroupConversation without its
// methods, so cbor encodes the struct instead of calling MarshalBinary.
type conversationState GroupConversation

func (c *GroupConversation) MarshalBinary() ([]byte, error) {
	return cbor.Marshal((*conversationState)(c))
}

func UnmarshalGroupConversation(data []byte) (*GroupConversation, error) {
	c := NewGroupConversation()
	if err := cbor.Unmarshal(data, (*conversationState)(c)); err != nil {
		return nil, fmt.Errorf("decode group conversation: %w", err)
	}
	if c.Recipients == nil {
		c.Recipients = make(map[HashID]*RecipientChain)
	}
	return c, nil
}
