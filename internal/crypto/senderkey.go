package crypto

import (
	"encoding/binary"
	"fmt"
)

const (
	headerSize   = 1 + 8 + 8
	chainKeySize = 32
)

// senderKeyMaterial is the announceable part of a sender chain: everything a
// peer needs to decrypt and verify messages from the current iteration on.
type senderKeyMaterial struct {
	KeyID     HashID
	Index     uint64
	ChainKey  []byte
	VerifyKey []byte
}

func (m senderKeyMaterial) marshal() []byte {
	out := make([]byte, 0, headerSize+len(m.ChainKey)+len(m.VerifyKey))
	out = appendHeader(out, m.KeyID, m.Index)
	out = append(out, m.ChainKey...)
	return append(out, m.VerifyKey...)
}

func parseSenderKeyMaterial(data []byte) (*senderKeyMaterial, error) {
	want := headerSize + chainKeySize + DilithiumScheme.PublicKeySize()
	if len(data) != want {
		return nil, ErrBadKey.WithDetails(fmt.Sprintf("sender key length %d, want %d", len(data), want))
	}
	keyID, index, err := parseHeader(data)
	if err != nil {
		return nil, err
	}
	rest := data[headerSize:]
	return &senderKeyMaterial{
		KeyID:     keyID,
		Index:     index,
		ChainKey:  append([]byte{}, rest[:chainKeySize]...),
		VerifyKey: append([]byte{}, rest[chainKeySize:]...),
	}, nil
}

// senderKeyMessage is one encrypted payload: header, AEAD body, signature.
type senderKeyMessage struct {
	KeyID      HashID
	Iteration  uint64
	Ciphertext []byte
	Signed     []byte // header || ciphertext
	Signature  []byte
}

func parseSenderKeyMessage(data []byte) (*senderKeyMessage, error) {
	sigSize := DilithiumScheme.SignatureSize()
	if len(data) < headerSize+sigSize {
		return nil, ErrMalformed.WithDetails("message too short")
	}
	keyID, iteration, err := parseHeader(data)
	if err != nil {
		return nil, err
	}
	signed := data[:len(data)-sigSize]
	return &senderKeyMessage{
		KeyID:      keyID,
		Iteration:  iteration,
		Ciphertext: signed[headerSize:],
		Signed:     signed,
		Signature:  data[len(data)-sigSize:],
	}, nil
}

func appendHeader(dst []byte, keyID HashID, index uint64) []byte {
	dst = append(dst, senderKeyVersion)
	dst = binary.BigEndian.AppendUint64(dst, uint64(keyID))
	return binary.BigEndian.AppendUint64(dst, index)
}

func parseHeader(data []byte) (HashID, uint64, error) {
	if len(data) < headerSize {
		return 0, 0, ErrMalformed.WithDetails("short header")
	}
	if data[0] != senderKeyVersion {
		return 0, 0, ErrMalformed.WithDetails(fmt.Sprintf("unknown version %d", data[0]))
	}
	keyID := HashID(binary.BigEndian.Uint64(data[1:9]))
	index := binary.BigEndian.Uint64(data[9:17])
	return keyID, index, nil
}
