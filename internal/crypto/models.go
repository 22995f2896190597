package crypto

type RoomRatchet struct {
	ChainKey []byte `cbor:"1,keyasint"` // secret state
	Index    uint64 `cbor:"2,keyasint"` // message count
}

// MessageKey is one derived AEAD key and nonce.
type MessageKey struct {
	Key   []byte `cbor:"1,keyasint"`
	Nonce []byte `cbor:"2,keyasint"`
}

// SenderChain is the local device's sending state for one room.
type SenderChain struct {
	KeyID      HashID      `cbor:"1,keyasint"`
	Chain      RoomRatchet `cbor:"2,keyasint"`
	SigningKey []byte      `cbor:"3,keyasint"` // packed Dilithium2 private key
	VerifyKey  []byte      `cbor:"4,keyasint"` // packed Dilithium2 public key
}

// RecipientChain tracks one peer's sender chain as seen by this device.
type RecipientChain struct {
	KeyID     HashID                `cbor:"1,keyasint"`
	Chain     RoomRatchet           `cbor:"2,keyasint"`
	VerifyKey []byte                `cbor:"3,keyasint"`
	Skipped   map[uint64]MessageKey `cbor:"4,keyasint"`
}
