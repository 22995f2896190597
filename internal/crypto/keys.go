package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// HashID identifies a sender chain. It is derived from the owning device id so
// that every device announces a stable id per room.
type HashID uint64

func NewHashID(data []byte) HashID {
	sum := sha256.Sum256(data)
	return HashID(binary.BigEndian.Uint64(sum[:8]))
}

func (h HashID) String() string {
	return fmt.Sprintf("%016x", uint64(h))
}

func GenerateChainKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

func GenerateSalt() ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return salt, nil
}
