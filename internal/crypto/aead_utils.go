package crypto

import (
	"crypto/cipher"
	"crypto/rand"

	chacha "golang.org/x/crypto/chacha20poly1305"
)

func SealAEAD(data []byte, aead cipher.AEAD) ([]byte, error) {
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ct := aead.Seal(nonce, nonce, data, nil)
	return ct, nil
}

func OpenAEAD(encData []byte, aead cipher.AEAD) ([]byte, error) {
	if len(encData) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrDecryptionFailed.WithDetails("sealed data too short")
	}
	nonce := encData[:aead.NonceSize()]
	return aead.Open(nil, nonce, encData[aead.NonceSize():], nil)
}

// Sealer seals and opens blobs with a fixed symmetric key.
type Sealer struct {
	aead cipher.AEAD
}

func NewSealer(key []byte) (*Sealer, error) {
	aead, err := chacha.New(key)
	if err != nil {
		return nil, ErrBadKey.WithDetails(err.Error())
	}
	return &Sealer{aead: aead}, nil
}

func (s *Sealer) Seal(data []byte) ([]byte, error) {
	return SealAEAD(data, s.aead)
}

func (s *Sealer) Open(data []byte) ([]byte, error) {
	pt, err := OpenAEAD(data, s.aead)
	if err != nil {
		return nil, ErrDecryptionFailed.WithDetails(err.Error())
	}
	return pt, nil
}
