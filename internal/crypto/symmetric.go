package crypto

import (
	chacha "golang.org/x/crypto/chacha20poly1305"
)

func EncryptMessage(r *RoomRatchet, plaintext, ad []byte) (ciphertext []byte, err error) {
	key, nonce, err := r.NextKey()
	if err != nil {
		return nil, ErrEncryptionFailed.WithDetails(err.Error())
	}
	return sealWithKey(MessageKey{Key: key, Nonce: nonce}, plaintext, ad)
}

func sealWithKey(mk MessageKey, plaintext, ad []byte) ([]byte, error) {
	aead, err := chacha.New(mk.Key)
	if err != nil {
		return nil, ErrEncryptionFailed.WithDetails(err.Error())
	}
	return aead.Seal(nil, mk.Nonce, plaintext, ad), nil
}

func openWithKey(mk MessageKey, ciphertext, ad []byte) ([]byte, error) {
	aead, err := chacha.New(mk.Key)
	if err != nil {
		return nil, ErrDecryptionFailed.WithDetails(err.Error())
	}
	pt, err := aead.Open(nil, mk.Nonce, ciphertext, ad)
	if err != nil {
		return nil, ErrDecryptionFailed.WithDetails(err.Error())
	}
	return pt, nil
}
