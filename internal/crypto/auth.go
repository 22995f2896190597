package crypto

import (
	"golang.org/x/crypto/argon2"
	chacha "golang.org/x/crypto/chacha20poly1305"
)

// DeriveStorageKey stretches a passphrase into the key used to seal
// conversation state at rest.
func DeriveStorageKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, chacha.KeySize)
}
