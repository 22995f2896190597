package crypto

import (
	"crypto/rand"

	"github.com/cloudflare/circl/kem/kyber/kyber1024"
	chacha "golang.org/x/crypto/chacha20poly1305"
)

// KEMScheme seals sender keys to a single member device.
var KEMScheme = kyber1024.Scheme()

// GenerateKEMKey returns a packed Kyber1024 key pair.
func GenerateKEMKey() (pub, priv []byte, err error) {
	pk, sk, err := KEMScheme.GenerateKeyPair()
	if err != nil {
		return nil, nil, err
	}
	if pub, err = pk.MarshalBinary(); err != nil {
		return nil, nil, err
	}
	if priv, err = sk.MarshalBinary(); err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

// SealTo encrypts plaintext for the holder of the Kyber1024 public key
// pubBlob. Output is encapsulation | nonce | chacha20poly1305(plaintext, ad).
func SealTo(pubBlob, plaintext, ad []byte) ([]byte, error) {
	pk, err := KEMScheme.UnmarshalBinaryPublicKey(pubBlob)
	if err != nil {
		return nil, ErrBadKey.WithDetails(err.Error())
	}
	ct, shared, err := KEMScheme.Encapsulate(pk)
	if err != nil {
		return nil, ErrEncryptionFailed.WithDetails(err.Error())
	}
	aead, err := chacha.New(shared)
	if err != nil {
		return nil, ErrEncryptionFailed.WithDetails(err.Error())
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, ErrEncryptionFailed.WithDetails(err.Error())
	}
	out := make([]byte, 0, len(ct)+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(append(out, ct...), nonce...)
	return aead.Seal(out, nonce, plaintext, ad), nil
}

// OpenFrom reverses SealTo with the packed private key privBlob.
func OpenFrom(privBlob, sealed, ad []byte) ([]byte, error) {
	sk, err := KEMScheme.UnmarshalBinaryPrivateKey(privBlob)
	if err != nil {
		return nil, ErrBadKey.WithDetails(err.Error())
	}
	ctSize := KEMScheme.CiphertextSize()
	if len(sealed) < ctSize+chacha.NonceSize+chacha.Overhead {
		return nil, ErrMalformed.WithDetails("sealed key too short")
	}
	shared, err := KEMScheme.Decapsulate(sk, sealed[:ctSize])
	if err != nil {
		return nil, ErrDecryptionFailed.WithDetails(err.Error())
	}
	aead, err := chacha.New(shared)
	if err != nil {
		return nil, ErrDecryptionFailed.WithDetails(err.Error())
	}
	nonce := sealed[ctSize : ctSize+chacha.NonceSize]
	pt, err := aead.Open(nil, nonce, sealed[ctSize+chacha.NonceSize:], ad)
	if err != nil {
		return nil, ErrDecryptionFailed.WithDetails(err.Error())
	}
	return pt, nil
}
