package crypto

import (
	"github.com/cloudflare/circl/sign"
)

// GenerateSigningKey returns a packed Dilithium2 key pair.
func GenerateSigningKey() (pub, priv []byte, err error) {
	pk, sk, err := DilithiumScheme.GenerateKey()
	if err != nil {
		return nil, nil, ErrSigningFailed.WithDetails(err.Error())
	}
	pub, err = pk.MarshalBinary()
	if err != nil {
		return nil, nil, ErrSigningFailed.WithDetails(err.Error())
	}
	priv, err = sk.MarshalBinary()
	if err != nil {
		return nil, nil, ErrSigningFailed.WithDetails(err.Error())
	}
	return pub, priv, nil
}

func Sign(message, skBlob []byte) ([]byte, error) {
	sk, err := DilithiumScheme.UnmarshalBinaryPrivateKey(skBlob)
	if err != nil {
		return nil, ErrSigningFailed.WithDetails(err.Error())
	}
	return DilithiumScheme.Sign(sk, message, nil), nil
}

func ValidateSignature(pkBlob, message, sig []byte) error {
	pk, err := DilithiumScheme.UnmarshalBinaryPublicKey(pkBlob)
	if err != nil {
		return ErrBadKey.WithDetails(err.Error())
	}
	if !verify(pk, message, sig) {
		return ErrSignatureInvalid
	}
	return nil
}

func verify(pk sign.PublicKey, message, sig []byte) bool {
	if len(sig) != DilithiumScheme.SignatureSize() {
		return false
	}
	return DilithiumScheme.Verify(pk, message, sig, nil)
}
