package crypto

import (
	ss "github.com/cloudflare/circl/sign/schemes"
)

var DilithiumScheme = ss.ByName("Dilithium2")

const (
	// senderKeyVersion tags both sender-key material and ciphertexts.
	senderKeyVersion byte = 1

	// MaxForwardJump bounds how many message keys a recipient derives to
	// reach an out-of-order iteration.
	MaxForwardJump = 2000
	// MaxSkippedKeys bounds the skipped message keys kept per recipient.
	MaxSkippedKeys = 2000
)
