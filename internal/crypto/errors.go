package crypto

import "chatsec/internal/utils"

var (
	ErrEncryptionFailed = utils.NewError("encryption failed")
	ErrDecryptionFailed = utils.NewError("decryption failed")
	ErrSigningFailed    = utils.NewError("signing failed")
	ErrSignatureInvalid = utils.NewError("signature invalid")
	ErrBadKey           = utils.NewError("invalid key provided")
	ErrMalformed        = utils.NewError("malformed message")
	ErrNoSender         = utils.NewError("sender chain not initialized")
	ErrNoRecipient      = utils.NewError("no recipient chain for sender")
	ErrDuplicateMessage = utils.NewError("message key already used")
	ErrTooFarAhead      = utils.NewError("message too far ahead of chain")
)
