package e2ee

import "chatsec/internal/utils"

var (
	ErrNoSenderState  = utils.NewError("conversation state unavailable")
	ErrInvalidPayload = utils.NewError("invalid structured payload")
	ErrInvalidNotice  = utils.NewError("invalid sender key notice")
	ErrNoNoticeKey    = utils.NewError("member has no notice key")
)
