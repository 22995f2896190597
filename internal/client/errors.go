package client

import "chatsec/internal/utils"

var (
	ErrNotInitialized = utils.NewError("client not initialized")
	ErrSendFailed     = utils.NewError("send failed")
)
