package profile

import "chatsec/internal/utils"

var (
	ErrProfileNotFound = utils.ErrProfileNotFound
	ErrInvalidPassword = utils.NewError("invalid password")
)
