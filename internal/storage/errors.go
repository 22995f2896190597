package storage

import "chatsec/internal/utils"

var (
	ErrNoRows         = utils.NewError("no rows in result set")
	ErrDBNotConnected = utils.NewError("database not connected")
	ErrSealed         = utils.NewError("state is sealed and no passphrase is configured")
)
