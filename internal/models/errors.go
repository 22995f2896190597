package models

import "chatsec/internal/utils"

var (
	ErrRoomNotFound    = utils.NewError("room not found")
	ErrCommentNotFound = utils.NewError("comment not found")
)
