package p2p

import "fmt"

// Topic namespace root
const topicRoot = "/chatsec"

// The comment stream of a room, encrypted or not
func RoomTopic(roomID int64) string {
	return fmt.Sprintf("%s/rooms/%d/comments", topicRoot, roomID)
}
