package models

type RoomMember struct {
	Email     string `json:"email"`
	Username  string `json:"username"`
	Avatar    string `json:"avatar_url,omitempty"`
	// NoticeKey is the member device's Kyber1024 public key; sender key
	// notices for the member are sealed to it.
	NoticeKey []byte `json:"kem_public_key,omitempty"`
}

type ChatRoom struct {
	ID         int64        `json:"id"`
	Name       string       `json:"room_name"`
	Group      bool         `json:"is_group"`
	DistinctID string       `json:"distinct_id,omitempty"`
	Members    []RoomMember `json:"participants"`
}

// MemberEmails returns the emails of all members in declaration order.
func (r *ChatRoom) MemberEmails() []string {
	out := make([]string, 0, len(r.Members))
	for _, m := range r.Members {
		out = append(out, m.Email)
	}
	return out
}
