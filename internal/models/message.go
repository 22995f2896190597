// Package models defines the chat data models shared by the encryption core and its stores.
package models

import "strings"

// RawType is the declared category of a comment's content.
type RawType string

const (
	RawTypeText           RawType = "text"
	RawTypeReply          RawType = "reply"
	RawTypeFileAttachment RawType = "file_attachment"
	RawTypeContactPerson  RawType = "contact_person"
	RawTypeLocation       RawType = "location"
	RawTypeCustom         RawType = "custom"
	RawTypeSystemEvent    RawType = "system_event"
	RawTypeButtons        RawType = "buttons"
	RawTypeCard           RawType = "card"
)

// CommentState tracks outbound delivery of a comment.
type CommentState int

const (
	StateFailed    CommentState = -1
	StatePending   CommentState = 0
	StateSending   CommentState = 1
	StateOnServer  CommentState = 2
	StateDelivered CommentState = 3
	StateRead      CommentState = 4
)

type Comment struct {
	ID           int64        `json:"id"`
	RoomID       int64        `json:"room_id"`
	UniqueID     string       `json:"unique_temp_id"`
	Message      string       `json:"message"`
	SenderEmail  string       `json:"email"`
	SenderName   string       `json:"username"`
	RawType      RawType      `json:"type"`
	ExtraPayload string       `json:"payload,omitempty"`
	State        CommentState `json:"-"`
	Timestamp    int64        `json:"unix_nano_timestamp"`

	// DecryptPending marks a stored inbound comment that is shown as a
	// placeholder until its sender key arrives.
	DecryptPending bool `json:"-"`
}

// IsMyComment reports whether the comment was authored by the account email.
func (c *Comment) IsMyComment(accountEmail string) bool {
	return strings.EqualFold(strings.TrimSpace(c.SenderEmail), strings.TrimSpace(accountEmail))
}

// Clone returns a copy safe to mutate independently.
func (c *Comment) Clone() *Comment {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}
