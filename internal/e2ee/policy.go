package e2ee

import (
	"chatsec/internal/models"

	"github.com/tidwall/gjson"
)

const DefaultPlaceholder = "Message cannot be decrypted"

// Classifier decides which comments take part in group encryption.
type Classifier interface {
	EncryptableMessage(rawType models.RawType) bool
	DecryptableType(c *models.Comment) bool
	Placeholder() string
}

// DefaultClassifier encrypts user-authored content types and leaves
// system events and key-distribution notices in the clear.
type DefaultClassifier struct {
	PlaceholderText string
}

func (DefaultClassifier) EncryptableMessage(rawType models.RawType) bool {
	switch rawType {
	case models.RawTypeText, models.RawTypeReply, models.RawTypeFileAttachment,
		models.RawTypeContactPerson, models.RawTypeLocation, models.RawTypeCustom:
		return true
	}
	return false
}

func (d DefaultClassifier) DecryptableType(c *models.Comment) bool {
	if c == nil || !d.EncryptableMessage(c.RawType) {
		return false
	}
	return !IsSenderKeyNotice(c)
}

func (d DefaultClassifier) Placeholder() string {
	if d.PlaceholderText != "" {
		return d.PlaceholderText
	}
	return DefaultPlaceholder
}

// IsSenderKeyNotice reports whether c carries a sender key distribution.
func IsSenderKeyNotice(c *models.Comment) bool {
	if c.RawType != models.RawTypeCustom || !gjson.Valid(c.ExtraPayload) {
		return false
	}
	return gjson.Get(c.ExtraPayload, "type").String() == NoticeType
}
