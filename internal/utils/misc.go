package utils

import (
	"github.com/google/uuid"
)

// GenerateRandomID returns a fresh unique id for locally generated comments.
func GenerateRandomID() string {
	return uuid.NewString()
}
