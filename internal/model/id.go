package model

import "github.com/google/uuid"

// NewID returns a time-ordered (UUIDv7) identifier for messages and attachments.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
