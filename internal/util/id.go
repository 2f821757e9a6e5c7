package util

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// NewID returns a random 32-character hex id (a v4 UUID without dashes).
func NewID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}
