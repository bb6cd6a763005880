package common

import (
	"github.com/google/uuid"
)

// NewID generates an entity id
func NewID() string {
	return uuid.New().String()
}
