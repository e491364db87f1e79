package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Interaction is one chat exchange as seen by the user.
type Interaction struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	CreatedAt   time.Time `json:"created_at"`
	UserMessage string    `json:"user_message"`
	Reply       string    `json:"reply"`
	Status      string    `json:"status"` // "ok" or "error"
}
