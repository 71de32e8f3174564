package models

import (
	"time"
)

// User represents a mailhook account. Every thread, message, endpoint, and guard rule belongs to exactly one user.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
