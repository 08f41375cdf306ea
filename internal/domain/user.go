// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

const (
	MaxEmailLen    = 254
	MaxRoomNameLen = 36
)

var (
	ErrEmailTooLong    = errors.New("email too long")
	ErrRoomNameEmpty   = errors.New("room name empty")
	ErrRoomNameTooLong = errors.New("room name too long")
)

// SessionID is the relay-assigned identity of one signaling connection.
// It is valid only for the lifetime of that connection.
type SessionID string

// NewSessionID mints a fresh identity for a new connection.
func NewSessionID() SessionID {
	return SessionID(uuid.NewString())
}

type User struct {
	ID    SessionID `json:"id"`
	Email string    `json:"email"`
}

func NewUser(id SessionID, email string) (*User, error) {
	email = strings.TrimSpace(email)
	if len(email) > MaxEmailLen {
		return nil, ErrEmailTooLong
	}
	return &User{ID: id, Email: email}, nil
}
