package domain

import "strings"

type RoomName string

// MaxRoomMembers caps a room at one call pair.
const MaxRoomMembers = 2

type Room struct {
	Name RoomName
}

// ParseRoomName trims and validates a client supplied room name.
func ParseRoomName(raw string) (RoomName, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrRoomNameEmpty
	}
	if len(raw) > MaxRoomNameLen {
		return "", ErrRoomNameTooLong
	}
	return RoomName(raw), nil
}
