package core

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/peercall/internal/domain"
)

// EncodeMessage renders msg as one websocket text frame.
func EncodeMessage(msg domain.Message) (Frame, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	return b, nil
}

func DecodeMessage(f Frame) (domain.Message, error) {
	var msg domain.Message
	if err := json.Unmarshal(f, &msg); err != nil {
		return domain.Message{}, fmt.Errorf("decode message: %w", err)
	}
	if msg.Type == "" {
		return domain.Message{}, errors.New("decode message: missing type")
	}
	return msg, nil
}
