package core

import (
	"errors"
	"fmt"
)

// Error kinds surfaced to the UI layer. Match with errors.Is.
var (
	ErrMediaAcquisition     = errors.New("media acquisition failed")
	ErrSignalingDelivery    = errors.New("signaling delivery failed")
	ErrDescriptionApply     = errors.New("description apply failed")
	ErrNoAudioTracks        = errors.New("no active audio tracks")
	ErrEmptyRecording       = errors.New("empty recording")
	ErrTranscriptionService = errors.New("transcription service error")
)

// Error carries the failing operation, its kind and the underlying cause.
type Error struct {
	Op   string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Wrap tags err with kind unless it already carries it.
func Wrap(op string, kind, err error) error {
	if err != nil && errors.Is(err, kind) {
		return err
	}
	return &Error{Op: op, Kind: kind, Err: err}
}

func MediaAcquisitionError(op string, err error) error {
	return Wrap(op, ErrMediaAcquisition, err)
}

func SignalingDeliveryError(op string, err error) error {
	return Wrap(op, ErrSignalingDelivery, err)
}

func DescriptionApplyError(op string, err error) error {
	return Wrap(op, ErrDescriptionApply, err)
}

func TranscriptionServiceError(op string, err error) error {
	return Wrap(op, ErrTranscriptionService, err)
}
