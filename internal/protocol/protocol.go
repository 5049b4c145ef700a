// Package protocol defines the JSON frames exchanged over a client connection.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	CharacteristicsUpdate  EventType = "CHARACTERISTICS_UPDATE"
	CurrencyUpdate         EventType = "CURRENCY_UPDATE"
	StageUpdate            EventType = "STAGE_UPDATE"
	InventoryItemCreate    EventType = "INVENTORY_ITEM_CREATE"
	InventoryItemUpdate    EventType = "INVENTORY_ITEM_UPDATE"
	InventoryItemDelete    EventType = "INVENTORY_ITEM_DELETE"
	GameSaveUpdateNickname EventType = "GAME_SAVE_UPDATE_NICKNAME"

	Ack   EventType = "ACK"
	Error EventType = "ERROR"
)

// InboundTypes lists every event type a client may send.
func InboundTypes() []EventType {
	return []EventType{
		CharacteristicsUpdate, CurrencyUpdate, StageUpdate,
		InventoryItemCreate, InventoryItemUpdate, InventoryItemDelete,
		GameSaveUpdateNickname,
	}
}

// Reasons sent back to the client for failures detected outside a handler.
const (
	ReasonMalformedFrame   = "malformed frame"
	ReasonUnknownEventType = "unknown event type"
	ReasonInvalidSession   = "invalid or expired session"
	ReasonUserMismatch     = "user does not own this session"
	ReasonInternal         = "internal error while processing event"
)

var ErrMalformedFrame = errors.New(ReasonMalformedFrame)

// Frame is an inbound client event.
type Frame struct {
	EventType EventType       `json:"event_type"`
	SessionID uuid.UUID       `json:"session_id"`
	MessageID uuid.UUID       `json:"message_id"`
	UserID    uuid.UUID       `json:"user_id"`
	Payload   json.RawMessage `json:"payload"`
}

type AckFrame struct {
	EventType EventType `json:"event_type"`
	SessionID uuid.UUID `json:"session_id"`
	MessageID uuid.UUID `json:"message_id"`
	UserID    uuid.UUID `json:"user_id"`
}

type ErrorFrame struct {
	EventType EventType `json:"event_type"`
	ErrorID   uuid.UUID `json:"error_id"`
	SessionID uuid.UUID `json:"session_id"`
	MessageID uuid.UUID `json:"message_id"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

func NewAck(f Frame) AckFrame {
	return AckFrame{
		EventType: Ack,
		SessionID: f.SessionID,
		MessageID: f.MessageID,
		UserID:    f.UserID,
	}
}

func NewError(sessionID, messageID uuid.UUID, reason string) ErrorFrame {
	return ErrorFrame{
		EventType: Error,
		ErrorID:   uuid.New(),
		SessionID: sessionID,
		MessageID: messageID,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
}

// ErrorFor builds an ERROR frame correlated with f.
func ErrorFor(f Frame, reason string) ErrorFrame {
	return NewError(f.SessionID, f.MessageID, reason)
}

// looseFrame is used to recover whatever ids are readable from a frame that
// failed strict decoding.
type looseFrame struct {
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
}

// DecodeFrame parses an inbound frame. On failure the returned Frame still
// carries any session and message id that could be read so the ERROR reply
// can be correlated.
func DecodeFrame(data []byte) (Frame, error) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		var loose looseFrame
		if json.Unmarshal(data, &loose) == nil {
			frame.SessionID, _ = uuid.Parse(loose.SessionID)
			frame.MessageID, _ = uuid.Parse(loose.MessageID)
		}
		return frame, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch {
	case frame.EventType == "":
		return frame, fmt.Errorf("%w: event_type is required", ErrMalformedFrame)
	case frame.SessionID == uuid.Nil:
		return frame, fmt.Errorf("%w: session_id is required", ErrMalformedFrame)
	case frame.MessageID == uuid.Nil:
		return frame, fmt.Errorf("%w: message_id is required", ErrMalformedFrame)
	case frame.UserID == uuid.Nil:
		return frame, fmt.Errorf("%w: user_id is required", ErrMalformedFrame)
	}
	return frame, nil
}
