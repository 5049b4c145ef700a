// Package handler validates and applies the state change carried by each
// inbound event type.
package handler

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/life-stream-dev/life-stream-go-save-sync/internal/protocol"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/state"
)

// Handler handles one event type. Validate is pure and returns the decoded
// command or a *state.ValidationError. Apply performs exactly one state write
// for the owner and must not leave partial changes behind on error.
type Handler interface {
	Type() protocol.EventType
	Validate(payload json.RawMessage) (any, error)
	Apply(ctx context.Context, ownerID string, cmd any) error
}

func decode[T any](payload json.RawMessage) (T, error) {
	var v T
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return v, state.Invalid("payload is required")
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return v, state.Invalid("malformed payload: %v", err)
	}
	return v, nil
}

type patch[T any] interface {
	Validate() error
	Apply(base T) T
}

// patchHandler covers the scalar kinds where a request merges into the
// current value.
type patchHandler[T any, P patch[T]] struct {
	eventType protocol.EventType
	kind      state.Kind
	writer    *StateWriter
}

func (h *patchHandler[T, P]) Type() protocol.EventType { return h.eventType }

func (h *patchHandler[T, P]) Validate(payload json.RawMessage) (any, error) {
	p, err := decode[P](payload)
	if err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (h *patchHandler[T, P]) Apply(ctx context.Context, ownerID string, cmd any) error {
	p := cmd.(P)
	return h.writer.Mutate(ctx, h.kind, ownerID, func(current any) (any, error) {
		return p.Apply(current.(T)), nil
	})
}

func NewCharacteristicsHandler(w *StateWriter) Handler {
	return &patchHandler[state.Characteristics, state.CharacteristicsPatch]{
		eventType: protocol.CharacteristicsUpdate,
		kind:      state.KindCharacteristics,
		writer:    w,
	}
}

func NewCurrencyHandler(w *StateWriter) Handler {
	return &patchHandler[state.Currency, state.CurrencyPatch]{
		eventType: protocol.CurrencyUpdate,
		kind:      state.KindCurrency,
		writer:    w,
	}
}

func NewStageHandler(w *StateWriter) Handler {
	return &patchHandler[state.Stage, state.StagePatch]{
		eventType: protocol.StageUpdate,
		kind:      state.KindStage,
		writer:    w,
	}
}

type nicknameHandler struct {
	writer *StateWriter
}

func NewNicknameHandler(w *StateWriter) Handler {
	return &nicknameHandler{writer: w}
}

func (h *nicknameHandler) Type() protocol.EventType { return protocol.GameSaveUpdateNickname }

func (h *nicknameHandler) Validate(payload json.RawMessage) (any, error) {
	req, err := decode[state.NicknameRequest](payload)
	if err != nil {
		return nil, err
	}
	nickname, err := req.Normalize()
	if err != nil {
		return nil, err
	}
	return nickname, nil
}

func (h *nicknameHandler) Apply(ctx context.Context, ownerID string, cmd any) error {
	nickname := cmd.(string)
	return h.writer.Mutate(ctx, state.KindMetadata, ownerID, func(current any) (any, error) {
		meta := current.(state.Metadata)
		meta.Nickname = nickname
		return meta, nil
	})
}

// All returns one handler per inbound event type.
func All(w *StateWriter) []Handler {
	return []Handler{
		NewCharacteristicsHandler(w),
		NewCurrencyHandler(w),
		NewStageHandler(w),
		NewInventoryCreateHandler(w),
		NewInventoryUpdateHandler(w),
		NewInventoryDeleteHandler(w),
		NewNicknameHandler(w),
	}
}
