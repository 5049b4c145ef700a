package handler

import (
	"context"
	"encoding/json"

	"github.com/life-stream-dev/life-stream-go-save-sync/internal/protocol"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/state"
)

type itemOp int

const (
	opCreate itemOp = iota
	opUpdate
)

// itemHandler creates or replaces one item of the owner's inventory. A create
// for an existing clientId and an update for a missing one are rejected.
type itemHandler struct {
	op     itemOp
	writer *StateWriter
}

func NewInventoryCreateHandler(w *StateWriter) Handler {
	return &itemHandler{op: opCreate, writer: w}
}

func NewInventoryUpdateHandler(w *StateWriter) Handler {
	return &itemHandler{op: opUpdate, writer: w}
}

func (h *itemHandler) Type() protocol.EventType {
	if h.op == opCreate {
		return protocol.InventoryItemCreate
	}
	return protocol.InventoryItemUpdate
}

func (h *itemHandler) Validate(payload json.RawMessage) (any, error) {
	req, err := decode[state.ItemRequest](payload)
	if err != nil {
		return nil, err
	}
	item, err := req.ToItem()
	if err != nil {
		return nil, err
	}
	return item, nil
}

func (h *itemHandler) Apply(ctx context.Context, ownerID string, cmd any) error {
	item := cmd.(state.Item)
	return h.writer.Mutate(ctx, state.KindInventory, ownerID, func(current any) (any, error) {
		inv := current.(state.Inventory)
		exists := inv.Has(item.ClientID)
		switch {
		case h.op == opCreate && exists:
			return nil, state.Invalid("item with clientId %q already exists", item.ClientID)
		case h.op == opUpdate && !exists:
			return nil, state.Invalid("item with clientId %q does not exist", item.ClientID)
		}
		inv.Items[item.ClientID] = item
		return inv, nil
	})
}

type itemDeleteHandler struct {
	writer *StateWriter
}

func NewInventoryDeleteHandler(w *StateWriter) Handler {
	return &itemDeleteHandler{writer: w}
}

func (h *itemDeleteHandler) Type() protocol.EventType { return protocol.InventoryItemDelete }

func (h *itemDeleteHandler) Validate(payload json.RawMessage) (any, error) {
	req, err := decode[state.ItemDeleteRequest](payload)
	if err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req.ClientID, nil
}

func (h *itemDeleteHandler) Apply(ctx context.Context, ownerID string, cmd any) error {
	clientID := cmd.(string)
	return h.writer.Mutate(ctx, state.KindInventory, ownerID, func(current any) (any, error) {
		inv := current.(state.Inventory)
		if !inv.Has(clientID) {
			return nil, state.Invalid("item with clientId %q does not exist", clientID)
		}
		delete(inv.Items, clientID)
		return inv, nil
	})
}
