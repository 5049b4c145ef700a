package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/life-stream-dev/life-stream-go-save-sync/internal/state"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrOwnerIdEmpty  = errors.New("owner id is empty")
	ErrMailIdEmpty   = errors.New("mail id is empty")
	ErrValueMismatch = errors.New("value does not match kind")
)

// Mail is a time-boxed record that is deleted once it expires.
type Mail struct {
	ID        string    `json:"id" bson:"_id"`
	ExpiresAt time.Time `json:"expires_at" bson:"expires_at"`
}

// Gateway is the system of record behind the cache. Save is an upsert of the
// full value of one (kind, owner) pair.
type Gateway interface {
	Save(ctx context.Context, kind state.Kind, ownerID string, value any) error
	Load(ctx context.Context, kind state.Kind, ownerID string) (any, error)
	FindAllDirtyCandidates(ctx context.Context, kind state.Kind) ([]string, error)
	SaveMail(ctx context.Context, mail Mail) error
	MailExpiries(ctx context.Context) ([]Mail, error)
	DeleteMail(ctx context.Context, id string) error
	Close(ctx context.Context) error
}

// 集合名
var collectionNames = map[state.Kind]string{
	state.KindCharacteristics: "characteristics",
	state.KindCurrency:        "currencies",
	state.KindStage:           "stages",
	state.KindInventory:       "inventories",
	state.KindMetadata:        "game_save_metadata",
}

const MailCollectionName = "mails"

func collectionName(kind state.Kind) string {
	name, ok := collectionNames[kind]
	if !ok {
		kind.MustValid()
	}
	return name
}

// checkValue verifies that value has the Go type stored for kind.
func checkValue(kind state.Kind, value any) error {
	var ok bool
	switch kind {
	case state.KindCharacteristics:
		_, ok = value.(state.Characteristics)
	case state.KindCurrency:
		_, ok = value.(state.Currency)
	case state.KindStage:
		_, ok = value.(state.Stage)
	case state.KindInventory:
		_, ok = value.(state.Inventory)
	case state.KindMetadata:
		_, ok = value.(state.Metadata)
	default:
		kind.MustValid()
	}
	if !ok {
		return fmt.Errorf("%w: %s got %T", ErrValueMismatch, kind, value)
	}
	return nil
}

// decodeValue decodes a stored value of kind through unmarshal, which is
// json.Unmarshal or bson.Unmarshal bound to the raw bytes.
func decodeValue(kind state.Kind, unmarshal func(any) error) (any, error) {
	switch kind {
	case state.KindCharacteristics:
		var v state.Characteristics
		err := unmarshal(&v)
		return v, err
	case state.KindCurrency:
		var v state.Currency
		err := unmarshal(&v)
		return v, err
	case state.KindStage:
		var v state.Stage
		err := unmarshal(&v)
		return v, err
	case state.KindInventory:
		var v state.Inventory
		if err := unmarshal(&v); err != nil {
			return nil, err
		}
		if v.Items == nil {
			v.Items = make(map[string]state.Item)
		}
		return v, nil
	case state.KindMetadata:
		var v state.Metadata
		err := unmarshal(&v)
		return v, err
	}
	kind.MustValid()
	return nil, nil
}
