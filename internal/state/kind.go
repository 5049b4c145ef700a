// Package state holds the per-game-save values that clients mutate in real
// time and that the flush pipeline persists.
package state

import (
	"fmt"
	"strings"
)

// Kind selects one of the mutable parts of a game save.
type Kind byte

const (
	KindCharacteristics Kind = iota + 1
	KindCurrency
	KindStage
	KindInventory
	KindMetadata
)

var kindNames = map[Kind]string{
	KindCharacteristics: "CHARACTERISTICS",
	KindCurrency:        "CURRENCY",
	KindStage:           "STAGE",
	KindInventory:       "INVENTORY",
	KindMetadata:        "METADATA",
}

var allKinds = []Kind{KindCharacteristics, KindCurrency, KindStage, KindInventory, KindMetadata}

// AllKinds returns every known kind in a stable order.
func AllKinds() []Kind {
	out := make([]Kind, len(allKinds))
	copy(out, allKinds)
	return out
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", byte(k))
}

func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// MustValid panics on an unknown kind. Reaching it is a programming error.
func (k Kind) MustValid() {
	if !k.Valid() {
		panic(fmt.Sprintf("state: unknown kind %d", byte(k)))
	}
}

func ParseKind(s string) (Kind, error) {
	upper := strings.ToUpper(strings.TrimSpace(s))
	for kind, name := range kindNames {
		if name == upper {
			return kind, nil
		}
	}
	return 0, fmt.Errorf("unknown kind %q", s)
}

// Zero returns the empty value stored for kind.
func (k Kind) Zero() any {
	switch k {
	case KindCharacteristics:
		return Characteristics{}
	case KindCurrency:
		return Currency{}
	case KindStage:
		return Stage{}
	case KindInventory:
		return NewInventory()
	case KindMetadata:
		return Metadata{}
	}
	k.MustValid()
	return nil
}
