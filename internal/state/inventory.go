package state

import (
	"maps"
	"slices"
	"strings"
)

type ItemType string

const (
	ItemBoots      ItemType = "BOOTS"
	ItemChestplate ItemType = "CHESTPLATE"
	ItemGloves     ItemType = "GLOVES"
	ItemHelmet     ItemType = "HELMET"
	ItemShield     ItemType = "SHIELD"
	ItemSword      ItemType = "SWORD"
)

type ItemRarity string

const (
	RarityNormal    ItemRarity = "NORMAL"
	RarityUncommon  ItemRarity = "UNCOMMON"
	RarityRare      ItemRarity = "RARE"
	RarityEpic      ItemRarity = "EPIC"
	RarityLegendary ItemRarity = "LEGENDARY"
	RarityMythic    ItemRarity = "MYTHIC"
)

type ItemStatistic string

const (
	StatAttackAdd      ItemStatistic = "ATTACK_ADD"
	StatAttackMult     ItemStatistic = "ATTACK_MULT"
	StatCritChance     ItemStatistic = "CRIT_CHANCE"
	StatCritDamage     ItemStatistic = "CRIT_DAMAGE"
	StatHealthAdd      ItemStatistic = "HEALTH_ADD"
	StatHealthMult     ItemStatistic = "HEALTH_MULT"
	StatResistanceAdd  ItemStatistic = "RESISTANCE_ADD"
	StatResistanceMult ItemStatistic = "RESISTANCE_MULT"
)

var (
	itemTypes      = []ItemType{ItemBoots, ItemChestplate, ItemGloves, ItemHelmet, ItemShield, ItemSword}
	itemRarities   = []ItemRarity{RarityNormal, RarityUncommon, RarityRare, RarityEpic, RarityLegendary, RarityMythic}
	itemStatistics = []ItemStatistic{
		StatAttackAdd, StatAttackMult, StatCritChance, StatCritDamage,
		StatHealthAdd, StatHealthMult, StatResistanceAdd, StatResistanceMult,
	}
)

// ParseItemType accepts the enum name in any case ("boots" or "BOOTS").
func ParseItemType(s string) (ItemType, bool) {
	t := ItemType(strings.ToUpper(strings.TrimSpace(s)))
	return t, slices.Contains(itemTypes, t)
}

func ParseItemRarity(s string) (ItemRarity, bool) {
	r := ItemRarity(strings.ToUpper(strings.TrimSpace(s)))
	return r, slices.Contains(itemRarities, r)
}

func ParseItemStatistic(s string) (ItemStatistic, bool) {
	st := ItemStatistic(strings.ToUpper(strings.TrimSpace(s)))
	return st, slices.Contains(itemStatistics, st)
}

type ItemStat struct {
	Statistic ItemStatistic `json:"statistic" bson:"statistic"`
	BaseValue float64       `json:"baseValue" bson:"base_value"`
}

type Item struct {
	ClientID        string     `json:"clientId" bson:"client_id"`
	BlueprintID     string     `json:"blueprintId" bson:"blueprint_id"`
	Type            ItemType   `json:"type" bson:"type"`
	Rarity          ItemRarity `json:"rarity" bson:"rarity"`
	IsEquipped      bool       `json:"isEquipped" bson:"is_equipped"`
	Level           int64      `json:"level" bson:"level"`
	MainStat        ItemStat   `json:"mainStat" bson:"main_stat"`
	AdditionalStats []ItemStat `json:"additionalStats,omitempty" bson:"additional_stats,omitempty"`
}

func (i Item) clone() Item {
	i.AdditionalStats = slices.Clone(i.AdditionalStats)
	return i
}

// Inventory is the per-game-save item collection keyed by client id.
type Inventory struct {
	Items map[string]Item `json:"items" bson:"items"`
}

func NewInventory() Inventory {
	return Inventory{Items: make(map[string]Item)}
}

// Clone returns a deep copy so that cached values are never aliased.
func (inv Inventory) Clone() Inventory {
	out := Inventory{Items: make(map[string]Item, len(inv.Items))}
	for id, item := range inv.Items {
		out.Items[id] = item.clone()
	}
	return out
}

func (inv Inventory) Has(clientID string) bool {
	_, ok := inv.Items[clientID]
	return ok
}

// Sorted returns the items ordered by client id.
func (inv Inventory) Sorted() []Item {
	ids := slices.Sorted(maps.Keys(inv.Items))
	out := make([]Item, 0, len(ids))
	for _, id := range ids {
		out = append(out, inv.Items[id])
	}
	return out
}

// ItemStatRequest is the wire form of a stat before enum validation.
type ItemStatRequest struct {
	Statistic string   `json:"statistic"`
	BaseValue *float64 `json:"baseValue"`
}

func (r *ItemStatRequest) toStat(field string) (ItemStat, error) {
	if r == nil {
		return ItemStat{}, Invalid("%s is required", field)
	}
	stat, ok := ParseItemStatistic(r.Statistic)
	if !ok {
		return ItemStat{}, Invalid("%s.statistic %q is not a known statistic", field, r.Statistic)
	}
	if r.BaseValue == nil {
		return ItemStat{}, Invalid("%s.baseValue is required", field)
	}
	if *r.BaseValue < 0 {
		return ItemStat{}, Invalid("%s.baseValue must be non-negative", field)
	}
	return ItemStat{Statistic: stat, BaseValue: *r.BaseValue}, nil
}

// ItemRequest is the payload of inventory create and update events.
type ItemRequest struct {
	ClientID        string            `json:"clientId"`
	BlueprintID     string            `json:"blueprintId"`
	Type            string            `json:"type"`
	Rarity          string            `json:"rarity"`
	IsEquipped      *bool             `json:"isEquipped"`
	Level           *int64            `json:"level"`
	MainStat        *ItemStatRequest  `json:"mainStat"`
	AdditionalStats []ItemStatRequest `json:"additionalStats"`
}

// ToItem validates the request and converts it into an Item.
func (r ItemRequest) ToItem() (Item, error) {
	if strings.TrimSpace(r.ClientID) == "" {
		return Item{}, Invalid("clientId is required")
	}
	if strings.TrimSpace(r.BlueprintID) == "" {
		return Item{}, Invalid("blueprintId is required")
	}
	itemType, ok := ParseItemType(r.Type)
	if !ok {
		return Item{}, Invalid("type %q is not a known item type", r.Type)
	}
	rarity, ok := ParseItemRarity(r.Rarity)
	if !ok {
		return Item{}, Invalid("rarity %q is not a known item rarity", r.Rarity)
	}
	if r.IsEquipped == nil {
		return Item{}, Invalid("isEquipped is required")
	}
	if r.Level == nil {
		return Item{}, Invalid("level is required")
	}
	if *r.Level <= 0 {
		return Item{}, Invalid("level must be positive")
	}
	mainStat, err := r.MainStat.toStat("mainStat")
	if err != nil {
		return Item{}, err
	}

	item := Item{
		ClientID:    r.ClientID,
		BlueprintID: r.BlueprintID,
		Type:        itemType,
		Rarity:      rarity,
		IsEquipped:  *r.IsEquipped,
		Level:       *r.Level,
		MainStat:    mainStat,
	}
	for i := range r.AdditionalStats {
		stat, err := r.AdditionalStats[i].toStat("additionalStats")
		if err != nil {
			return Item{}, err
		}
		item.AdditionalStats = append(item.AdditionalStats, stat)
	}
	return item, nil
}

type ItemDeleteRequest struct {
	ClientID string `json:"clientId"`
}

func (r ItemDeleteRequest) Validate() error {
	if strings.TrimSpace(r.ClientID) == "" {
		return Invalid("clientId is required")
	}
	return nil
}
