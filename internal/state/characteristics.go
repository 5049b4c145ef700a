package state

type Characteristics struct {
	Attack     int64 `json:"attack" bson:"attack"`
	CritChance int64 `json:"critChance" bson:"crit_chance"`
	CritDamage int64 `json:"critDamage" bson:"crit_damage"`
	Health     int64 `json:"health" bson:"health"`
	Resistance int64 `json:"resistance" bson:"resistance"`
}

// CharacteristicsPatch carries the fields present in an update request.
type CharacteristicsPatch struct {
	Attack     *int64 `json:"attack"`
	CritChance *int64 `json:"critChance"`
	CritDamage *int64 `json:"critDamage"`
	Health     *int64 `json:"health"`
	Resistance *int64 `json:"resistance"`
}

func (p CharacteristicsPatch) Validate() error {
	if p.Attack == nil && p.CritChance == nil && p.CritDamage == nil && p.Health == nil && p.Resistance == nil {
		return Invalid("characteristics update must contain at least one field")
	}
	return firstError(
		nonNegative("attack", p.Attack),
		nonNegative("critChance", p.CritChance),
		nonNegative("critDamage", p.CritDamage),
		nonNegative("health", p.Health),
		nonNegative("resistance", p.Resistance),
	)
}

func (p CharacteristicsPatch) Apply(base Characteristics) Characteristics {
	if p.Attack != nil {
		base.Attack = *p.Attack
	}
	if p.CritChance != nil {
		base.CritChance = *p.CritChance
	}
	if p.CritDamage != nil {
		base.CritDamage = *p.CritDamage
	}
	if p.Health != nil {
		base.Health = *p.Health
	}
	if p.Resistance != nil {
		base.Resistance = *p.Resistance
	}
	return base
}
