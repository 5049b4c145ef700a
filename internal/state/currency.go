package state

type Currency struct {
	Gold     int64 `json:"gold" bson:"gold"`
	Diamond  int64 `json:"diamond" bson:"diamond"`
	Emerald  int64 `json:"emerald" bson:"emerald"`
	Amethyst int64 `json:"amethyst" bson:"amethyst"`
}

type CurrencyPatch struct {
	Gold     *int64 `json:"gold"`
	Diamond  *int64 `json:"diamond"`
	Emerald  *int64 `json:"emerald"`
	Amethyst *int64 `json:"amethyst"`
}

func (p CurrencyPatch) Validate() error {
	if p.Gold == nil && p.Diamond == nil && p.Emerald == nil && p.Amethyst == nil {
		return Invalid("currency update must contain at least one field")
	}
	return firstError(
		nonNegative("gold", p.Gold),
		nonNegative("diamond", p.Diamond),
		nonNegative("emerald", p.Emerald),
		nonNegative("amethyst", p.Amethyst),
	)
}

func (p CurrencyPatch) Apply(base Currency) Currency {
	if p.Gold != nil {
		base.Gold = *p.Gold
	}
	if p.Diamond != nil {
		base.Diamond = *p.Diamond
	}
	if p.Emerald != nil {
		base.Emerald = *p.Emerald
	}
	if p.Amethyst != nil {
		base.Amethyst = *p.Amethyst
	}
	return base
}
