package state

type Stage struct {
	CurrentStage int64 `json:"currentStage" bson:"current_stage"`
	MaxStage     int64 `json:"maxStage" bson:"max_stage"`
	Wave         int64 `json:"wave" bson:"wave"`
}

type StagePatch struct {
	CurrentStage *int64 `json:"currentStage"`
	MaxStage     *int64 `json:"maxStage"`
	Wave         *int64 `json:"wave"`
}

func (p StagePatch) Validate() error {
	if p.CurrentStage == nil && p.MaxStage == nil && p.Wave == nil {
		return Invalid("stage update must contain at least one field")
	}
	return firstError(
		nonNegative("currentStage", p.CurrentStage),
		nonNegative("maxStage", p.MaxStage),
		nonNegative("wave", p.Wave),
	)
}

func (p StagePatch) Apply(base Stage) Stage {
	if p.CurrentStage != nil {
		base.CurrentStage = *p.CurrentStage
	}
	if p.MaxStage != nil {
		base.MaxStage = *p.MaxStage
	}
	if p.Wave != nil {
		base.Wave = *p.Wave
	}
	return base
}
