package state

import (
	"regexp"
	"strings"
)

var nicknamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{3,32}$`)

// Metadata is the descriptive part of a game save.
type Metadata struct {
	Nickname string `json:"nickname" bson:"nickname"`
}

type NicknameRequest struct {
	Nickname string `json:"nickname"`
}

func (r NicknameRequest) Normalize() (string, error) {
	nickname := strings.TrimSpace(r.Nickname)
	if nickname == "" {
		return "", Invalid("nickname is required")
	}
	if !nicknamePattern.MatchString(nickname) {
		return "", Invalid("nickname must be 3 to 32 letters, digits, '_' or '-'")
	}
	return nickname, nil
}
