package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/life-stream-dev/life-stream-go-save-sync/internal/logger"
)

// 后缀顺序很重要: "ms" 必须在 "m" 和 "s" 之前匹配
var durationUnits = []struct {
	suffix string
	unit   time.Duration
}{
	{"ms", time.Millisecond},
	{"s", time.Second},
	{"m", time.Minute},
	{"h", time.Hour},
	{"d", 24 * time.Hour},
}

// ParseDuration parses config durations such as "250ms", "30s", "5m", "2h" or "1d".
func ParseDuration(timeString string) (time.Duration, error) {
	value := strings.ToLower(strings.TrimSpace(timeString))
	if value == "" {
		return 0, fmt.Errorf("empty time string")
	}
	for _, u := range durationUnits {
		number, found := strings.CutSuffix(value, u.suffix)
		if !found {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(number))
		if err != nil {
			return 0, fmt.Errorf("invalid time string %q: %w", timeString, err)
		}
		if n < 0 {
			return 0, fmt.Errorf("negative time string %q", timeString)
		}
		return time.Duration(n) * u.unit, nil
	}
	return 0, fmt.Errorf("invalid time format: %s", timeString)
}

// ParseStringTime is ParseDuration for callers that already validated the
// configuration; malformed values are logged and read as zero.
func ParseStringTime(timeString string) time.Duration {
	d, err := ParseDuration(timeString)
	if err != nil {
		logger.ErrorF("Error parsing time string: %v", err)
		return 0
	}
	return d
}
