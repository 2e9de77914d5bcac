package sequence

import (
	"time"
)

// DelayTable maps a stage (the last completed touch) to the required wait
// in days before the next touch. Stages without a rule have no wait.
type DelayTable map[string]int

// NewDelayTable normalizes the configured stage keys so lookups match the
// same spellings the parser accepts.
func NewDelayTable(raw map[string]int) DelayTable {
	t := make(DelayTable, len(raw))
	for k, v := range raw {
		t[NormalizeStage(k)] = v
	}
	return t
}

// Met reports whether enough time has passed since the last send for the
// given stage. A missing rule or missing last-send timestamp never blocks.
func (t DelayTable) Met(stage string, lastSent time.Time, hasLast bool, now time.Time) bool {
	days, ok := t[NormalizeStage(stage)]
	if !ok || days <= 0 {
		return true
	}
	if !hasLast {
		return true
	}
	return now.Sub(lastSent) >= time.Duration(days)*24*time.Hour
}
