package sendwindow

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Check outcomes, first failing rule wins.
const (
	ReasonOK            = "ok"
	ReasonDisabled      = "disabled"
	ReasonDay           = "day"
	ReasonTime          = "time"
	ReasonDailyLimit    = "daily_limit"
	ReasonPerInboxLimit = "per_inbox_limit"
)

// Config is the operator-facing send window policy.
type Config struct {
	Enabled       bool     `json:"enabled"`
	StartTime     string   `json:"start_time" validate:"required"` // HH:MM
	EndTime       string   `json:"end_time" validate:"required"`   // HH:MM
	DaysAllowed   []string `json:"days_allowed"`
	DailyLimit    int      `json:"daily_limit" validate:"gte=0"`
	PerInboxLimit int      `json:"per_inbox_limit" validate:"gte=0"`
	Timezone      string   `json:"timezone"`
}

// Policy answers "may this inbox send right now" and charges the counters
// on a successful non-dry-run check. The mutex makes the read-then-increment
// atomic so concurrent callers cannot both spend the last slot.
type Policy struct {
	cfg      Config
	counters CounterStore
	loc      *time.Location
	startMin int
	endMin   int

	mu  sync.Mutex
	now func() time.Time
}

func NewPolicy(cfg Config, counters CounterStore) (*Policy, error) {
	loc := time.UTC
	if cfg.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("load timezone %q: %w", cfg.Timezone, err)
		}
	}
	startMin, err := parseClock(cfg.StartTime)
	if err != nil {
		return nil, fmt.Errorf("start_time: %w", err)
	}
	endMin, err := parseClock(cfg.EndTime)
	if err != nil {
		return nil, fmt.Errorf("end_time: %w", err)
	}
	return &Policy{
		cfg:      cfg,
		counters: counters,
		loc:      loc,
		startMin: startMin,
		endMin:   endMin,
		now:      time.Now,
	}, nil
}

// Check evaluates the policy for one inbox (empty string checks only the
// global rules). With dryRun the counters are left untouched.
func (p *Policy) Check(inbox string, dryRun bool) (bool, string, error) {
	return p.check(inbox, dryRun, false)
}

// CheckBypassWindow skips the time-of-day rule, for forced/manual runs.
// The enable flag, weekday rule and caps still apply.
func (p *Policy) CheckBypassWindow(inbox string, dryRun bool) (bool, string, error) {
	return p.check(inbox, dryRun, true)
}

func (p *Policy) check(inbox string, dryRun, bypassWindow bool) (bool, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.cfg.Enabled {
		return false, ReasonDisabled, nil
	}

	now := p.now().In(p.loc)
	if !p.dayAllowed(now.Weekday()) {
		return false, ReasonDay, nil
	}
	if !bypassWindow {
		// The window is inclusive at both ends.
		cur := now.Hour()*60 + now.Minute()
		if cur < p.startMin || cur > p.endMin {
			return false, ReasonTime, nil
		}
	}

	day := now.Format("2006-01-02")
	if p.cfg.DailyLimit > 0 {
		global, err := p.counters.Get(day, "")
		if err != nil {
			return false, "", err
		}
		if global >= p.cfg.DailyLimit {
			return false, ReasonDailyLimit, nil
		}
	}
	if inbox != "" && p.cfg.PerInboxLimit > 0 {
		used, err := p.counters.Get(day, inbox)
		if err != nil {
			return false, "", err
		}
		if used >= p.cfg.PerInboxLimit {
			return false, ReasonPerInboxLimit, nil
		}
	}

	if !dryRun {
		if err := p.counters.Incr(day, ""); err != nil {
			return false, "", err
		}
		if inbox != "" {
			if err := p.counters.Incr(day, inbox); err != nil {
				return false, "", err
			}
		}
	}
	return true, ReasonOK, nil
}

func (p *Policy) dayAllowed(wd time.Weekday) bool {
	if len(p.cfg.DaysAllowed) == 0 {
		return true
	}
	cur := strings.ToLower(wd.String()[:3])
	for _, d := range p.cfg.DaysAllowed {
		d = strings.ToLower(strings.TrimSpace(d))
		if len(d) >= 3 && d[:3] == cur {
			return true
		}
	}
	return false
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("parse clock %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}
