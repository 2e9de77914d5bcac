package sendwindow

import (
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"leadpilot/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.SendCounter{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func testConfig() Config {
	return Config{
		Enabled:       true,
		StartTime:     "08:00",
		EndTime:       "17:00",
		DaysAllowed:   []string{"Mon", "Tue", "Wed", "Thu", "Fri"},
		DailyLimit:    100,
		PerInboxLimit: 25,
		Timezone:      "UTC",
	}
}

// 2026-08-19 is a Wednesday.
func insideWindow() time.Time {
	return time.Date(2026, 8, 19, 10, 0, 0, 0, time.UTC)
}

func newTestPolicy(t *testing.T, cfg Config) *Policy {
	t.Helper()
	p, err := NewPolicy(cfg, NewGormCounterStore(newTestDB(t)))
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}
	p.now = insideWindow
	return p
}

func TestCheck_RuleOrder(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	p := newTestPolicy(t, cfg)
	allowed, reason, err := p.Check("", true)
	require.NoError(t, err)
	require.False(t, allowed)
	require.Equal(t, ReasonDisabled, reason)

	p = newTestPolicy(t, testConfig())
	p.now = func() time.Time { return time.Date(2026, 8, 22, 10, 0, 0, 0, time.UTC) } // Saturday
	_, reason, err = p.Check("", true)
	require.NoError(t, err)
	require.Equal(t, ReasonDay, reason)

	p = newTestPolicy(t, testConfig())
	p.now = func() time.Time { return time.Date(2026, 8, 19, 6, 30, 0, 0, time.UTC) }
	_, reason, err = p.Check("", true)
	require.NoError(t, err)
	require.Equal(t, ReasonTime, reason)

	p = newTestPolicy(t, testConfig())
	allowed, reason, err = p.Check("sender@ourco.com", true)
	require.NoError(t, err)
	require.True(t, allowed)
	require.Equal(t, ReasonOK, reason)
}

func TestCheck_WindowEndsInclusive(t *testing.T) {
	p := newTestPolicy(t, testConfig())

	p.now = func() time.Time { return time.Date(2026, 8, 19, 17, 0, 0, 0, time.UTC) }
	allowed, reason, err := p.Check("", true)
	require.NoError(t, err)
	require.True(t, allowed, "17:00 is still inside an 08:00-17:00 window")
	require.Equal(t, ReasonOK, reason)

	p.now = func() time.Time { return time.Date(2026, 8, 19, 17, 1, 0, 0, time.UTC) }
	_, reason, err = p.Check("", true)
	require.NoError(t, err)
	require.Equal(t, ReasonTime, reason)

	p.now = func() time.Time { return time.Date(2026, 8, 19, 8, 0, 0, 0, time.UTC) }
	allowed, _, err = p.Check("", true)
	require.NoError(t, err)
	require.True(t, allowed, "the start minute is inside the window")
}

func TestCheck_BypassWindowSkipsTimeRuleOnly(t *testing.T) {
	p := newTestPolicy(t, testConfig())
	p.now = func() time.Time { return time.Date(2026, 8, 19, 22, 0, 0, 0, time.UTC) }

	_, reason, err := p.Check("", true)
	require.NoError(t, err)
	require.Equal(t, ReasonTime, reason)

	allowed, reason, err := p.CheckBypassWindow("", true)
	require.NoError(t, err)
	require.True(t, allowed)
	require.Equal(t, ReasonOK, reason)

	// The weekday rule still applies under bypass.
	p.now = func() time.Time { return time.Date(2026, 8, 22, 10, 0, 0, 0, time.UTC) }
	_, reason, err = p.CheckBypassWindow("", true)
	require.NoError(t, err)
	require.Equal(t, ReasonDay, reason)
}

func TestCheck_DryRunNeverSpendsCounters(t *testing.T) {
	cfg := testConfig()
	cfg.DailyLimit = 1
	p := newTestPolicy(t, cfg)

	for i := 0; i < 5; i++ {
		allowed, reason, err := p.Check("sender@ourco.com", true)
		require.NoError(t, err)
		require.True(t, allowed, "dry run %d should still be allowed, got %s", i, reason)
	}
}

func TestCheck_DailyLimitScenario(t *testing.T) {
	cfg := testConfig()
	cfg.DailyLimit = 2
	cfg.PerInboxLimit = 0
	p := newTestPolicy(t, cfg)

	for i := 0; i < 2; i++ {
		allowed, _, err := p.Check("", false)
		require.NoError(t, err)
		require.True(t, allowed, "send %d should be allowed", i+1)
	}
	allowed, reason, err := p.Check("", false)
	require.NoError(t, err)
	require.False(t, allowed)
	require.Equal(t, ReasonDailyLimit, reason)
}

func TestCheck_PerInboxLimit(t *testing.T) {
	cfg := testConfig()
	cfg.PerInboxLimit = 1
	p := newTestPolicy(t, cfg)

	allowed, _, err := p.Check("a@ourco.com", false)
	require.NoError(t, err)
	require.True(t, allowed)

	_, reason, err := p.Check("a@ourco.com", false)
	require.NoError(t, err)
	require.Equal(t, ReasonPerInboxLimit, reason)

	// A different inbox still has capacity.
	allowed, _, err = p.Check("b@ourco.com", false)
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestCheck_ConcurrentCallersNeverOverspend(t *testing.T) {
	const (
		callers = 20
		limit   = 5
	)
	cfg := testConfig()
	cfg.DailyLimit = limit
	cfg.PerInboxLimit = 0
	p := newTestPolicy(t, cfg)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			allowed, _, err := p.Check("", false)
			if err != nil {
				t.Errorf("check: %v", err)
				return
			}
			if allowed {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, limit, successes, "exactly min(N, K) callers must succeed")
}

func TestCheck_DateRolloverResetsCounters(t *testing.T) {
	cfg := testConfig()
	cfg.DailyLimit = 1
	p := newTestPolicy(t, cfg)

	allowed, _, err := p.Check("", false)
	require.NoError(t, err)
	require.True(t, allowed)

	_, reason, err := p.Check("", false)
	require.NoError(t, err)
	require.Equal(t, ReasonDailyLimit, reason)

	// Next day, first access sees a fresh counter.
	p.now = func() time.Time { return insideWindow().Add(24 * time.Hour) }
	allowed, _, err = p.Check("", false)
	require.NoError(t, err)
	require.True(t, allowed)
}
