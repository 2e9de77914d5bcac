package sendwindow

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"leadpilot/models"
)

// CounterStore holds per-day send counts. Day keys make date rollover
// implicit: a new day reads zero without any reset pass.
type CounterStore interface {
	Get(day, inbox string) (int, error)
	Incr(day, inbox string) error
}

// RedisOptions configures the optional Redis-backed store.
type RedisOptions struct {
	Address  string
	Password string
	DB       int
}

// NewCounterStore picks the Redis store when options are given, otherwise
// the database-backed default.
func NewCounterStore(db *gorm.DB, redisOpts *RedisOptions) CounterStore {
	if redisOpts != nil {
		return NewRedisCounterStore(*redisOpts)
	}
	return NewGormCounterStore(db)
}

type GormCounterStore struct {
	db *gorm.DB
}

func NewGormCounterStore(db *gorm.DB) *GormCounterStore {
	return &GormCounterStore{db: db}
}

func (s *GormCounterStore) Get(day, inbox string) (int, error) {
	var row models.SendCounter
	err := s.db.Where("day = ? AND inbox = ?", day, inbox).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read counter: %w", err)
	}
	return row.Sent, nil
}

func (s *GormCounterStore) Incr(day, inbox string) error {
	row := models.SendCounter{Day: day, Inbox: inbox, Sent: 1, UpdatedAt: time.Now()}
	err := s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "day"}, {Name: "inbox"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"sent":       gorm.Expr("send_counters.sent + 1"),
			"updated_at": time.Now(),
		}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("increment counter: %w", err)
	}
	return nil
}

type RedisCounterStore struct {
	client *redis.Client
}

func NewRedisCounterStore(opts RedisOptions) *RedisCounterStore {
	return &RedisCounterStore{
		client: redis.NewClient(&redis.Options{
			Addr:     opts.Address,
			Password: opts.Password,
			DB:       opts.DB,
		}),
	}
}

func counterKey(day, inbox string) string {
	if inbox == "" {
		inbox = "__global__"
	}
	return fmt.Sprintf("sendwindow:%s:%s", day, inbox)
}

func (s *RedisCounterStore) Get(day, inbox string) (int, error) {
	n, err := s.client.Get(context.Background(), counterKey(day, inbox)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read counter: %w", err)
	}
	return n, nil
}

func (s *RedisCounterStore) Incr(day, inbox string) error {
	ctx := context.Background()
	key := counterKey(day, inbox)
	if err := s.client.Incr(ctx, key).Err(); err != nil {
		return fmt.Errorf("increment counter: %w", err)
	}
	// Old day keys are never read again; expire them instead of sweeping.
	s.client.Expire(ctx, key, 48*time.Hour)
	return nil
}

func (s *RedisCounterStore) Close() error {
	return s.client.Close()
}
