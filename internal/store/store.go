// Package store provides access to the datapoint catalog.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Datapoint is a catalog rule mapping a value inside an MQTT payload
// onto a context-broker attribute.
type Datapoint struct {
	ObjectID      string `gorm:"column:object_id;primaryKey" json:"object_id"`
	JSONPath      string `gorm:"column:jsonpath" json:"jsonpath"`
	Topic         string `gorm:"column:topic;index" json:"topic"`
	EntityID      string `gorm:"column:entity_id" json:"entity_id"`
	EntityType    string `gorm:"column:entity_type" json:"entity_type"`
	AttributeName string `gorm:"column:attribute_name" json:"attribute_name"`
	Description   string `gorm:"column:description" json:"description"`
}

// TableName maps the model onto the devices table owned by the
// administrative API.
func (Datapoint) TableName() string { return "devices" }

const backoffBase = 250 * time.Millisecond

// Config holds datapoint store configuration.
type Config struct {
	// DSN is the Postgres connection string.
	DSN string
	// BackoffCeiling caps the reconnect backoff between attempts.
	BackoffCeiling time.Duration
	// MaxOpenConns bounds the connection pool.
	MaxOpenConns int
}

// Store reads the datapoint catalog. It is a read-only consumer of the
// devices table; writes happen in the administrative API.
type Store struct {
	db *gorm.DB
	lg zerolog.Logger
}

// Open connects to the catalog database, retrying with bounded
// exponential backoff until the context is cancelled.
func Open(ctx context.Context, cfg Config, lg zerolog.Logger) (*Store, error) {
	ceiling := cfg.BackoffCeiling
	if ceiling <= 0 {
		ceiling = 5 * time.Second
	}

	delay := backoffBase
	for {
		db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err == nil {
			sqlDB, err := db.DB()
			if err != nil {
				return nil, fmt.Errorf("get sql.DB: %w", err)
			}
			if cfg.MaxOpenConns > 0 {
				sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
			}
			return &Store{db: db, lg: lg}, nil
		}

		lg.Warn().Err(err).Dur("retry_in", delay).Msg("catalog connect failed")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		if delay *= 2; delay > ceiling {
			delay = ceiling
		}
	}
}

// New wraps an existing database handle. Used by tests.
func New(db *gorm.DB, lg zerolog.Logger) *Store { return &Store{db: db, lg: lg} }

// ListTopics returns the distinct topics with at least one rule.
func (s *Store) ListTopics(ctx context.Context) ([]string, error) {
	var topics []string
	err := s.db.WithContext(ctx).
		Model(&Datapoint{}).
		Distinct().
		Order("topic").
		Pluck("topic", &topics).Error
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	return topics, nil
}

// RulesFor returns the rules listening on topic, ordered by object id.
func (s *Store) RulesFor(ctx context.Context, topic string) ([]Datapoint, error) {
	var rules []Datapoint
	err := s.db.WithContext(ctx).
		Select("object_id", "jsonpath", "entity_id", "entity_type", "attribute_name").
		Where("topic = ?", topic).
		Order("object_id").
		Find(&rules).Error
	if err != nil {
		return nil, fmt.Errorf("rules for topic %s: %w", topic, err)
	}
	for i := range rules {
		rules[i].Topic = topic
	}
	return rules, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
