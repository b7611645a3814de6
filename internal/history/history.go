// Package history persists finished match results so the platform can show
// per-user match history and leaderboards.
package history

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/transcend42/pong-backend/internal/session"
)

// MatchResult is one finished match. WinnerID is zero for aborted matches.
type MatchResult struct {
	ID         uint   `gorm:"primaryKey"`
	GameID     string `gorm:"index;not null"`
	Player0ID  int64  `gorm:"index;not null"`
	Player1ID  int64  `gorm:"index;not null"`
	Score0     int    `gorm:"not null"`
	Score1     int    `gorm:"not null"`
	WinnerID   int64
	WinnerSeat int
	StartedAt  time.Time
	DurationMS int64
	CreatedAt  time.Time
}

type Store struct {
	db *gorm.DB
}

// Open connects to Postgres and migrates the schema.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn))
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	return New(db)
}

// New wraps an existing gorm handle; tests pass a SQLite one.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&MatchResult{}); err != nil {
		return nil, fmt.Errorf("migrate history schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Record implements session.Recorder.
func (s *Store) Record(ctx context.Context, res session.Result) error {
	row := MatchResult{
		GameID:     res.GameID,
		Player0ID:  res.Players[0],
		Player1ID:  res.Players[1],
		Score0:     res.Score[0],
		Score1:     res.Score[1],
		WinnerSeat: res.WinnerSeat,
		StartedAt:  res.StartedAt,
		DurationMS: res.Duration.Milliseconds(),
	}
	if res.WinnerSeat >= 0 && res.WinnerSeat < 2 {
		row.WinnerID = res.Players[res.WinnerSeat]
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert match result: %w", err)
	}
	return nil
}

// ByUser returns a user's most recent matches, newest first.
func (s *Store) ByUser(ctx context.Context, userID int64, limit int) ([]MatchResult, error) {
	if limit <= 0 {
		limit = 20
	}
	rows := make([]MatchResult, 0, limit)
	err := s.db.WithContext(ctx).
		Where("player0_id = ? OR player1_id = ?", userID, userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query match history: %w", err)
	}
	return rows, nil
}
