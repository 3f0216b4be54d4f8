package repository

import (
	"context"
	"database/sql"
	"errors"
)

// ErrDailyCapReached is returned when an increment would pass the cap.
var ErrDailyCapReached = errors.New("daily cap reached")

type CounterRepositoryInterface interface {
	Get(ctx context.Context, campaignID int, day string) (int, error)
	Increment(ctx context.Context, campaignID int, day string, dailyCap int) (int, error)
}

// CounterRepository stores per-campaign sent counts keyed by local calendar
// day ("2006-01-02"). Rows are never reset; a new day is a new key.
type CounterRepository struct {
	DB *sql.DB
}

func (r *CounterRepository) Get(ctx context.Context, campaignID int, day string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `
		SELECT sent_count FROM daily_counters WHERE campaign_id = $1 AND day = $2::date
	`, campaignID, day).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

// Increment adds one send and returns the new count. The update is guarded
// so the stored count can never pass dailyCap.
func (r *CounterRepository) Increment(ctx context.Context, campaignID int, day string, dailyCap int) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `
		INSERT INTO daily_counters AS dc (campaign_id, day, sent_count)
		VALUES ($1, $2::date, 1)
		ON CONFLICT (campaign_id, day) DO UPDATE
			SET sent_count = dc.sent_count + 1
			WHERE dc.sent_count < $3
		RETURNING sent_count
	`, campaignID, day, dailyCap).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return dailyCap, ErrDailyCapReached
	}
	return n, err
}

var _ CounterRepositoryInterface = (*CounterRepository)(nil)
