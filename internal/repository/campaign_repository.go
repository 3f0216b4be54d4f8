package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	appErrors "github.com/unclebandit/smsleopard-messaging/internal/errors"
	"github.com/unclebandit/smsleopard-messaging/internal/model"
)

type CampaignRepositoryInterface interface {
	// Campaign CRUD
	ListCampaigns(ctx context.Context, offset, limit int, channel, status string) ([]*model.Campaign, int, error)
	GetByID(ctx context.Context, id int) (*model.Campaign, error)
	GetStatus(ctx context.Context, id int) (model.CampaignStatus, error)
	UpdateStatus(ctx context.Context, campaignID int, status model.CampaignStatus) error
	Update(ctx context.Context, c *model.Campaign) error
	Create(ctx context.Context, c *model.Campaign) error

	// Scheduling
	ListDue(ctx context.Context, now time.Time, limit int) ([]int, error)
	SetNextRunAt(ctx context.Context, campaignID int, at *time.Time) error

	// Cycle lease
	AcquireLease(ctx context.Context, campaignID int, ttl time.Duration) (string, error)
	RefreshLease(ctx context.Context, campaignID int, token string, ttl time.Duration) error
	ReleaseLease(ctx context.Context, campaignID int, token string) error
}

type CampaignRepository struct {
	DB *sql.DB
}

const campaignColumns = `
	id, name, channel, status, template_a, template_b, daily_cap, timezone,
	window_start, window_end, excluded_weekdays, next_run_at,
	created_at, updated_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (*model.Campaign, error) {
	var c model.Campaign
	var weekdays pq.Int64Array
	var start, end int
	err := row.Scan(
		&c.ID, &c.Name, &c.Channel, &c.Status, &c.TemplateA, &c.TemplateB, &c.DailyCap, &c.Timezone,
		&start, &end, &weekdays, &c.NextRunAt,
		&c.CreatedAt, &c.UpdatedAt, &c.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Window = model.ServiceWindow{
		Start:            model.ClockTime(start),
		End:              model.ClockTime(end),
		ExcludedWeekdays: model.WeekdaysFromInts(weekdays),
	}
	return &c, nil
}

// ====================== Campaign CRUD ======================

func (r *CampaignRepository) Create(ctx context.Context, c *model.Campaign) error {
	c.CreatedAt = time.Now()
	if c.Status == "" {
		c.Status = model.CampaignDraft
	}
	if c.Channel == "" {
		c.Channel = "sms"
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	query := `
		INSERT INTO campaigns (name, channel, status, template_a, template_b, daily_cap, timezone,
		                       window_start, window_end, excluded_weekdays, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`
	return r.DB.QueryRowContext(ctx, query,
		c.Name, c.Channel, c.Status, c.TemplateA, c.TemplateB, c.DailyCap, c.Timezone,
		int(c.Window.Start), int(c.Window.End), pq.Array(c.Window.WeekdayInts()), c.CreatedAt,
	).Scan(&c.ID)
}

func (r *CampaignRepository) Update(ctx context.Context, c *model.Campaign) error {
	query := `
		UPDATE campaigns
		SET name=$1, template_a=$2, template_b=$3, daily_cap=$4, timezone=$5,
		    window_start=$6, window_end=$7, excluded_weekdays=$8, updated_at=NOW()
		WHERE id=$9
	`
	res, err := r.DB.ExecContext(ctx, query,
		c.Name, c.TemplateA, c.TemplateB, c.DailyCap, c.Timezone,
		int(c.Window.Start), int(c.Window.End), pq.Array(c.Window.WeekdayInts()), c.ID,
	)
	if err != nil {
		return err
	}
	return requireRow(res, c.ID)
}

func (r *CampaignRepository) UpdateStatus(ctx context.Context, campaignID int, status model.CampaignStatus) error {
	query := `
		UPDATE campaigns
		SET status=$1, updated_at=NOW(),
		    completed_at = CASE WHEN $1::text = 'completed' THEN NOW() ELSE completed_at END
		WHERE id=$2
	`
	res, err := r.DB.ExecContext(ctx, query, status, campaignID)
	if err != nil {
		return err
	}
	return requireRow(res, campaignID)
}

func (r *CampaignRepository) GetByID(ctx context.Context, id int) (*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id=$1`
	c, err := scanCampaign(r.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, err
	}
	return c, nil
}

// GetStatus is the cheap liveness read the engine does between recipients.
func (r *CampaignRepository) GetStatus(ctx context.Context, id int) (model.CampaignStatus, error) {
	var status model.CampaignStatus
	err := r.DB.QueryRowContext(ctx, `SELECT status FROM campaigns WHERE id=$1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", appErrors.NewCampaignNotFound(id)
	}
	return status, err
}

func (r *CampaignRepository) ListCampaigns(ctx context.Context, offset, limit int, channel, status string) ([]*model.Campaign, int, error) {
	campaigns := []*model.Campaign{}
	where := ` WHERE 1=1`
	args := []interface{}{}
	argPos := 1

	if channel != "" {
		where += fmt.Sprintf(" AND channel=$%d", argPos)
		args = append(args, channel)
		argPos++
	}
	if status != "" {
		where += fmt.Sprintf(" AND status=$%d", argPos)
		args = append(args, status)
		argPos++
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM campaigns`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + campaignColumns + ` FROM campaigns` + where +
		fmt.Sprintf(" ORDER BY id DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	args = append(args, limit, offset)

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, err
		}
		campaigns = append(campaigns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	return campaigns, total, nil
}

// ====================== Scheduling ======================

// ListDue returns active campaigns whose next run is at or before now.
func (r *CampaignRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]int, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id FROM campaigns
		WHERE status = 'active' AND next_run_at IS NOT NULL AND next_run_at <= $1
		ORDER BY next_run_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *CampaignRepository) SetNextRunAt(ctx context.Context, campaignID int, at *time.Time) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE campaigns SET next_run_at=$1 WHERE id=$2`, at, campaignID)
	return err
}

// ====================== Cycle lease ======================

// AcquireLease stores a fresh token on the campaign row unless a live lease
// is already held. An expired lease is taken over.
func (r *CampaignRepository) AcquireLease(ctx context.Context, campaignID int, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE campaigns
		SET lock_token = $1, lock_expires_at = NOW() + $2::bigint * INTERVAL '1 millisecond'
		WHERE id = $3 AND (lock_token = '' OR lock_expires_at IS NULL OR lock_expires_at < NOW())
	`, token, ttl.Milliseconds(), campaignID)
	if err != nil {
		return "", fmt.Errorf("acquire lease for campaign %d: %w", campaignID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if n == 0 {
		if _, err := r.GetStatus(ctx, campaignID); err != nil {
			return "", err
		}
		return "", appErrors.ErrCycleInProgress
	}
	return token, nil
}

func (r *CampaignRepository) RefreshLease(ctx context.Context, campaignID int, token string, ttl time.Duration) error {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE campaigns
		SET lock_expires_at = NOW() + $1::bigint * INTERVAL '1 millisecond'
		WHERE id = $2 AND lock_token = $3
	`, ttl.Milliseconds(), campaignID, token)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return appErrors.ErrLeaseLost
	}
	return nil
}

func (r *CampaignRepository) ReleaseLease(ctx context.Context, campaignID int, token string) error {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE campaigns SET lock_token = '', lock_expires_at = NULL
		WHERE id = $1 AND lock_token = $2
	`, campaignID, token)
	return err
}

// PostgresLocker exposes the campaign row lease through the same shape as
// the Redis locker.
type PostgresLocker struct {
	Repo CampaignRepositoryInterface
	TTL  time.Duration
}

func (l *PostgresLocker) Acquire(ctx context.Context, campaignID int) (string, error) {
	return l.Repo.AcquireLease(ctx, campaignID, l.TTL)
}

func (l *PostgresLocker) Refresh(ctx context.Context, campaignID int, token string) error {
	return l.Repo.RefreshLease(ctx, campaignID, token, l.TTL)
}

func (l *PostgresLocker) Release(ctx context.Context, campaignID int, token string) error {
	return l.Repo.ReleaseLease(ctx, campaignID, token)
}

func requireRow(res sql.Result, campaignID int) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return appErrors.NewCampaignNotFound(campaignID)
	}
	return nil
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
