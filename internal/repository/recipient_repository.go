package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/unclebandit/smsleopard-messaging/internal/model"
)

// RecipientRepositoryInterface defines methods used by the services
type RecipientRepositoryInterface interface {
	GetByID(ctx context.Context, id int) (*model.Recipient, error)
	GetByPhone(ctx context.Context, phone string) (*model.Recipient, error)
	GetOrCreate(ctx context.Context, in model.RecipientInput, source string) (*model.Recipient, error)
	IsOptedOut(ctx context.Context, phone string) (bool, error)
	MarkOptedOut(ctx context.Context, recipientID int, source string, at time.Time) (bool, error)

	// Campaign membership
	AddToCampaign(ctx context.Context, campaignID, recipientID int) (bool, error)
	ListEligible(ctx context.Context, campaignID int) ([]*model.Recipient, error)
	CountPending(ctx context.Context, campaignID int) (int, error)
}

// RecipientRepository is the concrete implementation
type RecipientRepository struct {
	DB *sql.DB
}

const recipientColumns = `
	r.id, r.phone, r.first_name, r.last_name, r.address, r.source_list,
	r.opted_out, r.opted_out_at, r.opt_out_source, r.created_at`

func scanRecipient(row rowScanner) (*model.Recipient, error) {
	var rc model.Recipient
	if err := row.Scan(
		&rc.ID, &rc.Phone, &rc.FirstName, &rc.LastName, &rc.Address, &rc.SourceList,
		&rc.OptedOut, &rc.OptedOutAt, &rc.OptOutSource, &rc.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &rc, nil
}

// GetByID fetches a recipient by ID, nil when absent
func (r *RecipientRepository) GetByID(ctx context.Context, id int) (*model.Recipient, error) {
	rc, err := scanRecipient(r.DB.QueryRowContext(ctx,
		`SELECT `+recipientColumns+` FROM recipients r WHERE r.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rc, err
}

// GetByPhone expects an E.164 phone, nil when absent
func (r *RecipientRepository) GetByPhone(ctx context.Context, phone string) (*model.Recipient, error) {
	rc, err := scanRecipient(r.DB.QueryRowContext(ctx,
		`SELECT `+recipientColumns+` FROM recipients r WHERE r.phone = $1`, phone))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rc, err
}

// GetOrCreate inserts the recipient on first reference. Existing rows only
// have blank personalization fields filled in; the opt-out columns are never
// touched here.
func (r *RecipientRepository) GetOrCreate(ctx context.Context, in model.RecipientInput, source string) (*model.Recipient, error) {
	query := `
		INSERT INTO recipients AS r (phone, first_name, last_name, address, source_list)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (phone) DO UPDATE SET
			first_name = CASE WHEN r.first_name = '' THEN EXCLUDED.first_name ELSE r.first_name END,
			last_name  = CASE WHEN r.last_name = '' THEN EXCLUDED.last_name ELSE r.last_name END,
			address    = CASE WHEN r.address = '' THEN EXCLUDED.address ELSE r.address END
		RETURNING ` + recipientColumns
	return scanRecipient(r.DB.QueryRowContext(ctx, query, in.Phone, in.FirstName, in.LastName, in.Address, source))
}

func (r *RecipientRepository) IsOptedOut(ctx context.Context, phone string) (bool, error) {
	var opted bool
	err := r.DB.QueryRowContext(ctx, `SELECT opted_out FROM recipients WHERE phone = $1`, phone).Scan(&opted)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return opted, err
}

// MarkOptedOut reports whether this call changed the flag. A repeat is a no-op
// and keeps the original timestamp and source.
func (r *RecipientRepository) MarkOptedOut(ctx context.Context, recipientID int, source string, at time.Time) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE recipients
		SET opted_out = TRUE, opted_out_at = $2, opt_out_source = $3
		WHERE id = $1 AND NOT opted_out
	`, recipientID, at, source)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *RecipientRepository) AddToCampaign(ctx context.Context, campaignID, recipientID int) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
		INSERT INTO campaign_recipients (campaign_id, recipient_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, campaignID, recipientID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListEligible returns campaign members whose Send is missing or still
// queued, in the order they were added.
func (r *RecipientRepository) ListEligible(ctx context.Context, campaignID int) ([]*model.Recipient, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+recipientColumns+`
		FROM campaign_recipients cr
		JOIN recipients r ON r.id = cr.recipient_id
		LEFT JOIN sends s ON s.campaign_id = cr.campaign_id AND s.recipient_id = cr.recipient_id AND s.kind = 'campaign'
		WHERE cr.campaign_id = $1 AND (s.id IS NULL OR s.status = 'queued')
		ORDER BY cr.added_at ASC, r.id ASC
	`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recipients := []*model.Recipient{}
	for rows.Next() {
		rc, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		recipients = append(recipients, rc)
	}
	return recipients, rows.Err()
}

// CountPending counts members that have not reached a terminal send status.
func (r *RecipientRepository) CountPending(ctx context.Context, campaignID int) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM campaign_recipients cr
		LEFT JOIN sends s ON s.campaign_id = cr.campaign_id AND s.recipient_id = cr.recipient_id AND s.kind = 'campaign'
		WHERE cr.campaign_id = $1 AND (s.id IS NULL OR s.status = 'queued')
	`, campaignID).Scan(&n)
	return n, err
}

var _ RecipientRepositoryInterface = (*RecipientRepository)(nil)
