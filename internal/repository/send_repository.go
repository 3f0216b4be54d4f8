package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/unclebandit/smsleopard-messaging/internal/model"
)

type SendRepositoryInterface interface {
	// Creation
	CreateCampaignSend(ctx context.Context, s *model.Send) (bool, error)
	CreateConfirmation(ctx context.Context, s *model.Send) (bool, error)

	// Lookup
	GetByID(ctx context.Context, id int) (*model.Send, error)
	GetByCampaignRecipient(ctx context.Context, campaignID, recipientID int) (*model.Send, error)
	GetByProviderMessageID(ctx context.Context, providerMessageID string) (*model.Send, error)
	ListQueuedByCampaign(ctx context.Context, campaignID int) ([]*model.Send, error)
	ListDueConfirmations(ctx context.Context, now time.Time, limit int) ([]*model.Send, error)
	LatestCampaignSendForRecipient(ctx context.Context, recipientID int) (*model.Send, error)

	// Engine outcomes
	UpdateContent(ctx context.Context, id int, content string) error
	MarkSent(ctx context.Context, id int, providerMessageID string, at time.Time) (model.SendStatus, error)
	Requeue(ctx context.Context, id int, nextEligibleAt time.Time, attempts int, lastError string) error
	MarkFailed(ctx context.Context, id int, reason string, source model.FailureSource, attempts int, at time.Time) error
	MarkSkippedOptOut(ctx context.Context, id int) error
	CancelQueuedForRecipient(ctx context.Context, recipientID int) (int64, error)

	// Provider status
	ConfirmSent(ctx context.Context, id int, at time.Time) error
	MarkDelivered(ctx context.Context, id int, at time.Time) error
	MarkProviderFailed(ctx context.Context, id int, reason string, at time.Time) error
	MarkResponded(ctx context.Context, id int, at time.Time) error

	// Stats
	GetCampaignStats(ctx context.Context, campaignID int) (map[string]int, error)
	StatsByVariant(ctx context.Context, campaignID int) ([]model.VariantStatusCount, error)
}

type SendRepository struct {
	DB *sql.DB
}

const sendColumns = `
	id, kind, COALESCE(campaign_id, 0), recipient_id, variant, status, rendered_content,
	provider_message_id, attempt_count, last_error, failure_source, next_eligible_at,
	queued_at, sent_at, delivered_at, failed_at, responded_at, updated_at`

func scanSend(row rowScanner) (*model.Send, error) {
	var s model.Send
	if err := row.Scan(
		&s.ID, &s.Kind, &s.CampaignID, &s.RecipientID, &s.Variant, &s.Status, &s.RenderedContent,
		&s.ProviderMessageID, &s.AttemptCount, &s.LastError, &s.FailureSource, &s.NextEligibleAt,
		&s.QueuedAt, &s.SentAt, &s.DeliveredAt, &s.FailedAt, &s.RespondedAt, &s.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *SendRepository) querySends(ctx context.Context, query string, args ...any) ([]*model.Send, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sends := []*model.Send{}
	for rows.Next() {
		s, err := scanSend(rows)
		if err != nil {
			return nil, err
		}
		sends = append(sends, s)
	}
	return sends, rows.Err()
}

func (r *SendRepository) getOne(ctx context.Context, query string, args ...any) (*model.Send, error) {
	s, err := scanSend(r.DB.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

// ====================== Creation ======================

// CreateCampaignSend inserts a queued send for the pair. When one already
// exists s is overwritten with the stored row and false is returned, so the
// first persisted variant always wins.
func (r *SendRepository) CreateCampaignSend(ctx context.Context, s *model.Send) (bool, error) {
	s.Kind = model.KindCampaign
	if s.Status == "" {
		s.Status = model.SendQueued
	}
	inserted, err := r.getOne(ctx, `
		INSERT INTO sends (kind, campaign_id, recipient_id, variant, status, rendered_content, next_eligible_at)
		VALUES ('campaign', $1, $2, $3, $4, $5, $6)
		ON CONFLICT (campaign_id, recipient_id) WHERE kind = 'campaign' DO NOTHING
		RETURNING `+sendColumns,
		s.CampaignID, s.RecipientID, s.Variant, s.Status, s.RenderedContent, s.NextEligibleAt,
	)
	if err != nil {
		return false, err
	}
	if inserted != nil {
		*s = *inserted
		return true, nil
	}

	existing, err := r.GetByCampaignRecipient(ctx, s.CampaignID, s.RecipientID)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return false, errors.New("send conflict without existing row")
	}
	*s = *existing
	return false, nil
}

// CreateConfirmation inserts the one opt-out confirmation a recipient can
// ever receive.
func (r *SendRepository) CreateConfirmation(ctx context.Context, s *model.Send) (bool, error) {
	s.Kind = model.KindConfirmation
	s.Status = model.SendQueued
	inserted, err := r.getOne(ctx, `
		INSERT INTO sends (kind, recipient_id, status, rendered_content)
		VALUES ('opt_out_confirmation', $1, 'queued', $2)
		ON CONFLICT (recipient_id) WHERE kind = 'opt_out_confirmation' DO NOTHING
		RETURNING `+sendColumns,
		s.RecipientID, s.RenderedContent,
	)
	if err != nil {
		return false, err
	}
	if inserted == nil {
		return false, nil
	}
	*s = *inserted
	return true, nil
}

// ====================== Lookup ======================

func (r *SendRepository) GetByID(ctx context.Context, id int) (*model.Send, error) {
	return r.getOne(ctx, `SELECT `+sendColumns+` FROM sends WHERE id = $1`, id)
}

func (r *SendRepository) GetByCampaignRecipient(ctx context.Context, campaignID, recipientID int) (*model.Send, error) {
	return r.getOne(ctx, `
		SELECT `+sendColumns+` FROM sends
		WHERE kind = 'campaign' AND campaign_id = $1 AND recipient_id = $2
	`, campaignID, recipientID)
}

func (r *SendRepository) GetByProviderMessageID(ctx context.Context, providerMessageID string) (*model.Send, error) {
	if providerMessageID == "" {
		return nil, nil
	}
	return r.getOne(ctx, `SELECT `+sendColumns+` FROM sends WHERE provider_message_id = $1 LIMIT 1`, providerMessageID)
}

func (r *SendRepository) ListQueuedByCampaign(ctx context.Context, campaignID int) ([]*model.Send, error) {
	return r.querySends(ctx, `
		SELECT `+sendColumns+` FROM sends
		WHERE kind = 'campaign' AND campaign_id = $1 AND status = 'queued'
	`, campaignID)
}

func (r *SendRepository) ListDueConfirmations(ctx context.Context, now time.Time, limit int) ([]*model.Send, error) {
	return r.querySends(ctx, `
		SELECT `+sendColumns+` FROM sends
		WHERE kind = 'opt_out_confirmation' AND status = 'queued'
		  AND (next_eligible_at IS NULL OR next_eligible_at <= $1)
		ORDER BY id ASC
		LIMIT $2
	`, now, limit)
}

// LatestCampaignSendForRecipient is the outbound context an inbound reply is
// attributed to.
func (r *SendRepository) LatestCampaignSendForRecipient(ctx context.Context, recipientID int) (*model.Send, error) {
	return r.getOne(ctx, `
		SELECT `+sendColumns+` FROM sends
		WHERE kind = 'campaign' AND recipient_id = $1 AND sent_at IS NOT NULL
		ORDER BY sent_at DESC
		LIMIT 1
	`, recipientID)
}

// ====================== Engine outcomes ======================

func (r *SendRepository) UpdateContent(ctx context.Context, id int, content string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE sends SET rendered_content=$1, updated_at=NOW() WHERE id=$2`, content, id)
	return err
}

// MarkSent records the provider's acceptance and returns the status the send
// had before. A send cancelled by an opt-out while the provider call was in
// flight still becomes sent, since the message went out. An empty status means
// no row changed.
func (r *SendRepository) MarkSent(ctx context.Context, id int, providerMessageID string, at time.Time) (model.SendStatus, error) {
	var prev model.SendStatus
	err := r.DB.QueryRowContext(ctx, `
		WITH prev AS (
			SELECT id, status FROM sends WHERE id = $1 FOR UPDATE
		)
		UPDATE sends s
		SET status = 'sent', provider_message_id = $2, sent_at = $3, attempt_count = s.attempt_count + 1,
		    last_error = '', next_eligible_at = NULL, updated_at = NOW()
		FROM prev
		WHERE s.id = prev.id AND prev.status IN ('queued', 'skipped_optout')
		RETURNING prev.status
	`, id, providerMessageID, at).Scan(&prev)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return prev, nil
}

func (r *SendRepository) Requeue(ctx context.Context, id int, nextEligibleAt time.Time, attempts int, lastError string) error {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE sends
		SET next_eligible_at = $2, attempt_count = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1 AND status = 'queued'
	`, id, nextEligibleAt, attempts, lastError)
	return err
}

func (r *SendRepository) MarkFailed(ctx context.Context, id int, reason string, source model.FailureSource, attempts int, at time.Time) error {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE sends
		SET status = 'failed', last_error = $2, failure_source = $3, attempt_count = $4,
		    failed_at = $5, next_eligible_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'queued'
	`, id, reason, source, attempts, at)
	return err
}

func (r *SendRepository) MarkSkippedOptOut(ctx context.Context, id int) error {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE sends SET status = 'skipped_optout', next_eligible_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'queued'
	`, id)
	return err
}

// CancelQueuedForRecipient skips every not-yet-sent campaign send of the
// recipient, across all campaigns.
func (r *SendRepository) CancelQueuedForRecipient(ctx context.Context, recipientID int) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE sends SET status = 'skipped_optout', next_eligible_at = NULL, updated_at = NOW()
		WHERE recipient_id = $1 AND kind = 'campaign' AND status = 'queued'
	`, recipientID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ====================== Provider status ======================

func (r *SendRepository) ConfirmSent(ctx context.Context, id int, at time.Time) error {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE sends SET sent_at = COALESCE(sent_at, $2), updated_at = NOW()
		WHERE id = $1
	`, id, at)
	return err
}

func (r *SendRepository) MarkDelivered(ctx context.Context, id int, at time.Time) error {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE sends SET status = 'delivered', delivered_at = $2, updated_at = NOW()
		WHERE id = $1 AND status IN ('sent', 'delivered')
	`, id, at)
	return err
}

// MarkProviderFailed records a carrier bounce. A delivered send stays delivered.
func (r *SendRepository) MarkProviderFailed(ctx context.Context, id int, reason string, at time.Time) error {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE sends
		SET status = 'failed', failure_source = 'provider', last_error = $2, failed_at = $3, updated_at = NOW()
		WHERE id = $1 AND status IN ('sent', 'failed')
	`, id, reason, at)
	return err
}

func (r *SendRepository) MarkResponded(ctx context.Context, id int, at time.Time) error {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE sends SET responded_at = COALESCE(responded_at, $2), updated_at = NOW()
		WHERE id = $1
	`, id, at)
	return err
}

// ====================== Stats ======================

func (r *SendRepository) GetCampaignStats(ctx context.Context, campaignID int) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM sends
		WHERE kind = 'campaign' AND campaign_id = $1
		GROUP BY status
	`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

func (r *SendRepository) StatsByVariant(ctx context.Context, campaignID int) ([]model.VariantStatusCount, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT variant, status, COUNT(*), COUNT(responded_at)
		FROM sends
		WHERE kind = 'campaign' AND campaign_id = $1
		GROUP BY variant, status
		ORDER BY variant, status
	`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.VariantStatusCount
	for rows.Next() {
		var row model.VariantStatusCount
		if err := rows.Scan(&row.Variant, &row.Status, &row.Count, &row.Responded); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

var _ SendRepositoryInterface = (*SendRepository)(nil)
