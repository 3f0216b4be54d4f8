package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/unclebandit/smsleopard-messaging/internal/model"
)

type EventRepositoryInterface interface {
	InsertIfAbsent(ctx context.Context, e *model.InboundEvent) (bool, error)
	GetByID(ctx context.Context, id int) (*model.InboundEvent, error)

	// Processing
	Claim(ctx context.Context, id int, staleAfter time.Duration) (*model.InboundEvent, error)
	ReleaseClaim(ctx context.Context, id int) error
	MarkProcessed(ctx context.Context, id int, sendID *int, unmatched bool) error
	MarkFailed(ctx context.Context, id int, reason string) error

	// Maintenance
	ListStuck(ctx context.Context, olderThan time.Time, limit int) ([]int, error)
	ListUnmatched(ctx context.Context, limit int) ([]*model.InboundEvent, error)
	ResolveUnmatched(ctx context.Context, id int, sendID int) error
	ListNeedsAttention(ctx context.Context, limit int) ([]*model.InboundEvent, error)
	ArchiveProcessedBefore(ctx context.Context, before time.Time) (int64, error)
}

type EventRepository struct {
	DB *sql.DB
}

const eventColumns = `
	id, provider_event_id, type, payload, status, unmatched, send_id,
	last_error, received_at, claimed_at, processed_at`

func scanEvent(row rowScanner) (*model.InboundEvent, error) {
	var e model.InboundEvent
	var payload []byte
	var sendID sql.NullInt64
	if err := row.Scan(
		&e.ID, &e.ProviderEventID, &e.Type, &payload, &e.Status, &e.Unmatched, &sendID,
		&e.LastError, &e.ReceivedAt, &e.ClaimedAt, &e.ProcessedAt,
	); err != nil {
		return nil, err
	}
	e.Payload = payload
	if sendID.Valid {
		id := int(sendID.Int64)
		e.SendID = &id
	}
	return &e, nil
}

func (r *EventRepository) queryEvents(ctx context.Context, query string, args ...any) ([]*model.InboundEvent, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []*model.InboundEvent{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// InsertIfAbsent stores a newly received event. It returns false with no
// write when the provider event id was seen before, including ids that have
// since been archived.
func (r *EventRepository) InsertIfAbsent(ctx context.Context, e *model.InboundEvent) (bool, error) {
	if e.Status == "" {
		e.Status = model.EventReceived
	}
	err := r.DB.QueryRowContext(ctx, `
		INSERT INTO inbound_events (provider_event_id, type, payload, status, received_at)
		SELECT $1::text, $2::text, $3::jsonb, $4::text, $5::timestamptz
		WHERE NOT EXISTS (SELECT 1 FROM inbound_events_archive WHERE provider_event_id = $1)
		ON CONFLICT (provider_event_id) DO NOTHING
		RETURNING id
	`, e.ProviderEventID, e.Type, string(e.Payload), e.Status, e.ReceivedAt).Scan(&e.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *EventRepository) GetByID(ctx context.Context, id int) (*model.InboundEvent, error) {
	e, err := scanEvent(r.DB.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM inbound_events WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

// ====================== Processing ======================

// Claim marks a received event as being worked on. It returns nil when the
// event is already processed, failed, or freshly claimed by another worker.
func (r *EventRepository) Claim(ctx context.Context, id int, staleAfter time.Duration) (*model.InboundEvent, error) {
	e, err := scanEvent(r.DB.QueryRowContext(ctx, `
		UPDATE inbound_events
		SET claimed_at = NOW()
		WHERE id = $1 AND status = 'received'
		  AND (claimed_at IS NULL OR claimed_at < NOW() - $2::bigint * INTERVAL '1 millisecond')
		RETURNING `+eventColumns,
		id, staleAfter.Milliseconds(),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (r *EventRepository) ReleaseClaim(ctx context.Context, id int) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE inbound_events SET claimed_at = NULL WHERE id = $1 AND status = 'received'`, id)
	return err
}

func (r *EventRepository) MarkProcessed(ctx context.Context, id int, sendID *int, unmatched bool) error {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE inbound_events
		SET status = 'processed', send_id = $2, unmatched = $3, last_error = '', processed_at = NOW()
		WHERE id = $1
	`, id, sendID, unmatched)
	return err
}

func (r *EventRepository) MarkFailed(ctx context.Context, id int, reason string) error {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE inbound_events
		SET status = 'failed', last_error = $2, processed_at = NOW()
		WHERE id = $1
	`, id, reason)
	return err
}

// ====================== Maintenance ======================

// ListStuck returns events still waiting for a worker after olderThan, e.g.
// because the queue publish failed or a worker died mid-claim.
func (r *EventRepository) ListStuck(ctx context.Context, olderThan time.Time, limit int) ([]int, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id FROM inbound_events
		WHERE status = 'received' AND received_at < $1
		  AND (claimed_at IS NULL OR claimed_at < $1)
		ORDER BY id ASC
		LIMIT $2
	`, olderThan, limit)
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

func (r *EventRepository) ListUnmatched(ctx context.Context, limit int) ([]*model.InboundEvent, error) {
	return r.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM inbound_events
		WHERE unmatched
		ORDER BY id ASC
		LIMIT $1
	`, limit)
}

func (r *EventRepository) ResolveUnmatched(ctx context.Context, id int, sendID int) error {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE inbound_events SET unmatched = FALSE, send_id = $2 WHERE id = $1
	`, id, sendID)
	return err
}

// ListNeedsAttention backs the operator report: unmatched and failed events.
func (r *EventRepository) ListNeedsAttention(ctx context.Context, limit int) ([]*model.InboundEvent, error) {
	return r.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM inbound_events
		WHERE unmatched OR status = 'failed'
		ORDER BY received_at DESC
		LIMIT $1
	`, limit)
}

// ArchiveProcessedBefore moves settled events out of the hot table. Their
// dedup keys stay visible to InsertIfAbsent through the archive.
func (r *EventRepository) ArchiveProcessedBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `
		WITH moved AS (
			DELETE FROM inbound_events
			WHERE status = 'processed' AND NOT unmatched AND processed_at < $1
			RETURNING id, provider_event_id, type, payload, status, send_id, received_at, processed_at
		)
		INSERT INTO inbound_events_archive (id, provider_event_id, type, payload, status, send_id, received_at, processed_at)
		SELECT id, provider_event_id, type, payload, status, send_id, received_at, processed_at FROM moved
		ON CONFLICT (provider_event_id) DO NOTHING
	`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

var _ EventRepositoryInterface = (*EventRepository)(nil)
