package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/crvs/workflow/internal/platform/db"
)

// PGStore keeps listeners in the listener_endpoints and
// listener_deliveries tables.
type PGStore struct {
	pool db.Querier
}

func NewPGStore(pool db.Querier) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, s.pool)
}

const endpointCols = `id, url, secret, events, status, forward_token, created_at`

func scanEndpoint(row pgx.Row) (*Endpoint, error) {
	var ep Endpoint
	if err := row.Scan(&ep.ID, &ep.URL, &ep.Secret, &ep.Events, &ep.Status, &ep.ForwardToken, &ep.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &ep, nil
}

func (s *PGStore) CreateEndpoint(ctx context.Context, ep *Endpoint) error {
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO listener_endpoints (`+endpointCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ep.ID, ep.URL, ep.Secret, ep.Events, ep.Status, ep.ForwardToken, ep.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert listener endpoint: %w", err)
	}
	return nil
}

func (s *PGStore) GetEndpoint(ctx context.Context, id string) (*Endpoint, error) {
	return scanEndpoint(s.conn(ctx).QueryRow(ctx, `SELECT `+endpointCols+` FROM listener_endpoints WHERE id = $1`, id))
}

func (s *PGStore) ListEndpoints(ctx context.Context, limit, offset int) ([]*Endpoint, int, error) {
	var total int
	if err := s.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM listener_endpoints`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count listener endpoints: %w", err)
	}
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT `+endpointCols+` FROM listener_endpoints
		ORDER BY created_at, id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list listener endpoints: %w", err)
	}
	defer rows.Close()

	var out []*Endpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, ep)
	}
	return out, total, rows.Err()
}

func (s *PGStore) UpdateEndpoint(ctx context.Context, ep *Endpoint) error {
	tag, err := s.conn(ctx).Exec(ctx, `
		UPDATE listener_endpoints SET url = $2, events = $3, status = $4, forward_token = $5
		WHERE id = $1`,
		ep.ID, ep.URL, ep.Events, ep.Status, ep.ForwardToken,
	)
	if err != nil {
		return fmt.Errorf("update listener endpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) DeleteEndpoint(ctx context.Context, id string) error {
	tag, err := s.conn(ctx).Exec(ctx, `DELETE FROM listener_endpoints WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete listener endpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const deliveryCols = `id, endpoint_id, event_type, event_id, record_id, payload, signature,
	status_code, response_body, duration_ms, attempt, status, error, created_at`

func scanDelivery(row pgx.Row) (*Delivery, error) {
	var d Delivery
	var ms int64
	err := row.Scan(&d.ID, &d.EndpointID, &d.EventType, &d.EventID, &d.RecordID, &d.Payload, &d.Signature,
		&d.StatusCode, &d.ResponseBody, &ms, &d.Attempt, &d.Status, &d.Error, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	d.Duration = time.Duration(ms) * time.Millisecond
	return &d, nil
}

func (s *PGStore) RecordDelivery(ctx context.Context, d *Delivery) error {
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO listener_deliveries (`+deliveryCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			status_code = EXCLUDED.status_code, response_body = EXCLUDED.response_body,
			duration_ms = EXCLUDED.duration_ms, status = EXCLUDED.status, error = EXCLUDED.error`,
		d.ID, d.EndpointID, d.EventType, d.EventID, d.RecordID, d.Payload, d.Signature,
		d.StatusCode, d.ResponseBody, d.Duration.Milliseconds(), d.Attempt, d.Status, d.Error, d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record listener delivery: %w", err)
	}
	return nil
}

func (s *PGStore) ListDeliveries(ctx context.Context, endpointID string, limit, offset int) ([]*Delivery, int, error) {
	var total int
	if err := s.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM listener_deliveries WHERE endpoint_id = $1`, endpointID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count listener deliveries: %w", err)
	}
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT `+deliveryCols+` FROM listener_deliveries
		WHERE endpoint_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, endpointID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list listener deliveries: %w", err)
	}
	defer rows.Close()

	var out []*Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, d)
	}
	return out, total, rows.Err()
}

func (s *PGStore) GetDelivery(ctx context.Context, id string) (*Delivery, error) {
	return scanDelivery(s.conn(ctx).QueryRow(ctx, `SELECT `+deliveryCols+` FROM listener_deliveries WHERE id = $1`, id))
}
