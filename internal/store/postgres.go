package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"CfdDaemon/internal/cfd"
	"CfdDaemon/internal/model"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Postgres is the durable EventStore. Orders are written once; events are
// appended with an expected-version check inside one transaction.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) InsertOrder(ctx context.Context, order model.Order) error {
	payload, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO cfd.orders (id, offer_id, position, role, contract_symbol, payload)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		order.ID.String(),
		order.OfferID.String(),
		order.Position.String(),
		order.Role.String(),
		order.ContractSymbol,
		payload,
	)
	if err != nil {
		return fmt.Errorf("insert order %s: %w", order.ID, err)
	}
	return nil
}

func (p *Postgres) Load(ctx context.Context, id model.OrderID) (model.Order, []cfd.Event, error) {
	var payload []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT payload FROM cfd.orders WHERE id = $1`, id.String(),
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Order{}, nil, ErrNoSuchContract
	}
	if err != nil {
		return model.Order{}, nil, fmt.Errorf("load order %s: %w", id, err)
	}

	var order model.Order
	if err := json.Unmarshal(payload, &order); err != nil {
		return model.Order{}, nil, fmt.Errorf("decode order %s: %w", id, err)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT payload FROM cfd.events
		WHERE order_id = $1
		ORDER BY version ASC`, id.String(),
	)
	if err != nil {
		return model.Order{}, nil, fmt.Errorf("load events for %s: %w", id, err)
	}
	defer rows.Close()

	var events []cfd.Event
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return model.Order{}, nil, fmt.Errorf("scan event: %w", err)
		}

		var e cfd.Event
		if err := json.Unmarshal(raw, &e); err != nil {
			return model.Order{}, nil, fmt.Errorf("decode event for %s: %w", id, err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return model.Order{}, nil, fmt.Errorf("iterate events for %s: %w", id, err)
	}

	return order, events, nil
}

func (p *Postgres) Append(ctx context.Context, id model.OrderID, events []cfd.Event, expectedVersion uint32) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append tx: %w", err)
	}
	defer tx.Rollback()

	var head sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT MAX(version) FROM cfd.events WHERE order_id = $1`, id.String(),
	).Scan(&head)
	if err != nil {
		return fmt.Errorf("read log head for %s: %w", id, err)
	}

	current := uint32(0)
	if head.Valid {
		current = uint32(head.Int64)
	}
	if current != expectedVersion {
		return fmt.Errorf("append at version %d but head is %d: %w", expectedVersion, current, ErrVersionConflict)
	}

	// Multi-row insert, one version per event.
	query := `INSERT INTO cfd.events (order_id, version, kind, payload) VALUES `
	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*4)

	for i, e := range events {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", e.Kind, err)
		}

		base := i * 4
		values = append(values, fmt.Sprintf("($%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4))
		args = append(args, id.String(), expectedVersion+uint32(i)+1, string(e.Kind), payload)
	}

	if _, err := tx.ExecContext(ctx, query+strings.Join(values, ", "), args...); err != nil {
		return fmt.Errorf("append events for %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append for %s: %w", id, err)
	}
	return nil
}

func (p *Postgres) LoadOpenIDs(ctx context.Context) ([]model.OrderID, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT o.id FROM cfd.orders o
		WHERE NOT EXISTS (
			SELECT 1 FROM cfd.events e
			WHERE e.order_id = o.id
			  AND e.kind = ANY($1)
		)`, terminalKindArray(),
	)
	if err != nil {
		return nil, fmt.Errorf("load open ids: %w", err)
	}
	defer rows.Close()

	var ids []model.OrderID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan open id: %w", err)
		}

		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse open id %q: %w", raw, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func terminalKindArray() interface{} {
	kinds := make([]string, 0, len(terminalKinds))
	for k := range terminalKinds {
		kinds = append(kinds, string(k))
	}
	return pq.Array(kinds)
}
