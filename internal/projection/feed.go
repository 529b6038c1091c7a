// Package projection maintains the read model consumed by operator UIs: a
// per-contract row in cfd.feed plus change notifications over NATS.
// Everything here is rebuildable from the event log, so updates are
// best-effort and never block or roll back the mutation that triggered
// them.
package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"CfdDaemon/internal/cfd"
	"CfdDaemon/internal/model"
	"CfdDaemon/internal/observability"
	"CfdDaemon/internal/store"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const (
	changedSubjectPrefix = "cfd.changed."
	offersSubject        = "cfd.offers"
)

// ContractSnapshot is the read-model view of one contract.
type ContractSnapshot struct {
	OrderID   model.OrderID  `json:"order_id"`
	State     cfd.State      `json:"state"`
	Version   uint32         `json:"version"`
	Position  model.Position `json:"position"`
	Role      model.Role     `json:"role"`
	Quantity  string         `json:"quantity"`
	Price     string         `json:"price"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Snapshot folds a contract's log into its read-model view.
func Snapshot(order model.Order, events []cfd.Event) (ContractSnapshot, error) {
	aggregate, err := cfd.Replay(order, events)
	if err != nil {
		return ContractSnapshot{}, err
	}

	return ContractSnapshot{
		OrderID:   order.ID,
		State:     aggregate.State(),
		Version:   aggregate.Version(),
		Position:  order.Position,
		Role:      order.Role,
		Quantity:  order.Quantity.String(),
		Price:     order.InitialPrice.String(),
		UpdatedAt: time.Now().UTC(),
	}, nil
}

// Feed is the projection worker. Notifications arrive on buffered channels
// and are dropped when the worker falls behind; the feed catches up on the
// next change because every refresh reads the full log.
type Feed struct {
	store   store.EventStore
	db      *sql.DB
	nc      *nats.Conn
	log     zerolog.Logger
	metrics *observability.Metrics

	changes chan model.OrderID
	offers  chan []model.Offer
}

// NewFeed wires the worker. db and nc may be nil; the corresponding outputs
// are skipped.
func NewFeed(s store.EventStore, db *sql.DB, nc *nats.Conn, log zerolog.Logger, metrics *observability.Metrics) *Feed {
	return &Feed{
		store:   s,
		db:      db,
		nc:      nc,
		log:     log,
		metrics: metrics,
		changes: make(chan model.OrderID, 256),
		offers:  make(chan []model.Offer, 16),
	}
}

// ContractChanged queues a refresh for one contract. Never blocks.
func (f *Feed) ContractChanged(id model.OrderID) {
	select {
	case f.changes <- id:
	default:
		f.log.Warn().Stringer("order_id", id).Msg("projection backlog full, dropping notification")
		if f.metrics != nil {
			f.metrics.ProjectionFailures.Inc()
		}
	}
}

// OffersChanged queues an offer broadcast to the feed. Never blocks.
func (f *Feed) OffersChanged(offers []model.Offer) {
	select {
	case f.offers <- offers:
	default:
		f.log.Warn().Msg("offer feed backlog full, dropping broadcast")
	}
}

// Run processes notifications until the context is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case id := <-f.changes:
			if err := f.refresh(ctx, id); err != nil {
				// Eventually consistent: the next change for this
				// contract repairs the row.
				f.log.Warn().Err(err).Stringer("order_id", id).Msg("projection refresh failed")
				if f.metrics != nil {
					f.metrics.ProjectionFailures.Inc()
				}
				continue
			}
			if f.metrics != nil {
				f.metrics.ProjectionUpdates.Inc()
			}

		case offers := <-f.offers:
			f.publishOffers(offers)
		}
	}
}

func (f *Feed) refresh(ctx context.Context, id model.OrderID) error {
	order, events, err := f.store.Load(ctx, id)
	if err != nil {
		return err
	}

	snapshot, err := Snapshot(order, events)
	if err != nil {
		return err
	}

	if f.db != nil {
		if err := f.upsert(ctx, snapshot); err != nil {
			return fmt.Errorf("upsert feed row: %w", err)
		}
	}

	f.publishChange(snapshot)
	return nil
}

func (f *Feed) upsert(ctx context.Context, s ContractSnapshot) error {
	_, err := f.db.ExecContext(ctx, `
		INSERT INTO cfd.feed (order_id, state, version, position, role, quantity, price, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (order_id) DO UPDATE SET
			state = $2, version = $3, updated_at = now()
		WHERE cfd.feed.version <= $3`,
		s.OrderID, string(s.State), s.Version,
		s.Position.String(), s.Role.String(), s.Quantity, s.Price,
	)
	return err
}

func (f *Feed) publishChange(s ContractSnapshot) {
	if f.nc == nil {
		return
	}

	payload, err := json.Marshal(s)
	if err != nil {
		f.log.Error().Err(err).Msg("encode contract snapshot")
		return
	}
	if err := f.nc.Publish(changedSubjectPrefix+s.OrderID.String(), payload); err != nil {
		f.log.Warn().Err(err).Msg("publish contract change")
		if f.metrics != nil {
			f.metrics.FeedPublishErrors.Inc()
		}
	}
}

func (f *Feed) publishOffers(offers []model.Offer) {
	if f.nc == nil {
		return
	}

	payload, err := json.Marshal(offers)
	if err != nil {
		f.log.Error().Err(err).Msg("encode offers")
		return
	}
	if err := f.nc.Publish(offersSubject, payload); err != nil {
		f.log.Warn().Err(err).Msg("publish offers")
		if f.metrics != nil {
			f.metrics.FeedPublishErrors.Inc()
		}
	}
}
