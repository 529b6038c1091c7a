// Package taker orchestrates the taker side of the daemon: it mirrors the
// maker's published offers, takes them, and initiates rollover and
// collaborative settlement.
package taker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"CfdDaemon/internal/cfd"
	"CfdDaemon/internal/command"
	"CfdDaemon/internal/model"
	"CfdDaemon/internal/observability"
	"CfdDaemon/internal/oracle"
	"CfdDaemon/internal/projection"
	"CfdDaemon/internal/protocol"
	"CfdDaemon/internal/store"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ErrUnknownOffer is returned when taking an offer the maker has not
// published, or has since replaced.
var ErrUnknownOffer = errors.New("unknown offer")

// Dialer opens a fresh peer channel for one protocol attempt.
type Dialer interface {
	Dial(ctx context.Context, kind protocol.Kind) (protocol.Channel, error)
}

// Actor is the taker orchestrator.
type Actor struct {
	identity model.Identity
	maker    model.Identity
	store    store.EventStore
	executor *command.Executor
	registry *protocol.Registry
	wallet   protocol.Wallet
	oracle   oracle.Client
	feed     *projection.Feed
	dialer   Dialer
	log      zerolog.Logger
	metrics  *observability.Metrics

	mu     sync.Mutex
	offers []model.Offer
}

type Config struct {
	Identity model.Identity
	Maker    model.Identity
	Store    store.EventStore
	Executor *command.Executor
	Registry *protocol.Registry
	Wallet   protocol.Wallet
	Oracle   oracle.Client
	Feed     *projection.Feed
	Dialer   Dialer
	Logger   zerolog.Logger
	Metrics  *observability.Metrics
}

func New(cfg Config) *Actor {
	return &Actor{
		identity: cfg.Identity,
		maker:    cfg.Maker,
		store:    cfg.Store,
		executor: cfg.Executor,
		registry: cfg.Registry,
		wallet:   cfg.Wallet,
		oracle:   cfg.Oracle,
		feed:     cfg.Feed,
		dialer:   cfg.Dialer,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
	}
}

// Run keeps the offer stream open, mirroring the maker's published offers.
// It returns on stream failure so a supervisor can reconnect.
func (a *Actor) Run(ctx context.Context) error {
	ch, err := a.dialer.Dial(ctx, protocol.KindOffer)
	if err != nil {
		return fmt.Errorf("dial offer stream: %w", err)
	}
	defer ch.Close()

	for {
		envelope, err := ch.Receive(ctx)
		if err != nil {
			return fmt.Errorf("offer stream: %w", err)
		}

		offers, err := protocol.Decode[protocol.OffersMsg](envelope, protocol.MsgOffers)
		if err != nil {
			a.log.Warn().Err(err).Msg("unexpected message on offer stream")
			continue
		}
		a.UpdateOffers(offers.Offers)
	}
}

// UpdateOffers replaces the mirrored offer set.
func (a *Actor) UpdateOffers(offers []model.Offer) {
	a.mu.Lock()
	a.offers = offers
	a.mu.Unlock()

	a.feed.OffersChanged(offers)
	a.log.Debug().Int("offers", len(offers)).Msg("offers updated")
}

// Offers returns the maker's current offers as last seen.
func (a *Actor) Offers() []model.Offer {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]model.Offer(nil), a.offers...)
}

func (a *Actor) pickOffer(id model.OfferID) (model.Offer, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, o := range a.offers {
		if o.ID == id {
			return o, true
		}
	}
	return model.Offer{}, false
}

// TakeOffer turns a mirrored offer into a contract by running the setup
// protocol against the maker.
func (a *Actor) TakeOffer(
	ctx context.Context,
	id model.OfferID,
	quantity decimal.Decimal,
	leverage model.Leverage,
) (model.OrderID, error) {
	offer, ok := a.pickOffer(id)
	if !ok {
		return model.OrderID{}, fmt.Errorf("take %s: %w", id, ErrUnknownOffer)
	}
	if !offer.AllowsQuantity(quantity) {
		return model.OrderID{}, fmt.Errorf("quantity %s outside offer bounds", quantity)
	}
	if !offer.AllowsLeverage(leverage) {
		return model.OrderID{}, fmt.Errorf("leverage %d not offered", leverage)
	}

	ch, err := a.dialer.Dial(ctx, protocol.KindSetup)
	if err != nil {
		return model.OrderID{}, fmt.Errorf("dial setup: %w", err)
	}

	setup := protocol.NewSetupTaker(protocol.SetupTakerConfig{
		Offer:    offer,
		Quantity: quantity,
		Leverage: leverage,
		Identity: a.identity,
		Maker:    a.maker,
		Orders:   a,
		Registry: a.registry,
		Executor: a.executor,
		Wallet:   a.wallet,
		Oracle:   a.oracle,
		Channel:  ch,
		Logger:   a.log,
		Metrics:  a.metrics,
	})

	orderID, err := setup.Run(ctx)
	if orderID != (model.OrderID{}) {
		a.feed.ContractChanged(orderID)
	}
	return orderID, err
}

// RecordOrder persists the contract the maker accepted.
func (a *Actor) RecordOrder(ctx context.Context, order model.Order) error {
	if err := a.store.InsertOrder(ctx, order); err != nil {
		return err
	}
	a.feed.ContractChanged(order.ID)
	return nil
}

// Rollover proposes extending a contract's settlement window.
func (a *Actor) Rollover(ctx context.Context, id model.OrderID, version cfd.RolloverVersion) error {
	ch, err := a.dialer.Dial(ctx, protocol.KindRollover)
	if err != nil {
		return fmt.Errorf("dial rollover: %w", err)
	}

	rollover := protocol.NewRolloverTaker(protocol.RolloverTakerConfig{
		OrderID:  id,
		Version:  version,
		Registry: a.registry,
		Executor: a.executor,
		Wallet:   a.wallet,
		Oracle:   a.oracle,
		Channel:  ch,
		Logger:   a.log,
		Metrics:  a.metrics,
	})

	err = rollover.Run(ctx)
	a.feed.ContractChanged(id)
	return err
}

// ProposeSettlement offers the maker a collaborative close at the given
// price.
func (a *Actor) ProposeSettlement(ctx context.Context, id model.OrderID, price decimal.Decimal) error {
	order, _, err := a.store.Load(ctx, id)
	if err != nil {
		return err
	}

	makerPayout, takerPayout, err := order.ClosePayouts(price)
	if err != nil {
		return fmt.Errorf("settlement payouts: %w", err)
	}

	proposal := cfd.SettlementProposal{
		OrderID:   id,
		Timestamp: time.Now().UTC(),
		Price:     price,
		Maker:     makerPayout,
		Taker:     takerPayout,
	}

	ch, err := a.dialer.Dial(ctx, protocol.KindSettlement)
	if err != nil {
		return fmt.Errorf("dial settlement: %w", err)
	}

	settlement := protocol.NewSettlementTaker(protocol.SettlementTakerConfig{
		Proposal: proposal,
		Registry: a.registry,
		Executor: a.executor,
		Wallet:   a.wallet,
		Channel:  ch,
		Logger:   a.log,
		Metrics:  a.metrics,
	})

	err = settlement.Run(ctx)
	a.feed.ContractChanged(id)
	return err
}

// Commit records the operator's decision to resolve a contract on chain.
func (a *Actor) Commit(ctx context.Context, id model.OrderID) error {
	return a.executor.Execute(ctx, id, func(c cfd.Cfd) ([]cfd.Event, error) {
		event, err := c.Commit()
		if err != nil {
			return nil, err
		}
		return []cfd.Event{event}, nil
	})
}

// Contracts lists the read-model snapshot of every non-terminal contract.
func (a *Actor) Contracts(ctx context.Context) ([]projection.ContractSnapshot, error) {
	ids, err := a.store.LoadOpenIDs(ctx)
	if err != nil {
		return nil, err
	}

	snapshots := make([]projection.ContractSnapshot, 0, len(ids))
	for _, id := range ids {
		order, events, err := a.store.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		snapshot, err := projection.Snapshot(order, events)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, snapshot)
	}
	return snapshots, nil
}
