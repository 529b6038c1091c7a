// Package maker orchestrates the maker side of the daemon: it owns the
// current offer set and the connected takers, routes inbound peer messages
// to protocol instances, and applies operator decisions to them.
package maker

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

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrNoPendingDecision is returned when an operator answers a negotiation
// that is not waiting for one.
var ErrNoPendingDecision = errors.New("no negotiation awaiting a decision")

// decider is the decision surface shared by the maker-side protocol actors.
type decider interface {
	Decide(protocol.Decision) bool
}

type pendingKey struct {
	kind protocol.Kind
	id   model.OrderID
}

// Actor is the maker orchestrator.
type Actor struct {
	identity        model.Identity
	store           store.EventStore
	executor        *command.Executor
	registry        *protocol.Registry
	wallet          protocol.Wallet
	oracle          oracle.Client
	feed            *projection.Feed
	decisionTimeout time.Duration
	log             zerolog.Logger
	metrics         *observability.Metrics

	mu          sync.Mutex
	offerParams model.OfferParams
	offers      model.OfferSet
	takers      map[model.Identity]protocol.Channel
	pending     map[pendingKey]decider
}

type Config struct {
	Identity        model.Identity
	Store           store.EventStore
	Executor        *command.Executor
	Registry        *protocol.Registry
	Wallet          protocol.Wallet
	Oracle          oracle.Client
	Feed            *projection.Feed
	DecisionTimeout time.Duration
	Logger          zerolog.Logger
	Metrics         *observability.Metrics
}

func New(cfg Config) *Actor {
	return &Actor{
		identity:        cfg.Identity,
		store:           cfg.Store,
		executor:        cfg.Executor,
		registry:        cfg.Registry,
		wallet:          cfg.Wallet,
		oracle:          cfg.Oracle,
		feed:            cfg.Feed,
		decisionTimeout: cfg.DecisionTimeout,
		log:             cfg.Logger,
		metrics:         cfg.Metrics,
		takers:          make(map[model.Identity]protocol.Channel),
		pending:         make(map[pendingKey]decider),
	}
}

// SetOffers mints a fresh offer set from the operator's parameters and
// broadcasts it to every connected taker and the projection.
func (a *Actor) SetOffers(ctx context.Context, params model.OfferParams) model.OfferSet {
	a.mu.Lock()
	a.offerParams = params
	a.offers = model.NewOfferSet(params)
	offers := a.offers
	a.mu.Unlock()

	a.broadcastOffers(ctx, offers)
	return offers
}

// Offers returns the currently published offer set.
func (a *Actor) Offers() model.OfferSet {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.offers
}

func (a *Actor) broadcastOffers(ctx context.Context, offers model.OfferSet) {
	a.feed.OffersChanged(offers.All())

	a.mu.Lock()
	channels := make(map[model.Identity]protocol.Channel, len(a.takers))
	for id, ch := range a.takers {
		channels[id] = ch
	}
	a.mu.Unlock()

	for id, ch := range channels {
		if err := sendMsg(ctx, ch, protocol.MsgOffers, protocol.OffersMsg{Offers: offers.All()}); err != nil {
			a.log.Warn().Err(err).Str("taker", string(id)).Msg("could not push offers")
		}
	}
}

// TakerConnected registers a taker's offer-stream channel and pushes the
// current offers to it.
func (a *Actor) TakerConnected(ctx context.Context, id model.Identity, ch protocol.Channel) {
	a.mu.Lock()
	a.takers[id] = ch
	offers := a.offers
	count := len(a.takers)
	a.mu.Unlock()

	if a.metrics != nil {
		a.metrics.ConnectedTakers.Set(float64(count))
	}
	a.log.Info().Str("taker", string(id)).Msg("taker connected")

	if err := sendMsg(ctx, ch, protocol.MsgOffers, protocol.OffersMsg{Offers: offers.All()}); err != nil {
		a.log.Warn().Err(err).Str("taker", string(id)).Msg("could not push offers")
	}
}

// TakerDisconnected forgets a taker's offer-stream channel.
func (a *Actor) TakerDisconnected(id model.Identity) {
	a.mu.Lock()
	delete(a.takers, id)
	count := len(a.takers)
	a.mu.Unlock()

	if a.metrics != nil {
		a.metrics.ConnectedTakers.Set(float64(count))
	}
	a.log.Info().Str("taker", string(id)).Msg("taker disconnected")
}

// HandleSetupConnection serves one inbound setup channel: it reads the take
// request, dispatches it, and runs the negotiation to its end.
func (a *Actor) HandleSetupConnection(ctx context.Context, ch protocol.Channel) {
	envelope, err := ch.Receive(ctx)
	if err != nil {
		a.log.Debug().Err(err).Msg("setup connection dropped before the take request")
		ch.Close()
		return
	}

	take, err := protocol.Decode[protocol.TakeOrderMsg](envelope, protocol.MsgTakeOrder)
	if err != nil {
		a.log.Warn().Err(err).Msg("malformed take request")
		ch.Close()
		return
	}

	if err := a.handleTake(ctx, take, ch); err != nil {
		a.log.Warn().Err(err).Stringer("offer_id", take.OfferID).Msg("take request not served")
	}
}

// rejectTake answers a take the offer terms rule out. The taker gets an
// explicit reason on the wire before the channel closes, the same
// discipline a superseded offer gets.
func (a *Actor) rejectTake(ctx context.Context, ch protocol.Channel, offerID model.OfferID, reason string) error {
	err := sendMsg(ctx, ch, protocol.MsgSetupReject, protocol.SetupRejectMsg{
		OfferID: offerID,
		Reason:  reason,
	})
	if err != nil {
		a.log.Debug().Err(err).Msg("could not answer rejected take")
	}
	ch.Close()
	return errors.New(reason)
}

func (a *Actor) handleTake(ctx context.Context, take protocol.TakeOrderMsg, ch protocol.Channel) error {
	a.mu.Lock()
	offer, current := a.offers.Pick(take.OfferID)
	a.mu.Unlock()

	// A take referencing superseded terms is answered explicitly, never
	// silently dropped.
	if !current {
		if a.metrics != nil {
			a.metrics.StaleOrderTakes.Inc()
		}
		a.log.Warn().Stringer("offer_id", take.OfferID).Msg("take for unknown or superseded offer")
		if err := sendMsg(ctx, ch, protocol.MsgInvalidOrderID, protocol.InvalidOrderIDMsg{OfferID: take.OfferID}); err != nil {
			a.log.Debug().Err(err).Msg("could not answer stale take")
		}
		ch.Close()
		return protocol.ErrInvalidOrderID
	}

	if !offer.AllowsQuantity(take.Quantity) {
		return a.rejectTake(ctx, ch, take.OfferID,
			fmt.Sprintf("quantity %s outside offer bounds", take.Quantity))
	}
	if !offer.AllowsLeverage(take.Leverage) {
		return a.rejectTake(ctx, ch, take.OfferID,
			fmt.Sprintf("leverage %d not offered", take.Leverage))
	}

	order := model.OrderFromTakenOffer(
		uuid.New(), offer, take.Quantity, take.Identity, model.RoleMaker, take.Leverage,
	)

	if err := a.store.InsertOrder(ctx, order); err != nil {
		ch.Close()
		return fmt.Errorf("persist order: %w", err)
	}

	// The taken offer is spent: replace the whole set so other takers
	// keep seeing equivalent terms. Best effort, not transactional with
	// the insert.
	a.replicateOffers(ctx)
	a.feed.ContractChanged(order.ID)

	setup := protocol.NewSetupMaker(protocol.SetupMakerConfig{
		Order:           order,
		Registry:        a.registry,
		Executor:        a.executor,
		Wallet:          a.wallet,
		Oracle:          a.oracle,
		Channel:         ch,
		DecisionTimeout: a.decisionTimeout,
		Logger:          a.log,
		Metrics:         a.metrics,
	})

	a.track(protocol.KindSetup, order.ID, setup)
	go func() {
		defer a.untrack(protocol.KindSetup, order.ID)
		if err := setup.Run(ctx); err != nil {
			a.log.Warn().Err(err).Stringer("order_id", order.ID).Msg("setup ended with error")
		}
		a.feed.ContractChanged(order.ID)
	}()

	return nil
}

func (a *Actor) replicateOffers(ctx context.Context) {
	a.mu.Lock()
	a.offers = a.offers.Replicate()
	offers := a.offers
	a.mu.Unlock()

	if a.metrics != nil {
		a.metrics.OffersReplicated.Inc()
	}
	a.broadcastOffers(ctx, offers)
}

// HandleRolloverConnection serves one inbound rollover channel.
func (a *Actor) HandleRolloverConnection(ctx context.Context, ch protocol.Channel) {
	propose, err := receiveMsg[protocol.RolloverProposeMsg](ctx, ch, protocol.MsgRolloverPropose)
	if err != nil {
		a.log.Warn().Err(err).Msg("malformed rollover proposal")
		ch.Close()
		return
	}

	order, _, err := a.store.Load(ctx, propose.OrderID)
	if err != nil {
		a.log.Warn().Err(err).Stringer("order_id", propose.OrderID).Msg("rollover for unknown contract")
		if sendErr := sendMsg(ctx, ch, protocol.MsgRolloverFailed, protocol.FailedMsg{
			OrderID: propose.OrderID,
			Reason:  "unknown contract",
		}); sendErr != nil {
			a.log.Debug().Err(sendErr).Msg("could not answer rollover for unknown contract")
		}
		ch.Close()
		return
	}

	txFeeRate, fundingRate := a.currentRates(order)

	rollover := protocol.NewRolloverMaker(protocol.RolloverMakerConfig{
		OrderID:         propose.OrderID,
		Version:         propose.Version,
		TxFeeRate:       txFeeRate,
		FundingRate:     fundingRate,
		Registry:        a.registry,
		Executor:        a.executor,
		Wallet:          a.wallet,
		Oracle:          a.oracle,
		Channel:         ch,
		DecisionTimeout: a.decisionTimeout,
		Logger:          a.log,
		Metrics:         a.metrics,
	})

	a.track(protocol.KindRollover, propose.OrderID, rollover)
	go func() {
		defer a.untrack(protocol.KindRollover, propose.OrderID)
		if err := rollover.Run(ctx); err != nil {
			a.log.Warn().Err(err).Stringer("order_id", propose.OrderID).Msg("rollover ended with error")
		}
		a.feed.ContractChanged(propose.OrderID)
	}()
}

// currentRates picks the terms for the interval being rolled into from the
// current offer parameters, falling back to the contract's initial terms
// when no offers are published.
func (a *Actor) currentRates(order model.Order) (model.TxFeeRate, model.FundingRate) {
	a.mu.Lock()
	params := a.offerParams
	published := a.offers.Long != nil || a.offers.Short != nil
	a.mu.Unlock()

	if !published {
		return order.InitialTxFeeRate, order.InitialFundingRate
	}

	rate := params.FundingRateLong
	if order.Position == model.PositionShort {
		rate = params.FundingRateShort
	}
	return params.TxFeeRate, rate
}

// HandleSettlementConnection serves one inbound settlement channel.
func (a *Actor) HandleSettlementConnection(ctx context.Context, ch protocol.Channel) {
	propose, err := receiveMsg[protocol.SettlementProposeMsg](ctx, ch, protocol.MsgSettlementPropose)
	if err != nil {
		a.log.Warn().Err(err).Msg("malformed settlement proposal")
		ch.Close()
		return
	}

	id := propose.Proposal.OrderID
	settlement := protocol.NewSettlementMaker(protocol.SettlementMakerConfig{
		Proposal:        propose.Proposal,
		Registry:        a.registry,
		Executor:        a.executor,
		Wallet:          a.wallet,
		Channel:         ch,
		DecisionTimeout: a.decisionTimeout,
		Logger:          a.log,
		Metrics:         a.metrics,
	})

	a.track(protocol.KindSettlement, id, settlement)
	go func() {
		defer a.untrack(protocol.KindSettlement, id)
		if err := settlement.Run(ctx); err != nil {
			a.log.Warn().Err(err).Stringer("order_id", id).Msg("settlement ended with error")
		}
		a.feed.ContractChanged(id)
	}()
}

func (a *Actor) track(kind protocol.Kind, id model.OrderID, d decider) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending[pendingKey{kind: kind, id: id}] = d
}

func (a *Actor) untrack(kind protocol.Kind, id model.OrderID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.pending, pendingKey{kind: kind, id: id})
}

// Decide forwards an operator decision to the negotiation waiting on it.
func (a *Actor) Decide(kind protocol.Kind, id model.OrderID, decision protocol.Decision) error {
	a.mu.Lock()
	d, ok := a.pending[pendingKey{kind: kind, id: id}]
	a.mu.Unlock()

	if !ok {
		return fmt.Errorf("%s for %s: %w", kind, id, ErrNoPendingDecision)
	}
	if !d.Decide(decision) {
		return fmt.Errorf("%s for %s already decided: %w", kind, id, ErrNoPendingDecision)
	}
	return nil
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

func sendMsg(ctx context.Context, ch protocol.Channel, msgType string, payload any) error {
	e, err := protocol.Encode(msgType, payload)
	if err != nil {
		return err
	}
	return ch.Send(ctx, e)
}

func receiveMsg[T any](ctx context.Context, ch protocol.Channel, want string) (T, error) {
	var zero T

	e, err := ch.Receive(ctx)
	if err != nil {
		return zero, err
	}
	return protocol.Decode[T](e, want)
}
