package protocol

import (
	"context"
	"errors"
	"fmt"
	"time"

	"CfdDaemon/internal/cfd"
	"CfdDaemon/internal/model"
	"CfdDaemon/internal/observability"
	"CfdDaemon/internal/oracle"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ErrInvalidOrderID is returned to a taker referencing an offer that is no
// longer current.
var ErrInvalidOrderID = errors.New("invalid order id")

// ErrDecisionTimeout ends a negotiation the operator never answered.
var ErrDecisionTimeout = errors.New("no operator decision before timeout")

// SetupMaker runs one contract-setup negotiation on the maker side. It is
// created once the orchestrator has validated the take and persisted the
// order, then waits for the operator's accept or reject.
type SetupMaker struct {
	order    model.Order
	registry *Registry
	executor Executor
	wallet   Wallet
	oracle   oracle.Client
	channel  Channel
	timeout  time.Duration
	log      zerolog.Logger
	inst     instruments
	decision chan Decision
}

// SetupMakerConfig wires a SetupMaker. Metrics may be nil.
type SetupMakerConfig struct {
	Order           model.Order
	Registry        *Registry
	Executor        Executor
	Wallet          Wallet
	Oracle          oracle.Client
	Channel         Channel
	DecisionTimeout time.Duration
	Logger          zerolog.Logger
	Metrics         *observability.Metrics
}

func NewSetupMaker(cfg SetupMakerConfig) *SetupMaker {
	return &SetupMaker{
		order:    cfg.Order,
		registry: cfg.Registry,
		executor: cfg.Executor,
		wallet:   cfg.Wallet,
		oracle:   cfg.Oracle,
		channel:  cfg.Channel,
		timeout:  cfg.DecisionTimeout,
		log:      cfg.Logger.With().Stringer("order_id", cfg.Order.ID).Str("protocol", string(KindSetup)).Logger(),
		inst:     instruments{m: cfg.Metrics},
		decision: make(chan Decision, 1),
	}
}

// Decide delivers the operator's answer. Reports false if a decision was
// already delivered.
func (s *SetupMaker) Decide(d Decision) bool {
	select {
	case s.decision <- d:
		return true
	default:
		return false
	}
}

// Run drives the negotiation to a terminal outcome and releases the
// registry slot. The channel is closed on return.
func (s *SetupMaker) Run(ctx context.Context) error {
	slot, err := s.registry.TryRegister(KindSetup, s.order.ID)
	if err != nil {
		s.inst.registrationRejected(KindSetup)
		return fmt.Errorf("register setup for %s: %w", s.order.ID, err)
	}
	defer slot.Release()
	defer s.channel.Close()

	s.inst.started(KindSetup)
	startedAt := time.Now()

	var decision Decision
	select {
	case decision = <-s.decision:
	case <-time.After(s.timeout):
		return s.reject(ctx, ErrDecisionTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}

	if !decision.Accepted {
		return s.reject(ctx, errors.New(decision.Reason))
	}

	var params model.SetupParams
	err = s.executor.Execute(ctx, s.order.ID, func(c cfd.Cfd) ([]cfd.Event, error) {
		event, p, err := c.StartContractSetup()
		if err != nil {
			return nil, err
		}
		params = p
		return []cfd.Event{event}, nil
	})
	if err != nil {
		return s.fail(ctx, PhaseBeforeCommitment, err)
	}

	if err := send(ctx, s.channel, MsgSetupAccept, SetupAcceptMsg{OrderID: s.order.ID}); err != nil {
		return s.fail(ctx, PhaseBeforeCommitment, err)
	}

	ownParams, err := s.wallet.BuildPartyParams(ctx, params)
	if err != nil {
		return s.fail(ctx, PhaseBeforeCommitment, err)
	}
	if err := send(ctx, s.channel, MsgSetupParams, SetupParamsMsg{OrderID: s.order.ID, Params: ownParams}); err != nil {
		return s.fail(ctx, PhaseBeforeCommitment, err)
	}

	peerParams, err := receive[SetupParamsMsg](ctx, s.channel, MsgSetupParams)
	if err != nil {
		return s.fail(ctx, PhaseBeforeCommitment, err)
	}
	peerSig, err := receive[SetupSignatureMsg](ctx, s.channel, MsgSetupSignature)
	if err != nil {
		return s.fail(ctx, PhaseBeforeCommitment, err)
	}

	ownSig, err := s.wallet.Sign(ctx, peerParams.Params)
	if err != nil {
		return s.fail(ctx, PhaseBeforeCommitment, err)
	}

	// Sending the signature is the commitment point: from here the peer
	// can fund the contract unilaterally.
	if err := send(ctx, s.channel, MsgSetupSignature, SetupSignatureMsg{OrderID: s.order.ID, Signature: ownSig}); err != nil {
		return s.fail(ctx, PhaseBeforeCommitment, err)
	}

	announcement, err := s.announcement(ctx)
	if err != nil {
		return s.fail(ctx, PhaseAfterCommitment, err)
	}

	if err := send(ctx, s.channel, MsgSetupComplete, SetupCompleteMsg{
		OrderID:           s.order.ID,
		SettlementEventID: announcement.ID,
	}); err != nil {
		return s.fail(ctx, PhaseAfterCommitment, err)
	}

	dlc, err := newDLC(s.order, params.FeeAccount.Settle(), announcement, peerSig.Signature, s.inst)
	if err != nil {
		return s.fail(ctx, PhaseAfterCommitment, err)
	}
	err = s.executor.Execute(ctx, s.order.ID, func(c cfd.Cfd) ([]cfd.Event, error) {
		event, err := c.CompleteContractSetup(dlc)
		if err != nil {
			return nil, err
		}
		return []cfd.Event{event}, nil
	})
	if err != nil {
		return s.fail(ctx, PhaseAfterCommitment, err)
	}

	s.oracle.MonitorAttestation(announcement.ID)
	s.inst.completed(KindSetup, startedAt)
	s.log.Info().Str("settlement_event", string(announcement.ID)).Msg("contract setup completed")
	return nil
}

func (s *SetupMaker) announcement(ctx context.Context) (oracle.Announcement, error) {
	eventID := oracle.NextAnnouncementAfter(
		s.order.ContractSymbol,
		time.Now().UTC().Add(s.order.SettlementInterval),
	)
	return s.oracle.GetAnnouncement(ctx, eventID)
}

func (s *SetupMaker) reject(ctx context.Context, reason error) error {
	sendErr := send(ctx, s.channel, MsgSetupReject, SetupRejectMsg{
		OfferID: s.order.OfferID,
		Reason:  reason.Error(),
	})
	if sendErr != nil {
		s.log.Warn().Err(sendErr).Msg("could not notify peer of rejection")
	}

	err := s.executor.Execute(ctx, s.order.ID, func(c cfd.Cfd) ([]cfd.Event, error) {
		return []cfd.Event{c.RejectContractSetup(reason)}, nil
	})
	if err != nil {
		return err
	}

	s.inst.failed(KindSetup, PhasePeerRejected)
	s.log.Info().Str("reason", reason.Error()).Msg("contract setup rejected")
	return nil
}

func (s *SetupMaker) fail(ctx context.Context, phase FailurePhase, cause error) error {
	failure := &Failure{Phase: phase, Err: cause}

	if err := send(ctx, s.channel, MsgSetupFailed, FailedMsg{OrderID: s.order.ID, Reason: cause.Error()}); err != nil {
		s.log.Debug().Err(err).Msg("could not notify peer of failure")
	}

	err := s.executor.Execute(ctx, s.order.ID, func(c cfd.Cfd) ([]cfd.Event, error) {
		return []cfd.Event{c.FailContractSetup(failure)}, nil
	})
	if err != nil {
		s.log.Error().Err(err).Msg("could not record setup failure")
	}

	s.inst.failed(KindSetup, phase)
	if failure.RequiresMonitoring() {
		s.log.Error().Err(cause).Msg("setup failed after commitment, monitor for unilateral funding")
	} else {
		s.log.Warn().Err(cause).Msg("contract setup failed")
	}
	return failure
}

// SetupTaker runs one contract-setup negotiation on the taker side, from
// the take request to the funded contract.
type SetupTaker struct {
	offer    model.Offer
	quantity decimal.Decimal
	leverage model.Leverage
	identity model.Identity
	maker    model.Identity
	orders   OrderRecorder
	registry *Registry
	executor Executor
	wallet   Wallet
	oracle   oracle.Client
	channel  Channel
	log      zerolog.Logger
	inst     instruments
}

type SetupTakerConfig struct {
	Offer    model.Offer
	Quantity decimal.Decimal
	Leverage model.Leverage
	Identity model.Identity
	Maker    model.Identity
	Orders   OrderRecorder
	Registry *Registry
	Executor Executor
	Wallet   Wallet
	Oracle   oracle.Client
	Channel  Channel
	Logger   zerolog.Logger
	Metrics  *observability.Metrics
}

func NewSetupTaker(cfg SetupTakerConfig) *SetupTaker {
	return &SetupTaker{
		offer:    cfg.Offer,
		quantity: cfg.Quantity,
		leverage: cfg.Leverage,
		identity: cfg.Identity,
		maker:    cfg.Maker,
		orders:   cfg.Orders,
		registry: cfg.Registry,
		executor: cfg.Executor,
		wallet:   cfg.Wallet,
		oracle:   cfg.Oracle,
		channel:  cfg.Channel,
		log:      cfg.Logger.With().Str("protocol", string(KindSetup)).Logger(),
		inst:     instruments{m: cfg.Metrics},
	}
}

// Run sends the take request and drives the setup to completion. The
// returned order id identifies the created contract on success.
func (t *SetupTaker) Run(ctx context.Context) (model.OrderID, error) {
	defer t.channel.Close()

	err := send(ctx, t.channel, MsgTakeOrder, TakeOrderMsg{
		OfferID:  t.offer.ID,
		Identity: t.identity,
		Quantity: t.quantity,
		Leverage: t.leverage,
	})
	if err != nil {
		return model.OrderID{}, err
	}

	answer, err := t.channel.Receive(ctx)
	if err != nil {
		return model.OrderID{}, err
	}

	switch answer.Type {
	case MsgInvalidOrderID:
		return model.OrderID{}, fmt.Errorf("take offer %s: %w", t.offer.ID, ErrInvalidOrderID)
	case MsgSetupReject:
		reject, err := Decode[SetupRejectMsg](answer, MsgSetupReject)
		if err != nil {
			return model.OrderID{}, err
		}
		return model.OrderID{}, failRejected(errors.New(reject.Reason))
	case MsgSetupAccept:
	default:
		return model.OrderID{}, fmt.Errorf("expected %s, peer sent %s", MsgSetupAccept, answer.Type)
	}

	accept, err := Decode[SetupAcceptMsg](answer, MsgSetupAccept)
	if err != nil {
		return model.OrderID{}, err
	}

	order := model.OrderFromTakenOffer(
		accept.OrderID, t.offer, t.quantity, t.maker, model.RoleTaker, t.leverage,
	)

	slot, err := t.registry.TryRegister(KindSetup, order.ID)
	if err != nil {
		t.inst.registrationRejected(KindSetup)
		return model.OrderID{}, err
	}
	defer slot.Release()

	t.inst.started(KindSetup)
	startedAt := time.Now()

	if err := t.orders.RecordOrder(ctx, order); err != nil {
		return order.ID, t.fail(ctx, order.ID, PhaseBeforeCommitment, err)
	}

	var params model.SetupParams
	err = t.executor.Execute(ctx, order.ID, func(c cfd.Cfd) ([]cfd.Event, error) {
		event, p, err := c.StartContractSetup()
		if err != nil {
			return nil, err
		}
		params = p
		return []cfd.Event{event}, nil
	})
	if err != nil {
		return order.ID, t.fail(ctx, order.ID, PhaseBeforeCommitment, err)
	}

	makerParams, err := receive[SetupParamsMsg](ctx, t.channel, MsgSetupParams)
	if err != nil {
		return order.ID, t.fail(ctx, order.ID, PhaseBeforeCommitment, err)
	}

	ownParams, err := t.wallet.BuildPartyParams(ctx, params)
	if err != nil {
		return order.ID, t.fail(ctx, order.ID, PhaseBeforeCommitment, err)
	}
	if err := send(ctx, t.channel, MsgSetupParams, SetupParamsMsg{OrderID: order.ID, Params: ownParams}); err != nil {
		return order.ID, t.fail(ctx, order.ID, PhaseBeforeCommitment, err)
	}

	ownSig, err := t.wallet.Sign(ctx, makerParams.Params)
	if err != nil {
		return order.ID, t.fail(ctx, order.ID, PhaseBeforeCommitment, err)
	}

	// Commitment point.
	if err := send(ctx, t.channel, MsgSetupSignature, SetupSignatureMsg{OrderID: order.ID, Signature: ownSig}); err != nil {
		return order.ID, t.fail(ctx, order.ID, PhaseBeforeCommitment, err)
	}

	makerSig, err := receive[SetupSignatureMsg](ctx, t.channel, MsgSetupSignature)
	if err != nil {
		return order.ID, t.fail(ctx, order.ID, PhaseAfterCommitment, err)
	}
	complete, err := receive[SetupCompleteMsg](ctx, t.channel, MsgSetupComplete)
	if err != nil {
		return order.ID, t.fail(ctx, order.ID, PhaseAfterCommitment, err)
	}

	announcement, err := t.oracle.GetAnnouncement(ctx, complete.SettlementEventID)
	if err != nil {
		return order.ID, t.fail(ctx, order.ID, PhaseAfterCommitment, err)
	}

	dlc, err := newDLC(order, params.FeeAccount.Settle(), announcement, makerSig.Signature, t.inst)
	if err != nil {
		return order.ID, t.fail(ctx, order.ID, PhaseAfterCommitment, err)
	}
	err = t.executor.Execute(ctx, order.ID, func(c cfd.Cfd) ([]cfd.Event, error) {
		event, err := c.CompleteContractSetup(dlc)
		if err != nil {
			return nil, err
		}
		return []cfd.Event{event}, nil
	})
	if err != nil {
		return order.ID, t.fail(ctx, order.ID, PhaseAfterCommitment, err)
	}

	t.oracle.MonitorAttestation(complete.SettlementEventID)
	t.inst.completed(KindSetup, startedAt)
	t.log.Info().Stringer("order_id", order.ID).Msg("contract setup completed")
	return order.ID, nil
}

func (t *SetupTaker) fail(ctx context.Context, id model.OrderID, phase FailurePhase, cause error) error {
	failure := &Failure{Phase: phase, Err: cause}

	err := t.executor.Execute(ctx, id, func(c cfd.Cfd) ([]cfd.Event, error) {
		return []cfd.Event{c.FailContractSetup(failure)}, nil
	})
	if err != nil {
		t.log.Error().Err(err).Msg("could not record setup failure")
	}

	t.inst.failed(KindSetup, phase)
	return failure
}

func send(ctx context.Context, ch Channel, msgType string, payload any) error {
	e, err := Encode(msgType, payload)
	if err != nil {
		return err
	}
	return ch.Send(ctx, e)
}

func receive[T any](ctx context.Context, ch Channel, want string) (T, error) {
	var zero T

	e, err := ch.Receive(ctx)
	if err != nil {
		return zero, err
	}
	return Decode[T](e, want)
}
