package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"CfdDaemon/internal/cfd"
	"CfdDaemon/internal/observability"

	"github.com/rs/zerolog"
)

// SettlementMaker answers one taker-proposed collaborative settlement. A
// rejection returns the contract to open; only a completed exchange closes
// it.
type SettlementMaker struct {
	proposal cfd.SettlementProposal
	registry *Registry
	executor Executor
	wallet   Wallet
	channel  Channel
	timeout  time.Duration
	log      zerolog.Logger
	inst     instruments
	decision chan Decision
}

type SettlementMakerConfig struct {
	Proposal        cfd.SettlementProposal
	Registry        *Registry
	Executor        Executor
	Wallet          Wallet
	Channel         Channel
	DecisionTimeout time.Duration
	Logger          zerolog.Logger
	Metrics         *observability.Metrics
}

func NewSettlementMaker(cfg SettlementMakerConfig) *SettlementMaker {
	return &SettlementMaker{
		proposal: cfg.Proposal,
		registry: cfg.Registry,
		executor: cfg.Executor,
		wallet:   cfg.Wallet,
		channel:  cfg.Channel,
		timeout:  cfg.DecisionTimeout,
		log:      cfg.Logger.With().Stringer("order_id", cfg.Proposal.OrderID).Str("protocol", string(KindSettlement)).Logger(),
		inst:     instruments{m: cfg.Metrics},
		decision: make(chan Decision, 1),
	}
}

func (s *SettlementMaker) Decide(d Decision) bool {
	select {
	case s.decision <- d:
		return true
	default:
		return false
	}
}

func (s *SettlementMaker) Run(ctx context.Context) error {
	id := s.proposal.OrderID

	slot, err := s.registry.TryRegister(KindSettlement, id)
	if err != nil {
		s.inst.registrationRejected(KindSettlement)
		if sendErr := send(ctx, s.channel, MsgSettlementFailed, FailedMsg{OrderID: id, Reason: err.Error()}); sendErr != nil {
			s.log.Debug().Err(sendErr).Msg("could not answer concurrent settlement attempt")
		}
		return fmt.Errorf("register settlement for %s: %w", id, err)
	}
	defer slot.Release()
	defer s.channel.Close()

	s.inst.started(KindSettlement)
	startedAt := time.Now()

	err = s.executor.Execute(ctx, id, func(c cfd.Cfd) ([]cfd.Event, error) {
		event, err := c.ProposeSettlement(s.proposal)
		if err != nil {
			return nil, err
		}
		return []cfd.Event{event}, nil
	})
	if err != nil {
		if sendErr := send(ctx, s.channel, MsgSettlementFailed, FailedMsg{OrderID: id, Reason: err.Error()}); sendErr != nil {
			s.log.Debug().Err(sendErr).Msg("could not notify peer")
		}
		return err
	}

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

	err = s.executor.Execute(ctx, id, func(c cfd.Cfd) ([]cfd.Event, error) {
		event, err := c.AcceptSettlement()
		if err != nil {
			return nil, err
		}
		return []cfd.Event{event}, nil
	})
	if err != nil {
		return s.fail(ctx, PhaseBeforeCommitment, err)
	}

	if err := send(ctx, s.channel, MsgSettlementDecision, SettlementDecisionMsg{OrderID: id, Confirmed: true}); err != nil {
		return s.fail(ctx, PhaseBeforeCommitment, err)
	}

	takerSig, err := receive[SettlementSignatureMsg](ctx, s.channel, MsgSettlementSignature)
	if err != nil {
		return s.fail(ctx, PhaseBeforeCommitment, err)
	}

	closeTx, err := s.wallet.Sign(ctx, takerSig.Signature)
	if err != nil {
		return s.fail(ctx, PhaseBeforeCommitment, err)
	}

	// Commitment point: the close transaction leaves with this message.
	if err := send(ctx, s.channel, MsgSettlementComplete, SettlementCompleteMsg{OrderID: id, CloseTx: closeTx}); err != nil {
		return s.fail(ctx, PhaseAfterCommitment, err)
	}

	err = s.executor.Execute(ctx, id, func(c cfd.Cfd) ([]cfd.Event, error) {
		event, err := c.CompleteSettlement(s.proposal, closeTx)
		if err != nil {
			return nil, err
		}
		return []cfd.Event{event}, nil
	})
	if err != nil {
		return s.fail(ctx, PhaseAfterCommitment, err)
	}

	s.inst.completed(KindSettlement, startedAt)
	s.log.Info().Str("price", s.proposal.Price.String()).Msg("collaborative settlement completed")
	return nil
}

func (s *SettlementMaker) reject(ctx context.Context, reason error) error {
	id := s.proposal.OrderID

	err := send(ctx, s.channel, MsgSettlementDecision, SettlementDecisionMsg{
		OrderID:   id,
		Confirmed: false,
		Reason:    reason.Error(),
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("could not notify peer of rejection")
	}

	err = s.executor.Execute(ctx, id, func(c cfd.Cfd) ([]cfd.Event, error) {
		event, err := c.RejectSettlement()
		if err != nil {
			return nil, err
		}
		return []cfd.Event{event}, nil
	})
	if err != nil {
		return err
	}

	s.inst.failed(KindSettlement, PhasePeerRejected)
	s.log.Info().Str("reason", reason.Error()).Msg("settlement rejected, contract stays open")
	return nil
}

func (s *SettlementMaker) fail(ctx context.Context, phase FailurePhase, cause error) error {
	failure := &Failure{Phase: phase, Err: cause}
	id := s.proposal.OrderID

	if err := send(ctx, s.channel, MsgSettlementFailed, FailedMsg{OrderID: id, Reason: cause.Error()}); err != nil {
		s.log.Debug().Err(err).Msg("could not notify peer of failure")
	}

	err := s.executor.Execute(ctx, id, func(c cfd.Cfd) ([]cfd.Event, error) {
		event, err := c.FailSettlement(failure)
		if err != nil {
			return nil, err
		}
		return []cfd.Event{event}, nil
	})
	if err != nil {
		s.log.Error().Err(err).Msg("could not record settlement failure")
	}

	s.inst.failed(KindSettlement, phase)
	if failure.RequiresMonitoring() {
		s.log.Error().Err(cause).Msg("settlement failed after sending the close transaction, monitor for publication")
	} else {
		s.log.Warn().Err(cause).Msg("settlement failed, contract stays open")
	}
	return failure
}

// SettlementTaker dials the maker with a settlement proposal. Failures are
// split by whether the taker's signature had already left: before it, the
// attempt simply dies; after it, the maker holds everything needed to
// publish the close, so the condition is surfaced for monitoring.
type SettlementTaker struct {
	proposal cfd.SettlementProposal
	registry *Registry
	executor Executor
	wallet   Wallet
	channel  Channel
	log      zerolog.Logger
	inst     instruments
}

type SettlementTakerConfig struct {
	Proposal cfd.SettlementProposal
	Registry *Registry
	Executor Executor
	Wallet   Wallet
	Channel  Channel
	Logger   zerolog.Logger
	Metrics  *observability.Metrics
}

func NewSettlementTaker(cfg SettlementTakerConfig) *SettlementTaker {
	return &SettlementTaker{
		proposal: cfg.Proposal,
		registry: cfg.Registry,
		executor: cfg.Executor,
		wallet:   cfg.Wallet,
		channel:  cfg.Channel,
		log:      cfg.Logger.With().Stringer("order_id", cfg.Proposal.OrderID).Str("protocol", string(KindSettlement)).Logger(),
		inst:     instruments{m: cfg.Metrics},
	}
}

func (t *SettlementTaker) Run(ctx context.Context) error {
	id := t.proposal.OrderID

	slot, err := t.registry.TryRegister(KindSettlement, id)
	if err != nil {
		t.inst.registrationRejected(KindSettlement)
		return fmt.Errorf("register settlement for %s: %w", id, err)
	}
	defer slot.Release()
	defer t.channel.Close()

	t.inst.started(KindSettlement)
	startedAt := time.Now()

	err = t.executor.Execute(ctx, id, func(c cfd.Cfd) ([]cfd.Event, error) {
		event, err := c.ProposeSettlement(t.proposal)
		if err != nil {
			return nil, err
		}
		return []cfd.Event{event}, nil
	})
	if err != nil {
		return err
	}

	if err := send(ctx, t.channel, MsgSettlementPropose, SettlementProposeMsg{Proposal: t.proposal}); err != nil {
		return t.fail(ctx, PhaseBeforeCommitment, err)
	}

	decision, err := receive[SettlementDecisionMsg](ctx, t.channel, MsgSettlementDecision)
	if err != nil {
		return t.fail(ctx, PhaseBeforeCommitment, err)
	}

	if !decision.Confirmed {
		rejectErr := errors.New(decision.Reason)
		err = t.executor.Execute(ctx, id, func(c cfd.Cfd) ([]cfd.Event, error) {
			event, err := c.RejectSettlement()
			if err != nil {
				return nil, err
			}
			return []cfd.Event{event}, nil
		})
		if err != nil {
			return err
		}
		t.inst.failed(KindSettlement, PhasePeerRejected)
		return failRejected(rejectErr)
	}

	payload, err := json.Marshal(t.proposal)
	if err != nil {
		return t.fail(ctx, PhaseBeforeCommitment, err)
	}
	ownSig, err := t.wallet.Sign(ctx, payload)
	if err != nil {
		return t.fail(ctx, PhaseBeforeCommitment, err)
	}

	// Commitment point: past this send the maker can close unilaterally
	// on the agreed split.
	if err := send(ctx, t.channel, MsgSettlementSignature, SettlementSignatureMsg{OrderID: id, Signature: ownSig}); err != nil {
		return t.fail(ctx, PhaseBeforeCommitment, err)
	}

	complete, err := receive[SettlementCompleteMsg](ctx, t.channel, MsgSettlementComplete)
	if err != nil {
		return t.fail(ctx, PhaseAfterCommitment, err)
	}

	err = t.executor.Execute(ctx, id, func(c cfd.Cfd) ([]cfd.Event, error) {
		event, err := c.CompleteSettlement(t.proposal, complete.CloseTx)
		if err != nil {
			return nil, err
		}
		return []cfd.Event{event}, nil
	})
	if err != nil {
		return t.fail(ctx, PhaseAfterCommitment, err)
	}

	t.inst.completed(KindSettlement, startedAt)
	t.log.Info().Str("price", t.proposal.Price.String()).Msg("collaborative settlement completed")
	return nil
}

func (t *SettlementTaker) fail(ctx context.Context, phase FailurePhase, cause error) error {
	failure := &Failure{Phase: phase, Err: cause}
	id := t.proposal.OrderID

	err := t.executor.Execute(ctx, id, func(c cfd.Cfd) ([]cfd.Event, error) {
		event, err := c.FailSettlement(failure)
		if err != nil {
			return nil, err
		}
		return []cfd.Event{event}, nil
	})
	if err != nil {
		t.log.Error().Err(err).Msg("could not record settlement failure")
	}

	t.inst.failed(KindSettlement, phase)
	if failure.RequiresMonitoring() {
		t.log.Error().Err(cause).Msg("settlement failed after sending signature, monitor for publication")
	}
	return failure
}
