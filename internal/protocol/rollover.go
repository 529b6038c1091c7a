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
)

// ErrCompleteFeeMismatch aborts a rollover whose parties derived different
// settlement figures from the same announced terms.
var ErrCompleteFeeMismatch = errors.New("complete fee mismatch")

// RolloverMaker answers one taker-initiated rollover. The maker fixes the
// terms, derives the canonical complete fee and transmits it; nothing is
// signed until the taker has had the chance to verify that figure.
type RolloverMaker struct {
	orderID     model.OrderID
	version     cfd.RolloverVersion
	txFeeRate   model.TxFeeRate
	fundingRate model.FundingRate
	registry    *Registry
	executor    Executor
	wallet      Wallet
	oracle      oracle.Client
	channel     Channel
	timeout     time.Duration
	log         zerolog.Logger
	inst        instruments
	decision    chan Decision
}

type RolloverMakerConfig struct {
	OrderID model.OrderID
	Version cfd.RolloverVersion

	// Current terms for the interval being rolled into.
	TxFeeRate   model.TxFeeRate
	FundingRate model.FundingRate

	Registry        *Registry
	Executor        Executor
	Wallet          Wallet
	Oracle          oracle.Client
	Channel         Channel
	DecisionTimeout time.Duration
	Logger          zerolog.Logger
	Metrics         *observability.Metrics
}

func NewRolloverMaker(cfg RolloverMakerConfig) *RolloverMaker {
	return &RolloverMaker{
		orderID:     cfg.OrderID,
		version:     cfg.Version,
		txFeeRate:   cfg.TxFeeRate,
		fundingRate: cfg.FundingRate,
		registry:    cfg.Registry,
		executor:    cfg.Executor,
		wallet:      cfg.Wallet,
		oracle:      cfg.Oracle,
		channel:     cfg.Channel,
		timeout:     cfg.DecisionTimeout,
		log:         cfg.Logger.With().Stringer("order_id", cfg.OrderID).Str("protocol", string(KindRollover)).Logger(),
		inst:        instruments{m: cfg.Metrics},
		decision:    make(chan Decision, 1),
	}
}

func (r *RolloverMaker) Decide(d Decision) bool {
	select {
	case r.decision <- d:
		return true
	default:
		return false
	}
}

func (r *RolloverMaker) Run(ctx context.Context) error {
	slot, err := r.registry.TryRegister(KindRollover, r.orderID)
	if err != nil {
		r.inst.registrationRejected(KindRollover)
		if sendErr := send(ctx, r.channel, MsgRolloverFailed, FailedMsg{OrderID: r.orderID, Reason: err.Error()}); sendErr != nil {
			r.log.Debug().Err(sendErr).Msg("could not answer concurrent rollover attempt")
		}
		return fmt.Errorf("register rollover for %s: %w", r.orderID, err)
	}
	defer slot.Release()
	defer r.channel.Close()

	r.inst.started(KindRollover)
	startedAt := time.Now()

	var order model.Order
	err = r.executor.Execute(ctx, r.orderID, func(c cfd.Cfd) ([]cfd.Event, error) {
		event, err := c.StartRollover()
		if err != nil {
			return nil, err
		}
		order = c.Order()
		return []cfd.Event{event}, nil
	})
	if err != nil {
		if sendErr := send(ctx, r.channel, MsgRolloverFailed, FailedMsg{OrderID: r.orderID, Reason: err.Error()}); sendErr != nil {
			r.log.Debug().Err(sendErr).Msg("could not notify peer")
		}
		return err
	}

	var decision Decision
	select {
	case decision = <-r.decision:
	case <-time.After(r.timeout):
		return r.reject(ctx, ErrDecisionTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}

	if !decision.Accepted {
		return r.reject(ctx, errors.New(decision.Reason))
	}

	var params cfd.RolloverParams
	err = r.executor.Execute(ctx, r.orderID, func(c cfd.Cfd) ([]cfd.Event, error) {
		event, p, err := c.AcceptRolloverProposal(r.txFeeRate, r.fundingRate, r.version)
		if err != nil {
			return nil, err
		}
		params = p
		return []cfd.Event{event}, nil
	})
	if err != nil {
		return r.fail(ctx, PhaseBeforeCommitment, err)
	}

	eventID := oracle.NextAnnouncementAfter(
		order.ContractSymbol,
		time.Now().UTC().Add(order.SettlementInterval),
	)
	announcement, err := r.oracle.GetAnnouncement(ctx, eventID)
	if err != nil {
		return r.fail(ctx, PhaseBeforeCommitment, err)
	}

	err = send(ctx, r.channel, MsgRolloverDecision, RolloverDecisionMsg{
		OrderID:           r.orderID,
		Confirmed:         true,
		TxFeeRate:         r.txFeeRate,
		FundingRate:       r.fundingRate,
		Version:           r.version,
		CompleteFee:       params.CompleteFee(),
		SettlementEventID: announcement.ID,
	})
	if err != nil {
		return r.fail(ctx, PhaseBeforeCommitment, err)
	}

	takerSig, err := receive[RolloverSignatureMsg](ctx, r.channel, MsgRolloverSignature)
	if err != nil {
		return r.fail(ctx, PhaseBeforeCommitment, err)
	}

	ownSig, err := r.wallet.Sign(ctx, []byte(announcement.ID))
	if err != nil {
		return r.fail(ctx, PhaseBeforeCommitment, err)
	}

	// Commitment point.
	if err := send(ctx, r.channel, MsgRolloverSignature, RolloverSignatureMsg{OrderID: r.orderID, Signature: ownSig}); err != nil {
		return r.fail(ctx, PhaseBeforeCommitment, err)
	}

	err = send(ctx, r.channel, MsgRolloverComplete, RolloverCompleteMsg{
		OrderID:           r.orderID,
		SettlementEventID: announcement.ID,
	})
	if err != nil {
		return r.fail(ctx, PhaseAfterCommitment, err)
	}

	dlc, err := newDLC(order, params.CompleteFee(), announcement, takerSig.Signature, r.inst)
	if err != nil {
		return r.fail(ctx, PhaseAfterCommitment, err)
	}
	err = r.executor.Execute(ctx, r.orderID, func(c cfd.Cfd) ([]cfd.Event, error) {
		event, err := c.CompleteRollover(dlc, params.CurrentFee)
		if err != nil {
			return nil, err
		}
		return []cfd.Event{event}, nil
	})
	if err != nil {
		return r.fail(ctx, PhaseAfterCommitment, err)
	}

	r.oracle.MonitorAttestation(announcement.ID)
	r.inst.completed(KindRollover, startedAt)
	r.log.Info().Str("settlement_event", string(announcement.ID)).Msg("rollover completed")
	return nil
}

func (r *RolloverMaker) reject(ctx context.Context, reason error) error {
	err := send(ctx, r.channel, MsgRolloverDecision, RolloverDecisionMsg{
		OrderID:   r.orderID,
		Confirmed: false,
		Reason:    reason.Error(),
	})
	if err != nil {
		r.log.Warn().Err(err).Msg("could not notify peer of rejection")
	}

	err = r.executor.Execute(ctx, r.orderID, func(c cfd.Cfd) ([]cfd.Event, error) {
		event, err := c.RejectRollover(reason)
		if err != nil {
			return nil, err
		}
		return []cfd.Event{event}, nil
	})
	if err != nil {
		return err
	}

	r.inst.failed(KindRollover, PhasePeerRejected)
	r.log.Info().Str("reason", reason.Error()).Msg("rollover rejected")
	return nil
}

func (r *RolloverMaker) fail(ctx context.Context, phase FailurePhase, cause error) error {
	failure := &Failure{Phase: phase, Err: cause}

	if err := send(ctx, r.channel, MsgRolloverFailed, FailedMsg{OrderID: r.orderID, Reason: cause.Error()}); err != nil {
		r.log.Debug().Err(err).Msg("could not notify peer of failure")
	}

	err := r.executor.Execute(ctx, r.orderID, func(c cfd.Cfd) ([]cfd.Event, error) {
		event, err := c.FailRollover(failure)
		if err != nil {
			return nil, err
		}
		return []cfd.Event{event}, nil
	})
	if err != nil {
		r.log.Error().Err(err).Msg("could not record rollover failure")
	}

	r.inst.failed(KindRollover, phase)
	if failure.RequiresMonitoring() {
		r.log.Error().Err(cause).Msg("rollover failed after commitment, monitor the previous settlement event")
	} else {
		r.log.Warn().Err(cause).Msg("rollover failed, contract stays on its current terms")
	}
	return failure
}

// RolloverTaker proposes extending an open contract's settlement window. It
// independently recomputes the maker's complete fee from the announced
// terms and aborts before signing anything if the figures differ.
type RolloverTaker struct {
	orderID  model.OrderID
	version  cfd.RolloverVersion
	registry *Registry
	executor Executor
	wallet   Wallet
	oracle   oracle.Client
	channel  Channel
	log      zerolog.Logger
	inst     instruments
}

type RolloverTakerConfig struct {
	OrderID  model.OrderID
	Version  cfd.RolloverVersion
	Registry *Registry
	Executor Executor
	Wallet   Wallet
	Oracle   oracle.Client
	Channel  Channel
	Logger   zerolog.Logger
	Metrics  *observability.Metrics
}

func NewRolloverTaker(cfg RolloverTakerConfig) *RolloverTaker {
	return &RolloverTaker{
		orderID:  cfg.OrderID,
		version:  cfg.Version,
		registry: cfg.Registry,
		executor: cfg.Executor,
		wallet:   cfg.Wallet,
		oracle:   cfg.Oracle,
		channel:  cfg.Channel,
		log:      cfg.Logger.With().Stringer("order_id", cfg.OrderID).Str("protocol", string(KindRollover)).Logger(),
		inst:     instruments{m: cfg.Metrics},
	}
}

func (t *RolloverTaker) Run(ctx context.Context) error {
	slot, err := t.registry.TryRegister(KindRollover, t.orderID)
	if err != nil {
		t.inst.registrationRejected(KindRollover)
		return fmt.Errorf("register rollover for %s: %w", t.orderID, err)
	}
	defer slot.Release()
	defer t.channel.Close()

	t.inst.started(KindRollover)
	startedAt := time.Now()

	var order model.Order
	err = t.executor.Execute(ctx, t.orderID, func(c cfd.Cfd) ([]cfd.Event, error) {
		event, err := c.StartRollover()
		if err != nil {
			return nil, err
		}
		order = c.Order()
		return []cfd.Event{event}, nil
	})
	if err != nil {
		return err
	}

	err = send(ctx, t.channel, MsgRolloverPropose, RolloverProposeMsg{
		OrderID:   t.orderID,
		Timestamp: time.Now().UTC(),
		Version:   t.version,
	})
	if err != nil {
		return t.fail(ctx, PhaseBeforeCommitment, err)
	}

	decision, err := receive[RolloverDecisionMsg](ctx, t.channel, MsgRolloverDecision)
	if err != nil {
		return t.fail(ctx, PhaseBeforeCommitment, err)
	}

	if !decision.Confirmed {
		rejectErr := errors.New(decision.Reason)
		err = t.executor.Execute(ctx, t.orderID, func(c cfd.Cfd) ([]cfd.Event, error) {
			event, err := c.RejectRollover(rejectErr)
			if err != nil {
				return nil, err
			}
			return []cfd.Event{event}, nil
		})
		if err != nil {
			return err
		}
		t.inst.failed(KindRollover, PhasePeerRejected)
		return failRejected(rejectErr)
	}

	var params cfd.RolloverParams
	err = t.executor.Execute(ctx, t.orderID, func(c cfd.Cfd) ([]cfd.Event, error) {
		event, p, err := c.AcceptRolloverProposal(decision.TxFeeRate, decision.FundingRate, decision.Version)
		if err != nil {
			return nil, err
		}
		params = p
		return []cfd.Event{event}, nil
	})
	if err != nil {
		return t.fail(ctx, PhaseBeforeCommitment, err)
	}

	if ownFee := params.CompleteFee(); ownFee != decision.CompleteFee {
		err := fmt.Errorf("%w: maker %d sat, taker %d sat",
			ErrCompleteFeeMismatch, decision.CompleteFee.LongPaysShort, ownFee.LongPaysShort)
		return t.fail(ctx, PhaseBeforeCommitment, err)
	}

	ownSig, err := t.wallet.Sign(ctx, []byte(decision.SettlementEventID))
	if err != nil {
		return t.fail(ctx, PhaseBeforeCommitment, err)
	}

	// Commitment point.
	if err := send(ctx, t.channel, MsgRolloverSignature, RolloverSignatureMsg{OrderID: t.orderID, Signature: ownSig}); err != nil {
		return t.fail(ctx, PhaseBeforeCommitment, err)
	}

	makerSig, err := receive[RolloverSignatureMsg](ctx, t.channel, MsgRolloverSignature)
	if err != nil {
		return t.fail(ctx, PhaseAfterCommitment, err)
	}
	complete, err := receive[RolloverCompleteMsg](ctx, t.channel, MsgRolloverComplete)
	if err != nil {
		return t.fail(ctx, PhaseAfterCommitment, err)
	}
	if complete.SettlementEventID != decision.SettlementEventID {
		return t.fail(ctx, PhaseAfterCommitment,
			fmt.Errorf("maker completed on %s, agreed on %s", complete.SettlementEventID, decision.SettlementEventID))
	}

	announcement, err := t.oracle.GetAnnouncement(ctx, complete.SettlementEventID)
	if err != nil {
		return t.fail(ctx, PhaseAfterCommitment, err)
	}

	dlc, err := newDLC(order, params.CompleteFee(), announcement, makerSig.Signature, t.inst)
	if err != nil {
		return t.fail(ctx, PhaseAfterCommitment, err)
	}
	err = t.executor.Execute(ctx, t.orderID, func(c cfd.Cfd) ([]cfd.Event, error) {
		event, err := c.CompleteRollover(dlc, params.CurrentFee)
		if err != nil {
			return nil, err
		}
		return []cfd.Event{event}, nil
	})
	if err != nil {
		return t.fail(ctx, PhaseAfterCommitment, err)
	}

	t.oracle.MonitorAttestation(complete.SettlementEventID)
	t.inst.completed(KindRollover, startedAt)
	t.log.Info().Str("settlement_event", string(complete.SettlementEventID)).Msg("rollover completed")
	return nil
}

func (t *RolloverTaker) fail(ctx context.Context, phase FailurePhase, cause error) error {
	failure := &Failure{Phase: phase, Err: cause}

	if err := send(ctx, t.channel, MsgRolloverFailed, FailedMsg{OrderID: t.orderID, Reason: cause.Error()}); err != nil {
		t.log.Debug().Err(err).Msg("could not notify peer of failure")
	}

	err := t.executor.Execute(ctx, t.orderID, func(c cfd.Cfd) ([]cfd.Event, error) {
		event, err := c.FailRollover(failure)
		if err != nil {
			return nil, err
		}
		return []cfd.Event{event}, nil
	})
	if err != nil {
		t.log.Error().Err(err).Msg("could not record rollover failure")
	}

	t.inst.failed(KindRollover, phase)
	return failure
}
