package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"CfdDaemon/internal/cfd"
	"CfdDaemon/internal/maker"
	"CfdDaemon/internal/model"
	"CfdDaemon/internal/observability"
	"CfdDaemon/internal/projection"
	"CfdDaemon/internal/protocol"
	"CfdDaemon/internal/taker"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// OperatorServer is the local HTTP API the daemon's operator drives.
// Exactly one of Maker/Taker is set, depending on the daemon's role.
type OperatorServer struct {
	maker  *maker.Actor
	taker  *taker.Actor
	health *observability.HealthChecker
	log    zerolog.Logger
}

type OperatorConfig struct {
	Maker  *maker.Actor
	Taker  *taker.Actor
	Health *observability.HealthChecker
	Logger zerolog.Logger
}

func NewOperatorServer(cfg OperatorConfig) *OperatorServer {
	return &OperatorServer{
		maker:  cfg.Maker,
		taker:  cfg.Taker,
		health: cfg.Health,
		log:    cfg.Logger,
	}
}

func (s *OperatorServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.health.LivenessHandler)
	mux.HandleFunc("GET /readyz", s.health.ReadinessHandler)

	mux.HandleFunc("GET /cfds", s.handleListCfds)
	mux.HandleFunc("POST /cfds/{id}/commit", s.handleCommit)

	if s.maker != nil {
		mux.HandleFunc("GET /offers", s.handleMakerOffers)
		mux.HandleFunc("PUT /offers", s.handleSetOffers)
		mux.HandleFunc("POST /cfds/{id}/setup/decision", s.handleDecision(protocol.KindSetup))
		mux.HandleFunc("POST /cfds/{id}/rollover/decision", s.handleDecision(protocol.KindRollover))
		mux.HandleFunc("POST /cfds/{id}/settlement/decision", s.handleDecision(protocol.KindSettlement))
	}

	if s.taker != nil {
		mux.HandleFunc("GET /offers", s.handleTakerOffers)
		mux.HandleFunc("POST /take", s.handleTake)
		mux.HandleFunc("POST /cfds/{id}/rollover", s.handleRollover)
		mux.HandleFunc("POST /cfds/{id}/settle", s.handleSettle)
	}

	return mux
}

type offerParamsRequest struct {
	PriceLong         *decimal.Decimal `json:"price_long"`
	PriceShort        *decimal.Decimal `json:"price_short"`
	MinQuantity       decimal.Decimal  `json:"min_quantity"`
	MaxQuantity       decimal.Decimal  `json:"max_quantity"`
	TxFeeRate         model.TxFeeRate  `json:"tx_fee_rate"`
	FundingRateLong   decimal.Decimal  `json:"funding_rate_long"`
	FundingRateShort  decimal.Decimal  `json:"funding_rate_short"`
	OpeningFee        model.Sats       `json:"opening_fee"`
	LeverageChoices   []model.Leverage `json:"leverage_choices"`
	SettlementSeconds int64            `json:"settlement_interval_seconds"`
	ContractSymbol    string           `json:"contract_symbol"`
}

func (s *OperatorServer) handleSetOffers(w http.ResponseWriter, r *http.Request) {
	var req offerParamsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.ContractSymbol == "" {
		writeError(w, http.StatusBadRequest, errors.New("contract_symbol required"))
		return
	}

	offers := s.maker.SetOffers(r.Context(), model.OfferParams{
		PriceLong:          req.PriceLong,
		PriceShort:         req.PriceShort,
		MinQuantity:        req.MinQuantity,
		MaxQuantity:        req.MaxQuantity,
		TxFeeRate:          req.TxFeeRate,
		FundingRateLong:    model.NewFundingRate(req.FundingRateLong),
		FundingRateShort:   model.NewFundingRate(req.FundingRateShort),
		OpeningFee:         req.OpeningFee,
		LeverageChoices:    req.LeverageChoices,
		SettlementInterval: time.Duration(req.SettlementSeconds) * time.Second,
		ContractSymbol:     req.ContractSymbol,
	})

	writeJSON(w, http.StatusOK, offers)
}

func (s *OperatorServer) handleMakerOffers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.maker.Offers())
}

func (s *OperatorServer) handleTakerOffers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.taker.Offers())
}

func (s *OperatorServer) handleListCfds(w http.ResponseWriter, r *http.Request) {
	var (
		cfds []projection.ContractSnapshot
		err  error
	)
	if s.maker != nil {
		cfds, err = s.maker.Contracts(r.Context())
	} else {
		cfds, err = s.taker.Contracts(r.Context())
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, cfds)
}

type decisionRequest struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

func (s *OperatorServer) handleDecision(kind protocol.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		var req decisionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		err = s.maker.Decide(kind, id, protocol.Decision{
			Accepted: req.Accepted,
			Reason:   req.Reason,
		})
		if errors.Is(err, maker.ErrNoPendingDecision) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type takeRequest struct {
	OfferID  model.OfferID   `json:"offer_id"`
	Quantity decimal.Decimal `json:"quantity"`
	Leverage model.Leverage  `json:"leverage"`
}

func (s *OperatorServer) handleTake(w http.ResponseWriter, r *http.Request) {
	var req takeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	orderID, err := s.taker.TakeOffer(r.Context(), req.OfferID, req.Quantity, req.Leverage)
	switch {
	case errors.Is(err, taker.ErrUnknownOffer), errors.Is(err, protocol.ErrInvalidOrderID):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		s.log.Error().Err(err).Msg("take offer failed")
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusCreated, map[string]any{"order_id": orderID})
	}
}

type rolloverRequest struct {
	Version cfd.RolloverVersion `json:"version"`
}

func (s *OperatorServer) handleRollover(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	req := rolloverRequest{Version: cfd.RolloverV2}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	if err := s.taker.Rollover(r.Context(), id, req.Version); err != nil {
		s.log.Error().Err(err).Stringer("order_id", id).Msg("rollover failed")
		writeError(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type settleRequest struct {
	Price decimal.Decimal `json:"price"`
}

func (s *OperatorServer) handleSettle(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var req settleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.taker.ProposeSettlement(r.Context(), id, req.Price); err != nil {
		s.log.Error().Err(err).Stringer("order_id", id).Msg("settlement proposal failed")
		writeError(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *OperatorServer) handleCommit(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if s.maker != nil {
		err = s.maker.Commit(r.Context(), id)
	} else {
		err = s.taker.Commit(r.Context(), id)
	}
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
