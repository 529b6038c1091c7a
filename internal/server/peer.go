// Package server exposes the daemon's three surfaces: the peer websocket
// listener the maker runs for takers, the operator HTTP API, and a gRPC
// health endpoint for orchestration tooling.
package server

import (
	"context"
	"net/http"
	"time"

	"CfdDaemon/internal/maker"
	"CfdDaemon/internal/model"
	"CfdDaemon/internal/protocol"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// PeerServer accepts taker connections and routes each one to the maker
// actor handler for the requested protocol. One connection carries exactly
// one protocol attempt, except the offer stream which stays open.
type PeerServer struct {
	actor    *maker.Actor
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

func NewPeerServer(actor *maker.Actor, log zerolog.Logger) *PeerServer {
	return &PeerServer{
		actor: actor,
		log:   log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// Handler builds the peer mux. Protocol goroutines outlive the HTTP request
// that spawned them, so they run under the daemon context, not the request's.
func (s *PeerServer) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /protocols/offer", func(w http.ResponseWriter, r *http.Request) {
		s.handleOffers(ctx, w, r)
	})
	mux.HandleFunc("GET /protocols/setup", s.handle(ctx, protocol.KindSetup))
	mux.HandleFunc("GET /protocols/rollover", s.handle(ctx, protocol.KindRollover))
	mux.HandleFunc("GET /protocols/settlement", s.handle(ctx, protocol.KindSettlement))
	return mux
}

// handleOffers keeps the connection open and streams offer updates until the
// taker disconnects.
func (s *PeerServer) handleOffers(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	identity := model.Identity(r.URL.Query().Get("identity"))
	if identity == "" {
		http.Error(w, "identity query parameter required", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("offer stream upgrade failed")
		return
	}

	ch := protocol.NewWebsocketChannel(conn)
	s.actor.TakerConnected(ctx, identity, ch)
	defer s.actor.TakerDisconnected(identity)

	// The stream is write-only from our side. Reading here surfaces the
	// taker going away.
	for {
		if _, err := ch.Receive(ctx); err != nil {
			return
		}
	}
}

func (s *PeerServer) handle(ctx context.Context, kind protocol.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Warn().Err(err).Str("protocol", string(kind)).Msg("upgrade failed")
			return
		}

		ch := protocol.NewWebsocketChannel(conn)
		switch kind {
		case protocol.KindSetup:
			s.actor.HandleSetupConnection(ctx, ch)
		case protocol.KindRollover:
			s.actor.HandleRolloverConnection(ctx, ch)
		case protocol.KindSettlement:
			s.actor.HandleSettlementConnection(ctx, ch)
		}
	}
}
