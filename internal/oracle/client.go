package oracle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// ErrNoAnnouncement is returned when the oracle has not published a
// commitment for the requested event yet.
var ErrNoAnnouncement = errors.New("no announcement for event")

// Client is the oracle capability the protocol actors depend on.
type Client interface {
	// GetAnnouncement fetches the commitment for an event id.
	GetAnnouncement(ctx context.Context, id EventID) (Announcement, error)

	// MonitorAttestation subscribes for the eventual attestation of an
	// event. Fire and forget: delivery happens through the configured sink.
	MonitorAttestation(id EventID)
}

// AttestationSink receives attestations for monitored events.
type AttestationSink interface {
	Attested(att Attestation)
}

// attestationSubjectPrefix is the NATS subject space the oracle bridge
// publishes on. Event ids contain characters NATS subjects cannot carry, so
// subjects use a SHA-256 digest of the id.
const attestationSubjectPrefix = "oracle.attestation."

func attestationSubject(id EventID) string {
	sum := sha256.Sum256([]byte(id))
	return attestationSubjectPrefix + hex.EncodeToString(sum[:8])
}

// NATSMonitor delivers attestations for monitored events over NATS.
// Announcements themselves come from an injected resolver (typically an HTTP
// cache maintained by an out-of-scope feed), so the monitor only owns the
// attestation leg.
type NATSMonitor struct {
	nc       *nats.Conn
	resolver AnnouncementResolver
	sink     AttestationSink
	log      zerolog.Logger

	mu   sync.Mutex
	subs map[EventID]*nats.Subscription
}

// AnnouncementResolver looks up published announcements.
type AnnouncementResolver interface {
	Announcement(ctx context.Context, id EventID) (Announcement, error)
}

func NewNATSMonitor(nc *nats.Conn, resolver AnnouncementResolver, sink AttestationSink, log zerolog.Logger) *NATSMonitor {
	return &NATSMonitor{
		nc:       nc,
		resolver: resolver,
		sink:     sink,
		log:      log,
		subs:     make(map[EventID]*nats.Subscription),
	}
}

func (m *NATSMonitor) GetAnnouncement(ctx context.Context, id EventID) (Announcement, error) {
	ann, err := m.resolver.Announcement(ctx, id)
	if err != nil {
		return Announcement{}, fmt.Errorf("resolve announcement %s: %w", id, err)
	}
	return ann, nil
}

func (m *NATSMonitor) MonitorAttestation(id EventID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.subs[id]; ok {
		return
	}

	sub, err := m.nc.Subscribe(attestationSubject(id), func(msg *nats.Msg) {
		var att Attestation
		if err := json.Unmarshal(msg.Data, &att); err != nil {
			m.log.Warn().Str("event_id", string(id)).Err(err).Msg("discarding malformed attestation")
			return
		}

		m.sink.Attested(att)
		m.unsubscribe(id)
	})
	if err != nil {
		m.log.Error().Str("event_id", string(id)).Err(err).Msg("attestation subscribe failed")
		return
	}

	m.subs[id] = sub
	m.log.Debug().Str("event_id", string(id)).Msg("monitoring attestation")
}

func (m *NATSMonitor) unsubscribe(id EventID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sub, ok := m.subs[id]; ok {
		_ = sub.Unsubscribe()
		delete(m.subs, id)
	}
}

// Stop drops all active subscriptions.
func (m *NATSMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, sub := range m.subs {
		_ = sub.Unsubscribe()
		delete(m.subs, id)
	}
}

// StaticResolver serves announcements from a fixed in-memory set. Used in
// tests and by deployments that pre-fetch commitments out of band.
type StaticResolver struct {
	mu            sync.RWMutex
	announcements map[EventID]Announcement
}

func NewStaticResolver() *StaticResolver {
	return &StaticResolver{announcements: make(map[EventID]Announcement)}
}

func (r *StaticResolver) Add(ann Announcement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.announcements[ann.ID] = ann
}

func (r *StaticResolver) Announcement(_ context.Context, id EventID) (Announcement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ann, ok := r.announcements[id]
	if !ok {
		return Announcement{}, ErrNoAnnouncement
	}
	return ann, nil
}

// HTTPResolver fetches announcements from the oracle's REST API.
type HTTPResolver struct {
	baseURL string
	client  *http.Client
}

func NewHTTPResolver(baseURL string) *HTTPResolver {
	return &HTTPResolver{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (r *HTTPResolver) Announcement(ctx context.Context, id EventID) (Announcement, error) {
	endpoint := fmt.Sprintf("%s/api/announcements/%s", r.baseURL, url.PathEscape(string(id)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Announcement{}, fmt.Errorf("build announcement request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return Announcement{}, fmt.Errorf("fetch announcement %s: %w", id, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return Announcement{}, fmt.Errorf("announcement %s: %w", id, ErrNoAnnouncement)
	default:
		return Announcement{}, fmt.Errorf("announcement %s: unexpected status %d", id, resp.StatusCode)
	}

	var ann Announcement
	if err := json.NewDecoder(resp.Body).Decode(&ann); err != nil {
		return Announcement{}, fmt.Errorf("decode announcement %s: %w", id, err)
	}
	return ann, nil
}
