// Package mesh negotiates one WebRTC peer connection per remote client over
// the shared signaling channel.
package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tumkoussekya/studio-sub000/internal/core/domain"
	"github.com/tumkoussekya/studio-sub000/pkg/tracing"
)

// maxEarlyCandidates bounds candidates kept per remote while no connection
// exists for it. The oldest are dropped first.
const maxEarlyCandidates = 64

const defaultSignalTimeout = 10 * time.Second

var errInvalidRemote = errors.New("invalid remote id")

type Metrics interface {
	MeshPeerOpened()
	MeshPeerClosed()
}

type nopMetrics struct{}

func (nopMetrics) MeshPeerOpened() {}
func (nopMetrics) MeshPeerClosed() {}

type Option func(*Manager)

func WithMetrics(metrics Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

func WithSignalTimeout(d time.Duration) Option {
	return func(m *Manager) { m.signalTimeout = d }
}

// remoteCandidate is a candidate tagged with the session of the remote
// connection that gathered it
type remoteCandidate struct {
	session   string
	candidate webrtc.ICECandidateInit
}

type peer struct {
	remoteID string
	label    string
	session  string
	pc       PeerConnection

	// mu serializes negotiation steps on pc
	mu            sync.Mutex
	hasRemote     bool
	remoteSession string
	pending       []remoteCandidate

	stateMu sync.Mutex
	state   domain.PeerState

	closed atomic.Bool
}

// accepts reports whether a candidate tagged session belongs to the remote
// connection p negotiated with. Untagged candidates are always accepted.
// p.mu must be held.
func (p *peer) accepts(session string) bool {
	return session == "" || p.remoteSession == "" || session == p.remoteSession
}

func (p *peer) State() domain.PeerState {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.state
}

// setState never leaves closed, and leaves connected only for closed
func (p *peer) setState(s domain.PeerState) {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	if p.state == domain.PeerClosed || (p.state == domain.PeerConnected && s != domain.PeerClosed) {
		return
	}
	p.state = s
}

// Manager keeps at most one peer connection per remote id. Build one per
// client and feed it every envelope addressed to the client.
type Manager struct {
	selfID        string
	signaler      Signaler
	factory       PeerFactory
	logger        *zap.SugaredLogger
	metrics       Metrics
	signalTimeout time.Duration

	mu          sync.Mutex
	peers       map[string]*peer
	early       map[string][]remoteCandidate
	streams     map[string]*RemoteStream
	localTracks []webrtc.TrackLocal
	onStream    func(remoteID string, stream *RemoteStream, label string)
	onClose     func(remoteID string)
}

func NewManager(selfID string, signaler Signaler, factory PeerFactory, logger *zap.SugaredLogger, opts ...Option) *Manager {
	m := &Manager{
		selfID:        selfID,
		signaler:      signaler,
		factory:       factory,
		logger:        logger,
		metrics:       nopMetrics{},
		signalTimeout: defaultSignalTimeout,
		peers:         make(map[string]*peer),
		early:         make(map[string][]remoteCandidate),
		streams:       make(map[string]*RemoteStream),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetLocalTracks sets the tracks attached to connections created from now on
func (m *Manager) SetLocalTracks(tracks ...webrtc.TrackLocal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.localTracks = append([]webrtc.TrackLocal(nil), tracks...)
}

// OnRemoteStream registers the single observer of remote tracks. It is
// called once per track with the stream of that remote.
func (m *Manager) OnRemoteStream(fn func(remoteID string, stream *RemoteStream, label string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStream = fn
}

// OnPeerClosed registers the single observer of torn down connections. Hang
// ups and network failures are reported the same way.
func (m *Manager) OnPeerClosed(fn func(remoteID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onClose = fn
}

// Call offers a connection to remoteID. It returns once the offer is sent;
// the connection is observed through OnRemoteStream. Calling a remote that
// already has a connection is a no-op.
func (m *Manager) Call(ctx context.Context, remoteID, remoteLabel string) error {
	if remoteID == "" || remoteID == m.selfID {
		return fmt.Errorf("call %q: %w", remoteID, errInvalidRemote)
	}

	m.mu.Lock()
	if _, ok := m.peers[remoteID]; ok {
		m.mu.Unlock()
		return nil
	}
	p, err := m.newPeerLocked(remoteID, remoteLabel)
	tracks := m.localTracks
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("create peer connection for %s: %w", remoteID, err)
	}

	p.mu.Lock()
	offer, err := m.prepareOffer(p, tracks)
	p.mu.Unlock()

	if !m.current(p) {
		// hung up or replaced while the offer was prepared
		return nil
	}
	if err != nil {
		_ = m.teardown(p, "offer failed")
		return fmt.Errorf("offer to %s: %w", remoteID, err)
	}

	m.logger.Infow("Calling peer",
		"peer_id", remoteID,
		"label", remoteLabel,
	)
	return m.send(ctx, p, domain.SignalOffer, offer)
}

// newPeerLocked creates a connection for remoteID with every callback wired
// and takes over the candidates buffered for it. m.mu must be held.
func (m *Manager) newPeerLocked(remoteID, label string) (*peer, error) {
	pc, err := m.factory.NewPeerConnection()
	if err != nil {
		return nil, err
	}

	p := &peer{
		remoteID: remoteID,
		label:    label,
		session:  uuid.NewString(),
		pc:       pc,
		state:    domain.PeerIdle,
		pending:  m.early[remoteID],
	}
	delete(m.early, remoteID)

	pc.OnICECandidate(func(c *webrtc.ICECandidateInit) { m.sendCandidate(p, c) })
	pc.OnTrack(func(t RemoteTrack) { m.handleTrack(p, t) })
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) { m.handleConnectionState(p, s) })

	m.peers[remoteID] = p
	m.metrics.MeshPeerOpened()
	return p, nil
}

func (m *Manager) prepareOffer(p *peer, tracks []webrtc.TrackLocal) (webrtc.SessionDescription, error) {
	if len(tracks) > 0 {
		if err := p.pc.AddLocalTracks(tracks); err != nil {
			return webrtc.SessionDescription{}, fmt.Errorf("add local tracks: %w", err)
		}
	}
	offer, err := p.pc.CreateOffer()
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	p.setState(domain.PeerOffering)
	return offer, nil
}

// HandleSignal applies an inbound envelope. Envelopes addressed to other
// clients are ignored. A malformed or failing negotiation step closes the
// affected connection and is returned as a *domain.SignalingError.
func (m *Manager) HandleSignal(ctx context.Context, env domain.SignalEnvelope) error {
	if env.To != m.selfID || env.From == "" || env.From == m.selfID {
		return nil
	}

	ctx, span := tracing.TraceWebRTC(ctx, string(env.Type), env.From)
	defer span.End()

	var err error
	switch env.Type {
	case domain.SignalOffer:
		err = m.handleOffer(ctx, env)
	case domain.SignalAnswer:
		err = m.handleAnswer(env)
	case domain.SignalCandidate:
		err = m.handleCandidate(env)
	default:
		err = fmt.Errorf("unknown signal type %q", env.Type)
	}
	if err == nil {
		return nil
	}

	tracing.RecordError(ctx, err)
	m.logger.Warnw("Signaling failed, closing peer connection",
		"peer_id", env.From,
		"type", env.Type,
		"error", err,
	)
	if p := m.lookup(env.From); p != nil {
		_ = m.teardown(p, "signaling error")
	}
	return &domain.SignalingError{RemoteID: env.From, Type: env.Type, Cause: err}
}

func decodeDescription(raw json.RawMessage, want webrtc.SDPType) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(raw, &desc); err != nil {
		return desc, fmt.Errorf("decode %s: %w", want, err)
	}
	if desc.Type != want || desc.SDP == "" {
		return desc, fmt.Errorf("expected %s description, got %q", want, desc.Type)
	}
	return desc, nil
}

func (m *Manager) handleOffer(ctx context.Context, env domain.SignalEnvelope) error {
	offer, err := decodeDescription(env.Payload, webrtc.SDPTypeOffer)
	if err != nil {
		return err
	}

	m.mu.Lock()
	var replaced *peer
	if existing, ok := m.peers[env.From]; ok {
		state := existing.State()
		if state != domain.PeerIdle && state != domain.PeerOffering {
			m.mu.Unlock()
			m.logger.Debugw("Ignoring duplicate offer", "peer_id", env.From, "state", state)
			return nil
		}
		if m.selfID > env.From {
			m.mu.Unlock()
			m.logger.Infow("Offer collision, keeping own offer", "peer_id", env.From)
			return nil
		}
		// collision and the smaller id answers: drop the own offer
		replaced = existing
		replaced.closed.Store(true)
		delete(m.peers, env.From)
	}
	p, err := m.newPeerLocked(env.From, env.Label)
	tracks := m.localTracks
	m.mu.Unlock()

	if replaced != nil {
		m.logger.Infow("Offer collision, answering remote offer", "peer_id", env.From)
		replaced.mu.Lock()
		carried := replaced.pending
		replaced.pending = nil
		replaced.mu.Unlock()
		_ = m.release(replaced)

		if err != nil {
			m.notifyClosed(env.From)
		} else if len(carried) > 0 {
			p.mu.Lock()
			p.pending = append(carried, p.pending...)
			p.mu.Unlock()
		}
	}
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}

	p.mu.Lock()
	p.remoteSession = env.Session
	answer, err := m.acceptOffer(p, offer, tracks)
	p.mu.Unlock()

	if !m.current(p) {
		return nil
	}
	if err != nil {
		return err
	}
	return m.send(ctx, p, domain.SignalAnswer, answer)
}

func (m *Manager) acceptOffer(p *peer, offer webrtc.SessionDescription, tracks []webrtc.TrackLocal) (webrtc.SessionDescription, error) {
	if len(tracks) > 0 {
		if err := p.pc.AddLocalTracks(tracks); err != nil {
			return webrtc.SessionDescription{}, fmt.Errorf("add local tracks: %w", err)
		}
	}
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set remote offer: %w", err)
	}
	p.hasRemote = true
	p.setState(domain.PeerHaveRemoteOffer)
	m.flushCandidates(p)

	answer, err := p.pc.CreateAnswer()
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	p.setState(domain.PeerAnswering)
	return answer, nil
}

func (m *Manager) handleAnswer(env domain.SignalEnvelope) error {
	answer, err := decodeDescription(env.Payload, webrtc.SDPTypeAnswer)
	if err != nil {
		return err
	}

	p := m.lookup(env.From)
	if p == nil {
		m.logger.Debugw("Discarding answer without connection", "peer_id", env.From)
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Load() || p.State() != domain.PeerOffering {
		m.logger.Debugw("Discarding out of sequence answer",
			"peer_id", env.From,
			"state", p.State(),
		)
		return nil
	}
	if err := p.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	p.remoteSession = env.Session
	p.hasRemote = true
	p.setState(domain.PeerHaveRemoteAnswer)
	m.flushCandidates(p)
	return nil
}

func (m *Manager) handleCandidate(env domain.SignalEnvelope) error {
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(env.Payload, &c); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	if c.Candidate == "" {
		// end of candidates
		return nil
	}

	tagged := remoteCandidate{session: env.Session, candidate: c}

	m.mu.Lock()
	p, ok := m.peers[env.From]
	if !ok {
		queue := append(m.early[env.From], tagged)
		if len(queue) > maxEarlyCandidates {
			queue = queue[len(queue)-maxEarlyCandidates:]
		}
		m.early[env.From] = queue
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.hasRemote {
		p.pending = append(p.pending, tagged)
		return nil
	}
	if !p.accepts(env.Session) {
		m.logger.Debugw("Dropping candidate of a discarded connection", "peer_id", env.From)
		return nil
	}
	if err := p.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

// flushCandidates applies buffered candidates once a remote description is
// set, skipping those gathered by another remote connection. p.mu must be
// held.
func (m *Manager) flushCandidates(p *peer) {
	for _, c := range p.pending {
		if !p.accepts(c.session) {
			m.logger.Debugw("Dropping candidate of a discarded connection", "peer_id", p.remoteID)
			continue
		}
		if err := p.pc.AddICECandidate(c.candidate); err != nil {
			m.logger.Warnw("Failed to apply buffered candidate",
				"peer_id", p.remoteID,
				"error", err,
			)
		}
	}
	p.pending = nil
}

func (m *Manager) send(ctx context.Context, p *peer, typ domain.SignalType, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", typ, err)
	}

	env := domain.SignalEnvelope{From: m.selfID, To: p.remoteID, Type: typ, Session: p.session, Payload: raw}
	if err := m.signaler.SendSignal(ctx, env); err != nil {
		_ = m.teardown(p, "signal failed")
		return fmt.Errorf("send %s to %s: %w", typ, p.remoteID, err)
	}
	return nil
}

func (m *Manager) sendCandidate(p *peer, c *webrtc.ICECandidateInit) {
	if c == nil || !m.current(p) {
		return
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.signalTimeout)
	defer cancel()
	env := domain.SignalEnvelope{
		From:    m.selfID,
		To:      p.remoteID,
		Type:    domain.SignalCandidate,
		Session: p.session,
		Payload: raw,
	}
	if err := m.signaler.SendSignal(ctx, env); err != nil {
		m.logger.Warnw("Failed to send candidate",
			"peer_id", p.remoteID,
			"error", err,
		)
	}
}

func (m *Manager) handleTrack(p *peer, track RemoteTrack) {
	m.mu.Lock()
	if m.peers[p.remoteID] != p {
		m.mu.Unlock()
		return
	}
	stream, ok := m.streams[p.remoteID]
	if !ok {
		stream = newRemoteStream(p.remoteID, p.label)
		m.streams[p.remoteID] = stream
	}
	fn := m.onStream
	m.mu.Unlock()

	stream.put(track, p.label)
	m.logger.Infow("Remote track received",
		"peer_id", p.remoteID,
		"track_id", track.ID(),
		"kind", track.Kind().String(),
	)
	if fn != nil {
		fn(p.remoteID, stream, stream.Label())
	}
}

func (m *Manager) handleConnectionState(p *peer, state webrtc.PeerConnectionState) {
	m.logger.Debugw("Peer connection state changed",
		"peer_id", p.remoteID,
		"connection_state", state.String(),
	)

	switch state {
	case webrtc.PeerConnectionStateConnected:
		p.setState(domain.PeerConnected)
	case webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateClosed:
		_ = m.teardown(p, state.String())
	}
}

// teardown runs once per connection however often it is triggered
func (m *Manager) teardown(p *peer, reason string) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}

	m.mu.Lock()
	if m.peers[p.remoteID] == p {
		delete(m.peers, p.remoteID)
		delete(m.streams, p.remoteID)
		delete(m.early, p.remoteID)
	}
	m.mu.Unlock()

	err := m.release(p)
	m.logger.Infow("Peer connection closed",
		"peer_id", p.remoteID,
		"reason", reason,
	)
	m.notifyClosed(p.remoteID)
	return err
}

func (m *Manager) release(p *peer) error {
	p.setState(domain.PeerClosed)
	m.metrics.MeshPeerClosed()
	if err := p.pc.Close(); err != nil {
		return fmt.Errorf("close peer connection %s: %w", p.remoteID, err)
	}
	return nil
}

func (m *Manager) notifyClosed(remoteID string) {
	m.mu.Lock()
	fn := m.onClose
	m.mu.Unlock()
	if fn != nil {
		fn(remoteID)
	}
}

func (m *Manager) lookup(remoteID string) *peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peers[remoteID]
}

func (m *Manager) current(p *peer) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peers[p.remoteID] == p && !p.closed.Load()
}

// Hangup closes the connection to remoteID if there is one
func (m *Manager) Hangup(remoteID string) error {
	if p := m.lookup(remoteID); p != nil {
		return m.teardown(p, "hangup")
	}
	return nil
}

// HangupAll closes every connection. No connection survives the call.
func (m *Manager) HangupAll() error {
	m.mu.Lock()
	peers := make([]*peer, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	m.early = make(map[string][]remoteCandidate)
	m.mu.Unlock()

	var errs error
	for _, p := range peers {
		errs = multierr.Append(errs, m.teardown(p, "hangup"))
	}
	return errs
}

// Peers lists the remote ids with a tracked connection
func (m *Manager) Peers() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	sort.Strings(ids)
	return ids
}

func (m *Manager) State(remoteID string) (domain.PeerState, bool) {
	p := m.lookup(remoteID)
	if p == nil {
		return domain.PeerClosed, false
	}
	return p.State(), true
}
