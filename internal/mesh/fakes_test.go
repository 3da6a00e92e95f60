package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tumkoussekya/studio-sub000/internal/core/domain"
)

type fakePC struct {
	id int

	mu          sync.Mutex
	local       *webrtc.SessionDescription
	remote      *webrtc.SessionDescription
	candidates  []webrtc.ICECandidateInit
	tracks      []webrtc.TrackLocal
	closes      int
	failRemote  error
	onCandidate func(*webrtc.ICECandidateInit)
	onTrack     func(RemoteTrack)
	onState     func(webrtc.PeerConnectionState)
}

func (f *fakePC) AddLocalTracks(tracks []webrtc.TrackLocal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracks = append(f.tracks, tracks...)
	return nil
}

func (f *fakePC) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("v=0 offer %d", f.id)}, nil
}

func (f *fakePC) CreateAnswer() (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remote == nil {
		return webrtc.SessionDescription{}, errors.New("no remote description")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("v=0 answer %d", f.id)}, nil
}

func (f *fakePC) SetLocalDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.local = &desc
	return nil
}

func (f *fakePC) SetRemoteDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRemote != nil {
		return f.failRemote
	}
	f.remote = &desc
	return nil
}

func (f *fakePC) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remote == nil {
		return errors.New("remote description not set")
	}
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakePC) OnICECandidate(fn func(*webrtc.ICECandidateInit)) { f.onCandidate = fn }
func (f *fakePC) OnTrack(fn func(RemoteTrack))                      { f.onTrack = fn }
func (f *fakePC) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	f.onState = fn
}

// Close reports the closed state synchronously, like pion does
func (f *fakePC) Close() error {
	f.mu.Lock()
	f.closes++
	fn := f.onState
	f.mu.Unlock()
	if fn != nil {
		fn(webrtc.PeerConnectionStateClosed)
	}
	return nil
}

func (f *fakePC) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func (f *fakePC) applied() []webrtc.ICECandidateInit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), f.candidates...)
}

func (f *fakePC) remoteDescription() *webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remote
}

type fakeFactory struct {
	mu      sync.Mutex
	created []*fakePC
	err     error
}

func (f *fakeFactory) NewPeerConnection() (PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	pc := &fakePC{id: len(f.created) + 1}
	f.created = append(f.created, pc)
	return pc, nil
}

func (f *fakeFactory) all() []*fakePC {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakePC(nil), f.created...)
}

func (f *fakeFactory) last() *fakePC {
	all := f.all()
	if len(all) == 0 {
		return nil
	}
	return all[len(all)-1]
}

// fakeSignaler queues envelopes until the test hands them over
type fakeSignaler struct {
	mu   sync.Mutex
	sent []domain.SignalEnvelope
	err  error
}

func (s *fakeSignaler) SendSignal(_ context.Context, env domain.SignalEnvelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, env)
	return nil
}

func (s *fakeSignaler) take() []domain.SignalEnvelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.sent
	s.sent = nil
	return out
}

func (s *fakeSignaler) takeType(t *testing.T, typ domain.SignalType) domain.SignalEnvelope {
	t.Helper()
	for _, env := range s.take() {
		if env.Type == typ {
			return env
		}
	}
	t.Fatalf("no %s envelope sent", typ)
	return domain.SignalEnvelope{}
}

type fakeTrack struct {
	id, stream string
	kind       webrtc.RTPCodecType
}

func (t fakeTrack) ID() string                { return t.id }
func (t fakeTrack) StreamID() string          { return t.stream }
func (t fakeTrack) Kind() webrtc.RTPCodecType { return t.kind }

type testPeer struct {
	*Manager
	factory  *fakeFactory
	signaler *fakeSignaler

	mu     sync.Mutex
	closed []string
}

func newTestPeer(t *testing.T, id string) *testPeer {
	t.Helper()
	tp := &testPeer{factory: &fakeFactory{}, signaler: &fakeSignaler{}}
	tp.Manager = NewManager(id, tp.signaler, tp.factory, zap.NewNop().Sugar())
	tp.OnPeerClosed(func(remoteID string) {
		tp.mu.Lock()
		tp.closed = append(tp.closed, remoteID)
		tp.mu.Unlock()
	})
	t.Cleanup(func() { _ = tp.HangupAll() })
	return tp
}

func (tp *testPeer) closedPeers() []string {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return append([]string(nil), tp.closed...)
}

func (tp *testPeer) deliver(t *testing.T, envs ...domain.SignalEnvelope) {
	t.Helper()
	for _, env := range envs {
		require.NoError(t, tp.HandleSignal(context.Background(), env))
	}
}

func candidateEnvelope(t *testing.T, from, to, candidate string) domain.SignalEnvelope {
	t.Helper()
	raw, err := json.Marshal(webrtc.ICECandidateInit{Candidate: candidate})
	require.NoError(t, err)
	return domain.SignalEnvelope{From: from, To: to, Type: domain.SignalCandidate, Payload: raw}
}
