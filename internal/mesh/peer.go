package mesh

import (
	"context"
	"sort"
	"sync"

	"github.com/pion/webrtc/v3"

	"github.com/tumkoussekya/studio-sub000/internal/core/domain"
)

// PeerConnection is the part of a WebRTC peer connection the manager drives.
// Implementations invoke the registered callbacks from their own goroutines.
type PeerConnection interface {
	AddLocalTracks(tracks []webrtc.TrackLocal) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error

	// OnICECandidate receives nil once gathering is complete
	OnICECandidate(fn func(*webrtc.ICECandidateInit))
	OnTrack(fn func(RemoteTrack))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))

	Close() error
}

type PeerFactory interface {
	NewPeerConnection() (PeerConnection, error)
}

// RemoteTrack is satisfied by *webrtc.TrackRemote
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

// Signaler publishes negotiation envelopes to the addressee
type Signaler interface {
	SendSignal(ctx context.Context, env domain.SignalEnvelope) error
}

// RemoteStream collects the tracks received from one remote. The same value
// is surfaced for every track of that remote, so a UI can key off RemoteID.
type RemoteStream struct {
	RemoteID string

	mu     sync.RWMutex
	label  string
	tracks map[string]RemoteTrack
}

func newRemoteStream(remoteID, label string) *RemoteStream {
	return &RemoteStream{
		RemoteID: remoteID,
		label:    label,
		tracks:   make(map[string]RemoteTrack),
	}
}

func (s *RemoteStream) Label() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.label
}

// Tracks returns the current tracks ordered by id
func (s *RemoteStream) Tracks() []RemoteTrack {
	s.mu.RLock()
	out := make([]RemoteTrack, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (s *RemoteStream) put(track RemoteTrack, label string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks[track.ID()] = track
	if label != "" {
		s.label = label
	}
}
