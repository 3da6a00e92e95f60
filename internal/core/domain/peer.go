package domain

import "encoding/json"

type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "candidate"
)

// SignalEnvelope travels over the shared signaling channel. Every subscriber
// receives it and only the addressee acts on it. Session names the sender's
// peer connection so candidates of a discarded connection can be told apart.
type SignalEnvelope struct {
	From    string          `json:"from"`
	To      string          `json:"to"`
	Type    SignalType      `json:"type"`
	Label   string          `json:"label,omitempty"`
	Session string          `json:"session,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

type PeerState string

const (
	PeerIdle             PeerState = "idle"
	PeerOffering         PeerState = "offering"
	PeerHaveRemoteAnswer PeerState = "have-remote-answer"
	PeerHaveRemoteOffer  PeerState = "have-remote-offer"
	PeerAnswering        PeerState = "answering"
	PeerConnected        PeerState = "connected"
	PeerClosed           PeerState = "closed"
)
