package domain

import (
	"encoding/json"
	"time"
)

type ChannelConfig struct {
	Name          string
	Encrypted     bool
	RetainedDepth int
}

const EncodingCipher = "cipher+base64"

type Message struct {
	ID        string          `json:"id"`
	Channel   string          `json:"channel"`
	Name      string          `json:"name"`
	ClientID  string          `json:"client_id"`
	Data      json.RawMessage `json:"data,omitempty"`
	Encoding  string          `json:"encoding,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

type PresenceAction string

const (
	PresenceEnter  PresenceAction = "enter"
	PresenceLeave  PresenceAction = "leave"
	PresenceUpdate PresenceAction = "update"
	// PresenceSync is never sent by a transport. Trackers emit it once with
	// the fetched membership before live events.
	PresenceSync PresenceAction = "sync"
)

type PresenceMember struct {
	Identity ClientIdentity  `json:"identity"`
	Data     json.RawMessage `json:"data,omitempty"`
}

type PresenceEvent struct {
	Channel   string         `json:"channel"`
	Action    PresenceAction `json:"action"`
	Member    PresenceMember `json:"member"`
	Timestamp time.Time      `json:"timestamp"`
}
