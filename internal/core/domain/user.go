package domain

import "time"

// ClientIdentity is the caller identity assigned by the token endpoint.
// It stays fixed for the lifetime of a connected client.
type ClientIdentity struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

type Operation string

const (
	OpPublish   Operation = "publish"
	OpSubscribe Operation = "subscribe"
	OpPresence  Operation = "presence"
	OpHistory   Operation = "history"
)

var AllOperations = []Operation{OpPublish, OpSubscribe, OpPresence, OpHistory}

// Capability maps channel patterns to granted operations. A pattern is either
// an exact channel name, "*" for every channel, or a prefix ending in "*"
// such as "dm:*".
type Capability map[string][]Operation

func FullCapability() Capability {
	return Capability{"*": append([]Operation(nil), AllOperations...)}
}

func (c Capability) Allows(channel string, op Operation) bool {
	for pattern, ops := range c {
		if !matchPattern(pattern, channel) {
			continue
		}
		for _, granted := range ops {
			if granted == op {
				return true
			}
		}
	}
	return false
}

func matchPattern(pattern, channel string) bool {
	if pattern == "*" {
		return true
	}
	if n := len(pattern); n > 0 && pattern[n-1] == '*' {
		prefix := pattern[:n-1]
		return len(channel) >= len(prefix) && channel[:len(prefix)] == prefix
	}
	return pattern == channel
}

// Session is what a transport reports once it is connected.
type Session struct {
	Identity   ClientIdentity
	Capability Capability
	ExpiresAt  time.Time
}

// TokenGrant is the response body of the token endpoint.
type TokenGrant struct {
	Token      string         `json:"token"`
	ClientID   string         `json:"client_id"`
	Label      string         `json:"label"`
	Capability Capability     `json:"capability"`
	ExpiresAt  time.Time      `json:"expires_at"`
	Identity   ClientIdentity `json:"-"`
}
