package realtime

import (
	"sort"
	"strings"

	"github.com/tumkoussekya/studio-sub000/internal/core/domain"
)

// Well-known channels and event names
const (
	WorldPresenceChannel = "world-presence"
	WhiteboardChannel    = "whiteboard"
	SignalingChannel     = "signaling"

	EventPosition = "position"
	EventKnock    = "knock"
	EventDraw     = "draw"
	EventChat     = "message"
	EventSignal   = "signal"

	directPrefix = "dm"

	DefaultRetainedDepth = 50
)

// DefaultPlaintextChannels lists the channels whose payloads are not
// end-to-end encrypted. Every other channel is.
var DefaultPlaintextChannels = map[string]bool{
	WorldPresenceChannel: true,
	WhiteboardChannel:    true,
}

// ChannelPolicy classifies channel names. The classification depends on the
// name alone and is the same for the lifetime of the policy.
type ChannelPolicy struct {
	plaintext     map[string]bool
	retainedDepth int
}

func NewChannelPolicy(plaintext map[string]bool, retainedDepth int) *ChannelPolicy {
	if retainedDepth <= 0 {
		retainedDepth = DefaultRetainedDepth
	}
	copied := make(map[string]bool, len(plaintext))
	for name, ok := range plaintext {
		if ok {
			copied[name] = true
		}
	}
	return &ChannelPolicy{plaintext: copied, retainedDepth: retainedDepth}
}

// PlaintextSet turns a configured list into the map NewChannelPolicy takes
func PlaintextSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

func (p *ChannelPolicy) Resolve(name string) domain.ChannelConfig {
	return domain.ChannelConfig{
		Name:          name,
		Encrypted:     !p.plaintext[name],
		RetainedDepth: p.retainedDepth,
	}
}

// PlaintextChannels returns the allow-list in sorted order
func (p *ChannelPolicy) PlaintextChannels() []string {
	names := make([]string, 0, len(p.plaintext))
	for n := range p.plaintext {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// DirectChannelName is the channel both participants of a direct
// conversation compute independently.
func DirectChannelName(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return strings.Join([]string{directPrefix, a, b}, ":")
}
