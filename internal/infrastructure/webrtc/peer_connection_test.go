package webrtc

import (
	"strings"
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tumkoussekya/studio-sub000/pkg/config"
)

func TestConfigFrom(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.WebRTC.ICEServers = []config.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478"}, Username: "u", Credential: "p"},
	}
	cfg.WebRTC.PortRange.Min = 50000
	cfg.WebRTC.PortRange.Max = 50100

	out := ConfigFrom(cfg)

	require.Len(t, out.ICEServers, 2)
	assert.Equal(t, "u", out.ICEServers[1].Username)
	assert.Equal(t, uint16(50000), out.PortRange.Min)
	assert.Equal(t, uint16(50100), out.PortRange.Max)
}

func TestFactoryOfferCarriesLocalTracks(t *testing.T) {
	factory, err := NewFactory(Config{}, zap.NewNop().Sugar())
	require.NoError(t, err)

	pc, err := factory.NewPeerConnection()
	require.NoError(t, err)
	defer pc.Close()

	audio, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "local")
	require.NoError(t, err)
	require.NoError(t, pc.AddLocalTracks([]webrtc.TrackLocal{audio}))

	offer, err := pc.CreateOffer()
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeOffer, offer.Type)
	assert.True(t, strings.Contains(strings.ToLower(offer.SDP), "opus"))
}

func TestAnswerRequiresRemoteOffer(t *testing.T) {
	factory, err := NewFactory(Config{}, zap.NewNop().Sugar())
	require.NoError(t, err)

	caller, err := factory.NewPeerConnection()
	require.NoError(t, err)
	defer caller.Close()
	callee, err := factory.NewPeerConnection()
	require.NoError(t, err)
	defer callee.Close()

	_, err = callee.CreateAnswer()
	assert.Error(t, err)

	audio, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "local")
	require.NoError(t, err)
	require.NoError(t, caller.AddLocalTracks([]webrtc.TrackLocal{audio}))

	offer, err := caller.CreateOffer()
	require.NoError(t, err)
	require.NoError(t, caller.SetLocalDescription(offer))
	require.NoError(t, callee.SetRemoteDescription(offer))

	answer, err := callee.CreateAnswer()
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Type)
}

func TestFactoryRejectsInvalidPortRange(t *testing.T) {
	var cfg Config
	cfg.PortRange.Min = 6000
	cfg.PortRange.Max = 5000
	_, err := NewFactory(cfg, zap.NewNop().Sugar())
	assert.Error(t, err)
}
