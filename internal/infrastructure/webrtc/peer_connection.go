package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/tumkoussekya/studio-sub000/internal/mesh"
	"github.com/tumkoussekya/studio-sub000/pkg/config"
)

// Config WebRTC configuration
type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	// KeyframeInterval repeats the keyframe request on remote video. Zero
	// sends a single request when the track arrives.
	KeyframeInterval time.Duration
}

// ConfigFrom maps the webrtc section of the application config
func ConfigFrom(cfg *config.Config) Config {
	var out Config
	for _, s := range cfg.WebRTC.ICEServers {
		out.ICEServers = append(out.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	out.PortRange.Min = cfg.WebRTC.PortRange.Min
	out.PortRange.Max = cfg.WebRTC.PortRange.Max
	out.KeyframeInterval = cfg.WebRTC.KeyframeInterval
	return out
}

// Factory creates pion peer connections for the mesh manager
type Factory struct {
	config Config
	api    *webrtc.API
	logger *zap.SugaredLogger
}

var _ mesh.PeerFactory = (*Factory)(nil)

func NewFactory(cfg Config, logger *zap.SugaredLogger) (*Factory, error) {
	media := &webrtc.MediaEngine{}
	if err := media.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}

	return &Factory{
		config: cfg,
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(media), webrtc.WithSettingEngine(settingEngine)),
		logger: logger,
	}, nil
}

func (f *Factory) NewPeerConnection() (mesh.PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   f.config.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlanWithFallback,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return &peerConnection{pc: pc, keyframeInterval: f.config.KeyframeInterval, logger: f.logger}, nil
}

type peerConnection struct {
	pc               *webrtc.PeerConnection
	keyframeInterval time.Duration
	logger           *zap.SugaredLogger
}

func (p *peerConnection) AddLocalTracks(tracks []webrtc.TrackLocal) error {
	for _, track := range tracks {
		sender, err := p.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("add track %s: %w", track.ID(), err)
		}
		// RTCP has to be read for NACK and PLI handling to run
		go p.drainSender(sender)
	}
	return nil
}

func (p *peerConnection) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *peerConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *peerConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *peerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *peerConnection) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *peerConnection) OnICECandidate(fn func(*webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			fn(nil)
			return
		}
		init := c.ToJSON()
		fn(&init)
	})
}

func (p *peerConnection) OnTrack(fn func(mesh.RemoteTrack)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		p.logger.Infow("remote track started",
			"track_id", track.ID(),
			"stream_id", track.StreamID(),
			"codec", track.Codec().MimeType,
		)
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			go p.requestKeyframes(track)
		}
		go p.processRTCP(track.ID(), receiver)
		fn(track)
	})
}

func (p *peerConnection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *peerConnection) Close() error {
	return p.pc.Close()
}

// requestKeyframes sends a PLI so the remote encoder starts with a keyframe,
// then repeats it every keyframeInterval until the connection is gone
func (p *peerConnection) requestKeyframes(track *webrtc.TrackRemote) {
	pli := []rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}}
	if err := p.pc.WriteRTCP(pli); err != nil || p.keyframeInterval <= 0 {
		return
	}

	ticker := time.NewTicker(p.keyframeInterval)
	defer ticker.Stop()
	for range ticker.C {
		if err := p.pc.WriteRTCP(pli); err != nil {
			return
		}
	}
}

func (p *peerConnection) drainSender(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// processRTCP logs loss reports of a remote track until the receiver stops
func (p *peerConnection) processRTCP(trackID string, receiver *webrtc.RTPReceiver) {
	for {
		packets, _, err := receiver.ReadRTCP()
		if err != nil {
			return
		}

		for _, packet := range packets {
			switch pkt := packet.(type) {
			case *rtcp.SenderReport:
				p.logger.Debugw("received sender report",
					"track_id", trackID,
					"packet_count", pkt.PacketCount,
					"octet_count", pkt.OctetCount,
				)
			case *rtcp.ReceiverReport:
				for _, report := range pkt.Reports {
					p.logger.Debugw("received receiver report",
						"track_id", trackID,
						"fraction_lost", report.FractionLost,
						"jitter", report.Jitter,
					)
				}
			}
		}
	}
}

// ReadPackets reads RTP from track and hands every parsed packet to fn until
// ctx is done or the track ends
func ReadPackets(ctx context.Context, track *webrtc.TrackRemote, fn func(*rtp.Packet)) error {
	buf := make([]byte, 1500)
	packet := &rtp.Packet{}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, _, err := track.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read track %s: %w", track.ID(), err)
		}
		if err := packet.Unmarshal(buf[:n]); err != nil {
			continue
		}
		fn(packet)
	}
}
