// Command meshpeer joins world presence and rings every member already
// present through a WebRTC mesh. It sends an Opus silence track and counts
// the RTP it receives, which makes it useful for soak testing a deployment.
package main

import (
	"context"
	"flag"
	"net/http"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tumkoussekya/studio-sub000/internal/core/domain"
	"github.com/tumkoussekya/studio-sub000/internal/infrastructure/monitoring"
	"github.com/tumkoussekya/studio-sub000/internal/infrastructure/transport/cipher"
	"github.com/tumkoussekya/studio-sub000/internal/infrastructure/transport/ws"
	webrtcinfra "github.com/tumkoussekya/studio-sub000/internal/infrastructure/webrtc"
	"github.com/tumkoussekya/studio-sub000/internal/mesh"
	"github.com/tumkoussekya/studio-sub000/internal/realtime"
	"github.com/tumkoussekya/studio-sub000/pkg/config"
	"github.com/tumkoussekya/studio-sub000/pkg/logger"
)

// an Opus frame that decodes to 20ms of silence
var opusSilence = []byte{0xf8, 0xff, 0xfe}

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML config")
	metricsAddr := flag.String("metrics", "", "serve prometheus metrics on this address")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.Must(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)
	if *metricsAddr != "" {
		go func() {
			if err := http.ListenAndServe(*metricsAddr, promhttp.Handler()); err != nil {
				log.Errorw("metrics server stopped", "error", err)
			}
		}()
	}

	var opts []ws.Option
	key, err := cfg.CipherKeyBytes()
	if err != nil {
		log.Fatalw("invalid cipher key", "error", err)
	}
	if key != nil {
		c, err := cipher.New(key)
		if err != nil {
			log.Fatalw("invalid cipher key", "error", err)
		}
		opts = append(opts, ws.WithCipher(c))
	}

	transport := ws.NewTransport(ws.ConfigFrom(cfg), log, opts...)
	transport.OnStateChange(collector.RecordConnectionState)

	policy := realtime.NewChannelPolicy(realtime.PlaintextSet(cfg.Realtime.PlaintextChannels), cfg.Realtime.HistoryDepth)
	client := realtime.NewClient(transport, policy, log)
	defer client.Close()

	if err := client.Connect(ctx); err != nil {
		log.Fatalw("failed to connect", "error", err)
	}
	self, err := client.Identity()
	if err != nil {
		log.Fatalw("no identity assigned", "error", err)
	}
	log.Infow("connected", "client_id", self.ID, "label", self.Label)

	factory, err := webrtcinfra.NewFactory(webrtcinfra.ConfigFrom(cfg), log)
	if err != nil {
		log.Fatalw("failed to create peer connection factory", "error", err)
	}
	manager := mesh.NewManager(self.ID, client, factory, log, mesh.WithMetrics(collector))

	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", self.ID,
	)
	if err != nil {
		log.Fatalw("failed to create local track", "error", err)
	}
	manager.SetLocalTracks(audio)
	go sendSilence(ctx, audio, log)

	readers := newTrackReaders(log)
	manager.OnRemoteStream(func(remoteID string, stream *mesh.RemoteStream, label string) {
		for _, track := range stream.Tracks() {
			readers.start(ctx, remoteID, track)
		}
	})
	manager.OnPeerClosed(func(remoteID string) {
		log.Infow("peer closed", "peer_id", remoteID, "packets", readers.count(remoteID))
		readers.forget(remoteID)
	})

	signals, err := client.OnSignal(ctx, func(env domain.SignalEnvelope) {
		if err := manager.HandleSignal(ctx, env); err != nil {
			log.Warnw("failed to handle signal",
				"peer_id", env.From,
				"type", env.Type,
				"error", err,
			)
		}
	})
	if err != nil {
		log.Fatalw("failed to subscribe to signaling", "error", err)
	}
	defer signals.Unsubscribe()

	// newcomers ring existing members, so only the initial sync is called
	stopPresence, err := client.Presence().Subscribe(ctx, realtime.WorldPresenceChannel, func(u realtime.PresenceUpdate) {
		switch u.Action {
		case domain.PresenceSync:
			for _, m := range u.Members {
				if m.Identity.ID == self.ID {
					continue
				}
				go ring(ctx, manager, m.Identity, log)
			}
		case domain.PresenceLeave:
			if err := manager.Hangup(u.Member.Identity.ID); err != nil {
				log.Debugw("hangup failed", "peer_id", u.Member.Identity.ID, "error", err)
			}
		}
	})
	if err != nil {
		log.Fatalw("failed to watch world presence", "error", err)
	}
	defer stopPresence()

	if err := client.EnterPresence(ctx, realtime.WorldPresenceChannel, map[string]bool{"mesh": true}); err != nil {
		log.Fatalw("failed to enter world presence", "error", err)
	}

	<-ctx.Done()
	log.Info("leaving mesh")

	leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.LeavePresence(leaveCtx, realtime.WorldPresenceChannel); err != nil {
		log.Warnw("failed to leave presence", "error", err)
	}
	if err := manager.HangupAll(); err != nil {
		log.Warnw("failed to hang up", "error", err)
	}
}

func ring(ctx context.Context, manager *mesh.Manager, remote domain.ClientIdentity, log *zap.SugaredLogger) {
	if err := manager.Call(ctx, remote.ID, remote.Label); err != nil {
		log.Warnw("call failed", "peer_id", remote.ID, "error", err)
	}
}

func sendSilence(ctx context.Context, track *webrtc.TrackLocalStaticSample, log *zap.SugaredLogger) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := track.WriteSample(media.Sample{Data: opusSilence, Duration: 20 * time.Millisecond}); err != nil {
				log.Debugw("failed to write sample", "error", err)
			}
		}
	}
}

// trackReaders drains every remote track once per connection and counts
// packets per remote
type trackReaders struct {
	logger *zap.SugaredLogger

	mu      sync.Mutex
	started map[string]map[string]bool
	packets map[string]*atomic.Uint64
}

func newTrackReaders(logger *zap.SugaredLogger) *trackReaders {
	return &trackReaders{
		logger:  logger,
		started: make(map[string]map[string]bool),
		packets: make(map[string]*atomic.Uint64),
	}
}

func (r *trackReaders) start(ctx context.Context, remoteID string, track mesh.RemoteTrack) {
	remote, ok := track.(*webrtc.TrackRemote)
	if !ok {
		return
	}

	counter, ok := r.claim(remoteID, track.ID())
	if !ok {
		return
	}

	r.logger.Infow("receiving track",
		"peer_id", remoteID,
		"track_id", track.ID(),
		"kind", track.Kind().String(),
	)
	go func() {
		err := webrtcinfra.ReadPackets(ctx, remote, func(*rtp.Packet) { counter.Add(1) })
		if err != nil && ctx.Err() == nil {
			r.logger.Warnw("track read failed", "peer_id", remoteID, "error", err)
		}
	}()
}

// claim marks trackID of remoteID as being read and returns the packet
// counter of the remote. It fails if a reader already runs for the track.
func (r *trackReaders) claim(remoteID, trackID string) (*atomic.Uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tracks, ok := r.started[remoteID]
	if !ok {
		tracks = make(map[string]bool)
		r.started[remoteID] = tracks
	}
	if tracks[trackID] {
		return nil, false
	}
	tracks[trackID] = true

	counter, ok := r.packets[remoteID]
	if !ok {
		counter = &atomic.Uint64{}
		r.packets[remoteID] = counter
	}
	return counter, true
}

// forget lets the tracks of a reconnecting remote be read again. The packet
// count keeps accumulating.
func (r *trackReaders) forget(remoteID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.started, remoteID)
}

func (r *trackReaders) count(remoteID string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.packets[remoteID]; ok {
		return c.Load()
	}
	return 0
}
