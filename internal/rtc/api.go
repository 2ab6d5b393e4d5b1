// Package rtc adapts pion/webrtc peer connections to the session transport.
package rtc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"family-calls/internal/quality"
	"family-calls/internal/session"
)

const (
	ptOpus = 111
	ptVP8  = 96
	ptVP9  = 98
	ptH264 = 102
	ptAV1  = 45
)

var videoFeedback = []webrtc.RTCPFeedback{
	{Type: "goog-remb"},
	{Type: "ccm", Parameter: "fir"},
	{Type: "nack"},
	{Type: "nack", Parameter: "pli"},
}

type Config struct {
	ICEServers []string
	EnableAV1  bool

	// DisconnectedTimeout and FailedTimeout are the ICE agent's own
	// deadlines. The call-level reconnect window is enforced above this.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
}

// API builds peer connections sharing one media engine configuration.
type API struct {
	api         *webrtc.API
	cfg         Config
	videoCodecs []webrtc.RTPCodecParameters
	log         *slog.Logger

	mu      sync.Mutex
	ceiling quality.Tier
	tier    quality.Tier
}

func NewAPI(cfg Config, log *slog.Logger) (*API, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.DisconnectedTimeout <= 0 {
		cfg.DisconnectedTimeout = 5 * time.Second
	}
	if cfg.FailedTimeout <= 0 {
		cfg.FailedTimeout = 25 * time.Second
	}

	me := &webrtc.MediaEngine{}
	if err := me.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: ptOpus,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register opus: %w", err)
	}

	video := videoCodecs(cfg.EnableAV1)
	for _, c := range video {
		if err := me.RegisterCodec(c, webrtc.RTPCodecTypeVideo); err != nil {
			return nil, fmt.Errorf("register %s: %w", c.MimeType, err)
		}
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(cfg.DisconnectedTimeout, cfg.FailedTimeout, 2*time.Second)

	return &API{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(me),
			webrtc.WithInterceptorRegistry(ir),
			webrtc.WithSettingEngine(se),
		),
		cfg:         cfg,
		videoCodecs: video,
		log:         log,
	}, nil
}

func videoCodecs(enableAV1 bool) []webrtc.RTPCodecParameters {
	out := []webrtc.RTPCodecParameters{
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:     webrtc.MimeTypeH264,
				ClockRate:    90000,
				SDPFmtpLine:  "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
				RTCPFeedback: videoFeedback,
			},
			PayloadType: ptH264,
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:     webrtc.MimeTypeVP8,
				ClockRate:    90000,
				RTCPFeedback: videoFeedback,
			},
			PayloadType: ptVP8,
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:     webrtc.MimeTypeVP9,
				ClockRate:    90000,
				SDPFmtpLine:  "profile-id=0",
				RTCPFeedback: videoFeedback,
			},
			PayloadType: ptVP9,
		},
	}
	if enableAV1 {
		out = append(out, webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:     webrtc.MimeTypeAV1,
				ClockRate:    90000,
				RTCPFeedback: videoFeedback,
			},
			PayloadType: ptAV1,
		})
	}
	return out
}

func (a *API) iceServers() []webrtc.ICEServer {
	if len(a.cfg.ICEServers) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: a.cfg.ICEServers}}
}

// NewTransport is a session.TransportFactory.
func (a *API) NewTransport(ctx context.Context) (session.Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pc, err := a.api.NewPeerConnection(webrtc.Configuration{ICEServers: a.iceServers()})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	t := &Transport{pc: pc, videoCodecs: a.videoCodecs, enableAV1: a.cfg.EnableAV1, log: a.log, api: a}
	if p, ok := a.profile(); ok {
		t.ApplyProfile(p)
	}
	return t, nil
}

// UseProfile caps transports created from now on at p's tier. A failed
// connection drops the next transport one tier; a connected one climbs back
// toward the cap.
func (a *API) UseProfile(p quality.Profile) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ceiling = p.Tier
	a.tier = p.Tier
}

func (a *API) profile() (quality.Profile, bool) {
	a.mu.Lock()
	tier := a.tier
	a.mu.Unlock()
	if tier == "" {
		return quality.Profile{}, false
	}
	p, err := quality.ProfileFor(tier)
	if err != nil {
		return quality.Profile{}, false
	}
	return p, true
}

func (a *API) observe(s webrtc.PeerConnectionState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ceiling == "" {
		return
	}
	prev := a.tier
	switch s {
	case webrtc.PeerConnectionStateFailed:
		a.tier = quality.Worse(a.tier)
	case webrtc.PeerConnectionStateConnected:
		if a.tier.Below(a.ceiling) {
			a.tier = quality.Better(a.tier)
		}
	}
	if a.tier != prev {
		a.log.Info("quality tier changed", "from", prev, "to", a.tier, "state", s.String())
	}
}
