package rtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"family-calls/internal/medialock"
)

// opusSilence is one 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const audioFrame = 20 * time.Millisecond

// StaticCapture is a capture device for headless peers. Audio tracks carry
// Opus silence; video tracks negotiate but carry no frames.
//
// Like real hardware it is exclusive: a second request while a stream is
// live fails with medialock.ErrDeviceInUse.
type StaticCapture struct {
	clk clock.Clock

	mu   sync.Mutex
	open *medialock.Stream
}

func NewStaticCapture(clk clock.Clock) *StaticCapture {
	if clk == nil {
		clk = clock.New()
	}
	return &StaticCapture{clk: clk}
}

var (
	_ medialock.Device  = (*StaticCapture)(nil)
	_ medialock.Cleaner = (*StaticCapture)(nil)
)

func (d *StaticCapture) Request(ctx context.Context, c medialock.Constraints) (*medialock.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.Audio && !c.Video {
		return nil, medialock.ErrNoDevice
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open.Live() {
		return nil, medialock.ErrDeviceInUse
	}

	id := uuid.NewString()
	s := &medialock.Stream{ID: id}
	if c.Audio {
		t, err := newSampleTrack(d.clk, medialock.KindAudio, webrtc.RTPCodecCapability{
			MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2,
		}, id)
		if err != nil {
			return nil, err
		}
		s.Tracks = append(s.Tracks, t)
	}
	if c.Video {
		t, err := newSampleTrack(d.clk, medialock.KindVideo, webrtc.RTPCodecCapability{
			MimeType: webrtc.MimeTypeVP8, ClockRate: 90000,
		}, id)
		if err != nil {
			s.Stop()
			return nil, err
		}
		s.Tracks = append(s.Tracks, t)
	}
	d.open = s
	return s, nil
}

// Cleanup stops whatever stream the device still has open.
func (d *StaticCapture) Cleanup() {
	d.mu.Lock()
	s := d.open
	d.open = nil
	d.mu.Unlock()
	s.Stop()
}

// SampleTrack is one static-sample track.
type SampleTrack struct {
	kind  string
	local *webrtc.TrackLocalStaticSample

	once sync.Once
	done chan struct{}
}

var _ LocalTrack = (*SampleTrack)(nil)

func newSampleTrack(clk clock.Clock, kind string, c webrtc.RTPCodecCapability, streamID string) (*SampleTrack, error) {
	local, err := webrtc.NewTrackLocalStaticSample(c, kind, streamID)
	if err != nil {
		return nil, fmt.Errorf("new %s track: %w", kind, err)
	}
	t := &SampleTrack{kind: kind, local: local, done: make(chan struct{})}
	if kind == medialock.KindAudio {
		go t.pumpSilence(clk)
	}
	return t, nil
}

func (t *SampleTrack) pumpSilence(clk clock.Clock) {
	tick := clk.Ticker(audioFrame)
	defer tick.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-tick.C:
			// Unbound tracks drop samples silently.
			_ = t.local.WriteSample(media.Sample{Data: opusSilence, Duration: audioFrame})
		}
	}
}

func (t *SampleTrack) Kind() string { return t.kind }

func (t *SampleTrack) Live() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

func (t *SampleTrack) Stop() {
	t.once.Do(func() { close(t.done) })
}

func (t *SampleTrack) Local() webrtc.TrackLocal { return t.local }
