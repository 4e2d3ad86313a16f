package rtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"

	"github.com/nebulachat/voicecore/internal/core"
	"github.com/nebulachat/voicecore/internal/domain"
)

// SampleSource is a device capture stream: encoded media samples from the
// microphone or screen grabber. NextSample blocks until the next sample.
type SampleSource interface {
	NextSample() (media.Sample, error)
	Close() error
}

// RTPSink plays out one remote track. The volume argument is the current
// effective volume (0..100) at write time.
type RTPSink interface {
	WriteRTP(pkt *rtp.Packet, volume int) error
	Close() error
}

// --- local tracks ---

// localTrack pumps a SampleSource into a pion local track. SetEnabled
// gates the pump without unpublishing, which is how local mute works.
type localTrack struct {
	kind  core.MediaType
	track *webrtc.TrackLocalStaticSample
	src   SampleSource

	mu      sync.Mutex
	enabled bool
	sender  *webrtc.RTPSender
	cancel  context.CancelFunc
	closed  bool
}

func newLocalTrack(kind core.MediaType, label string, src SampleSource) (*localTrack, error) {
	var codec webrtc.RTPCodecCapability
	if kind == core.MediaAudio {
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	} else {
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}
	track, err := webrtc.NewTrackLocalStaticSample(codec, label, label+"-"+uuid.NewString()[:8])
	if err != nil {
		return nil, fmt.Errorf("local %s track: %w", kind, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	lt := &localTrack{
		kind:    kind,
		track:   track,
		src:     src,
		enabled: true,
		cancel:  cancel,
	}
	go lt.pump(ctx)
	return lt, nil
}

func (t *localTrack) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		sample, err := t.src.NextSample()
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				log.Warn().Err(err).Str("module", "adapters.rtc").Str("kind", string(t.kind)).Msg("capture source ended")
			}
			return
		}
		t.mu.Lock()
		enabled := t.enabled
		t.mu.Unlock()
		if !enabled {
			continue
		}
		if err := t.track.WriteSample(sample); err != nil {
			log.Warn().Err(err).Str("module", "adapters.rtc").Str("kind", string(t.kind)).Msg("write sample")
			return
		}
	}
}

func (t *localTrack) Kind() core.MediaType { return t.kind }

func (t *localTrack) SetEnabled(e bool) {
	t.mu.Lock()
	t.enabled = e
	t.mu.Unlock()
}

func (t *localTrack) Stop() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (t *localTrack) Close() {
	t.Stop()
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()
	if err := t.src.Close(); err != nil {
		log.Warn().Err(err).Str("module", "adapters.rtc").Msg("close capture source")
	}
}

func (t *localTrack) attach(s *webrtc.RTPSender) {
	t.mu.Lock()
	t.sender = s
	t.mu.Unlock()
}

func (t *localTrack) detach() *webrtc.RTPSender {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.sender
	t.sender = nil
	return s
}

// discardRTCP drains sender reports so interceptors keep running.
func discardRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// opusSilence is a minimal DTX frame.
var opusSilence = []byte{0xF8, 0xFF, 0xFE}

// silenceSource emits 20ms silent Opus frames. It stands in for device
// capture when the host shell has not wired a real microphone feed.
type silenceSource struct {
	done chan struct{}
	once sync.Once
}

func NewSilenceSource() SampleSource {
	return &silenceSource{done: make(chan struct{})}
}

func (s *silenceSource) NextSample() (media.Sample, error) {
	select {
	case <-s.done:
		return media.Sample{}, io.EOF
	case <-time.After(20 * time.Millisecond):
		return media.Sample{Data: opusSilence, Duration: 20 * time.Millisecond}, nil
	}
}

func (s *silenceSource) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// --- remote tracks ---

// remoteTrack is one live subscription. Its read loop meters the RFC 6464
// audio level for the speaking indicator and forwards packets to the
// playout sink while playing.
type remoteTrack struct {
	owner domain.TransportID
	kind  core.MediaType
	track *webrtc.TrackRemote
	extID int
	meter *levelMeter

	mu      sync.Mutex
	volume  int
	playing bool
	sink    RTPSink
	stopped bool
}

func newRemoteTrack(owner domain.TransportID, kind core.MediaType, track *webrtc.TrackRemote, extID int, meter *levelMeter) *remoteTrack {
	return &remoteTrack{
		owner:  owner,
		kind:   kind,
		track:  track,
		extID:  extID,
		meter:  meter,
		volume: 100,
	}
}

func (t *remoteTrack) Owner() domain.TransportID { return t.owner }
func (t *remoteTrack) Kind() core.MediaType      { return t.kind }

func (t *remoteTrack) SetVolume(v int) {
	if v < 0 {
		v = 0
	}
	if v > 100 {
		v = 100
	}
	t.mu.Lock()
	t.volume = v
	t.mu.Unlock()
}

func (t *remoteTrack) Play() {
	t.mu.Lock()
	t.playing = true
	t.mu.Unlock()
}

func (t *remoteTrack) Stop() {
	t.mu.Lock()
	t.playing = false
	t.stopped = true
	sink := t.sink
	t.sink = nil
	t.mu.Unlock()
	if sink != nil {
		_ = sink.Close()
	}
}

// SetSink attaches the host playout pipeline.
func (t *remoteTrack) SetSink(s RTPSink) {
	t.mu.Lock()
	t.sink = s
	t.mu.Unlock()
}

func (t *remoteTrack) loop() {
	for {
		pkt, _, err := t.track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug().Err(err).
					Str("module", "adapters.rtc").
					Str("uid", string(t.owner)).
					Msg("remote track read ended")
			}
			return
		}
		t.mu.Lock()
		stopped := t.stopped
		playing := t.playing
		volume := t.volume
		sink := t.sink
		t.mu.Unlock()
		if stopped {
			return
		}
		if t.kind == core.MediaAudio && t.meter != nil {
			if level, ok := audioLevel(pkt, t.extID); ok {
				t.meter.report(t.owner, level)
			}
		}
		if playing && volume > 0 && sink != nil {
			if err := sink.WriteRTP(pkt, volume); err != nil {
				log.Warn().Err(err).
					Str("module", "adapters.rtc").
					Str("uid", string(t.owner)).
					Msg("playout write, detaching sink")
				t.mu.Lock()
				t.sink = nil
				t.mu.Unlock()
			}
		}
	}
}

// audioLevel extracts the RFC 6464 level: one byte, low 7 bits are -dBov
// (0 loudest, 127 silence). Rescaled to 0..100 with 100 loudest.
func audioLevel(pkt *rtp.Packet, extID int) (int, bool) {
	ext := pkt.GetExtension(uint8(extID))
	if len(ext) == 0 {
		return 0, false
	}
	dbov := int(ext[0] & 0x7F)
	return (127 - dbov) * 100 / 127, true
}

// levelMeter aggregates per-identity audio levels and reports the peak per
// interval, mirroring the vendor SDKs' volume-indicator callback.
type levelMeter struct {
	interval time.Duration
	emit     func([]core.VolumeSample)

	mu    sync.Mutex
	peaks map[domain.TransportID]int
}

func newLevelMeter(interval time.Duration, emit func([]core.VolumeSample)) *levelMeter {
	return &levelMeter{
		interval: interval,
		emit:     emit,
		peaks:    make(map[domain.TransportID]int),
	}
}

func (m *levelMeter) report(id domain.TransportID, level int) {
	m.mu.Lock()
	if level > m.peaks[id] {
		m.peaks[id] = level
	}
	m.mu.Unlock()
}

func (m *levelMeter) run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			samples := make([]core.VolumeSample, 0, len(m.peaks))
			for id, level := range m.peaks {
				samples = append(samples, core.VolumeSample{Transport: id, Level: level})
			}
			m.peaks = make(map[domain.TransportID]int)
			m.mu.Unlock()
			if len(samples) > 0 {
				m.emit(samples)
			}
		}
	}
}
