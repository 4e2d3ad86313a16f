// Package rtc implements the media session client against the voice
// gateway: websocket signaling plus a pion PeerConnection carrying the
// actual audio and screen tracks.
package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/nebulachat/voicecore/internal/core"
	"github.com/nebulachat/voicecore/internal/domain"
)

const (
	joinTimeout          = 15 * time.Second
	writeTimeout         = 5 * time.Second
	sendBuffer           = 32
	DefaultVolumeSample  = 150 * time.Millisecond
	DefaultAudioLevelExt = 1
)

type Options struct {
	GatewayURL string
	// VolumeInterval is the cadence of speaking-level reports.
	VolumeInterval time.Duration
	// AudioLevelExtID is the negotiated RFC 6464 header extension ID.
	AudioLevelExtID int
	// MicSource and ScreenSource acquire device capture; they may block
	// on a permission prompt and may fail if the device is denied.
	MicSource    func() (SampleSource, error)
	ScreenSource func() (SampleSource, error)
	ICEServers   []webrtc.ICEServer
}

func DefaultICEServers() []webrtc.ICEServer {
	return []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
}

// envelope is the signaling wire format shared with the gateway.
type envelope struct {
	Type          string `json:"type"`
	Channel       string `json:"channel,omitempty"`
	UID           string `json:"uid,omitempty"`
	Token         string `json:"token,omitempty"`
	SDP           string `json:"sdp,omitempty"`
	Kind          string `json:"kind,omitempty"`
	Error         string `json:"error,omitempty"`
	Candidate     string `json:"candidate,omitempty"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex,omitempty"`
}

// Client implements core.MediaClient over one gateway connection. At most
// one room is joined at a time.
type Client struct {
	opts Options

	mu       sync.Mutex
	handler  core.EventHandler
	ws       *websocket.Conn
	pc       *webrtc.PeerConnection
	send     chan []byte
	cancel   context.CancelFunc
	joined   bool
	identity domain.TransportID
	joinRes  chan error
	remotes  map[domain.TransportID]map[core.MediaType]*remoteTrack
	meter    *levelMeter
}

func NewClient(opts Options) *Client {
	if opts.VolumeInterval == 0 {
		opts.VolumeInterval = DefaultVolumeSample
	}
	if opts.AudioLevelExtID == 0 {
		opts.AudioLevelExtID = DefaultAudioLevelExt
	}
	if len(opts.ICEServers) == 0 {
		opts.ICEServers = DefaultICEServers()
	}
	return &Client{
		opts:    opts,
		remotes: make(map[domain.TransportID]map[core.MediaType]*remoteTrack),
	}
}

func (c *Client) SetHandler(h core.EventHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

func (c *Client) Join(ctx context.Context, channel, credential string, identity domain.TransportID) error {
	c.mu.Lock()
	if c.joined {
		c.mu.Unlock()
		return errors.New("already joined")
	}
	c.mu.Unlock()

	u, err := url.Parse(c.opts.GatewayURL)
	if err != nil {
		return fmt.Errorf("gateway url: %w", err)
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("gateway dial: %w", err)
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: c.opts.ICEServers})
	if err != nil {
		_ = ws.Close()
		return fmt.Errorf("peer connection: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.ws = ws
	c.pc = pc
	c.send = make(chan []byte, sendBuffer)
	c.cancel = cancel
	c.identity = identity
	c.joinRes = make(chan error, 1)
	c.meter = newLevelMeter(c.opts.VolumeInterval, c.emitVolumes)
	c.mu.Unlock()

	c.bindPeerConnection(pc)
	go c.writePump(runCtx, ws)
	go c.readPump(runCtx, ws)
	go c.meter.run(runCtx)

	c.sendEnvelope(envelope{Type: "join", Channel: channel, UID: string(identity), Token: credential})

	select {
	case err := <-c.joinRes:
		if err != nil {
			c.shutdown()
			return err
		}
	case <-time.After(joinTimeout):
		c.shutdown()
		return errors.New("join timed out")
	case <-ctx.Done():
		c.shutdown()
		return ctx.Err()
	}

	c.mu.Lock()
	c.joined = true
	c.mu.Unlock()
	log.Info().
		Str("module", "adapters.rtc").
		Str("channel", channel).
		Str("uid", string(identity)).
		Msg("gateway join acknowledged")
	return nil
}

func (c *Client) Leave() error {
	c.mu.Lock()
	if !c.joined && c.ws == nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	c.sendEnvelope(envelope{Type: "leave"})
	c.shutdown()
	return nil
}

func (c *Client) Publish(t core.LocalTrack) error {
	lt, ok := t.(*localTrack)
	if !ok {
		return errors.New("track was not created by this client")
	}
	c.mu.Lock()
	pc := c.pc
	c.mu.Unlock()
	if pc == nil {
		return errors.New("not joined")
	}
	sender, err := pc.AddTrack(lt.track)
	if err != nil {
		return fmt.Errorf("add track: %w", err)
	}
	lt.attach(sender)
	go discardRTCP(sender)
	return c.renegotiate(pc)
}

func (c *Client) Unpublish(t core.LocalTrack) error {
	lt, ok := t.(*localTrack)
	if !ok {
		return errors.New("track was not created by this client")
	}
	c.mu.Lock()
	pc := c.pc
	c.mu.Unlock()
	sender := lt.detach()
	if pc == nil || sender == nil {
		return nil
	}
	if err := pc.RemoveTrack(sender); err != nil {
		return fmt.Errorf("remove track: %w", err)
	}
	return c.renegotiate(pc)
}

func (c *Client) Subscribe(id domain.TransportID, mt core.MediaType) (core.RemoteTrack, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kinds := c.remotes[id]
	if kinds == nil || kinds[mt] == nil {
		return nil, fmt.Errorf("no %s track for %s", mt, id)
	}
	return kinds[mt], nil
}

func (c *Client) RemoteIdentities() []domain.TransportID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.TransportID, 0, len(c.remotes))
	for id := range c.remotes {
		out = append(out, id)
	}
	return out
}

func (c *Client) CreateMicrophoneTrack() (core.LocalTrack, error) {
	if c.opts.MicSource == nil {
		return nil, errors.New("no microphone source configured")
	}
	src, err := c.opts.MicSource()
	if err != nil {
		return nil, fmt.Errorf("microphone capture: %w", err)
	}
	return newLocalTrack(core.MediaAudio, "mic", src)
}

func (c *Client) CreateScreenTrack() (core.LocalTrack, error) {
	if c.opts.ScreenSource == nil {
		return nil, errors.New("no screen source configured")
	}
	src, err := c.opts.ScreenSource()
	if err != nil {
		return nil, fmt.Errorf("screen capture: %w", err)
	}
	return newLocalTrack(core.MediaVideo, "screen", src)
}

// --- signaling ---

func (c *Client) bindPeerConnection(pc *webrtc.PeerConnection) {
	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		ci := cand.ToJSON()
		env := envelope{Type: "candidate", Candidate: ci.Candidate}
		if ci.SDPMid != nil {
			env.SDPMid = *ci.SDPMid
		}
		if ci.SDPMLineIndex != nil {
			env.SDPMLineIndex = *ci.SDPMLineIndex
		}
		c.sendEnvelope(env)
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		// The gateway sets the stream ID to the publisher's transport
		// identity.
		owner := domain.TransportID(track.StreamID())
		kind := core.MediaAudio
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			kind = core.MediaVideo
		}
		c.mu.Lock()
		rt := newRemoteTrack(owner, kind, track, c.opts.AudioLevelExtID, c.meter)
		if c.remotes[owner] == nil {
			c.remotes[owner] = make(map[core.MediaType]*remoteTrack)
		}
		c.remotes[owner][kind] = rt
		c.mu.Unlock()
		log.Info().
			Str("module", "adapters.rtc").
			Str("uid", string(owner)).
			Str("kind", string(kind)).
			Msg("remote track arrived")
		go rt.loop()
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().
			Str("module", "adapters.rtc").
			Str("peer_state", s.String()).
			Msg("peer connection state")
	})
}

func (c *Client) renegotiate(pc *webrtc.PeerConnection) error {
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	c.sendEnvelope(envelope{Type: "offer", SDP: offer.SDP})
	return nil
}

func (c *Client) handleMessage(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "adapters.rtc").Msg("bad gateway message")
		return
	}
	switch env.Type {
	case "joined":
		c.resolveJoin(nil)
	case "error":
		if env.Error == "uid_conflict" {
			c.resolveJoin(core.ErrIdentityConflict)
			return
		}
		c.resolveJoin(fmt.Errorf("gateway error: %s", env.Error))
	case "answer":
		c.applyAnswer(env.SDP)
	case "offer":
		c.answerOffer(env.SDP)
	case "candidate":
		c.addCandidate(env)
	case "publish":
		c.dispatch(func(h core.EventHandler) {
			h.OnUserPublished(domain.TransportID(env.UID), core.MediaType(env.Kind))
		})
	case "unpublish":
		c.dropRemote(domain.TransportID(env.UID), core.MediaType(env.Kind))
		c.dispatch(func(h core.EventHandler) {
			h.OnUserUnpublished(domain.TransportID(env.UID), core.MediaType(env.Kind))
		})
	case "left":
		c.dropRemote(domain.TransportID(env.UID), core.MediaAudio)
		c.dropRemote(domain.TransportID(env.UID), core.MediaVideo)
		c.mu.Lock()
		delete(c.remotes, domain.TransportID(env.UID))
		c.mu.Unlock()
		c.dispatch(func(h core.EventHandler) {
			h.OnUserLeft(domain.TransportID(env.UID))
		})
	default:
		log.Debug().Str("module", "adapters.rtc").Str("type", env.Type).Msg("ignoring gateway message")
	}
}

func (c *Client) resolveJoin(err error) {
	c.mu.Lock()
	ch := c.joinRes
	c.joinRes = nil
	c.mu.Unlock()
	if ch != nil {
		ch <- err
	}
}

func (c *Client) applyAnswer(sdp string) {
	c.mu.Lock()
	pc := c.pc
	c.mu.Unlock()
	if pc == nil {
		return
	}
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := pc.SetRemoteDescription(desc); err != nil {
		log.Error().Err(err).Str("module", "adapters.rtc").Msg("apply answer")
	}
}

func (c *Client) answerOffer(sdp string) {
	c.mu.Lock()
	pc := c.pc
	c.mu.Unlock()
	if pc == nil {
		return
	}
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := pc.SetRemoteDescription(offer); err != nil {
		log.Error().Err(err).Str("module", "adapters.rtc").Msg("apply gateway offer")
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.rtc").Msg("create answer")
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		log.Error().Err(err).Str("module", "adapters.rtc").Msg("set local answer")
		return
	}
	c.sendEnvelope(envelope{Type: "answer", SDP: answer.SDP})
}

func (c *Client) addCandidate(env envelope) {
	c.mu.Lock()
	pc := c.pc
	c.mu.Unlock()
	if pc == nil {
		return
	}
	ci := webrtc.ICECandidateInit{Candidate: env.Candidate}
	if env.SDPMid != "" {
		mid := env.SDPMid
		ci.SDPMid = &mid
	}
	idx := env.SDPMLineIndex
	ci.SDPMLineIndex = &idx
	if err := pc.AddICECandidate(ci); err != nil {
		log.Warn().Err(err).Str("module", "adapters.rtc").Msg("add candidate")
	}
}

func (c *Client) dropRemote(id domain.TransportID, mt core.MediaType) {
	c.mu.Lock()
	if kinds := c.remotes[id]; kinds != nil {
		if rt := kinds[mt]; rt != nil {
			rt.Stop()
			delete(kinds, mt)
		}
		if len(kinds) == 0 {
			delete(c.remotes, id)
		}
	}
	c.mu.Unlock()
}

// dispatch hands an event to the handler from the signaling goroutine, one
// at a time.
func (c *Client) dispatch(fn func(core.EventHandler)) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		fn(h)
	}
}

func (c *Client) emitVolumes(samples []core.VolumeSample) {
	c.dispatch(func(h core.EventHandler) { h.OnVolumes(samples) })
}

// --- pumps / teardown ---

func (c *Client) sendEnvelope(env envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.rtc").Msg("encode envelope")
		return
	}
	c.mu.Lock()
	send := c.send
	c.mu.Unlock()
	if send == nil {
		return
	}
	select {
	case send <- data:
	default:
		log.Warn().Str("module", "adapters.rtc").Str("type", env.Type).Msg("signaling backpressure, dropping")
	}
}

func (c *Client) writePump(ctx context.Context, ws *websocket.Conn) {
	c.mu.Lock()
	send := c.send
	c.mu.Unlock()
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-send:
			if !ok {
				return
			}
			if err := ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "adapters.rtc").Msg("signaling write")
				return
			}
		}
	}
}

func (c *Client) readPump(ctx context.Context, ws *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Str("module", "adapters.rtc").Msg("signaling read")
			}
			return
		}
		c.handleMessage(data)
	}
}

func (c *Client) shutdown() {
	c.mu.Lock()
	cancel := c.cancel
	ws := c.ws
	pc := c.pc
	remotes := c.remotes
	c.cancel = nil
	c.ws = nil
	c.pc = nil
	c.send = nil
	c.joined = false
	c.meter = nil
	c.remotes = make(map[domain.TransportID]map[core.MediaType]*remoteTrack)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, kinds := range remotes {
		for _, rt := range kinds {
			rt.Stop()
		}
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			log.Warn().Err(err).Str("module", "adapters.rtc").Msg("peer connection close")
		}
	}
	if ws != nil {
		_ = ws.Close()
	}
}
