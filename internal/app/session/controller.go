// Package session owns the voice-channel lifecycle state machine: joining,
// previewing, promotion to connected, screenshare, and teardown.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nebulachat/voicecore/internal/app/policy"
	"github.com/nebulachat/voicecore/internal/app/roster"
	"github.com/nebulachat/voicecore/internal/core"
	"github.com/nebulachat/voicecore/internal/domain"
)

const (
	DefaultRetryAttempts     = 3
	DefaultRetryBackoff      = 150 * time.Millisecond
	DefaultSpeakingThreshold = 3
	RolePublisher            = "publisher"
)

type Options struct {
	Channel   string
	LocalUser domain.UserID
	Role      string
	Retry     RetryPolicy
	// SpeakingThreshold is the volume-indicator level above which a user
	// is shown as speaking. Tuning value, not a contract.
	SpeakingThreshold int
}

// ScreenTrack describes one incoming screenshare.
type ScreenTrack struct {
	Transport domain.TransportID `json:"transport"`
	Owner     domain.UserID      `json:"owner"`
}

// Snapshot is the read-only state exposed to the presentation layer.
type Snapshot struct {
	State         string               `json:"state"`
	Muted         bool                 `json:"muted"`
	Deafened      bool                 `json:"deafened"`
	Participants  []domain.Participant `json:"participants"`
	Speaking      []domain.UserID      `json:"speaking"`
	RemoteScreens []ScreenTrack        `json:"remoteScreens"`
	Screensharing bool                 `json:"screensharing"`
}

// Controller is the single owner of the local audio track, the screenshare
// track and the remote track bindings of its session. All gateway events
// and UI operations funnel through its lock, one at a time.
type Controller struct {
	opts   Options
	media  core.MediaClient
	tokens core.TokenProvider
	engine *policy.Engine
	roster *roster.Directory

	mu       sync.Mutex
	state    State
	gen      uint64
	joining  bool
	identity domain.TransportIdentity

	localMuted bool
	mic        core.LocalTrack
	screen     core.LocalTrack

	audio     map[domain.TransportID]core.RemoteTrack
	screens   map[domain.TransportID]core.RemoteTrack
	published map[domain.TransportID]map[core.MediaType]bool
	speaking  map[domain.UserID]bool

	onLeave  func()
	onChange func()
}

func NewController(opts Options, media core.MediaClient, tokens core.TokenProvider, engine *policy.Engine, dir *roster.Directory) *Controller {
	if opts.Role == "" {
		opts.Role = RolePublisher
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = RetryPolicy{
			MaxAttempts: DefaultRetryAttempts,
			Backoff:     LinearBackoff(DefaultRetryBackoff),
			Retryable:   IsIdentityConflict,
		}
	}
	if opts.SpeakingThreshold == 0 {
		opts.SpeakingThreshold = DefaultSpeakingThreshold
	}
	c := &Controller{
		opts:      opts,
		media:     media,
		tokens:    tokens,
		engine:    engine,
		roster:    dir,
		audio:     make(map[domain.TransportID]core.RemoteTrack),
		screens:   make(map[domain.TransportID]core.RemoteTrack),
		published: make(map[domain.TransportID]map[core.MediaType]bool),
		speaking:  make(map[domain.UserID]bool),
	}
	// The applier runs synchronously inside controller API calls, under
	// the controller lock; it must not lock again.
	engine.SetApplier(c.applyUserVolumeLocked)
	dir.SetOnChange(c.notify)
	return c
}

// OnLeave installs a callback invoked exactly once per explicit leave.
func (c *Controller) OnLeave(fn func()) {
	c.mu.Lock()
	c.onLeave = fn
	c.mu.Unlock()
}

// SetOnChange installs a callback fired after any observable state change.
func (c *Controller) SetOnChange(fn func()) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// Join goes Disconnected -> Connected: join the room, then create and
// publish the local microphone track.
func (c *Controller) Join(ctx context.Context) error {
	return c.startJoin(ctx, true)
}

// PreviewJoin goes Disconnected -> Previewing: join the room without
// publishing local audio or playing remote audio.
func (c *Controller) PreviewJoin(ctx context.Context) error {
	return c.startJoin(ctx, false)
}

func (c *Controller) startJoin(ctx context.Context, publish bool) error {
	c.mu.Lock()
	if c.state != StateDisconnected || c.joining {
		c.mu.Unlock()
		return ErrActiveSession
	}
	c.joining = true
	gen := c.gen
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.joining = false
		c.mu.Unlock()
	}()

	c.media.SetHandler(c)

	// Each attempt derives a fresh identity and fetches a credential
	// scoped to it before joining.
	var identity domain.TransportIdentity
	err := c.opts.Retry.Do(ctx, func(attempt int) error {
		identity = domain.MintIdentity(c.opts.LocalUser)
		uid := identity.Transport()
		cred, err := c.tokens.Token(ctx, c.opts.Channel, uid, c.opts.Role)
		if err != nil {
			return fmt.Errorf("credential for %s: %w", uid, err)
		}
		if err := c.media.Join(ctx, c.opts.Channel, cred, uid); err != nil {
			if errors.Is(err, core.ErrIdentityConflict) {
				log.Warn().
					Str("module", "app.session").
					Str("uid", string(uid)).
					Int("attempt", attempt).
					Msg("identity conflict, retrying with derived identity")
			}
			return fmt.Errorf("join %s: %w", c.opts.Channel, err)
		}
		return nil
	})
	if err != nil {
		log.Error().Err(err).
			Str("module", "app.session").
			Str("channel", c.opts.Channel).
			Msg("join failed")
		return fmt.Errorf("%w: %v", ErrJoinFailed, err)
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		_ = c.media.Leave()
		return ErrJoinCanceled
	}
	c.identity = identity
	c.state = StatePreviewing
	c.mu.Unlock()

	c.roster.SetLocal(c.opts.LocalUser)
	c.refreshRoster()

	if publish {
		if err := c.promote(gen); err != nil {
			c.teardown(false)
			return fmt.Errorf("%w: %v", ErrJoinFailed, err)
		}
	}

	log.Info().
		Str("module", "app.session").
		Str("channel", c.opts.Channel).
		Str("uid", string(identity.Transport())).
		Str("state", c.State().String()).
		Msg("joined voice channel")
	c.notify()
	return nil
}

// ConfirmJoin goes Previewing -> Connected. A device-acquisition failure
// leaves the session previewing; the room stays joined.
func (c *Controller) ConfirmJoin() error {
	c.mu.Lock()
	if c.state != StatePreviewing {
		c.mu.Unlock()
		return ErrNotPreviewing
	}
	gen := c.gen
	c.mu.Unlock()

	if err := c.promote(gen); err != nil {
		return err
	}
	c.notify()
	return nil
}

// promote acquires and publishes the microphone, flips to Connected and
// runs the one-time policy catch-up pass over every known remote audio
// publisher (previewing never played or bound them).
func (c *Controller) promote(gen uint64) error {
	// Device acquisition may block on a permission prompt; never under
	// the lock.
	mic, err := c.media.CreateMicrophoneTrack()
	if err != nil {
		return fmt.Errorf("microphone: %w", err)
	}

	c.mu.Lock()
	if gen != c.gen || c.state == StateDisconnected {
		c.mu.Unlock()
		mic.Stop()
		mic.Close()
		return ErrJoinCanceled
	}
	mic.SetEnabled(!c.localMuted)
	if err := c.media.Publish(mic); err != nil {
		c.mu.Unlock()
		mic.Stop()
		mic.Close()
		return fmt.Errorf("publish audio: %w", err)
	}
	c.mic = mic
	c.state = StateConnected
	for id, kinds := range c.published {
		if kinds[core.MediaAudio] && c.audio[id] == nil {
			c.bindAudioLocked(id)
		}
	}
	c.mu.Unlock()
	return nil
}

// Leave tears the session down and returns it to Disconnected. Safe to
// call in any state, any number of times.
func (c *Controller) Leave() {
	c.teardown(true)
}

func (c *Controller) teardown(explicit bool) {
	c.mu.Lock()
	// Invalidate any in-flight join or device acquisition.
	c.gen++
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}

	// Order matters: local publishes first, then remote bindings, then
	// the room itself, so no event fires against a half-dead session.
	if c.mic != nil {
		if err := c.media.Unpublish(c.mic); err != nil {
			log.Warn().Err(err).Str("module", "app.session").Msg("unpublish audio on leave")
		}
		c.mic.Stop()
		c.mic.Close()
		c.mic = nil
	}
	if c.screen != nil {
		if err := c.media.Unpublish(c.screen); err != nil {
			log.Warn().Err(err).Str("module", "app.session").Msg("unpublish screenshare on leave")
		}
		c.screen.Stop()
		c.screen.Close()
		c.screen = nil
	}
	for _, rt := range c.audio {
		rt.Stop()
	}
	c.audio = make(map[domain.TransportID]core.RemoteTrack)
	for _, rt := range c.screens {
		rt.Stop()
	}
	c.screens = make(map[domain.TransportID]core.RemoteTrack)
	if err := c.media.Leave(); err != nil {
		log.Warn().Err(err).Str("module", "app.session").Msg("gateway leave")
	}
	c.media.SetHandler(nil)

	c.published = make(map[domain.TransportID]map[core.MediaType]bool)
	c.speaking = make(map[domain.UserID]bool)
	c.state = StateDisconnected
	c.identity = domain.TransportIdentity{}

	var fire func()
	if explicit {
		fire = c.onLeave
	}
	c.mu.Unlock()

	c.roster.Clear()
	log.Info().
		Str("module", "app.session").
		Str("channel", c.opts.Channel).
		Msg("left voice channel")
	if fire != nil {
		fire()
	}
	c.notify()
}

// SetMuted gates the local microphone without unpublishing it.
func (c *Controller) SetMuted(m bool) {
	c.mu.Lock()
	c.localMuted = m
	if c.mic != nil {
		c.mic.SetEnabled(!m)
	}
	c.mu.Unlock()
	c.notify()
}

// SetDeafened silences all remote audio without touching stored per-user
// policy. Turning it off restores each user's stored volume.
func (c *Controller) SetDeafened(d bool) {
	c.mu.Lock()
	c.engine.SetDeafened(d)
	for id, rt := range c.audio {
		rt.SetVolume(c.engine.EffectiveVolume(domain.OwnerOf(id)))
	}
	c.mu.Unlock()
	c.notify()
}

// SetUserVolume stores and applies a remote user's playback volume.
func (c *Controller) SetUserVolume(user domain.UserID, volume int) {
	c.mu.Lock()
	c.engine.SetUserVolume(user, volume)
	c.mu.Unlock()
	c.notify()
}

// ToggleMuteUser flips a remote user's mute flag.
func (c *Controller) ToggleMuteUser(user domain.UserID) {
	c.mu.Lock()
	c.engine.ToggleMute(user)
	c.mu.Unlock()
	c.notify()
}

// ToggleScreenshare starts an outgoing screenshare, or tears the active
// one down. At most one outgoing screen publish exists per session.
func (c *Controller) ToggleScreenshare() error {
	c.mu.Lock()
	if c.screen != nil {
		scr := c.screen
		c.screen = nil
		if err := c.media.Unpublish(scr); err != nil {
			log.Warn().Err(err).Str("module", "app.session").Msg("unpublish screenshare")
		}
		scr.Stop()
		scr.Close()
		c.mu.Unlock()
		c.notify()
		return nil
	}
	if c.state != StateConnected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	gen := c.gen
	c.mu.Unlock()

	// Screen capture blocks on the picker dialog.
	tr, err := c.media.CreateScreenTrack()
	if err != nil {
		return fmt.Errorf("screen capture: %w", err)
	}

	c.mu.Lock()
	if gen != c.gen || c.state != StateConnected || c.screen != nil {
		c.mu.Unlock()
		tr.Stop()
		tr.Close()
		return nil
	}
	if err := c.media.Publish(tr); err != nil {
		c.mu.Unlock()
		tr.Stop()
		tr.Close()
		return fmt.Errorf("publish screenshare: %w", err)
	}
	c.screen = tr
	c.mu.Unlock()
	c.notify()
	return nil
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot assembles the full observable state for the UI.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	snap := Snapshot{
		State:         c.state.String(),
		Muted:         c.localMuted,
		Deafened:      c.engine.Deafened(),
		Screensharing: c.screen != nil,
	}
	speaking := make([]domain.UserID, 0, len(c.speaking))
	for u, on := range c.speaking {
		if on {
			speaking = append(speaking, u)
		}
	}
	screens := make([]ScreenTrack, 0, len(c.screens))
	for id := range c.screens {
		screens = append(screens, ScreenTrack{Transport: id, Owner: domain.OwnerOf(id)})
	}
	c.mu.Unlock()

	sort.Slice(speaking, func(i, j int) bool { return speaking[i] < speaking[j] })
	sort.Slice(screens, func(i, j int) bool { return screens[i].Transport < screens[j].Transport })
	snap.Speaking = speaking
	snap.RemoteScreens = screens
	snap.Participants = c.roster.Snapshot()
	return snap
}

// --- gateway events (core.EventHandler) ---

func (c *Controller) OnUserPublished(id domain.TransportID, mt core.MediaType) {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	if c.published[id] == nil {
		c.published[id] = make(map[core.MediaType]bool)
	}
	c.published[id][mt] = true
	switch mt {
	case core.MediaAudio:
		// Previewing never binds or plays remote audio; promote runs the
		// catch-up pass later.
		if c.state == StateConnected && c.audio[id] == nil {
			c.bindAudioLocked(id)
		}
	case core.MediaVideo:
		if c.screens[id] == nil {
			c.bindScreenLocked(id)
		}
	}
	c.mu.Unlock()
	c.refreshRoster()
	c.notify()
}

func (c *Controller) OnUserUnpublished(id domain.TransportID, mt core.MediaType) {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	if kinds := c.published[id]; kinds != nil {
		delete(kinds, mt)
		if len(kinds) == 0 {
			delete(c.published, id)
		}
	}
	switch mt {
	case core.MediaAudio:
		if rt := c.audio[id]; rt != nil {
			rt.Stop()
			delete(c.audio, id)
		}
	case core.MediaVideo:
		if rt := c.screens[id]; rt != nil {
			rt.Stop()
			delete(c.screens, id)
		}
	}
	c.mu.Unlock()
	c.refreshRoster()
	c.notify()
}

func (c *Controller) OnUserLeft(id domain.TransportID) {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	if rt := c.audio[id]; rt != nil {
		rt.Stop()
		delete(c.audio, id)
	}
	if rt := c.screens[id]; rt != nil {
		rt.Stop()
		delete(c.screens, id)
	}
	delete(c.published, id)
	c.mu.Unlock()
	c.refreshRoster()
	c.notify()
}

func (c *Controller) OnVolumes(samples []core.VolumeSample) {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	next := make(map[domain.UserID]bool, len(samples))
	for _, s := range samples {
		user := domain.OwnerOf(s.Transport)
		if s.Level > c.opts.SpeakingThreshold {
			next[user] = true
		}
	}
	changed := len(next) != len(c.speaking)
	if !changed {
		for u := range next {
			if !c.speaking[u] {
				changed = true
				break
			}
		}
	}
	c.speaking = next
	c.mu.Unlock()
	if changed {
		c.notify()
	}
}

// --- internals ---

// bindAudioLocked subscribes, plays and applies stored policy. Effective
// volume is always re-derived from the engine at bind time, which is what
// makes policy set before the bind stick.
func (c *Controller) bindAudioLocked(id domain.TransportID) {
	rt, err := c.media.Subscribe(id, core.MediaAudio)
	if err != nil {
		log.Warn().Err(err).
			Str("module", "app.session").
			Str("uid", string(id)).
			Msg("audio subscribe failed")
		return
	}
	c.audio[id] = rt
	rt.Play()
	rt.SetVolume(c.engine.EffectiveVolume(domain.OwnerOf(id)))
}

func (c *Controller) bindScreenLocked(id domain.TransportID) {
	rt, err := c.media.Subscribe(id, core.MediaVideo)
	if err != nil {
		log.Warn().Err(err).
			Str("module", "app.session").
			Str("uid", string(id)).
			Msg("screen subscribe failed")
		return
	}
	c.screens[id] = rt
	rt.Play()
}

// applyUserVolumeLocked is the policy engine's applier. It runs inside
// controller API calls with the lock already held.
func (c *Controller) applyUserVolumeLocked(user domain.UserID, volume int) {
	for id, rt := range c.audio {
		if domain.OwnerOf(id) == user {
			rt.SetVolume(volume)
		}
	}
}

func (c *Controller) refreshRoster() {
	c.roster.Recompute(c.media.RemoteIdentities())
}

func (c *Controller) notify() {
	c.mu.Lock()
	fn := c.onChange
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}
