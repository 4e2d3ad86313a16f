package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nebulachat/voicecore/internal/app/policy"
	"github.com/nebulachat/voicecore/internal/app/roster"
	"github.com/nebulachat/voicecore/internal/core"
	"github.com/nebulachat/voicecore/internal/domain"
)

// --- fakes ---

type fakeLocalTrack struct {
	kind    core.MediaType
	enabled bool
	stopped bool
	closed  bool
}

func (t *fakeLocalTrack) Kind() core.MediaType { return t.kind }
func (t *fakeLocalTrack) SetEnabled(e bool)    { t.enabled = e }
func (t *fakeLocalTrack) Stop()                { t.stopped = true }
func (t *fakeLocalTrack) Close()               { t.closed = true }

type fakeRemoteTrack struct {
	owner   domain.TransportID
	kind    core.MediaType
	volume  int
	playing bool
}

func (t *fakeRemoteTrack) Owner() domain.TransportID { return t.owner }
func (t *fakeRemoteTrack) Kind() core.MediaType      { return t.kind }
func (t *fakeRemoteTrack) SetVolume(v int)           { t.volume = v }
func (t *fakeRemoteTrack) Play()                     { t.playing = true }
func (t *fakeRemoteTrack) Stop()                     { t.playing = false }

type fakeMedia struct {
	mu sync.Mutex

	joined     bool
	channel    string
	identity   domain.TransportID
	joinErrs   []error // popped per Join call
	handler    core.EventHandler
	remotes    []domain.TransportID
	published  []core.LocalTrack
	subscribed map[domain.TransportID]*fakeRemoteTrack
	micErr     error
	screenErr  error
	publishErr error

	joinIdentities []domain.TransportID
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{subscribed: make(map[domain.TransportID]*fakeRemoteTrack)}
}

func (m *fakeMedia) Join(_ context.Context, channel, _ string, id domain.TransportID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.joinIdentities = append(m.joinIdentities, id)
	if len(m.joinErrs) > 0 {
		err := m.joinErrs[0]
		m.joinErrs = m.joinErrs[1:]
		if err != nil {
			return err
		}
	}
	m.joined = true
	m.channel = channel
	m.identity = id
	return nil
}

func (m *fakeMedia) Leave() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.joined = false
	return nil
}

func (m *fakeMedia) Publish(t core.LocalTrack) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return m.publishErr
	}
	m.published = append(m.published, t)
	return nil
}

func (m *fakeMedia) Unpublish(t core.LocalTrack) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, p := range m.published {
		if p == t {
			m.published = append(m.published[:i], m.published[i+1:]...)
			break
		}
	}
	return nil
}

func (m *fakeMedia) Subscribe(id domain.TransportID, mt core.MediaType) (core.RemoteTrack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt := &fakeRemoteTrack{owner: id, kind: mt, volume: -1}
	m.subscribed[id] = rt
	return rt, nil
}

func (m *fakeMedia) RemoteIdentities() []domain.TransportID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.TransportID(nil), m.remotes...)
}

func (m *fakeMedia) CreateMicrophoneTrack() (core.LocalTrack, error) {
	if m.micErr != nil {
		return nil, m.micErr
	}
	return &fakeLocalTrack{kind: core.MediaAudio}, nil
}

func (m *fakeMedia) CreateScreenTrack() (core.LocalTrack, error) {
	if m.screenErr != nil {
		return nil, m.screenErr
	}
	return &fakeLocalTrack{kind: core.MediaVideo}, nil
}

func (m *fakeMedia) SetHandler(h core.EventHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

func (m *fakeMedia) publishedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.published)
}

// arrive simulates a remote tab publishing a track.
func (m *fakeMedia) arrive(c *Controller, id domain.TransportID, mt core.MediaType) {
	m.mu.Lock()
	found := false
	for _, r := range m.remotes {
		if r == id {
			found = true
		}
	}
	if !found {
		m.remotes = append(m.remotes, id)
	}
	m.mu.Unlock()
	c.OnUserPublished(id, mt)
}

func (m *fakeMedia) depart(c *Controller, id domain.TransportID) {
	m.mu.Lock()
	for i, r := range m.remotes {
		if r == id {
			m.remotes = append(m.remotes[:i], m.remotes[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
	c.OnUserLeft(id)
}

type fakeTokens struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeTokens) Token(_ context.Context, _ string, _ domain.TransportID, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return fmt.Sprintf("tok-%d", f.calls), nil
}

func newTestController(m *fakeMedia) *Controller {
	scope := domain.PolicyScope{ServerID: "srv", ChannelID: "general"}
	eng := policy.NewEngine(scope, nil)
	dir := roster.NewDirectory(nil)
	return NewController(Options{
		Channel:   "general",
		LocalUser: "me",
		Retry: RetryPolicy{
			MaxAttempts: 3,
			Backoff:     LinearBackoff(time.Millisecond),
			Retryable:   func(err error) bool { return errors.Is(err, core.ErrIdentityConflict) },
		},
	}, m, &fakeTokens{}, eng, dir)
}

// --- tests ---

func TestJoinPublishesAudio(t *testing.T) {
	m := newFakeMedia()
	c := newTestController(m)

	if err := c.Join(context.Background()); err != nil {
		t.Fatalf("join: %v", err)
	}
	if c.State() != StateConnected {
		t.Fatalf("state: want connected got %s", c.State())
	}
	if m.publishedCount() != 1 {
		t.Fatalf("published tracks: want 1 got %d", m.publishedCount())
	}
	if domain.OwnerOf(m.identity) != "me" {
		t.Fatalf("joined identity %q does not embed local user", m.identity)
	}
}

func TestIdempotentLeave(t *testing.T) {
	m := newFakeMedia()
	c := newTestController(m)
	leaves := 0
	c.OnLeave(func() { leaves++ })

	if err := c.Join(context.Background()); err != nil {
		t.Fatalf("join: %v", err)
	}
	m.arrive(c, "alice-1", core.MediaAudio)

	c.Leave()
	c.Leave()
	c.Leave()

	if c.State() != StateDisconnected {
		t.Fatalf("state after leave: want disconnected got %s", c.State())
	}
	snap := c.Snapshot()
	if len(snap.Participants) != 0 {
		t.Fatalf("roster after leave: want empty got %d", len(snap.Participants))
	}
	if leaves != 1 {
		t.Fatalf("on-leave callback fired %d times, want 1", leaves)
	}
	if m.joined {
		t.Fatal("gateway room still joined after leave")
	}
}

func TestPreviewSilence(t *testing.T) {
	m := newFakeMedia()
	c := newTestController(m)

	if err := c.PreviewJoin(context.Background()); err != nil {
		t.Fatalf("preview join: %v", err)
	}
	if c.State() != StatePreviewing {
		t.Fatalf("state: want previewing got %s", c.State())
	}

	m.arrive(c, "alice-1", core.MediaAudio)
	m.arrive(c, "bob-2", core.MediaAudio)

	if m.publishedCount() != 0 {
		t.Fatal("previewing must not publish local audio")
	}
	for id, rt := range m.subscribed {
		if rt.kind == core.MediaAudio && rt.playing {
			t.Fatalf("previewing must not play remote audio (track %s)", id)
		}
	}
	// The roster still sees everyone.
	if snap := c.Snapshot(); len(snap.Participants) != 3 {
		t.Fatalf("preview roster: want 3 got %d", len(snap.Participants))
	}
}

func TestConfirmJoinCatchUp(t *testing.T) {
	m := newFakeMedia()
	c := newTestController(m)

	if err := c.PreviewJoin(context.Background()); err != nil {
		t.Fatalf("preview join: %v", err)
	}
	m.arrive(c, "alice-1", core.MediaAudio)

	// Policy set before the track ever binds.
	c.SetUserVolume("alice", 40)

	if err := c.ConfirmJoin(); err != nil {
		t.Fatalf("confirm join: %v", err)
	}
	if c.State() != StateConnected {
		t.Fatalf("state: want connected got %s", c.State())
	}
	rt := m.subscribed["alice-1"]
	if rt == nil || !rt.playing {
		t.Fatal("catch-up pass must bind and play alice's audio")
	}
	if rt.volume != 40 {
		t.Fatalf("catch-up volume: want 40 got %d", rt.volume)
	}
}

func TestPolicyCatchUpOnLateBind(t *testing.T) {
	m := newFakeMedia()
	c := newTestController(m)

	if err := c.Join(context.Background()); err != nil {
		t.Fatalf("join: %v", err)
	}
	c.SetUserVolume("alice", 40)

	m.arrive(c, "alice-9", core.MediaAudio)

	rt := m.subscribed["alice-9"]
	if rt == nil {
		t.Fatal("expected audio subscription for alice")
	}
	if rt.volume != 40 {
		t.Fatalf("late-bind volume: want 40 got %d", rt.volume)
	}
}

func TestDeafenOverridesStoredVolume(t *testing.T) {
	m := newFakeMedia()
	c := newTestController(m)

	if err := c.Join(context.Background()); err != nil {
		t.Fatalf("join: %v", err)
	}
	c.SetUserVolume("bob", 80)
	m.arrive(c, "bob-1", core.MediaAudio)

	rt := m.subscribed["bob-1"]
	if rt.volume != 80 {
		t.Fatalf("stored volume: want 80 got %d", rt.volume)
	}

	c.SetDeafened(true)
	if rt.volume != 0 {
		t.Fatalf("deafened volume: want 0 got %d", rt.volume)
	}
	c.SetDeafened(false)
	if rt.volume != 80 {
		t.Fatalf("undeafened volume: want 80 got %d", rt.volume)
	}
}

func TestIdentityConflictBoundedRetry(t *testing.T) {
	m := newFakeMedia()
	m.joinErrs = []error{core.ErrIdentityConflict, core.ErrIdentityConflict, nil}
	c := newTestController(m)

	if err := c.Join(context.Background()); err != nil {
		t.Fatalf("join after two conflicts: %v", err)
	}
	if c.State() != StateConnected {
		t.Fatalf("state: want connected got %s", c.State())
	}
	if len(m.joinIdentities) != 3 {
		t.Fatalf("join attempts: want 3 got %d", len(m.joinIdentities))
	}
	// Every attempt must use a distinct derived identity with the same
	// embedded user.
	seen := map[domain.TransportID]bool{}
	for _, id := range m.joinIdentities {
		if seen[id] {
			t.Fatalf("identity %s reused across attempts", id)
		}
		seen[id] = true
		if domain.OwnerOf(id) != "me" {
			t.Fatalf("identity %s does not embed local user", id)
		}
	}
}

func TestIdentityConflictExhaustion(t *testing.T) {
	m := newFakeMedia()
	m.joinErrs = []error{core.ErrIdentityConflict, core.ErrIdentityConflict, core.ErrIdentityConflict}
	c := newTestController(m)

	err := c.Join(context.Background())
	if !errors.Is(err, ErrJoinFailed) {
		t.Fatalf("want ErrJoinFailed, got %v", err)
	}
	if len(m.joinIdentities) != 3 {
		t.Fatalf("join attempts: want exactly 3 got %d", len(m.joinIdentities))
	}
	if c.State() != StateDisconnected {
		t.Fatalf("state after exhausted retries: want disconnected got %s", c.State())
	}
}

func TestGenericJoinErrorNotRetried(t *testing.T) {
	m := newFakeMedia()
	m.joinErrs = []error{errors.New("gateway unreachable")}
	c := newTestController(m)

	err := c.Join(context.Background())
	if !errors.Is(err, ErrJoinFailed) {
		t.Fatalf("want ErrJoinFailed, got %v", err)
	}
	if len(m.joinIdentities) != 1 {
		t.Fatalf("generic errors must not retry: got %d attempts", len(m.joinIdentities))
	}
}

func TestMicrophoneFailureFailsJoin(t *testing.T) {
	m := newFakeMedia()
	m.micErr = errors.New("permission denied")
	c := newTestController(m)

	err := c.Join(context.Background())
	if !errors.Is(err, ErrJoinFailed) {
		t.Fatalf("want ErrJoinFailed, got %v", err)
	}
	if c.State() != StateDisconnected {
		t.Fatalf("state: want disconnected got %s", c.State())
	}
	if m.joined {
		t.Fatal("room must be left after failed promote")
	}
}

func TestMicrophoneFailureKeepsPreview(t *testing.T) {
	m := newFakeMedia()
	c := newTestController(m)

	if err := c.PreviewJoin(context.Background()); err != nil {
		t.Fatalf("preview join: %v", err)
	}
	m.micErr = errors.New("permission denied")
	if err := c.ConfirmJoin(); err == nil {
		t.Fatal("confirm join must surface device failure")
	}
	if c.State() != StatePreviewing {
		t.Fatalf("state: want previewing got %s", c.State())
	}
	if !m.joined {
		t.Fatal("room must stay joined after failed confirm")
	}
}

func TestScreenshareSinglePublisher(t *testing.T) {
	m := newFakeMedia()
	c := newTestController(m)

	if err := c.Join(context.Background()); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := c.ToggleScreenshare(); err != nil {
		t.Fatalf("screenshare on: %v", err)
	}
	if m.publishedCount() != 2 { // mic + screen
		t.Fatalf("published tracks: want 2 got %d", m.publishedCount())
	}
	if err := c.ToggleScreenshare(); err != nil {
		t.Fatalf("screenshare toggle off: %v", err)
	}
	if m.publishedCount() != 1 {
		t.Fatalf("second toggle must tear down, not stack: %d published", m.publishedCount())
	}
	if c.Snapshot().Screensharing {
		t.Fatal("snapshot still reports an active screenshare")
	}
}

func TestScreenshareRequiresConnected(t *testing.T) {
	m := newFakeMedia()
	c := newTestController(m)
	if err := c.ToggleScreenshare(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("want ErrNotConnected, got %v", err)
	}
}

func TestIncomingScreenshareLifecycle(t *testing.T) {
	m := newFakeMedia()
	c := newTestController(m)

	if err := c.Join(context.Background()); err != nil {
		t.Fatalf("join: %v", err)
	}
	m.arrive(c, "alice-1", core.MediaVideo)

	snap := c.Snapshot()
	if len(snap.RemoteScreens) != 1 || snap.RemoteScreens[0].Owner != "alice" {
		t.Fatalf("remote screens: %+v", snap.RemoteScreens)
	}

	c.OnUserUnpublished("alice-1", core.MediaVideo)
	if n := len(c.Snapshot().RemoteScreens); n != 0 {
		t.Fatalf("remote screens after unpublish: want 0 got %d", n)
	}

	m.arrive(c, "bob-2", core.MediaVideo)
	m.depart(c, "bob-2")
	if n := len(c.Snapshot().RemoteScreens); n != 0 {
		t.Fatalf("remote screens after user-left: want 0 got %d", n)
	}
}

func TestSpeakingThreshold(t *testing.T) {
	m := newFakeMedia()
	c := newTestController(m)

	if err := c.Join(context.Background()); err != nil {
		t.Fatalf("join: %v", err)
	}
	c.OnVolumes([]core.VolumeSample{
		{Transport: "alice-1", Level: 10},
		{Transport: "bob-2", Level: 2},
	})
	snap := c.Snapshot()
	if len(snap.Speaking) != 1 || snap.Speaking[0] != "alice" {
		t.Fatalf("speaking set: %+v", snap.Speaking)
	}

	// Next report below threshold clears the flag.
	c.OnVolumes([]core.VolumeSample{{Transport: "alice-1", Level: 1}})
	if len(c.Snapshot().Speaking) != 0 {
		t.Fatal("speaking flag must clear when level drops")
	}
}

func TestLocalMuteTogglesTrack(t *testing.T) {
	m := newFakeMedia()
	c := newTestController(m)

	if err := c.Join(context.Background()); err != nil {
		t.Fatalf("join: %v", err)
	}
	mic := m.published[0].(*fakeLocalTrack)
	if !mic.enabled {
		t.Fatal("mic must start enabled")
	}
	c.SetMuted(true)
	if mic.enabled {
		t.Fatal("mic must be disabled while muted")
	}
	c.SetMuted(false)
	if !mic.enabled {
		t.Fatal("mic must re-enable on unmute")
	}
}

func TestJoinWhileActiveRejected(t *testing.T) {
	m := newFakeMedia()
	c := newTestController(m)

	if err := c.Join(context.Background()); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := c.Join(context.Background()); !errors.Is(err, ErrActiveSession) {
		t.Fatalf("second join: want ErrActiveSession got %v", err)
	}
}
