// Package policy holds the per-remote-user volume/mute state and applies
// it to whatever tracks are currently bound.
package policy

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/nebulachat/voicecore/internal/core"
	"github.com/nebulachat/voicecore/internal/domain"
)

const DefaultVolume = 100

// Applier pushes an effective volume onto every bound track that resolves
// to the given user. The session controller provides it; the engine never
// owns tracks.
type Applier func(user domain.UserID, volume int)

// Engine is the audio policy for one channel scope. All mutations persist
// through the store before returning.
type Engine struct {
	mu       sync.Mutex
	scope    domain.PolicyScope
	store    core.PolicyStore
	volumes  map[domain.UserID]int
	muted    map[domain.UserID]bool
	deafened bool
	apply    Applier
}

// NewEngine rehydrates stored policy for scope. A load failure starts the
// engine empty rather than failing the session.
func NewEngine(scope domain.PolicyScope, store core.PolicyStore) *Engine {
	e := &Engine{
		scope:   scope,
		store:   store,
		volumes: make(map[domain.UserID]int),
		muted:   make(map[domain.UserID]bool),
	}
	if store == nil {
		return e
	}
	p, err := store.Load(scope)
	if err != nil {
		log.Warn().Err(err).
			Str("module", "app.policy").
			Str("server", scope.ServerID).
			Str("channel", scope.ChannelID).
			Msg("policy rehydrate failed, starting empty")
		return e
	}
	for u, v := range p.UserVolumes {
		e.volumes[u] = clamp(v)
	}
	for _, u := range p.MutedUsers {
		e.muted[u] = true
	}
	return e
}

// SetApplier installs the track-volume callback. The applier is invoked
// synchronously from mutation calls, so the caller decides the locking
// context it runs under.
func (e *Engine) SetApplier(a Applier) {
	e.mu.Lock()
	e.apply = a
	e.mu.Unlock()
}

// SetUserVolume stores volume for user and re-applies. Volume 0 is treated
// as a mute signal on write; raising the volume later does not unmute.
func (e *Engine) SetUserVolume(user domain.UserID, volume int) {
	e.mu.Lock()
	volume = clamp(volume)
	e.volumes[user] = volume
	if volume == 0 {
		e.muted[user] = true
	}
	e.persistLocked()
	apply, eff := e.apply, e.effectiveLocked(user)
	e.mu.Unlock()
	if apply != nil {
		apply(user, eff)
	}
}

// ToggleMute flips the stored mute flag for user and re-applies.
func (e *Engine) ToggleMute(user domain.UserID) bool {
	e.mu.Lock()
	e.muted[user] = !e.muted[user]
	nowMuted := e.muted[user]
	e.persistLocked()
	apply, eff := e.apply, e.effectiveLocked(user)
	e.mu.Unlock()
	if apply != nil {
		apply(user, eff)
	}
	return nowMuted
}

// SetDeafened forces every user's effective volume to 0 without touching
// their stored volume or mute flags. Not persisted: deafen is session
// state, not channel policy. The caller re-applies to its bound tracks,
// since deafen also covers users with no stored policy.
func (e *Engine) SetDeafened(d bool) {
	e.mu.Lock()
	e.deafened = d
	e.mu.Unlock()
}

func (e *Engine) Deafened() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deafened
}

func (e *Engine) IsMuted(user domain.UserID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.muted[user]
}

// EffectiveVolume is what a bound track for user should play at right now.
func (e *Engine) EffectiveVolume(user domain.UserID) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.effectiveLocked(user)
}

// Snapshot returns the persistable policy state.
func (e *Engine) Snapshot() domain.ChannelPolicy {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) effectiveLocked(user domain.UserID) int {
	if e.deafened || e.muted[user] {
		return 0
	}
	if v, ok := e.volumes[user]; ok {
		return v
	}
	return DefaultVolume
}

func (e *Engine) snapshotLocked() domain.ChannelPolicy {
	p := domain.NewChannelPolicy()
	for u, v := range e.volumes {
		p.UserVolumes[u] = v
	}
	for u, m := range e.muted {
		if m {
			p.MutedUsers = append(p.MutedUsers, u)
		}
	}
	return p
}

func (e *Engine) persistLocked() {
	if e.store == nil {
		return
	}
	if err := e.store.Save(e.scope, e.snapshotLocked()); err != nil {
		log.Warn().Err(err).
			Str("module", "app.policy").
			Str("channel", e.scope.ChannelID).
			Msg("policy persist failed")
	}
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
