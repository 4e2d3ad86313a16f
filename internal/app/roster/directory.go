// Package roster maintains the deduplicated, profile-enriched participant
// list for one voice session.
package roster

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nebulachat/voicecore/internal/core"
	"github.com/nebulachat/voicecore/internal/domain"
)

const fetchTimeout = 5 * time.Second

// Directory merges ephemeral transport identities into stable per-user
// roster entries. Membership updates are synchronous (pure string
// resolution); only profile enrichment is asynchronous.
type Directory struct {
	mu       sync.Mutex
	profiles core.ProfileProvider

	localUser domain.UserID
	active    bool

	byUser map[domain.UserID][]domain.TransportID
	order  []domain.UserID

	cache    map[domain.UserID]domain.Profile
	fetched  map[domain.UserID]bool
	inflight map[domain.UserID]bool

	onChange func()
}

func NewDirectory(profiles core.ProfileProvider) *Directory {
	return &Directory{
		profiles: profiles,
		byUser:   make(map[domain.UserID][]domain.TransportID),
		cache:    make(map[domain.UserID]domain.Profile),
		fetched:  make(map[domain.UserID]bool),
		inflight: make(map[domain.UserID]bool),
	}
}

// SetOnChange installs a callback fired when an asynchronous profile fetch
// lands. Called without the directory lock held.
func (d *Directory) SetOnChange(fn func()) {
	d.mu.Lock()
	d.onChange = fn
	d.mu.Unlock()
}

// SetLocal marks the session's own user. The local user is always present
// in the roster, listed first.
func (d *Directory) SetLocal(user domain.UserID) {
	d.mu.Lock()
	d.localUser = user
	d.active = true
	d.mu.Unlock()
	d.ensureProfile(user)
}

// Recompute rebuilds membership from the current remote transport-identity
// set. It returns synchronously; profile fetches for newly seen users run
// in the background, one per unique user regardless of tab count.
func (d *Directory) Recompute(remote []domain.TransportID) {
	d.mu.Lock()
	if !d.active {
		d.mu.Unlock()
		return
	}
	d.byUser = make(map[domain.UserID][]domain.TransportID, len(remote))
	d.order = d.order[:0]
	for _, id := range remote {
		user := domain.OwnerOf(id)
		if _, seen := d.byUser[user]; !seen {
			d.order = append(d.order, user)
		}
		d.byUser[user] = append(d.byUser[user], id)
	}
	need := make([]domain.UserID, 0, len(d.order))
	for _, user := range d.order {
		if !d.fetched[user] && !d.inflight[user] {
			need = append(need, user)
		}
	}
	d.mu.Unlock()

	for _, user := range need {
		d.ensureProfile(user)
	}
}

// Clear empties the roster on leave. In-flight profile fetches may still
// complete into the cache; they no longer surface anywhere.
func (d *Directory) Clear() {
	d.mu.Lock()
	d.byUser = make(map[domain.UserID][]domain.TransportID)
	d.order = nil
	d.active = false
	d.localUser = ""
	d.mu.Unlock()
}

// Snapshot returns the deduplicated roster: the local user first, then
// remote users in first-seen order. Exactly one entry per UserID.
func (d *Directory) Snapshot() []domain.Participant {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.active {
		return nil
	}
	out := make([]domain.Participant, 0, len(d.order)+1)
	out = append(out, domain.Participant{
		UserID:  d.localUser,
		Profile: d.cache[d.localUser],
		Local:   true,
	})
	for _, user := range d.order {
		if user == d.localUser {
			// Another tab of the local user; already listed first.
			continue
		}
		ids := d.byUser[user]
		out = append(out, domain.Participant{
			UserID:     user,
			Transports: append([]domain.TransportID(nil), ids...),
			Profile:    d.cache[user],
		})
	}
	return out
}

// Profile returns the cached profile for user, which may be empty.
func (d *Directory) Profile(user domain.UserID) domain.Profile {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cache[user]
}

func (d *Directory) ensureProfile(user domain.UserID) {
	d.mu.Lock()
	if d.profiles == nil || d.fetched[user] || d.inflight[user] {
		d.mu.Unlock()
		return
	}
	d.inflight[user] = true
	d.mu.Unlock()

	go d.fetch(user)
}

func (d *Directory) fetch(user domain.UserID) {
	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()

	p, err := d.profiles.Lookup(ctx, user)
	if err != nil {
		// A failed fetch never removes the participant; the entry keeps
		// its empty profile and the UI falls back to initials.
		log.Warn().Err(err).
			Str("module", "app.roster").
			Str("user", string(user)).
			Msg("profile fetch failed")
		p = domain.Profile{}
	}

	d.mu.Lock()
	d.cache[user] = p
	d.fetched[user] = true
	delete(d.inflight, user)
	fn := d.onChange
	d.mu.Unlock()

	if fn != nil {
		fn()
	}
}
