package core

import (
	"context"
	"errors"

	"github.com/nebulachat/voicecore/internal/domain"
)

// ErrNoCredential means neither the credential endpoint nor a static
// fallback could produce a join token.
var ErrNoCredential = errors.New("no join credential available")

// TokenProvider issues a short-lived join credential scoped to one channel
// and one transport identity.
type TokenProvider interface {
	Token(ctx context.Context, channel string, uid domain.TransportID, role string) (string, error)
}

// ProfileProvider resolves presentation meta-data for a stable user ID.
// "Not found" is not an error: implementations return an empty Profile.
type ProfileProvider interface {
	Lookup(ctx context.Context, user domain.UserID) (domain.Profile, error)
}

// PolicyStore persists the per-channel audio policy across sessions.
type PolicyStore interface {
	Load(scope domain.PolicyScope) (domain.ChannelPolicy, error)
	Save(scope domain.PolicyScope, p domain.ChannelPolicy) error
}
