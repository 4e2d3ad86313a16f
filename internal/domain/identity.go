package domain

import (
	"strings"

	"github.com/google/uuid"
)

// TransportID is the literal identity string handed to the media gateway.
// It is constructed as "<userID>-<suffix>"; one user joined from several
// tabs holds several transport IDs.
type TransportID string

// TransportIdentity is the canonical (userID, suffix) pair. The string form
// exists only at the gateway boundary.
type TransportIdentity struct {
	UserID UserID
	Suffix string
}

// MintIdentity derives a fresh transport identity for user. Each call
// produces a new suffix, which is how identity collisions are escaped.
func MintIdentity(user UserID) TransportIdentity {
	return TransportIdentity{UserID: user, Suffix: uuid.NewString()[:8]}
}

func (t TransportIdentity) Transport() TransportID {
	return TransportID(string(t.UserID) + "-" + t.Suffix)
}

// OwnerOf resolves the stable user ID embedded in a transport ID. Pure
// string operation: everything from the first '-' onward is the suffix.
func OwnerOf(id TransportID) UserID {
	s := string(id)
	if i := strings.IndexByte(s, '-'); i >= 0 {
		return UserID(s[:i])
	}
	return UserID(s)
}
