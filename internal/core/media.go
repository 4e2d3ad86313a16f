package core

import (
	"context"
	"errors"

	"github.com/nebulachat/voicecore/internal/domain"
)

type MediaType string

const (
	MediaAudio MediaType = "audio"
	MediaVideo MediaType = "video"
)

// ErrIdentityConflict is returned by Join when the gateway rejects the
// transport identity because another connection already holds it.
var ErrIdentityConflict = errors.New("transport identity already in use")

// LocalTrack is an outgoing device track (microphone or screen capture).
// Owned by the session controller; nothing else stops or closes it.
type LocalTrack interface {
	Kind() MediaType
	// SetEnabled gates outgoing media without unpublishing.
	SetEnabled(bool)
	Stop()
	Close()
}

// RemoteTrack is a live subscription to one remote publisher's track.
type RemoteTrack interface {
	Owner() domain.TransportID
	Kind() MediaType
	// SetVolume takes 0..100; 0 is silence.
	SetVolume(int)
	Play()
	Stop()
}

// VolumeSample is one entry of the periodic speaking-level report.
type VolumeSample struct {
	Transport domain.TransportID
	Level     int
}

// EventHandler receives gateway events. The media client delivers events
// one at a time from a single goroutine; handlers may assume no
// re-entrancy.
type EventHandler interface {
	OnUserPublished(id domain.TransportID, mt MediaType)
	OnUserUnpublished(id domain.TransportID, mt MediaType)
	OnUserLeft(id domain.TransportID)
	OnVolumes(samples []VolumeSample)
}

// MediaClient is the capability set of the media session SDK. One client
// instance serves at most one joined room at a time.
type MediaClient interface {
	Join(ctx context.Context, channel, credential string, identity domain.TransportID) error
	Leave() error

	Publish(t LocalTrack) error
	Unpublish(t LocalTrack) error
	Subscribe(id domain.TransportID, mt MediaType) (RemoteTrack, error)

	// RemoteIdentities enumerates transport IDs currently present in the
	// joined room, excluding the local one.
	RemoteIdentities() []domain.TransportID

	CreateMicrophoneTrack() (LocalTrack, error)
	CreateScreenTrack() (LocalTrack, error)

	SetHandler(h EventHandler)
}
