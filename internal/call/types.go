package call

import (
	"context"

	"github.com/petervdpas/rtcore/internal/backend"
	"github.com/petervdpas/rtcore/internal/session"
)

type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Track is a local media track.
type Track interface {
	Kind() Kind
	SetEnabled(on bool)
	Enabled() bool
	Close() error
}

type LocalTracks struct {
	Audio Track
	Video Track // nil for voice calls
}

// RemoteTrack is media received from another participant.
type RemoteTrack interface {
	Kind() Kind
	ID() string
}

// RemoteStream describes what one participant is sending. A nil Video with a
// live Audio means the camera is off, not that the participant left.
type RemoteStream struct {
	ParticipantID string
	Audio         RemoteTrack
	Video         RemoteTrack
}

type ConnectionState string

const (
	StateDisconnected  ConnectionState = "disconnected"
	StateConnecting    ConnectionState = "connecting"
	StateConnected     ConnectionState = "connected"
	StateReconnecting  ConnectionState = "reconnecting"
	StateDisconnecting ConnectionState = "disconnecting"
)

// RoomEvents are the relay's callbacks for one joined room.
type RoomEvents struct {
	OnTrackPublished   func(participantID string, t RemoteTrack)
	OnTrackUnpublished func(participantID string, kind Kind)
	OnParticipantLeft  func(participantID string)
	OnConnectionState  func(s ConnectionState)
}

// Room is a joined media room on the relay.
type Room interface {
	CreateLocalTracks(ctx context.Context, video bool) (LocalTracks, error)
	Publish(ctx context.Context, t Track) error
	Unpublish(ctx context.Context, t Track) error
	Leave() error
}

// Relay joins media rooms.
type Relay interface {
	Join(ctx context.Context, channel, uid, token string, ev RoomEvents) (Room, error)
}

// Permissions asks the host for device access before anything is negotiated.
// Denial is reported as *PermissionError.
type Permissions interface {
	Probe(ctx context.Context, video bool) error
}

type Login interface {
	Acquire(ctx context.Context) (session.Credential, error)
}

type TokenSource interface {
	CallToken(ctx context.Context, channel string) (*backend.CallToken, error)
}
