package media

import (
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"

	"github.com/petervdpas/rtcore/internal/call"
)

// LocalTrack is a sample sink published to every peer in a room. Samples
// written while disabled are dropped, so muting needs no renegotiation.
type LocalTrack struct {
	kind    call.Kind
	track   *webrtc.TrackLocalStaticSample
	enabled atomic.Bool
	closed  atomic.Bool
}

func newLocalTrack(kind call.Kind, streamID string) (*LocalTrack, error) {
	mime := webrtc.MimeTypeOpus
	if kind == call.KindVideo {
		mime = webrtc.MimeTypeVP8
	}
	t, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, string(kind), streamID)
	if err != nil {
		return nil, err
	}
	lt := &LocalTrack{kind: kind, track: t}
	lt.enabled.Store(true)
	return lt, nil
}

func (t *LocalTrack) Kind() call.Kind          { return t.kind }
func (t *LocalTrack) SetEnabled(on bool)       { t.enabled.Store(on) }
func (t *LocalTrack) Enabled() bool            { return t.enabled.Load() }
func (t *LocalTrack) Close() error             { t.closed.Store(true); return nil }
func (t *LocalTrack) Closed() bool             { return t.closed.Load() }
func (t *LocalTrack) Local() webrtc.TrackLocal { return t.track }

// WriteSample forwards one encoded sample to the peers.
func (t *LocalTrack) WriteSample(s pionmedia.Sample) error {
	if t.closed.Load() || !t.enabled.Load() {
		return nil
	}
	return t.track.WriteSample(s)
}

type remoteTrack struct {
	kind    call.Kind
	id      string
	packets atomic.Uint64
}

func (t *remoteTrack) Kind() call.Kind { return t.kind }
func (t *remoteTrack) ID() string      { return t.id }

// Packets counts RTP packets received on the track.
func (t *remoteTrack) Packets() uint64 { return t.packets.Load() }

func kindOf(k webrtc.RTPCodecType) call.Kind {
	if k == webrtc.RTPCodecTypeVideo {
		return call.KindVideo
	}
	return call.KindAudio
}
