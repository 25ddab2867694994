//go:build linux

package media

import (
	"context"

	"github.com/pion/mediadevices"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/prop"

	"github.com/petervdpas/rtcore/internal/call"
)

// DeviceProbe opens the microphone (and camera for video calls) through
// V4L2/malgo and closes them again straight away.
type DeviceProbe struct{}

func (DeviceProbe) Probe(ctx context.Context, video bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	kinds := []call.Kind{call.KindAudio}
	if video {
		kinds = append(kinds, call.KindVideo)
	}

	var missing []call.Kind
	var firstErr error
	for _, k := range kinds {
		if err := open(k); err != nil {
			log.Warnf("CALL: %s unavailable: %v", k, err)
			missing = append(missing, k)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return &call.PermissionError{Video: video, Missing: missing, Err: firstErr}
}

// open tries one device class on its own; GetUserMedia fails as a unit, so
// asking for both would hide which one is refused.
func open(k call.Kind) error {
	c := mediadevices.MediaStreamConstraints{}
	switch k {
	case call.KindVideo:
		c.Video = func(mc *mediadevices.MediaTrackConstraints) {
			mc.Width = prop.IntRanged{Max: 640}
			mc.Height = prop.IntRanged{Max: 480}
		}
	default:
		c.Audio = func(*mediadevices.MediaTrackConstraints) {}
	}
	stream, err := mediadevices.GetUserMedia(c)
	if err != nil {
		return err
	}
	for _, t := range stream.GetTracks() {
		_ = t.Close()
	}
	return nil
}
