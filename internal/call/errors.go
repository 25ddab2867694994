package call

import (
	"errors"
	"slices"
)

var (
	ErrMicrophoneDenied = errors.New("microphone access denied")
	ErrCameraDenied     = errors.New("camera access denied")
	ErrRelayJoin        = errors.New("call: relay join failed")
	ErrPublish          = errors.New("call: publishing local media failed")
	ErrLeft             = errors.New("call: session left")
	ErrAlreadyJoined    = errors.New("call: session already joined")
)

// PermissionError reports denied device access for a call.
type PermissionError struct {
	Video   bool   // the call wanted video
	Missing []Kind // devices that were refused; empty means unknown
	Err     error
}

func (e *PermissionError) missing(k Kind) bool {
	return len(e.Missing) == 0 || slices.Contains(e.Missing, k)
}

func (e *PermissionError) Error() string {
	switch {
	case !e.Video:
		return "Microphone permission is required for voice calls. Allow microphone access and try again."
	case e.missing(KindAudio) && e.missing(KindVideo):
		return "Camera and microphone permissions are required for video calls. Allow both and try again."
	case e.missing(KindVideo):
		return "Camera permission is required for video calls. Allow camera access and try again."
	default:
		return "Microphone permission is required for video calls. Allow microphone access and try again."
	}
}

func (e *PermissionError) Unwrap() error { return e.Err }

// Is matches ErrMicrophoneDenied and ErrCameraDenied against the refused
// devices.
func (e *PermissionError) Is(target error) bool {
	switch target {
	case ErrMicrophoneDenied:
		return e.missing(KindAudio)
	case ErrCameraDenied:
		return e.Video && e.missing(KindVideo)
	}
	return false
}
