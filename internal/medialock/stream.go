package medialock

import (
	"errors"
	"fmt"
)

const (
	KindAudio = "audio"
	KindVideo = "video"
)

// Constraints describe a capture request. Only Audio/Video presence decides
// whether an existing stream can be reused; the rest are hints.
type Constraints struct {
	Audio     bool
	Video     bool
	Width     int
	Height    int
	FrameRate float64
}

// Satisfies reports whether a stream granted for c can serve want.
func (c Constraints) Satisfies(want Constraints) bool {
	return c.Audio == want.Audio && c.Video == want.Video
}

// Track is one captured media track.
type Track interface {
	Kind() string
	Live() bool
	Stop()
}

// Stream is the set of tracks granted by one device request.
type Stream struct {
	ID     string
	Tracks []Track
}

// Live reports whether the stream has tracks and all of them are live.
func (s *Stream) Live() bool {
	if s == nil || len(s.Tracks) == 0 {
		return false
	}
	for _, t := range s.Tracks {
		if !t.Live() {
			return false
		}
	}
	return true
}

func (s *Stream) HasKind(kind string) bool {
	if s == nil {
		return false
	}
	for _, t := range s.Tracks {
		if t.Kind() == kind {
			return true
		}
	}
	return false
}

// Stop ends every track.
func (s *Stream) Stop() {
	if s == nil {
		return
	}
	for _, t := range s.Tracks {
		t.Stop()
	}
}

var (
	// ErrDeviceInUse is the retryable class: another process or a previous
	// request still holds the hardware.
	ErrDeviceInUse = errors.New("capture device in use")

	ErrPermissionDenied = errors.New("capture permission denied")
	ErrNoDevice         = errors.New("no capture device")
)

// AcquireError is returned by Lock.Acquire on failure.
type AcquireError struct {
	InUse    bool
	Attempts int
	Err      error
}

func (e *AcquireError) Error() string {
	if e.InUse {
		return fmt.Sprintf("acquire capture device: still in use after %d attempts: %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("acquire capture device: %v", e.Err)
}

func (e *AcquireError) Unwrap() error { return e.Err }
