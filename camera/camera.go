// otowatcher - timelapse capture for an aquarium camera
//  Copyright (C) 2025, The otowatcher Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package camera defines the single camera device consumed by the capture
// service, together with the hardware (libcamera) and mock implementations.
package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Metadata holds the exposure values reported by the sensor for a frame.
// Field names match the keys of the libcamera metadata JSON.
type Metadata struct {
	ExposureTime int     `json:"ExposureTime"` // microseconds
	AnalogueGain float64 `json:"AnalogueGain"`
}

// Frame is a single JPEG encoded image produced by the device.
type Frame struct {
	Data       []byte
	Metadata   Metadata
	CapturedAt time.Time
}

// Settings are the capture parameters the device should apply to the next
// still capture.
type Settings struct {
	Width   int
	Height  int
	Quality int
}

// SettingsFunc returns the settings to use for the next capture. It is
// consulted on every capture so policy changes apply without reopening
// the device.
type SettingsFunc func() Settings

// Device is the one physical camera. Callers must hold exclusive ownership
// (see package arbiter) before calling any of these methods.
type Device interface {
	// OpenCapture takes a single still.
	OpenCapture(ctx context.Context) (*Frame, error)
	// OpenStream starts a continuous stream which runs until ctx is
	// cancelled or the device fails.
	OpenStream(ctx context.Context) (*Stream, error)
	Close() error
}

// ErrClosed is returned when a closed device is used.
var ErrClosed = errors.New("camera device closed")

// FaultError is a device level failure during a held session.
type FaultError struct {
	Op  string
	Err error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("camera fault during %s: %v", e.Op, e.Err)
}

func (e *FaultError) Unwrap() error { return e.Err }

// IsFault reports whether err is, or wraps, a FaultError.
func IsFault(err error) bool {
	var fault *FaultError
	return errors.As(err, &fault)
}

// Stream carries frames from a running device stream. Frames are dropped
// rather than queued when the consumer falls behind.
type Stream struct {
	frames chan *Frame

	mu      sync.Mutex
	ended   bool
	err     error
	sent    uint64
	dropped uint64
}

// NewStream returns a stream with room for buffer undelivered frames.
func NewStream(buffer int) *Stream {
	if buffer < 1 {
		buffer = 1
	}
	return &Stream{frames: make(chan *Frame, buffer)}
}

// Frames is closed when the stream ends.
func (s *Stream) Frames() <-chan *Frame {
	return s.frames
}

// Send delivers f without blocking. It returns false once the stream has
// ended.
func (s *Stream) Send(f *Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	select {
	case s.frames <- f:
		s.sent++
	default:
		s.dropped++
	}
	return true
}

// End closes the stream. err is nil for a normal stop. Only the first call
// has any effect.
func (s *Stream) End(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	s.err = err
	close(s.frames)
}

// Err reports why the stream ended. It is only meaningful after Frames has
// been closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Counts returns the number of frames delivered and dropped so far.
func (s *Stream) Counts() (sent, dropped uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent, s.dropped
}
