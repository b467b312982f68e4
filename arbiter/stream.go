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

package arbiter

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/saainithil97/otowatcher/camera"
)

// EndReason says why a stream session finished.
type EndReason int

const (
	EndNone EndReason = iota
	EndStopped
	EndPreempted
	EndFault
	EndSourceClosed
)

func (r EndReason) String() string {
	switch r {
	case EndNone:
		return "running"
	case EndStopped:
		return "stopped"
	case EndPreempted:
		return "preempted"
	case EndFault:
		return "fault"
	case EndSourceClosed:
		return "source closed"
	}
	return "unknown"
}

// StreamSession is the single live stream. It owns the camera from start
// until it ends, at which point the camera is released.
type StreamSession struct {
	ID        string
	StartedAt time.Time

	arbiter *Arbiter
	handle  *Handle
	source  *camera.Stream
	cancel  context.CancelFunc
	frames  chan *camera.Frame

	interrupted   chan struct{}
	interruptOnce sync.Once
	stop          chan struct{}
	stopOnce      sync.Once
	done          chan struct{}

	mu     sync.Mutex
	reason EndReason
	err    error
}

// StartStream takes the camera for a live stream. Only one session may
// exist at a time.
func (a *Arbiter) StartStream(ctx context.Context, timeout time.Duration) (*StreamSession, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, ErrClosed
	}
	if a.stream != nil || a.streamPending {
		a.mu.Unlock()
		return nil, ErrStreamActive
	}
	a.streamPending = true
	a.mu.Unlock()

	clearPending := func() {
		a.mu.Lock()
		a.streamPending = false
		a.mu.Unlock()
	}

	h, err := a.Acquire(ctx, KindStream, timeout)
	if err != nil {
		clearPending()
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	source, err := a.device.OpenStream(streamCtx)
	if err != nil {
		cancel()
		clearPending()
		h.Release()
		if !camera.IsFault(err) {
			err = &camera.FaultError{Op: "stream", Err: err}
		}
		return nil, err
	}

	s := &StreamSession{
		ID:          uuid.NewString(),
		StartedAt:   a.now(),
		arbiter:     a,
		handle:      h,
		source:      source,
		cancel:      cancel,
		frames:      make(chan *camera.Frame, 1),
		interrupted: make(chan struct{}),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}

	a.mu.Lock()
	a.stream = s
	a.streamPending = false
	closed := a.closed
	a.maybePreemptLocked()
	a.mu.Unlock()

	go s.run()
	if closed {
		s.Stop()
		return nil, ErrClosed
	}
	return s, nil
}

// StopStream ends the active session.
func (a *Arbiter) StopStream() error {
	a.mu.Lock()
	s := a.stream
	a.mu.Unlock()
	if s == nil {
		return ErrStreamNotActive
	}
	s.Stop()
	return nil
}

// Stream returns the active session, or nil.
func (a *Arbiter) Stream() *StreamSession {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stream
}

// run forwards frames until the session is stopped or interrupted, or the
// source ends. Every frame is a checkpoint.
func (s *StreamSession) run() {
	defer s.finish()
	for {
		select {
		case <-s.stop:
			s.end(EndStopped, nil)
			return
		case <-s.interrupted:
			s.end(EndPreempted, nil)
			return
		case f, ok := <-s.source.Frames():
			if !ok {
				if err := s.source.Err(); err != nil {
					s.end(EndFault, err)
				} else {
					s.end(EndSourceClosed, nil)
				}
				return
			}
			select {
			case s.frames <- f:
			default:
			}
		}
	}
}

func (s *StreamSession) finish() {
	s.cancel()
	for range s.source.Frames() {
	}
	close(s.frames)
	sent, dropped := s.source.Counts()
	log.Printf("stream %s ended: %d frames delivered, %d dropped", s.ID, sent, dropped)

	a := s.arbiter
	a.mu.Lock()
	if a.stream == s {
		a.stream = nil
	}
	a.mu.Unlock()

	s.handle.Release()
	close(s.done)
}

func (s *StreamSession) end(reason EndReason, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reason = reason
	if err != nil && !camera.IsFault(err) {
		err = &camera.FaultError{Op: "stream", Err: err}
	}
	s.err = err
}

func (s *StreamSession) interrupt() {
	s.interruptOnce.Do(func() { close(s.interrupted) })
}

// Frames delivers stream frames. Frames are dropped if the reader falls
// behind. The channel is closed when the session ends.
func (s *StreamSession) Frames() <-chan *camera.Frame {
	return s.frames
}

// Interrupted is closed when a waiting capture has asked the stream to
// give up the camera.
func (s *StreamSession) Interrupted() <-chan struct{} {
	return s.interrupted
}

// Done is closed once the session has ended and released the camera.
func (s *StreamSession) Done() <-chan struct{} {
	return s.done
}

// Stop ends the session and waits for the camera to be released.
func (s *StreamSession) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

func (s *StreamSession) Active() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// End reports why the session ended and, for EndFault, the device error.
func (s *StreamSession) End() (EndReason, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason, s.err
}
