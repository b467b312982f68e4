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

// Package arbiter gives scheduled captures, manual captures and the live
// stream exclusive, first come first served access to the one camera.
package arbiter

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/saainithil97/otowatcher/camera"
)

var (
	ErrCameraBusy      = errors.New("camera busy")
	ErrCanceled        = errors.New("camera request canceled")
	ErrNoTimeout       = errors.New("camera requests need a positive timeout")
	ErrStreamActive    = errors.New("a stream is already active")
	ErrStreamNotActive = errors.New("no stream is active")
	ErrClosed          = errors.New("camera arbiter closed")
)

// Kind is who is using, or asking for, the camera.
type Kind int

const (
	KindNone Kind = iota
	KindScheduled
	KindManual
	KindStream
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindScheduled:
		return "scheduled"
	case KindManual:
		return "manual"
	case KindStream:
		return "stream"
	}
	return "unknown"
}

// Policy decides what happens to a running stream when a capture arrives.
type Policy int

const (
	// QueueBehindStream makes captures wait for the stream to end (or
	// time out).
	QueueBehindStream Policy = iota
	// PreemptStream ends the stream at its next checkpoint so the queued
	// capture can run.
	PreemptStream
)

func (p Policy) String() string {
	if p == PreemptStream {
		return "preempt-stream"
	}
	return "queue-behind-stream"
}

// ParsePolicy is the inverse of Policy.String.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "queue-behind-stream":
		return QueueBehindStream, nil
	case "preempt-stream":
		return PreemptStream, nil
	}
	return QueueBehindStream, errors.New("unknown stream policy " + s)
}

// Request is one ask for the camera.
type Request struct {
	ID          string
	Kind        Kind
	RequestedAt time.Time
	Deadline    time.Time
}

// Handle is proof of ownership of the camera. It must be released.
type Handle struct {
	Request
	AcquiredAt time.Time

	arbiter *Arbiter
	once    sync.Once
}

// Release gives the camera to the next waiter. Calling it more than once
// is harmless.
func (h *Handle) Release() {
	h.once.Do(func() { h.arbiter.release(h) })
}

type waiter struct {
	req     Request
	ready   chan struct{}
	granted *Handle
	done    bool
}

// New returns an Arbiter over device.
func New(device camera.Device, policy Policy) *Arbiter {
	return &Arbiter{
		device: device,
		policy: policy,
		now:    time.Now,
	}
}

type Arbiter struct {
	device camera.Device
	policy Policy
	now    func() time.Time

	mu            sync.Mutex
	owner         *Handle
	queue         []*waiter
	stream        *StreamSession
	streamPending bool
	closed        bool
}

func (a *Arbiter) Policy() Policy {
	return a.policy
}

// Acquire blocks until the camera is granted to the caller, timeout
// passes (ErrCameraBusy) or ctx is done (ErrCanceled). Waiters are served
// in arrival order.
func (a *Arbiter) Acquire(ctx context.Context, kind Kind, timeout time.Duration) (*Handle, error) {
	if timeout <= 0 {
		return nil, ErrNoTimeout
	}
	if ctx.Err() != nil {
		return nil, ErrCanceled
	}
	now := a.now()
	req := Request{
		ID:          uuid.NewString(),
		Kind:        kind,
		RequestedAt: now,
		Deadline:    now.Add(timeout),
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, ErrClosed
	}
	if a.owner == nil && len(a.queue) == 0 {
		h := a.grantLocked(req)
		a.mu.Unlock()
		return h, nil
	}
	w := &waiter{req: req, ready: make(chan struct{})}
	a.queue = append(a.queue, w)
	a.maybePreemptLocked()
	a.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.ready:
		if w.granted == nil {
			return nil, ErrClosed
		}
		return w.granted, nil
	case <-timer.C:
		return a.abandon(w, ErrCameraBusy)
	case <-ctx.Done():
		return a.abandon(w, ErrCanceled)
	}
}

// abandon takes w out of the queue. If w was granted the camera in the
// meantime a timed out caller keeps it, while a cancelled caller gives it
// straight back.
func (a *Arbiter) abandon(w *waiter, reason error) (*Handle, error) {
	a.mu.Lock()
	if !w.done {
		a.removeLocked(w)
		w.done = true
		a.mu.Unlock()
		return nil, reason
	}
	a.mu.Unlock()

	if w.granted == nil {
		return nil, ErrClosed
	}
	if reason == ErrCanceled {
		w.granted.Release()
		return nil, ErrCanceled
	}
	return w.granted, nil
}

func (a *Arbiter) removeLocked(w *waiter) {
	for i, q := range a.queue {
		if q == w {
			a.queue = append(a.queue[:i], a.queue[i+1:]...)
			return
		}
	}
}

func (a *Arbiter) grantLocked(req Request) *Handle {
	h := &Handle{Request: req, AcquiredAt: a.now(), arbiter: a}
	a.owner = h
	return h
}

func (a *Arbiter) release(h *Handle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.owner != h {
		return
	}
	a.owner = nil
	if a.closed || len(a.queue) == 0 {
		return
	}
	w := a.queue[0]
	a.queue = a.queue[1:]
	w.granted = a.grantLocked(w.req)
	w.done = true
	close(w.ready)
}

// maybePreemptLocked interrupts the stream when it owns the camera and a
// capture is waiting.
func (a *Arbiter) maybePreemptLocked() {
	if a.policy != PreemptStream || a.stream == nil || a.owner != a.stream.handle {
		return
	}
	for _, w := range a.queue {
		if w.req.Kind != KindStream {
			a.stream.interrupt()
			return
		}
	}
}

// Use runs fn while holding the camera. The camera is released however fn
// returns, including by panicking.
func (a *Arbiter) Use(ctx context.Context, kind Kind, timeout time.Duration, fn func(camera.Device) error) error {
	h, err := a.Acquire(ctx, kind, timeout)
	if err != nil {
		return err
	}
	defer h.Release()
	return fn(a.device)
}

// Capture takes one still. Device failures are returned as
// *camera.FaultError and are not retried.
func (a *Arbiter) Capture(ctx context.Context, kind Kind, timeout time.Duration) (*camera.Frame, error) {
	var frame *camera.Frame
	err := a.Use(ctx, kind, timeout, func(dev camera.Device) error {
		f, err := dev.OpenCapture(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ErrCanceled
			}
			if !camera.IsFault(err) {
				err = &camera.FaultError{Op: "capture", Err: err}
			}
			return err
		}
		frame = f
		return nil
	})
	if err != nil {
		return nil, err
	}
	return frame, nil
}

// Status is a snapshot of the arbiter.
type Status struct {
	Owner           Kind
	OwnerID         string
	OwnedSince      time.Time
	Queued          int
	StreamActive    bool
	StreamID        string
	StreamStartedAt time.Time
}

func (a *Arbiter) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := Status{Queued: len(a.queue)}
	if a.owner != nil {
		st.Owner = a.owner.Kind
		st.OwnerID = a.owner.ID
		st.OwnedSince = a.owner.AcquiredAt
	}
	if a.stream != nil {
		st.StreamActive = true
		st.StreamID = a.stream.ID
		st.StreamStartedAt = a.stream.StartedAt
	}
	return st
}

// Close stops any stream and fails all waiting and future requests. A
// capture already holding the camera is allowed to finish.
func (a *Arbiter) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	for _, w := range a.queue {
		w.done = true
		close(w.ready)
	}
	a.queue = nil
	stream := a.stream
	a.mu.Unlock()

	if stream != nil {
		stream.Stop()
	}
}
