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

// Package scheduler runs the interval capture loop.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TheCacophonyProject/window"

	"github.com/saainithil97/otowatcher/arbiter"
	"github.com/saainithil97/otowatcher/camera"
	"github.com/saainithil97/otowatcher/imagestore"
	"github.com/saainithil97/otowatcher/light"
	"github.com/saainithil97/otowatcher/loglimiter"
	"github.com/saainithil97/otowatcher/policy"
)

// Capturer takes a still while holding the camera.
type Capturer interface {
	Capture(ctx context.Context, kind arbiter.Kind, timeout time.Duration) (*camera.Frame, error)
}

type ImageSaver interface {
	Save(frame *camera.Frame) (*imagestore.Record, error)
}

type PolicySource interface {
	Current() policy.Document
}

// SkipReason says why a tick produced no image.
type SkipReason string

const (
	SkipOutsideWindow SkipReason = "outside capture window"
	SkipTooDark       SkipReason = "lights off"
	SkipCameraBusy    SkipReason = "camera busy"
)

// Listener is told the outcome of every tick.
type Listener interface {
	Captured(rec *imagestore.Record)
	Skipped(reason SkipReason)
	Failed(err error)
}

type nullListener struct{}

func (nullListener) Captured(*imagestore.Record) {}
func (nullListener) Skipped(SkipReason)          {}
func (nullListener) Failed(error)                {}

type Config struct {
	CaptureTimeout time.Duration `yaml:"capture-timeout"`
	StatsInterval  time.Duration `yaml:"stats-interval"`
}

func DefaultConfig() Config {
	return Config{
		CaptureTimeout: 30 * time.Second,
		StatsInterval:  time.Hour,
	}
}

func (conf Config) Validate() error {
	if conf.CaptureTimeout <= 0 {
		return errors.New("capture-timeout must be positive")
	}
	return nil
}

type State int32

const (
	StateIdle State = iota
	StateWaiting
	StateGating
	StateCapturing
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaiting:
		return "waiting"
	case StateGating:
		return "gating"
	case StateCapturing:
		return "capturing"
	case StateShuttingDown:
		return "shutting down"
	}
	return "unknown"
}

// Stats count tick outcomes since the scheduler started.
type Stats struct {
	Ticks    uint64
	Captured uint64
	Skipped  uint64
	Failed   uint64
	Dropped  uint64
}

func (s Stats) String() string {
	return fmt.Sprintf("ticks=%d captured=%d skipped=%d failed=%d dropped=%d",
		s.Ticks, s.Captured, s.Skipped, s.Failed, s.Dropped)
}

func New(
	capturer Capturer,
	saver ImageSaver,
	policies PolicySource,
	sampler light.Sampler,
	conf Config,
) *Scheduler {
	return NewWithClock(capturer, saver, policies, sampler, conf, realClock{})
}

func NewWithClock(
	capturer Capturer,
	saver ImageSaver,
	policies PolicySource,
	sampler light.Sampler,
	conf Config,
	clock Clock,
) *Scheduler {
	if sampler == nil {
		sampler = light.ExposureSampler{}
	}
	return &Scheduler{
		capturer: capturer,
		saver:    saver,
		policies: policies,
		sampler:  sampler,
		conf:     conf,
		clock:    clock,
		listener: nullListener{},
		limiter:  loglimiter.New(30 * time.Minute),
	}
}

// Scheduler captures an image every policy interval, subject to the
// capture window and light level gates. Tick times stay on a fixed grid
// anchored at start up, so slow captures never cause drift.
type Scheduler struct {
	capturer Capturer
	saver    ImageSaver
	policies PolicySource
	sampler  light.Sampler
	conf     Config
	clock    Clock
	listener Listener
	limiter  *loglimiter.LogLimiter

	state int32

	mu    sync.Mutex
	stats Stats
}

// SetListener must be called before Run.
func (s *Scheduler) SetListener(l Listener) {
	if l == nil {
		l = nullListener{}
	}
	s.listener = l
}

func (s *Scheduler) State() State {
	return State(atomic.LoadInt32(&s.state))
}

func (s *Scheduler) setState(st State) {
	atomic.StoreInt32(&s.state, int32(st))
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Scheduler) count(f func(*Stats)) {
	s.mu.Lock()
	f(&s.stats)
	s.mu.Unlock()
}

// Run ticks until ctx is cancelled. The first tick is immediate. Errors
// during a tick are logged and the loop carries on; Run only returns once
// ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	log.Printf("capture scheduler started, interval %s", s.policies.Current().Interval())
	next := s.clock.Now()
	lastStats := next

	for {
		s.setState(StateWaiting)
		if err := s.clock.Wait(ctx, next.Sub(s.clock.Now())); err != nil {
			break
		}

		tick := next
		s.Tick(ctx, s.clock.Now())
		if ctx.Err() != nil {
			break
		}

		interval := s.policies.Current().Interval()
		var dropped int64
		next, dropped = nextTick(tick, interval, s.clock.Now())
		if dropped > 0 {
			log.Printf("capture overran, dropped %d tick(s)", dropped)
			s.count(func(st *Stats) { st.Dropped += uint64(dropped) })
		}

		if s.conf.StatsInterval > 0 && s.clock.Now().Sub(lastStats) >= s.conf.StatsInterval {
			log.Printf("capture stats: %s", s.Stats())
			lastStats = s.clock.Now()
		}
	}

	s.setState(StateShuttingDown)
	log.Printf("capture scheduler stopped: %s", s.Stats())
	return nil
}

// nextTick returns the tick following prev. Ticks which have already
// fully passed are dropped and the latest grid point not after now is
// returned instead, so a late loop catches up once and stays on the grid.
func nextTick(prev time.Time, interval time.Duration, now time.Time) (time.Time, int64) {
	next := prev.Add(interval)
	if !now.After(next) || interval <= 0 {
		return next, 0
	}
	missed := now.Sub(prev) / interval
	return prev.Add(missed * interval), int64(missed) - 1
}

// Tick runs the gates and, if they pass, captures and stores one image.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	s.count(func(st *Stats) { st.Ticks++ })
	doc := s.policies.Current()

	s.setState(StateGating)
	if doc.CaptureWindow.Enabled && !s.windowActive(doc, now) {
		s.skip(SkipOutsideWindow, fmt.Sprintf("skipping capture: outside capture window %s-%s",
			doc.CaptureWindow.StartTime, doc.CaptureWindow.EndTime))
		return
	}
	s.limiter.Reset(string(SkipOutsideWindow))

	s.setState(StateCapturing)
	defer s.setState(StateIdle)
	// A capture never outlives its own tick.
	timeout := s.conf.CaptureTimeout
	if interval := doc.Interval(); interval < timeout {
		timeout = interval
	}
	frame, err := s.capturer.Capture(ctx, arbiter.KindScheduled, timeout)
	switch {
	case errors.Is(err, arbiter.ErrCameraBusy):
		s.skip(SkipCameraBusy, "skipping capture: camera busy")
		return
	case errors.Is(err, arbiter.ErrCanceled), errors.Is(err, arbiter.ErrClosed):
		return
	case err != nil:
		s.fail(err)
		return
	}

	if doc.LightsOnlyMode {
		score := s.sampler.Sample(frame)
		if !light.AboveThreshold(score, doc.LightThreshold) {
			s.skip(SkipTooDark, fmt.Sprintf("skipping capture: lights off (light level %.1f below %d)",
				score, doc.LightThreshold))
			return
		}
	}
	s.limiter.Reset(string(SkipTooDark))

	rec, err := s.saver.Save(frame)
	if err != nil {
		s.fail(err)
		return
	}
	log.Printf("captured %s", rec.RelPath())
	s.count(func(st *Stats) { st.Captured++ })
	s.listener.Captured(rec)
}

func (s *Scheduler) windowActive(doc policy.Document, now time.Time) bool {
	// Window times are clock times so no location is needed.
	w, err := window.New(doc.CaptureWindow.StartTime, doc.CaptureWindow.EndTime, 0, 0)
	if err != nil {
		log.Printf("ignoring capture window: %v", err)
		return true
	}
	w.Now = func() time.Time { return now }
	return w.Active()
}

func (s *Scheduler) skip(reason SkipReason, msg string) {
	s.limiter.PrintKey(string(reason), msg)
	s.count(func(st *Stats) { st.Skipped++ })
	s.listener.Skipped(reason)
}

func (s *Scheduler) fail(err error) {
	log.Printf("capture failed: %v", err)
	s.count(func(st *Stats) { st.Failed++ })
	s.listener.Failed(err)
}
