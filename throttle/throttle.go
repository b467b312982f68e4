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

package throttle

import (
	"errors"
	"log"
	"time"

	"github.com/juju/ratelimit"
)

// ErrThrottled is returned for manual captures refused by the Throttler.
var ErrThrottled = errors.New("too many manual captures, try again later")

type Config struct {
	ApplyThrottling bool          `yaml:"apply-throttling"`
	BucketSize      int64         `yaml:"bucket-size"`
	RefillInterval  time.Duration `yaml:"refill-interval"`
}

func DefaultConfig() Config {
	return Config{
		ApplyThrottling: true,
		BucketSize:      10,
		RefillInterval:  30 * time.Second,
	}
}

func (conf Config) Validate() error {
	if !conf.ApplyThrottling {
		return nil
	}
	if conf.BucketSize < 1 {
		return errors.New("throttle bucket-size must be at least 1")
	}
	if conf.RefillInterval <= 0 {
		return errors.New("throttle refill-interval must be positive")
	}
	return nil
}

func NewThrottler(conf Config, listener ThrottledEventListener) *Throttler {
	return NewThrottlerWithClock(conf, listener, new(realClock))
}

func NewThrottlerWithClock(conf Config, listener ThrottledEventListener, clock ratelimit.Clock) *Throttler {
	if listener == nil {
		listener = new(nullListener)
	}
	t := &Throttler{
		apply:    conf.ApplyThrottling,
		listener: listener,
	}
	if conf.ApplyThrottling {
		t.bucket = ratelimit.NewBucketWithClock(conf.RefillInterval, conf.BucketSize, clock)
	}
	return t
}

// Throttler limits how often manual captures can be requested. Bursts of
// up to the bucket size are allowed after which one capture is allowed per
// refill interval. Scheduled captures are never throttled.
type Throttler struct {
	apply    bool
	bucket   *ratelimit.Bucket
	listener ThrottledEventListener
}

type ThrottledEventListener interface {
	WhenThrottled()
}

type nullListener struct{}

func (lis *nullListener) WhenThrottled() {}

// Allow takes a token for one capture, returning ErrThrottled when there
// are none left.
func (throttler *Throttler) Allow() error {
	if !throttler.apply {
		return nil
	}
	if throttler.bucket.TakeAvailable(1) > 0 {
		return nil
	}
	log.Print("manual capture throttled")
	throttler.listener.WhenThrottled()
	return ErrThrottled
}

// Available returns the number of captures which could be taken now. It
// is -1 when throttling is disabled.
func (throttler *Throttler) Available() int64 {
	if !throttler.apply {
		return -1
	}
	return throttler.bucket.Available()
}

// realClock implements ratelimit.Clock in terms of standard time functions.
type realClock struct{}

// Now implements Clock.Now by calling time.Now.
func (realClock) Now() time.Time {
	return time.Now()
}

// Now implements Clock.Sleep by calling time.Sleep.
func (realClock) Sleep(d time.Duration) {
	time.Sleep(d)
}
