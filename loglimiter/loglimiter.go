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

package loglimiter

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// New returns a new LogLimiter with the configured minimum log interval.
func New(interval time.Duration) *LogLimiter {
	return &LogLimiter{
		interval: interval,
		nowFunc:  time.Now,
		entries:  make(map[string]entry),
	}
}

// LogLimiter will suppress log messages if the same log message is
// seen within some time interval. Messages logged with a key are
// compared per key, so a reason that keeps recurring is only logged once
// per interval even while other messages are logged.
type LogLimiter struct {
	interval time.Duration
	nowFunc  func() time.Time

	mu      sync.Mutex
	entries map[string]entry
}

type entry struct {
	msg  string
	time time.Time
}

func (limiter *LogLimiter) Printf(format string, v ...interface{}) {
	limiter.Print(fmt.Sprintf(format, v...))
}

func (limiter *LogLimiter) Print(s string) {
	limiter.PrintKey("", s)
}

func (limiter *LogLimiter) PrintfKey(key, format string, v ...interface{}) {
	limiter.PrintKey(key, fmt.Sprintf(format, v...))
}

// PrintKey logs s unless the previous message for key was s and was
// logged less than the interval ago.
func (limiter *LogLimiter) PrintKey(key, s string) {
	limiter.mu.Lock()
	defer limiter.mu.Unlock()

	now := limiter.nowFunc()
	prev, ok := limiter.entries[key]
	if ok && now.Sub(prev.time) < limiter.interval && s == prev.msg {
		return
	}

	log.Print(s)
	limiter.entries[key] = entry{msg: s, time: now}
}

// Reset forgets the previous message for key so the next one is always
// logged.
func (limiter *LogLimiter) Reset(key string) {
	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	delete(limiter.entries, key)
}
