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

package main

import (
	"errors"
	"testing"
	"time"

	"github.com/TheCacophonyProject/event-reporter/eventclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saainithil97/otowatcher/camera"
	"github.com/saainithil97/otowatcher/loglimiter"
	"github.com/saainithil97/otowatcher/scheduler"
)

func newTestReporter(fail error) (*eventReporter, *[]eventclient.Event) {
	var events []eventclient.Event
	now := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	return &eventReporter{
		addEvent: func(e eventclient.Event) error {
			events = append(events, e)
			return fail
		},
		now:     func() time.Time { return now },
		limiter: loglimiter.New(time.Minute),
	}, &events
}

func TestFailedEvents(t *testing.T) {
	r, events := newTestReporter(nil)

	r.Failed(&camera.FaultError{Op: "capture", Err: errors.New("no camera")})
	r.Failed(errors.New("disk full"))

	require.Len(t, *events, 2)
	assert.Equal(t, eventCameraFault, (*events)[0].Type)
	assert.Equal(t, "camera fault during capture: no camera", (*events)[0].Details["error"])
	assert.Equal(t, eventCaptureFailed, (*events)[1].Type)
	assert.Equal(t, time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC), (*events)[1].Timestamp)
}

func TestQuietOutcomes(t *testing.T) {
	r, events := newTestReporter(nil)
	r.Captured(nil)
	r.Skipped(scheduler.SkipTooDark)
	assert.Empty(t, *events)
}

func TestThrottledAndStreamEvents(t *testing.T) {
	r, events := newTestReporter(errors.New("no event service"))
	r.WhenThrottled()
	r.StreamEnded("abc", "stopped", 12)

	require.Len(t, *events, 2)
	assert.Equal(t, eventThrottled, (*events)[0].Type)
	assert.Equal(t, eventStreamEnded, (*events)[1].Type)
	assert.Equal(t, uint64(12), (*events)[1].Details["frames"])
}
