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
	"time"

	"github.com/TheCacophonyProject/event-reporter/eventclient"

	"github.com/saainithil97/otowatcher/camera"
	"github.com/saainithil97/otowatcher/imagestore"
	"github.com/saainithil97/otowatcher/loglimiter"
	"github.com/saainithil97/otowatcher/scheduler"
)

const (
	eventCaptureFailed = "otowatcherCaptureFailed"
	eventCameraFault   = "otowatcherCameraFault"
	eventThrottled     = "otowatcherThrottled"
	eventStreamEnded   = "otowatcherStreamEnded"
)

func newEventReporter() *eventReporter {
	return &eventReporter{
		addEvent: eventclient.AddEvent,
		now:      time.Now,
		limiter:  loglimiter.New(10 * time.Minute),
	}
}

// eventReporter forwards notable capture outcomes to the event reporter
// service. Successful and skipped ticks are too frequent to report.
type eventReporter struct {
	addEvent func(eventclient.Event) error
	now      func() time.Time
	limiter  *loglimiter.LogLimiter
}

func (r *eventReporter) add(eventType string, details map[string]interface{}) {
	err := r.addEvent(eventclient.Event{
		Timestamp: r.now(),
		Type:      eventType,
		Details:   details,
	})
	if err != nil {
		r.limiter.PrintfKey("event", "failed to report %s event: %v", eventType, err)
	}
}

func (r *eventReporter) Captured(*imagestore.Record) {}

func (r *eventReporter) Skipped(scheduler.SkipReason) {}

func (r *eventReporter) Failed(err error) {
	eventType := eventCaptureFailed
	if camera.IsFault(err) {
		eventType = eventCameraFault
	}
	r.add(eventType, map[string]interface{}{"error": err.Error()})
}

// WhenThrottled is called when a manual capture is refused.
func (r *eventReporter) WhenThrottled() {
	r.add(eventThrottled, nil)
}

func (r *eventReporter) StreamEnded(id, reason string, frames uint64) {
	r.add(eventStreamEnded, map[string]interface{}{
		"id":     id,
		"reason": reason,
		"frames": frames,
	})
}
