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

	"github.com/TheCacophonyProject/event-reporter/eventclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saainithil97/otowatcher/replication"
)

func TestNewOracle(t *testing.T) {
	conf := defaultConfig
	assert.Equal(t, replication.Never{}, newOracle(&conf))

	conf.Rclone.Remote = "b2:aquarium"
	assert.IsType(t, &replication.Rclone{}, newOracle(&conf))
}

func TestEventListener(t *testing.T) {
	var events []eventclient.Event
	l := &eventListener{addEvent: func(e eventclient.Event) error {
		events = append(events, e)
		return nil
	}}

	l.Deleted("2024-03-01")
	l.Skipped("2024-03-02", replication.Absent)
	l.Aborted(errors.New("offline"))

	require.Len(t, events, 2)
	assert.Equal(t, "otowatcherPartitionDeleted", events[0].Type)
	assert.Equal(t, "2024-03-01", events[0].Details["partition"])
	assert.Equal(t, "otowatcherRetentionAborted", events[1].Type)
	assert.Equal(t, "offline", events[1].Details["error"])
}
