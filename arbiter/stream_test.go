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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saainithil97/otowatcher/camera"
)

func waitDone(t *testing.T, s *StreamSession) {
	select {
	case <-s.Done():
	case <-time.After(long):
		t.Fatal("stream session did not end")
	}
}

func TestStreamIsSingleton(t *testing.T) {
	a := New(new(fakeDevice), QueueBehindStream)

	s, err := a.StartStream(context.Background(), short)
	require.NoError(t, err)
	assert.True(t, s.Active())

	_, err = a.StartStream(context.Background(), short)
	assert.Equal(t, ErrStreamActive, err)

	st := a.Status()
	assert.True(t, st.StreamActive)
	assert.Equal(t, s.ID, st.StreamID)
	assert.Equal(t, KindStream, st.Owner)

	require.NoError(t, a.StopStream())
	assert.False(t, s.Active())
	reason, err := s.End()
	assert.Equal(t, EndStopped, reason)
	assert.NoError(t, err)

	assert.Equal(t, ErrStreamNotActive, a.StopStream())
	assert.Equal(t, KindNone, a.Status().Owner)
	assert.Nil(t, a.Stream())
}

func TestStreamForwardsFrames(t *testing.T) {
	dev := new(fakeDevice)
	a := New(dev, QueueBehindStream)
	s, err := a.StartStream(context.Background(), short)
	require.NoError(t, err)
	defer s.Stop()

	dev.lastStream().Send(&camera.Frame{Data: []byte("frame")})
	select {
	case f := <-s.Frames():
		assert.Equal(t, []byte("frame"), f.Data)
	case <-time.After(long):
		t.Fatal("no frame")
	}
}

func TestCaptureQueuesBehindStream(t *testing.T) {
	a := New(new(fakeDevice), QueueBehindStream)
	s, err := a.StartStream(context.Background(), short)
	require.NoError(t, err)

	_, err = a.Capture(context.Background(), KindManual, short)
	assert.Equal(t, ErrCameraBusy, err)
	assert.True(t, s.Active())

	// A capture waiting long enough runs once the stream stops.
	result := make(chan error)
	go func() {
		_, err := a.Capture(context.Background(), KindScheduled, long)
		result <- err
	}()
	waitForQueued(t, a, 1)
	s.Stop()
	assert.NoError(t, <-result)
}

func TestCapturePreemptsStream(t *testing.T) {
	a := New(new(fakeDevice), PreemptStream)
	s, err := a.StartStream(context.Background(), short)
	require.NoError(t, err)

	frame, err := a.Capture(context.Background(), KindManual, long)
	require.NoError(t, err)
	assert.NotNil(t, frame)

	waitDone(t, s)
	reason, _ := s.End()
	assert.Equal(t, EndPreempted, reason)
	select {
	case <-s.Interrupted():
	default:
		t.Fatal("interrupt checkpoint not signalled")
	}
}

func TestStreamStartedBehindQueuedCaptureIsPreempted(t *testing.T) {
	a := New(new(fakeDevice), PreemptStream)
	h, err := a.Acquire(context.Background(), KindScheduled, long)
	require.NoError(t, err)

	streams := make(chan *StreamSession)
	go func() {
		s, err := a.StartStream(context.Background(), long)
		assert.NoError(t, err)
		streams <- s
	}()
	waitForQueued(t, a, 1)

	captured := make(chan error)
	go func() {
		_, err := a.Capture(context.Background(), KindManual, long)
		captured <- err
	}()
	waitForQueued(t, a, 2)

	h.Release()
	s := <-streams
	assert.NoError(t, <-captured)
	waitDone(t, s)
	reason, _ := s.End()
	assert.Equal(t, EndPreempted, reason)
}

func TestStreamFaultReleasesCamera(t *testing.T) {
	dev := new(fakeDevice)
	a := New(dev, QueueBehindStream)
	s, err := a.StartStream(context.Background(), short)
	require.NoError(t, err)

	dev.lastStream().End(errors.New("pipe broken"))
	waitDone(t, s)

	reason, err := s.End()
	assert.Equal(t, EndFault, reason)
	assert.True(t, camera.IsFault(err))
	assert.Equal(t, KindNone, a.Status().Owner)
	assert.False(t, a.Status().StreamActive)

	_, err = a.Capture(context.Background(), KindManual, short)
	assert.NoError(t, err)
}

func TestStartStreamTimesOut(t *testing.T) {
	a := New(new(fakeDevice), QueueBehindStream)
	h, err := a.Acquire(context.Background(), KindScheduled, long)
	require.NoError(t, err)
	defer h.Release()

	_, err = a.StartStream(context.Background(), short)
	assert.Equal(t, ErrCameraBusy, err)

	// The failed start does not block later ones.
	h.Release()
	s, err := a.StartStream(context.Background(), short)
	require.NoError(t, err)
	s.Stop()
}

func TestCloseStopsStream(t *testing.T) {
	a := New(new(fakeDevice), QueueBehindStream)
	s, err := a.StartStream(context.Background(), short)
	require.NoError(t, err)

	a.Close()
	assert.False(t, s.Active())
	_, err = a.StartStream(context.Background(), short)
	assert.Equal(t, ErrClosed, err)
}
