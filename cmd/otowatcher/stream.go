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
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/saainithil97/otowatcher/arbiter"
	"github.com/saainithil97/otowatcher/camera"
)

const liveFrameName = "live.jpg"

type streamEndListener interface {
	StreamEnded(id, reason string, frames uint64)
}

func newStreamWriter(dir string, maxDuration time.Duration, listener streamEndListener) *streamWriter {
	return &streamWriter{
		dir:         dir,
		maxDuration: maxDuration,
		listener:    listener,
	}
}

// streamWriter keeps the most recent stream frame at dir/live.jpg so that
// a web front end can poll it.
type streamWriter struct {
	dir         string
	maxDuration time.Duration
	listener    streamEndListener
}

func (w *streamWriter) path() string {
	return filepath.Join(w.dir, liveFrameName)
}

// attach consumes the session's frames until the session ends. The
// session is stopped once maxDuration passes. The returned channel is
// closed when the writer is finished.
func (w *streamWriter) attach(session *arbiter.StreamSession) <-chan struct{} {
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		frames := w.consume(session)
		w.deleteLiveFrame()
		reason, err := session.End()
		if err != nil {
			log.Printf("stream %s ended: %s (%v), %d frames", session.ID, reason, err, frames)
		} else {
			log.Printf("stream %s ended: %s, %d frames", session.ID, reason, frames)
		}
		if w.listener != nil {
			w.listener.StreamEnded(session.ID, reason.String(), frames)
		}
	}()
	return finished
}

func (w *streamWriter) consume(session *arbiter.StreamSession) uint64 {
	var timeout <-chan time.Time
	if w.maxDuration > 0 {
		t := time.NewTimer(w.maxDuration)
		defer t.Stop()
		timeout = t.C
	}

	var count uint64
	for {
		select {
		case frame, ok := <-session.Frames():
			if !ok {
				return count
			}
			if err := w.writeLiveFrame(frame); err != nil {
				log.Printf("failed to write live frame: %v", err)
				continue
			}
			count++
		case <-timeout:
			log.Printf("stream %s reached maximum duration of %s", session.ID, w.maxDuration)
			timeout = nil
			// Frames is closed once the session has finished stopping.
			go session.Stop()
		}
	}
}

// writeLiveFrame replaces live.jpg with a rename so readers never see a
// partial image.
func (w *streamWriter) writeLiveFrame(frame *camera.Frame) error {
	tmp, err := os.CreateTemp(w.dir, "."+liveFrameName+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(frame.Data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), w.path())
}

func (w *streamWriter) deleteLiveFrame() {
	if err := os.Remove(w.path()); err != nil && !os.IsNotExist(err) {
		log.Printf("error deleting live frame: %v", err)
	}
}
