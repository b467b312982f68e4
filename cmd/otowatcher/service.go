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
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/godbus/dbus"
	"github.com/godbus/dbus/introspect"
	yaml "gopkg.in/yaml.v2"

	"github.com/saainithil97/otowatcher/arbiter"
	"github.com/saainithil97/otowatcher/controlclient"
	"github.com/saainithil97/otowatcher/imagestore"
	"github.com/saainithil97/otowatcher/policy"
	"github.com/saainithil97/otowatcher/scheduler"
	"github.com/saainithil97/otowatcher/throttle"
)

const (
	dbusName = controlclient.DbusDest
	dbusPath = controlclient.DbusPath
)

type service struct {
	arbiter       *arbiter.Arbiter
	store         *imagestore.Store
	policies      *policy.Store
	throttler     *throttle.Throttler
	scheduler     *scheduler.Scheduler
	streams       *streamWriter
	manualTimeout time.Duration
	streamTimeout time.Duration
	now           func() time.Time
}

func startService(s *service) error {
	conn, err := dbus.SystemBus()
	if err != nil {
		return err
	}
	reply, err := conn.RequestName(dbusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return err
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return errors.New("name already taken")
	}

	conn.Export(s, dbusPath, dbusName)
	conn.Export(genIntrospectable(s), dbusPath, "org.freedesktop.DBus.Introspectable")
	return nil
}

func genIntrospectable(v interface{}) introspect.Introspectable {
	node := &introspect.Node{
		Interfaces: []introspect.Interface{{
			Name:    dbusName,
			Methods: introspect.Methods(v),
		}},
	}
	return introspect.NewIntrospectable(node)
}

func makeDbusError(name string, err error) *dbus.Error {
	return &dbus.Error{
		Name: dbusName + "." + name,
		Body: []interface{}{err.Error()},
	}
}

// TakePicture captures and stores an image immediately, returning its
// path. Light and window gates do not apply.
func (s *service) TakePicture() (string, *dbus.Error) {
	rec, err := s.takePicture()
	if err != nil {
		return "", makeDbusError("TakePicture", err)
	}
	return rec.Path, nil
}

// StartStream begins a live stream session and returns its id.
func (s *service) StartStream() (string, *dbus.Error) {
	session, err := s.startStream()
	if err != nil {
		return "", makeDbusError("StartStream", err)
	}
	return session.ID, nil
}

func (s *service) StopStream() *dbus.Error {
	if err := s.arbiter.StopStream(); err != nil {
		return makeDbusError("StopStream", err)
	}
	return nil
}

// StreamStatus returns whether a stream is active, its id and its start
// time in Unix nanoseconds.
func (s *service) StreamStatus() (bool, string, int64, *dbus.Error) {
	session := s.arbiter.Stream()
	if session == nil {
		return false, "", 0, nil
	}
	return true, session.ID, session.StartedAt.UnixNano(), nil
}

// Status returns a JSON summary of the camera and capture loop.
func (s *service) Status() (string, *dbus.Error) {
	buf, err := json.Marshal(s.status())
	if err != nil {
		return "", makeDbusError("Status", err)
	}
	return string(buf), nil
}

func (s *service) LatestImage() (string, *dbus.Error) {
	rec, err := s.store.Latest()
	if err != nil {
		return "", makeDbusError("LatestImage", err)
	}
	return rec.Path, nil
}

// ImageStats returns a JSON summary of the image store.
func (s *service) ImageStats() (string, *dbus.Error) {
	buf, err := s.imageStats()
	if err != nil {
		return "", makeDbusError("ImageStats", err)
	}
	return string(buf), nil
}

// CalendarDays returns the days of the month which have images.
func (s *service) CalendarDays(year, month int32) ([]int32, *dbus.Error) {
	days, err := s.store.CalendarDays(int(year), time.Month(month))
	if err != nil {
		return nil, makeDbusError("CalendarDays", err)
	}
	out := make([]int32, len(days))
	for i, d := range days {
		out[i] = int32(d)
	}
	return out, nil
}

// ClosestImage returns the path of the image nearest the given Unix
// nanosecond time.
func (s *service) ClosestImage(target int64) (string, *dbus.Error) {
	rec, err := s.store.Closest(time.Unix(0, target))
	if err != nil {
		return "", makeDbusError("ClosestImage", err)
	}
	return rec.Path, nil
}

// ListImages returns image paths, newest first. from and to are Unix
// nanosecond bounds, zero for none. An empty partition or a zero limit do
// not filter.
func (s *service) ListImages(from, to int64, partition string, limit int32) ([]string, *dbus.Error) {
	filter := imagestore.Filter{Partition: partition, Limit: int(limit)}
	if from != 0 {
		filter.From = time.Unix(0, from)
	}
	if to != 0 {
		filter.To = time.Unix(0, to)
	}
	records, err := s.store.List(filter)
	if err != nil {
		return nil, makeDbusError("ListImages", err)
	}
	paths := make([]string, 0, len(records))
	for _, rec := range records {
		paths = append(paths, rec.Path)
	}
	return paths, nil
}

// GetConfig returns the active capture policy as YAML.
func (s *service) GetConfig() (string, *dbus.Error) {
	buf, err := yaml.Marshal(s.policies.Current())
	if err != nil {
		return "", makeDbusError("GetConfig", err)
	}
	return string(buf), nil
}

// ProposeConfig applies a YAML policy document over the active one. Keys
// which are left out keep their current value. The new version is
// returned.
func (s *service) ProposeConfig(doc string) (int32, *dbus.Error) {
	applied, err := s.proposeConfig([]byte(doc))
	if err != nil {
		return 0, makeDbusError("ProposeConfig", err)
	}
	return int32(applied.Version), nil
}

func (s *service) RollbackConfig() (int32, *dbus.Error) {
	doc, err := s.policies.Rollback()
	if err != nil {
		return 0, makeDbusError("RollbackConfig", err)
	}
	log.Printf("policy rolled back, now version %d", doc.Version)
	return int32(doc.Version), nil
}

func (s *service) takePicture() (*imagestore.Record, error) {
	if err := s.throttler.Allow(); err != nil {
		return nil, err
	}
	frame, err := s.arbiter.Capture(context.Background(), arbiter.KindManual, s.manualTimeout)
	if err != nil {
		log.Printf("manual capture failed: %v", err)
		return nil, err
	}
	rec, err := s.store.Save(frame)
	if err != nil {
		log.Printf("failed to save manual capture: %v", err)
		return nil, err
	}
	log.Printf("manual capture saved to %s", rec.Path)
	return rec, nil
}

func (s *service) startStream() (*arbiter.StreamSession, error) {
	session, err := s.arbiter.StartStream(context.Background(), s.streamTimeout)
	if err != nil {
		log.Printf("failed to start stream: %v", err)
		return nil, err
	}
	log.Printf("stream %s started", session.ID)
	s.streams.attach(session)
	return session, nil
}

func (s *service) status() controlclient.Status {
	arb := s.arbiter.Status()
	stats := s.scheduler.Stats()
	st := controlclient.Status{
		Owner:           arb.Owner.String(),
		Queued:          arb.Queued,
		StreamActive:    arb.StreamActive,
		StreamPolicy:    s.arbiter.Policy().String(),
		SchedulerState:  s.scheduler.State().String(),
		Captured:        stats.Captured,
		Skipped:         stats.Skipped,
		Failed:          stats.Failed,
		ManualAvailable: s.throttler.Available(),
		PolicyVersion:   s.policies.Current().Version,
	}
	if rec, err := s.store.Latest(); err == nil {
		st.LatestImage = rec.Path
		st.LatestCapturedAt = rec.CapturedAt
	}
	return st
}

func (s *service) imageStats() ([]byte, error) {
	stats, err := s.store.Stats(s.now())
	if err != nil {
		return nil, err
	}
	out := controlclient.ImageStats{
		TotalImages:    stats.TotalImages,
		TodayImages:    stats.TodayImages,
		Partitions:     stats.Partitions,
		DiskUsageBytes: stats.DiskUsageBytes,
	}
	if stats.Latest != nil {
		out.LatestCapturedAt = stats.Latest.CapturedAt
	}
	return json.Marshal(out)
}

func (s *service) proposeConfig(buf []byte) (policy.Document, error) {
	doc := s.policies.Current()
	if err := yaml.UnmarshalStrict(buf, &doc); err != nil {
		return policy.Document{}, err
	}
	applied, err := s.policies.Propose(doc)
	if err != nil {
		log.Printf("rejected policy: %v", err)
		return policy.Document{}, err
	}
	log.Printf("policy updated to version %d", applied.Version)
	return applied, nil
}
