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

// Package controlclient calls the otowatcher D-Bus service.
package controlclient

import (
	"encoding/json"
	"time"

	"github.com/godbus/dbus"
)

const (
	DbusPath   = "/org/otowatcher/Capture"
	DbusDest   = "org.otowatcher.Capture"
	methodBase = "org.otowatcher.Capture"
)

func getDbusObj() (dbus.BusObject, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, err
	}
	obj := conn.Object(DbusDest, DbusPath)
	return obj, nil
}

// TakePicture asks for a manual capture and returns the stored image path.
func TakePicture() (string, error) {
	obj, err := getDbusObj()
	if err != nil {
		return "", err
	}
	var path string
	err = obj.Call(methodBase+".TakePicture", 0).Store(&path)
	return path, err
}

// StartStream starts the live stream and returns the session id.
func StartStream() (string, error) {
	obj, err := getDbusObj()
	if err != nil {
		return "", err
	}
	var id string
	err = obj.Call(methodBase+".StartStream", 0).Store(&id)
	return id, err
}

func StopStream() error {
	obj, err := getDbusObj()
	if err != nil {
		return err
	}
	return obj.Call(methodBase+".StopStream", 0).Store()
}

type StreamStatus struct {
	Active    bool
	ID        string
	StartedAt time.Time
}

func GetStreamStatus() (*StreamStatus, error) {
	obj, err := getDbusObj()
	if err != nil {
		return nil, err
	}
	var active bool
	var id string
	var started int64
	if err := obj.Call(methodBase+".StreamStatus", 0).Store(&active, &id, &started); err != nil {
		return nil, err
	}
	st := &StreamStatus{Active: active, ID: id}
	if started > 0 {
		st.StartedAt = time.Unix(0, started)
	}
	return st, nil
}

// Status is the service's view of the camera and capture loop.
type Status struct {
	Owner            string    `json:"owner"`
	Queued           int       `json:"queued"`
	StreamActive     bool      `json:"streamActive"`
	StreamPolicy     string    `json:"streamPolicy"`
	SchedulerState   string    `json:"schedulerState"`
	Captured         uint64    `json:"captured"`
	Skipped          uint64    `json:"skipped"`
	Failed           uint64    `json:"failed"`
	ManualAvailable  int64     `json:"manualAvailable"`
	PolicyVersion    int       `json:"policyVersion"`
	LatestImage      string    `json:"latestImage,omitempty"`
	LatestCapturedAt time.Time `json:"latestCapturedAt,omitempty"`
}

func GetStatus() (*Status, error) {
	obj, err := getDbusObj()
	if err != nil {
		return nil, err
	}
	var buf string
	if err := obj.Call(methodBase+".Status", 0).Store(&buf); err != nil {
		return nil, err
	}
	st := new(Status)
	if err := json.Unmarshal([]byte(buf), st); err != nil {
		return nil, err
	}
	return st, nil
}

// LatestImage returns the path of the newest stored image.
func LatestImage() (string, error) {
	obj, err := getDbusObj()
	if err != nil {
		return "", err
	}
	var path string
	err = obj.Call(methodBase+".LatestImage", 0).Store(&path)
	return path, err
}

// GetConfig returns the active capture policy as YAML.
func GetConfig() (string, error) {
	obj, err := getDbusObj()
	if err != nil {
		return "", err
	}
	var doc string
	err = obj.Call(methodBase+".GetConfig", 0).Store(&doc)
	return doc, err
}

// ProposeConfig submits a YAML policy document and returns the version it
// was stored as.
func ProposeConfig(doc string) (int, error) {
	obj, err := getDbusObj()
	if err != nil {
		return 0, err
	}
	var version int32
	err = obj.Call(methodBase+".ProposeConfig", 0, doc).Store(&version)
	return int(version), err
}

func RollbackConfig() (int, error) {
	obj, err := getDbusObj()
	if err != nil {
		return 0, err
	}
	var version int32
	err = obj.Call(methodBase+".RollbackConfig", 0).Store(&version)
	return int(version), err
}

// ImageStats summarises the image store.
type ImageStats struct {
	TotalImages      int       `json:"totalImages"`
	TodayImages      int       `json:"todayImages"`
	Partitions       int       `json:"partitions"`
	DiskUsageBytes   int64     `json:"diskUsageBytes"`
	LatestCapturedAt time.Time `json:"latestCapturedAt,omitempty"`
}

func GetImageStats() (*ImageStats, error) {
	obj, err := getDbusObj()
	if err != nil {
		return nil, err
	}
	var buf string
	if err := obj.Call(methodBase+".ImageStats", 0).Store(&buf); err != nil {
		return nil, err
	}
	stats := new(ImageStats)
	if err := json.Unmarshal([]byte(buf), stats); err != nil {
		return nil, err
	}
	return stats, nil
}

// CalendarDays returns the days of the month which have images.
func CalendarDays(year int, month time.Month) ([]int, error) {
	obj, err := getDbusObj()
	if err != nil {
		return nil, err
	}
	var days []int32
	if err := obj.Call(methodBase+".CalendarDays", 0, int32(year), int32(month)).Store(&days); err != nil {
		return nil, err
	}
	out := make([]int, len(days))
	for i, d := range days {
		out[i] = int(d)
	}
	return out, nil
}

// ListImages returns image paths, newest first. Zero times, an empty
// partition and a zero limit do not filter.
func ListImages(from, to time.Time, partition string, limit int) ([]string, error) {
	obj, err := getDbusObj()
	if err != nil {
		return nil, err
	}
	var fromNanos, toNanos int64
	if !from.IsZero() {
		fromNanos = from.UnixNano()
	}
	if !to.IsZero() {
		toNanos = to.UnixNano()
	}
	var paths []string
	err = obj.Call(methodBase+".ListImages", 0, fromNanos, toNanos, partition, int32(limit)).Store(&paths)
	return paths, err
}

// ClosestImage returns the path of the image taken nearest to t.
func ClosestImage(t time.Time) (string, error) {
	obj, err := getDbusObj()
	if err != nil {
		return "", err
	}
	var path string
	err = obj.Call(methodBase+".ClosestImage", 0, t.UnixNano()).Store(&path)
	return path, err
}
