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

// Package policy holds the user editable capture policy and persists it
// with a validate-then-swap protocol.
package policy

import (
	"fmt"
	"strings"
	"time"
)

// TimeLayout is the format of capture window times.
const TimeLayout = "15:04"

// Document is one version of the capture policy.
type Document struct {
	Version                int        `yaml:"version"`
	CaptureIntervalSeconds int        `yaml:"capture-interval-seconds"`
	LightsOnlyMode         bool       `yaml:"lights-only-mode"`
	LightThreshold         int        `yaml:"light-threshold"`
	CaptureWindow          Window     `yaml:"capture-window"`
	KeepDays               int        `yaml:"keep-days"`
	ImageQuality           int        `yaml:"image-quality"`
	Resolution             Resolution `yaml:"resolution"`
}

type Window struct {
	Enabled   bool   `yaml:"enabled"`
	StartTime string `yaml:"start-time"`
	EndTime   string `yaml:"end-time"`
}

type Resolution struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// Default returns the policy used when no policy file exists yet.
func Default() Document {
	return Document{
		CaptureIntervalSeconds: 300,
		LightsOnlyMode:         true,
		LightThreshold:         20,
		CaptureWindow: Window{
			Enabled:   false,
			StartTime: "08:00",
			EndTime:   "22:00",
		},
		KeepDays:     30,
		ImageQuality: 90,
		Resolution: Resolution{
			Width:  3280,
			Height: 2464,
		},
	}
}

// Interval is the time between scheduled captures.
func (d Document) Interval() time.Duration {
	return time.Duration(d.CaptureIntervalSeconds) * time.Second
}

// ValidationError lists every problem found in a proposed document.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return "invalid policy: " + strings.Join(e.Violations, "; ")
}

// Validate checks every field and reports all violations at once.
func (d Document) Validate() error {
	var v []string
	checkRange := func(name string, value, min, max int) {
		if value < min || value > max {
			v = append(v, fmt.Sprintf("%s should be in range %d - %d, got %d", name, min, max, value))
		}
	}

	checkRange("capture-interval-seconds", d.CaptureIntervalSeconds, 60, 86400)
	checkRange("light-threshold", d.LightThreshold, 1, 100)
	checkRange("keep-days", d.KeepDays, 1, 365)
	checkRange("image-quality", d.ImageQuality, 1, 100)
	checkRange("resolution.width", d.Resolution.Width, 64, 4608)
	checkRange("resolution.height", d.Resolution.Height, 64, 2592)

	if d.CaptureWindow.Enabled {
		if _, err := time.Parse(TimeLayout, d.CaptureWindow.StartTime); err != nil {
			v = append(v, fmt.Sprintf("capture-window.start-time %q is not HH:MM", d.CaptureWindow.StartTime))
		}
		if _, err := time.Parse(TimeLayout, d.CaptureWindow.EndTime); err != nil {
			v = append(v, fmt.Sprintf("capture-window.end-time %q is not HH:MM", d.CaptureWindow.EndTime))
		}
	}

	if len(v) > 0 {
		return &ValidationError{Violations: v}
	}
	return nil
}
