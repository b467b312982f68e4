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

// Package light scores how brightly lit a captured frame is.
package light

import (
	"github.com/saainithil97/otowatcher/camera"
)

const (
	// MaxScore is the score of a fully lit frame.
	MaxScore = 100.0

	exposureScale = 1e6
)

// Sampler turns a frame into a brightness score in [0, MaxScore].
type Sampler interface {
	Sample(frame *camera.Frame) float64
}

// SamplerFunc adapts a function to the Sampler interface.
type SamplerFunc func(frame *camera.Frame) float64

func (f SamplerFunc) Sample(frame *camera.Frame) float64 {
	return f(frame)
}

// ExposureSampler scores a frame from the exposure the sensor chose for it.
// A dark tank forces a long exposure and high gain, so the score falls as
// ExposureTime * AnalogueGain grows.
//
// A frame without exposure metadata scores MaxScore; the lights are assumed
// on when they cannot be checked.
type ExposureSampler struct{}

func (ExposureSampler) Sample(frame *camera.Frame) float64 {
	if frame == nil || frame.Metadata.ExposureTime <= 0 || frame.Metadata.AnalogueGain <= 0 {
		return MaxScore
	}
	exposure := float64(frame.Metadata.ExposureTime) * frame.Metadata.AnalogueGain
	score := exposureScale / (exposure + 1)
	if score > MaxScore {
		return MaxScore
	}
	return score
}

// AboveThreshold reports whether score passes the lights-on gate. A score
// equal to the threshold passes.
func AboveThreshold(score float64, threshold int) bool {
	return score >= float64(threshold)
}
