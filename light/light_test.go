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

package light

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/saainithil97/otowatcher/camera"
)

func frameWith(exposure int, gain float64) *camera.Frame {
	return &camera.Frame{Metadata: camera.Metadata{ExposureTime: exposure, AnalogueGain: gain}}
}

func TestExposureSampler(t *testing.T) {
	var s ExposureSampler

	// Values reported by the mock camera.
	assert.InDelta(t, 66.66, s.Sample(frameWith(10000, 1.5)), 0.01)

	// Very short exposure saturates.
	assert.Equal(t, MaxScore, s.Sample(frameWith(100, 1.0)))

	// Dark tank: long exposure, high gain.
	assert.Less(t, s.Sample(frameWith(200000, 8.0)), 1.0)
}

func TestExposureSamplerMissingMetadata(t *testing.T) {
	var s ExposureSampler
	assert.Equal(t, MaxScore, s.Sample(nil))
	assert.Equal(t, MaxScore, s.Sample(&camera.Frame{}))
	assert.Equal(t, MaxScore, s.Sample(frameWith(10000, 0)))
}

func TestAboveThreshold(t *testing.T) {
	assert.True(t, AboveThreshold(20, 20))
	assert.True(t, AboveThreshold(20.5, 20))
	assert.False(t, AboveThreshold(19.99, 20))
}

func TestSamplerFunc(t *testing.T) {
	var s Sampler = SamplerFunc(func(*camera.Frame) float64 { return 42 })
	assert.Equal(t, 42.0, s.Sample(nil))
}
