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

package camera

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"time"
)

const (
	mockWidth         = 800
	mockHeight        = 600
	mockStreamWidth   = 320
	mockStreamHeight  = 240
	mockFrameInterval = 100 * time.Millisecond
)

// NewMock returns a device which renders synthetic frames. It is used on
// machines without camera hardware.
func NewMock(settings SettingsFunc) *Mock {
	return &Mock{
		settings:      settings,
		FrameInterval: mockFrameInterval,
		Metadata: Metadata{
			ExposureTime: 10000,
			AnalogueGain: 1.5,
		},
		Now: time.Now,
	}
}

// Mock is a Device backed by generated images.
type Mock struct {
	Metadata      Metadata
	FrameInterval time.Duration
	Now           func() time.Time

	settings SettingsFunc
	mu       sync.Mutex
	closed   bool
	count    int
}

func (m *Mock) OpenCapture(ctx context.Context) (*Frame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, &FaultError{Op: "capture", Err: ErrClosed}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	width, height, quality := mockWidth, mockHeight, jpeg.DefaultQuality
	if m.settings != nil {
		s := m.settings()
		if s.Width > 0 && s.Height > 0 {
			// Keep mock stills small; only the aspect ratio is honoured.
			width, height = mockWidth, mockWidth*s.Height/s.Width
		}
		if s.Quality > 0 {
			quality = s.Quality
		}
	}
	m.count++
	data, err := renderFrame(width, height, quality, m.count)
	if err != nil {
		return nil, &FaultError{Op: "capture", Err: err}
	}
	return &Frame{
		Data:       data,
		Metadata:   m.Metadata,
		CapturedAt: m.Now(),
	}, nil
}

func (m *Mock) OpenStream(ctx context.Context) (*Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, &FaultError{Op: "stream", Err: ErrClosed}
	}

	stream := NewStream(2)
	go func() {
		ticker := time.NewTicker(m.FrameInterval)
		defer ticker.Stop()
		n := 0
		for {
			select {
			case <-ctx.Done():
				stream.End(nil)
				return
			case <-ticker.C:
			}
			n++
			data, err := renderFrame(mockStreamWidth, mockStreamHeight, jpeg.DefaultQuality, n)
			if err != nil {
				stream.End(&FaultError{Op: "stream", Err: err})
				return
			}
			stream.Send(&Frame{Data: data, Metadata: m.Metadata, CapturedAt: m.Now()})
		}
	}()
	return stream, nil
}

func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// renderFrame draws a blue gradient with a moving bar so consecutive frames
// differ.
func renderFrame(width, height, quality, n int) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	bar := (n * 8) % width
	for y := 0; y < height; y++ {
		shade := uint8(60 + 120*y/height)
		for x := 0; x < width; x++ {
			c := color.RGBA{R: 30, G: shade / 2, B: shade, A: 255}
			if x >= bar && x < bar+8 {
				c = color.RGBA{R: 255, G: 255, B: 255, A: 255}
			}
			img.SetRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
