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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

const maxStreamFrameBytes = 8 * 1024 * 1024

// LibcameraConfig configures the rpicam command line tools.
type LibcameraConfig struct {
	StillCommand string `yaml:"still-command"`
	VideoCommand string `yaml:"video-command"`
	Rotation     int    `yaml:"rotation"`
	StreamWidth  int    `yaml:"stream-width"`
	StreamHeight int    `yaml:"stream-height"`
	StreamFPS    int    `yaml:"stream-fps"`
	WorkDir      string `yaml:"work-dir"`
}

// DefaultLibcameraConfig returns the settings used on a Raspberry Pi with
// the stock rpicam-apps package installed.
func DefaultLibcameraConfig() LibcameraConfig {
	return LibcameraConfig{
		StillCommand: "rpicam-still",
		VideoCommand: "rpicam-vid",
		StreamWidth:  1280,
		StreamHeight: 720,
		StreamFPS:    10,
		WorkDir:      os.TempDir(),
	}
}

func (conf LibcameraConfig) Validate() error {
	if conf.StillCommand == "" || conf.VideoCommand == "" {
		return errors.New("still-command and video-command must be set")
	}
	if conf.Rotation != 0 && conf.Rotation != 180 {
		return fmt.Errorf("rotation must be 0 or 180, got %d", conf.Rotation)
	}
	if conf.StreamFPS < 1 {
		return errors.New("stream-fps must be at least 1")
	}
	return nil
}

// NewLibcamera returns a Device which shells out to rpicam-still for
// captures and rpicam-vid for streaming.
func NewLibcamera(conf LibcameraConfig, settings SettingsFunc) *Libcamera {
	return &Libcamera{
		conf:     conf,
		settings: settings,
		command:  exec.CommandContext,
	}
}

type Libcamera struct {
	conf     LibcameraConfig
	settings SettingsFunc
	command  func(ctx context.Context, name string, arg ...string) *exec.Cmd

	mu     sync.Mutex
	closed bool
}

func (cam *Libcamera) isClosed() bool {
	cam.mu.Lock()
	defer cam.mu.Unlock()
	return cam.closed
}

func (cam *Libcamera) OpenCapture(ctx context.Context) (*Frame, error) {
	if cam.isClosed() {
		return nil, &FaultError{Op: "capture", Err: ErrClosed}
	}

	dir, err := os.MkdirTemp(cam.conf.WorkDir, "otowatcher-capture-")
	if err != nil {
		return nil, &FaultError{Op: "capture", Err: err}
	}
	defer os.RemoveAll(dir)

	imagePath := filepath.Join(dir, "still.jpg")
	metaPath := filepath.Join(dir, "still.json")
	args := cam.stillArgs(imagePath, metaPath)

	cmd := cam.command(ctx, cam.conf.StillCommand, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &FaultError{Op: "capture", Err: fmt.Errorf("%s: %v: %s", cam.conf.StillCommand, err, lastLine(stderr.Bytes()))}
	}

	data, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, &FaultError{Op: "capture", Err: err}
	}
	if len(data) == 0 {
		return nil, &FaultError{Op: "capture", Err: errors.New("empty image")}
	}

	frame := &Frame{Data: data, CapturedAt: time.Now()}
	if meta, err := readMetadataFile(metaPath); err != nil {
		log.Printf("could not read capture metadata: %v", err)
	} else {
		frame.Metadata = meta
	}
	return frame, nil
}

func (cam *Libcamera) stillArgs(imagePath, metaPath string) []string {
	args := []string{
		"--nopreview",
		"--immediate",
		"-o", imagePath,
		"--metadata", metaPath,
		"--metadata-format", "json",
	}
	if cam.settings != nil {
		s := cam.settings()
		if s.Width > 0 && s.Height > 0 {
			args = append(args, "--width", strconv.Itoa(s.Width), "--height", strconv.Itoa(s.Height))
		}
		if s.Quality > 0 {
			args = append(args, "--quality", strconv.Itoa(s.Quality))
		}
	}
	if cam.conf.Rotation != 0 {
		args = append(args, "--rotation", strconv.Itoa(cam.conf.Rotation))
	}
	return args
}

func (cam *Libcamera) OpenStream(ctx context.Context) (*Stream, error) {
	if cam.isClosed() {
		return nil, &FaultError{Op: "stream", Err: ErrClosed}
	}

	cmd := cam.command(ctx, cam.conf.VideoCommand, cam.streamArgs()...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &FaultError{Op: "stream", Err: err}
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return nil, &FaultError{Op: "stream", Err: err}
	}

	stream := NewStream(2)
	go func() {
		scanErr := readMJPEG(stdout, stream)
		waitErr := cmd.Wait()
		if ctx.Err() != nil {
			stream.End(nil)
			return
		}
		if scanErr == nil {
			scanErr = waitErr
		}
		if scanErr == nil {
			scanErr = errors.New("stream ended unexpectedly")
		}
		stream.End(&FaultError{Op: "stream", Err: fmt.Errorf("%s: %v: %s", cam.conf.VideoCommand, scanErr, lastLine(stderr.Bytes()))})
	}()
	return stream, nil
}

func (cam *Libcamera) streamArgs() []string {
	args := []string{
		"--nopreview",
		"--timeout", "0",
		"--codec", "mjpeg",
		"--width", strconv.Itoa(cam.conf.StreamWidth),
		"--height", strconv.Itoa(cam.conf.StreamHeight),
		"--framerate", strconv.Itoa(cam.conf.StreamFPS),
		"-o", "-",
	}
	if cam.conf.Rotation != 0 {
		args = append(args, "--rotation", strconv.Itoa(cam.conf.Rotation))
	}
	return args
}

func (cam *Libcamera) Close() error {
	cam.mu.Lock()
	defer cam.mu.Unlock()
	cam.closed = true
	return nil
}

// readMJPEG splits a concatenated JPEG stream into frames until r is
// exhausted.
func readMJPEG(r io.Reader, stream *Stream) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 256*1024), maxStreamFrameBytes)
	scanner.Split(splitJPEG)
	for scanner.Scan() {
		data := make([]byte, len(scanner.Bytes()))
		copy(data, scanner.Bytes())
		if !stream.Send(&Frame{Data: data, CapturedAt: time.Now()}) {
			return nil
		}
	}
	return scanner.Err()
}

var (
	jpegSOI = []byte{0xff, 0xd8}
	jpegEOI = []byte{0xff, 0xd9}
)

// splitJPEG is a bufio.SplitFunc yielding one complete JPEG per token.
// Bytes before a start-of-image marker are discarded.
func splitJPEG(data []byte, atEOF bool) (int, []byte, error) {
	start := bytes.Index(data, jpegSOI)
	if start < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		if len(data) < 2 {
			return 0, nil, nil
		}
		// The last byte may be the first half of a marker.
		return len(data) - 1, nil, nil
	}
	end := bytes.Index(data[start+len(jpegSOI):], jpegEOI)
	if end < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		return start, nil, nil
	}
	end += start + len(jpegSOI) + len(jpegEOI)
	return end, data[start:end], nil
}

func readMetadataFile(path string) (Metadata, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, err
	}
	return ParseMetadata(buf)
}

// ParseMetadata decodes the JSON metadata written by rpicam-still.
func ParseMetadata(buf []byte) (Metadata, error) {
	var meta Metadata
	if err := json.Unmarshal(buf, &meta); err != nil {
		return Metadata{}, fmt.Errorf("invalid metadata: %w", err)
	}
	return meta, nil
}

func lastLine(b []byte) string {
	b = bytes.TrimSpace(b)
	if i := bytes.LastIndexByte(b, '\n'); i >= 0 {
		b = b[i+1:]
	}
	return string(b)
}
