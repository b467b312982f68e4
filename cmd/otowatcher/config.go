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
	"io/ioutil"
	"log"
	"time"

	yaml "gopkg.in/yaml.v2"

	"github.com/saainithil97/otowatcher/arbiter"
	"github.com/saainithil97/otowatcher/camera"
	"github.com/saainithil97/otowatcher/scheduler"
	"github.com/saainithil97/otowatcher/throttle"
)

type Config struct {
	ImageDir      string                 `yaml:"image-dir"`
	StateDir      string                 `yaml:"state-dir"`
	PolicyFile    string                 `yaml:"policy-file"`
	MinDiskSpace  uint64                 `yaml:"min-disk-space"`
	PowerPin      string                 `yaml:"power-pin"`
	MockCamera    bool                   `yaml:"mock-camera"`
	StreamPolicy  string                 `yaml:"stream-policy"`
	StreamMaxSecs int                    `yaml:"stream-max-secs"`
	ManualTimeout time.Duration          `yaml:"manual-timeout"`
	StreamTimeout time.Duration          `yaml:"stream-timeout"`
	Camera        camera.LibcameraConfig `yaml:"camera"`
	Scheduler     scheduler.Config       `yaml:"scheduler"`
	Throttler     throttle.Config        `yaml:"throttler"`
}

func (conf *Config) Validate() error {
	if conf.ImageDir == "" {
		return errors.New("image-dir must be set")
	}
	if conf.PolicyFile == "" {
		return errors.New("policy-file must be set")
	}
	if _, err := arbiter.ParsePolicy(conf.StreamPolicy); err != nil {
		return err
	}
	if conf.StreamMaxSecs < 0 {
		return errors.New("stream-max-secs can't be negative")
	}
	if conf.ManualTimeout <= 0 || conf.StreamTimeout <= 0 {
		return errors.New("manual-timeout and stream-timeout must be positive")
	}
	if !conf.MockCamera {
		if err := conf.Camera.Validate(); err != nil {
			return err
		}
	}
	if err := conf.Scheduler.Validate(); err != nil {
		return err
	}
	if err := conf.Throttler.Validate(); err != nil {
		return err
	}
	return nil
}

var defaultConfig = Config{
	ImageDir:      "/var/lib/otowatcher/images",
	StateDir:      "/var/lib/otowatcher",
	PolicyFile:    "/etc/otowatcher/policy.yaml",
	MinDiskSpace:  200,
	StreamPolicy:  "queue-behind-stream",
	StreamMaxSecs: 600,
	ManualTimeout: 10 * time.Second,
	StreamTimeout: 10 * time.Second,
	Camera:        camera.DefaultLibcameraConfig(),
	Scheduler:     scheduler.DefaultConfig(),
	Throttler:     throttle.DefaultConfig(),
}

func ParseConfigFile(filename string) (*Config, error) {
	buf, err := ioutil.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return ParseConfig(buf)
}

func ParseConfig(buf []byte) (*Config, error) {
	conf := defaultConfig
	if err := yaml.Unmarshal(buf, &conf); err != nil {
		return nil, err
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return &conf, nil
}

func logConfig(conf *Config) {
	log.Printf("image dir: %s", conf.ImageDir)
	log.Printf("state dir: %s", conf.StateDir)
	log.Printf("policy file: %s", conf.PolicyFile)
	log.Printf("minimum disk space: %dMB", conf.MinDiskSpace)
	if conf.MockCamera {
		log.Print("camera: mock")
	} else {
		log.Printf("camera: %+v", conf.Camera)
		if conf.PowerPin != "" {
			log.Printf("camera power pin: %s", conf.PowerPin)
		}
	}
	log.Printf("stream policy: %s, max %ds", conf.StreamPolicy, conf.StreamMaxSecs)
	log.Printf("timeouts: manual %s, stream %s, scheduled %s",
		conf.ManualTimeout, conf.StreamTimeout, conf.Scheduler.CaptureTimeout)
	log.Printf("throttler: %+v", conf.Throttler)
}
