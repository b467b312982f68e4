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

	yaml "gopkg.in/yaml.v2"

	"github.com/saainithil97/otowatcher/replication"
)

// Config is read from the same file as the capture daemon's. Keys which
// only the daemon uses are ignored.
type Config struct {
	ImageDir   string                   `yaml:"image-dir"`
	PolicyFile string                   `yaml:"policy-file"`
	Rclone     replication.RcloneConfig `yaml:"rclone"`
}

func (conf *Config) Validate() error {
	if conf.ImageDir == "" {
		return errors.New("image-dir must be set")
	}
	if conf.PolicyFile == "" {
		return errors.New("policy-file must be set")
	}
	return conf.Rclone.Validate()
}

var defaultConfig = Config{
	ImageDir:   "/var/lib/otowatcher/images",
	PolicyFile: "/etc/otowatcher/policy.yaml",
	Rclone:     replication.DefaultRcloneConfig(),
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
